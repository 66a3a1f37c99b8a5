package bot

const (
	msgWelcome = "Welcome! This bot walks you through a multi-week program, " +
		"one message per day.\n\nFirst, pick your time zone so the daily " +
		"messages follow your calendar. You can also just type an IANA zone " +
		"name like Europe/Berlin."

	msgEnrolled = "You're in! Your program starts on <b>%s</b>. " +
		"Countdown messages arrive before then, daily messages after.\n\n" +
		"/status shows where you are, /pause takes a break."

	msgNotEnrolled = "You're not enrolled yet — send /start to begin."

	msgOops = "Something went wrong on my side. Please try again in a minute."

	msgHelp = "/start — enroll in the program\n" +
		"/status — where you are in the program\n" +
		"/pause — stop messages, keep your place\n" +
		"/resume — continue after a pause\n" +
		"/test — test mode: step through messages manually\n" +
		"/next — next message (test mode)\n" +
		"/live — back to calendar-driven delivery"
)
