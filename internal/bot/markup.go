package bot

import (
	"strconv"

	tele "gopkg.in/telebot.v4"
)

// Button uniques are registration keys; per-option payload travels in the
// callback data.
var (
	btnTimezone  = tele.Btn{Unique: "onb_tz"}
	btnTzConfirm = tele.Btn{Unique: "onb_tz_ok", Text: "Yes, that's right"}
	btnTzRetry   = tele.Btn{Unique: "onb_tz_retry", Text: "Pick another"}
	btnNext      = tele.Btn{Unique: "step_next", Text: "Next ▸"}
)

type tzOption struct {
	Label string
	Zone  string
}

var timezoneOptions = []tzOption{
	{"Amsterdam / Berlin", "Europe/Amsterdam"},
	{"London", "Europe/London"},
	{"Madrid / Paris", "Europe/Madrid"},
	{"Istanbul / Moscow", "Europe/Istanbul"},
	{"New York", "America/New_York"},
	{"Chicago", "America/Chicago"},
	{"Los Angeles", "America/Los_Angeles"},
	{"Singapore", "Asia/Singapore"},
	{"Sydney", "Australia/Sydney"},
	{"UTC", "UTC"},
}

func timezoneMarkup() *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, (len(timezoneOptions)+1)/2)
	for i := 0; i < len(timezoneOptions); i += 2 {
		btns := []tele.Btn{tzButton(rm, i)}
		if i+1 < len(timezoneOptions) {
			btns = append(btns, tzButton(rm, i+1))
		}
		rows = append(rows, rm.Row(btns...))
	}
	rm.Inline(rows...)
	return rm
}

func tzButton(rm *tele.ReplyMarkup, idx int) tele.Btn {
	return rm.Data(timezoneOptions[idx].Label, btnTimezone.Unique, strconv.Itoa(idx))
}

func tzConfirmMarkup() *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rm.Inline(rm.Row(
		rm.Data(btnTzConfirm.Text, btnTzConfirm.Unique),
		rm.Data(btnTzRetry.Text, btnTzRetry.Unique),
	))
	return rm
}

func nextMarkup() *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rm.Inline(rm.Row(rm.Data(btnNext.Text, btnNext.Unique)))
	return rm
}
