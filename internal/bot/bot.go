// Package bot wires the Telegram chat UI: onboarding, test-mode controls
// and the status/pause/resume commands. It owns no delivery logic; every
// state change goes through the store or the engine.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"stridebot/internal/engine"
	"stridebot/internal/program"
	"stridebot/internal/storage"
	logx "stridebot/pkg/logx"
)

type Config struct {
	// CohortStartDate anchors everyone to one program start (YYYY-MM-DD).
	// Empty means each subscriber starts on the day they onboard.
	CohortStartDate string
	DefaultTimezone string
}

type Bot struct {
	b      *tele.Bot
	store  storage.Store
	engine *engine.Engine
	plan   *program.Plan
	cfg    Config
	log    logx.Logger

	draftMu sync.Mutex
	drafts  map[int64]*draft
}

// draft is the in-flight onboarding conversation state. It lives only in
// memory: a restart just asks the user to pick their time zone again.
type draft struct {
	tz string
}

func New(b *tele.Bot, store storage.Store, eng *engine.Engine, plan *program.Plan, cfg Config, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "UTC"
	}
	ui := &Bot{
		b:      b,
		store:  store,
		engine: eng,
		plan:   plan,
		cfg:    cfg,
		log:    log,
		drafts: make(map[int64]*draft),
	}
	ui.register()
	return ui
}

func (ui *Bot) register() {
	ui.b.Handle("/start", ui.onStart)
	ui.b.Handle("/status", ui.onStatus)
	ui.b.Handle("/pause", ui.onPause)
	ui.b.Handle("/resume", ui.onResume)
	ui.b.Handle("/test", ui.onTest)
	ui.b.Handle("/live", ui.onLive)
	ui.b.Handle("/next", ui.onNext)
	ui.b.Handle("/help", ui.onHelp)

	ui.b.Handle(&btnTimezone, ui.onTimezonePick)
	ui.b.Handle(&btnTzConfirm, ui.onTimezoneConfirm)
	ui.b.Handle(&btnTzRetry, ui.onTimezoneRetry)
	ui.b.Handle(&btnNext, ui.onNext)

	// Free text during onboarding is treated as a typed IANA zone name.
	ui.b.Handle(tele.OnText, ui.onText)
}

func (ui *Bot) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// ---- onboarding ----

func (ui *Bot) onStart(c tele.Context) error {
	chatID := c.Chat().ID
	ctx, cancel := ui.ctx()
	defer cancel()

	sub, err := ui.store.GetSubscriber(ctx, chatID)
	switch {
	case err == nil && sub.StartDate != "":
		return c.Send("You are already enrolled. Use /status to see where you are.")
	case err == nil:
		// Row exists but onboarding never finished; pick up from the zone step.
	case errors.Is(err, storage.ErrNotFound):
		err = ui.store.CreateSubscriber(ctx, storage.Subscriber{
			ChatID: chatID,
			Mode:   storage.ModeLive,
			Status: storage.StatusActive,
			Seq:    -1,
		})
		if err != nil && !errors.Is(err, storage.ErrExists) {
			ui.log.Error("create subscriber failed", logx.Int64("chat_id", chatID), logx.Err(err))
			return c.Send(msgOops)
		}
	default:
		ui.log.Error("lookup subscriber failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return c.Send(msgOops)
	}

	ui.draftMu.Lock()
	ui.drafts[chatID] = &draft{}
	ui.draftMu.Unlock()

	return c.Send(msgWelcome, timezoneMarkup())
}

func (ui *Bot) onTimezonePick(c tele.Context) error {
	idx, err := strconv.Atoi(strings.TrimSpace(c.Data()))
	if err != nil || idx < 0 || idx >= len(timezoneOptions) {
		return c.Respond(&tele.CallbackResponse{Text: "Unknown option"})
	}
	return ui.proposeTimezone(c, timezoneOptions[idx].Zone)
}

func (ui *Bot) onText(c tele.Context) error {
	chatID := c.Chat().ID
	ui.draftMu.Lock()
	_, onboarding := ui.drafts[chatID]
	ui.draftMu.Unlock()
	if !onboarding {
		return nil // not in a conversation; ignore chatter
	}

	tz := strings.TrimSpace(c.Text())
	if _, err := time.LoadLocation(tz); err != nil {
		return c.Send("That does not look like a time zone I know. Try the exact IANA name, e.g. Europe/Berlin, or pick one below.", timezoneMarkup())
	}
	return ui.proposeTimezone(c, tz)
}

func (ui *Bot) proposeTimezone(c tele.Context, tz string) error {
	chatID := c.Chat().ID
	ui.draftMu.Lock()
	d, ok := ui.drafts[chatID]
	if !ok {
		d = &draft{}
		ui.drafts[chatID] = d
	}
	d.tz = tz
	ui.draftMu.Unlock()

	if c.Callback() != nil {
		_ = c.Respond(&tele.CallbackResponse{})
	}
	return c.Send(fmt.Sprintf("Your time zone is <b>%s</b> — daily messages follow your local calendar. Correct?", tz), tzConfirmMarkup())
}

func (ui *Bot) onTimezoneRetry(c tele.Context) error {
	_ = c.Respond(&tele.CallbackResponse{})
	return c.Send("Pick your time zone, or type its IANA name.", timezoneMarkup())
}

func (ui *Bot) onTimezoneConfirm(c tele.Context) error {
	chatID := c.Chat().ID

	ui.draftMu.Lock()
	d := ui.drafts[chatID]
	ui.draftMu.Unlock()
	if d == nil || d.tz == "" {
		_ = c.Respond(&tele.CallbackResponse{})
		return c.Send("Let's start over: pick your time zone.", timezoneMarkup())
	}

	startDate, err := ui.startDateFor(d.tz)
	if err != nil {
		ui.log.Error("start date resolve failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return c.Send(msgOops)
	}

	ctx, cancel := ui.ctx()
	defer cancel()
	if err := ui.store.CompleteOnboarding(ctx, chatID, d.tz, startDate); err != nil {
		ui.log.Error("onboarding commit failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return c.Send(msgOops)
	}

	ui.draftMu.Lock()
	delete(ui.drafts, chatID)
	ui.draftMu.Unlock()

	_ = c.Respond(&tele.CallbackResponse{})
	ui.log.Info("subscriber onboarded",
		logx.Int64("chat_id", chatID),
		logx.String("tz", d.tz),
		logx.String("start_date", startDate))
	return c.Send(fmt.Sprintf(msgEnrolled, startDate))
}

// startDateFor picks the subscriber's program start: the shared cohort date
// when configured and still reachable, otherwise today in their zone.
func (ui *Bot) startDateFor(tz string) (string, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return "", err
	}
	today := program.CivilDate(time.Now(), loc)
	if ui.cfg.CohortStartDate != "" {
		cohort, err := program.ParseDate(ui.cfg.CohortStartDate)
		if err != nil {
			return "", err
		}
		if !cohort.Before(today) {
			return ui.cfg.CohortStartDate, nil
		}
	}
	return program.FormatDate(today), nil
}

// ---- lifecycle commands ----

func (ui *Bot) onPause(c tele.Context) error {
	return ui.setStatus(c, storage.StatusPaused, "Paused. No messages until you /resume. Your place in the program is kept.")
}

func (ui *Bot) onResume(c tele.Context) error {
	return ui.setStatus(c, storage.StatusActive, "Resumed. Anything you missed arrives with the next delivery round.")
}

func (ui *Bot) setStatus(c tele.Context, st storage.Status, reply string) error {
	ctx, cancel := ui.ctx()
	defer cancel()
	if err := ui.store.SetStatus(ctx, c.Chat().ID, st); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.Send(msgNotEnrolled)
		}
		ui.log.Error("status change failed", logx.Int64("chat_id", c.Chat().ID), logx.Err(err))
		return c.Send(msgOops)
	}
	return c.Send(reply)
}

func (ui *Bot) onTest(c tele.Context) error {
	ctx, cancel := ui.ctx()
	defer cancel()
	if err := ui.store.SetMode(ctx, c.Chat().ID, storage.ModeTest); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.Send(msgNotEnrolled)
		}
		ui.log.Error("mode change failed", logx.Int64("chat_id", c.Chat().ID), logx.Err(err))
		return c.Send(msgOops)
	}
	return c.Send("Test mode: the calendar is ignored and each press of Next delivers the following message. /live switches back.", nextMarkup())
}

func (ui *Bot) onLive(c tele.Context) error {
	ctx, cancel := ui.ctx()
	defer cancel()
	if err := ui.store.SetMode(ctx, c.Chat().ID, storage.ModeLive); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.Send(msgNotEnrolled)
		}
		ui.log.Error("mode change failed", logx.Int64("chat_id", c.Chat().ID), logx.Err(err))
		return c.Send(msgOops)
	}
	return c.Send("Live mode: messages follow the program calendar again.")
}

func (ui *Bot) onNext(c tele.Context) error {
	if c.Callback() != nil {
		_ = c.Respond(&tele.CallbackResponse{})
	}

	ctx, cancel := ui.ctx()
	defer cancel()
	item, err := ui.engine.Advance(ctx, c.Chat().ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return c.Send(msgNotEnrolled)
	case errors.Is(err, engine.ErrNotTestMode):
		return c.Send("Manual steps only work in test mode. Use /test first.")
	case errors.Is(err, engine.ErrBusy):
		return c.Send("Still working on the previous step, try again in a moment.")
	case err != nil:
		ui.log.Error("manual advance failed", logx.Int64("chat_id", c.Chat().ID), logx.Err(err))
		return c.Send(msgOops)
	case item == nil:
		return c.Send("That was the last message of the program.")
	default:
		// The delivered text already went out through the engine's sender;
		// just offer the next step.
		return c.Send(fmt.Sprintf("That was <i>%s</i>.", item.Position()), nextMarkup())
	}
}

func (ui *Bot) onStatus(c tele.Context) error {
	chatID := c.Chat().ID
	ctx, cancel := ui.ctx()
	defer cancel()

	sub, err := ui.store.GetSubscriber(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return c.Send(msgNotEnrolled)
	}
	if err != nil {
		ui.log.Error("status lookup failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return c.Send(msgOops)
	}
	sent, err := ui.store.SentCount(ctx, chatID)
	if err != nil {
		ui.log.Error("sent count failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return c.Send(msgOops)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Mode: <b>%s</b>\nStatus: <b>%s</b>\n", sub.Mode, sub.Status)
	if sub.Timezone != "" {
		fmt.Fprintf(&b, "Time zone: %s\n", sub.Timezone)
	}
	if sub.StartDate == "" {
		b.WriteString("Onboarding not finished — send /start to complete it.\n")
	} else {
		fmt.Fprintf(&b, "Start date: %s\n", sub.StartDate)
		if pos, ok := ui.currentPosition(sub); ok {
			fmt.Fprintf(&b, "Today: %s\n", describePosition(ui.plan.Calendar(), pos))
		}
	}
	fmt.Fprintf(&b, "Messages received: %d of %d", sent, ui.plan.Len())
	return c.Send(b.String())
}

func (ui *Bot) currentPosition(sub storage.Subscriber) (program.Position, bool) {
	start, err := program.ParseDate(sub.StartDate)
	if err != nil {
		return program.Position{}, false
	}
	tz := sub.Timezone
	if tz == "" {
		tz = ui.cfg.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return program.Position{}, false
	}
	today := program.CivilDate(time.Now(), loc)
	return ui.plan.Calendar().Resolve(start, today), true
}

func describePosition(cal program.Calendar, pos program.Position) string {
	switch pos.Phase {
	case program.PhaseBeforeStart:
		if pos.Offset == 1 {
			return "1 day until the program starts"
		}
		return fmt.Sprintf("%d days until the program starts", pos.Offset)
	case program.PhaseHomeStretch:
		day, _ := cal.DayNumber(pos)
		return fmt.Sprintf("day %d of %d — home stretch", day, cal.ActiveDays)
	case program.PhaseActive:
		day, _ := cal.DayNumber(pos)
		return fmt.Sprintf("day %d of %d", day, cal.ActiveDays)
	default:
		return "the program has ended"
	}
}

func (ui *Bot) onHelp(c tele.Context) error {
	return c.Send(msgHelp)
}
