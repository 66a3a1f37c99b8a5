// Package telegram adapts the Telegram Bot API (telebot) to the engine's
// outbound send capability and hosts the long-poll update loop.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"stridebot/internal/engine"
	logx "stridebot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// SendRatePerSec caps outbound messages per second. Telegram's global
	// bot limit is about 30/s; default 20 leaves headroom for UI replies.
	SendRatePerSec int
}

type Adapter struct {
	bot     *tele.Bot
	log     logx.Logger
	limiter *rate.Limiter

	runMu   sync.Mutex
	running bool
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:     cfg.Token,
		Poller:    &tele.LongPoller{Timeout: timeout},
		ParseMode: tele.ModeHTML,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.SendRatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &Adapter{
		bot:     b,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

// Bot exposes the underlying telebot instance for handler registration.
func (a *Adapter) Bot() *tele.Bot { return a.bot }

// Start launches the long-poll loop and stops it when ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return
	}
	a.running = true
	a.runMu.Unlock()

	go func() {
		<-ctx.Done()
		a.bot.Stop()
	}()
	go func() {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	}()
}

func (a *Adapter) Stop() {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if wasRunning {
		a.bot.Stop()
	}
}

// Send implements engine.Sender.
//
// Outcome classification matters more than the send itself: an error from
// the Telegram API is a definite failure, but a transport-level error or a
// timeout means the request may have reached Telegram anyway, so those are
// wrapped in engine.ErrSendUnknown and the caller leaves the ledger slot
// pending instead of retrying immediately.
func (a *Adapter) Send(ctx context.Context, chatID int64, text string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		// No request left the process, so this is a definite failure and
		// the next tick retries immediately. Deliberately not wrapped: a
		// context error here must not read as an unknown send outcome.
		return fmt.Errorf("rate limit wait: %v", err)
	}

	type result struct{ err error }
	ch := make(chan result, 1)
	go func() {
		_, err := a.bot.Send(&tele.Chat{ID: chatID}, text, tele.ModeHTML)
		ch <- result{err: err}
	}()

	select {
	case <-ctx.Done():
		// The HTTP call is still in flight; the message may land.
		return fmt.Errorf("%w: %v", engine.ErrSendUnknown, ctx.Err())
	case r := <-ch:
		if r.err == nil {
			return nil
		}
		var apiErr *tele.Error
		if errors.As(r.err, &apiErr) {
			// Telegram answered: the send definitively did not happen
			// (blocked bot, bad chat, flood rejection, ...).
			return r.err
		}
		var floodErr *tele.FloodError
		if errors.As(r.err, &floodErr) {
			return r.err
		}
		// Network-level error: the request may or may not have arrived.
		return fmt.Errorf("%w: %v", engine.ErrSendUnknown, r.err)
	}
}
