package engine

import (
	"context"
	"errors"
	"time"
)

// Sender is the outbound message capability. Implementations must return
// an error wrapping ErrSendUnknown when the outcome cannot be determined
// (timeout, cancellation): the engine then leaves the ledger slot pending
// instead of marking it failed, and the staleness window decides the retry.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

var (
	// ErrSendUnknown marks a send whose outcome is unknown.
	ErrSendUnknown = errors.New("send outcome unknown")
	// ErrNoStartDate flags a subscriber past onboarding with no start date.
	ErrNoStartDate = errors.New("subscriber has no start date")
	// ErrNotTestMode is returned by Advance for live-mode subscribers.
	ErrNotTestMode = errors.New("subscriber is not in test mode")
	// ErrBusy is returned when another operation holds the subscriber lock.
	ErrBusy = errors.New("subscriber is busy")
)

// Config tunes the engine. Zero values get defaults in New.
type Config struct {
	// PendingStaleAfter is how old a pending ledger row must be before a
	// later tick may re-claim it.
	PendingStaleAfter time.Duration
	// SendTimeout bounds one outbound send.
	SendTimeout time.Duration
	// SubscriberBudget bounds one subscriber's processing per tick.
	SubscriberBudget time.Duration
	// DefaultTimezone is used when a subscriber has none recorded.
	DefaultTimezone string
}

func (c Config) withDefaults() Config {
	if c.PendingStaleAfter <= 0 {
		c.PendingStaleAfter = 5 * time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 20 * time.Second
	}
	if c.SubscriberBudget <= 0 {
		c.SubscriberBudget = 30 * time.Second
	}
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = "UTC"
	}
	return c
}

// TickReport summarizes one tick batch.
type TickReport struct {
	RunID       string        `json:"run_id"`
	Subscribers int           `json:"subscribers"`
	Delivered   int           `json:"delivered"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Took        time.Duration `json:"took"`
}
