package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a subscriber does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrExists is returned when creating a subscriber that already exists.
	ErrExists = errors.New("storage: already exists")
)

// Mode selects how a subscriber advances through the plan.
type Mode string

const (
	ModeLive Mode = "live" // wall-clock driven, advanced by ticks
	ModeTest Mode = "test" // advanced step-by-step by an explicit action
)

// Status is the subscriber lifecycle state. Subscribers are never deleted;
// finished ones are marked completed and kept for audit.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// DeliveryStatus is the ledger state of one (subscriber, item) pair.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Subscriber is the durable per-chat program state.
//
// Cursor invariant: Seq is strictly increasing over a subscriber's
// lifetime (-1 before the first delivery); Phase/Offset mirror the last
// delivered item's plan position for auditability.
type Subscriber struct {
	ChatID    int64
	Mode      Mode
	Status    Status
	Timezone  string
	StartDate string // YYYY-MM-DD; empty until onboarding completes

	Phase  string
	Offset int
	Seq    int

	LastAdvancedAt time.Time // zero if never advanced
	CreatedAt      time.Time
}

// Cursor is the committed plan position written on a successful delivery.
type Cursor struct {
	Phase  string
	Offset int
	Seq    int
}

// Claim is the outcome of ClaimDelivery.
type Claim int

const (
	// ClaimAcquired means the caller owns the (subscriber, item) slot and
	// must attempt the send, then Complete or Fail it.
	ClaimAcquired Claim = iota
	// ClaimAlreadySent means a sent row exists; skip the send, but cursor
	// advancement is still safe to repeat.
	ClaimAlreadySent
	// ClaimInFlight means a fresh pending row exists; another attempt is
	// (or very recently was) racing. Back off until it goes stale.
	ClaimInFlight
)

func (c Claim) String() string {
	switch c {
	case ClaimAcquired:
		return "acquired"
	case ClaimAlreadySent:
		return "already-sent"
	case ClaimInFlight:
		return "in-flight"
	default:
		return "claim(?)"
	}
}

// Store is the persistence contract used by the engine and the chat UI.
type Store interface {
	CreateSubscriber(ctx context.Context, sub Subscriber) error
	GetSubscriber(ctx context.Context, chatID int64) (Subscriber, error)
	// CompleteOnboarding records timezone and start date once the
	// onboarding conversation finishes.
	CompleteOnboarding(ctx context.Context, chatID int64, timezone, startDate string) error
	SetMode(ctx context.Context, chatID int64, mode Mode) error
	SetStatus(ctx context.Context, chatID int64, status Status) error
	// ListDeliverable returns active subscribers in the given mode.
	ListDeliverable(ctx context.Context, mode Mode) ([]Subscriber, error)

	// ClaimDelivery locks the subscriber and claims the (subscriber, item)
	// ledger slot in one transaction: absent or failed rows are claimed as
	// pending, pending rows older than staleAfter are re-claimed, younger
	// ones report ClaimInFlight, sent rows report ClaimAlreadySent.
	ClaimDelivery(ctx context.Context, chatID int64, itemID string, now time.Time, staleAfter time.Duration) (Claim, error)
	// CompleteDelivery marks the pending row sent and advances the cursor
	// atomically. Sent rows are never overwritten. completed also flips
	// the subscriber status to completed.
	CompleteDelivery(ctx context.Context, chatID int64, itemID string, cur Cursor, completed bool, now time.Time) error
	// FailDelivery marks the pending row failed so a later tick retries it.
	FailDelivery(ctx context.Context, chatID int64, itemID string) error
	// AdvanceCursor moves the cursor forward without touching the ledger.
	// Used when a claim reports already-sent: repeating the advance is
	// idempotent because the guard only moves seq forward.
	AdvanceCursor(ctx context.Context, chatID int64, cur Cursor, completed bool, now time.Time) error

	// SentCount reports how many items were delivered to the subscriber.
	SentCount(ctx context.Context, chatID int64) (int, error)

	Close() error
}
