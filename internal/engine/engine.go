package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"stridebot/internal/program"
	"stridebot/internal/storage"
	logx "stridebot/pkg/logx"
)

type Engine struct {
	store  storage.Store
	plan   *program.Plan
	sender Sender
	log    logx.Logger

	mu  sync.Mutex
	cfg Config

	locks *subLocks
	now   func() time.Time
}

func New(store storage.Store, plan *program.Plan, sender Sender, cfg Config, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		store:  store,
		plan:   plan,
		sender: sender,
		log:    log,
		cfg:    cfg.withDefaults(),
		locks:  newSubLocks(),
		now:    time.Now,
	}
}

// Apply swaps runtime-tunable knobs (config hot reload).
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Tick processes one batch for all live subscribers. Failures are isolated
// per subscriber: one bad row never aborts the rest of the batch.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	start := e.now()
	rep := TickReport{RunID: uuid.NewString()[:8]}
	log := e.log.With(logx.String("run", rep.RunID))

	subs, err := e.store.ListDeliverable(ctx, storage.ModeLive)
	if err != nil {
		return rep, fmt.Errorf("list subscribers: %w", err)
	}
	rep.Subscribers = len(subs)

	for _, sub := range subs {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if !e.locks.tryAcquire(sub.ChatID) {
			// An overlapping invocation is already on it.
			rep.Skipped++
			continue
		}
		n, err := func() (int, error) {
			defer e.locks.release(sub.ChatID)
			sctx, cancel := context.WithTimeout(ctx, e.config().SubscriberBudget)
			defer cancel()
			return e.catchUp(sctx, sub)
		}()
		rep.Delivered += n
		if err != nil {
			rep.Failed++
			log.Warn("subscriber tick failed",
				logx.Int64("chat_id", sub.ChatID),
				logx.Int("delivered", n),
				logx.Err(err))
		}
	}

	rep.Took = e.now().Sub(start)
	log.Info("tick finished",
		logx.Int("subscribers", rep.Subscribers),
		logx.Int("delivered", rep.Delivered),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Took))
	return rep, nil
}

// catchUp delivers every item due for the subscriber at the current time,
// in plan order. Missed intervals are caught up in one pass; a failed send
// stops the pass so a later item never overtakes an earlier one.
func (e *Engine) catchUp(ctx context.Context, sub storage.Subscriber) (int, error) {
	if sub.StartDate == "" {
		return 0, ErrNoStartDate
	}
	start, err := program.ParseDate(sub.StartDate)
	if err != nil {
		return 0, err
	}
	loc, err := e.location(sub.Timezone)
	if err != nil {
		return 0, err
	}

	cal := e.plan.Calendar()
	today := program.CivilDate(e.now(), loc)
	pos := cal.Resolve(start, today)

	delivered := 0
	for {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		item := e.plan.NextAfter(sub.Seq)
		if item == nil {
			// Plan consumed. Terminal only once the calendar has moved past
			// the program end.
			if pos.Phase == program.PhaseAfterEnd && sub.Status != storage.StatusCompleted {
				if err := e.store.SetStatus(ctx, sub.ChatID, storage.StatusCompleted); err != nil {
					return delivered, err
				}
			}
			return delivered, nil
		}
		if program.Less(pos, item.Position()) {
			return delivered, nil // not due yet
		}

		res, err := e.step(ctx, &sub, item)
		switch res {
		case stepDelivered:
			delivered++
		case stepRepeated:
			// Sent on an earlier attempt; cursor repaired, keep going.
		default:
			return delivered, err
		}
	}
}

// Advance performs one manual step for a test-mode subscriber, ignoring
// the calendar entirely. It returns the delivered item, or nil when the
// plan is exhausted.
func (e *Engine) Advance(ctx context.Context, chatID int64) (*program.Item, error) {
	sub, err := e.store.GetSubscriber(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if sub.Mode != storage.ModeTest {
		return nil, ErrNotTestMode
	}

	item := e.plan.NextAfter(sub.Seq)
	if item == nil {
		return nil, nil
	}

	if !e.locks.tryAcquire(chatID) {
		return nil, ErrBusy
	}
	defer e.locks.release(chatID)

	res, err := e.step(ctx, &sub, item)
	switch res {
	case stepDelivered, stepRepeated:
		return item, nil
	default:
		return nil, err
	}
}

type stepResult int

const (
	stepDelivered stepResult = iota // sent and committed
	stepRepeated                    // sent earlier; cursor advance repeated idempotently
	stepBlocked                     // in-flight claim or unknown send outcome
	stepFailed                      // definite send failure recorded
)

// step is the single advance operation shared by ticks and manual
// advances: claim the ledger slot, send, commit ledger + cursor.
func (e *Engine) step(ctx context.Context, sub *storage.Subscriber, item *program.Item) (stepResult, error) {
	cfg := e.config()
	now := e.now()

	claim, err := e.store.ClaimDelivery(ctx, sub.ChatID, item.ID, now, cfg.PendingStaleAfter)
	if err != nil {
		return stepBlocked, fmt.Errorf("claim %s: %w", item.ID, err)
	}

	cur := cursorFor(item)
	done := e.isFinal(item)

	switch claim {
	case storage.ClaimAlreadySent:
		// A prior attempt committed the send but this process never saw it
		// (crash or racing invocation). Repair the cursor and move on; the
		// advance is forward-only, so repeating it is harmless.
		if err := e.store.AdvanceCursor(ctx, sub.ChatID, cur, done, now); err != nil {
			return stepBlocked, fmt.Errorf("advance after duplicate claim: %w", err)
		}
		sub.Seq = item.Seq
		return stepRepeated, nil
	case storage.ClaimInFlight:
		return stepBlocked, nil
	}

	text, err := item.Render(e.varsFor(item))
	if err != nil {
		// Templates are validated at load; a runtime render failure is a
		// definite non-delivery.
		_ = e.store.FailDelivery(ctx, sub.ChatID, item.ID)
		return stepFailed, err
	}

	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	err = e.sender.Send(sctx, sub.ChatID, text)
	cancel()
	if err != nil {
		if errors.Is(err, ErrSendUnknown) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// The message may have gone out. Leave the slot pending; the
			// staleness window arbitrates the retry. This is the accepted
			// at-most-once boundary between send and commit.
			return stepBlocked, fmt.Errorf("send %s: %w", item.ID, err)
		}
		if ferr := e.store.FailDelivery(ctx, sub.ChatID, item.ID); ferr != nil {
			return stepFailed, fmt.Errorf("send %s: %w (and fail-mark: %v)", item.ID, err, ferr)
		}
		return stepFailed, fmt.Errorf("send %s: %w", item.ID, err)
	}

	if err := e.store.CompleteDelivery(ctx, sub.ChatID, item.ID, cur, done, e.now()); err != nil {
		return stepBlocked, fmt.Errorf("commit %s: %w", item.ID, err)
	}
	sub.Seq = item.Seq
	e.log.Debug("delivered",
		logx.Int64("chat_id", sub.ChatID),
		logx.String("item", item.ID),
		logx.String("pos", item.Position().String()))
	return stepDelivered, nil
}

// isFinal reports whether delivering item finishes the whole program.
func (e *Engine) isFinal(item *program.Item) bool {
	return e.plan.NextAfter(item.Seq) == nil && item.Phase == program.PhaseAfterEnd
}

func (e *Engine) varsFor(item *program.Item) program.Vars {
	cal := e.plan.Calendar()
	v := program.Vars{Phase: item.Phase.String()}
	if day, ok := cal.DayNumber(item.Position()); ok {
		v.DayNumber = day
		v.DaysLeft = cal.ActiveDays - day
	} else if item.Phase == program.PhaseBeforeStart {
		v.DaysLeft = cal.ActiveDays
	}
	return v
}

func (e *Engine) location(tz string) (*time.Location, error) {
	if tz == "" {
		tz = e.config().DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return loc, nil
}

func cursorFor(item *program.Item) storage.Cursor {
	return storage.Cursor{Phase: item.Phase.String(), Offset: item.Offset, Seq: item.Seq}
}
