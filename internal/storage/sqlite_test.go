package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "stridebot/pkg/logx"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustCreate(t *testing.T, st Store, chatID int64) {
	t.Helper()
	err := st.CreateSubscriber(context.Background(), Subscriber{
		ChatID:    chatID,
		Mode:      ModeLive,
		Status:    StatusActive,
		Timezone:  "UTC",
		StartDate: "2026-02-18",
		Seq:       -1,
	})
	if err != nil {
		t.Fatalf("create subscriber: %v", err)
	}
}

func TestSubscriberLifecycle(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.GetSubscriber(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: %v, want ErrNotFound", err)
	}

	mustCreate(t, st, 42)
	if err := st.CreateSubscriber(ctx, Subscriber{ChatID: 42}); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate create: %v, want ErrExists", err)
	}

	sub, err := st.GetSubscriber(ctx, 42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sub.Mode != ModeLive || sub.Status != StatusActive || sub.Seq != -1 {
		t.Fatalf("unexpected subscriber: %+v", sub)
	}
	if sub.StartDate != "2026-02-18" || sub.Timezone != "UTC" {
		t.Fatalf("onboarding fields lost: %+v", sub)
	}

	if err := st.SetMode(ctx, 42, ModeTest); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if err := st.SetStatus(ctx, 42, StatusPaused); err != nil {
		t.Fatalf("set status: %v", err)
	}
	sub, _ = st.GetSubscriber(ctx, 42)
	if sub.Mode != ModeTest || sub.Status != StatusPaused {
		t.Fatalf("mode/status not persisted: %+v", sub)
	}

	if err := st.SetMode(ctx, 7, ModeTest); !errors.Is(err, ErrNotFound) {
		t.Fatalf("set mode on missing: %v, want ErrNotFound", err)
	}
}

func TestCompleteOnboarding(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	err := st.CreateSubscriber(ctx, Subscriber{ChatID: 1, Seq: -1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.CompleteOnboarding(ctx, 1, "Europe/Berlin", "2026-03-01"); err != nil {
		t.Fatalf("complete onboarding: %v", err)
	}
	sub, err := st.GetSubscriber(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sub.Timezone != "Europe/Berlin" || sub.StartDate != "2026-03-01" {
		t.Fatalf("onboarding not persisted: %+v", sub)
	}
}

func TestListDeliverable(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, st, 1)
	mustCreate(t, st, 2)
	mustCreate(t, st, 3)
	if err := st.SetStatus(ctx, 2, StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := st.SetMode(ctx, 3, ModeTest); err != nil {
		t.Fatalf("test mode: %v", err)
	}

	subs, err := st.ListDeliverable(ctx, ModeLive)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 || subs[0].ChatID != 1 {
		t.Fatalf("deliverable = %+v, want only chat 1", subs)
	}
}

func TestClaimDeliveryStates(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	stale := 5 * time.Minute

	mustCreate(t, st, 10)

	if _, err := st.ClaimDelivery(ctx, 99, "day-1", now, stale); !errors.Is(err, ErrNotFound) {
		t.Fatalf("claim for missing subscriber: %v, want ErrNotFound", err)
	}

	// First claim acquires.
	c, err := st.ClaimDelivery(ctx, 10, "day-1", now, stale)
	if err != nil || c != ClaimAcquired {
		t.Fatalf("first claim = %v, %v", c, err)
	}

	// A racing claim within the staleness window sees in-flight.
	c, err = st.ClaimDelivery(ctx, 10, "day-1", now.Add(time.Second), stale)
	if err != nil || c != ClaimInFlight {
		t.Fatalf("racing claim = %v, %v", c, err)
	}

	// Past the window, the pending row can be stolen.
	c, err = st.ClaimDelivery(ctx, 10, "day-1", now.Add(stale+time.Second), stale)
	if err != nil || c != ClaimAcquired {
		t.Fatalf("stale re-claim = %v, %v", c, err)
	}

	// Completion flips it to sent; every later claim short-circuits.
	cur := Cursor{Phase: "active", Offset: 1, Seq: 0}
	if err := st.CompleteDelivery(ctx, 10, "day-1", cur, false, now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	c, err = st.ClaimDelivery(ctx, 10, "day-1", now.Add(time.Hour), stale)
	if err != nil || c != ClaimAlreadySent {
		t.Fatalf("claim after sent = %v, %v", c, err)
	}

	n, err := st.SentCount(ctx, 10)
	if err != nil || n != 1 {
		t.Fatalf("sent count = %d, %v", n, err)
	}
}

func TestFailedDeliveryIsRetryable(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	mustCreate(t, st, 11)
	if c, err := st.ClaimDelivery(ctx, 11, "day-1", now, time.Minute); err != nil || c != ClaimAcquired {
		t.Fatalf("claim = %v, %v", c, err)
	}
	if err := st.FailDelivery(ctx, 11, "day-1"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// A failed row is immediately claimable, no staleness wait.
	c, err := st.ClaimDelivery(ctx, 11, "day-1", now.Add(time.Second), time.Minute)
	if err != nil || c != ClaimAcquired {
		t.Fatalf("re-claim after failure = %v, %v", c, err)
	}
}

func TestSentRowNeverRewritten(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	cur := Cursor{Phase: "active", Offset: 1, Seq: 0}

	mustCreate(t, st, 12)
	if _, err := st.ClaimDelivery(ctx, 12, "day-1", now, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := st.CompleteDelivery(ctx, 12, "day-1", cur, false, now); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Neither a fail nor a repeated complete may touch the sent row.
	if err := st.FailDelivery(ctx, 12, "day-1"); err != nil {
		t.Fatalf("fail after sent: %v", err)
	}
	if err := st.CompleteDelivery(ctx, 12, "day-1", cur, false, now.Add(time.Hour)); err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if c, err := st.ClaimDelivery(ctx, 12, "day-1", now.Add(2*time.Hour), time.Minute); err != nil || c != ClaimAlreadySent {
		t.Fatalf("claim = %v, %v, want already-sent", c, err)
	}
	if n, _ := st.SentCount(ctx, 12); n != 1 {
		t.Fatalf("sent count = %d, want 1", n)
	}
}

func TestCursorAdvancesForwardOnly(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	mustCreate(t, st, 13)

	if err := st.AdvanceCursor(ctx, 13, Cursor{Phase: "active", Offset: 3, Seq: 2}, false, now); err != nil {
		t.Fatalf("advance: %v", err)
	}
	sub, _ := st.GetSubscriber(ctx, 13)
	if sub.Seq != 2 || sub.Phase != "active" || sub.Offset != 3 {
		t.Fatalf("cursor = %+v", sub)
	}
	if sub.LastAdvancedAt.IsZero() {
		t.Fatal("last_advanced_at not set")
	}

	// A repeat of an older advance must be a no-op.
	if err := st.AdvanceCursor(ctx, 13, Cursor{Phase: "active", Offset: 1, Seq: 0}, false, now.Add(time.Hour)); err != nil {
		t.Fatalf("stale advance: %v", err)
	}
	sub, _ = st.GetSubscriber(ctx, 13)
	if sub.Seq != 2 || sub.Offset != 3 {
		t.Fatalf("cursor regressed: %+v", sub)
	}
}

func TestCorruptTimestampSurfacesError(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	mustCreate(t, st, 20)
	mustCreate(t, st, 21)

	ss := st.(*sqliteStore)
	if _, err := ss.db.Exec(`UPDATE subscribers SET created_at = 'yesterday-ish' WHERE chat_id = 20`); err != nil {
		t.Fatalf("corrupt created_at: %v", err)
	}
	if _, err := ss.db.Exec(`UPDATE subscribers SET last_advanced_at = 'not-a-time' WHERE chat_id = 21`); err != nil {
		t.Fatalf("corrupt last_advanced_at: %v", err)
	}

	if _, err := st.GetSubscriber(ctx, 20); err == nil {
		t.Fatal("corrupt created_at scanned without error")
	}
	if _, err := st.GetSubscriber(ctx, 21); err == nil {
		t.Fatal("corrupt last_advanced_at scanned without error")
	}
}

func TestCompletionFlagFlipsStatus(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	mustCreate(t, st, 14)
	if _, err := st.ClaimDelivery(ctx, 14, "wrap-up", now, time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	cur := Cursor{Phase: "after_end", Offset: 0, Seq: 9}
	if err := st.CompleteDelivery(ctx, 14, "wrap-up", cur, true, now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	sub, _ := st.GetSubscriber(ctx, 14)
	if sub.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", sub.Status)
	}
	if sub.Seq != 9 {
		t.Fatalf("seq = %d, want 9", sub.Seq)
	}
}
