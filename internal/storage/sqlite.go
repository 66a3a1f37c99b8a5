package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "stridebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers; a single
	// connection also serializes transactions, which is what the delivery
	// ledger's claim discipline leans on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &sqliteStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateSubscriber(ctx context.Context, sub Subscriber) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	if sub.Mode == "" {
		sub.Mode = ModeLive
	}
	if sub.Status == "" {
		sub.Status = StatusActive
	}
	if sub.Seq == 0 {
		sub.Seq = -1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(chat_id, mode, status, timezone, start_date, phase, day_offset, seq, last_advanced_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		sub.ChatID, string(sub.Mode), string(sub.Status), sub.Timezone, sub.StartDate,
		sub.Phase, sub.Offset, sub.Seq, nullTime(sub.LastAdvancedAt), fmtTime(sub.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return ErrExists
	}
	return err
}

const subscriberCols = `chat_id, mode, status, timezone, start_date, phase, day_offset, seq, last_advanced_at, created_at`

func (s *sqliteStore) GetSubscriber(ctx context.Context, chatID int64) (Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberCols+` FROM subscribers WHERE chat_id = ?`, chatID)
	return scanSubscriber(row)
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSubscriber(row rowScanner) (Subscriber, error) {
	var (
		sub          Subscriber
		mode, status string
		lastAdv      sql.NullString
		createdAt    string
	)
	err := row.Scan(&sub.ChatID, &mode, &status, &sub.Timezone, &sub.StartDate,
		&sub.Phase, &sub.Offset, &sub.Seq, &lastAdv, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, ErrNotFound
	}
	if err != nil {
		return Subscriber{}, err
	}
	sub.Mode = Mode(mode)
	sub.Status = Status(status)
	if lastAdv.Valid {
		sub.LastAdvancedAt, err = time.Parse(time.RFC3339Nano, lastAdv.String)
		if err != nil {
			return Subscriber{}, fmt.Errorf("subscriber %d: bad last_advanced_at %q: %w", sub.ChatID, lastAdv.String, err)
		}
	}
	sub.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Subscriber{}, fmt.Errorf("subscriber %d: bad created_at %q: %w", sub.ChatID, createdAt, err)
	}
	return sub, nil
}

func (s *sqliteStore) CompleteOnboarding(ctx context.Context, chatID int64, timezone, startDate string) error {
	return s.updateSubscriber(ctx, chatID,
		`UPDATE subscribers SET timezone = ?, start_date = ? WHERE chat_id = ?`,
		timezone, startDate, chatID)
}

func (s *sqliteStore) SetMode(ctx context.Context, chatID int64, mode Mode) error {
	return s.updateSubscriber(ctx, chatID,
		`UPDATE subscribers SET mode = ? WHERE chat_id = ?`, string(mode), chatID)
}

func (s *sqliteStore) SetStatus(ctx context.Context, chatID int64, status Status) error {
	return s.updateSubscriber(ctx, chatID,
		`UPDATE subscribers SET status = ? WHERE chat_id = ?`, string(status), chatID)
}

func (s *sqliteStore) updateSubscriber(ctx context.Context, chatID int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListDeliverable(ctx context.Context, mode Mode) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriberCols+` FROM subscribers
		 WHERE mode = ? AND status = ? ORDER BY chat_id`,
		string(mode), string(StatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClaimDelivery(ctx context.Context, chatID int64, itemID string, now time.Time, staleAfter time.Duration) (Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// The subscriber row must exist; reading it inside the transaction also
	// anchors the claim to the single writer connection.
	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM subscribers WHERE chat_id = ?`, chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	var (
		status    string
		attempted string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, attempted_at FROM deliveries WHERE chat_id = ? AND item_id = ?`,
		chatID, itemID).Scan(&status, &attempted)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO deliveries(chat_id, item_id, status, attempted_at) VALUES(?,?,?,?)`,
			chatID, itemID, string(DeliveryPending), fmtTime(now))
		if err != nil {
			return 0, err
		}
		return ClaimAcquired, tx.Commit()
	case err != nil:
		return 0, err
	}

	switch DeliveryStatus(status) {
	case DeliverySent:
		return ClaimAlreadySent, tx.Commit()
	case DeliveryFailed:
		// A failed attempt is retryable immediately.
	case DeliveryPending:
		at, perr := time.Parse(time.RFC3339Nano, attempted)
		if perr == nil && now.Sub(at) < staleAfter {
			return ClaimInFlight, tx.Commit()
		}
		// Stale pending: the prior attempt crashed between send and commit.
	default:
		return 0, fmt.Errorf("delivery row %d/%s has unknown status %q", chatID, itemID, status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, attempted_at = ? WHERE chat_id = ? AND item_id = ?`,
		string(DeliveryPending), fmtTime(now), chatID, itemID)
	if err != nil {
		return 0, err
	}
	return ClaimAcquired, tx.Commit()
}

func (s *sqliteStore) CompleteDelivery(ctx context.Context, chatID int64, itemID string, cur Cursor, completed bool, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Only a pending row becomes sent; a sent row is never rewritten.
	_, err = tx.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, completed_at = ?
		 WHERE chat_id = ? AND item_id = ? AND status = ?`,
		string(DeliverySent), fmtTime(now), chatID, itemID, string(DeliveryPending))
	if err != nil {
		return err
	}
	if err := s.advanceTx(ctx, tx, chatID, cur, completed, now); err != nil {
		return err
	}
	return tx.Commit()
}

// advanceTx moves the cursor forward-only; repeating the same advance is a
// no-op thanks to the seq guard.
func (s *sqliteStore) advanceTx(ctx context.Context, tx *sql.Tx, chatID int64, cur Cursor, completed bool, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE subscribers SET phase = ?, day_offset = ?, seq = ?, last_advanced_at = ?
		 WHERE chat_id = ? AND seq < ?`,
		cur.Phase, cur.Offset, cur.Seq, fmtTime(now), chatID, cur.Seq)
	if err != nil {
		return err
	}
	if completed {
		_, err = tx.ExecContext(ctx,
			`UPDATE subscribers SET status = ? WHERE chat_id = ?`,
			string(StatusCompleted), chatID)
	}
	return err
}

func (s *sqliteStore) FailDelivery(ctx context.Context, chatID int64, itemID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = ?
		 WHERE chat_id = ? AND item_id = ? AND status = ?`,
		string(DeliveryFailed), chatID, itemID, string(DeliveryPending))
	return err
}

func (s *sqliteStore) AdvanceCursor(ctx context.Context, chatID int64, cur Cursor, completed bool, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.advanceTx(ctx, tx, chatID, cur, completed, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) SentCount(ctx context.Context, chatID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE chat_id = ? AND status = ?`,
		chatID, string(DeliverySent)).Scan(&n)
	return n, err
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}
