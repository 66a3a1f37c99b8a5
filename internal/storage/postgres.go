package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	logx "stridebot/pkg/logx"
)

type postgresStore struct {
	db  *sql.DB
	log logx.Logger
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS subscribers (
    chat_id          BIGINT PRIMARY KEY,
    mode             TEXT        NOT NULL DEFAULT 'live',
    status           TEXT        NOT NULL DEFAULT 'active',
    timezone         TEXT        NOT NULL DEFAULT '',
    start_date       TEXT        NOT NULL DEFAULT '',
    phase            TEXT        NOT NULL DEFAULT '',
    day_offset       INTEGER     NOT NULL DEFAULT 0,
    seq              INTEGER     NOT NULL DEFAULT -1,
    last_advanced_at TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_subscribers_mode_status
    ON subscribers (mode, status);

CREATE TABLE IF NOT EXISTS deliveries (
    chat_id      BIGINT      NOT NULL,
    item_id      TEXT        NOT NULL,
    status       TEXT        NOT NULL,
    attempted_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ,
    PRIMARY KEY (chat_id, item_id)
);
`

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &postgresStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return s, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) CreateSubscriber(ctx context.Context, sub Subscriber) error {
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
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		sub.ChatID, string(sub.Mode), string(sub.Status), sub.Timezone, sub.StartDate,
		sub.Phase, sub.Offset, sub.Seq, pqNullTime(sub.LastAdvancedAt), sub.CreatedAt.UTC(),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
		return ErrExists
	}
	return err
}

func (s *postgresStore) GetSubscriber(ctx context.Context, chatID int64) (Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberCols+` FROM subscribers WHERE chat_id = $1`, chatID)
	return scanPGSubscriber(row)
}

func scanPGSubscriber(row rowScanner) (Subscriber, error) {
	var (
		sub          Subscriber
		mode, status string
		lastAdv      sql.NullTime
	)
	err := row.Scan(&sub.ChatID, &mode, &status, &sub.Timezone, &sub.StartDate,
		&sub.Phase, &sub.Offset, &sub.Seq, &lastAdv, &sub.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, ErrNotFound
	}
	if err != nil {
		return Subscriber{}, err
	}
	sub.Mode = Mode(mode)
	sub.Status = Status(status)
	if lastAdv.Valid {
		sub.LastAdvancedAt = lastAdv.Time
	}
	return sub, nil
}

func (s *postgresStore) CompleteOnboarding(ctx context.Context, chatID int64, timezone, startDate string) error {
	return s.updateSubscriber(ctx,
		`UPDATE subscribers SET timezone = $1, start_date = $2 WHERE chat_id = $3`,
		timezone, startDate, chatID)
}

func (s *postgresStore) SetMode(ctx context.Context, chatID int64, mode Mode) error {
	return s.updateSubscriber(ctx,
		`UPDATE subscribers SET mode = $1 WHERE chat_id = $2`, string(mode), chatID)
}

func (s *postgresStore) SetStatus(ctx context.Context, chatID int64, status Status) error {
	return s.updateSubscriber(ctx,
		`UPDATE subscribers SET status = $1 WHERE chat_id = $2`, string(status), chatID)
}

func (s *postgresStore) updateSubscriber(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) ListDeliverable(ctx context.Context, mode Mode) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriberCols+` FROM subscribers
		 WHERE mode = $1 AND status = $2 ORDER BY chat_id`,
		string(mode), string(StatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscriber
	for rows.Next() {
		sub, err := scanPGSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *postgresStore) ClaimDelivery(ctx context.Context, chatID int64, itemID string, now time.Time, staleAfter time.Duration) (Claim, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// Row-level lock on the subscriber serializes racing claims for the
	// same subscriber across engine instances.
	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM subscribers WHERE chat_id = $1 FOR UPDATE`, chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	var (
		status    string
		attempted time.Time
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, attempted_at FROM deliveries WHERE chat_id = $1 AND item_id = $2`,
		chatID, itemID).Scan(&status, &attempted)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO deliveries(chat_id, item_id, status, attempted_at) VALUES($1,$2,$3,$4)`,
			chatID, itemID, string(DeliveryPending), now.UTC())
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
		// retryable
	case DeliveryPending:
		if now.Sub(attempted) < staleAfter {
			return ClaimInFlight, tx.Commit()
		}
	default:
		return 0, fmt.Errorf("delivery row %d/%s has unknown status %q", chatID, itemID, status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE deliveries SET status = $1, attempted_at = $2 WHERE chat_id = $3 AND item_id = $4`,
		string(DeliveryPending), now.UTC(), chatID, itemID)
	if err != nil {
		return 0, err
	}
	return ClaimAcquired, tx.Commit()
}

func (s *postgresStore) CompleteDelivery(ctx context.Context, chatID int64, itemID string, cur Cursor, completed bool, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`UPDATE deliveries SET status = $1, completed_at = $2
		 WHERE chat_id = $3 AND item_id = $4 AND status = $5`,
		string(DeliverySent), now.UTC(), chatID, itemID, string(DeliveryPending))
	if err != nil {
		return err
	}
	if err := s.advanceTx(ctx, tx, chatID, cur, completed, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *postgresStore) advanceTx(ctx context.Context, tx *sql.Tx, chatID int64, cur Cursor, completed bool, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE subscribers SET phase = $1, day_offset = $2, seq = $3, last_advanced_at = $4
		 WHERE chat_id = $5 AND seq < $6`,
		cur.Phase, cur.Offset, cur.Seq, now.UTC(), chatID, cur.Seq)
	if err != nil {
		return err
	}
	if completed {
		_, err = tx.ExecContext(ctx,
			`UPDATE subscribers SET status = $1 WHERE chat_id = $2`,
			string(StatusCompleted), chatID)
	}
	return err
}

func (s *postgresStore) FailDelivery(ctx context.Context, chatID int64, itemID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = $1
		 WHERE chat_id = $2 AND item_id = $3 AND status = $4`,
		string(DeliveryFailed), chatID, itemID, string(DeliveryPending))
	return err
}

func (s *postgresStore) AdvanceCursor(ctx context.Context, chatID int64, cur Cursor, completed bool, now time.Time) error {
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

func (s *postgresStore) SentCount(ctx context.Context, chatID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE chat_id = $1 AND status = $2`,
		chatID, string(DeliverySent)).Scan(&n)
	return n, err
}

func pqNullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
