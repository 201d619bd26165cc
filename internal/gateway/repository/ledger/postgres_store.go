package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"modelgate/internal/gateway/entity"
)

// PostgresStore backs the ledger with one row per user. Admission and release
// are single transactions over SELECT ... FOR UPDATE, so concurrent calls for
// the same identifier serialize on the row lock while different users proceed
// independently.
type PostgresStore struct {
	db       *sql.DB
	defaults Defaults

	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgresStore(dsn string, defaults Defaults) (*PostgresStore, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db, defaults: defaults}, nil
}

func (s *PostgresStore) ensureSchema() error {
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.Exec(`
CREATE TABLE IF NOT EXISTS users (
  email TEXT PRIMARY KEY,
  alias TEXT NOT NULL DEFAULT '',
  request_limit INTEGER NOT NULL,
  requests_used INTEGER NOT NULL DEFAULT 0,
  concurrency_cap INTEGER NOT NULL,
  active_streams INTEGER NOT NULL DEFAULT 0,
  blocked BOOLEAN NOT NULL DEFAULT FALSE,
  updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS usage_log (
  id TEXT PRIMARY KEY,
  email TEXT NOT NULL,
  action TEXT NOT NULL,
  ts TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_usage_log_email ON usage_log (email);
`)
	})
	return s.schemaErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (entity.UserRecord, error) {
	var rec entity.UserRecord
	err := row.Scan(
		&rec.Email,
		&rec.Alias,
		&rec.RequestLimit,
		&rec.RequestsUsed,
		&rec.ConcurrencyCap,
		&rec.ActiveStreams,
		&rec.Blocked,
		&rec.UpdatedAt,
	)
	if err != nil {
		return entity.UserRecord{}, err
	}
	return rec, nil
}

const userColumns = `email, alias, request_limit, requests_used, concurrency_cap, active_streams, blocked, updated_at`

func (s *PostgresStore) Get(ctx context.Context, id entity.UserID) (entity.UserRecord, error) {
	if err := s.ensureSchema(); err != nil {
		return entity.UserRecord{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, id.String())
	rec, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.UserRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) TryAdmit(ctx context.Context, id entity.UserID, now time.Time) (entity.UserRecord, error) {
	if err := s.ensureSchema(); err != nil {
		return entity.UserRecord{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return entity.UserRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 FOR UPDATE`, id.String())
	rec, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.UserRecord{}, &DenialError{Reason: ReasonNotRegistered}
	}
	if err != nil {
		return entity.UserRecord{}, err
	}

	// Fixed denial precedence: blocked, then quota, then concurrency.
	switch {
	case rec.Blocked:
		return entity.UserRecord{}, &DenialError{Reason: ReasonBlocked}
	case rec.QuotaExhausted():
		return entity.UserRecord{}, &DenialError{Reason: ReasonQuotaExhausted}
	case rec.AtConcurrencyCap():
		return entity.UserRecord{}, &DenialError{Reason: ReasonConcurrencyExceeded}
	}

	rec.RequestsUsed++
	rec.ActiveStreams++
	rec.UpdatedAt = now.UTC()
	if _, err := tx.ExecContext(ctx, `
UPDATE users SET requests_used = $2, active_streams = $3, updated_at = $4
WHERE email = $1`,
		id.String(), rec.RequestsUsed, rec.ActiveStreams, rec.UpdatedAt); err != nil {
		return entity.UserRecord{}, err
	}
	if err := insertUsage(ctx, tx, id, UsageReserve, rec.UpdatedAt); err != nil {
		return entity.UserRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return entity.UserRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) Release(ctx context.Context, id entity.UserID) error {
	if err := s.ensureSchema(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE users SET active_streams = GREATEST(active_streams - 1, 0), updated_at = $2
WHERE email = $1`, id.String(), time.Now().UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Record deleted mid-flight; release is a no-op.
		return tx.Commit()
	}
	if err := insertUsage(ctx, tx, id, UsageRelease, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Register(ctx context.Context, users []UserSpec) (int, error) {
	if err := s.ensureSchema(); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	count := 0
	for _, spec := range users {
		spec = s.defaults.apply(spec)
		if spec.Email.IsZero() {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO users (email, alias, request_limit, requests_used, concurrency_cap, active_streams, blocked, updated_at)
VALUES ($1, $2, $3, 0, $4, 0, FALSE, $5)
ON CONFLICT (email)
DO UPDATE SET alias = EXCLUDED.alias,
  request_limit = EXCLUDED.request_limit,
  concurrency_cap = EXCLUDED.concurrency_cap,
  updated_at = EXCLUDED.updated_at`,
			spec.Email.String(), spec.Alias, spec.RequestLimit, spec.ConcurrencyCap, now); err != nil {
			return 0, fmt.Errorf("register %s: %w", spec.Email, err)
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id entity.UserID) (bool, error) {
	if err := s.ensureSchema(); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE email = $1`, id.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func insertUsage(ctx context.Context, tx *sql.Tx, id entity.UserID, action UsageAction, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO usage_log (id, email, action, ts) VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), id.String(), string(action), at)
	return err
}
