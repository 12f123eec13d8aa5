package repo

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// BindIdempotencyKey binds a key to a run for 24 hours. Insert-if-absent:
// a concurrent bind of the same key leaves the first mapping in place and
// reports it via the returned boolean.
func (s *Store) BindIdempotencyKey(ctx context.Context, key, runID string) (bool, error) {
	if len(key) > 256 {
		return false, fmt.Errorf("idempotency key exceeds 256 chars")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, run_id, expires_at)
		VALUES ($1, $2, now() + interval '24 hours')
		ON CONFLICT (key) DO NOTHING`, key, runID)
	if err != nil {
		return false, fmt.Errorf("bind idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LookupIdempotencyKey returns the bound run id iff the key has not expired.
func (s *Store) LookupIdempotencyKey(ctx context.Context, key string) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id FROM idempotency_keys
		WHERE key = $1 AND expires_at > now()`, key).Scan(&runID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return runID, nil
}

// DeleteExpiredIdempotencyKeys sweeps keys past their TTL. Invoked from the
// maintenance cron.
func (s *Store) DeleteExpiredIdempotencyKeys(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at < now()`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("repo: swept %d expired idempotency keys", n)
	}
	return n, nil
}
