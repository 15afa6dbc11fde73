package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// attemptCounter is an invalid-attempt counter with lazy lock expiry.
// The same algorithm backs the round-scoped counter (columns on rounds) and
// the claim-code-scoped counter (claim_attempts rows).
type attemptCounter struct {
	loadSQL string
	// saveSQL takes (invalid_attempts, lock_expires_at, updated_at, key)
	saveSQL string
}

var counters = map[Scope]attemptCounter{
	ScopeRound: {
		loadSQL: `SELECT invalid_attempts, lock_expires_at FROM rounds WHERE round_id = ?`,
		saveSQL: `UPDATE rounds SET invalid_attempts = ?, lock_expires_at = ?, updated_at = ? WHERE round_id = ?`,
	},
	ScopeClaimCode: {
		loadSQL: `SELECT invalid_attempts, lock_expires_at FROM claim_attempts WHERE key = ?`,
		saveSQL: `INSERT INTO claim_attempts (invalid_attempts, lock_expires_at, updated_at, key)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				invalid_attempts = excluded.invalid_attempts,
				lock_expires_at = excluded.lock_expires_at,
				updated_at = excluded.updated_at`,
	},
}

func counterFor(scope Scope) (attemptCounter, error) {
	c, ok := counters[scope]
	if !ok {
		return attemptCounter{}, fmt.Errorf("unknown attempt scope %d", scope)
	}
	return c, nil
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// load reads the counter, resetting it when its lock has lapsed at now
func (c attemptCounter) load(ctx context.Context, q execQuerier, key string, now time.Time) (*AttemptState, error) {
	state := &AttemptState{Key: key}
	var lockExpires sql.NullInt64

	err := q.QueryRowContext(ctx, c.loadSQL, key).Scan(&state.InvalidAttempts, &lockExpires)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return nil, err
	}

	state.LockExpiresAt = nullTime(lockExpires)
	if state.LockExpiresAt != nil && !now.Before(*state.LockExpiresAt) {
		state.InvalidAttempts = 0
		state.LockExpiresAt = nil
		if err := c.save(ctx, q, state, now); err != nil {
			return nil, err
		}
	}

	return state, nil
}

func (c attemptCounter) save(ctx context.Context, q execQuerier, state *AttemptState, now time.Time) error {
	var lockExpires *int64
	if state.LockExpiresAt != nil {
		ms := toMillis(*state.LockExpiresAt)
		lockExpires = &ms
	}
	_, err := q.ExecContext(ctx, c.saveSQL, state.InvalidAttempts, lockExpires, toMillis(now), state.Key)
	return err
}

// LockState returns the counter for key, lazily clearing an expired lock
func (s *Storage) LockState(ctx context.Context, scope Scope, key string, now time.Time) (*AttemptState, error) {
	c, err := counterFor(scope)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	state, err := c.load(ctx, tx, key, now)
	if err != nil {
		return nil, fmt.Errorf("load %s counter: %w", scope, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return state, nil
}

// RecordInvalidAttempt increments the counter for key and locks it for
// lockWindow once it reaches maxAttempts.
func (s *Storage) RecordInvalidAttempt(ctx context.Context, scope Scope, key string, now time.Time, maxAttempts int, lockWindow time.Duration) (*AttemptState, error) {
	c, err := counterFor(scope)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	state, err := c.load(ctx, tx, key, now)
	if err != nil {
		return nil, fmt.Errorf("load %s counter: %w", scope, err)
	}

	state.InvalidAttempts++
	if maxAttempts > 0 && state.InvalidAttempts >= maxAttempts {
		until := now.Add(lockWindow)
		state.LockExpiresAt = &until
	}

	if err := c.save(ctx, tx, state, now); err != nil {
		return nil, fmt.Errorf("save %s counter: %w", scope, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return state, nil
}

// ClearLock resets the counter for key
func (s *Storage) ClearLock(ctx context.Context, scope Scope, key string, now time.Time) error {
	c, err := counterFor(scope)
	if err != nil {
		return err
	}
	return c.save(ctx, s.db, &AttemptState{Key: key}, now)
}
