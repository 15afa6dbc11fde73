package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrNotOpen       = errors.New("round not open")
)

//go:embed migrations/*.sql
var migrations embed.FS

// Storage handles all database operations
type Storage struct {
	db *sql.DB
}

// New opens the sqlite database at dbPath and applies pending migrations
func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// sqlite has a single writer; one connection serializes every transaction
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// --- Rounds ---

const roundColumns = `round_id, post_id, correct_answers, window_minutes, reward_amount,
	created_at, closes_at, status, block_height, seed, winner_user_id, winner_reply_id,
	claim_code, claim_expires_at, used_at, used_address, payout_tx_id,
	invalid_attempts, lock_expires_at`

// CreateRound inserts a new open round
func (s *Storage) CreateRound(ctx context.Context, nr NewRound) (*Round, error) {
	answers, err := json.Marshal(nr.CorrectAnswers)
	if err != nil {
		return nil, fmt.Errorf("marshal answers: %w", err)
	}

	closesAt := nr.CreatedAt.Add(time.Duration(nr.WindowMinutes) * time.Minute)

	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO rounds (round_id, post_id, correct_answers, window_minutes, reward_amount,
			created_at, closes_at, status, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nr.RoundID, nr.PostID, string(answers), nr.WindowMinutes, nr.RewardAmount,
		toMillis(nr.CreatedAt), toMillis(closesAt), StatusOpen, toMillis(nr.CreatedAt),
	)
	if err != nil {
		return nil, err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, ErrAlreadyExists
	}

	return &Round{
		RoundID:        nr.RoundID,
		PostID:         nr.PostID,
		CorrectAnswers: nr.CorrectAnswers,
		WindowMinutes:  nr.WindowMinutes,
		RewardAmount:   nr.RewardAmount,
		CreatedAt:      fromMillis(toMillis(nr.CreatedAt)),
		ClosesAt:       fromMillis(toMillis(closesAt)),
		Status:         StatusOpen,
	}, nil
}

// GetRound returns a round by ID
func (s *Storage) GetRound(ctx context.Context, roundID string) (*Round, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE round_id = ?`,
		roundID,
	)
	return scanRound(row)
}

// GetRoundByClaimCode returns the round that issued a claim code
func (s *Storage) GetRoundByClaimCode(ctx context.Context, code string) (*Round, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE claim_code = ?`,
		code,
	)
	return scanRound(row)
}

// ListDueRounds returns open rounds whose window has passed at now, leaving
// out rounds whose auto-close was deferred past now by DeferClose.
func (s *Storage) ListDueRounds(ctx context.Context, now time.Time, limit int) ([]Round, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+roundColumns+` FROM rounds
		 WHERE status = ? AND closes_at <= ?
		   AND (next_close_at IS NULL OR next_close_at <= ?)
		 ORDER BY COALESCE(next_close_at, closes_at) ASC LIMIT ?`,
		StatusOpen, toMillis(now), toMillis(now), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rounds []Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, *r)
	}

	return rounds, rows.Err()
}

// DeferClose records a failed auto-close of an open round and hides it from
// ListDueRounds until the returned time: base after the first failure,
// doubling per consecutive failure up to maxDelay.
func (s *Storage) DeferClose(ctx context.Context, roundID string, now time.Time, base, maxDelay time.Duration) (time.Time, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var failures int
	err = tx.QueryRowContext(ctx,
		`SELECT close_failures FROM rounds WHERE round_id = ? AND status = ?`,
		roundID, StatusOpen,
	).Scan(&failures)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrNotOpen
	}
	if err != nil {
		return time.Time{}, err
	}

	failures++
	delay := base
	for i := 1; i < failures && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	next := now.Add(delay)

	if _, err := tx.ExecContext(ctx,
		`UPDATE rounds SET close_failures = ?, next_close_at = ?, updated_at = ? WHERE round_id = ?`,
		failures, toMillis(next), toMillis(now), roundID,
	); err != nil {
		return time.Time{}, err
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// CloseRound flips an open round to closed and records the selection result.
// It returns ErrNotOpen if the round is missing or already closed.
func (s *Storage) CloseRound(ctx context.Context, roundID string, res CloseResult, now time.Time) error {
	var claimExpires *int64
	if res.ClaimExpiresAt != nil {
		ms := toMillis(*res.ClaimExpiresAt)
		claimExpires = &ms
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE rounds SET
			status = ?, block_height = ?, seed = ?, winner_user_id = ?, winner_reply_id = ?,
			claim_code = ?, claim_expires_at = ?, updated_at = ?
		 WHERE round_id = ? AND status = ?`,
		StatusClosed, res.BlockHeight, res.Seed, res.WinnerUserID, res.WinnerReplyID,
		res.ClaimCode, claimExpires, toMillis(now),
		roundID, StatusOpen,
	)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotOpen
	}
	return nil
}

// --- Replies ---

// AddReplies inserts replies, ignoring any (round_id, source_reply_id) already stored.
// Returns the number of newly inserted rows.
func (s *Storage) AddReplies(ctx context.Context, replies []Reply, now time.Time) (int, error) {
	if len(replies) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO replies (round_id, source_reply_id, author_user_id, author_handle,
			raw_text, normalized_text, is_correct, created_at, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range replies {
		var createdAt *int64
		if r.CreatedAt != nil {
			ms := toMillis(*r.CreatedAt)
			createdAt = &ms
		}

		result, err := stmt.ExecContext(ctx,
			r.RoundID, r.SourceReplyID, r.AuthorUserID, r.AuthorHandle,
			r.RawText, r.NormalizedText, r.IsCorrect, createdAt, toMillis(now),
		)
		if err != nil {
			return 0, fmt.Errorf("insert reply %s: %w", r.SourceReplyID, err)
		}
		n, _ := result.RowsAffected()
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// ListCorrectReplies returns a round's correct replies, earliest first.
// Replies without a timestamp sort after timestamped ones; ties keep ingestion order.
func (s *Storage) ListCorrectReplies(ctx context.Context, roundID string) ([]Reply, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, round_id, source_reply_id, author_user_id, author_handle,
			raw_text, normalized_text, is_correct, created_at
		 FROM replies
		 WHERE round_id = ? AND is_correct = 1
		 ORDER BY created_at IS NULL, created_at ASC, id ASC`,
		roundID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var replies []Reply
	for rows.Next() {
		var r Reply
		var createdAt sql.NullInt64

		err := rows.Scan(&r.ID, &r.RoundID, &r.SourceReplyID, &r.AuthorUserID, &r.AuthorHandle,
			&r.RawText, &r.NormalizedText, &r.IsCorrect, &createdAt)
		if err != nil {
			return nil, err
		}

		r.CreatedAt = nullTime(createdAt)
		replies = append(replies, r)
	}

	return replies, rows.Err()
}

// CountReplies returns the total and correct reply counts for a round
func (s *Storage) CountReplies(ctx context.Context, roundID string) (total, correct int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(is_correct), 0) FROM replies WHERE round_id = ?`,
		roundID,
	).Scan(&total, &correct)
	return total, correct, err
}

// --- Settlement ---

// SettleClaim atomically marks the round used, appends the payout and bumps the
// daily total. It returns false without changing anything when the round was
// already settled.
func (s *Storage) SettleClaim(ctx context.Context, st Settlement) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := toMillis(st.Now)
	result, err := tx.ExecContext(ctx,
		`UPDATE rounds SET used_at = ?, used_address = ?, payout_tx_id = ?, updated_at = ?
		 WHERE round_id = ? AND used_at IS NULL`,
		now, st.Address, st.TxID, now, st.RoundID,
	)
	if err != nil {
		return false, fmt.Errorf("mark used: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payouts (round_id, winner_user_id, payout_address, amount, tx_id, created_at, day_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.RoundID, st.WinnerUserID, st.Address, st.Amount, st.TxID, now, st.DayKey,
	)
	if err != nil {
		return false, fmt.Errorf("insert payout: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO daily_spend (day_key, total, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(day_key) DO UPDATE SET
			total = daily_spend.total + excluded.total,
			updated_at = excluded.updated_at`,
		st.DayKey, st.Amount, now,
	)
	if err != nil {
		return false, fmt.Errorf("bump daily spend: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// GetPayout returns the payout recorded for a round
func (s *Storage) GetPayout(ctx context.Context, roundID string) (*Payout, error) {
	var p Payout
	var createdAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT round_id, winner_user_id, payout_address, amount, tx_id, created_at, day_key
		 FROM payouts WHERE round_id = ?`,
		roundID,
	).Scan(&p.RoundID, &p.WinnerUserID, &p.PayoutAddress, &p.Amount, &p.TxID, &createdAt, &p.DayKey)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.CreatedAt = fromMillis(createdAt)
	return &p, nil
}

// --- Daily aggregates ---

// DailySpend returns the total paid out on dayKey
func (s *Storage) DailySpend(ctx context.Context, dayKey string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE((SELECT total FROM daily_spend WHERE day_key = ?), 0)",
		dayKey,
	).Scan(&total)
	return total, err
}

// WinCount returns how many payouts a user received on dayKey
func (s *Storage) WinCount(ctx context.Context, dayKey, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM payouts WHERE day_key = ? AND winner_user_id = ?",
		dayKey, userID,
	).Scan(&count)
	return count, err
}

// AddressSpend returns the total paid to an address on dayKey
func (s *Storage) AddressSpend(ctx context.Context, dayKey, address string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM payouts WHERE day_key = ? AND payout_address = ?",
		dayKey, address,
	).Scan(&total)
	return total, err
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (*Round, error) {
	var r Round
	var answers string
	var createdAt, closesAt int64
	var blockHeight, claimExpires, usedAt, lockExpires sql.NullInt64
	var seed, winnerUser, winnerReply, claimCode, usedAddress, txID sql.NullString

	err := row.Scan(&r.RoundID, &r.PostID, &answers, &r.WindowMinutes, &r.RewardAmount,
		&createdAt, &closesAt, &r.Status, &blockHeight, &seed, &winnerUser, &winnerReply,
		&claimCode, &claimExpires, &usedAt, &usedAddress, &txID,
		&r.InvalidAttempts, &lockExpires)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(answers), &r.CorrectAnswers); err != nil {
		return nil, fmt.Errorf("unmarshal answers: %w", err)
	}

	r.CreatedAt = fromMillis(createdAt)
	r.ClosesAt = fromMillis(closesAt)
	if blockHeight.Valid {
		r.BlockHeight = &blockHeight.Int64
	}
	r.Seed = nullString(seed)
	r.WinnerUserID = nullString(winnerUser)
	r.WinnerReplyID = nullString(winnerReply)
	r.ClaimCode = nullString(claimCode)
	r.ClaimExpiresAt = nullTime(claimExpires)
	r.UsedAt = nullTime(usedAt)
	r.UsedAddress = nullString(usedAddress)
	r.PayoutTxID = nullString(txID)
	r.LockExpiresAt = nullTime(lockExpires)

	return &r, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}
