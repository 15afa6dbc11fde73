package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "trivia.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func createRound(t *testing.T, s *Storage, id string) *Round {
	t.Helper()
	r, err := s.CreateRound(context.Background(), NewRound{
		RoundID:        id,
		PostID:         "post-" + id,
		CorrectAnswers: []string{"paris"},
		WindowMinutes:  10,
		RewardAmount:   5,
		CreatedAt:      t0,
	})
	require.NoError(t, err)
	return r
}

func strPtr(s string) *string { return &s }

func TestCreateRound(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	r := createRound(t, s, "r1")
	assert.Equal(t, StatusOpen, r.Status)
	assert.Equal(t, t0.Add(10*time.Minute), r.ClosesAt)

	got, err := s.GetRound(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "post-r1", got.PostID)
	assert.Equal(t, []string{"paris"}, got.CorrectAnswers)
	assert.Equal(t, int64(5), got.RewardAmount)
	assert.Equal(t, t0, got.CreatedAt)
	assert.Nil(t, got.ClaimCode)
	assert.Nil(t, got.WinnerUserID)
	assert.False(t, got.IsClosed())

	_, err = s.CreateRound(ctx, NewRound{RoundID: "r1", PostID: "other", CorrectAnswers: []string{"x"}, WindowMinutes: 1, RewardAmount: 1, CreatedAt: t0})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// original row untouched
	got, err = s.GetRound(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "post-r1", got.PostID)
}

func TestGetRound_NotFound(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.GetRound(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetRoundByClaimCode(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloseRound(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	createRound(t, s, "r1")

	expires := t0.Add(70 * time.Minute)
	err := s.CloseRound(ctx, "r1", CloseResult{
		BlockHeight:    123,
		Seed:           "seed",
		WinnerUserID:   strPtr("alice"),
		WinnerReplyID:  strPtr("reply-1"),
		ClaimCode:      strPtr("CODE"),
		ClaimExpiresAt: &expires,
	}, t0.Add(11*time.Minute))
	require.NoError(t, err)

	got, err := s.GetRoundByClaimCode(ctx, "CODE")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RoundID)
	assert.True(t, got.IsClosed())
	assert.Equal(t, int64(123), *got.BlockHeight)
	assert.Equal(t, "alice", *got.WinnerUserID)
	assert.Equal(t, expires, *got.ClaimExpiresAt)

	// second close never rewrites the claim code
	err = s.CloseRound(ctx, "r1", CloseResult{Seed: "other", ClaimCode: strPtr("OTHER")}, t0)
	assert.ErrorIs(t, err, ErrNotOpen)
	_, err = s.GetRoundByClaimCode(ctx, "OTHER")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.CloseRound(ctx, "missing", CloseResult{}, t0), ErrNotOpen)
}

func TestCloseRound_NoWinner(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	createRound(t, s, "r1")

	require.NoError(t, s.CloseRound(ctx, "r1", CloseResult{BlockHeight: 1, Seed: "s"}, t0))

	got, err := s.GetRound(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.IsClosed())
	assert.Nil(t, got.WinnerUserID)
	assert.Nil(t, got.ClaimCode)
	assert.Nil(t, got.ClaimExpiresAt)
}

func TestListDueRounds(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	createRound(t, s, "r1")
	createRound(t, s, "r2")
	require.NoError(t, s.CloseRound(ctx, "r2", CloseResult{Seed: "s"}, t0))

	due, err := s.ListDueRounds(ctx, t0.Add(5*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.ListDueRounds(ctx, t0.Add(10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "r1", due[0].RoundID)
}

func TestDeferClose_BacksOffAndRotates(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	createRound(t, s, "stuck")
	createRound(t, s, "fresh")
	now := t0.Add(10 * time.Minute)

	next, err := s.DeferClose(ctx, "stuck", now, time.Minute, 4*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), next)

	due, err := s.ListDueRounds(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "fresh", due[0].RoundID)

	// due again once the backoff passes, behind rounds that never failed
	due, err = s.ListDueRounds(ctx, next, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "fresh", due[0].RoundID)
	assert.Equal(t, "stuck", due[1].RoundID)

	delays := []time.Duration{2 * time.Minute, 4 * time.Minute, 4 * time.Minute}
	for _, want := range delays {
		next, err = s.DeferClose(ctx, "stuck", now, time.Minute, 4*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, now.Add(want), next)
	}

	require.NoError(t, s.CloseRound(ctx, "fresh", CloseResult{Seed: "s"}, now))
	_, err = s.DeferClose(ctx, "fresh", now, time.Minute, time.Hour)
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestAddReplies_Idempotent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	createRound(t, s, "r1")

	early := t0.Add(time.Minute)
	late := t0.Add(2 * time.Minute)
	replies := []Reply{
		{RoundID: "r1", SourceReplyID: "a", AuthorUserID: "u1", RawText: "Paris", NormalizedText: "paris", IsCorrect: true, CreatedAt: &late},
		{RoundID: "r1", SourceReplyID: "b", AuthorUserID: "u2", RawText: "paris!", NormalizedText: "paris", IsCorrect: true, CreatedAt: &early},
		{RoundID: "r1", SourceReplyID: "c", AuthorUserID: "u3", RawText: "london", NormalizedText: "london"},
		{RoundID: "r1", SourceReplyID: "d", AuthorUserID: "u4", RawText: "PARIS", NormalizedText: "paris", IsCorrect: true},
	}

	n, err := s.AddReplies(ctx, replies, t0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = s.AddReplies(ctx, replies, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	total, correct, err := s.CountReplies(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, 3, correct)

	got, err := s.ListCorrectReplies(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].SourceReplyID)
	assert.Equal(t, "a", got[1].SourceReplyID)
	assert.Equal(t, "d", got[2].SourceReplyID)
	assert.Nil(t, got[2].CreatedAt)
}

func TestSettleClaim(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	createRound(t, s, "r1")

	st := Settlement{
		RoundID: "r1", Now: t0, Address: "0:abc", TxID: "tx-1",
		WinnerUserID: "alice", Amount: 5, DayKey: "2026-03-01",
	}

	ok, err := s.SettleClaim(ctx, st)
	require.NoError(t, err)
	assert.True(t, ok)

	st.TxID = "tx-2"
	ok, err = s.SettleClaim(ctx, st)
	require.NoError(t, err)
	assert.False(t, ok)

	round, err := s.GetRound(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, round.IsUsed())
	assert.Equal(t, "tx-1", *round.PayoutTxID)
	assert.Equal(t, "0:abc", *round.UsedAddress)

	payout, err := s.GetPayout(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", payout.TxID)

	spend, err := s.DailySpend(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, int64(5), spend)

	wins, err := s.WinCount(ctx, "2026-03-01", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, wins)

	addr, err := s.AddressSpend(ctx, "2026-03-01", "0:abc")
	require.NoError(t, err)
	assert.Equal(t, int64(5), addr)

	other, err := s.DailySpend(ctx, "2026-03-02")
	require.NoError(t, err)
	assert.Zero(t, other)
}

func TestSettleClaim_Concurrent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	createRound(t, s, "r1")

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.SettleClaim(ctx, Settlement{
				RoundID: "r1", Now: t0, Address: "0:abc", TxID: "tx",
				WinnerUserID: "alice", Amount: 5, DayKey: "2026-03-01",
			})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	spend, err := s.DailySpend(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, int64(5), spend)
}

func TestAttemptCounter_LockAndLazyExpiry(t *testing.T) {
	for _, scope := range []Scope{ScopeRound, ScopeClaimCode} {
		t.Run(scope.String(), func(t *testing.T) {
			s := newTestStorage(t)
			ctx := context.Background()
			createRound(t, s, "r1")
			key := "r1"
			window := 15 * time.Minute

			for i := 1; i <= 2; i++ {
				st, err := s.RecordInvalidAttempt(ctx, scope, key, t0, 3, window)
				require.NoError(t, err)
				assert.Equal(t, i, st.InvalidAttempts)
				assert.False(t, st.Locked(t0))
			}

			st, err := s.RecordInvalidAttempt(ctx, scope, key, t0, 3, window)
			require.NoError(t, err)
			assert.Equal(t, 3, st.InvalidAttempts)
			assert.True(t, st.Locked(t0))

			st, err = s.LockState(ctx, scope, key, t0.Add(window-time.Second))
			require.NoError(t, err)
			assert.True(t, st.Locked(t0.Add(window-time.Second)))

			// reaching the expiry resets on access
			st, err = s.LockState(ctx, scope, key, t0.Add(window))
			require.NoError(t, err)
			assert.False(t, st.Locked(t0.Add(window)))
			assert.Zero(t, st.InvalidAttempts)

			st, err = s.RecordInvalidAttempt(ctx, scope, key, t0.Add(window), 3, window)
			require.NoError(t, err)
			assert.Equal(t, 1, st.InvalidAttempts)
		})
	}
}

func TestAttemptCounter_ScopesAreIndependent(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	createRound(t, s, "r1")

	for i := 0; i < 3; i++ {
		_, err := s.RecordInvalidAttempt(ctx, ScopeClaimCode, "r1", t0, 3, time.Minute)
		require.NoError(t, err)
	}

	st, err := s.LockState(ctx, ScopeRound, "r1", t0)
	require.NoError(t, err)
	assert.False(t, st.Locked(t0))
	assert.Zero(t, st.InvalidAttempts)

	code, err := s.LockState(ctx, ScopeClaimCode, "r1", t0)
	require.NoError(t, err)
	assert.True(t, code.Locked(t0))
}

func TestClearLock(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	createRound(t, s, "r1")

	for i := 0; i < 3; i++ {
		_, err := s.RecordInvalidAttempt(ctx, ScopeRound, "r1", t0, 3, time.Hour)
		require.NoError(t, err)
	}
	require.NoError(t, s.ClearLock(ctx, ScopeRound, "r1", t0))

	round, err := s.GetRound(ctx, "r1")
	require.NoError(t, err)
	assert.Zero(t, round.InvalidAttempts)
	assert.Nil(t, round.LockExpiresAt)
}
