package trivia

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/suspectuso/ton-trivia/internal/metrics"
	"github.com/suspectuso/ton-trivia/internal/payout"
	"github.com/suspectuso/ton-trivia/internal/storage"
	"github.com/suspectuso/ton-trivia/internal/tonapi"
)

// Claim statuses
const (
	ClaimPaid        = "paid"
	ClaimAlreadyPaid = "already_paid"
)

const (
	settleAttempts = 3
	settleHold     = 30 * 24 * time.Hour
)

var settleBackoff = 100 * time.Millisecond

// ClaimParams are the inputs of a redemption
type ClaimParams struct {
	ClaimCode     string
	PayoutAddress string
	ClientIP      string
}

// ClaimResult is a successful redemption, either fresh or idempotent
type ClaimResult struct {
	Status       string
	RoundID      string
	TxID         string
	RewardAmount int64
}

// Claim redeems a claim code and pays the round's reward to payoutAddress.
// Retrying a settled claim returns the original transaction.
func (s *Service) Claim(ctx context.Context, p ClaimParams) (res *ClaimResult, err error) {
	defer func() {
		label := string(KindOf(err))
		if err == nil {
			label = res.Status
		}
		metrics.ClaimsTotal.WithLabelValues(label).Inc()
	}()

	if !s.limiter.Allow("ip:"+p.ClientIP, s.opts.IPRateLimit) {
		return nil, newError(KindRateLimited, "ip", nil)
	}

	code := strings.ToUpper(strings.TrimSpace(p.ClaimCode))
	if code == "" {
		return nil, newError(KindInvalidInput, "claim_code is required", nil)
	}

	now := s.now()

	if err := s.checkLock(ctx, storage.ScopeClaimCode, code, now); err != nil {
		return nil, err
	}

	round, err := s.store.GetRoundByClaimCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		s.recordInvalid(ctx, storage.ScopeClaimCode, code, now)
		return nil, newError(KindNotFound, "claim code", nil)
	}
	if err != nil {
		return nil, newError(KindInternal, "get round by claim code", err)
	}

	if err := s.checkLock(ctx, storage.ScopeRound, round.RoundID, now); err != nil {
		return nil, err
	}

	winner := deref(round.WinnerUserID)
	if !s.limiter.Allow("user:"+winner, s.opts.UserRateLimit) {
		return nil, newError(KindRateLimited, "user", nil)
	}

	if round.IsUsed() {
		return alreadyPaid(round), nil
	}

	address, err := tonapi.ParseAddress(p.PayoutAddress)
	if err != nil {
		s.recordInvalid(ctx, storage.ScopeRound, round.RoundID, now)
		return nil, newError(KindInvalidInput, "payout_address", err)
	}

	if round.ClaimExpiresAt == nil || !now.Before(*round.ClaimExpiresAt) {
		s.recordInvalid(ctx, storage.ScopeRound, round.RoundID, now)
		return nil, newError(KindExpired, round.RoundID, nil)
	}

	owns, err := s.chain.OwnsGatingCredential(ctx, address, s.opts.GatingCollection)
	if err != nil {
		return nil, newError(KindUpstreamUnavailable, "gating credential", err)
	}
	if !owns {
		s.recordInvalid(ctx, storage.ScopeRound, round.RoundID, now)
		return nil, newError(KindForbidden, "gating credential not held", nil)
	}

	dayKey := DayKey(now)
	if err := s.checkCaps(ctx, dayKey, winner, address, round.RewardAmount); err != nil {
		return nil, err
	}

	// A client disconnect must not abandon a payment that is already on its way.
	payCtx := context.WithoutCancel(ctx)

	leader := false
	v, err, _ := s.claims.Do(round.RoundID, func() (any, error) {
		leader = true
		return s.payAndSettle(payCtx, round.RoundID, address, winner, dayKey)
	})
	if err != nil {
		return nil, err
	}

	out := *v.(*ClaimResult)
	if !leader && out.Status == ClaimPaid {
		// joined another request's payout for the same round
		out.Status = ClaimAlreadyPaid
	}
	return &out, nil
}

// payAndSettle sends the reward and records it. It re-reads the round first
// so a request that lost the race to an earlier settlement does not pay twice.
func (s *Service) payAndSettle(ctx context.Context, roundID, address, winner, dayKey string) (*ClaimResult, error) {
	round, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, newError(KindInternal, "reload round", err)
	}
	if round.IsUsed() {
		return alreadyPaid(round), nil
	}

	sent, err := s.executor.Send(ctx, payout.Request{
		Address:     address,
		Amount:      round.RewardAmount,
		TokenID:     s.opts.RewardTokenID,
		Credentials: s.opts.PayoutCredentials,
	})
	if errors.Is(err, payout.ErrNotConfigured) {
		return nil, newError(KindNotImplemented, "payout executor", err)
	}
	if err != nil {
		s.log.Error("payout failed", "round_id", roundID, "error", err)
		return nil, newError(KindPayoutFailed, "send", err)
	}
	if !sent.OK {
		s.log.Error("payout rejected", "round_id", roundID, "reason", sent.Reason)
		return nil, newError(KindPayoutFailed, sent.Reason, nil)
	}

	now := s.now()
	settled, err := s.settle(ctx, storage.Settlement{
		RoundID:      roundID,
		Now:          now,
		Address:      address,
		TxID:         sent.TxID,
		WinnerUserID: winner,
		Amount:       round.RewardAmount,
		DayKey:       dayKey,
	})
	if err != nil {
		s.log.Error("payout sent but settlement failed",
			"round_id", roundID,
			"tx_id", sent.TxID,
			"address", address,
			"error", err,
		)
		s.holdRound(ctx, roundID, sent.TxID, now)
		return nil, newError(KindInternal, "settle claim", err)
	}

	if !settled {
		s.log.Warn("claim settled concurrently", "round_id", roundID, "tx_id", sent.TxID)
		fresh, err := s.store.GetRound(ctx, roundID)
		if err != nil {
			return nil, newError(KindInternal, "reload round", err)
		}
		return alreadyPaid(fresh), nil
	}

	if err := s.store.ClearLock(ctx, storage.ScopeRound, roundID, now); err != nil {
		s.log.Warn("clear round lock", "round_id", roundID, "error", err)
	}

	metrics.PayoutAmount.Add(float64(round.RewardAmount))
	s.log.Info("claim settled",
		"round_id", roundID,
		"tx_id", sent.TxID,
		"address", tonapi.ShortAddr(address, 6),
		"amount", round.RewardAmount,
	)

	res := &ClaimResult{
		Status:       ClaimPaid,
		RoundID:      roundID,
		TxID:         sent.TxID,
		RewardAmount: round.RewardAmount,
	}
	s.notifier.PayoutSettled(ctx, res, winner, address)
	return res, nil
}

// settle retries SettleClaim a few times; the payment is already out, so
// giving up here leaves the round unrecorded.
func (s *Service) settle(ctx context.Context, st storage.Settlement) (bool, error) {
	var err error
	for attempt := 1; attempt <= settleAttempts; attempt++ {
		var settled bool
		settled, err = s.store.SettleClaim(ctx, st)
		if err == nil {
			return settled, nil
		}
		s.log.Warn("settle claim", "round_id", st.RoundID, "attempt", attempt, "error", err)
		if attempt < settleAttempts {
			time.Sleep(time.Duration(attempt) * settleBackoff)
		}
	}
	return false, err
}

// holdRound locks the round after a payment that could not be recorded, so
// the claim code cannot trigger a second payment before an operator
// reconciles tx_id and clears the lock.
func (s *Service) holdRound(ctx context.Context, roundID, txID string, now time.Time) {
	if _, err := s.store.RecordInvalidAttempt(ctx, storage.ScopeRound, roundID, now, 1, settleHold); err != nil {
		s.log.Error("hold unsettled round failed, claim code still live",
			"round_id", roundID,
			"tx_id", txID,
			"error", err,
		)
		return
	}
	metrics.ClaimLocks.WithLabelValues("unsettled").Inc()
	s.log.Warn("round held until reconciled", "round_id", roundID, "tx_id", txID, "until", now.Add(settleHold))
}

// checkCaps enforces the daily capacity limits. Breaches are not fraud
// signals and do not count as invalid attempts.
func (s *Service) checkCaps(ctx context.Context, dayKey, winner, address string, amount int64) error {
	if s.opts.DailyCap > 0 {
		spent, err := s.store.DailySpend(ctx, dayKey)
		if err != nil {
			return newError(KindInternal, "daily spend", err)
		}
		if spent+amount > s.opts.DailyCap {
			return newError(KindRateLimited, "daily cap reached", nil)
		}
	}

	if s.opts.MaxWinsPerUserPerDay > 0 {
		wins, err := s.store.WinCount(ctx, dayKey, winner)
		if err != nil {
			return newError(KindInternal, "win count", err)
		}
		if wins >= s.opts.MaxWinsPerUserPerDay {
			return newError(KindRateLimited, "daily win limit reached", nil)
		}
	}

	if s.opts.AddressDailyCap > 0 {
		spent, err := s.store.AddressSpend(ctx, dayKey, address)
		if err != nil {
			return newError(KindInternal, "address spend", err)
		}
		if spent+amount > s.opts.AddressDailyCap {
			return newError(KindRateLimited, "address daily cap reached", nil)
		}
	}

	return nil
}

func (s *Service) checkLock(ctx context.Context, scope storage.Scope, key string, now time.Time) error {
	state, err := s.store.LockState(ctx, scope, key, now)
	if err != nil {
		return newError(KindInternal, "lock state", err)
	}
	if state.Locked(now) {
		return newError(KindRateLimited, scope.String()+" locked", nil)
	}
	return nil
}

func (s *Service) recordInvalid(ctx context.Context, scope storage.Scope, key string, now time.Time) {
	state, err := s.store.RecordInvalidAttempt(ctx, scope, key, now, s.opts.LockMaxAttempts, s.opts.LockWindow)
	if err != nil {
		s.log.Error("record invalid attempt", "scope", scope, "error", err)
		return
	}

	if state.Locked(now) {
		metrics.ClaimLocks.WithLabelValues(scope.String()).Inc()
		s.log.Warn("claim locked",
			"scope", scope,
			"attempts", state.InvalidAttempts,
			"until", *state.LockExpiresAt,
		)
	}
}

func alreadyPaid(r *storage.Round) *ClaimResult {
	return &ClaimResult{
		Status:       ClaimAlreadyPaid,
		RoundID:      r.RoundID,
		TxID:         deref(r.PayoutTxID),
		RewardAmount: r.RewardAmount,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
