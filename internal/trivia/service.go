// Package trivia runs the round lifecycle: creation, close-time winner
// selection and claim redemption.
package trivia

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/suspectuso/ton-trivia/internal/answer"
	"github.com/suspectuso/ton-trivia/internal/metrics"
	"github.com/suspectuso/ton-trivia/internal/payout"
	"github.com/suspectuso/ton-trivia/internal/replies"
	"github.com/suspectuso/ton-trivia/internal/storage"
)

// Store is the persistence the controller needs. *storage.Storage implements it.
type Store interface {
	CreateRound(ctx context.Context, nr storage.NewRound) (*storage.Round, error)
	GetRound(ctx context.Context, roundID string) (*storage.Round, error)
	GetRoundByClaimCode(ctx context.Context, code string) (*storage.Round, error)
	ListDueRounds(ctx context.Context, now time.Time, limit int) ([]storage.Round, error)
	DeferClose(ctx context.Context, roundID string, now time.Time, base, maxDelay time.Duration) (time.Time, error)
	CloseRound(ctx context.Context, roundID string, res storage.CloseResult, now time.Time) error

	AddReplies(ctx context.Context, replies []storage.Reply, now time.Time) (int, error)
	ListCorrectReplies(ctx context.Context, roundID string) ([]storage.Reply, error)
	CountReplies(ctx context.Context, roundID string) (total, correct int, err error)

	SettleClaim(ctx context.Context, st storage.Settlement) (bool, error)
	GetPayout(ctx context.Context, roundID string) (*storage.Payout, error)
	DailySpend(ctx context.Context, dayKey string) (int64, error)
	WinCount(ctx context.Context, dayKey, userID string) (int, error)
	AddressSpend(ctx context.Context, dayKey, address string) (int64, error)

	LockState(ctx context.Context, scope storage.Scope, key string, now time.Time) (*storage.AttemptState, error)
	RecordInvalidAttempt(ctx context.Context, scope storage.Scope, key string, now time.Time, maxAttempts int, lockWindow time.Duration) (*storage.AttemptState, error)
	ClearLock(ctx context.Context, scope storage.Scope, key string, now time.Time) error
}

// ReplySources resolves a reply source by agent name; "" selects the default
type ReplySources interface {
	Get(agent string) (replies.Source, error)
}

// ChainOracle answers block height and gating-credential queries
type ChainOracle interface {
	BlockHeight(ctx context.Context) (int64, error)
	OwnsGatingCredential(ctx context.Context, address, credentialID string) (bool, error)
}

// RateLimiter is the instance-local burst limiter. *guard.Limiter implements it.
type RateLimiter interface {
	Allow(key string, limit int) bool
}

// Notifier is told about closes and settled payouts. Calls must not block for long.
type Notifier interface {
	RoundClosed(ctx context.Context, res *CloseOutcome)
	PayoutSettled(ctx context.Context, res *ClaimResult, winnerUserID, address string)
}

// Options are the tunables of the controller
type Options struct {
	SeedSecret       string
	GatingCollection string
	RewardTokenID    string

	DefaultWindowMinutes int
	DefaultRewardAmount  int64
	ClaimTTL             time.Duration

	LockMaxAttempts int
	LockWindow      time.Duration

	// Per minute, instance-local. 0 disables.
	IPRateLimit   int
	UserRateLimit int

	// Per UTC day. 0 disables.
	DailyCap             int64
	MaxWinsPerUserPerDay int
	AddressDailyCap      int64

	PayoutCredentials payout.Credentials
}

// Deps are the collaborators of the controller
type Deps struct {
	Store    Store
	Sources  ReplySources
	Chain    ChainOracle
	Executor payout.Executor
	Limiter  RateLimiter // optional
	Notifier Notifier    // optional
	Now      func() time.Time
}

// Service is the round lifecycle controller
type Service struct {
	store    Store
	sources  ReplySources
	chain    ChainOracle
	executor payout.Executor
	limiter  RateLimiter
	notifier Notifier
	now      func() time.Time
	opts     Options
	log      *slog.Logger

	// claims folds concurrent redemptions of one round into a single payout attempt
	claims singleflight.Group
}

// New creates the controller
func New(opts Options, deps Deps, log *slog.Logger) *Service {
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 60 * time.Minute
	}
	if opts.LockMaxAttempts <= 0 {
		opts.LockMaxAttempts = 3
	}
	if opts.LockWindow <= 0 {
		opts.LockWindow = 15 * time.Minute
	}
	if deps.Executor == nil {
		deps.Executor = payout.Disabled{}
	}
	if deps.Limiter == nil {
		deps.Limiter = allowAll{}
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}

	return &Service{
		store:    deps.Store,
		sources:  deps.Sources,
		chain:    deps.Chain,
		executor: deps.Executor,
		limiter:  deps.Limiter,
		notifier: deps.Notifier,
		now:      func() time.Time { return deps.Now().UTC() },
		opts:     opts,
		log:      log,
	}
}

// CreateParams are the caller-supplied fields of a new round.
// Zero WindowMinutes or RewardAmount fall back to the configured defaults.
type CreateParams struct {
	RoundID        string
	PostID         string
	CorrectAnswers []string
	WindowMinutes  int
	RewardAmount   int64
}

// Create opens a new round
func (s *Service) Create(ctx context.Context, p CreateParams) (*storage.Round, error) {
	roundID := strings.TrimSpace(p.RoundID)
	postID := strings.TrimSpace(p.PostID)
	if roundID == "" || postID == "" {
		return nil, newError(KindInvalidInput, "round_id and post_id are required", nil)
	}

	answers := answer.NormalizeSet(p.CorrectAnswers)
	if len(answers) == 0 {
		return nil, newError(KindInvalidInput, "no usable correct answers", nil)
	}

	window := p.WindowMinutes
	if window == 0 {
		window = s.opts.DefaultWindowMinutes
	}
	reward := p.RewardAmount
	if reward == 0 {
		reward = s.opts.DefaultRewardAmount
	}
	if window <= 0 {
		return nil, newError(KindInvalidInput, "window_minutes must be positive", nil)
	}
	if reward <= 0 {
		return nil, newError(KindInvalidInput, "reward_amount must be positive", nil)
	}

	round, err := s.store.CreateRound(ctx, storage.NewRound{
		RoundID:        roundID,
		PostID:         postID,
		CorrectAnswers: answers,
		WindowMinutes:  window,
		RewardAmount:   reward,
		CreatedAt:      s.now(),
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return nil, newError(KindAlreadyExists, roundID, err)
	}
	if err != nil {
		return nil, newError(KindInternal, "create round", err)
	}

	metrics.RoundsCreated.Inc()
	s.log.Info("round created",
		"round_id", round.RoundID,
		"post_id", round.PostID,
		"answers", len(answers),
		"closes_at", round.ClosesAt,
	)
	return round, nil
}

// RoundView is a round plus its ingestion counters
type RoundView struct {
	Round          *storage.Round
	Replies        int
	CorrectReplies int
}

// GetRound returns the round and how many replies were ingested for it
func (s *Service) GetRound(ctx context.Context, roundID string) (*RoundView, error) {
	round, err := s.loadRound(ctx, roundID)
	if err != nil {
		return nil, err
	}

	total, correct, err := s.store.CountReplies(ctx, round.RoundID)
	if err != nil {
		return nil, newError(KindInternal, "count replies", err)
	}

	return &RoundView{Round: round, Replies: total, CorrectReplies: correct}, nil
}

func (s *Service) loadRound(ctx context.Context, roundID string) (*storage.Round, error) {
	roundID = strings.TrimSpace(roundID)
	if roundID == "" {
		return nil, newError(KindInvalidInput, "round_id is required", nil)
	}

	round, err := s.store.GetRound(ctx, roundID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newError(KindNotFound, roundID, err)
	}
	if err != nil {
		return nil, newError(KindInternal, "get round", err)
	}
	return round, nil
}

// DayKey is the UTC calendar day used to scope caps and spend totals
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

type allowAll struct{}

func (allowAll) Allow(string, int) bool { return true }

type nopNotifier struct{}

func (nopNotifier) RoundClosed(context.Context, *CloseOutcome)                  {}
func (nopNotifier) PayoutSettled(context.Context, *ClaimResult, string, string) {}
