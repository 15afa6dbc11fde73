package storage

import "time"

// Round statuses
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Round is one trivia contest tied to a single source post
type Round struct {
	RoundID        string
	PostID         string
	CorrectAnswers []string // normalized
	WindowMinutes  int
	RewardAmount   int64 // smallest token unit
	CreatedAt      time.Time
	ClosesAt       time.Time
	Status         string

	// Set at close
	BlockHeight    *int64
	Seed           *string
	WinnerUserID   *string
	WinnerReplyID  *string
	ClaimCode      *string
	ClaimExpiresAt *time.Time

	// Set at settlement
	UsedAt      *time.Time
	UsedAddress *string
	PayoutTxID  *string

	// Round-scoped lockout counter
	InvalidAttempts int
	LockExpiresAt   *time.Time
}

// IsClosed reports whether the round has been closed
func (r *Round) IsClosed() bool {
	return r.Status == StatusClosed
}

// IsUsed reports whether the round's claim has been settled
func (r *Round) IsUsed() bool {
	return r.UsedAt != nil
}

// NewRound holds the caller-supplied fields of a round
type NewRound struct {
	RoundID        string
	PostID         string
	CorrectAnswers []string
	WindowMinutes  int
	RewardAmount   int64
	CreatedAt      time.Time
}

// CloseResult holds the fields recorded when a round is closed.
// Winner, ReplyID, ClaimCode and ClaimExpiresAt are nil when nobody answered correctly.
type CloseResult struct {
	BlockHeight    int64
	Seed           string
	WinnerUserID   *string
	WinnerReplyID  *string
	ClaimCode      *string
	ClaimExpiresAt *time.Time
}

// Reply is one ingested social reply, scoped to a round
type Reply struct {
	ID             int64 // ingestion order
	RoundID        string
	SourceReplyID  string
	AuthorUserID   string
	AuthorHandle   string
	RawText        string
	NormalizedText string
	IsCorrect      bool
	CreatedAt      *time.Time // nil when the source omitted it
}

// Payout is an append-only ledger entry, one per settled round
type Payout struct {
	RoundID       string
	WinnerUserID  string
	PayoutAddress string
	Amount        int64
	TxID          string
	CreatedAt     time.Time
	DayKey        string
}

// Settlement holds the inputs of the atomic settle transaction
type Settlement struct {
	RoundID      string
	Now          time.Time
	Address      string
	TxID         string
	WinnerUserID string
	Amount       int64
	DayKey       string
}

// AttemptState is the persisted invalid-attempt counter for one key
type AttemptState struct {
	Key             string
	InvalidAttempts int
	LockExpiresAt   *time.Time
}

// Locked reports whether the counter is locked at now
func (a *AttemptState) Locked(now time.Time) bool {
	return a.LockExpiresAt != nil && now.Before(*a.LockExpiresAt)
}

// Scope selects which invalid-attempt counter an operation applies to
type Scope int

const (
	// ScopeRound counts invalid claims against a known round
	ScopeRound Scope = iota
	// ScopeClaimCode counts guesses of a claim code string
	ScopeClaimCode
)

func (s Scope) String() string {
	switch s {
	case ScopeRound:
		return "round"
	case ScopeClaimCode:
		return "claim_code"
	default:
		return "unknown"
	}
}
