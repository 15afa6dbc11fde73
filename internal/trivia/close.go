package trivia

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/suspectuso/ton-trivia/internal/metrics"
	"github.com/suspectuso/ton-trivia/internal/replies"
	"github.com/suspectuso/ton-trivia/internal/selector"
	"github.com/suspectuso/ton-trivia/internal/storage"
)

var claimCodeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// CloseOutcome is the result of closing a round. Winner fields are nil when
// nobody answered correctly.
type CloseOutcome struct {
	RoundID        string
	PostID         string
	BlockHeight    int64
	Seed           string
	Eligible       int
	WinnerUserID   *string
	WinnerHandle   string
	WinnerReplyID  *string
	ClaimCode      *string
	ClaimExpiresAt *time.Time
	RewardAmount   int64
}

// Close collects replies for the round's post, picks a winner among the
// users who answered correctly and issues their claim code. agent selects
// the reply source; "" uses the default one.
func (s *Service) Close(ctx context.Context, roundID, agent string) (*CloseOutcome, error) {
	round, err := s.loadRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if round.IsClosed() {
		return nil, newError(KindAlreadyClosed, round.RoundID, nil)
	}

	now := s.now()
	if now.Before(round.ClosesAt) {
		return nil, newError(KindTooEarly, fmt.Sprintf("closes at %s", round.ClosesAt.Format(time.RFC3339)), nil)
	}

	source, err := s.sources.Get(agent)
	if errors.Is(err, replies.ErrUnknownSource) {
		return nil, newError(KindInvalidInput, fmt.Sprintf("unknown agent %q", agent), err)
	}
	if err != nil {
		return nil, newError(KindInternal, "resolve reply source", err)
	}

	if err := s.ingestReplies(ctx, round, source, now); err != nil {
		return nil, err
	}

	correct, err := s.store.ListCorrectReplies(ctx, round.RoundID)
	if err != nil {
		return nil, newError(KindInternal, "list correct replies", err)
	}
	canonical, ids := canonicalReplies(correct)

	height, err := s.chain.BlockHeight(ctx)
	if err != nil {
		return nil, newError(KindUpstreamUnavailable, "block height", err)
	}

	// the stored seed carries a commitment to the secret, never the secret
	seed := selector.Seed(s.opts.SeedSecret, round.RoundID, round.PostID, ids)
	out := &CloseOutcome{
		RoundID:      round.RoundID,
		PostID:       round.PostID,
		BlockHeight:  height,
		Seed:         selector.Seed(selector.Commitment(s.opts.SeedSecret), round.RoundID, round.PostID, ids),
		Eligible:     len(ids),
		RewardAmount: round.RewardAmount,
	}

	if len(ids) > 0 {
		idx, err := selector.Pick(seed, len(ids))
		if err != nil {
			return nil, newError(KindInternal, "pick winner", err)
		}
		winner := canonical[ids[idx]]

		code, err := newClaimCode()
		if err != nil {
			return nil, newError(KindInternal, "claim code", err)
		}
		expires := now.Add(s.opts.ClaimTTL)

		out.WinnerUserID = &winner.AuthorUserID
		out.WinnerHandle = winner.AuthorHandle
		out.WinnerReplyID = &winner.SourceReplyID
		out.ClaimCode = &code
		out.ClaimExpiresAt = &expires
	}

	err = s.store.CloseRound(ctx, round.RoundID, storage.CloseResult{
		BlockHeight:    out.BlockHeight,
		Seed:           out.Seed,
		WinnerUserID:   out.WinnerUserID,
		WinnerReplyID:  out.WinnerReplyID,
		ClaimCode:      out.ClaimCode,
		ClaimExpiresAt: out.ClaimExpiresAt,
	}, now)
	if errors.Is(err, storage.ErrNotOpen) {
		// a concurrent close won
		return nil, newError(KindAlreadyClosed, round.RoundID, err)
	}
	if err != nil {
		return nil, newError(KindInternal, "close round", err)
	}

	outcome := "no_winner"
	if out.WinnerUserID != nil {
		outcome = "winner"
	}
	metrics.RoundsClosed.WithLabelValues(outcome).Inc()

	s.log.Info("round closed",
		"round_id", out.RoundID,
		"block_height", out.BlockHeight,
		"eligible", out.Eligible,
		"outcome", outcome,
	)

	s.notifier.RoundClosed(ctx, out)
	return out, nil
}

// ingestReplies fetches, scores and stores the replies of the round's post.
// A failing source is tolerated when an earlier attempt already stored replies.
func (s *Service) ingestReplies(ctx context.Context, round *storage.Round, source replies.Source, now time.Time) error {
	raw, err := source.SearchReplies(ctx, round.PostID)
	if err != nil {
		total, _, cerr := s.store.CountReplies(ctx, round.RoundID)
		if cerr != nil || total == 0 {
			return newError(KindUpstreamUnavailable, "search replies", err)
		}
		s.log.Warn("reply source failed, closing with stored replies",
			"round_id", round.RoundID,
			"stored", total,
			"error", err,
		)
		return nil
	}

	scored := replies.Collect(
		round.RoundID,
		round.PostID,
		round.CorrectAnswers,
		replies.Window{Start: round.CreatedAt, End: round.ClosesAt},
		raw,
	)

	added, err := s.store.AddReplies(ctx, scored, now)
	if err != nil {
		return newError(KindInternal, "add replies", err)
	}
	metrics.RepliesIngested.Add(float64(added))

	s.log.Debug("replies ingested",
		"round_id", round.RoundID,
		"fetched", len(raw),
		"matched", len(scored),
		"added", added,
	)
	return nil
}

// canonicalReplies keeps the earliest correct reply of each author. replies
// must already be in canonical order. Returns the per-author map and the
// author ids sorted ascending.
func canonicalReplies(correct []storage.Reply) (map[string]storage.Reply, []string) {
	byAuthor := make(map[string]storage.Reply, len(correct))
	for _, r := range correct {
		if _, seen := byAuthor[r.AuthorUserID]; !seen {
			byAuthor[r.AuthorUserID] = r
		}
	}

	ids := make([]string, 0, len(byAuthor))
	for id := range byAuthor {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return byAuthor, ids
}

func newClaimCode() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return claimCodeEncoding.EncodeToString(b), nil
}
