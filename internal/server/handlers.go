package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/suspectuso/ton-trivia/internal/storage"
	"github.com/suspectuso/ton-trivia/internal/trivia"
)

type createRoundRequest struct {
	RoundID        string   `json:"round_id" validate:"required,max=128"`
	PostID         string   `json:"post_id" validate:"required,max=128"`
	CorrectAnswers []string `json:"correct_answers" validate:"required,min=1,max=50,dive,max=256"`
	WindowMinutes  int      `json:"window_minutes" validate:"gte=0,lte=10080"`
	RewardAmount   int64    `json:"reward_amount" validate:"gte=0"`
}

type roundResponse struct {
	RoundID       string    `json:"round_id"`
	PostID        string    `json:"post_id"`
	WindowMinutes int       `json:"window_minutes"`
	RewardAmount  int64     `json:"reward_amount"`
	ClosesAt      time.Time `json:"closes_at"`
}

type closeRoundRequest struct {
	Agent string `json:"agent" validate:"max=64"`
}

type winnerResponse struct {
	UserID  string `json:"user_id"`
	Handle  string `json:"handle,omitempty"`
	ReplyID string `json:"reply_id"`
}

type closeResponse struct {
	RoundID        string          `json:"round_id"`
	Seed           string          `json:"seed"`
	BlockHeight    int64           `json:"block_height"`
	Eligible       int             `json:"eligible"`
	Winner         *winnerResponse `json:"winner"`
	ClaimCode      *string         `json:"claim_code,omitempty"`
	ClaimExpiresAt *time.Time      `json:"claim_expires_at,omitempty"`
}

type roundViewResponse struct {
	RoundID        string     `json:"round_id"`
	PostID         string     `json:"post_id"`
	Status         string     `json:"status"`
	CorrectAnswers []string   `json:"correct_answers"`
	WindowMinutes  int        `json:"window_minutes"`
	RewardAmount   int64      `json:"reward_amount"`
	CreatedAt      time.Time  `json:"created_at"`
	ClosesAt       time.Time  `json:"closes_at"`
	BlockHeight    *int64     `json:"block_height,omitempty"`
	Seed           *string    `json:"seed,omitempty"`
	WinnerUserID   *string    `json:"winner_user_id,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
	UsedAt         *time.Time `json:"used_at,omitempty"`
	PayoutTxID     *string    `json:"payout_tx_id,omitempty"`
	Replies        int        `json:"replies"`
	CorrectReplies int        `json:"correct_replies"`
}

type claimRequest struct {
	ClaimCode     string `json:"claim_code" validate:"required,max=64"`
	PayoutAddress string `json:"payout_address" validate:"required,max=128"`
}

type claimResponse struct {
	Status       string `json:"status"`
	RoundID      string `json:"round_id"`
	TxID         string `json:"tx_id"`
	RewardAmount int64  `json:"reward_amount"`
}

func (s *Server) handleCreateRound(w http.ResponseWriter, r *http.Request) {
	var req createRoundRequest
	if fields, err := decode(r, &req, false); err != nil {
		s.badRequest(w, r, fields, err)
		return
	}

	round, err := s.svc.Create(r.Context(), trivia.CreateParams{
		RoundID:        req.RoundID,
		PostID:         req.PostID,
		CorrectAnswers: req.CorrectAnswers,
		WindowMinutes:  req.WindowMinutes,
		RewardAmount:   req.RewardAmount,
	})
	if err != nil {
		s.fail(w, r, "create round", err)
		return
	}

	writeJSON(w, http.StatusCreated, roundResponse{
		RoundID:       round.RoundID,
		PostID:        round.PostID,
		WindowMinutes: round.WindowMinutes,
		RewardAmount:  round.RewardAmount,
		ClosesAt:      round.ClosesAt,
	})
}

func (s *Server) handleCloseRound(w http.ResponseWriter, r *http.Request) {
	var req closeRoundRequest
	if fields, err := decode(r, &req, true); err != nil {
		s.badRequest(w, r, fields, err)
		return
	}

	out, err := s.svc.Close(r.Context(), chi.URLParam(r, "roundID"), req.Agent)
	if err != nil {
		s.fail(w, r, "close round", err)
		return
	}

	resp := closeResponse{
		RoundID:        out.RoundID,
		Seed:           out.Seed,
		BlockHeight:    out.BlockHeight,
		Eligible:       out.Eligible,
		ClaimCode:      out.ClaimCode,
		ClaimExpiresAt: out.ClaimExpiresAt,
	}
	if out.WinnerUserID != nil {
		resp.Winner = &winnerResponse{
			UserID:  *out.WinnerUserID,
			Handle:  out.WinnerHandle,
			ReplyID: *out.WinnerReplyID,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.GetRound(r.Context(), chi.URLParam(r, "roundID"))
	if err != nil {
		s.fail(w, r, "get round", err)
		return
	}

	writeJSON(w, http.StatusOK, newRoundView(view))
}

func newRoundView(v *trivia.RoundView) roundViewResponse {
	rd := v.Round
	return roundViewResponse{
		RoundID:        rd.RoundID,
		PostID:         rd.PostID,
		Status:         roundStatus(rd),
		CorrectAnswers: rd.CorrectAnswers,
		WindowMinutes:  rd.WindowMinutes,
		RewardAmount:   rd.RewardAmount,
		CreatedAt:      rd.CreatedAt,
		ClosesAt:       rd.ClosesAt,
		BlockHeight:    rd.BlockHeight,
		Seed:           rd.Seed,
		WinnerUserID:   rd.WinnerUserID,
		ClaimExpiresAt: rd.ClaimExpiresAt,
		UsedAt:         rd.UsedAt,
		PayoutTxID:     rd.PayoutTxID,
		Replies:        v.Replies,
		CorrectReplies: v.CorrectReplies,
	}
}

// roundStatus spells out the lifecycle state: open, no_winner, awaiting_claim or claimed
func roundStatus(r *storage.Round) string {
	switch {
	case !r.IsClosed():
		return storage.StatusOpen
	case r.WinnerUserID == nil:
		return "no_winner"
	case r.IsUsed():
		return "claimed"
	default:
		return "awaiting_claim"
	}
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if fields, err := decode(r, &req, false); err != nil {
		s.badRequest(w, r, fields, err)
		return
	}

	res, err := s.svc.Claim(r.Context(), trivia.ClaimParams{
		ClaimCode:     req.ClaimCode,
		PayoutAddress: req.PayoutAddress,
		ClientIP:      extractIP(r, s.trustedProxies),
	})
	if err != nil {
		s.fail(w, r, "claim", err)
		return
	}

	writeJSON(w, http.StatusOK, claimResponse{
		Status:       res.Status,
		RoundID:      res.RoundID,
		TxID:         res.TxID,
		RewardAmount: res.RewardAmount,
	})
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, fields map[string]string, err error) {
	s.log.Debug("bad request",
		"request_id", requestIDFrom(r.Context()),
		"path", r.URL.Path,
		"error", err,
	)
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error:  string(trivia.KindInvalidInput),
		Fields: fields,
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	kind := trivia.KindOf(err)
	attrs := []any{
		"request_id", requestIDFrom(r.Context()),
		"op", op,
		"kind", kind,
		"error", err,
	}
	if statusFor(kind) >= http.StatusInternalServerError {
		s.log.Error("request failed", attrs...)
	} else {
		s.log.Info("request rejected", attrs...)
	}
	writeError(w, err)
}
