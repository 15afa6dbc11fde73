package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suspectuso/ton-trivia/internal/storage"
	"github.com/suspectuso/ton-trivia/internal/trivia"
)

const adminToken = "admin-secret"

type fakeService struct {
	create   func(trivia.CreateParams) (*storage.Round, error)
	close    func(roundID, agent string) (*trivia.CloseOutcome, error)
	getRound func(roundID string) (*trivia.RoundView, error)
	claim    func(trivia.ClaimParams) (*trivia.ClaimResult, error)
}

func (f *fakeService) Create(_ context.Context, p trivia.CreateParams) (*storage.Round, error) {
	return f.create(p)
}

func (f *fakeService) Close(_ context.Context, roundID, agent string) (*trivia.CloseOutcome, error) {
	return f.close(roundID, agent)
}

func (f *fakeService) GetRound(_ context.Context, roundID string) (*trivia.RoundView, error) {
	return f.getRound(roundID)
}

func (f *fakeService) Claim(_ context.Context, p trivia.ClaimParams) (*trivia.ClaimResult, error) {
	return f.claim(p)
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func newTestServer(svc *fakeService, db Pinger) http.Handler {
	if db == nil {
		db = fakePinger{}
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(svc, db, adminToken, []string{"10.0.0.1"}, log).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	rec, body := do(t, newTestServer(&fakeService{}, nil), http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, _ = do(t, newTestServer(&fakeService{}, fakePinger{err: errors.New("db gone")}), http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rec, _ := do(t, newTestServer(&fakeService{}, nil), http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAuth(t *testing.T) {
	svc := &fakeService{
		getRound: func(id string) (*trivia.RoundView, error) {
			return &trivia.RoundView{Round: &storage.Round{RoundID: id, Status: storage.StatusOpen}}, nil
		},
	}
	h := newTestServer(svc, nil)

	for _, token := range []string{"", "wrong", adminToken + "x"} {
		rec, body := do(t, h, http.MethodGet, "/admin/rounds/r1", "", token)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "token %q", token)
		assert.Equal(t, "unauthorized", body["error"])
	}

	rec, _ := do(t, h, http.MethodGet, "/admin/rounds/r1", "", adminToken)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateRound(t *testing.T) {
	closesAt := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)
	var got trivia.CreateParams
	svc := &fakeService{
		create: func(p trivia.CreateParams) (*storage.Round, error) {
			got = p
			return &storage.Round{
				RoundID:       p.RoundID,
				PostID:        p.PostID,
				WindowMinutes: 10,
				RewardAmount:  5,
				ClosesAt:      closesAt,
			}, nil
		},
	}
	h := newTestServer(svc, nil)

	rec, body := do(t, h, http.MethodPost, "/admin/rounds",
		`{"round_id":"r1","post_id":"p1","correct_answers":["Paris"]}`, adminToken)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "r1", body["round_id"])
	assert.Equal(t, float64(10), body["window_minutes"])
	assert.Equal(t, float64(5), body["reward_amount"])
	assert.Equal(t, "2026-03-01T12:10:00Z", body["closes_at"])
	assert.Equal(t, []string{"Paris"}, got.CorrectAnswers)
}

func TestCreateRound_BadRequests(t *testing.T) {
	svc := &fakeService{
		create: func(p trivia.CreateParams) (*storage.Round, error) {
			return nil, &trivia.Error{Kind: trivia.KindAlreadyExists, Msg: p.RoundID}
		},
	}
	h := newTestServer(svc, nil)

	tests := []struct {
		name   string
		body   string
		status int
		field  string
	}{
		{"missing post id", `{"round_id":"r1","correct_answers":["a"]}`, http.StatusBadRequest, "post_id"},
		{"empty answers", `{"round_id":"r1","post_id":"p","correct_answers":[]}`, http.StatusBadRequest, "correct_answers"},
		{"negative window", `{"round_id":"r1","post_id":"p","correct_answers":["a"],"window_minutes":-5}`, http.StatusBadRequest, "window_minutes"},
		{"unknown field", `{"round_id":"r1","post_id":"p","correct_answers":["a"],"extra":1}`, http.StatusBadRequest, ""},
		{"malformed json", `{"round_id":`, http.StatusBadRequest, ""},
		{"duplicate round", `{"round_id":"r1","post_id":"p","correct_answers":["a"]}`, http.StatusConflict, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, h, http.MethodPost, "/admin/rounds", tt.body, adminToken)
			assert.Equal(t, tt.status, rec.Code)
			if tt.field != "" {
				fields, ok := body["fields"].(map[string]any)
				require.True(t, ok, "body: %v", body)
				assert.Contains(t, fields, tt.field)
			}
		})
	}
}

func TestCloseRound(t *testing.T) {
	winner, reply, code := "user-a", "101", "ABCDEFGHIJKLMNOP"
	expires := time.Date(2026, 3, 1, 13, 10, 0, 0, time.UTC)

	var gotID, gotAgent string
	svc := &fakeService{
		close: func(roundID, agent string) (*trivia.CloseOutcome, error) {
			gotID, gotAgent = roundID, agent
			if roundID == "early" {
				return nil, trivia.ErrTooEarly
			}
			return &trivia.CloseOutcome{
				RoundID:        roundID,
				Seed:           "seed",
				BlockHeight:    77,
				Eligible:       1,
				WinnerUserID:   &winner,
				WinnerHandle:   "alice",
				WinnerReplyID:  &reply,
				ClaimCode:      &code,
				ClaimExpiresAt: &expires,
			}, nil
		},
	}
	h := newTestServer(svc, nil)

	rec, body := do(t, h, http.MethodPost, "/admin/rounds/r1/close", "", adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "r1", gotID)
	assert.Equal(t, "", gotAgent)
	assert.Equal(t, code, body["claim_code"])
	assert.Equal(t, map[string]any{"user_id": "user-a", "handle": "alice", "reply_id": "101"}, body["winner"])

	rec, _ = do(t, h, http.MethodPost, "/admin/rounds/r1/close", `{"agent":"scout"}`, adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "scout", gotAgent)

	rec, body = do(t, h, http.MethodPost, "/admin/rounds/early/close", "", adminToken)
	assert.Equal(t, http.StatusTooEarly, rec.Code)
	assert.Equal(t, "too_early", body["error"])
}

func TestCloseRound_NoWinner(t *testing.T) {
	svc := &fakeService{
		close: func(roundID, agent string) (*trivia.CloseOutcome, error) {
			return &trivia.CloseOutcome{RoundID: roundID, Seed: "seed"}, nil
		},
	}
	rec, body := do(t, newTestServer(svc, nil), http.MethodPost, "/admin/rounds/r1/close", "", adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "winner")
	assert.Nil(t, body["winner"])
	assert.NotContains(t, body, "claim_code")
}

func TestGetRound_Status(t *testing.T) {
	winner := "user-a"
	now := time.Now()

	tests := []struct {
		name  string
		round storage.Round
		want  string
	}{
		{"open", storage.Round{Status: storage.StatusOpen}, "open"},
		{"no winner", storage.Round{Status: storage.StatusClosed}, "no_winner"},
		{"awaiting claim", storage.Round{Status: storage.StatusClosed, WinnerUserID: &winner}, "awaiting_claim"},
		{"claimed", storage.Round{Status: storage.StatusClosed, WinnerUserID: &winner, UsedAt: &now}, "claimed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			round := tt.round
			svc := &fakeService{
				getRound: func(id string) (*trivia.RoundView, error) {
					round.RoundID = id
					return &trivia.RoundView{Round: &round, Replies: 4, CorrectReplies: 2}, nil
				},
			}
			rec, body := do(t, newTestServer(svc, nil), http.MethodGet, "/admin/rounds/r1", "", adminToken)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, body["status"])
			assert.Equal(t, float64(4), body["replies"])
			assert.NotContains(t, body, "claim_code")
		})
	}
}

func TestClaim(t *testing.T) {
	var got trivia.ClaimParams
	svc := &fakeService{
		claim: func(p trivia.ClaimParams) (*trivia.ClaimResult, error) {
			got = p
			return &trivia.ClaimResult{Status: trivia.ClaimPaid, RoundID: "r1", TxID: "tx-1", RewardAmount: 5}, nil
		},
	}
	h := newTestServer(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/claim", strings.NewReader(`{"claim_code":"ABC","payout_address":"EQxyz"}`))
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 198.51.100.7")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body claimResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, claimResponse{Status: "paid", RoundID: "r1", TxID: "tx-1", RewardAmount: 5}, body)

	assert.Equal(t, "ABC", got.ClaimCode)
	assert.Equal(t, "EQxyz", got.PayoutAddress)
	assert.Equal(t, "198.51.100.7", got.ClientIP)
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))
}

func TestClaim_ErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{trivia.ErrInvalidInput, http.StatusBadRequest},
		{trivia.ErrNotFound, http.StatusNotFound},
		{trivia.ErrExpired, http.StatusGone},
		{trivia.ErrForbidden, http.StatusForbidden},
		{trivia.ErrRateLimited, http.StatusTooManyRequests},
		{trivia.ErrPayoutFailed, http.StatusBadGateway},
		{trivia.ErrNotImplemented, http.StatusNotImplemented},
		{trivia.ErrUpstreamUnavailable, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			svc := &fakeService{
				claim: func(trivia.ClaimParams) (*trivia.ClaimResult, error) { return nil, tt.err },
			}
			rec, body := do(t, newTestServer(svc, nil), http.MethodPost, "/claim",
				`{"claim_code":"ABC","payout_address":"EQxyz"}`, "")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, string(trivia.KindOf(tt.err)), body["error"])
			assert.NotContains(t, rec.Body.String(), "disk on fire")
		})
	}
}

func TestClaim_MissingFields(t *testing.T) {
	svc := &fakeService{}
	rec, body := do(t, newTestServer(svc, nil), http.MethodPost, "/claim", `{"claim_code":"ABC"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", body["error"])
}

func TestExtractIP(t *testing.T) {
	trusted := []string{"10.0.0.1"}

	tests := []struct {
		name      string
		remote    string
		forwarded string
		want      string
	}{
		{"direct", "203.0.113.5:1000", "", "203.0.113.5"},
		{"untrusted peer ignores header", "203.0.113.5:1000", "1.1.1.1", "203.0.113.5"},
		{"trusted proxy last hop", "10.0.0.1:1000", "1.1.1.1, 2.2.2.2", "2.2.2.2"},
		{"trusted proxy no header", "10.0.0.1:1000", "", "10.0.0.1"},
		{"no port", "203.0.113.5", "", "203.0.113.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, extractIP(r, trusted))
		})
	}
}
