// Package payout sends reward transfers through an external wallet service.
package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured is returned by the Disabled executor
var ErrNotConfigured = errors.New("payout executor not configured")

// Credentials identify the sending wallet to the wallet service
type Credentials struct {
	WalletID string
	APIKey   string
}

// Request is one reward transfer
type Request struct {
	Address     string
	Amount      int64
	TokenID     string
	Credentials Credentials
}

// Result is the wallet service outcome. OK=false carries a Reason.
type Result struct {
	OK     bool
	TxID   string
	Reason string
}

// Executor sends a transfer
type Executor interface {
	Send(ctx context.Context, req Request) (Result, error)
}

// Disabled is used when no wallet service is configured
type Disabled struct{}

// Send always fails with ErrNotConfigured
func (Disabled) Send(context.Context, Request) (Result, error) {
	return Result{}, ErrNotConfigured
}

// HTTPExecutor posts transfers to a wallet service at {base}/transfers
type HTTPExecutor struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPExecutor creates an executor backed by a wallet service
func NewHTTPExecutor(baseURL string) *HTTPExecutor {
	return &HTTPExecutor{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type transferRequest struct {
	WalletID    string `json:"wallet_id"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	TokenID     string `json:"token_id"`
}

type transferResponse struct {
	OK     bool   `json:"ok"`
	TxID   string `json:"tx_id"`
	Reason string `json:"reason,omitempty"`
}

// Send posts the transfer. Transport errors and non-2xx answers are returned
// as errors; a 2xx answer with ok=false is returned as a Result.
func (e *HTTPExecutor) Send(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(transferRequest{
		WalletID:    req.Credentials.WalletID,
		Destination: req.Address,
		Amount:      fmt.Sprintf("%d", req.Amount),
		TokenID:     req.TokenID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.Credentials.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Credentials.APIKey)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("wallet service error %d", resp.StatusCode)
	}

	var out transferResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, fmt.Errorf("unmarshal: %w", err)
	}

	if out.OK && out.TxID == "" {
		return Result{OK: false, Reason: "missing tx id"}, nil
	}
	return Result{OK: out.OK, TxID: out.TxID, Reason: out.Reason}, nil
}
