// Package tonapi is the chain oracle: masterchain height and NFT ownership
// lookups against TonAPI, plus TON address helpers.
package tonapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// APIError is a non-2xx answer from TonAPI
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tonapi: status %d: %s", e.Status, e.Body)
}

// Client is a TonAPI HTTP client. Requests are spaced at least interval
// apart so a burst of claims stays under the key's RPS quota.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	mu       sync.Mutex
	next     time.Time
	interval time.Duration
}

// NewClient creates a new TonAPI client
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		interval: 250 * time.Millisecond,
	}
}

// wait reserves the next request slot and sleeps until it arrives
func (c *Client) wait(ctx context.Context) error {
	c.mu.Lock()
	slot := c.next
	if now := time.Now(); slot.Before(now) {
		slot = now
	}
	c.next = slot.Add(c.interval)
	c.mu.Unlock()

	d := time.Until(slot)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, dst any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// BlockHeight returns the latest masterchain seqno
func (c *Client) BlockHeight(ctx context.Context) (int64, error) {
	var head MasterchainHead
	if err := c.getJSON(ctx, "/blockchain/masterchain-head", nil, &head); err != nil {
		return 0, err
	}
	return head.Seqno, nil
}

// GetAccountNFTs returns NFT items held by address, optionally limited to one collection
func (c *Client) GetAccountNFTs(ctx context.Context, address, collection string, limit int) ([]NftItem, error) {
	q := url.Values{
		"limit":              {strconv.Itoa(limit)},
		"indirect_ownership": {"false"},
	}
	if collection != "" {
		q.Set("collection", collection)
	}

	var resp NftItemsResponse
	if err := c.getJSON(ctx, "/accounts/"+url.PathEscape(address)+"/nfts", q, &resp); err != nil {
		return nil, err
	}
	return resp.NftItems, nil
}

// OwnsGatingCredential reports whether address holds an NFT from the
// credential collection. An empty credentialID accepts any NFT.
func (c *Client) OwnsGatingCredential(ctx context.Context, address, credentialID string) (bool, error) {
	items, err := c.GetAccountNFTs(ctx, address, credentialID, 1)
	if err != nil {
		return false, err
	}
	if credentialID == "" {
		return len(items) > 0, nil
	}

	want := NormalizeAddress(credentialID)
	for _, item := range items {
		if item.Collection != nil && NormalizeAddress(item.Collection.Address) == want {
			return true, nil
		}
	}
	return false, nil
}
