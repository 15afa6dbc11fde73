package replies

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnknownSource is returned when a named reply source is not configured
var ErrUnknownSource = errors.New("unknown reply source")

// Source fetches the raw replies to a post
type Source interface {
	SearchReplies(ctx context.Context, postID string) ([]Raw, error)
}

// HTTPSource reads replies from a social gateway exposing
// GET {base}/posts/{postID}/replies
type HTTPSource struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPSource creates a reply source backed by an HTTP gateway
func NewHTTPSource(baseURL, token string) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SearchReplies returns the replies to postID. The gateway may answer with a
// bare JSON array or with an object wrapping it under replies, data or tweets.
func (s *HTTPSource) SearchReplies(ctx context.Context, postID string) ([]Raw, error) {
	path := "/posts/" + url.PathEscape(postID) + "/replies"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("reply source error %d", resp.StatusCode)
	}

	return decodeReplies(data)
}

func decodeReplies(data []byte) ([]Raw, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var body any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	var items []any
	switch v := body.(type) {
	case []any:
		items = v
	case map[string]any:
		for _, key := range []string{"replies", "data", "tweets", "items"} {
			if list, ok := v[key].([]any); ok {
				items = list
				break
			}
		}
	}

	out := make([]Raw, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, Raw(m))
		}
	}
	return out, nil
}

// Registry resolves an optional agent name to a reply source
type Registry struct {
	sources map[string]Source
}

// NewRegistry creates a registry; the "" entry is the default source
func NewRegistry(sources map[string]Source) *Registry {
	if sources == nil {
		sources = make(map[string]Source)
	}
	return &Registry{sources: sources}
}

// Get returns the source for agent, or the default one when agent is empty
func (r *Registry) Get(agent string) (Source, error) {
	src, ok := r.sources[agent]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, agent)
	}
	return src, nil
}
