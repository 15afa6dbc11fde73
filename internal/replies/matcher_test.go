package replies

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	win   = Window{Start: start, End: start.Add(10 * time.Minute)}
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		raw  Raw
		ok   bool
		want Fields
	}{
		{
			name: "flat fields",
			raw:  Raw{"id": "1", "text": "Paris", "author_id": "u1", "username": "alice", "in_reply_to_status_id": "post"},
			ok:   true,
			want: Fields{ID: "1", Text: "Paris", AuthorUserID: "u1", AuthorHandle: "alice", InReplyToID: "post"},
		},
		{
			name: "nested user and id_str preferred",
			raw: Raw{
				"id": json.Number("99"), "id_str": "99", "full_text": "Rome",
				"user": map[string]any{"id_str": "u2", "screen_name": "bob"},
			},
			ok:   true,
			want: Fields{ID: "99", Text: "Rome", AuthorUserID: "u2", AuthorHandle: "bob"},
		},
		{
			name: "numeric author",
			raw:  Raw{"id": json.Number("1822718372728372899"), "text": "x", "userId": json.Number("12345")},
			ok:   true,
			want: Fields{ID: "1822718372728372899", Text: "x", AuthorUserID: "12345"},
		},
		{
			name: "missing author",
			raw:  Raw{"id": "1", "text": "Paris"},
			ok:   false,
		},
		{
			name: "missing id",
			raw:  Raw{"text": "Paris", "author_id": "u1"},
			ok:   false,
		},
		{
			name: "missing text",
			raw:  Raw{"id": "1", "author_id": "u1"},
			ok:   false,
		},
		{
			name: "empty text kept",
			raw:  Raw{"id": "1", "author_id": "u1", "text": ""},
			ok:   true,
			want: Fields{ID: "1", AuthorUserID: "u1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Extract(tt.raw)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestExtract_Timestamps(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)

	tests := []struct {
		name string
		v    any
	}{
		{"rfc3339", "2026-03-01T12:05:00Z"},
		{"rfc3339 offset", "2026-03-01T14:05:00+02:00"},
		{"twitter", "Sun Mar 01 12:05:00 +0000 2026"},
		{"unix seconds", json.Number("1772366700")},
		{"unix millis", json.Number("1772366700000")},
		{"unix string", "1772366700"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := Extract(Raw{"id": "1", "text": "a", "author_id": "u", "created_at": tt.v})
			require.True(t, ok)
			require.NotNil(t, f.CreatedAt)
			assert.True(t, want.Equal(*f.CreatedAt), "got %s", f.CreatedAt)
		})
	}

	f, ok := Extract(Raw{"id": "1", "text": "a", "author_id": "u", "created_at": "yesterday"})
	require.True(t, ok)
	assert.Nil(t, f.CreatedAt)
}

func TestCollect(t *testing.T) {
	inWindow := start.Add(2 * time.Minute).Format(time.RFC3339)
	tooLate := start.Add(11 * time.Minute).Format(time.RFC3339)
	tooEarly := start.Add(-time.Second).Format(time.RFC3339)

	raw := []Raw{
		{"id": "1", "text": "Paris!!", "author_id": "A", "in_reply_to_status_id": "post", "created_at": inWindow},
		{"id": "2", "text": "london", "author_id": "B", "in_reply_to_status_id": "post", "created_at": inWindow},
		{"id": "3", "text": "paris", "author_id": "C", "in_reply_to_status_id": "other-post", "created_at": inWindow},
		{"id": "4", "text": "paris", "author_id": "D", "created_at": tooLate},
		{"id": "5", "text": "paris", "author_id": "E", "created_at": tooEarly},
		{"id": "6", "text": "PARÍS", "author_id": "F"},
		{"id": "7", "text": "paris"},
	}

	got := Collect("r1", "post", []string{"paris"}, win, raw)
	require.Len(t, got, 3)

	assert.Equal(t, "1", got[0].SourceReplyID)
	assert.Equal(t, "A", got[0].AuthorUserID)
	assert.Equal(t, "paris", got[0].NormalizedText)
	assert.Equal(t, "Paris!!", got[0].RawText)
	assert.True(t, got[0].IsCorrect)
	assert.Equal(t, "r1", got[0].RoundID)

	assert.Equal(t, "2", got[1].SourceReplyID)
	assert.False(t, got[1].IsCorrect)

	// unknown timestamp is kept
	assert.Equal(t, "6", got[2].SourceReplyID)
	assert.Nil(t, got[2].CreatedAt)
	assert.True(t, got[2].IsCorrect)
}

func TestCollect_WindowBoundsInclusive(t *testing.T) {
	raw := []Raw{
		{"id": "1", "text": "a", "author_id": "u1", "created_at": win.Start.Format(time.RFC3339)},
		{"id": "2", "text": "a", "author_id": "u2", "created_at": win.End.Format(time.RFC3339)},
	}
	assert.Len(t, Collect("r", "p", []string{"a"}, win, raw), 2)
}

func TestCollect_EmptyTextNeverCorrect(t *testing.T) {
	raw := []Raw{{"id": "1", "text": "!!!", "author_id": "u1"}}
	got := Collect("r", "p", []string{""}, win, raw)
	require.Len(t, got, 1)
	assert.False(t, got[0].IsCorrect)
}
