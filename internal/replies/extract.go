package replies

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Raw is one reply as returned by a reply source, in whatever shape it uses
type Raw map[string]any

// Recognized field names per concept, tried in order. Dotted names walk
// nested objects.
var (
	idFields        = []string{"id_str", "id", "rest_id", "tweet_id", "tweetId", "reply_id"}
	textFields      = []string{"full_text", "text", "content", "body"}
	authorIDFields  = []string{"author_id", "authorId", "user_id", "userId", "user.id_str", "user.id", "author.id"}
	handleFields    = []string{"username", "screen_name", "handle", "user.screen_name", "user.username", "author.username", "author.handle"}
	replyToFields   = []string{"in_reply_to_status_id_str", "in_reply_to_status_id", "inReplyToStatusId", "in_reply_to_tweet_id", "reply_to_id"}
	createdAtFields = []string{"created_at", "createdAt", "timestamp", "time"}
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RubyDate, // Mon Jan 02 15:04:05 -0700 2006
	"2006-01-02 15:04:05",
}

// Fields is the structured data extracted from a Raw reply
type Fields struct {
	ID           string
	Text         string
	AuthorUserID string
	AuthorHandle string
	InReplyToID  string     // empty when unknown
	CreatedAt    *time.Time // nil when unknown
}

// Extract pulls the recognized fields out of a raw reply. ok is false when
// the reply has no usable id, author or text.
func Extract(r Raw) (Fields, bool) {
	f := Fields{
		ID:           r.firstString(idFields),
		Text:         r.firstString(textFields),
		AuthorUserID: r.firstString(authorIDFields),
		AuthorHandle: r.firstString(handleFields),
		InReplyToID:  r.firstString(replyToFields),
		CreatedAt:    r.firstTime(createdAtFields),
	}

	if f.ID == "" || f.AuthorUserID == "" {
		return f, false
	}
	if _, found := r.first(textFields); !found {
		return f, false
	}
	return f, true
}

func (r Raw) lookup(path string) (any, bool) {
	var cur any = map[string]any(r)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func (r Raw) first(paths []string) (any, bool) {
	for _, p := range paths {
		if v, ok := r.lookup(p); ok {
			return v, true
		}
	}
	return nil, false
}

func (r Raw) firstString(paths []string) string {
	for _, p := range paths {
		v, ok := r.lookup(p)
		if !ok {
			continue
		}
		if s := asString(v); s != "" {
			return s
		}
	}
	return ""
}

func (r Raw) firstTime(paths []string) *time.Time {
	for _, p := range paths {
		v, ok := r.lookup(p)
		if !ok {
			continue
		}
		if t, ok := asTime(v); ok {
			return &t
		}
	}
	return nil
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	default:
		return ""
	}
}

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixAuto(n), true
		}
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return unixAuto(n), true
		}
		if f, err := x.Float64(); err == nil {
			return unixAuto(int64(f)), true
		}
	case float64:
		return unixAuto(int64(x)), true
	case int64:
		return unixAuto(x), true
	}
	return time.Time{}, false
}

// unixAuto reads n as unix milliseconds when it is too large to be seconds
func unixAuto(n int64) time.Time {
	if n > 1e11 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
