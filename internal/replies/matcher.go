// Package replies turns raw social replies into scored reply records.
package replies

import (
	"time"

	"github.com/suspectuso/ton-trivia/internal/answer"
	"github.com/suspectuso/ton-trivia/internal/storage"
)

// Window bounds the accepted reply timestamps, inclusive on both ends
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Collect extracts, filters and scores raw replies to postID.
//
// A reply is dropped when it has no author, when it answers some other post,
// or when its timestamp is known and outside the window. Replies without a
// timestamp are kept. A reply is correct iff its normalized text equals one of
// the already-normalized correct answers.
func Collect(roundID, postID string, correctAnswers []string, window Window, raw []Raw) []storage.Reply {
	answers := make(map[string]bool, len(correctAnswers))
	for _, a := range correctAnswers {
		answers[a] = true
	}

	var out []storage.Reply
	for _, r := range raw {
		f, ok := Extract(r)
		if !ok {
			continue
		}
		if f.InReplyToID != "" && f.InReplyToID != postID {
			continue
		}
		if f.CreatedAt != nil && !window.Contains(*f.CreatedAt) {
			continue
		}

		normalized := answer.Normalize(f.Text)
		out = append(out, storage.Reply{
			RoundID:        roundID,
			SourceReplyID:  f.ID,
			AuthorUserID:   f.AuthorUserID,
			AuthorHandle:   f.AuthorHandle,
			RawText:        f.Text,
			NormalizedText: normalized,
			IsCorrect:      normalized != "" && answers[normalized],
			CreatedAt:      f.CreatedAt,
		})
	}

	return out
}
