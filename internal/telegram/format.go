package telegram

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/suspectuso/ton-trivia/internal/tonapi"
	"github.com/suspectuso/ton-trivia/internal/trivia"
)

func escape(s string) string {
	return html.EscapeString(s)
}

// FormatRound renders a round for admins. The claim code is never shown.
func FormatRound(v *trivia.RoundView) string {
	r := v.Round

	var sb strings.Builder
	fmt.Fprintf(&sb, "🎯 <b>Round</b> <code>%s</code>\n", escape(r.RoundID))
	fmt.Fprintf(&sb, "Post: <code>%s</code>\n", escape(r.PostID))
	fmt.Fprintf(&sb, "Answers: %s\n", escape(strings.Join(r.CorrectAnswers, ", ")))
	fmt.Fprintf(&sb, "Reward: %d\n", r.RewardAmount)
	fmt.Fprintf(&sb, "Replies: %d (correct %d)\n\n", v.Replies, v.CorrectReplies)

	switch {
	case !r.IsClosed():
		fmt.Fprintf(&sb, "⏳ Open, closes %s", r.ClosesAt.UTC().Format(time.RFC822))
	case r.WinnerUserID == nil:
		sb.WriteString("🚫 Closed, no correct answers")
	case r.IsUsed():
		fmt.Fprintf(&sb, "✅ Paid to <code>%s</code>\nTx: <code>%s</code>",
			escape(tonapi.ShortAddr(deref(r.UsedAddress), 6)), escape(deref(r.PayoutTxID)))
	default:
		fmt.Fprintf(&sb, "🏆 Winner <code>%s</code>, claim open until %s",
			escape(*r.WinnerUserID), r.ClaimExpiresAt.UTC().Format(time.RFC822))
	}

	return sb.String()
}

// FormatCloseReply renders the result of a close for the admin who asked for
// it, including the claim code to hand to the winner.
func FormatCloseReply(out *trivia.CloseOutcome) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🏁 <b>Round</b> <code>%s</code> closed\n", escape(out.RoundID))
	fmt.Fprintf(&sb, "Block: %d\nEligible: %d\n", out.BlockHeight, out.Eligible)

	if out.WinnerUserID == nil {
		sb.WriteString("\nNo correct answers, no winner.")
		return sb.String()
	}

	winner := escape(*out.WinnerUserID)
	if out.WinnerHandle != "" {
		winner = "@" + escape(out.WinnerHandle) + " (" + winner + ")"
	}
	fmt.Fprintf(&sb, "\n🏆 Winner: %s\n", winner)
	fmt.Fprintf(&sb, "Claim code: <code>%s</code>\n", escape(*out.ClaimCode))
	fmt.Fprintf(&sb, "Expires: %s", out.ClaimExpiresAt.UTC().Format(time.RFC822))
	return sb.String()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
