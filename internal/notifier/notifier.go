// Package notifier announces round closes and payouts to admin chats.
package notifier

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/suspectuso/ton-trivia/internal/tonapi"
	"github.com/suspectuso/ton-trivia/internal/trivia"
)

// sendTimeout bounds one broadcast
const sendTimeout = 15 * time.Second

// Sender delivers a message to a chat. *telegram.Bot implements it.
type Sender interface {
	SendNotification(ctx context.Context, chatID int64, text string) error
}

// Notifier implements trivia.Notifier. Messages are sent in the background
// so a slow chat API never holds up a close or a claim.
type Notifier struct {
	sender Sender
	chats  []int64
	log    *slog.Logger

	wg sync.WaitGroup
}

// New creates a new Notifier
func New(sender Sender, chats []int64, log *slog.Logger) *Notifier {
	return &Notifier{
		sender: sender,
		chats:  chats,
		log:    log,
	}
}

// RoundClosed announces a close. The claim code is never included.
func (n *Notifier) RoundClosed(ctx context.Context, out *trivia.CloseOutcome) {
	n.broadcast(ctx, formatClosed(out))
}

// PayoutSettled announces a settled payout
func (n *Notifier) PayoutSettled(ctx context.Context, res *trivia.ClaimResult, winnerUserID, address string) {
	n.broadcast(ctx, formatPayout(res, winnerUserID, address))
}

// Wait blocks until pending messages are sent
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) broadcast(ctx context.Context, text string) {
	if len(n.chats) == 0 {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()

		for _, chatID := range n.chats {
			if err := n.sender.SendNotification(sendCtx, chatID, text); err != nil {
				n.log.Error("send notification", "chat_id", chatID, "error", err)
			}
		}
	}()
}

func formatClosed(out *trivia.CloseOutcome) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🏁 <b>Round closed</b> <code>%s</code>\n", html.EscapeString(out.RoundID))
	fmt.Fprintf(&sb, "Eligible: %d · Block: %d\n", out.Eligible, out.BlockHeight)

	if out.WinnerUserID == nil {
		sb.WriteString("No correct answers.")
		return sb.String()
	}

	winner := html.EscapeString(*out.WinnerUserID)
	if out.WinnerHandle != "" {
		winner = "@" + html.EscapeString(out.WinnerHandle)
	}
	fmt.Fprintf(&sb, "🏆 Winner: %s\nReward: %d", winner, out.RewardAmount)
	return sb.String()
}

func formatPayout(res *trivia.ClaimResult, winnerUserID, address string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "💸 <b>Reward paid</b> for <code>%s</code>\n", html.EscapeString(res.RoundID))
	fmt.Fprintf(&sb, "Winner: <code>%s</code>\n", html.EscapeString(winnerUserID))
	fmt.Fprintf(&sb, "Amount: %d\n", res.RewardAmount)
	fmt.Fprintf(&sb, "To: <a href=\"https://tonviewer.com/%s\">%s</a>\n",
		tonapi.RawToFriendly(address), tonapi.ShortAddr(tonapi.RawToFriendly(address), 6))
	fmt.Fprintf(&sb, "Tx: <code>%s</code>", html.EscapeString(res.TxID))
	return sb.String()
}
