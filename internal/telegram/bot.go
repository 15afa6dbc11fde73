package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/suspectuso/ton-trivia/internal/trivia"
)

// RoundService is the part of the round controller the bot drives
type RoundService interface {
	GetRound(ctx context.Context, roundID string) (*trivia.RoundView, error)
	Close(ctx context.Context, roundID, agent string) (*trivia.CloseOutcome, error)
}

// Bot is the admin bot: round lookups, manual closes and notifications
type Bot struct {
	bot    *bot.Bot
	svc    RoundService
	admins map[int64]bool
	log    *slog.Logger
}

// New creates a new telegram bot. Only chats in adminChatIDs are served.
func New(token string, adminChatIDs []int64, log *slog.Logger) (*Bot, error) {
	b := &Bot{
		admins: make(map[int64]bool, len(adminChatIDs)),
		log:    log,
	}
	for _, id := range adminChatIDs {
		b.admins[id] = true
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(b.defaultHandler),
		bot.WithCallbackQueryDataHandler("", bot.MatchTypePrefix, b.callbackHandler),
	}

	tgBot, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	b.bot = tgBot

	// Register command handlers
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypeExact, b.helpHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/help", bot.MatchTypeExact, b.helpHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/round", bot.MatchTypePrefix, b.roundHandler)
	tgBot.RegisterHandler(bot.HandlerTypeMessageText, "/close", bot.MatchTypePrefix, b.closeHandler)

	return b, nil
}

// Start serves commands against svc until ctx is cancelled
func (b *Bot) Start(ctx context.Context, svc RoundService) {
	b.svc = svc
	b.bot.Start(ctx)
}

// AdminChats returns the chats notifications go to
func (b *Bot) AdminChats() []int64 {
	out := make([]int64, 0, len(b.admins))
	for id := range b.admins {
		out = append(out, id)
	}
	return out
}

// --- Handlers ---

func (b *Bot) helpHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := b.adminMessage(update)
	if msg == nil {
		return
	}
	b.sendMessage(ctx, msg.Chat.ID, helpText, nil)
}

func (b *Bot) roundHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := b.adminMessage(update)
	if msg == nil {
		return
	}

	args := commandArgs(msg.Text)
	if len(args) != 1 {
		b.sendMessage(ctx, msg.Chat.ID, "Usage: <code>/round &lt;round_id&gt;</code>", nil)
		return
	}

	b.showRound(ctx, msg.Chat.ID, args[0])
}

func (b *Bot) closeHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := b.adminMessage(update)
	if msg == nil {
		return
	}

	args := commandArgs(msg.Text)
	if len(args) < 1 || len(args) > 2 {
		b.sendMessage(ctx, msg.Chat.ID, "Usage: <code>/close &lt;round_id&gt; [agent]</code>", nil)
		return
	}

	agent := ""
	if len(args) == 2 {
		agent = args[1]
	}
	b.closeRound(ctx, msg.Chat.ID, args[0], agent)
}

func (b *Bot) defaultHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := b.adminMessage(update)
	if msg == nil {
		return
	}
	b.sendMessage(ctx, msg.Chat.ID, "Unknown command. Send /help.", nil)
}

func (b *Bot) callbackHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.CallbackQuery == nil {
		return
	}

	cb := update.CallbackQuery
	data := cb.Data

	// Answer callback to remove loading state
	tgBot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: cb.ID,
	})

	if cb.Message.Message == nil || !b.admins[cb.Message.Message.Chat.ID] {
		b.log.Warn("callback from non-admin chat", "user_id", cb.From.ID)
		return
	}
	chatID := cb.Message.Message.Chat.ID

	action, roundID, _ := strings.Cut(data, ":")
	switch action {
	case cbRefresh:
		b.showRound(ctx, chatID, roundID)
	case cbClose:
		b.sendMessage(ctx, chatID, fmt.Sprintf("Close round <code>%s</code> now?", escape(roundID)), ConfirmCloseKeyboard(roundID))
	case cbCloseConfirm:
		b.editMessage(ctx, cb.Message, fmt.Sprintf("Closing <code>%s</code>...", escape(roundID)), nil)
		b.closeRound(ctx, chatID, roundID, "")
	case cbCancel:
		b.editMessage(ctx, cb.Message, "Cancelled.", nil)
	default:
		b.log.Warn("unknown callback", "data", data, "user_id", cb.From.ID)
	}
}

func (b *Bot) showRound(ctx context.Context, chatID int64, roundID string) {
	view, err := b.svc.GetRound(ctx, roundID)
	if err != nil {
		b.sendMessage(ctx, chatID, errorText(err), nil)
		return
	}

	b.sendMessage(ctx, chatID, FormatRound(view), RoundKeyboard(view.Round.RoundID, !view.Round.IsClosed()))
}

func (b *Bot) closeRound(ctx context.Context, chatID int64, roundID, agent string) {
	out, err := b.svc.Close(ctx, roundID, agent)
	if err != nil {
		if trivia.KindOf(err) == trivia.KindInternal {
			b.log.Error("close round from bot", "round_id", roundID, "error", err)
		}
		b.sendMessage(ctx, chatID, errorText(err), nil)
		return
	}

	b.sendMessage(ctx, chatID, FormatCloseReply(out), RoundKeyboard(out.RoundID, false))
}

// adminMessage returns the update's message when it comes from an admin chat
func (b *Bot) adminMessage(update *models.Update) *models.Message {
	if update.Message == nil {
		return nil
	}
	if !b.admins[update.Message.Chat.ID] {
		b.log.Warn("message from non-admin chat", "chat_id", update.Message.Chat.ID)
		return nil
	}
	return update.Message
}

// --- Helpers ---

// sendMessage replies in a chat; failures are only logged
func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string, keyboard *models.InlineKeyboardMarkup) {
	if err := b.send(ctx, chatID, text, keyboard, false); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) send(ctx context.Context, chatID int64, text string, keyboard *models.InlineKeyboardMarkup, noPreview bool) error {
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}
	if noPreview {
		disabled := true
		params.LinkPreviewOptions = &models.LinkPreviewOptions{IsDisabled: &disabled}
	}

	_, err := b.bot.SendMessage(ctx, params)
	return err
}

func (b *Bot) editMessage(ctx context.Context, msg models.MaybeInaccessibleMessage, text string, keyboard *models.InlineKeyboardMarkup) {
	if msg.Message == nil {
		return
	}

	params := &bot.EditMessageTextParams{
		ChatID:    msg.Message.Chat.ID,
		MessageID: msg.Message.ID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if keyboard != nil {
		params.ReplyMarkup = keyboard
	}

	_, err := b.bot.EditMessageText(ctx, params)
	if err != nil {
		b.log.Error("edit message", "error", err)
	}
}

// SendNotification posts a broadcast message without link previews
func (b *Bot) SendNotification(ctx context.Context, chatID int64, text string) error {
	return b.send(ctx, chatID, text, nil, true)
}

// commandArgs splits "/cmd@botname a b" into ["a", "b"]
func commandArgs(text string) []string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	return fields[1:]
}

func errorText(err error) string {
	var e *trivia.Error
	if errors.As(err, &e) && e.Kind != trivia.KindInternal {
		return fmt.Sprintf("❌ <b>%s</b>", escape(string(e.Kind)))
	}
	return "❌ Something went wrong, check the logs."
}

const helpText = `<b>Trivia admin</b>

/round &lt;round_id&gt; - round status
/close &lt;round_id&gt; [agent] - close a round and pick the winner`
