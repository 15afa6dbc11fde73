package telegram

import "github.com/go-telegram/bot/models"

// Callback actions, encoded as "<action>:<round_id>"
const (
	cbRefresh      = "refresh"
	cbClose        = "close"
	cbCloseConfirm = "close_ok"
	cbCancel       = "cancel"
)

// maxCallbackData is Telegram's limit on callback_data bytes
const maxCallbackData = 64

// RoundKeyboard returns the actions for a round view, or nil when the round
// id is too long to fit in callback data.
func RoundKeyboard(roundID string, open bool) *models.InlineKeyboardMarkup {
	if len(cbCloseConfirm)+1+len(roundID) > maxCallbackData {
		return nil
	}

	row := []models.InlineKeyboardButton{
		{Text: "🔄 Refresh", CallbackData: cbRefresh + ":" + roundID},
	}
	if open {
		row = append(row, models.InlineKeyboardButton{Text: "🏁 Close now", CallbackData: cbClose + ":" + roundID})
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{row}}
}

// ConfirmCloseKeyboard asks before closing a round
func ConfirmCloseKeyboard(roundID string) *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: "✅ Close", CallbackData: cbCloseConfirm + ":" + roundID},
				{Text: "⬅️ Cancel", CallbackData: cbCancel + ":" + roundID},
			},
		},
	}
}
