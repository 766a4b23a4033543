package bot

import (
	"context"
	"strings"

	api "github.com/OvyFlash/telegram-bot-api"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/doorman/internal/moderation"
)

// Moderator evaluates every ordinary group message, edits included.
type Moderator struct {
	doorman Doorman
}

func NewModerator(d Doorman) *Moderator {
	return &Moderator{doorman: d}
}

func (m *Moderator) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (bool, error) {
	msg, edited := u.Message, false
	if msg == nil {
		msg, edited = u.EditedMessage, true
	}
	if msg == nil || msg.From == nil || user.IsBot || chat.IsPrivate() || msg.IsCommand() || isServiceMessage(msg) {
		return true, nil
	}

	decision := m.doorman.EvaluateMessage(ctx, ToModerationMessage(msg, edited))
	if !decision.IsAllow() {
		m.getLogEntry().WithFields(log.Fields{
			"chat_id": chat.ID,
			"user":    GetUN(user),
			"action":  decision.Action,
			"reason":  decision.Reason,
		}).Info("message moderated")
		return false, nil
	}
	return true, nil
}

// ToModerationMessage converts a platform message. A bare sticker, document or photo is
// passed as media with empty text.
func ToModerationMessage(msg *api.Message, edited bool) moderation.Message {
	res := moderation.Message{
		ID:         msg.MessageID,
		ChatID:     msg.Chat.ID,
		Text:       ExtractContentFromMessage(msg),
		HasButtons: msg.ReplyMarkup != nil && len(msg.ReplyMarkup.InlineKeyboard) > 0,
		IsStory:    msg.Story != nil,
		Edited:     edited,
	}
	if msg.From != nil {
		res.UserID = msg.From.ID
		res.Username = msg.From.UserName
		res.FullName = GetFullName(msg.From)
	}
	if strings.TrimSpace(msg.Text+msg.Caption) == "" {
		switch GetMessageType(msg) {
		case MessageTypeSticker, MessageTypeDocument, MessageTypePhoto:
			res.HasMedia = true
			res.Text = ""
		}
	}
	return res
}

func isServiceMessage(msg *api.Message) bool {
	return len(msg.NewChatMembers) > 0 ||
		msg.LeftChatMember != nil ||
		msg.PinnedMessage != nil ||
		msg.NewChatTitle != "" ||
		len(msg.NewChatPhoto) > 0 ||
		msg.DeleteChatPhoto ||
		msg.GroupChatCreated ||
		msg.SuperGroupChatCreated ||
		msg.MigrateFromChatID != 0 ||
		msg.MigrateToChatID != 0
}

func (m *Moderator) getLogEntry() *log.Entry {
	return log.WithField("object", "Moderator")
}
