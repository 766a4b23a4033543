package bot

import (
	"context"
	"strings"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/iamwavecut/tool"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/doorman/internal/db"
	"github.com/iamwavecut/doorman/internal/enforcement"
	"github.com/iamwavecut/doorman/internal/i18n"
	"github.com/iamwavecut/doorman/internal/policy/permissions"
)

const statsTemplate = `Trust records: {{ .s.TrustRecords }}
Suspicious users: {{ .s.Suspicion.Total }} (deep scrutiny {{ .s.Suspicion.DeepScrutiny }}, candidates {{ .s.Suspicion.Candidates }})
Violation records: {{ .s.Violations }}
Open challenges: {{ .s.Challenges }}
Known-bad messages: {{ .s.KnownBad }}
Banlist size: {{ .s.Banlist }}
Pending unbans: {{ .s.PendingUnbans }}`

// Admin serves the moderator commands and the buttons under admin notices.
type Admin struct {
	doorman     Doorman
	transport   enforcement.Transport
	bot         BotAPI
	adminChatID int64
}

func NewAdmin(d Doorman, transport enforcement.Transport, bot BotAPI, adminChatID int64) *Admin {
	return &Admin{doorman: d, transport: transport, bot: bot, adminChatID: adminChatID}
}

func (a *Admin) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (bool, error) {
	switch {
	case u.CallbackQuery != nil && enforcement.IsAdminCallback(u.CallbackQuery.Data):
		return false, a.handleCallback(ctx, u.CallbackQuery, user)
	case u.Message != nil && u.Message.IsCommand():
		return !a.handleCommand(ctx, u.Message, chat, user), nil
	}
	return true, nil
}

func (a *Admin) handleCallback(ctx context.Context, cq *api.CallbackQuery, user *api.User) error {
	entry := a.getLogEntry().WithField("method", "handleCallback").WithField("data", cq.Data)
	action, id, err := enforcement.DecodeAdminCallback(cq.Data)
	if err != nil {
		entry.WithField("error", err.Error()).Error("callback query data is invalid")
		return err
	}
	lang := language(user.LanguageCode)
	if !a.isModerator(id.ChatID, user.ID) {
		a.answer(cq.ID, i18n.Get("Only moderators can use this command", lang))
		return nil
	}

	var ok bool
	switch action {
	case enforcement.ActionApprove:
		ok = a.doorman.ManualApprove(ctx, id)
	case enforcement.ActionBan:
		ok = a.doorman.ManualBan(ctx, id)
	case enforcement.ActionUnban:
		ok = a.doorman.Unban(ctx, id)
	case enforcement.ActionSpam:
		var text string
		if cq.Message != nil {
			text = noticeBody(cq.Message.Text)
		}
		ok = a.doorman.ReportSpam(ctx, id, text)
	}
	entry.WithFields(log.Fields{
		"action":  action,
		"user_id": id.UserID,
		"chat_id": id.ChatID,
		"by":      GetUN(user),
		"ok":      ok,
	}).Info("admin action")

	if !ok {
		a.answer(cq.ID, i18n.Get("Action failed", lang))
		return nil
	}
	a.answer(cq.ID, i18n.Get("Done", lang))
	if cq.Message != nil {
		edit := api.NewEditMessageReplyMarkup(cq.Message.Chat.ID, cq.Message.MessageID, api.InlineKeyboardMarkup{
			InlineKeyboard: [][]api.InlineKeyboardButton{},
		})
		if _, err := a.bot.Request(edit); err != nil {
			entry.WithField("error", err.Error()).Debug("cant drop notice buttons")
		}
	}
	return nil
}

// handleCommand reports whether the message was a command this handler owns.
func (a *Admin) handleCommand(ctx context.Context, msg *api.Message, chat *api.Chat, user *api.User) bool {
	command := msg.Command()
	switch command {
	case "stats":
		if chat.ID != a.adminChatID && !a.isModerator(chat.ID, user.ID) {
			return true
		}
		a.reply(ctx, msg, tool.ExecTemplate(statsTemplate, map[string]any{"s": a.doorman.Stats()}))
		return true
	case "ban", "approve", "scrutiny":
	default:
		return false
	}

	lang := language(user.LanguageCode)
	switch {
	case chat.IsPrivate():
		a.reply(ctx, msg, i18n.Get("This command can only be used in groups", lang))
		return true
	case msg.ReplyToMessage == nil || msg.ReplyToMessage.From == nil:
		a.reply(ctx, msg, i18n.Get("This command must be used as a reply to a message", lang))
		return true
	case !a.isModerator(chat.ID, user.ID):
		a.reply(ctx, msg, i18n.Get("Only moderators can use this command", lang))
		return true
	}

	target := msg.ReplyToMessage
	id := db.Identity{UserID: target.From.ID, ChatID: chat.ID}
	var ok bool
	switch command {
	case "ban":
		ok = a.doorman.ReportSpam(ctx, id, ExtractContentFromMessage(target), target.MessageID, msg.MessageID)
	case "approve":
		ok = a.doorman.ManualApprove(ctx, id)
	case "scrutiny":
		ok = a.doorman.SetDeepScrutiny(id, true)
	}
	if !ok {
		a.reply(ctx, msg, i18n.Get("Action failed", lang))
		return true
	}
	if command != "ban" {
		a.reply(ctx, msg, i18n.Get("Done", lang))
	}
	return true
}

func (a *Admin) isModerator(chatID, userID int64) bool {
	member, err := a.bot.GetChatMember(api.GetChatMemberConfig{
		ChatConfigWithUser: api.ChatConfigWithUser{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
	})
	if err != nil {
		a.getLogEntry().WithField("error", err.Error()).Error("failed to get chat member")
		return false
	}
	return permissions.IsPrivilegedModerator(&member)
}

func (a *Admin) reply(ctx context.Context, msg *api.Message, text string) {
	if _, err := a.transport.SendMessage(ctx, enforcement.OutgoingMessage{
		ChatID:  msg.Chat.ID,
		Text:    text,
		ReplyTo: msg.MessageID,
	}); err != nil {
		a.getLogEntry().WithField("error", err.Error()).Error("cant reply")
	}
}

func (a *Admin) answer(callbackID, text string) {
	if _, err := a.bot.Request(api.NewCallback(callbackID, text)); err != nil {
		a.getLogEntry().WithField("error", err.Error()).Error("cant answer callback query")
	}
}

// noticeBody extracts the quoted message from an admin notice: everything after the
// header and reason lines.
func noticeBody(notice string) string {
	parts := strings.SplitN(notice, "\n", 3)
	if len(parts) < 3 {
		return ""
	}
	return strings.TrimSpace(parts[2])
}

func (a *Admin) getLogEntry() *log.Entry {
	return log.WithField("object", "Admin")
}
