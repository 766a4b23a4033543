package telegram

import (
	"context"
	"fmt"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/iamwavecut/doorman/internal/enforcement"
	derrors "github.com/iamwavecut/doorman/internal/errors"
)

// minBanSpan is the shortest ban the platform honours; shorter ones become permanent.
const minBanSpan = 30 * time.Second

// BotAPI is the part of the bot client the operations need.
type BotAPI interface {
	Send(c api.Chattable) (api.Message, error)
	Request(c api.Chattable) (*api.APIResponse, error)
	GetChatMember(config api.GetChatMemberConfig) (api.ChatMember, error)
}

// Operations adapts the Telegram bot client to enforcement.Transport.
type Operations struct {
	bot   BotAPI
	botID int64
}

func NewOperations(bot BotAPI, botID int64) *Operations {
	return &Operations{bot: bot, botID: botID}
}

var _ enforcement.Transport = (*Operations)(nil)

func (o *Operations) SendMessage(_ context.Context, msg enforcement.OutgoingMessage) (int, error) {
	out := api.NewMessage(msg.ChatID, msg.Text)
	out.ParseMode = msg.ParseMode
	out.LinkPreviewOptions.IsDisabled = true
	if msg.ReplyTo != 0 {
		out.ReplyParameters.MessageID = msg.ReplyTo
		out.ReplyParameters.AllowSendingWithoutReply = true
	}
	if len(msg.Buttons) > 0 {
		out.ReplyMarkup = Keyboard(msg.Buttons)
	}
	sent, err := o.bot.Send(out)
	if err != nil {
		return 0, wrap("send message", err)
	}
	return sent.MessageID, nil
}

func (o *Operations) DeleteMessage(_ context.Context, chatID int64, messageID int) error {
	if _, err := o.bot.Request(api.NewDeleteMessage(chatID, messageID)); err != nil {
		return wrap("delete message", err)
	}
	return nil
}

// BanMember bans until the given instant, or forever for a zero instant.
func (o *Operations) BanMember(_ context.Context, chatID, userID int64, until time.Time) error {
	config := api.BanChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
		RevokeMessages: true,
	}
	if !until.IsZero() {
		if time.Until(until) < minBanSpan {
			until = time.Now().Add(minBanSpan)
		}
		config.UntilDate = until.Unix()
	}
	if _, err := o.bot.Request(config); err != nil {
		return wrap("ban member", err)
	}
	return nil
}

func (o *Operations) UnbanMember(_ context.Context, chatID, userID int64) error {
	config := api.UnbanChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
		OnlyIfBanned: true,
	}
	if _, err := o.bot.Request(config); err != nil {
		return wrap("unban member", err)
	}
	return nil
}

func (o *Operations) RestrictMember(_ context.Context, chatID, userID int64, until time.Time) error {
	config := api.RestrictChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
		Permissions: &api.ChatPermissions{},

		UseIndependentChatPermissions: true,
	}
	if !until.IsZero() {
		config.UntilDate = until.Unix()
	}
	if _, err := o.bot.Request(config); err != nil {
		return wrap("restrict member", err)
	}
	return nil
}

func (o *Operations) UnrestrictMember(_ context.Context, chatID, userID int64) error {
	config := api.RestrictChatMemberConfig{
		ChatMemberConfig: api.ChatMemberConfig{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     userID,
		},
		Permissions: &api.ChatPermissions{
			CanSendMessages:       true,
			CanSendAudios:         true,
			CanSendDocuments:      true,
			CanSendPhotos:         true,
			CanSendVideos:         true,
			CanSendVideoNotes:     true,
			CanSendVoiceNotes:     true,
			CanSendPolls:          true,
			CanSendOtherMessages:  true,
			CanAddWebPagePreviews: true,
		},
	}
	if _, err := o.bot.Request(config); err != nil {
		return wrap("unrestrict member", err)
	}
	return nil
}

// GetChatAdminStatus reports the bot's own rights in the chat.
func (o *Operations) GetChatAdminStatus(_ context.Context, chatID int64) (enforcement.AdminStatus, error) {
	member, err := o.bot.GetChatMember(api.GetChatMemberConfig{
		ChatConfigWithUser: api.ChatConfigWithUser{
			ChatConfig: api.ChatConfig{ChatID: chatID},
			UserID:     o.botID,
		},
	})
	if err != nil {
		return enforcement.AdminStatus{}, wrap("get chat member", err)
	}
	if member.IsCreator() {
		return enforcement.AdminStatus{IsAdmin: true, CanDeleteMessages: true, CanRestrict: true}, nil
	}
	return enforcement.AdminStatus{
		IsAdmin:           member.IsAdministrator(),
		CanDeleteMessages: member.IsAdministrator() && member.CanDeleteMessages,
		CanRestrict:       member.IsAdministrator() && member.CanRestrictMembers,
	}, nil
}

// Keyboard renders button rows as an inline keyboard.
func Keyboard(rows [][]enforcement.Button) api.InlineKeyboardMarkup {
	keyboard := make([][]api.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]api.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, api.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		keyboard = append(keyboard, buttons)
	}
	return api.NewInlineKeyboardMarkup(keyboard...)
}

func wrap(op string, err error) error {
	if err = derrors.WithPrivilegeError(err); err != nil {
		return fmt.Errorf("%w: %s: %w", derrors.ErrTransportFailure, op, err)
	}
	return nil
}
