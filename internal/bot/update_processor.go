package bot

import (
	"context"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/doorman/internal/admission"
	"github.com/iamwavecut/doorman/internal/db"
	"github.com/iamwavecut/doorman/internal/doorman"
	"github.com/iamwavecut/doorman/internal/moderation"
)

const (
	UpdateTimeout = 5 * time.Minute
)

type (
	UpdateProcessor struct {
		updateHandlers []Handler
	}

	MessageType string
)

const (
	MessageTypeText              MessageType = "text"
	MessageTypeAnimation         MessageType = "animation"
	MessageTypeAudio             MessageType = "audio"
	MessageTypeContact           MessageType = "contact"
	MessageTypeDice              MessageType = "dice"
	MessageTypeDocument          MessageType = "document"
	MessageTypeGame              MessageType = "game"
	MessageTypeInvoice           MessageType = "invoice"
	MessageTypeLocation          MessageType = "location"
	MessageTypePhoto             MessageType = "photo"
	MessageTypePoll              MessageType = "poll"
	MessageTypeSticker           MessageType = "sticker"
	MessageTypeStory             MessageType = "story"
	MessageTypeVenue             MessageType = "venue"
	MessageTypeVideo             MessageType = "video"
	MessageTypeVideoNote         MessageType = "video_note"
	MessageTypeVoice             MessageType = "voice"
	MessageTypeEditedMessage     MessageType = "edited_message"
	MessageTypeChannelPost       MessageType = "channel_post"
	MessageTypeEditedChannelPost MessageType = "edited_channel_post"
	MessageTypePollAnswer        MessageType = "poll_answer"
	MessageTypeMyChatMember      MessageType = "my_chat_member"
	MessageTypeChatMember        MessageType = "chat_member"
	MessageTypeChatJoinRequest   MessageType = "chat_join_request"
	MessageTypeChatBoost         MessageType = "chat_boost"
)

// Handler reacts to one update. Returning proceed=false stops the chain.
type Handler interface {
	Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (proceed bool, err error)
}

type (
	// Doorman is the moderation surface the handlers drive.
	Doorman interface {
		EvaluateMessage(ctx context.Context, msg moderation.Message) moderation.Decision
		IssueChallenge(ctx context.Context, chatID, userID int64, join admission.JoinContext) *admission.Challenge
		AttachChallengeMessage(key db.ChallengeKey, messageID int) bool
		CancelChallenge(ctx context.Context, key db.ChallengeKey) bool
		Challenge(key db.ChallengeKey) (admission.Challenge, bool)
		SubmitAnswer(ctx context.Context, key db.ChallengeKey, answer int) bool
		ManualApprove(ctx context.Context, id db.Identity) bool
		ManualBan(ctx context.Context, id db.Identity, messageIDs ...int) bool
		Unban(ctx context.Context, id db.Identity) bool
		ReportSpam(ctx context.Context, id db.Identity, text string, messageIDs ...int) bool
		SetDeepScrutiny(id db.Identity, enabled bool) bool
		Stats() doorman.Stats
	}

	// BotAPI is the raw client part the handlers use besides the transport.
	BotAPI interface {
		Request(c api.Chattable) (*api.APIResponse, error)
		GetChatMember(config api.GetChatMemberConfig) (api.ChatMember, error)
	}
)

func NewUpdateProcessor(handlers ...Handler) *UpdateProcessor {
	return &UpdateProcessor{updateHandlers: handlers}
}

func (up *UpdateProcessor) Process(ctx context.Context, u *api.Update) error {
	if u == nil {
		return errors.New("update is nil")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	var updateTime time.Time
	switch {
	case u.Message != nil:
		updateTime = time.Unix(int64(u.Message.Date), 0)
	case u.EditedMessage != nil:
		updateTime = time.Unix(int64(u.EditedMessage.Date), 0)
	default:
		updateTime = time.Now()
	}
	if time.Since(updateTime) > UpdateTimeout {
		log.WithFields(log.Fields{
			"update_time": updateTime,
			"age":         time.Since(updateTime),
		}).Debug("Skipping outdated update")
		return nil
	}

	chat := u.FromChat()
	if chat == nil && u.ChatMember != nil {
		chat = &u.ChatMember.Chat
	}
	user := u.SentFrom()
	if user == nil && u.ChatMember != nil {
		user = &u.ChatMember.From
	}
	if chat == nil || user == nil {
		return nil
	}

	for _, handler := range up.updateHandlers {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		proceed, err := handler.Handle(ctx, u, chat, user)
		if err != nil {
			return errors.WithMessage(err, "handling error")
		}
		if !proceed {
			log.Trace("not proceeding")
			return nil
		}
	}
	return nil
}

// Updater is the long-polling part of the bot client.
type Updater interface {
	GetUpdates(config api.UpdateConfig) ([]api.Update, error)
}

func GetUpdatesChans(ctx context.Context, bot Updater, buffer int, config api.UpdateConfig) (api.UpdatesChannel, chan error) {
	ch := make(chan api.Update, buffer)
	chErr := make(chan error, 1)

	go func() {
		defer close(ch)
		defer close(chErr)
		for {
			select {
			case <-ctx.Done():
				chErr <- ctx.Err()
				return
			default:
				updates, err := bot.GetUpdates(config)
				if err != nil {
					chErr <- err
					return
				}

				for _, update := range updates {
					if update.UpdateID >= config.Offset {
						config.Offset = update.UpdateID + 1
						select {
						case ch <- update:
						case <-ctx.Done():
							chErr <- ctx.Err()
							return
						}
					}
				}
			}
		}
	}()

	return ch, chErr
}

func GetUN(user *api.User) string {
	if user == nil {
		return ""
	}
	userName := user.UserName
	if len(userName) == 0 {
		userName = user.FirstName + " " + user.LastName
		userName = strings.TrimSpace(userName)
	}
	return userName
}

func GetFullName(user *api.User) string {
	if user == nil {
		return ""
	}
	fullName := user.FirstName + " " + user.LastName
	fullName = strings.TrimSpace(fullName)
	if len(fullName) == 0 {
		fullName = user.UserName
	}
	return fullName
}

// ExtractContentFromMessage returns the text the sender wrote: text, caption and the
// free-form parts of polls and venues. Button labels and media kinds are left out so the
// same message always yields the same string.
func ExtractContentFromMessage(msg *api.Message) string {
	parts := []string{msg.Text, msg.Caption}
	if msg.Poll != nil {
		parts = append(parts, msg.Poll.Question)
	}
	// venues carry a location too
	if msg.Venue != nil {
		parts = append(parts, msg.Venue.Title, msg.Venue.Address)
	}
	var b strings.Builder
	for _, p := range parts {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	return b.String()
}

func GetMessageType(msg *api.Message) MessageType {
	switch {
	case msg.Animation != nil:
		return MessageTypeAnimation
	case msg.Audio != nil:
		return MessageTypeAudio
	case msg.Contact != nil:
		return MessageTypeContact
	case msg.Dice != nil:
		return MessageTypeDice
	case msg.Document != nil:
		return MessageTypeDocument
	case msg.Game != nil:
		return MessageTypeGame
	case msg.Invoice != nil:
		return MessageTypeInvoice
	case msg.Location != nil:
		return MessageTypeLocation
	case msg.Photo != nil:
		return MessageTypePhoto
	case msg.Poll != nil:
		return MessageTypePoll
	case msg.Sticker != nil:
		return MessageTypeSticker
	case msg.Story != nil:
		return MessageTypeStory
	case msg.Venue != nil:
		return MessageTypeVenue
	case msg.Video != nil:
		return MessageTypeVideo
	case msg.VideoNote != nil:
		return MessageTypeVideoNote
	case msg.Voice != nil:
		return MessageTypeVoice
	default:
		return MessageTypeText
	}
}
