package bot

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/doorman/internal/admission"
	"github.com/iamwavecut/doorman/internal/db"
	"github.com/iamwavecut/doorman/internal/enforcement"
	"github.com/iamwavecut/doorman/internal/i18n"
)

const (
	captchaPrefix     = "c"
	captchaButtonsRow = 4
)

var challengeKeys = []string{
	"Hello, %s! We want to be sure you're not a bot, so please select %s. If not, we might have to say goodbye. Thanks for understanding!",
	"Hey %s! To keep this group human-only, could you please choose %s? If you don't, we'll have to say bye-bye. Thanks for your cooperation!",
	"Welcome, %s! We need your help to keep this group human-only. Could you please select %s? If you can't, we might have to remove you. Thanks for your understanding!",
}

type GatekeeperOptions struct {
	// BanDuration is only used to tell late joiners when to come back.
	BanDuration time.Duration
}

// Gatekeeper challenges newcomers and checks their answers.
type Gatekeeper struct {
	doorman   Doorman
	transport enforcement.Transport
	bot       BotAPI
	opts      GatekeeperOptions
	intn      func(n int) int
}

func NewGatekeeper(d Doorman, transport enforcement.Transport, bot BotAPI, opts GatekeeperOptions) *Gatekeeper {
	if opts.BanDuration <= 0 {
		opts.BanDuration = 20 * time.Minute
	}
	return &Gatekeeper{
		doorman:   d,
		transport: transport,
		bot:       bot,
		opts:      opts,
		intn:      rand.Intn,
	}
}

func (g *Gatekeeper) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (bool, error) {
	switch {
	case u.Message != nil && len(u.Message.NewChatMembers) > 0:
		g.handleJoin(ctx, u.Message, chat)
		return false, nil
	case u.CallbackQuery != nil && strings.HasPrefix(u.CallbackQuery.Data, captchaPrefix+";"):
		return false, g.handleChallenge(ctx, u.CallbackQuery, chat, user)
	}
	return true, nil
}

func (g *Gatekeeper) handleJoin(ctx context.Context, msg *api.Message, chat *api.Chat) {
	entry := g.getLogEntry().WithField("method", "handleJoin").WithField("chat_id", chat.ID)
	if chat.IsPrivate() {
		return
	}

	for i := range msg.NewChatMembers {
		member := &msg.NewChatMembers[i]
		if member.IsBot {
			continue
		}
		ch := g.doorman.IssueChallenge(ctx, chat.ID, member.ID, admission.JoinContext{
			JoinMessageID: msg.MessageID,
			Username:      member.UserName,
			FullName:      GetFullName(member),
			Language:      member.LanguageCode,
		})
		if ch == nil {
			continue
		}

		lang := language(member.LanguageCode)
		text := fmt.Sprintf(
			i18n.Get(challengeKeys[g.intn(len(challengeKeys))], lang),
			mention(member),
			"*"+strconv.Itoa(ch.Answer)+"*",
		)
		messageID, err := g.transport.SendMessage(ctx, enforcement.OutgoingMessage{
			ChatID:    chat.ID,
			Text:      text,
			ParseMode: api.ModeMarkdown,
			ReplyTo:   msg.MessageID,
			Buttons:   captchaButtons(ch),
		})
		if err != nil {
			entry.WithField("error", err.Error()).WithField("user_id", member.ID).Error("cant send challenge")
			g.doorman.CancelChallenge(ctx, ch.Key)
			continue
		}
		g.doorman.AttachChallengeMessage(ch.Key, messageID)
		entry.WithField("user", GetUN(member)).Debug("challenge sent")
	}
}

func (g *Gatekeeper) handleChallenge(ctx context.Context, cq *api.CallbackQuery, chat *api.Chat, user *api.User) error {
	entry := g.getLogEntry().WithField("method", "handleChallenge")
	entry.WithFields(log.Fields{
		"data": cq.Data,
		"user": GetUN(user),
		"chat": chat.ID,
	}).Debug("callback query data")

	joinerID, answer, nonce, err := DecodeCaptchaCallback(cq.Data)
	if err != nil {
		entry.WithField("error", err.Error()).Error("callback query data is invalid")
		return err
	}
	lang := language(user.LanguageCode)

	if user.ID != joinerID {
		g.answer(cq.ID, i18n.Get("Stop it! You're too real", lang), false)
		return nil
	}

	key := db.ChallengeKey{ChatID: chat.ID, UserID: joinerID}
	ch, ok := g.doorman.Challenge(key)
	if !ok || ch.Nonce != nonce {
		g.answer(cq.ID, i18n.Get("This challenge isn't your concern", lang), false)
		return nil
	}

	switch {
	case g.doorman.SubmitAnswer(ctx, key, answer):
		g.answer(cq.ID, i18n.Get("Welcome, friend!", lang), false)
	case g.stillOpen(key):
		g.answer(cq.ID, i18n.Get("Wrong answer, try again", lang), false)
	default:
		minutes := int(g.opts.BanDuration.Minutes())
		if minutes < 1 {
			minutes = 1
		}
		g.answer(cq.ID, fmt.Sprintf(i18n.Get("Too late! You can try again in %s minutes.", lang), strconv.Itoa(minutes)), true)
	}
	return nil
}

func (g *Gatekeeper) stillOpen(key db.ChallengeKey) bool {
	_, ok := g.doorman.Challenge(key)
	return ok
}

func (g *Gatekeeper) answer(callbackID, text string, alert bool) {
	cfg := api.NewCallback(callbackID, text)
	if alert {
		cfg = api.NewCallbackWithAlert(callbackID, text)
	}
	if _, err := g.bot.Request(cfg); err != nil {
		g.getLogEntry().WithField("error", err.Error()).Error("cant answer callback query")
	}
}

func captchaButtons(ch *admission.Challenge) [][]enforcement.Button {
	rows := make([][]enforcement.Button, 0, len(ch.Options)/captchaButtonsRow+1)
	var row []enforcement.Button
	for _, option := range ch.Options {
		row = append(row, enforcement.Button{
			Text: strconv.Itoa(option),
			Data: EncodeCaptchaCallback(ch.Key.UserID, option, ch.Nonce),
		})
		if len(row) == captchaButtonsRow {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return rows
}

// EncodeCaptchaCallback packs a captcha answer button as "c;<user id>;<answer>;<nonce>".
func EncodeCaptchaCallback(userID int64, answer int, nonce string) string {
	return strings.Join([]string{captchaPrefix, strconv.FormatInt(userID, 10), strconv.Itoa(answer), nonce}, ";")
}

func DecodeCaptchaCallback(data string) (userID int64, answer int, nonce string, err error) {
	parts := strings.Split(data, ";")
	if len(parts) != 4 || parts[0] != captchaPrefix {
		return 0, 0, "", errors.New("invalid string to split")
	}
	if userID, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return 0, 0, "", errors.New("cant parse user ID")
	}
	if answer, err = strconv.Atoi(parts[2]); err != nil {
		return 0, 0, "", errors.New("cant parse answer")
	}
	if parts[3] == "" {
		return 0, 0, "", errors.New("empty nonce")
	}
	return userID, answer, parts[3], nil
}

func mention(user *api.User) string {
	return fmt.Sprintf("[%s](tg://user?id=%d)", api.EscapeText(api.ModeMarkdown, GetFullName(user)), user.ID)
}

// language maps a client language code to a supported one, empty for the default.
func language(code string) string {
	if code == "" {
		return ""
	}
	code = strings.ToLower(strings.SplitN(code, "-", 2)[0])
	if i18n.IsSupported(code) {
		return code
	}
	return ""
}

func (g *Gatekeeper) getLogEntry() *log.Entry {
	return log.WithField("object", "Gatekeeper")
}
