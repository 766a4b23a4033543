package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/iamwavecut/doorman/internal/admission"
	"github.com/iamwavecut/doorman/internal/db"
	"github.com/iamwavecut/doorman/internal/doorman"
	"github.com/iamwavecut/doorman/internal/enforcement"
	"github.com/iamwavecut/doorman/internal/moderation"
)

const (
	groupID  int64 = -100500
	joinerID int64 = 42
	adminID  int64 = 7
)

type doormanStub struct {
	mu         sync.Mutex
	calls      []string
	challenge  *admission.Challenge
	open       bool
	correct    int
	decision   moderation.Decision
	evaluated  []moderation.Message
	reportText string
	result     bool
	// expire closes the challenge on any wrong answer.
	expire bool
}

func (d *doormanStub) record(format string, args ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
}

func (d *doormanStub) EvaluateMessage(_ context.Context, msg moderation.Message) moderation.Decision {
	d.evaluated = append(d.evaluated, msg)
	if d.decision.Action == "" {
		return moderation.Decision{Action: moderation.ActionAllow}
	}
	return d.decision
}

func (d *doormanStub) IssueChallenge(_ context.Context, chatID, userID int64, _ admission.JoinContext) *admission.Challenge {
	d.record("issue %d/%d", chatID, userID)
	if d.challenge == nil {
		return nil
	}
	d.open = true
	ch := *d.challenge
	return &ch
}

func (d *doormanStub) AttachChallengeMessage(_ db.ChallengeKey, messageID int) bool {
	d.record("attach %d", messageID)
	return true
}

func (d *doormanStub) CancelChallenge(_ context.Context, key db.ChallengeKey) bool {
	d.record("cancel %s", key)
	open := d.open
	d.open = false
	return open
}

func (d *doormanStub) Challenge(db.ChallengeKey) (admission.Challenge, bool) {
	if d.challenge == nil || !d.open {
		return admission.Challenge{}, false
	}
	return *d.challenge, true
}

func (d *doormanStub) SubmitAnswer(_ context.Context, _ db.ChallengeKey, answer int) bool {
	d.record("answer %d", answer)
	if answer == d.correct {
		d.open = false
		return true
	}
	if d.expire {
		d.open = false
	}
	return false
}

func (d *doormanStub) ManualApprove(_ context.Context, id db.Identity) bool {
	d.record("approve %d/%d", id.ChatID, id.UserID)
	return d.result
}

func (d *doormanStub) ManualBan(_ context.Context, id db.Identity, _ ...int) bool {
	d.record("ban %d/%d", id.ChatID, id.UserID)
	return d.result
}

func (d *doormanStub) Unban(_ context.Context, id db.Identity) bool {
	d.record("unban %d/%d", id.ChatID, id.UserID)
	return d.result
}

func (d *doormanStub) ReportSpam(_ context.Context, id db.Identity, text string, messageIDs ...int) bool {
	d.record("spam %d/%d %v", id.ChatID, id.UserID, messageIDs)
	d.reportText = text
	return d.result
}

func (d *doormanStub) SetDeepScrutiny(id db.Identity, enabled bool) bool {
	d.record("scrutiny %d/%d %v", id.ChatID, id.UserID, enabled)
	return d.result
}

func (d *doormanStub) Stats() doorman.Stats {
	return doorman.Stats{TrustRecords: 3, Challenges: 1}
}

type transportStub struct {
	sent    []enforcement.OutgoingMessage
	nextID  int
	sendErr error
}

func (t *transportStub) SendMessage(_ context.Context, msg enforcement.OutgoingMessage) (int, error) {
	if t.sendErr != nil {
		return 0, t.sendErr
	}
	t.sent = append(t.sent, msg)
	t.nextID++
	return 1000 + t.nextID, nil
}

func (t *transportStub) DeleteMessage(context.Context, int64, int) error { return nil }

func (t *transportStub) BanMember(context.Context, int64, int64, time.Time) error { return nil }

func (t *transportStub) UnbanMember(context.Context, int64, int64) error { return nil }

func (t *transportStub) RestrictMember(context.Context, int64, int64, time.Time) error { return nil }

func (t *transportStub) UnrestrictMember(context.Context, int64, int64) error { return nil }

func (t *transportStub) GetChatAdminStatus(context.Context, int64) (enforcement.AdminStatus, error) {
	return enforcement.AdminStatus{IsAdmin: true, CanDeleteMessages: true, CanRestrict: true}, nil
}

type botStub struct {
	requests []api.Chattable
	statuses map[int64]api.ChatMember
}

func (b *botStub) Request(c api.Chattable) (*api.APIResponse, error) {
	b.requests = append(b.requests, c)
	return &api.APIResponse{Ok: true}, nil
}

func (b *botStub) GetChatMember(config api.GetChatMemberConfig) (api.ChatMember, error) {
	member, ok := b.statuses[config.UserID]
	if !ok {
		return api.ChatMember{Status: "member"}, nil
	}
	return member, nil
}

func (b *botStub) callbackTexts() []string {
	var texts []string
	for _, req := range b.requests {
		if cb, ok := req.(api.CallbackConfig); ok {
			texts = append(texts, cb.Text)
		}
	}
	return texts
}

func group() *api.Chat {
	return &api.Chat{ID: groupID, Type: "supergroup"}
}

func commandMessage(text string, from *api.User, reply *api.Message) *api.Message {
	command := text
	for i, r := range text {
		if r == ' ' {
			command = text[:i]
			break
		}
	}
	return &api.Message{
		MessageID: 77,
		Date:      int(time.Now().Unix()),
		Chat:      *group(),
		From:      from,
		Text:      text,
		Entities: []api.MessageEntity{
			{Type: "bot_command", Offset: 0, Length: len(command)},
		},
		ReplyToMessage: reply,
	}
}
