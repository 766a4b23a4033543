package bot

import (
	"context"
	"reflect"
	"strings"
	"testing"

	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/iamwavecut/doorman/internal/db"
	"github.com/iamwavecut/doorman/internal/enforcement"
)

const adminChatID int64 = -900

func newAdmin(result bool) (*Admin, *doormanStub, *transportStub, *botStub) {
	d := &doormanStub{result: result}
	tr := &transportStub{}
	b := &botStub{statuses: map[int64]api.ChatMember{
		adminID: {Status: "administrator", CanRestrictMembers: true},
	}}
	return NewAdmin(d, tr, b, adminChatID), d, tr, b
}

func TestAdminCommands(t *testing.T) {
	t.Parallel()

	target := &api.Message{
		MessageID: 50,
		From:      &api.User{ID: joinerID},
		Text:      "buy crypto now",
	}
	tests := []struct {
		name      string
		text      string
		from      int64
		reply     *api.Message
		calls     []string
		wantReply string
	}{
		{
			name:  "ban",
			text:  "/ban",
			from:  adminID,
			reply: target,
			calls: []string{"spam -100500/42 [50 77]"},
		},
		{
			name:      "approve",
			text:      "/approve",
			from:      adminID,
			reply:     target,
			calls:     []string{"approve -100500/42"},
			wantReply: "Done",
		},
		{
			name:      "scrutiny",
			text:      "/scrutiny",
			from:      adminID,
			reply:     target,
			calls:     []string{"scrutiny -100500/42 true"},
			wantReply: "Done",
		},
		{
			name:      "not-a-reply",
			text:      "/ban",
			from:      adminID,
			wantReply: "This command must be used as a reply to a message",
		},
		{
			name:      "not-a-moderator",
			text:      "/ban",
			from:      joinerID,
			reply:     target,
			wantReply: "Only moderators can use this command",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a, d, tr, _ := newAdmin(true)
			from := &api.User{ID: tt.from}
			u := &api.Update{Message: commandMessage(tt.text, from, tt.reply)}
			proceed, err := a.Handle(context.Background(), u, group(), from)
			if err != nil || proceed {
				t.Fatalf("got %v %v", proceed, err)
			}
			if !reflect.DeepEqual(d.calls, tt.calls) {
				t.Fatalf("calls %v, want %v", d.calls, tt.calls)
			}
			if tt.wantReply == "" {
				if len(tr.sent) != 0 {
					t.Fatalf("unexpected replies %+v", tr.sent)
				}
				return
			}
			if len(tr.sent) != 1 || tr.sent[0].Text != tt.wantReply || tr.sent[0].ReplyTo != 77 {
				t.Fatalf("replies %+v, want %q", tr.sent, tt.wantReply)
			}
		})
	}
}

func TestAdminBanCarriesMessageText(t *testing.T) {
	t.Parallel()

	a, d, _, _ := newAdmin(true)
	from := &api.User{ID: adminID}
	reply := &api.Message{MessageID: 50, From: &api.User{ID: joinerID}, Caption: "free money"}
	if _, err := a.Handle(context.Background(), &api.Update{Message: commandMessage("/ban", from, reply)}, group(), from); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if d.reportText != "free money" {
		t.Fatalf("reported text %q", d.reportText)
	}
}

func TestAdminBanReportsModeratedText(t *testing.T) {
	t.Parallel()

	a, d, _, _ := newAdmin(true)
	from := &api.User{ID: adminID}
	reply := &api.Message{
		MessageID: 50,
		Chat:      *group(),
		From:      &api.User{ID: joinerID},
		Caption:   "free money",
		Photo:     []api.PhotoSize{{FileID: "p"}},
		ReplyMarkup: &api.InlineKeyboardMarkup{InlineKeyboard: [][]api.InlineKeyboardButton{
			{api.NewInlineKeyboardButtonData("claim", "claim")},
		}},
	}
	if _, err := a.Handle(context.Background(), &api.Update{Message: commandMessage("/ban", from, reply)}, group(), from); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if moderated := ToModerationMessage(reply, false).Text; d.reportText != moderated {
		t.Fatalf("reported %q, moderated %q", d.reportText, moderated)
	}
}

func TestAdminStats(t *testing.T) {
	t.Parallel()

	a, _, tr, _ := newAdmin(true)
	from := &api.User{ID: joinerID}
	msg := commandMessage("/stats", from, nil)
	msg.Chat = api.Chat{ID: adminChatID, Type: "supergroup"}
	chat := msg.Chat
	if _, err := a.Handle(context.Background(), &api.Update{Message: msg}, &chat, from); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(tr.sent) != 1 || !strings.Contains(tr.sent[0].Text, "Trust records: 3") {
		t.Fatalf("stats reply %+v", tr.sent)
	}
}

func TestAdminIgnoresForeignCommands(t *testing.T) {
	t.Parallel()

	a, d, tr, _ := newAdmin(true)
	from := &api.User{ID: adminID}
	proceed, err := a.Handle(context.Background(), &api.Update{Message: commandMessage("/start", from, nil)}, group(), from)
	if err != nil || !proceed {
		t.Fatalf("got %v %v", proceed, err)
	}
	if len(d.calls) != 0 || len(tr.sent) != 0 {
		t.Fatalf("unexpected activity %v %+v", d.calls, tr.sent)
	}
}

func TestAdminCallbacks(t *testing.T) {
	t.Parallel()

	id := db.Identity{UserID: joinerID, ChatID: groupID}
	tests := []struct {
		name   string
		action enforcement.AdminAction
		from   int64
		result bool
		call   string
		answer string
	}{
		{name: "approve", action: enforcement.ActionApprove, from: adminID, result: true, call: "approve -100500/42", answer: "Done"},
		{name: "unban", action: enforcement.ActionUnban, from: adminID, result: true, call: "unban -100500/42", answer: "Done"},
		{name: "ban-failed", action: enforcement.ActionBan, from: adminID, call: "ban -100500/42", answer: "Action failed"},
		{name: "spam", action: enforcement.ActionSpam, from: adminID, result: true, call: "spam -100500/42 []", answer: "Done"},
		{name: "not-a-moderator", action: enforcement.ActionBan, from: joinerID, answer: "Only moderators can use this command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a, d, _, b := newAdmin(tt.result)
			from := &api.User{ID: tt.from}
			u := &api.Update{CallbackQuery: &api.CallbackQuery{
				ID:   "cb",
				From: from,
				Data: enforcement.EncodeAdminCallback(tt.action, id),
				Message: &api.Message{
					MessageID: 9,
					Chat:      api.Chat{ID: adminChatID, Type: "supergroup"},
					Text:      "Suspicious message\nReason: stop words\nclick here to win",
				},
			}}
			chat := u.CallbackQuery.Message.Chat
			proceed, err := a.Handle(context.Background(), u, &chat, from)
			if err != nil || proceed {
				t.Fatalf("got %v %v", proceed, err)
			}
			var calls []string
			if tt.call != "" {
				calls = []string{tt.call}
			}
			if !reflect.DeepEqual(d.calls, calls) {
				t.Fatalf("calls %v, want %v", d.calls, calls)
			}
			if texts := b.callbackTexts(); len(texts) != 1 || texts[0] != tt.answer {
				t.Fatalf("answers %q, want %q", texts, tt.answer)
			}
			if tt.action == enforcement.ActionSpam && d.reportText != "click here to win" {
				t.Fatalf("reported text %q", d.reportText)
			}
		})
	}
}

func TestNoticeBody(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                          "",
		"header\nreason":            "",
		"header\nreason\nbody":      "body",
		"h\nr\nline one\nline two ": "line one\nline two",
	}
	for in, want := range tests {
		if got := noticeBody(in); got != want {
			t.Fatalf("noticeBody(%q) = %q, want %q", in, got, want)
		}
	}
}
