package bot

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/iamwavecut/doorman/internal/admission"
	"github.com/iamwavecut/doorman/internal/db"
)

func TestCaptchaCallbackRoundTrip(t *testing.T) {
	t.Parallel()

	data := EncodeCaptchaCallback(joinerID, 7, "abc")
	if data != "c;42;7;abc" {
		t.Fatalf("unexpected encoding %q", data)
	}
	userID, answer, nonce, err := DecodeCaptchaCallback(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if userID != joinerID || answer != 7 || nonce != "abc" {
		t.Fatalf("decoded %d %d %q", userID, answer, nonce)
	}

	for _, bad := range []string{"", "c;42;7", "x;42;7;abc", "c;me;7;abc", "c;42;seven;abc", "c;42;7;"} {
		if _, _, _, err := DecodeCaptchaCallback(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func newGatekeeper() (*Gatekeeper, *doormanStub, *transportStub, *botStub) {
	d := &doormanStub{
		challenge: &admission.Challenge{
			Key:     db.ChallengeKey{ChatID: groupID, UserID: joinerID},
			Answer:  5,
			Options: []int{1, 2, 3, 4, 5, 6},
			Nonce:   "n1",
		},
		correct: 5,
	}
	tr := &transportStub{}
	b := &botStub{}
	g := NewGatekeeper(d, tr, b, GatekeeperOptions{})
	g.intn = func(int) int { return 0 }
	return g, d, tr, b
}

func joinUpdate(members ...api.User) *api.Update {
	return &api.Update{Message: &api.Message{
		MessageID:      3,
		Chat:           *group(),
		NewChatMembers: members,
	}}
}

func callbackUpdate(from int64, data string) *api.Update {
	return &api.Update{CallbackQuery: &api.CallbackQuery{
		ID:      "cb",
		From:    &api.User{ID: from},
		Data:    data,
		Message: &api.Message{MessageID: 1001, Chat: *group()},
	}}
}

func TestGatekeeperSendsChallengeOnJoin(t *testing.T) {
	t.Parallel()

	g, d, tr, _ := newGatekeeper()
	u := joinUpdate(
		api.User{ID: 99, IsBot: true, FirstName: "robot"},
		api.User{ID: joinerID, FirstName: "Ann", LanguageCode: "en"},
	)
	proceed, err := g.Handle(context.Background(), u, group(), &api.User{ID: joinerID})
	if err != nil || proceed {
		t.Fatalf("join must stop the chain, got %v %v", proceed, err)
	}

	if want := []string{"issue -100500/42", "attach 1001"}; !reflect.DeepEqual(d.calls, want) {
		t.Fatalf("calls %v, want %v", d.calls, want)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("sent %d messages", len(tr.sent))
	}
	msg := tr.sent[0]
	if msg.ReplyTo != 3 || msg.ParseMode != api.ModeMarkdown {
		t.Fatalf("unexpected message %+v", msg)
	}
	if !strings.Contains(msg.Text, "*5*") || !strings.Contains(msg.Text, "tg://user?id=42") {
		t.Fatalf("challenge text %q", msg.Text)
	}
	if len(msg.Buttons) != 2 || len(msg.Buttons[0]) != captchaButtonsRow || len(msg.Buttons[1]) != 2 {
		t.Fatalf("unexpected keyboard %+v", msg.Buttons)
	}
	if msg.Buttons[1][0].Data != "c;42;5;n1" {
		t.Fatalf("button data %q", msg.Buttons[1][0].Data)
	}
}

func TestGatekeeperCancelsUndeliveredChallenge(t *testing.T) {
	t.Parallel()

	g, d, tr, _ := newGatekeeper()
	tr.sendErr = errors.New("chat write forbidden")
	if _, err := g.Handle(context.Background(), joinUpdate(api.User{ID: joinerID}), group(), &api.User{ID: joinerID}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if want := []string{"issue -100500/42", "cancel -100500_42"}; !reflect.DeepEqual(d.calls, want) {
		t.Fatalf("calls %v, want %v", d.calls, want)
	}
	if _, ok := d.Challenge(db.ChallengeKey{ChatID: groupID, UserID: joinerID}); ok {
		t.Fatalf("undelivered challenge left live")
	}
}

func TestGatekeeperSkipsApprovedJoiner(t *testing.T) {
	t.Parallel()

	g, d, tr, _ := newGatekeeper()
	d.challenge = nil
	if _, err := g.Handle(context.Background(), joinUpdate(api.User{ID: joinerID}), group(), &api.User{ID: joinerID}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(tr.sent) != 0 {
		t.Fatalf("no challenge expected, sent %+v", tr.sent)
	}
}

func TestGatekeeperAnswers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		from   int64
		data   string
		open   bool
		expire bool
		want   string
	}{
		{name: "someone-else", from: 100, data: "c;42;5;n1", open: true, want: "Stop it! You're too real"},
		{name: "stale-nonce", from: joinerID, data: "c;42;5;old", open: true, want: "This challenge isn't your concern"},
		{name: "already-resolved", from: joinerID, data: "c;42;5;n1", want: "This challenge isn't your concern"},
		{name: "correct", from: joinerID, data: "c;42;5;n1", open: true, want: "Welcome, friend!"},
		{name: "wrong", from: joinerID, data: "c;42;2;n1", open: true, want: "Wrong answer, try again"},
		{name: "wrong-and-closed", from: joinerID, data: "c;42;2;n1", open: true, expire: true, want: "Too late! You can try again in 20 minutes."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g, d, _, b := newGatekeeper()
			d.open, d.expire = tt.open, tt.expire
			u := callbackUpdate(tt.from, tt.data)
			proceed, err := g.Handle(context.Background(), u, group(), u.CallbackQuery.From)
			if err != nil || proceed {
				t.Fatalf("got %v %v", proceed, err)
			}
			texts := b.callbackTexts()
			if len(texts) != 1 || texts[0] != tt.want {
				t.Fatalf("answers %q, want %q", texts, tt.want)
			}
		})
	}
}

func TestGatekeeperPassesOtherUpdates(t *testing.T) {
	t.Parallel()

	g, _, _, _ := newGatekeeper()
	u := &api.Update{Message: &api.Message{Text: "hi", Chat: *group()}}
	proceed, err := g.Handle(context.Background(), u, group(), &api.User{ID: joinerID})
	if err != nil || !proceed {
		t.Fatalf("got %v %v", proceed, err)
	}
}

func TestLanguage(t *testing.T) {
	t.Parallel()

	for code, want := range map[string]string{"": "", "ru": "ru", "en-US": "en", "UK": "uk", "xx": ""} {
		if got := language(code); got != want {
			t.Fatalf("language(%q) = %q, want %q", code, got, want)
		}
	}
}
