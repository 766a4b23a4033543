package bot

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"

	"github.com/iamwavecut/doorman/internal/moderation"
)

type handlerFunc func(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (bool, error)

func (f handlerFunc) Handle(ctx context.Context, u *api.Update, chat *api.Chat, user *api.User) (bool, error) {
	return f(ctx, u, chat, user)
}

func recorder(name string, proceed bool, err error, seen *[]string) Handler {
	return handlerFunc(func(context.Context, *api.Update, *api.Chat, *api.User) (bool, error) {
		*seen = append(*seen, name)
		return proceed, err
	})
}

func textUpdate(date time.Time) *api.Update {
	return &api.Update{Message: &api.Message{
		MessageID: 1,
		Date:      int(date.Unix()),
		Chat:      *group(),
		From:      &api.User{ID: joinerID},
		Text:      "hello",
	}}
}

func TestProcessChain(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tests := []struct {
		name    string
		build   func(seen *[]string) []Handler
		update  *api.Update
		want    []string
		wantErr bool
	}{
		{
			name: "all-proceed",
			build: func(seen *[]string) []Handler {
				return []Handler{recorder("a", true, nil, seen), recorder("b", true, nil, seen)}
			},
			update: textUpdate(time.Now()),
			want:   []string{"a", "b"},
		},
		{
			name: "stop",
			build: func(seen *[]string) []Handler {
				return []Handler{recorder("a", false, nil, seen), recorder("b", true, nil, seen)}
			},
			update: textUpdate(time.Now()),
			want:   []string{"a"},
		},
		{
			name: "error",
			build: func(seen *[]string) []Handler {
				return []Handler{recorder("a", true, boom, seen), recorder("b", true, nil, seen)}
			},
			update:  textUpdate(time.Now()),
			want:    []string{"a"},
			wantErr: true,
		},
		{
			name: "outdated",
			build: func(seen *[]string) []Handler {
				return []Handler{recorder("a", true, nil, seen)}
			},
			update: textUpdate(time.Now().Add(-time.Hour)),
		},
		{
			name: "no-sender",
			build: func(seen *[]string) []Handler {
				return []Handler{recorder("a", true, nil, seen)}
			},
			update: &api.Update{Poll: &api.Poll{ID: "p"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var seen []string
			err := NewUpdateProcessor(tt.build(&seen)...).Process(context.Background(), tt.update)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !reflect.DeepEqual(seen, tt.want) {
				t.Fatalf("seen %v, want %v", seen, tt.want)
			}
		})
	}
}

func TestProcessNilUpdate(t *testing.T) {
	t.Parallel()

	if err := NewUpdateProcessor().Process(context.Background(), nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestModeratorHandle(t *testing.T) {
	t.Parallel()

	d := &doormanStub{decision: moderation.Decision{Action: moderation.ActionDelete, Reason: "stop words"}}
	m := NewModerator(d)
	u := textUpdate(time.Now())
	proceed, err := m.Handle(context.Background(), u, group(), u.Message.From)
	if err != nil || proceed {
		t.Fatalf("deleted message must stop the chain, got %v %v", proceed, err)
	}
	if len(d.evaluated) != 1 || d.evaluated[0].Text != "hello" || d.evaluated[0].Edited {
		t.Fatalf("evaluated %+v", d.evaluated)
	}

	edited := &api.Update{EditedMessage: u.Message}
	d.decision = moderation.Decision{}
	proceed, err = m.Handle(context.Background(), edited, group(), u.Message.From)
	if err != nil || !proceed {
		t.Fatalf("allowed edit must proceed, got %v %v", proceed, err)
	}
	if !d.evaluated[1].Edited {
		t.Fatalf("edit flag lost")
	}
}

func TestModeratorSkips(t *testing.T) {
	t.Parallel()

	from := &api.User{ID: joinerID}
	tests := map[string]struct {
		msg  *api.Message
		chat *api.Chat
		user *api.User
	}{
		"bot":      {msg: &api.Message{From: &api.User{ID: 1, IsBot: true}, Text: "x"}, chat: group(), user: &api.User{ID: 1, IsBot: true}},
		"private":  {msg: &api.Message{From: from, Text: "x"}, chat: &api.Chat{ID: joinerID, Type: "private"}, user: from},
		"command":  {msg: commandMessage("/stats", from, nil), chat: group(), user: from},
		"service":  {msg: &api.Message{From: from, LeftChatMember: from}, chat: group(), user: from},
		"no-from":  {msg: &api.Message{Text: "x"}, chat: group(), user: from},
		"new-chat": {msg: &api.Message{From: from, NewChatTitle: "renamed"}, chat: group(), user: from},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			d := &doormanStub{}
			proceed, err := NewModerator(d).Handle(context.Background(), &api.Update{Message: tt.msg}, tt.chat, tt.user)
			if err != nil || !proceed {
				t.Fatalf("got %v %v", proceed, err)
			}
			if len(d.evaluated) != 0 {
				t.Fatalf("message must not be evaluated")
			}
		})
	}
}

func TestToModerationMessage(t *testing.T) {
	t.Parallel()

	msg := &api.Message{
		MessageID: 5,
		Chat:      *group(),
		From:      &api.User{ID: joinerID, UserName: "ann", FirstName: "Ann", LastName: "Lee"},
		Sticker:   &api.Sticker{FileID: "s"},
	}
	got := ToModerationMessage(msg, false)
	if !got.HasMedia || got.Text != "" || got.UserID != joinerID || got.ChatID != groupID || got.Username != "ann" {
		t.Fatalf("unexpected conversion %+v", got)
	}

	msg = &api.Message{
		MessageID: 6,
		Chat:      *group(),
		From:      &api.User{ID: joinerID},
		Text:      "see this",
		ReplyMarkup: &api.InlineKeyboardMarkup{InlineKeyboard: [][]api.InlineKeyboardButton{
			{api.NewInlineKeyboardButtonData("go", "go")},
		}},
	}
	got = ToModerationMessage(msg, true)
	if got.HasMedia || !got.HasButtons || !got.Edited || got.Text != "see this" {
		t.Fatalf("unexpected conversion %+v", got)
	}
}

func TestExtractContentFromMessage(t *testing.T) {
	t.Parallel()

	buttons := &api.InlineKeyboardMarkup{InlineKeyboard: [][]api.InlineKeyboardButton{
		{api.NewInlineKeyboardButtonURL("claim prize", "https://example.com")},
	}}
	tests := map[string]struct {
		msg  *api.Message
		want string
	}{
		"text":         {msg: &api.Message{Text: "  hello  "}, want: "hello"},
		"caption":      {msg: &api.Message{Caption: "free money", Photo: []api.PhotoSize{{FileID: "p"}}}, want: "free money"},
		"buttons":      {msg: &api.Message{Text: "see this", ReplyMarkup: buttons}, want: "see this"},
		"poll":         {msg: &api.Message{Poll: &api.Poll{Question: "earn $500 a day?"}}, want: "earn $500 a day?"},
		"venue":        {msg: &api.Message{Venue: &api.Venue{Title: "Crypto office", Address: "Main st 1"}}, want: "Crypto office Main st 1"},
		"bare-video":   {msg: &api.Message{Video: &api.Video{FileID: "v"}}, want: ""},
		"text-caption": {msg: &api.Message{Text: "a", Caption: "b"}, want: "a b"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if got := ExtractContentFromMessage(tt.msg); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

type updaterStub struct {
	mu      sync.Mutex
	batches [][]api.Update
	offsets []int
	fail    bool
}

func (u *updaterStub) GetUpdates(config api.UpdateConfig) ([]api.Update, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.offsets = append(u.offsets, config.Offset)
	if len(u.batches) == 0 {
		if u.fail {
			u.fail = false
			return nil, errors.New("network down")
		}
		u.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		u.mu.Lock()
		return nil, nil
	}
	batch := u.batches[0]
	u.batches = u.batches[1:]
	return batch, nil
}

func TestPollerDispatchesAndRestarts(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []int
	processed := make(chan struct{}, 4)
	handler := handlerFunc(func(_ context.Context, u *api.Update, _ *api.Chat, _ *api.User) (bool, error) {
		mu.Lock()
		seen = append(seen, u.UpdateID)
		mu.Unlock()
		processed <- struct{}{}
		return true, nil
	})

	first, second := textUpdate(time.Now()), textUpdate(time.Now())
	first.UpdateID, second.UpdateID = 10, 11
	updater := &updaterStub{batches: [][]api.Update{{*first}}, fail: true}
	poller := NewPoller(updater, NewUpdateProcessor(handler), api.NewUpdate(0))
	poller.backoff = time.Millisecond

	ctx := context.Background()
	if err := poller.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitProcessed(t, processed)

	updater.mu.Lock()
	updater.batches = append(updater.batches, []api.Update{*second})
	updater.mu.Unlock()
	waitProcessed(t, processed)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := poller.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(seen, []int{10, 11}) {
		t.Fatalf("seen %v", seen)
	}
	updater.mu.Lock()
	defer updater.mu.Unlock()
	for _, offset := range updater.offsets[1:] {
		if offset != 0 && offset < 11 {
			t.Fatalf("update replayed, offsets %v", updater.offsets)
		}
	}
}

func waitProcessed(t *testing.T, processed <-chan struct{}) {
	t.Helper()
	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatalf("update not processed")
	}
}
