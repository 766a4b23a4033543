package enforcement

import (
	"context"
	"time"
)

// Transport is the chat platform as seen by the orchestrator. Every call may fail with an
// error wrapping errors.ErrTransportFailure or errors.ErrNoPrivileges.
type Transport interface {
	SendMessage(ctx context.Context, msg OutgoingMessage) (int, error)
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	BanMember(ctx context.Context, chatID, userID int64, until time.Time) error
	UnbanMember(ctx context.Context, chatID, userID int64) error
	RestrictMember(ctx context.Context, chatID, userID int64, until time.Time) error
	UnrestrictMember(ctx context.Context, chatID, userID int64) error
	GetChatAdminStatus(ctx context.Context, chatID int64) (AdminStatus, error)
}

type OutgoingMessage struct {
	ChatID    int64
	Text      string
	ParseMode string
	ReplyTo   int
	Buttons   [][]Button
}

type Button struct {
	Text string
	Data string
}

// AdminStatus describes the bot's own rights in a chat.
type AdminStatus struct {
	IsAdmin           bool
	CanDeleteMessages bool
	CanRestrict       bool
}
