// Package enforcement executes moderation outcomes against the chat platform and keeps the
// trust, suspicion, violation and challenge state consistent while doing so.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/iamwavecut/tool"
	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/doorman/internal/admission"
	"github.com/iamwavecut/doorman/internal/db"
	derrors "github.com/iamwavecut/doorman/internal/errors"
	"github.com/iamwavecut/doorman/internal/moderation"
	"github.com/iamwavecut/doorman/internal/observability"
)

const (
	adminStatusTTL = 10 * time.Minute
	unbanParked    = 24 * time.Hour
)

type (
	TrustStore interface {
		MarkBanned(id db.Identity, until time.Time, global bool)
		Unban(id db.Identity, global bool)
		Approve(id db.Identity, global bool)
	}

	Ledger interface {
		Clear(id db.Identity)
		ClearUser(userID int64)
	}

	Violations interface {
		Clear(id db.Identity)
	}

	Challenges interface {
		RemoveByKey(key db.ChallengeKey) bool
	}

	// Streaks serializes state cleanup with in-flight evaluations of the same identity.
	Streaks interface {
		ResetStreak(id db.Identity)
		WithIdentity(id db.Identity, fn func())
	}
)

// BanRequest describes one ban. A zero Until bans permanently.
type BanRequest struct {
	Identity   db.Identity
	MessageIDs []int
	Until      time.Time
	Global     bool
	Reason     string
}

type Options struct {
	AdminChatID    int64
	GlobalApproval bool
}

type Dependencies struct {
	Transport  Transport
	Trust      TrustStore
	Ledger     Ledger
	Violations Violations
	Challenges Challenges
	Streaks    Streaks
}

type Orchestrator struct {
	deps Dependencies
	opts Options
	now  func() time.Time

	adminStatus *expirable.LRU[int64, AdminStatus]
	unbans      *xsync.MapOf[db.Identity, *time.Timer]
}

func NewOrchestrator(deps Dependencies, opts Options) *Orchestrator {
	return &Orchestrator{
		deps:        deps,
		opts:        opts,
		now:         time.Now,
		adminStatus: expirable.NewLRU[int64, AdminStatus](1024, nil, adminStatusTTL),
		unbans:      xsync.NewMapOf[db.Identity, *time.Timer](),
	}
}

// SetChallenges wires the challenge table after construction.
func (o *Orchestrator) SetChallenges(c Challenges) {
	o.deps.Challenges = c
}

func (o *Orchestrator) SetStreaks(s Streaks) {
	o.deps.Streaks = s
}

// BanAndCleanup bans the member and clears every per-identity record. Local cleanup runs
// even when the platform calls fail. It returns false only for chats where bans are
// impossible, leaving all state untouched.
func (o *Orchestrator) BanAndCleanup(ctx context.Context, req BanRequest) bool {
	id := req.Identity
	entry := o.getLogEntry().WithFields(log.Fields{
		"method":  "BanAndCleanup",
		"chat_id": id.ChatID,
		"user_id": id.UserID,
	})

	if db.IsPrivateChat(id.ChatID) {
		err := fmt.Errorf("%w: cannot ban in private chat %d", derrors.ErrInvariantViolation, id.ChatID)
		entry.WithField("error", err.Error()).Warn("ban refused")
		o.notifyAdmins(ctx, tool.ExecTemplate(
			`Refused to ban user {{ .user_id }} in private chat {{ .chat_id }}: {{ .reason }}`,
			map[string]any{"user_id": id.UserID, "chat_id": id.ChatID, "reason": req.Reason},
		), nil)
		return false
	}

	for _, messageID := range req.MessageIDs {
		if messageID == 0 {
			continue
		}
		if err := o.deps.Transport.DeleteMessage(ctx, id.ChatID, messageID); err != nil {
			o.transportFailed(entry, "delete_message", err)
		}
	}
	if err := o.deps.Transport.BanMember(ctx, id.ChatID, id.UserID, req.Until); err != nil {
		o.transportFailed(entry, "ban_member", err)
		if errors.Is(err, derrors.ErrNoPrivileges) {
			o.notifyAdmins(ctx, tool.ExecTemplate(
				`Not enough rights to ban user {{ .user_id }} in chat {{ .chat_id }}`,
				map[string]any{"user_id": id.UserID, "chat_id": id.ChatID},
			), nil)
		}
	}

	o.withIdentity(id, func() {
		o.deps.Trust.MarkBanned(id, req.Until, req.Global)
		o.deps.Ledger.Clear(id)
		if req.Global {
			o.deps.Ledger.ClearUser(id.UserID)
		}
		o.deps.Violations.Clear(id)
		if o.deps.Challenges != nil {
			o.deps.Challenges.RemoveByKey(id.Key())
		}
		if o.deps.Streaks != nil {
			o.deps.Streaks.ResetStreak(id)
		}
	})
	o.scheduleUnban(id, req.Until)

	entry.WithField("reason", req.Reason).WithField("until", req.Until).Info("user banned")
	return true
}

// UnrestrictAndApprove is the manual override: the member is approved and all suspicion,
// violation and challenge state is dropped.
func (o *Orchestrator) UnrestrictAndApprove(ctx context.Context, id db.Identity) bool {
	entry := o.getLogEntry().WithFields(log.Fields{
		"method":  "UnrestrictAndApprove",
		"chat_id": id.ChatID,
		"user_id": id.UserID,
	})
	if db.IsPrivateChat(id.ChatID) {
		err := fmt.Errorf("%w: cannot approve in private chat %d", derrors.ErrInvariantViolation, id.ChatID)
		entry.WithField("error", err.Error()).Warn("approve refused")
		return false
	}

	if err := o.deps.Transport.UnrestrictMember(ctx, id.ChatID, id.UserID); err != nil {
		o.transportFailed(entry, "unrestrict_member", err)
	}
	o.withIdentity(id, func() {
		o.deps.Ledger.Clear(id)
		o.deps.Violations.Clear(id)
		if o.deps.Challenges != nil {
			o.deps.Challenges.RemoveByKey(id.Key())
		}
		if o.deps.Streaks != nil {
			o.deps.Streaks.ResetStreak(id)
		}
		o.deps.Trust.Approve(id, o.opts.GlobalApproval)
		if o.opts.GlobalApproval {
			o.deps.Ledger.ClearUser(id.UserID)
		}
	})
	entry.Info("user approved manually")
	return true
}

func (o *Orchestrator) withIdentity(id db.Identity, fn func()) {
	if o.deps.Streaks == nil {
		fn()
		return
	}
	o.deps.Streaks.WithIdentity(id, fn)
}

// Unban lifts a chat ban, used by the admin unban button.
func (o *Orchestrator) Unban(ctx context.Context, id db.Identity) bool {
	entry := o.getLogEntry().WithField("method", "Unban").WithField("chat_id", id.ChatID).WithField("user_id", id.UserID)
	if db.IsPrivateChat(id.ChatID) {
		return false
	}
	if t, ok := o.unbans.LoadAndDelete(id); ok {
		t.Stop()
	}
	if err := o.deps.Transport.UnbanMember(ctx, id.ChatID, id.UserID); err != nil {
		o.transportFailed(entry, "unban_member", err)
	}
	o.deps.Trust.Unban(id, true)
	entry.Info("user unbanned")
	return true
}

// Apply carries out a non-Allow decision.
func (o *Orchestrator) Apply(ctx context.Context, msg moderation.Message, d moderation.Decision) {
	entry := o.getLogEntry().WithFields(log.Fields{
		"method":  "Apply",
		"chat_id": msg.ChatID,
		"user_id": msg.UserID,
		"action":  d.Action,
	})
	id := msg.Identity()

	switch d.Action {
	case moderation.ActionAllow:
	case moderation.ActionDelete:
		if !o.canModerate(ctx, msg.ChatID) {
			entry.Debug("no rights to delete, reporting instead")
			o.report(ctx, msg, d)
			return
		}
		if err := o.deps.Transport.DeleteMessage(ctx, msg.ChatID, msg.ID); err != nil {
			o.transportFailed(entry, "delete_message", err)
		}
	case moderation.ActionBan:
		if o.BanAndCleanup(ctx, BanRequest{Identity: id, MessageIDs: []int{msg.ID}, Reason: d.Reason}) {
			o.notifyAdmins(ctx, o.noticeText("Banned", msg, d), [][]Button{{
				{Text: "Unban", Data: EncodeAdminCallback(ActionUnban, id)},
			}})
		}
	case moderation.ActionReport, moderation.ActionRequireManualReview:
		o.report(ctx, msg, d)
	default:
		entry.Warn("unknown action")
	}
}

func (o *Orchestrator) report(ctx context.Context, msg moderation.Message, d moderation.Decision) {
	id := msg.Identity()
	o.notifyAdmins(ctx, o.noticeText("Please review", msg, d), [][]Button{{
		{Text: "Approve", Data: EncodeAdminCallback(ActionApprove, id)},
		{Text: "Ban", Data: EncodeAdminCallback(ActionBan, id)},
		{Text: "Spam", Data: EncodeAdminCallback(ActionSpam, id)},
	}})
}

func (o *Orchestrator) noticeText(title string, msg moderation.Message, d moderation.Decision) string {
	return tool.ExecTemplate(`{{ .title }}: {{ .name }} ({{ .user_id }}) in {{ .chat_id }}
Reason: {{ .reason }}{{ if .stage }} [{{ .stage }}]{{ end }}
{{ .text }}`, map[string]any{
		"title":   title,
		"name":    msg.FullName,
		"user_id": msg.UserID,
		"chat_id": msg.ChatID,
		"reason":  d.Reason,
		"stage":   d.Stage,
		"text":    msg.Text,
	})
}

// ChallengePassed lets the newcomer talk and removes the captcha message.
func (o *Orchestrator) ChallengePassed(ctx context.Context, ch admission.Challenge) {
	entry := o.getLogEntry().WithField("method", "ChallengePassed").WithField("key", ch.Key.String())
	if ch.MessageID != 0 {
		if err := o.deps.Transport.DeleteMessage(ctx, ch.Key.ChatID, ch.MessageID); err != nil {
			o.transportFailed(entry, "delete_message", err)
		}
	}
	if err := o.deps.Transport.UnrestrictMember(ctx, ch.Key.ChatID, ch.Key.UserID); err != nil {
		o.transportFailed(entry, "unrestrict_member", err)
	}
}

// ChallengeFailed bans until banUntil and removes the join and captcha messages.
func (o *Orchestrator) ChallengeFailed(ctx context.Context, ch admission.Challenge, banUntil time.Time) {
	o.BanAndCleanup(ctx, BanRequest{
		Identity:   ch.Key.Identity(),
		MessageIDs: []int{ch.MessageID, ch.Join.JoinMessageID},
		Until:      banUntil,
		Reason:     "captcha failed",
	})
}

// Restrict mutes a newcomer until the challenge is resolved.
func (o *Orchestrator) Restrict(ctx context.Context, id db.Identity, until time.Time) {
	if err := o.deps.Transport.RestrictMember(ctx, id.ChatID, id.UserID, until); err != nil {
		o.transportFailed(o.getLogEntry().WithField("method", "Restrict"), "restrict_member", err)
	}
}

// LiftRestriction undoes Restrict without touching any other state.
func (o *Orchestrator) LiftRestriction(ctx context.Context, id db.Identity) {
	if err := o.deps.Transport.UnrestrictMember(ctx, id.ChatID, id.UserID); err != nil {
		o.transportFailed(o.getLogEntry().WithField("method", "LiftRestriction"), "unrestrict_member", err)
	}
}

func (o *Orchestrator) canModerate(ctx context.Context, chatID int64) bool {
	if status, ok := o.adminStatus.Get(chatID); ok {
		return status.CanDeleteMessages
	}
	status, err := o.deps.Transport.GetChatAdminStatus(ctx, chatID)
	if err != nil {
		o.transportFailed(o.getLogEntry().WithField("method", "canModerate"), "get_admin_status", err)
		return true
	}
	o.adminStatus.Add(chatID, status)
	return status.CanDeleteMessages
}

// scheduleUnban replaces any pending unban for the identity. A permanent ban only cancels.
func (o *Orchestrator) scheduleUnban(id db.Identity, until time.Time) {
	if t, ok := o.unbans.LoadAndDelete(id); ok {
		t.Stop()
	}
	if until.IsZero() {
		return
	}
	wait := until.Sub(o.now())
	if wait < 0 {
		wait = 0
	}
	var timer *time.Timer
	timer = time.AfterFunc(unbanParked, func() {
		mine := false
		o.unbans.Compute(id, func(cur *time.Timer, loaded bool) (*time.Timer, bool) {
			mine = loaded && cur == timer
			return cur, !loaded || mine
		})
		if !mine {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.deps.Transport.UnbanMember(ctx, id.ChatID, id.UserID); err != nil {
			o.transportFailed(o.getLogEntry().WithField("method", "scheduledUnban"), "unban_member", err)
		}
		o.deps.Trust.Unban(id, false)
	})
	o.unbans.Store(id, timer)
	timer.Reset(wait)
}

// PendingUnbans reports how many temporary bans are waiting to be lifted.
func (o *Orchestrator) PendingUnbans() int {
	return o.unbans.Size()
}

// Stop cancels pending unbans; the platform lifts temporary bans on its own.
func (o *Orchestrator) Stop(_ context.Context) error {
	o.unbans.Range(func(id db.Identity, t *time.Timer) bool {
		t.Stop()
		o.unbans.Delete(id)
		return true
	})
	return nil
}

func (o *Orchestrator) notifyAdmins(ctx context.Context, text string, buttons [][]Button) {
	if o.opts.AdminChatID == 0 {
		return
	}
	if _, err := o.deps.Transport.SendMessage(ctx, OutgoingMessage{
		ChatID:  o.opts.AdminChatID,
		Text:    text,
		Buttons: buttons,
	}); err != nil {
		o.transportFailed(o.getLogEntry().WithField("method", "notifyAdmins"), "send_message", err)
	}
}

func (o *Orchestrator) transportFailed(entry *log.Entry, op string, err error) {
	observability.RecordTransportError(op)
	entry.WithField("operation", op).WithField("error", err.Error()).Error("transport call failed")
}

func (o *Orchestrator) getLogEntry() *log.Entry {
	return log.WithField("object", "Orchestrator")
}
