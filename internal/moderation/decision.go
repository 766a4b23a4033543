package moderation

import (
	"github.com/iamwavecut/doorman/internal/db"
)

type Action string

const (
	ActionAllow               Action = "allow"
	ActionDelete              Action = "delete"
	ActionBan                 Action = "ban"
	ActionReport              Action = "report"
	ActionRequireManualReview Action = "require_manual_review"
)

// Decision is the single outcome of evaluating one message.
type Decision struct {
	Action     Action
	Reason     string
	Confidence *float64
	// Stage names the evaluator that decided, empty for the default allow.
	Stage     string
	Violation db.ViolationType
	Escalated bool
}

func (d Decision) IsAllow() bool {
	return d.Action == ActionAllow
}

func confidence(v float64) *float64 {
	return &v
}

// Message is the platform-neutral view of an inbound chat message.
type Message struct {
	ID       int
	ChatID   int64
	UserID   int64
	Username string
	FullName string
	Text     string

	HasButtons bool
	IsStory    bool
	// HasMedia marks a bare sticker, document or photo.
	HasMedia bool
	Edited   bool
}

func (m Message) Identity() db.Identity {
	return db.Identity{UserID: m.UserID, ChatID: m.ChatID}
}

// Result is what a stage returns: a decisive verdict or nothing.
type Result struct {
	decisive bool
	decision Decision
}

var Inconclusive = Result{}

func Decisive(d Decision) Result {
	return Result{decisive: true, decision: d}
}

func (r Result) IsDecisive() bool {
	return r.decisive
}

func (r Result) Decision() Decision {
	return r.decision
}
