// Package moderation folds the signal evaluators into one decision per message and keeps
// the good-message streaks that lead to approval.
package moderation

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/iamwavecut/doorman/internal/db"
	"github.com/iamwavecut/doorman/internal/observability"
	"github.com/iamwavecut/doorman/internal/signals"
	"github.com/iamwavecut/doorman/internal/suspicion"
	"github.com/iamwavecut/doorman/internal/utils/text"
)

type (
	TrustStore interface {
		IsApproved(id db.Identity) bool
		IsBanned(id db.Identity) bool
		Approve(id db.Identity, global bool)
	}

	Banlist interface {
		IsKnownBanned(userID int64) bool
	}

	KnownBadChecker interface {
		IsKnownBad(message string) bool
	}

	StopWordChecker interface {
		HasStopWords(normalized string) bool
	}

	Ledger interface {
		RecordMessage(id db.Identity, text string) suspicion.RecordResult
		StartBaseline(id db.Identity)
		Clear(id db.Identity)
		ClearUser(userID int64)
	}

	ViolationRegistry interface {
		RegisterViolation(id db.Identity, vt db.ViolationType) bool
		Clear(id db.Identity)
	}

	// Enforcer carries out non-Allow decisions.
	Enforcer interface {
		Apply(ctx context.Context, msg Message, d Decision)
	}
)

type Options struct {
	GraduationMessages int
	// SuspiciousGraduationMessages is the streak required once deep scrutiny is on,
	// counted from the message that switched it on.
	SuspiciousGraduationMessages int
	GlobalApproval               bool
	SpamDeleteThreshold          float64
	SpamBanThreshold             float64
	LowConfidenceReview          bool
	ReviewWatermark              float64
	OracleThreshold              float64
	LookalikeAutoBan             bool
}

type Dependencies struct {
	Trust      TrustStore
	Ledger     Ledger
	Violations ViolationRegistry

	Banlist    Banlist
	KnownBad   KnownBadChecker
	StopWords  StopWordChecker
	Classifier signals.Classifier
	Oracle     signals.Oracle

	Enforcer    Enforcer
	DecisionLog *observability.DecisionLog
}

type stage struct {
	name string
	fn   func(ctx context.Context, ev *evaluation) Result
}

type evaluation struct {
	msg        Message
	id         db.Identity
	normalized string
	record     suspicion.RecordResult
}

type Pipeline struct {
	deps    Dependencies
	opts    Options
	stages  []stage
	locks   keyLock
	streaks *xsync.MapOf[db.Identity, int]
}

func NewPipeline(deps Dependencies, opts Options) *Pipeline {
	if opts.GraduationMessages <= 0 {
		opts.GraduationMessages = 3
	}
	if opts.SuspiciousGraduationMessages <= 0 {
		opts.SuspiciousGraduationMessages = 3
	}
	if opts.SpamDeleteThreshold <= 0 {
		opts.SpamDeleteThreshold = 0.5
	}
	if opts.OracleThreshold <= 0 {
		opts.OracleThreshold = 0.75
	}
	p := &Pipeline{
		deps:    deps,
		opts:    opts,
		streaks: xsync.NewMapOf[db.Identity, int](),
	}
	p.stages = []stage{
		{name: StageTrust, fn: p.checkTrust},
		{name: StageKnownBad, fn: p.checkKnownBad},
		{name: StageContent, fn: p.checkContent},
		{name: StageClassifier, fn: p.checkClassifier},
		{name: StageMimicry, fn: p.recordMimicry},
	}
	return p
}

// SetEnforcer wires the enforcer after construction.
func (p *Pipeline) SetEnforcer(e Enforcer) {
	p.deps.Enforcer = e
}

// Evaluate runs every stage in order and returns the settled decision. Same-identity
// evaluations are serialized; the oracle call runs outside that lock.
func (p *Pipeline) Evaluate(ctx context.Context, msg Message) Decision {
	ctx, span := observability.Tracer().Start(ctx, "moderation.Evaluate")
	defer span.End()
	done := observability.StartEvaluation()

	ev := &evaluation{msg: msg, id: msg.Identity(), normalized: text.NormalizeText(msg.Text)}

	unlock := p.locks.Lock(ev.id)
	res := p.fold(ctx, ev)
	unlock()

	if !res.IsDecisive() && p.needsOracle(ev) {
		res = p.checkOracle(ctx, ev)
	}

	unlock = p.locks.Lock(ev.id)
	decision := p.settle(ev, res)
	unlock()

	span.SetAttributes(
		attribute.String("action", string(decision.Action)),
		attribute.String("stage", decision.Stage),
	)
	p.report(ev, decision)
	if !decision.IsAllow() && p.deps.Enforcer != nil {
		p.deps.Enforcer.Apply(ctx, msg, decision)
	}
	done(string(decision.Action))
	return decision
}

func (p *Pipeline) fold(ctx context.Context, ev *evaluation) Result {
	for _, s := range p.stages {
		_, span := observability.Tracer().Start(ctx, "moderation.stage."+s.name)
		res := s.fn(ctx, ev)
		span.End()
		if res.IsDecisive() {
			return res
		}
	}
	return Inconclusive
}

// settle applies streak, graduation and escalation rules. Caller holds the identity lock.
func (p *Pipeline) settle(ev *evaluation, res Result) Decision {
	if p.bannedMeanwhile(ev, res) {
		p.dropState(ev.id)
		return Decision{Action: ActionDelete, Reason: "user was banned during evaluation", Stage: StageTrust}
	}
	if res.IsDecisive() {
		d := res.Decision()
		if d.IsAllow() {
			return d
		}
		p.streaks.Delete(ev.id)
		if p.deps.Violations.RegisterViolation(ev.id, d.Violation) && d.Action != ActionBan {
			d.Action = ActionBan
			d.Escalated = true
			d.Reason += "; violation limit reached"
			observability.RecordEscalation()
		}
		return d
	}

	allow := Decision{Action: ActionAllow, Reason: "no signal"}
	if ev.msg.Edited {
		return allow
	}
	if ev.record.ScrutinyEnabled {
		p.streaks.Store(ev.id, 0)
		allow.Reason = "under deep scrutiny"
		return allow
	}
	need := p.opts.GraduationMessages
	if ev.record.Tracked && ev.record.Record.DeepScrutinyEnabled {
		need = p.opts.SuspiciousGraduationMessages
	}
	streak, _ := p.streaks.Compute(ev.id, func(old int, _ bool) (int, bool) {
		return old + 1, false
	})
	if streak >= need {
		p.graduate(ev.id)
		allow.Reason = "graduated"
		allow.Stage = StageGraduation
	}
	return allow
}

// bannedMeanwhile reports a ban that landed after the trust stage had passed the user.
func (p *Pipeline) bannedMeanwhile(ev *evaluation, res Result) bool {
	if res.IsDecisive() && res.Decision().Stage == StageTrust {
		return false
	}
	return p.deps.Trust.IsBanned(ev.id)
}

func (p *Pipeline) dropState(id db.Identity) {
	p.streaks.Delete(id)
	p.deps.Ledger.Clear(id)
	p.deps.Violations.Clear(id)
}

func (p *Pipeline) graduate(id db.Identity) {
	p.deps.Ledger.Clear(id)
	p.deps.Violations.Clear(id)
	p.streaks.Delete(id)
	p.deps.Trust.Approve(id, p.opts.GlobalApproval)
	if p.opts.GlobalApproval {
		// records created meanwhile by messages in other chats
		p.deps.Ledger.ClearUser(id.UserID)
	}
	observability.RecordGraduation()
	p.getLogEntry().WithField("user_id", id.UserID).WithField("chat_id", id.ChatID).
		WithField("global", p.opts.GlobalApproval).Info("user approved")
}

// StartProbation resets the streak and opens a baseline suspicion record, used once a
// newcomer passes the captcha.
func (p *Pipeline) StartProbation(id db.Identity) {
	unlock := p.locks.Lock(id)
	defer unlock()
	p.streaks.Delete(id)
	if p.deps.Trust.IsBanned(id) {
		return
	}
	p.deps.Ledger.StartBaseline(id)
}

// WithIdentity runs fn while no evaluation of id is in progress. fn must not call back
// into the pipeline for the same identity.
func (p *Pipeline) WithIdentity(id db.Identity, fn func()) {
	unlock := p.locks.Lock(id)
	defer unlock()
	fn()
}

// ResetStreak forgets the good-message streak, used by cleanup paths.
func (p *Pipeline) ResetStreak(id db.Identity) {
	p.streaks.Delete(id)
}

func (p *Pipeline) Streak(id db.Identity) int {
	n, _ := p.streaks.Load(id)
	return n
}

func (p *Pipeline) report(ev *evaluation, d Decision) {
	stageName := d.Stage
	if stageName == "" {
		stageName = "none"
	}
	observability.RecordDecision(stageName, string(d.Action))
	if d.IsAllow() {
		return
	}
	p.deps.DecisionLog.Record(observability.DecisionEntry{
		ChatID:     ev.msg.ChatID,
		UserID:     ev.msg.UserID,
		MessageID:  ev.msg.ID,
		Stage:      d.Stage,
		Action:     string(d.Action),
		Reason:     d.Reason,
		Violation:  string(d.Violation),
		Confidence: d.Confidence,
		Escalated:  d.Escalated,
	})
	p.getLogEntry().WithFields(log.Fields{
		"user_id": ev.msg.UserID,
		"chat_id": ev.msg.ChatID,
		"stage":   d.Stage,
		"action":  d.Action,
		"reason":  d.Reason,
	}).Debug("message flagged")
}

func (p *Pipeline) getLogEntry() *log.Entry {
	return log.WithField("object", "Pipeline")
}
