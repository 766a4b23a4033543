// Package doorman is the exposed surface of the moderation service: message evaluation,
// newcomer admission and the manual overrides admins reach through the bot.
package doorman

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/doorman/internal/admission"
	"github.com/iamwavecut/doorman/internal/config"
	"github.com/iamwavecut/doorman/internal/db"
	"github.com/iamwavecut/doorman/internal/enforcement"
	"github.com/iamwavecut/doorman/internal/moderation"
	"github.com/iamwavecut/doorman/internal/observability"
	"github.com/iamwavecut/doorman/internal/signals"
	"github.com/iamwavecut/doorman/internal/suspicion"
	"github.com/iamwavecut/doorman/internal/trust"
	"github.com/iamwavecut/doorman/internal/violations"
)

type (
	// Store is the persistence the service needs at runtime.
	Store interface {
		GetSettings(ctx context.Context, chatID int64) (*db.Settings, error)
		AddKnownBad(ctx context.Context, hash string) error
		GetKnownBad(ctx context.Context) ([]string, error)
		AddSpamHamSample(ctx context.Context, text string, isSpam bool) error
		GetSpamHamSamples(ctx context.Context) ([]*db.SpamHamSample, error)
	}

	// Trainer learns from messages admins confirmed as spam.
	Trainer interface {
		AddSpam(ctx context.Context, message string) error
	}

	Banlist interface {
		IsKnownBanned(userID int64) bool
		CheckUser(ctx context.Context, userID int64) (bool, error)
		Forgive(ctx context.Context, userID int64) error
		Len() int
	}

	component interface {
		Start(ctx context.Context) error
		Stop(ctx context.Context) error
	}
)

type Dependencies struct {
	Store     Store
	Transport enforcement.Transport

	// Classifier defaults to a naive Bayes model trained from the store.
	Classifier  signals.Classifier
	Oracle      signals.Oracle
	Banlist     Banlist
	StopWords   []string
	DecisionLog *observability.DecisionLog
}

type Stats struct {
	TrustRecords  int             `json:"trust_records"`
	Suspicion     suspicion.Stats `json:"suspicion"`
	Violations    int             `json:"violations"`
	Challenges    int             `json:"challenges"`
	KnownBad      int             `json:"known_bad"`
	Banlist       int             `json:"banlist"`
	PendingUnbans int             `json:"pending_unbans"`
}

type Doorman struct {
	trust        *trust.Store
	ledger       *suspicion.Ledger
	violations   *violations.Tracker
	knownBad     *signals.KnownBad
	pipeline     *moderation.Pipeline
	coordinator  *admission.Coordinator
	orchestrator *enforcement.Orchestrator

	trainer  Trainer
	banlist  Banlist
	services []component
	now      func() time.Time
}

// New wires every component from the config. The returned value must be started before
// challenges expire on their own.
func New(cfg config.Config, deps Dependencies) *Doorman {
	mod := cfg.Moderation
	d := &Doorman{
		trust: trust.NewStore(),
		ledger: suspicion.NewLedger(signals.NewMimicryScorer(), suspicion.Options{
			SampleSize:        mod.SampleSize,
			Watermark:         mod.MimicryWatermark,
			ScrutinyThreshold: mod.MimicryThreshold,
		}),
		violations: violations.NewTracker(violations.Options{
			Ceiling: mod.ViolationCeiling,
			PerType: map[db.ViolationType]int{
				db.ViolationMLSpam:    mod.MaxMLSpamViolations,
				db.ViolationStopWords: mod.MaxStopWordViolations,
				db.ViolationEmojis:    mod.MaxEmojiViolations,
				db.ViolationLookalike: mod.MaxLookalikeViolations,
			},
			Window: mod.ViolationWindow,
		}),
		knownBad: signals.NewKnownBad(deps.Store),
		banlist:  deps.Banlist,
		now:      time.Now,
	}

	classifier := deps.Classifier
	if classifier == nil {
		bayes := signals.NewBayes(deps.Store)
		classifier = bayes
		d.services = append(d.services, bayes)
	}
	if t, ok := classifier.(Trainer); ok {
		d.trainer = t
	}

	d.orchestrator = enforcement.NewOrchestrator(enforcement.Dependencies{
		Transport:  deps.Transport,
		Trust:      d.trust,
		Ledger:     d.ledger,
		Violations: d.violations,
	}, enforcement.Options{
		AdminChatID:    cfg.AdminChatID,
		GlobalApproval: mod.GlobalApproval,
	})

	pipelineDeps := moderation.Dependencies{
		Trust:       d.trust,
		Ledger:      d.ledger,
		Violations:  d.violations,
		KnownBad:    d.knownBad,
		StopWords:   signals.NewFilters(deps.StopWords),
		Classifier:  classifier,
		Oracle:      deps.Oracle,
		Enforcer:    d.orchestrator,
		DecisionLog: deps.DecisionLog,
	}
	if deps.Banlist != nil {
		pipelineDeps.Banlist = deps.Banlist
	}
	d.pipeline = moderation.NewPipeline(pipelineDeps, moderation.Options{
		GraduationMessages:           mod.GraduationMessages,
		SuspiciousGraduationMessages: mod.SuspiciousGraduationMessages,
		GlobalApproval:               mod.GlobalApproval,
		SpamDeleteThreshold:          mod.SpamDeleteThreshold,
		SpamBanThreshold:             mod.SpamBanThreshold,
		LowConfidenceReview:          mod.LowConfidenceReview,
		ReviewWatermark:              mod.ReviewWatermark,
		OracleThreshold:              mod.OracleThreshold,
		LookalikeAutoBan:             mod.LookalikeAutoBan,
	})

	d.coordinator = admission.NewCoordinator(deps.Store, d.pipeline, d.orchestrator, admission.Options{
		Timeout:        cfg.Captcha.Timeout,
		BanDuration:    cfg.Captcha.BanDuration,
		SweepInterval:  cfg.Captcha.SweepInterval,
		Options:        cfg.Captcha.Options,
		NoCaptchaChats: cfg.Captcha.NoCaptchaChats,
	})
	d.services = append(d.services, d.coordinator)

	d.orchestrator.SetChallenges(d.coordinator)
	d.orchestrator.SetStreaks(d.pipeline)
	return d
}

// Start loads the known-bad hashes and starts the background workers.
func (d *Doorman) Start(ctx context.Context) error {
	if err := d.knownBad.Load(ctx); err != nil {
		d.getLogEntry().WithField("error", err.Error()).Warn("cant load known-bad hashes")
	}
	for _, s := range d.services {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("start doorman: %w", err)
		}
	}
	return nil
}

func (d *Doorman) Stop(ctx context.Context) error {
	var stopErr error
	for i := len(d.services) - 1; i >= 0; i-- {
		stopErr = errors.Join(stopErr, d.services[i].Stop(ctx))
	}
	return errors.Join(stopErr, d.orchestrator.Stop(ctx))
}

// EvaluateMessage returns the decision for one inbound message and applies it.
func (d *Doorman) EvaluateMessage(ctx context.Context, msg moderation.Message) moderation.Decision {
	return d.pipeline.Evaluate(ctx, msg)
}

// IssueChallenge gatekeeps a newcomer. Known spammers are banned at once and approved
// members pass straight through; both return nil, as does a chat without captcha.
func (d *Doorman) IssueChallenge(ctx context.Context, chatID, userID int64, join admission.JoinContext) *admission.Challenge {
	id := db.Identity{UserID: userID, ChatID: chatID}
	if d.trust.IsBanned(id) || d.isKnownSpammer(ctx, userID) {
		d.orchestrator.BanAndCleanup(ctx, enforcement.BanRequest{
			Identity:   id,
			MessageIDs: []int{join.JoinMessageID},
			Reason:     "known spammer joined",
		})
		return nil
	}
	if d.trust.IsApproved(id) {
		return nil
	}

	ch := d.coordinator.Issue(ctx, chatID, userID, join)
	if ch == nil {
		return nil
	}
	d.orchestrator.Restrict(ctx, id, time.Time{})
	return ch
}

func (d *Doorman) isKnownSpammer(ctx context.Context, userID int64) bool {
	if d.banlist == nil {
		return false
	}
	banned, err := d.banlist.CheckUser(ctx, userID)
	if err != nil {
		d.getLogEntry().WithField("method", "isKnownSpammer").WithField("error", err.Error()).Debug("banlist lookup failed")
		return d.banlist.IsKnownBanned(userID)
	}
	return banned
}

// CancelChallenge drops a challenge that never reached the member. The member is let in
// on probation instead of being left muted until the timeout bans them.
func (d *Doorman) CancelChallenge(ctx context.Context, key db.ChallengeKey) bool {
	if !d.coordinator.RemoveByKey(key) {
		return false
	}
	id := key.Identity()
	d.orchestrator.LiftRestriction(ctx, id)
	d.pipeline.StartProbation(id)
	d.getLogEntry().WithField("method", "CancelChallenge").WithField("key", key.String()).Warn("challenge cancelled")
	return true
}

// AttachChallengeMessage remembers the captcha message so it is removed with the challenge.
func (d *Doorman) AttachChallengeMessage(key db.ChallengeKey, messageID int) bool {
	return d.coordinator.AttachMessage(key, messageID)
}

func (d *Doorman) Challenge(key db.ChallengeKey) (admission.Challenge, bool) {
	return d.coordinator.Get(key)
}

func (d *Doorman) SubmitAnswer(ctx context.Context, key db.ChallengeKey, answer int) bool {
	return d.coordinator.Validate(ctx, key, answer)
}

// SweepExpiredChallenges fails every challenge past its deadline and returns how many.
func (d *Doorman) SweepExpiredChallenges(ctx context.Context) int {
	return d.coordinator.ExpireIfDue(ctx, d.now())
}

func (d *Doorman) ManualApprove(ctx context.Context, id db.Identity) bool {
	return d.orchestrator.UnrestrictAndApprove(ctx, id)
}

// ManualBan bans permanently and deletes the given messages.
func (d *Doorman) ManualBan(ctx context.Context, id db.Identity, messageIDs ...int) bool {
	return d.orchestrator.BanAndCleanup(ctx, enforcement.BanRequest{
		Identity:   id,
		MessageIDs: messageIDs,
		Reason:     "banned by admin",
	})
}

// Unban lifts the ban and drops the user from the banlist so the next join is not
// rejected again.
func (d *Doorman) Unban(ctx context.Context, id db.Identity) bool {
	if !d.orchestrator.Unban(ctx, id) {
		return false
	}
	if d.banlist != nil {
		if err := d.banlist.Forgive(ctx, id.UserID); err != nil {
			d.getLogEntry().WithField("method", "Unban").WithField("error", err.Error()).Error("cant remove user from banlist")
		}
	}
	return true
}

// ReportSpam is the admin verdict on a message: its text becomes known-bad and its
// author is banned.
func (d *Doorman) ReportSpam(ctx context.Context, id db.Identity, text string, messageIDs ...int) bool {
	if text != "" {
		if _, err := d.MarkAsBad(ctx, text); err != nil {
			d.getLogEntry().WithField("method", "ReportSpam").WithField("error", err.Error()).Error("cant mark message as bad")
		}
	}
	return d.ManualBan(ctx, id, messageIDs...)
}

// MarkAsBad adds the text to the known-bad set and feeds it to the classifier. The first
// return is false when the text is too short or already known.
func (d *Doorman) MarkAsBad(ctx context.Context, text string) (bool, error) {
	added, err := d.knownBad.MarkAsBad(ctx, text)
	if err != nil {
		return false, fmt.Errorf("mark as bad: %w", err)
	}
	if d.trainer != nil {
		if err := d.trainer.AddSpam(ctx, text); err != nil {
			return added, fmt.Errorf("add spam sample: %w", err)
		}
	}
	return added, nil
}

func (d *Doorman) SetDeepScrutiny(id db.Identity, enabled bool) bool {
	return d.ledger.SetDeepScrutiny(id, enabled)
}

func (d *Doorman) Stats() Stats {
	s := Stats{
		TrustRecords:  d.trust.Len(),
		Suspicion:     d.ledger.Stats(),
		Violations:    d.violations.Len(),
		Challenges:    d.coordinator.Len(),
		KnownBad:      d.knownBad.Len(),
		PendingUnbans: d.orchestrator.PendingUnbans(),
	}
	if d.banlist != nil {
		s.Banlist = d.banlist.Len()
	}
	return s
}

func (d *Doorman) TrustStore() *trust.Store {
	return d.trust
}

func (d *Doorman) Ledger() *suspicion.Ledger {
	return d.ledger
}

func (d *Doorman) Violations() *violations.Tracker {
	return d.violations
}

func (d *Doorman) getLogEntry() *log.Entry {
	return log.WithField("object", "Doorman")
}
