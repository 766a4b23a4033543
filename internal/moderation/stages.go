package moderation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/iamwavecut/doorman/internal/db"
	"github.com/iamwavecut/doorman/internal/observability"
	"github.com/iamwavecut/doorman/internal/signals"
)

const (
	StageTrust      = "trust"
	StageKnownBad   = "known_bad"
	StageContent    = "content"
	StageClassifier = "classifier"
	StageMimicry    = "mimicry"
	StageOracle     = "oracle"
	StageGraduation = "graduation"

	maxListedLookalikes = 5
)

func (p *Pipeline) checkTrust(_ context.Context, ev *evaluation) Result {
	switch {
	case p.deps.Trust.IsBanned(ev.id):
		return Decisive(Decision{Action: ActionBan, Reason: "user is banned", Stage: StageTrust, Violation: db.ViolationBanned})
	case p.deps.Banlist != nil && p.deps.Banlist.IsKnownBanned(ev.msg.UserID):
		return Decisive(Decision{Action: ActionBan, Reason: "user is on the spammer banlist", Stage: StageTrust, Violation: db.ViolationBanned})
	case p.deps.Trust.IsApproved(ev.id):
		return Decisive(Decision{Action: ActionAllow, Reason: "approved", Stage: StageTrust})
	}
	return Inconclusive
}

func (p *Pipeline) checkKnownBad(_ context.Context, ev *evaluation) Result {
	if p.deps.KnownBad == nil || ev.msg.Text == "" || !p.deps.KnownBad.IsKnownBad(ev.msg.Text) {
		return Inconclusive
	}
	return Decisive(Decision{
		Action:     ActionDelete,
		Reason:     "known spam message",
		Confidence: confidence(1),
		Stage:      StageKnownBad,
		Violation:  db.ViolationKnownBad,
	})
}

func (p *Pipeline) checkContent(_ context.Context, ev *evaluation) Result {
	msg := ev.msg
	content := func(action Action, vt db.ViolationType, reason string) Result {
		return Decisive(Decision{Action: action, Reason: reason, Stage: StageContent, Violation: vt})
	}

	switch {
	case msg.HasButtons:
		return content(ActionBan, db.ViolationButtons, "message with buttons")
	case msg.IsStory:
		return content(ActionDelete, db.ViolationStory, "story")
	case strings.TrimSpace(msg.Text) == "":
		if msg.HasMedia {
			return content(ActionDelete, db.ViolationEmpty, "media without text")
		}
		return content(ActionReport, db.ViolationEmpty, "empty message or caption")
	case signals.TooManyEmojis(msg.Text):
		return content(ActionDelete, db.ViolationEmojis, "too many emoji")
	}

	if words := signals.Lookalikes(ev.normalized); len(words) > 0 {
		listed := words
		tail := ""
		if len(listed) > maxListedLookalikes {
			listed, tail = listed[:maxListedLookalikes], ", and others"
		}
		reason := fmt.Sprintf("words disguised as russian: %s%s", strings.Join(listed, ", "), tail)
		action := ActionDelete
		if p.opts.LookalikeAutoBan {
			action = ActionBan
		}
		return content(action, db.ViolationLookalike, reason)
	}

	if p.deps.StopWords != nil && p.deps.StopWords.HasStopWords(ev.normalized) {
		return content(ActionDelete, db.ViolationStopWords, "stop words")
	}
	return Inconclusive
}

func (p *Pipeline) checkClassifier(_ context.Context, ev *evaluation) Result {
	if p.deps.Classifier == nil {
		return Inconclusive
	}
	isSpam, prob := p.deps.Classifier.Classify(ev.normalized)
	decision := Decision{
		Confidence: confidence(prob),
		Stage:      StageClassifier,
		Violation:  db.ViolationMLSpam,
	}
	switch {
	case p.opts.SpamBanThreshold > 0 && prob >= p.opts.SpamBanThreshold:
		decision.Action = ActionBan
		decision.Reason = fmt.Sprintf("classifier is confident this is spam (%.2f)", prob)
	case isSpam && prob >= p.opts.SpamDeleteThreshold:
		decision.Action = ActionDelete
		decision.Reason = fmt.Sprintf("classifier thinks this is spam (%.2f)", prob)
	case p.opts.LowConfidenceReview && prob >= p.opts.ReviewWatermark:
		decision.Action = ActionRequireManualReview
		decision.Violation = db.ViolationManualReview
		decision.Reason = fmt.Sprintf("classifier is unsure (%.2f)", prob)
	default:
		return Inconclusive
	}
	return Decisive(decision)
}

func (p *Pipeline) recordMimicry(_ context.Context, ev *evaluation) Result {
	if p.deps.Ledger == nil || ev.msg.Text == "" {
		return Inconclusive
	}
	ev.record = p.deps.Ledger.RecordMessage(ev.id, ev.msg.Text)
	if ev.record.ScrutinyEnabled {
		p.getLogEntry().WithField("user_id", ev.msg.UserID).WithField("chat_id", ev.msg.ChatID).
			WithField("score", ev.record.Record.MimicryScore).Info("deep scrutiny enabled")
	}
	return Inconclusive
}

func (p *Pipeline) needsOracle(ev *evaluation) bool {
	return p.deps.Oracle != nil && ev.record.Tracked && ev.record.Record.DeepScrutinyEnabled
}

// checkOracle never fails the evaluation: any error degrades to Inconclusive.
func (p *Pipeline) checkOracle(ctx context.Context, ev *evaluation) Result {
	ctx, span := observability.Tracer().Start(ctx, "moderation.stage."+StageOracle)
	defer span.End()

	sample := ev.record.Record.SampleMessages
	if len(sample) == 0 {
		sample = []string{ev.msg.Text}
	}
	est, err := p.deps.Oracle.EstimateBaitOrSpamProbability(ctx, signals.UserInfo{
		UserID:   ev.msg.UserID,
		ChatID:   ev.msg.ChatID,
		Username: ev.msg.Username,
		FullName: ev.msg.FullName,
	}, sample)
	if err != nil {
		result := "failure"
		if errors.Is(err, signals.ErrOracleRateLimited) {
			result = "rate_limited"
		}
		observability.RecordOracleCall(result)
		span.RecordError(err)
		p.getLogEntry().WithField("error", err.Error()).WithField("user_id", ev.msg.UserID).Warn("oracle unavailable")
		return Inconclusive
	}
	observability.RecordOracleCall("ok")
	if est.Probability < p.opts.OracleThreshold {
		return Inconclusive
	}
	reason := fmt.Sprintf("oracle estimates spam at %.0f%%", est.Probability*100)
	if est.Reason != "" {
		reason += ": " + est.Reason
	}
	return Decisive(Decision{
		Action:     ActionDelete,
		Reason:     reason,
		Confidence: confidence(est.Probability),
		Stage:      StageOracle,
		Violation:  db.ViolationOracle,
	})
}
