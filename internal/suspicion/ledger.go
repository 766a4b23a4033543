// Package suspicion tracks early behaviour of users that are not yet trusted.
package suspicion

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/iamwavecut/doorman/internal/db"
)

type Scorer interface {
	Score(messages []string) float64
}

type Options struct {
	SampleSize int
	// Watermark is the mimicry score above which a candidate becomes a tracked record.
	Watermark float64
	// ScrutinyThreshold enables deep scrutiny once the score reaches it. Zero never does.
	ScrutinyThreshold float64
}

type Ledger struct {
	records    *xsync.MapOf[db.Identity, db.SuspicionRecord]
	candidates *xsync.MapOf[db.Identity, db.SuspicionRecord]
	scorer     Scorer
	opts       Options
	now        func() time.Time
}

type RecordResult struct {
	Record db.SuspicionRecord
	// Tracked is false while the identity is only a candidate below the watermark.
	Tracked bool
	// ScrutinyEnabled is set on the message that switched deep scrutiny on.
	ScrutinyEnabled bool
}

type Stats struct {
	Total        int           `json:"total"`
	DeepScrutiny int           `json:"deep_scrutiny"`
	Candidates   int           `json:"candidates"`
	PerChat      map[int64]int `json:"per_chat"`
}

func NewLedger(scorer Scorer, opts Options) *Ledger {
	if opts.SampleSize <= 0 {
		opts.SampleSize = 5
	}
	return &Ledger{
		records:    xsync.NewMapOf[db.Identity, db.SuspicionRecord](),
		candidates: xsync.NewMapOf[db.Identity, db.SuspicionRecord](),
		scorer:     scorer,
		opts:       opts,
		now:        time.Now,
	}
}

// RecordMessage appends text to the bounded sample, rescores and bumps the message count.
func (l *Ledger) RecordMessage(id db.Identity, text string) RecordResult {
	var res RecordResult
	l.records.Compute(id, func(r db.SuspicionRecord, loaded bool) (db.SuspicionRecord, bool) {
		if !loaded {
			return r, true
		}
		before := r.DeepScrutinyEnabled
		l.apply(&r, text)
		if l.reachesScrutiny(r.MimicryScore) {
			r.DeepScrutinyEnabled = true
		}
		res = RecordResult{Record: r.Clone(), Tracked: true, ScrutinyEnabled: !before && r.DeepScrutinyEnabled}
		return r, false
	})
	if res.Tracked {
		return res
	}

	var promoted *db.SuspicionRecord
	l.candidates.Compute(id, func(r db.SuspicionRecord, loaded bool) (db.SuspicionRecord, bool) {
		if !loaded {
			r = db.SuspicionRecord{UserID: id.UserID, ChatID: id.ChatID, FirstSeenAt: l.now()}
		}
		l.apply(&r, text)
		if r.MimicryScore > l.opts.Watermark {
			r.DeepScrutinyEnabled = l.reachesScrutiny(r.MimicryScore)
			p := r.Clone()
			promoted = &p
			return r, true
		}
		res = RecordResult{Record: r.Clone()}
		return r, false
	})
	if promoted == nil {
		return res
	}

	stored, _ := l.records.Compute(id, func(r db.SuspicionRecord, loaded bool) (db.SuspicionRecord, bool) {
		if loaded {
			return r, false
		}
		return *promoted, false
	})
	return RecordResult{Record: stored.Clone(), Tracked: true, ScrutinyEnabled: stored.DeepScrutinyEnabled}
}

func (l *Ledger) reachesScrutiny(score float64) bool {
	return l.opts.ScrutinyThreshold > 0 && score >= l.opts.ScrutinyThreshold
}

func (l *Ledger) apply(r *db.SuspicionRecord, text string) {
	samples := append(r.SampleMessages.Clone(), text)
	if over := len(samples) - l.opts.SampleSize; over > 0 {
		samples = samples[over:]
	}
	r.SampleMessages = samples
	r.MessageCount++
	if l.scorer != nil && r.MessageCount <= l.opts.SampleSize {
		r.MimicryScore = l.scorer.Score(samples)
	}
}

// StartBaseline opens a tracked record with zero score, used when a user passes the captcha.
func (l *Ledger) StartBaseline(id db.Identity) {
	now := l.now()
	l.candidates.Delete(id)
	l.records.Compute(id, func(r db.SuspicionRecord, loaded bool) (db.SuspicionRecord, bool) {
		if loaded {
			return r, false
		}
		return db.SuspicionRecord{UserID: id.UserID, ChatID: id.ChatID, FirstSeenAt: now}, false
	})
}

func (l *Ledger) Get(id db.Identity) (db.SuspicionRecord, bool) {
	r, ok := l.records.Load(id)
	if !ok {
		return r, false
	}
	return r.Clone(), true
}

func (l *Ledger) Has(id db.Identity) bool {
	_, ok := l.records.Load(id)
	return ok
}

// SetDeepScrutiny toggles oracle checks for a tracked identity. Returns false when the
// identity is not tracked.
func (l *Ledger) SetDeepScrutiny(id db.Identity, enabled bool) bool {
	found := false
	l.records.Compute(id, func(r db.SuspicionRecord, loaded bool) (db.SuspicionRecord, bool) {
		if !loaded {
			return r, true
		}
		found = true
		r.DeepScrutinyEnabled = enabled
		return r, false
	})
	return found
}

func (l *Ledger) DeepScrutinyUsers() []db.Identity {
	var res []db.Identity
	l.records.Range(func(id db.Identity, r db.SuspicionRecord) bool {
		if r.DeepScrutinyEnabled {
			res = append(res, id)
		}
		return true
	})
	return res
}

// Clear drops both the record and any candidate sample. Absent identities are a no-op.
func (l *Ledger) Clear(id db.Identity) {
	l.records.Delete(id)
	l.candidates.Delete(id)
}

// ClearUser drops the user's records in every chat.
func (l *Ledger) ClearUser(userID int64) {
	for _, m := range []*xsync.MapOf[db.Identity, db.SuspicionRecord]{l.records, l.candidates} {
		m.Range(func(id db.Identity, _ db.SuspicionRecord) bool {
			if id.UserID == userID {
				m.Delete(id)
			}
			return true
		})
	}
}

func (l *Ledger) Stats() Stats {
	st := Stats{PerChat: map[int64]int{}, Candidates: l.candidates.Size()}
	l.records.Range(func(id db.Identity, r db.SuspicionRecord) bool {
		st.Total++
		st.PerChat[id.ChatID]++
		if r.DeepScrutinyEnabled {
			st.DeepScrutiny++
		}
		return true
	})
	return st
}

func (l *Ledger) Snapshot() []*db.SuspicionRecord {
	res := make([]*db.SuspicionRecord, 0, l.records.Size())
	l.records.Range(func(_ db.Identity, r db.SuspicionRecord) bool {
		c := r.Clone()
		res = append(res, &c)
		return true
	})
	return res
}

func (l *Ledger) Restore(records []*db.SuspicionRecord) {
	l.records.Clear()
	l.candidates.Clear()
	for _, r := range records {
		if r == nil {
			continue
		}
		l.records.Store(r.Identity(), r.Clone())
	}
}
