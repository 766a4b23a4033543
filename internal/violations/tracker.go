// Package violations counts moderation violations per identity inside a rolling window.
package violations

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/iamwavecut/doorman/internal/db"
)

const defaultCapacity = 100_000

type Options struct {
	// Ceiling is the aggregate count that triggers escalation. Zero disables it.
	Ceiling int
	// PerType ceilings; a zero or missing entry disables the per-type check.
	PerType  map[db.ViolationType]int
	Window   time.Duration
	Capacity int
}

// Tracker stores records as immutable values; an update replaces the cached pointer.
type Tracker struct {
	cache *expirable.LRU[db.Identity, *db.ViolationRecord]
	// busy serializes read-modify-write per identity: its Compute holds the key's bucket.
	busy *xsync.MapOf[db.Identity, struct{}]
	opts Options
	now  func() time.Time
}

func NewTracker(opts Options) *Tracker {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	return &Tracker{
		cache: expirable.NewLRU[db.Identity, *db.ViolationRecord](opts.Capacity, nil, opts.Window),
		busy:  xsync.NewMapOf[db.Identity, struct{}](),
		opts:  opts,
		now:   time.Now,
	}
}

func (t *Tracker) withIdentity(id db.Identity, fn func()) {
	t.busy.Compute(id, func(struct{}, bool) (struct{}, bool) {
		fn()
		return struct{}{}, true
	})
}

// RegisterViolation bumps the counter for the type and reports whether the identity has
// reached a ceiling and must be banned.
func (t *Tracker) RegisterViolation(id db.Identity, vt db.ViolationType) bool {
	var counts db.ViolationCounts
	t.withIdentity(id, func() {
		next := &db.ViolationRecord{UserID: id.UserID, ChatID: id.ChatID, Counts: db.ViolationCounts{}}
		if rec, ok := t.cache.Get(id); ok {
			next.Counts = rec.Counts.Clone()
		}
		next.Counts[vt]++
		next.UpdatedAt = t.now()
		t.cache.Add(id, next)
		counts = next.Counts
	})

	if limit := t.opts.PerType[vt]; limit > 0 && counts[vt] >= limit {
		return true
	}
	return t.opts.Ceiling > 0 && counts.Total() >= t.opts.Ceiling
}

func (t *Tracker) Counts(id db.Identity) db.ViolationCounts {
	rec, ok := t.cache.Peek(id)
	if !ok {
		return db.ViolationCounts{}
	}
	return rec.Counts.Clone()
}

func (t *Tracker) Has(id db.Identity) bool {
	return t.cache.Contains(id)
}

// Clear forgets the identity. Absent identities are a no-op.
func (t *Tracker) Clear(id db.Identity) {
	t.withIdentity(id, func() {
		t.cache.Remove(id)
	})
}

func (t *Tracker) Len() int {
	return t.cache.Len()
}

func (t *Tracker) Snapshot() []*db.ViolationRecord {
	values := t.cache.Values()
	res := make([]*db.ViolationRecord, 0, len(values))
	for _, v := range values {
		c := *v
		c.Counts = v.Counts.Clone()
		res = append(res, &c)
	}
	return res
}

// Restore replaces the content with records still inside the window.
func (t *Tracker) Restore(records []*db.ViolationRecord) {
	t.cache.Purge()
	cutoff := t.now().Add(-t.opts.Window)
	for _, r := range records {
		if r == nil || r.UpdatedAt.Before(cutoff) {
			continue
		}
		c := *r
		c.Counts = r.Counts.Clone()
		t.cache.Add(r.Identity(), &c)
	}
}
