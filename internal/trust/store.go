// Package trust keeps approvals and bans per (user, chat) and globally.
package trust

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/iamwavecut/doorman/internal/db"
)

// globalChat is the chat id under which global records live.
const globalChat int64 = 0

type Store struct {
	records *xsync.MapOf[db.Identity, db.TrustRecord]
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		records: xsync.NewMapOf[db.Identity, db.TrustRecord](),
		now:     time.Now,
	}
}

func globalIdentity(userID int64) db.Identity {
	return db.Identity{UserID: userID, ChatID: globalChat}
}

// IsApproved reports a chat approval or a global one.
func (s *Store) IsApproved(id db.Identity) bool {
	if r, ok := s.records.Load(id); ok && r.Approved && !r.BanActive(s.now()) {
		return true
	}
	r, ok := s.records.Load(globalIdentity(id.UserID))
	return ok && r.Approved && r.Global && !r.BannedGlobally
}

// IsBanned reports an active chat ban or a global ban.
func (s *Store) IsBanned(id db.Identity) bool {
	now := s.now()
	if r, ok := s.records.Load(globalIdentity(id.UserID)); ok && r.BannedGlobally {
		return true
	}
	r, ok := s.records.Load(id)
	return ok && r.BanActive(now)
}

func (s *Store) Get(id db.Identity) (db.TrustRecord, bool) {
	return s.records.Load(id)
}

// Approve marks the identity approved in its chat, or globally for the user. Approval
// supersedes any chat ban on the same record.
func (s *Store) Approve(id db.Identity, global bool) {
	now := s.now()
	key := id
	if global {
		key = globalIdentity(id.UserID)
	}
	s.records.Compute(key, func(old db.TrustRecord, _ bool) (db.TrustRecord, bool) {
		old.UserID, old.ChatID = key.UserID, key.ChatID
		old.Approved = true
		old.Global = global
		old.Banned = false
		old.BannedGlobally = false
		old.BannedUntil = time.Time{}
		old.UpdatedAt = now
		return old, false
	})
	if global {
		// a chat-level ban must not outlive a global approval
		s.records.Compute(id, func(old db.TrustRecord, loaded bool) (db.TrustRecord, bool) {
			if !loaded {
				return old, true
			}
			old.Banned = false
			old.BannedUntil = time.Time{}
			old.UpdatedAt = now
			return old, false
		})
	}
}

// MarkBanned records a chat ban that lasts until the given instant (zero: forever), or a
// global ban. Any approval for the identity is withdrawn.
func (s *Store) MarkBanned(id db.Identity, until time.Time, global bool) {
	now := s.now()
	s.records.Compute(id, func(old db.TrustRecord, _ bool) (db.TrustRecord, bool) {
		old.UserID, old.ChatID = id.UserID, id.ChatID
		old.Approved = false
		old.Global = false
		old.Banned = true
		old.BannedUntil = until
		old.UpdatedAt = now
		return old, false
	})
	if !global {
		return
	}
	s.records.Compute(globalIdentity(id.UserID), func(old db.TrustRecord, _ bool) (db.TrustRecord, bool) {
		old.UserID, old.ChatID = id.UserID, globalChat
		old.Approved = false
		old.Global = false
		old.BannedGlobally = true
		old.UpdatedAt = now
		return old, false
	})
}

// Unban lifts the chat ban and, when asked, the global one. Records are kept.
func (s *Store) Unban(id db.Identity, global bool) {
	now := s.now()
	lift := func(old db.TrustRecord, loaded bool) (db.TrustRecord, bool) {
		if !loaded {
			return old, true
		}
		old.Banned = false
		old.BannedUntil = time.Time{}
		if global {
			old.BannedGlobally = false
		}
		old.UpdatedAt = now
		return old, false
	}
	s.records.Compute(id, lift)
	if global {
		s.records.Compute(globalIdentity(id.UserID), lift)
	}
}

// Snapshot copies every record for persistence.
func (s *Store) Snapshot() []*db.TrustRecord {
	res := make([]*db.TrustRecord, 0, s.records.Size())
	s.records.Range(func(_ db.Identity, r db.TrustRecord) bool {
		res = append(res, &r)
		return true
	})
	return res
}

// Restore replaces the store content with the given records.
func (s *Store) Restore(records []*db.TrustRecord) {
	s.records.Clear()
	for _, r := range records {
		if r == nil {
			continue
		}
		s.records.Store(r.Identity(), *r)
	}
}

func (s *Store) Len() int {
	return s.records.Size()
}
