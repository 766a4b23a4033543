package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type (
	// Identity keys every trust, suspicion and violation record.
	Identity struct {
		UserID int64 `db:"user_id" json:"user_id"`
		ChatID int64 `db:"chat_id" json:"chat_id"`
	}

	// ChallengeKey keys the captcha table. Mirrors Identity with chat first.
	ChallengeKey struct {
		ChatID int64
		UserID int64
	}

	TrustRecord struct {
		UserID         int64     `db:"user_id"`
		ChatID         int64     `db:"chat_id"`
		Approved       bool      `db:"approved"`
		Global         bool      `db:"global"`
		Banned         bool      `db:"banned"`
		BannedGlobally bool      `db:"banned_globally"`
		BannedUntil    time.Time `db:"banned_until"`
		UpdatedAt      time.Time `db:"updated_at"`
	}

	SuspicionRecord struct {
		UserID              int64     `db:"user_id"`
		ChatID              int64     `db:"chat_id"`
		FirstSeenAt         time.Time `db:"first_seen_at"`
		SampleMessages      Samples   `db:"sample_messages"`
		MimicryScore        float64   `db:"mimicry_score"`
		DeepScrutinyEnabled bool      `db:"deep_scrutiny"`
		MessageCount        int       `db:"message_count"`
	}

	ViolationRecord struct {
		UserID    int64           `db:"user_id"`
		ChatID    int64           `db:"chat_id"`
		Counts    ViolationCounts `db:"counts"`
		UpdatedAt time.Time       `db:"updated_at"`
	}

	ViolationType string

	ViolationCounts map[ViolationType]int

	Samples []string

	SpamHamSample struct {
		ID        int64     `db:"id"`
		Text      string    `db:"text"`
		IsSpam    bool      `db:"is_spam"`
		CreatedAt time.Time `db:"created_at"`
	}
)

const (
	ViolationKnownBad     ViolationType = "known_bad"
	ViolationMLSpam       ViolationType = "ml_spam"
	ViolationStopWords    ViolationType = "stop_words"
	ViolationEmojis       ViolationType = "too_many_emojis"
	ViolationLookalike    ViolationType = "lookalike_symbols"
	ViolationButtons      ViolationType = "buttons"
	ViolationStory        ViolationType = "story"
	ViolationEmpty        ViolationType = "empty_content"
	ViolationOracle       ViolationType = "oracle"
	ViolationManualReview ViolationType = "manual_review"
	ViolationBanned       ViolationType = "banned"
)

func (i Identity) String() string {
	return strconv.FormatInt(i.ChatID, 10) + "_" + strconv.FormatInt(i.UserID, 10)
}

func (i Identity) Key() ChallengeKey {
	return ChallengeKey{ChatID: i.ChatID, UserID: i.UserID}
}

func (k ChallengeKey) Identity() Identity {
	return Identity{UserID: k.UserID, ChatID: k.ChatID}
}

func (k ChallengeKey) String() string {
	return k.Identity().String()
}

// IsPrivateChat reports whether the chat is a one-to-one conversation. Telegram gives
// private chats the positive id of the peer, groups and channels are negative.
func IsPrivateChat(chatID int64) bool {
	return chatID > 0
}

func (r *TrustRecord) Identity() Identity {
	return Identity{UserID: r.UserID, ChatID: r.ChatID}
}

// BanActive reports whether the chat-level ban still holds at the given instant.
func (r *TrustRecord) BanActive(now time.Time) bool {
	if r == nil {
		return false
	}
	if r.BannedGlobally {
		return true
	}
	if !r.Banned {
		return false
	}
	return r.BannedUntil.IsZero() || now.Before(r.BannedUntil)
}

func (r *SuspicionRecord) Identity() Identity {
	return Identity{UserID: r.UserID, ChatID: r.ChatID}
}

func (r *ViolationRecord) Identity() Identity {
	return Identity{UserID: r.UserID, ChatID: r.ChatID}
}

// Total sums every category.
func (c ViolationCounts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

func (c ViolationCounts) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	b, err := json.Marshal(c)
	return string(b), err
}

func (c *ViolationCounts) Scan(v interface{}) error {
	return scanJSON(v, c)
}

func (s Samples) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	return string(b), err
}

func (s *Samples) Scan(v interface{}) error {
	return scanJSON(v, s)
}

func scanJSON(v interface{}, target any) error {
	switch data := v.(type) {
	case nil:
		return nil
	case string:
		return json.Unmarshal([]byte(data), target)
	case []byte:
		return json.Unmarshal(data, target)
	default:
		return fmt.Errorf("cannot scan type %T into %T", v, target)
	}
}

func (s Samples) Clone() Samples {
	if s == nil {
		return nil
	}
	return append(Samples(nil), s...)
}

func (r SuspicionRecord) Clone() SuspicionRecord {
	r.SampleMessages = r.SampleMessages.Clone()
	return r
}

func (c ViolationCounts) Clone() ViolationCounts {
	res := make(ViolationCounts, len(c))
	for k, v := range c {
		res[k] = v
	}
	return res
}
