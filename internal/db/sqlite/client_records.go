package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/iamwavecut/doorman/internal/db"
)

func (c *sqliteClient) LoadTrust(ctx context.Context) ([]*db.TrustRecord, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var records []*db.TrustRecord
	err := c.db.SelectContext(ctx, &records, `
		SELECT user_id, chat_id, approved, global, banned, banned_globally, banned_until, updated_at
		FROM trust_records
		ORDER BY user_id, chat_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load trust records: %w", err)
	}
	return records, nil
}

func (c *sqliteClient) SaveTrust(ctx context.Context, records []*db.TrustRecord) error {
	rows := make([]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, r)
	}
	return c.replaceAll(ctx, "trust_records", `
		INSERT INTO trust_records (user_id, chat_id, approved, global, banned, banned_globally, banned_until, updated_at)
		VALUES (:user_id, :chat_id, :approved, :global, :banned, :banned_globally, :banned_until, :updated_at)
	`, rows)
}

func (c *sqliteClient) LoadSuspicion(ctx context.Context) ([]*db.SuspicionRecord, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var records []*db.SuspicionRecord
	err := c.db.SelectContext(ctx, &records, `
		SELECT user_id, chat_id, first_seen_at, sample_messages, mimicry_score, deep_scrutiny, message_count
		FROM suspicion_records
		ORDER BY user_id, chat_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load suspicion records: %w", err)
	}
	return records, nil
}

func (c *sqliteClient) SaveSuspicion(ctx context.Context, records []*db.SuspicionRecord) error {
	rows := make([]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, r)
	}
	return c.replaceAll(ctx, "suspicion_records", `
		INSERT INTO suspicion_records (user_id, chat_id, first_seen_at, sample_messages, mimicry_score, deep_scrutiny, message_count)
		VALUES (:user_id, :chat_id, :first_seen_at, :sample_messages, :mimicry_score, :deep_scrutiny, :message_count)
	`, rows)
}

// LoadViolations skips records last touched before since, they are past the counting window.
func (c *sqliteClient) LoadViolations(ctx context.Context, since time.Time) ([]*db.ViolationRecord, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var records []*db.ViolationRecord
	err := c.db.SelectContext(ctx, &records, `
		SELECT user_id, chat_id, counts, updated_at
		FROM violation_records
		WHERE updated_at >= ?
		ORDER BY user_id, chat_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("load violation records: %w", err)
	}
	return records, nil
}

func (c *sqliteClient) SaveViolations(ctx context.Context, records []*db.ViolationRecord) error {
	rows := make([]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, r)
	}
	return c.replaceAll(ctx, "violation_records", `
		INSERT INTO violation_records (user_id, chat_id, counts, updated_at)
		VALUES (:user_id, :chat_id, :counts, :updated_at)
	`, rows)
}
