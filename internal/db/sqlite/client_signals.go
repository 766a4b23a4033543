package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/iamwavecut/doorman/internal/db"
)

const banlistChunkSize = 500

func (c *sqliteClient) AddKnownBad(ctx context.Context, hash string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, `INSERT OR IGNORE INTO known_bad_messages (hash) VALUES (?)`, hash)
	if err != nil {
		return fmt.Errorf("add known bad hash: %w", err)
	}
	return nil
}

func (c *sqliteClient) GetKnownBad(ctx context.Context) ([]string, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var hashes []string
	if err := c.db.SelectContext(ctx, &hashes, `SELECT hash FROM known_bad_messages`); err != nil {
		return nil, fmt.Errorf("get known bad hashes: %w", err)
	}
	return hashes, nil
}

func (c *sqliteClient) AddSpamHamSample(ctx context.Context, text string, isSpam bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.db.ExecContext(ctx, `INSERT INTO spam_ham_samples (text, is_spam) VALUES (?, ?)`, text, isSpam)
	if err != nil {
		return fmt.Errorf("add spam ham sample: %w", err)
	}
	return nil
}

func (c *sqliteClient) GetSpamHamSamples(ctx context.Context) ([]*db.SpamHamSample, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var samples []*db.SpamHamSample
	if err := c.db.SelectContext(ctx, &samples, `SELECT id, text, is_spam, created_at FROM spam_ham_samples ORDER BY id`); err != nil {
		return nil, fmt.Errorf("get spam ham samples: %w", err)
	}
	return samples, nil
}

func (c *sqliteClient) UpsertBanlist(ctx context.Context, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for start := 0; start < len(userIDs); start += banlistChunkSize {
		end := min(start+banlistChunkSize, len(userIDs))
		values := make([]string, 0, end-start)
		for range userIDs[start:end] {
			values = append(values, "(?)")
		}
		query := "INSERT OR IGNORE INTO banlist (user_id) VALUES " + strings.Join(values, ",")
		args := make([]any, 0, end-start)
		for _, id := range userIDs[start:end] {
			args = append(args, id)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert banlist chunk: %w", err)
		}
	}
	return tx.Commit()
}

func (c *sqliteClient) GetBanlist(ctx context.Context) (map[int64]struct{}, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	var ids []int64
	if err := c.db.SelectContext(ctx, &ids, `SELECT user_id FROM banlist`); err != nil {
		return nil, fmt.Errorf("get banlist: %w", err)
	}
	res := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		res[id] = struct{}{}
	}
	return res, nil
}

// RemoveFromBanlist drops ids, used when an admin overrides a feed entry.
func (c *sqliteClient) RemoveFromBanlist(ctx context.Context, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query, args, err := sqlx.In(`DELETE FROM banlist WHERE user_id IN (?)`, userIDs)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, c.db.Rebind(query), args...)
	return err
}
