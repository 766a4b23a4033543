package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/iamwavecut/tool"
	"github.com/jmoiron/sqlx"
	migrate "github.com/rubenv/sql-migrate"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/iamwavecut/doorman/internal/db"
	"github.com/iamwavecut/doorman/resources"
)

const dsnPragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

type sqliteClient struct {
	db    *sqlx.DB
	mutex sync.RWMutex
}

var _ db.Client = (*sqliteClient)(nil)

func NewSQLiteClient(ctx context.Context, dir, file string) (*sqliteClient, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dbx, err := sqlx.ConnectContext(ctx, "sqlite", filepath.Join(dir, file)+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	dbx.SetMaxOpenConns(8)

	migrationsSource := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: resources.FS,
		Root:       "migrations",
	}
	n, err := migrate.ExecContext(ctx, dbx.DB, "sqlite3", migrationsSource, migrate.Up)
	if err != nil {
		_ = dbx.Close()
		return nil, fmt.Errorf("migrate up: %w", err)
	}
	if n > 0 {
		log.WithField("object", "sqliteClient").Infof("applied %d migrations", n)
	}

	return &sqliteClient{db: dbx}, nil
}

func (c *sqliteClient) Close() error {
	return c.db.Close()
}

func (c *sqliteClient) GetSettings(ctx context.Context, chatID int64) (*db.Settings, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	res := &db.Settings{}
	err := c.db.GetContext(ctx, res, `
		SELECT id, captcha_enabled, strict_captcha, challenge_timeout, captcha_ban_duration, language
		FROM chats WHERE id = ?
	`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settings for chat %d: %w", chatID, err)
	}
	return res, nil
}

func (c *sqliteClient) SetSettings(ctx context.Context, settings *db.Settings) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	query := `
		INSERT INTO chats (id, captcha_enabled, strict_captcha, challenge_timeout, captcha_ban_duration, language)
		VALUES (:id, :captcha_enabled, :strict_captcha, :challenge_timeout, :captcha_ban_duration, :language)
		ON CONFLICT(id) DO UPDATE SET
		captcha_enabled=excluded.captcha_enabled,
		strict_captcha=excluded.strict_captcha,
		challenge_timeout=excluded.challenge_timeout,
		captcha_ban_duration=excluded.captcha_ban_duration,
		language=excluded.language
	`
	return tool.Err(c.db.NamedExecContext(ctx, query, settings))
}

// replaceAll swaps the content of a table for the given rows inside one transaction.
func (c *sqliteClient) replaceAll(ctx context.Context, table, insert string, rows []any) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("truncate %s: %w", table, err)
	}
	if len(rows) > 0 {
		stmt, err := tx.PrepareNamedContext(ctx, insert)
		if err != nil {
			return fmt.Errorf("prepare %s insert: %w", table, err)
		}
		defer stmt.Close()
		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, row); err != nil {
				return fmt.Errorf("insert into %s: %w", table, err)
			}
		}
	}
	return tx.Commit()
}
