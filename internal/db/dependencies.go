package db

import (
	"context"
	"time"
)

// Client is the persistence surface the service wires at startup. Consumers depend on
// narrower interfaces declared next to them.
type Client interface {
	Close() error

	GetSettings(ctx context.Context, chatID int64) (*Settings, error)
	SetSettings(ctx context.Context, settings *Settings) error

	LoadTrust(ctx context.Context) ([]*TrustRecord, error)
	SaveTrust(ctx context.Context, records []*TrustRecord) error
	LoadSuspicion(ctx context.Context) ([]*SuspicionRecord, error)
	SaveSuspicion(ctx context.Context, records []*SuspicionRecord) error
	LoadViolations(ctx context.Context, since time.Time) ([]*ViolationRecord, error)
	SaveViolations(ctx context.Context, records []*ViolationRecord) error

	AddKnownBad(ctx context.Context, hash string) error
	GetKnownBad(ctx context.Context) ([]string, error)

	AddSpamHamSample(ctx context.Context, text string, isSpam bool) error
	GetSpamHamSamples(ctx context.Context) ([]*SpamHamSample, error)

	UpsertBanlist(ctx context.Context, userIDs []int64) error
	GetBanlist(ctx context.Context) (map[int64]struct{}, error)
	RemoveFromBanlist(ctx context.Context, userIDs []int64) error

	GetKV(ctx context.Context, key string) (string, error)
	SetKV(ctx context.Context, key string, value string) error
}
