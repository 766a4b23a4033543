package signals

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"sync"
	"unicode/utf8"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/iamwavecut/doorman/internal/utils/text"
)

const (
	// MinKnownBadLength keeps short phrases out of the known-bad set.
	MinKnownBadLength = 30

	knownBadCapacity = 100_000
	knownBadFPRate   = 0.001
)

type knownBadStore interface {
	AddKnownBad(ctx context.Context, hash string) error
	GetKnownBad(ctx context.Context) ([]string, error)
}

// KnownBad matches messages against hashes of texts admins have marked as spam.
type KnownBad struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
	hashes map[string]struct{}
	store  knownBadStore
}

func NewKnownBad(store knownBadStore) *KnownBad {
	return &KnownBad{
		filter: bloom.NewWithEstimates(knownBadCapacity, knownBadFPRate),
		hashes: map[string]struct{}{},
		store:  store,
	}
}

// HashText is the SHA-512 of the normalized message, hex encoded.
func HashText(message string) string {
	sum := sha512.Sum512([]byte(text.NormalizeText(message)))
	return hex.EncodeToString(sum[:])
}

// Load replaces the in-memory set with the persisted hashes.
func (k *KnownBad) Load(ctx context.Context) error {
	if k.store == nil {
		return nil
	}
	hashes, err := k.store.GetKnownBad(ctx)
	if err != nil {
		return errors.WithMessage(err, "load known bad hashes")
	}
	filter := bloom.NewWithEstimates(knownBadCapacity, knownBadFPRate)
	set := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		filter.AddString(h)
		set[h] = struct{}{}
	}

	k.mu.Lock()
	k.filter, k.hashes = filter, set
	k.mu.Unlock()
	k.getLogEntry().WithField("count", len(set)).Debug("known bad hashes loaded")
	return nil
}

func (k *KnownBad) IsKnownBad(message string) bool {
	if message == "" {
		return false
	}
	h := HashText(message)
	k.mu.RLock()
	defer k.mu.RUnlock()
	if !k.filter.TestString(h) {
		return false
	}
	_, ok := k.hashes[h]
	return ok
}

// MarkAsBad remembers the message. Short messages are ignored and reported as not added.
func (k *KnownBad) MarkAsBad(ctx context.Context, message string) (bool, error) {
	if utf8.RuneCountInString(message) <= MinKnownBadLength {
		return false, nil
	}
	h := HashText(message)

	k.mu.Lock()
	_, exists := k.hashes[h]
	if !exists {
		k.filter.AddString(h)
		k.hashes[h] = struct{}{}
	}
	k.mu.Unlock()
	if exists || k.store == nil {
		return !exists, nil
	}
	if err := k.store.AddKnownBad(ctx, h); err != nil {
		return true, errors.WithMessage(err, "persist known bad hash")
	}
	return true, nil
}

func (k *KnownBad) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.hashes)
}

func (k *KnownBad) getLogEntry() *log.Entry {
	return log.WithField("object", "KnownBad")
}
