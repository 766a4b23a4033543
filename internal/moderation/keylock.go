package moderation

import (
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/iamwavecut/doorman/internal/db"
)

const lockShards = 64

// keyLock serializes work per identity without a global lock. Distinct identities may
// share a shard.
type keyLock struct {
	shards [lockShards]sync.Mutex
}

func (k *keyLock) shard(id db.Identity) *sync.Mutex {
	d := xxhash.New()
	_, _ = d.WriteString(strconv.FormatInt(id.ChatID, 10))
	_, _ = d.WriteString(":")
	_, _ = d.WriteString(strconv.FormatInt(id.UserID, 10))
	return &k.shards[d.Sum64()%lockShards]
}

func (k *keyLock) Lock(id db.Identity) func() {
	m := k.shard(id)
	m.Lock()
	return m.Unlock
}
