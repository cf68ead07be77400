package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Versions holds the authoritative version of every document. Advance is
// a compare-and-set: it moves documentID from parent to parent+1 and
// reports false with the current version when parent is stale. Revert
// undoes an Advance to version, unless another one followed it.
type Versions interface {
	Current(ctx context.Context, documentID string) (int64, error)
	Advance(ctx context.Context, documentID string, parent int64) (int64, bool, error)
	Revert(ctx context.Context, documentID string, version int64) (bool, error)
}

// Seed returns the version a document starts from when it is first seen.
type Seed func(ctx context.Context, documentID string) (int64, error)

type MemoryVersions struct {
	seed Seed

	mu sync.Mutex
	m  map[string]int64
}

func NewMemoryVersions(seed Seed) *MemoryVersions {
	return &MemoryVersions{seed: seed, m: make(map[string]int64)}
}

// load is called with mu held.
func (v *MemoryVersions) load(ctx context.Context, documentID string) (int64, error) {
	if cur, ok := v.m[documentID]; ok {
		return cur, nil
	}
	var cur int64
	if v.seed != nil {
		var err error
		if cur, err = v.seed(ctx, documentID); err != nil {
			return 0, err
		}
	}
	v.m[documentID] = cur
	return cur, nil
}

func (v *MemoryVersions) Current(ctx context.Context, documentID string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.load(ctx, documentID)
}

func (v *MemoryVersions) Advance(ctx context.Context, documentID string, parent int64) (int64, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cur, err := v.load(ctx, documentID)
	if err != nil {
		return 0, false, err
	}
	if cur != parent {
		return cur, false, nil
	}
	v.m[documentID] = cur + 1
	return cur + 1, true, nil
}

func (v *MemoryVersions) Revert(ctx context.Context, documentID string, version int64) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.m[documentID]; !ok || cur != version {
		return false, nil
	}
	v.m[documentID] = version - 1
	return true, nil
}

// KEYS[1] version key, ARGV[1] expected parent (-1 to only read),
// ARGV[2] seed used when the key does not exist yet.
var advanceScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
	cur = ARGV[2]
	redis.call('SET', KEYS[1], cur)
end
cur = tonumber(cur)
local parent = tonumber(ARGV[1])
if parent < 0 or cur ~= parent then
	return {0, cur}
end
redis.call('SET', KEYS[1], cur + 1)
return {1, cur + 1}
`)

// KEYS[1] version key, ARGV[1] version to step back from.
var revertScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) == tonumber(ARGV[1]) then
	redis.call('SET', KEYS[1], tonumber(ARGV[1]) - 1)
	return 1
end
return 0
`)

// RedisVersions shares authoritative versions between backbone instances.
type RedisVersions struct {
	rdb    *redis.Client
	prefix string
	seed   Seed

	mu     sync.Mutex
	seeded map[string]bool
}

func NewRedisVersions(rdb *redis.Client, seed Seed) *RedisVersions {
	return &RedisVersions{rdb: rdb, prefix: "padsync:version:", seed: seed, seeded: make(map[string]bool)}
}

// seedFor only consults the seed the first time this instance touches a
// document; after that the key is known to exist.
func (v *RedisVersions) seedFor(ctx context.Context, documentID string) (int64, error) {
	v.mu.Lock()
	done := v.seeded[documentID]
	v.mu.Unlock()
	if done || v.seed == nil {
		return 0, nil
	}
	seed, err := v.seed(ctx, documentID)
	if err != nil {
		return 0, err
	}
	v.mu.Lock()
	v.seeded[documentID] = true
	v.mu.Unlock()
	return seed, nil
}

func (v *RedisVersions) run(ctx context.Context, documentID string, parent int64) (int64, bool, error) {
	seed, err := v.seedFor(ctx, documentID)
	if err != nil {
		return 0, false, err
	}
	res, err := advanceScript.Run(ctx, v.rdb, []string{v.prefix + documentID}, parent, seed).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("version script returned %v", res)
	}
	return res[1], res[0] == 1, nil
}

func (v *RedisVersions) Current(ctx context.Context, documentID string) (int64, error) {
	cur, _, err := v.run(ctx, documentID, -1)
	return cur, err
}

func (v *RedisVersions) Advance(ctx context.Context, documentID string, parent int64) (int64, bool, error) {
	return v.run(ctx, documentID, parent)
}

func (v *RedisVersions) Revert(ctx context.Context, documentID string, version int64) (bool, error) {
	n, err := revertScript.Run(ctx, v.rdb, []string{v.prefix + documentID}, version).Int()
	return n == 1, err
}
