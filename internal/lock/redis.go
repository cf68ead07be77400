package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ilnaes/padsync/internal/common"
)

// KEYS[1] lock key, ARGV[1] releasing holder, ARGV[2] "1" to force.
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
	return 1
end
if ARGV[2] == '1' or cjson.decode(v)['holderId'] == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

// RedisTable keeps locks in redis so every backbone instance sharing it
// sees the same holder.
type RedisTable struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisTable(rdb *redis.Client) *RedisTable {
	return &RedisTable{rdb: rdb, prefix: "padsync:lock:", now: time.Now}
}

func (t *RedisTable) Acquire(ctx context.Context, documentID string, holder common.Identity) (Lock, error) {
	l := Lock{
		DocumentID: documentID,
		HolderID:   holder.UserID,
		HolderName: holder.DisplayName,
		AcquiredAt: t.now(),
	}
	b, err := json.Marshal(l)
	if err != nil {
		return Lock{}, err
	}

	// the holder may release between SETNX and GET
	for i := 0; i < 3; i++ {
		ok, err := t.rdb.SetNX(ctx, t.prefix+documentID, b, 0).Result()
		if err != nil {
			return Lock{}, err
		}
		if ok {
			return l, nil
		}
		cur, err := t.get(ctx, documentID)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Lock{}, err
		}
		return Lock{}, &common.LockDeniedError{DocumentID: documentID, HolderID: cur.HolderID, HolderName: cur.HolderName}
	}
	return Lock{}, fmt.Errorf("lock %s: contended", documentID)
}

func (t *RedisTable) Release(ctx context.Context, documentID, holderID string, force bool) error {
	f := "0"
	if force {
		f = "1"
	}
	n, err := releaseScript.Run(ctx, t.rdb, []string{t.prefix + documentID}, holderID, f).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.ErrNotHolder
	}
	return nil
}

func (t *RedisTable) get(ctx context.Context, documentID string) (Lock, error) {
	b, err := t.rdb.Get(ctx, t.prefix+documentID).Bytes()
	if err != nil {
		return Lock{}, err
	}
	var l Lock
	err = json.Unmarshal(b, &l)
	return l, err
}

func (t *RedisTable) List(ctx context.Context) ([]Lock, error) {
	var res []Lock
	iter := t.rdb.Scan(ctx, 0, t.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		l, err := t.get(ctx, iter.Val()[len(t.prefix):])
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(res, func(i, j int) bool { return res[i].DocumentID < res[j].DocumentID })
	return res, nil
}
