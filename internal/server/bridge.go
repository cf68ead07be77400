package server

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/ilnaes/padsync/internal/common"
)

const bridgeChannel = "padsync:rooms"

// Bridge carries room traffic between backbone instances.
type Bridge interface {
	Publish(ctx context.Context, f common.Frame) error
	// Run delivers frames published by other instances until ctx ends.
	Run(ctx context.Context, deliver func(common.Frame)) error
}

type envelope struct {
	Origin string       `json:"origin"`
	Frame  common.Frame `json:"frame"`
}

type RedisBridge struct {
	rdb      *redis.Client
	instance string
}

func NewRedisBridge(rdb *redis.Client, instance string) *RedisBridge {
	return &RedisBridge{rdb: rdb, instance: instance}
}

func (b *RedisBridge) Publish(ctx context.Context, f common.Frame) error {
	buf, err := json.Marshal(envelope{Origin: b.instance, Frame: f})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, bridgeChannel, buf).Err()
}

func (b *RedisBridge) Run(ctx context.Context, deliver func(common.Frame)) error {
	pubsub := b.rdb.Subscribe(ctx, bridgeChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			if env.Origin == b.instance {
				continue
			}
			deliver(env.Frame)
		}
	}
}
