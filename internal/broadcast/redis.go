// Package broadcast fans active-version changes out to every replica over a
// Redis pub/sub channel.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const activationChannel = "active_version"

type activation struct {
	VersionID int64  `json:"versionId"`
	Origin    string `json:"origin"`
}

// RedisBus implements domain.ActivationBus.
type RedisBus struct {
	rdb     *goredis.Client
	channel string
	origin  string
	logger  *zap.Logger
}

// NewRedisClient dials Redis and verifies it answers.
func NewRedisClient(ctx context.Context, addr string) (*goredis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewRedisBus(rdb *goredis.Client, prefix string, logger *zap.Logger) *RedisBus {
	return &RedisBus{
		rdb:     rdb,
		channel: ChannelName(prefix, activationChannel),
		origin:  uuid.NewString(),
		logger:  logger,
	}
}

// ChannelName joins a deployment prefix and a channel.
func ChannelName(prefix, name string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return name
	}
	return prefix + ":" + name
}

func (b *RedisBus) PublishActivation(ctx context.Context, versionID int64) error {
	raw, err := json.Marshal(activation{VersionID: versionID, Origin: b.origin})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// Subscribe delivers activations published by other replicas until ctx ends.
// It returns once the subscription is confirmed.
func (b *RedisBus) Subscribe(ctx context.Context, onActivate func(versionID int64)) error {
	if onActivate == nil {
		return fmt.Errorf("onActivate callback required")
	}
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				versionID, ok := b.decode(m.Payload)
				if !ok {
					continue
				}
				onActivate(versionID)
			}
		}
	}()
	return nil
}

func (b *RedisBus) decode(payload string) (int64, bool) {
	var a activation
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		b.logger.Warn("bad activation payload", zap.Error(err))
		return 0, false
	}
	if a.Origin == b.origin || a.VersionID <= 0 {
		return 0, false
	}
	return a.VersionID, true
}
