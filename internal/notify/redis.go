package notify

import (
	"context"
	"encoding/json"

	"github.com/Harshitk-cp/markovtune/internal/broadcast"
	"github.com/Harshitk-cp/markovtune/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// RedisPublisher publishes promotion events on a Redis channel.
type RedisPublisher struct {
	rdb     *goredis.Client
	channel string
}

func NewRedisPublisher(rdb *goredis.Client, prefix string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: broadcast.ChannelName(prefix, domain.PromotionEventType)}
}

func (p *RedisPublisher) Publish(ctx context.Context, e domain.PromotionEvent) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, raw).Err()
}
