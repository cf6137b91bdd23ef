package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/xblockcore/internal/platform/logger"
)

// Bus carries events between processes so subscribers connected to any
// instance see every event.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	StartForwarder(ctx context.Context, onEvent func(ev Event)) error
	Close() error
}

type busEnvelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

type redisBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
	origin  string
}

// NewRedisBus connects to addr and pings it. Events published by this
// process are not forwarded back to it.
func NewRedisBus(addr, channel, origin string, log *logger.Logger) (Bus, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	if strings.TrimSpace(channel) == "" {
		channel = "completion"
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisBus(rdb, channel, origin, log), nil
}

func newRedisBus(rdb *goredis.Client, channel, origin string, log *logger.Logger) *redisBus {
	return &redisBus{
		log:     log.With("service", "RedisCompletionBus"),
		rdb:     rdb,
		channel: channel,
		origin:  origin,
	}
}

func (b *redisBus) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(busEnvelope{Origin: b.origin, Event: ev})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

func (b *redisBus) StartForwarder(ctx context.Context, onEvent func(ev Event)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}
	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var env busEnvelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					b.log.Warn("Bad completion bus payload", "error", err)
					continue
				}
				if env.Origin == b.origin {
					continue
				}
				onEvent(env.Event)
			}
		}
	}()
	return nil
}

func (b *redisBus) Close() error {
	return b.rdb.Close()
}
