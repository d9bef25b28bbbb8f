package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/omop-automapper/internal/mapping"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

const defaultChannel = "automap.progress"

var errRedisBusClosed = errors.New("redis progress bus not initialized")

// RedisConfig selects the server and the channel prefix. Each run publishes
// on "<Channel>.<run_id>" so a consumer can follow one run with a plain
// SUBSCRIBE; the forwarder pattern-subscribes to all of them.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

type redisBus struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
}

func NewRedisBus(log *logger.Logger, cfg RedisConfig) (Bus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	prefix := strings.TrimSuffix(strings.TrimSpace(cfg.Channel), ".")
	if prefix == "" {
		prefix = defaultChannel
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	return &redisBus{
		log:    log.With("service", "RedisProgressBus", "channel_prefix", prefix),
		rdb:    rdb,
		prefix: prefix,
	}, nil
}

func (b *redisBus) channelFor(runID string) string {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		runID = "unknown"
	}
	return b.prefix + "." + runID
}

func (b *redisBus) Publish(ctx context.Context, ev mapping.ProgressEvent) error {
	if b == nil || b.rdb == nil {
		return errRedisBusClosed
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode progress event: %w", err)
	}
	return b.rdb.Publish(ctx, b.channelFor(ev.RunID), raw).Err()
}

func (b *redisBus) StartForwarder(ctx context.Context, onEvent func(ev mapping.ProgressEvent)) error {
	if b == nil || b.rdb == nil {
		return errRedisBusClosed
	}
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}

	sub := b.rdb.PSubscribe(ctx, b.prefix+".*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis psubscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev mapping.ProgressEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("dropping malformed progress payload", "redis_channel", m.Channel, "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()
	return nil
}

func (b *redisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
