package cache

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kenji11/adforge/internal/platform/logger"
)

// Event is the wire shape published on the job's topic and forwarded to
// the SSE hub; it intentionally carries the same fields spec.md's event
// stream documents (job_id, stage, progress, message, status).
type Event struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Stage    string `json:"stage"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, channel string, ev Event) error
}

type Subscriber interface {
	// StartForwarder subscribes to channel and invokes onEvent for every
	// message until ctx is canceled.
	StartForwarder(ctx context.Context, channel string, onEvent func(Event)) error
}

type redisBus struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewRedisBus(log *logger.Logger, rdb *goredis.Client) *redisBus {
	return &redisBus{log: log.With("component", "RedisBus"), rdb: rdb}
}

func (b *redisBus) Publish(ctx context.Context, channel string, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("pubsub: marshal event: %w", err)
	}
	return b.rdb.Publish(ctx, channel, raw).Err()
}

func (b *redisBus) StartForwarder(ctx context.Context, channel string, onEvent func(Event)) error {
	sub := b.rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("pubsub: subscribe %q: %w", channel, err)
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
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("pubsub: bad payload", "channel", channel, "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()
	return nil
}
