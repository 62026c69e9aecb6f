// Package events publishes job transitions to an event bus so other
// services can react without polling the store.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/carepath/report-pipeline/internal/config"
)

// Event describes one job transition. It carries references only.
type Event struct {
	JobID      string    `json:"job_id"`
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	ArtifactID string    `json:"artifact_id,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher sends events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// RedisPublisher publishes events on a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, cfg config.RedisConfig) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "events: connect to redis %s", cfg.Addr)
	}
	return &RedisPublisher{client: client, channel: cfg.Channel}, nil
}

// NewRedisPublisherFromClient wraps an existing client.
func NewRedisPublisherFromClient(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return eris.Wrap(err, "events: marshal event")
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return eris.Wrapf(err, "events: publish to %s", p.channel)
	}
	return nil
}

// Subscribe streams decoded events until ctx is cancelled. Malformed
// messages are skipped.
func (p *RedisPublisher) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := p.client.Subscribe(ctx, p.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "events: subscribe to %s", p.channel)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer sub.Close() //nolint:errcheck
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					zap.L().Warn("events: dropping malformed message", zap.Error(err))
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Recorder keeps published events in memory. Tests and the CLI's
// single-process mode use it.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
