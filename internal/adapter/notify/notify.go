// Package notify wakes idle scheduler workers when jobs are submitted.
//
// Notification is best-effort only: the claim loop's bounded backoff always
// re-polls the store, so a lost wake-up costs latency, never correctness.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const submitChannel = "exports.submitted"

// Local is the in-process notifier used when Redis is not configured
// (single-binary dev mode, tests).
type Local struct {
	once sync.Once
	ch   chan struct{}
}

// NewLocal returns an in-process notifier.
func NewLocal() *Local {
	return &Local{ch: make(chan struct{}, 1)}
}

// NotifySubmitted nudges the wake channel without blocking.
func (l *Local) NotifySubmitted(context.Context, string) {
	select {
	case l.ch <- struct{}{}:
	default:
	}
}

// Wake returns the wake channel.
func (l *Local) Wake() <-chan struct{} { return l.ch }

// Close is a no-op for the local notifier.
func (l *Local) Close() error { return nil }

// Redis fans submit notifications across processes via pub/sub so headless
// workers sharing the Postgres queue wake immediately.
type Redis struct {
	client *redis.Client
	sub    *redis.PubSub
	ch     chan struct{}
	cancel context.CancelFunc
}

// NewRedis connects, subscribes, and starts the relay goroutine.
func NewRedis(addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithCancel(context.Background())
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		_ = client.Close()
		return nil, err
	}
	sub := client.Subscribe(ctx, submitChannel)
	n := &Redis{client: client, sub: sub, ch: make(chan struct{}, 1), cancel: cancel}
	go n.relay(ctx)
	return n, nil
}

func (n *Redis) relay(ctx context.Context) {
	msgs := n.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case n.ch <- struct{}{}:
			default:
			}
		}
	}
}

// NotifySubmitted publishes the job id; failures are logged and swallowed.
func (n *Redis) NotifySubmitted(ctx context.Context, jobID string) {
	if err := n.client.Publish(ctx, submitChannel, jobID).Err(); err != nil {
		slog.Debug("submit notify publish failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

// Wake returns the coalesced wake channel.
func (n *Redis) Wake() <-chan struct{} { return n.ch }

// Close tears down the subscription and client.
func (n *Redis) Close() error {
	n.cancel()
	_ = n.sub.Close()
	return n.client.Close()
}
