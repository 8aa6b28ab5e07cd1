package distributed

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultRedisChannelPrefix = "meetrelay:group:"

// RedisTransport carries group broadcasts over Redis pub/sub. Each group maps
// to its own channel; a single pattern subscription receives all of them.
type RedisTransport struct {
	client *redis.Client
	prefix string
	logger *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisTransport(client *redis.Client, prefix string, logger *zap.SugaredLogger) *RedisTransport {
	if prefix == "" {
		prefix = DefaultRedisChannelPrefix
	}
	return &RedisTransport{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (t *RedisTransport) channel(group string) string {
	return t.prefix + group
}

func (t *RedisTransport) Publish(ctx context.Context, group string, data []byte) error {
	if err := t.client.Publish(ctx, t.channel(group), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", group, err)
	}
	return nil
}

// Subscribe uses ctx only to establish the subscription. The receive loop
// runs until Close.
func (t *RedisTransport) Subscribe(ctx context.Context, handler func(data []byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	pubsub := t.client.PSubscribe(ctx, t.prefix+"*")
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.pubsub = pubsub
	t.cancel = cancel
	t.done = done
	ch := pubsub.Channel()

	go func() {
		defer close(done)
		for {
			select {
			case <-loopCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if !strings.HasPrefix(msg.Channel, t.prefix) {
					continue
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	pubsub, cancel, done := t.pubsub, t.cancel, t.done
	t.pubsub = nil
	t.cancel = nil
	t.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	cancel()
	err := pubsub.Close()
	<-done
	return err
}
