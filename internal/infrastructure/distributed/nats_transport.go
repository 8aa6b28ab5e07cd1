package distributed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const DefaultNATSSubjectPrefix = "meetrelay.group"

type NATSConfig struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
	SubjectPrefix string
}

// NATSTransport carries group broadcasts over core NATS subjects. Group names
// contain ':' which is a legal subject character, so they map to a single
// token below the prefix.
type NATSTransport struct {
	nc     *nats.Conn
	prefix string
	logger *zap.SugaredLogger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewNATSTransport(cfg NATSConfig, logger *zap.SugaredLogger) (*NATSTransport, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultNATSSubjectPrefix
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnw("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infow("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &NATSTransport{
		nc:     nc,
		prefix: cfg.SubjectPrefix,
		logger: logger,
	}, nil
}

func (t *NATSTransport) subject(group string) string {
	return t.prefix + "." + group
}

func (t *NATSTransport) Publish(ctx context.Context, group string, data []byte) error {
	if err := t.nc.Publish(t.subject(group), data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", group, err)
	}
	return nil
}

func (t *NATSTransport) Subscribe(ctx context.Context, handler func(data []byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sub != nil {
		return fmt.Errorf("already subscribed")
	}

	// Async subscription callbacks run one at a time per subscription.
	sub, err := t.nc.Subscribe(t.prefix+".>", func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := sub.SetPendingLimits(-1, -1); err != nil {
		t.logger.Warnw("failed to lift nats pending limits", "error", err)
	}
	// Flush so the server has registered the interest before we return.
	if err := t.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("failed to flush subscription: %w", err)
	}

	t.sub = sub
	return nil
}

func (t *NATSTransport) Ping(ctx context.Context) error {
	if !t.nc.IsConnected() {
		return fmt.Errorf("nats status %v", t.nc.Status())
	}
	return nil
}

func (t *NATSTransport) Close() error {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()

	if sub != nil {
		_ = sub.Drain()
	}
	return t.nc.Drain()
}
