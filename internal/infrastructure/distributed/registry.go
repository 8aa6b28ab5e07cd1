package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"
	"meetrelay/internal/infrastructure/groups"

	"go.uber.org/zap"
)

// Transport is a pub/sub backend that carries group broadcasts between
// relay processes.
type Transport interface {
	Publish(ctx context.Context, group string, data []byte) error
	// Subscribe hands every published payload to handler, one at a time and
	// in publish order. It returns once the subscription is active.
	Subscribe(ctx context.Context, handler func(data []byte)) error
	Ping(ctx context.Context) error
	Close() error
}

// Envelope is the wire form of a broadcast on the transport.
type Envelope struct {
	Group      string           `json:"group"`
	InstanceID string           `json:"instance_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Payload    json.RawMessage  `json:"payload"`
	Except     domain.SessionID `json:"except,omitempty"`
	Close      bool             `json:"close,omitempty"`
}

// Registry is a GroupRegistry shared by several relay processes. Membership
// stays local; every broadcast, including ones issued by this process, goes
// through the transport and is delivered from the single subscription loop,
// so all processes see one group's broadcasts in the same order.
type Registry struct {
	local      *groups.LocalRegistry
	transport  Transport
	instanceID string
	logger     *zap.SugaredLogger

	startOnce  sync.Once
	startErr   error
	subscribed atomic.Bool
}

func NewRegistry(
	local *groups.LocalRegistry,
	transport Transport,
	instanceID string,
	logger *zap.SugaredLogger,
) *Registry {
	return &Registry{
		local:      local,
		transport:  transport,
		instanceID: instanceID,
		logger:     logger,
	}
}

// Start activates the transport subscription. ctx bounds only the
// subscribe handshake; the subscription lives until Close. Broadcasts
// issued before Start are delivered to local members only.
func (r *Registry) Start(ctx context.Context) error {
	r.startOnce.Do(func() {
		r.startErr = r.transport.Subscribe(ctx, r.handle)
		if r.startErr == nil {
			r.subscribed.Store(true)
			r.logger.Infow("distributed group registry subscribed", "instance_id", r.instanceID)
		}
	})
	return r.startErr
}

func (r *Registry) Join(ctx context.Context, group string, m ports.Member) {
	r.local.Join(ctx, group, m)
}

func (r *Registry) Leave(ctx context.Context, group string, m ports.Member) {
	r.local.Leave(ctx, group, m)
}

func (r *Registry) Broadcast(ctx context.Context, group string, msg ports.Message) {
	if !r.subscribed.Load() {
		r.local.Deliver(group, msg)
		return
	}

	env := Envelope{
		Group:      group,
		InstanceID: r.instanceID,
		Timestamp:  time.Now(),
		Payload:    msg.Payload,
		Except:     msg.Except,
		Close:      msg.Close,
	}

	data, err := json.Marshal(env)
	if err == nil {
		err = r.transport.Publish(ctx, group, data)
	}
	if err != nil {
		// The bus is down: keep this process's members served.
		r.logger.Warnw("publish failed, delivering locally only",
			"group", group,
			"error", err,
		)
		r.local.Deliver(group, msg)
	}
}

func (r *Registry) handle(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warnw("failed to unmarshal group envelope",
			"error", err,
			"payload", string(data),
		)
		return
	}

	delivered := r.local.Deliver(env.Group, ports.Message{
		Payload: env.Payload,
		Except:  env.Except,
		Close:   env.Close,
	})

	r.logger.Debugw("delivered group envelope",
		"group", env.Group,
		"origin", env.InstanceID,
		"delivered", delivered,
	)
}

func (r *Registry) Ping(ctx context.Context) error {
	if err := r.transport.Ping(ctx); err != nil {
		return fmt.Errorf("group transport unavailable: %w", err)
	}
	return nil
}

func (r *Registry) Close() error {
	return r.transport.Close()
}
