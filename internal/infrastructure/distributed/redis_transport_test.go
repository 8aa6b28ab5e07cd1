package distributed

import (
	"context"
	"fmt"
	"testing"
	"time"

	"meetrelay/internal/core/ports"
	"meetrelay/internal/infrastructure/groups"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMiniredisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisTransport_PublishSubscribe(t *testing.T) {
	client := newMiniredisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := NewRedisTransport(client, "", zap.NewNop().Sugar())
	received := make(chan string, 10)
	require.NoError(t, transport.Subscribe(ctx, func(data []byte) {
		received <- string(data)
	}))
	defer transport.Close()

	assert.Error(t, transport.Subscribe(ctx, func([]byte) {}))

	for i := 0; i < 3; i++ {
		require.NoError(t, transport.Publish(ctx, "room:R1", []byte(fmt.Sprintf("m%d", i))))
	}

	for i := 0; i < 3; i++ {
		select {
		case got := <-received:
			assert.Equal(t, fmt.Sprintf("m%d", i), got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}

	require.NoError(t, transport.Ping(ctx))
}

func TestRedisTransport_DrivesRegistry(t *testing.T) {
	client := newMiniredisClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeA := NewRegistry(groups.NewLocalRegistry(nil), NewRedisTransport(client, "", zap.NewNop().Sugar()), "node-a", zap.NewNop().Sugar())
	nodeB := NewRegistry(groups.NewLocalRegistry(nil), NewRedisTransport(client, "", zap.NewNop().Sugar()), "node-b", zap.NewNop().Sugar())
	require.NoError(t, nodeA.Start(ctx))
	require.NoError(t, nodeB.Start(ctx))
	defer nodeA.Close()
	defer nodeB.Close()

	remote := &recordingMember{id: "s2"}
	nodeB.Join(ctx, "user:4", remote)

	nodeA.Broadcast(ctx, "user:4", ports.Message{Payload: []byte(`{"type":"webrtc_signal"}`)})

	assert.Eventually(t, func() bool {
		return len(remote.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisTransport_SubscriptionOutlivesStartContext(t *testing.T) {
	client := newMiniredisClient(t)

	node := NewRegistry(groups.NewLocalRegistry(nil), NewRedisTransport(client, "", zap.NewNop().Sugar()), "node-a", zap.NewNop().Sugar())
	startCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	require.NoError(t, node.Start(startCtx))
	cancel()
	defer node.Close()

	member := &recordingMember{id: "s1"}
	ctx := context.Background()
	node.Join(ctx, "room:R1", member)

	// let the receive loop observe the cancelled start context
	time.Sleep(50 * time.Millisecond)
	node.Broadcast(ctx, "room:R1", ports.Message{Payload: []byte(`{"type":"chat"}`)})

	assert.Eventually(t, func() bool {
		return len(member.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisTransport_CloseStopsReceiving(t *testing.T) {
	client := newMiniredisClient(t)
	ctx := context.Background()

	transport := NewRedisTransport(client, "", zap.NewNop().Sugar())
	received := make(chan string, 1)
	require.NoError(t, transport.Subscribe(ctx, func(data []byte) { received <- string(data) }))

	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())

	require.NoError(t, transport.Publish(ctx, "room:R1", []byte("late")))
	select {
	case got := <-received:
		t.Fatalf("received %q after close", got)
	case <-time.After(100 * time.Millisecond):
	}
}
