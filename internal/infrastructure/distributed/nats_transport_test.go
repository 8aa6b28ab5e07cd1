package distributed

import (
	"context"
	"fmt"
	"testing"
	"time"

	"meetrelay/internal/core/ports"
	"meetrelay/internal/infrastructure/groups"

	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newNATSTransport(t *testing.T, url string) *NATSTransport {
	t.Helper()
	transport, err := NewNATSTransport(NATSConfig{
		Servers: []string{url},
		Name:    "meetrelay-test",
		Timeout: time.Second,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return transport
}

func runNATSServer(t *testing.T) string {
	t.Helper()
	srv := natstest.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

func TestNATSTransport_RequiresServers(t *testing.T) {
	_, err := NewNATSTransport(NATSConfig{}, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestNATSTransport_PublishSubscribe(t *testing.T) {
	url := runNATSServer(t)
	ctx := context.Background()

	transport := newNATSTransport(t, url)
	received := make(chan string, 10)
	require.NoError(t, transport.Subscribe(ctx, func(data []byte) {
		received <- string(data)
	}))
	defer transport.Close()

	assert.Error(t, transport.Subscribe(ctx, func([]byte) {}))

	// room and personal group names both sit below the wildcard
	groupNames := []string{"room:R1", "user:4", "room:R1"}
	for i, group := range groupNames {
		require.NoError(t, transport.Publish(ctx, group, []byte(fmt.Sprintf("m%d", i))))
	}

	for i := range groupNames {
		select {
		case got := <-received:
			assert.Equal(t, fmt.Sprintf("m%d", i), got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}

	require.NoError(t, transport.Ping(ctx))
}

func TestNATSTransport_IgnoresOtherSubjects(t *testing.T) {
	url := runNATSServer(t)
	ctx := context.Background()

	transport := newNATSTransport(t, url)
	received := make(chan string, 10)
	require.NoError(t, transport.Subscribe(ctx, func(data []byte) { received <- string(data) }))
	defer transport.Close()

	require.NoError(t, transport.nc.Publish("other.room:R1", []byte("foreign")))
	require.NoError(t, transport.Publish(ctx, "room:R1", []byte("ours")))

	select {
	case got := <-received:
		assert.Equal(t, "ours", got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestNATSTransport_DrivesRegistry(t *testing.T) {
	url := runNATSServer(t)
	ctx := context.Background()

	nodeA := NewRegistry(groups.NewLocalRegistry(nil), newNATSTransport(t, url), "node-a", zap.NewNop().Sugar())
	nodeB := NewRegistry(groups.NewLocalRegistry(nil), newNATSTransport(t, url), "node-b", zap.NewNop().Sugar())
	require.NoError(t, nodeA.Start(ctx))
	require.NoError(t, nodeB.Start(ctx))
	defer nodeA.Close()
	defer nodeB.Close()

	local := &recordingMember{id: "s1"}
	remote := &recordingMember{id: "s2"}
	nodeA.Join(ctx, "room:R1", local)
	nodeB.Join(ctx, "room:R1", remote)

	nodeA.Broadcast(ctx, "room:R1", ports.Message{Payload: []byte(`{"type":"meeting_ended"}`), Close: true})

	for _, m := range []*recordingMember{local, remote} {
		assert.Eventually(t, func() bool {
			msgs := m.messages()
			return len(msgs) == 1 && msgs[0].Close
		}, 2*time.Second, 10*time.Millisecond)
	}
}

func TestNATSTransport_CloseDrains(t *testing.T) {
	url := runNATSServer(t)
	ctx := context.Background()

	transport := newNATSTransport(t, url)
	require.NoError(t, transport.Subscribe(ctx, func([]byte) {}))

	require.NoError(t, transport.Close())
	assert.Eventually(t, func() bool {
		return transport.nc.IsClosed()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Error(t, transport.Ping(ctx))
}
