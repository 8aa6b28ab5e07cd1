package groups

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMember struct {
	id       domain.SessionID
	capacity int

	mu       sync.Mutex
	received []ports.Message
}

func newFakeMember(id string, capacity int) *fakeMember {
	return &fakeMember{id: domain.SessionID(id), capacity: capacity}
}

func (m *fakeMember) SessionID() domain.SessionID { return m.id }

func (m *fakeMember) Deliver(msg ports.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.capacity > 0 && len(m.received) >= m.capacity {
		return false
	}
	m.received = append(m.received, msg)
	return true
}

func (m *fakeMember) payloads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.received))
	for _, msg := range m.received {
		out = append(out, string(msg.Payload))
	}
	return out
}

func sortedIDs(ids []domain.SessionID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	sort.Strings(out)
	return out
}

func TestLocalRegistry_JoinLeaveIdempotent(t *testing.T) {
	r := NewLocalRegistry(nil)
	ctx := context.Background()
	a := newFakeMember("a", 0)
	b := newFakeMember("b", 0)

	r.Join(ctx, "room:R1", a)
	r.Join(ctx, "room:R1", a)
	r.Join(ctx, "room:R1", b)
	assert.Equal(t, []string{"a", "b"}, sortedIDs(r.Members("room:R1")))

	r.Leave(ctx, "room:R1", a)
	r.Leave(ctx, "room:R1", a)
	assert.Equal(t, []string{"b"}, sortedIDs(r.Members("room:R1")))

	// unknown group and unknown member are no-ops
	r.Leave(ctx, "room:nope", a)
	r.Broadcast(ctx, "room:nope", ports.Message{Payload: []byte("x")})
}

func TestLocalRegistry_RemovesEmptyGroups(t *testing.T) {
	r := NewLocalRegistry(nil)
	ctx := context.Background()
	a := newFakeMember("a", 0)

	r.Join(ctx, "room:R1", a)
	r.Join(ctx, "user:3", a)
	assert.Equal(t, 2, r.GroupCount())

	r.Leave(ctx, "room:R1", a)
	r.Leave(ctx, "user:3", a)
	assert.Equal(t, 0, r.GroupCount())

	// the group can be recreated after removal
	r.Join(ctx, "room:R1", a)
	assert.Equal(t, 1, r.GroupCount())
}

func TestLocalRegistry_LeaveIgnoresForeignHandle(t *testing.T) {
	r := NewLocalRegistry(nil)
	ctx := context.Background()
	a := newFakeMember("a", 0)
	impostor := newFakeMember("a", 0)

	r.Join(ctx, "room:R1", a)
	r.Leave(ctx, "room:R1", impostor)
	assert.Equal(t, []string{"a"}, sortedIDs(r.Members("room:R1")))
}

func TestLocalRegistry_BroadcastExceptAndSkip(t *testing.T) {
	r := NewLocalRegistry(nil)
	ctx := context.Background()
	sender := newFakeMember("sender", 0)
	peer := newFakeMember("peer", 0)
	slow := newFakeMember("slow", 1)

	for _, m := range []*fakeMember{sender, peer, slow} {
		r.Join(ctx, "room:R1", m)
	}

	assert.Equal(t, 2, r.Deliver("room:R1", ports.Message{Payload: []byte("1"), Except: "sender"}))
	// slow is full now and gets skipped without affecting peer
	assert.Equal(t, 1, r.Deliver("room:R1", ports.Message{Payload: []byte("2"), Except: "sender"}))

	assert.Empty(t, sender.payloads())
	assert.Equal(t, []string{"1", "2"}, peer.payloads())
	assert.Equal(t, []string{"1"}, slow.payloads())
}

func TestLocalRegistry_PreservesPerGroupOrder(t *testing.T) {
	r := NewLocalRegistry(nil)
	ctx := context.Background()
	members := make([]*fakeMember, 5)
	for i := range members {
		members[i] = newFakeMember(fmt.Sprintf("m%d", i), 0)
		r.Join(ctx, "room:R1", members[i])
	}

	var want []string
	for i := 0; i < 100; i++ {
		p := fmt.Sprintf("%d", i)
		want = append(want, p)
		r.Broadcast(ctx, "room:R1", ports.Message{Payload: []byte(p)})
	}

	for _, m := range members {
		assert.Equal(t, want, m.payloads())
	}
}

func TestLocalRegistry_ConcurrentMembershipMatchesLastOperation(t *testing.T) {
	r := NewLocalRegistry(nil)
	ctx := context.Background()

	const workers = 16
	members := make([]*fakeMember, workers)
	for i := range members {
		members[i] = newFakeMember(fmt.Sprintf("m%d", i), 0)
	}

	joined := make([]bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(i)))
			in := false
			for n := 0; n < 500; n++ {
				if rnd.Intn(2) == 0 {
					r.Join(ctx, "room:R1", members[i])
					in = true
				} else {
					r.Leave(ctx, "room:R1", members[i])
					in = false
				}
				r.Broadcast(ctx, "room:R1", ports.Message{Payload: []byte("tick")})
			}
			joined[i] = in
		}(i)
	}
	wg.Wait()

	var want []string
	for i, in := range joined {
		if in {
			want = append(want, string(members[i].id))
		}
	}
	sort.Strings(want)

	got := sortedIDs(r.Members("room:R1"))
	if len(want) == 0 {
		require.Empty(t, got)
		assert.Equal(t, 0, r.GroupCount())
		return
	}
	assert.Equal(t, want, got)
}
