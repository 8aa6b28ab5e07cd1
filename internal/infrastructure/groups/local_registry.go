package groups

import (
	"context"
	"sync"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"
)

type group struct {
	mu      sync.Mutex
	members map[domain.SessionID]ports.Member
	// dead is set once the group has been unlinked from the registry map;
	// a joiner holding a stale pointer must retry.
	dead bool
}

// LocalRegistry is the in-process GroupRegistry. The group map has its own
// lock for lookup, creation and removal; membership changes and the enqueue
// step of a broadcast are serialised per group, so broadcasts to one group
// reach every member in issue order while unrelated groups never contend.
type LocalRegistry struct {
	mu     sync.Mutex
	groups map[string]*group

	metrics ports.RelayMetrics
}

func NewLocalRegistry(metrics ports.RelayMetrics) *LocalRegistry {
	return &LocalRegistry{
		groups:  make(map[string]*group),
		metrics: metrics,
	}
}

func (r *LocalRegistry) Join(ctx context.Context, name string, m ports.Member) {
	for {
		g := r.getOrCreate(name)

		g.mu.Lock()
		if g.dead {
			g.mu.Unlock()
			continue
		}
		g.members[m.SessionID()] = m
		g.mu.Unlock()
		return
	}
}

func (r *LocalRegistry) Leave(ctx context.Context, name string, m ports.Member) {
	g := r.get(name)
	if g == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Only remove the exact handle that joined; a different session with
	// the same id is not ours to drop.
	if current, ok := g.members[m.SessionID()]; !ok || current != m {
		return
	}
	delete(g.members, m.SessionID())

	if len(g.members) == 0 && !g.dead {
		g.dead = true
		r.mu.Lock()
		if r.groups[name] == g {
			delete(r.groups, name)
		}
		r.mu.Unlock()
	}
}

func (r *LocalRegistry) Broadcast(ctx context.Context, name string, msg ports.Message) {
	r.Deliver(name, msg)
}

// Deliver fans msg out to the current members of the group and returns the
// number of members that accepted it.
func (r *LocalRegistry) Deliver(name string, msg ports.Message) int {
	g := r.get(name)
	if g == nil {
		return 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	delivered := 0
	for id, m := range g.members {
		if msg.Except != "" && id == msg.Except {
			continue
		}
		if m.Deliver(msg) {
			delivered++
			continue
		}
		if r.metrics != nil {
			r.metrics.DeliveryDropped(name)
		}
	}
	return delivered
}

// Members returns the session ids currently in the group.
func (r *LocalRegistry) Members(name string) []domain.SessionID {
	g := r.get(name)
	if g == nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]domain.SessionID, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	return ids
}

// GroupCount returns the number of non-empty groups.
func (r *LocalRegistry) GroupCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

func (r *LocalRegistry) get(name string) *group {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.groups[name]
}

func (r *LocalRegistry) getOrCreate(name string) *group {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[name]
	if !ok {
		g = &group{members: make(map[domain.SessionID]ports.Member)}
		r.groups[name] = g
	}
	return g
}
