package ports

import (
	"context"

	"meetrelay/internal/core/domain"
)

// Message is one outbound frame handed to a group.
type Message struct {
	Payload []byte
	// Except skips the member with this session id (no self-echo).
	Except domain.SessionID
	// Close asks every recipient to close its connection once Payload has
	// been written.
	Close bool
}

// Member is a session handle as seen by the group registry.
type Member interface {
	SessionID() domain.SessionID
	// Deliver enqueues msg without blocking. It returns false when the
	// member's outbound path is full or already closed.
	Deliver(msg Message) bool
}

// GroupRegistry maps group names to the sessions currently in them.
// None of its operations fail: unknown groups and members are no-ops since
// teardown races with broadcasts are expected.
type GroupRegistry interface {
	Join(ctx context.Context, group string, m Member)
	Leave(ctx context.Context, group string, m Member)
	Broadcast(ctx context.Context, group string, msg Message)
}

// RelayMetrics receives relay events for monitoring.
type RelayMetrics interface {
	SessionOpened(roomID domain.RoomID)
	SessionClosed(roomID domain.RoomID)
	ConnectionRejected(reason string)
	FrameReceived(frameType domain.FrameType)
	FrameRejected(reason string)
	DeliveryDropped(group string)
	MeetingEnded(roomID domain.RoomID)
}

// NopMetrics discards every relay event.
type NopMetrics struct{}

func (NopMetrics) SessionOpened(domain.RoomID) {}
func (NopMetrics) SessionClosed(domain.RoomID) {}
func (NopMetrics) ConnectionRejected(string) {}
func (NopMetrics) FrameReceived(domain.FrameType) {}
func (NopMetrics) FrameRejected(string) {}
func (NopMetrics) DeliveryDropped(string) {}
func (NopMetrics) MeetingEnded(domain.RoomID) {}
