package services

import (
	"context"
	"testing"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/infrastructure/groups"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTerminator_EndMeetingBroadcastsCloseToRoomOnly(t *testing.T) {
	ctx := context.Background()
	registry := groups.NewLocalRegistry(nil)

	inRoom := &inbox{id: "s-1"}
	otherRoom := &inbox{id: "s-2"}
	registry.Join(ctx, domain.RoomGroup(testRoom), inRoom)
	registry.Join(ctx, domain.RoomGroup("b3c0f1f2-1111-4a4a-8b8b-000000000001"), otherRoom)

	metrics := new(MockRelayMetrics)
	metrics.On("MeetingEnded", testRoom).Return().Once()

	terminator := NewTerminator(registry, metrics, zap.NewNop().Sugar())
	require.NoError(t, terminator.EndMeeting(ctx, testRoom))

	frames := inRoom.received()
	require.Len(t, frames, 1)
	assert.Equal(t, map[string]any{"type": "meeting_ended"}, frames[0])
	assert.True(t, inRoom.closed)

	assert.Empty(t, otherRoom.received())
	assert.False(t, otherRoom.closed)
	metrics.AssertExpectations(t)
}

func TestTerminator_EmptyRoomIsNoop(t *testing.T) {
	terminator := NewTerminator(groups.NewLocalRegistry(nil), nil, zap.NewNop().Sugar())
	assert.NoError(t, terminator.EndMeeting(context.Background(), testRoom))
}
