package services

import (
	"context"
	"encoding/json"
	"fmt"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"

	"go.uber.org/zap"
)

// Terminator ends meetings out of band. Every session in the room receives
// meeting_ended once and then closes through its normal teardown; sessions
// already on their way out are unaffected.
type Terminator struct {
	groups  ports.GroupRegistry
	metrics ports.RelayMetrics
	logger  *zap.SugaredLogger
}

func NewTerminator(groups ports.GroupRegistry, metrics ports.RelayMetrics, logger *zap.SugaredLogger) *Terminator {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Terminator{
		groups:  groups,
		metrics: metrics,
		logger:  logger,
	}
}

func (t *Terminator) EndMeeting(ctx context.Context, roomID domain.RoomID) error {
	payload, err := json.Marshal(domain.NewMeetingEnded())
	if err != nil {
		return fmt.Errorf("failed to encode meeting_ended: %w", err)
	}

	t.groups.Broadcast(ctx, domain.RoomGroup(roomID), ports.Message{
		Payload: payload,
		Close:   true,
	})
	t.metrics.MeetingEnded(roomID)

	t.logger.Infow("meeting ended", "room_id", roomID)
	return nil
}
