package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"
	"meetrelay/pkg/tracing"
	"meetrelay/pkg/utils"

	"go.uber.org/zap"
)

// Origin identifies the session a frame came from. The identity is the one
// fixed at admission; client-supplied sender fields are never consulted.
type Origin struct {
	SessionID domain.SessionID
	Identity  domain.Identity
	RoomID    domain.RoomID
}

// Router turns inbound frames into group broadcasts. It holds no state of
// its own.
type Router struct {
	groups       ports.GroupRegistry
	metrics      ports.RelayMetrics
	chatMaxRunes int
	logger       *zap.SugaredLogger
}

func NewRouter(
	groups ports.GroupRegistry,
	metrics ports.RelayMetrics,
	chatMaxRunes int,
	logger *zap.SugaredLogger,
) *Router {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Router{
		groups:       groups,
		metrics:      metrics,
		chatMaxRunes: chatMaxRunes,
		logger:       logger,
	}
}

// Route decodes one raw frame and dispatches it. Errors wrapping
// domain.ErrMalformedFrame or domain.ErrUnknownFrameType are meant for the
// origin session only; see ClientErrorMessage.
func (r *Router) Route(ctx context.Context, origin Origin, data []byte) error {
	frame, err := domain.DecodeInbound(data)
	if err != nil {
		r.metrics.FrameRejected(rejectReason(err))
		return err
	}
	r.metrics.FrameReceived(frame.Type)

	ctx, span := tracing.TraceWebSocketMessage(ctx, string(frame.Type), string(origin.SessionID))
	defer span.End()

	switch frame.Type {
	case domain.FrameChat:
		err = r.routeChat(ctx, origin, frame)
	case domain.FrameHandRaise:
		err = r.broadcast(ctx, domain.RoomGroup(origin.RoomID),
			domain.NewHandRaise(origin.Identity, frame.Raised), origin.SessionID)
	case domain.FrameWebRTCSignal:
		err = r.routeSignal(ctx, origin, frame)
	}

	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (r *Router) routeChat(ctx context.Context, origin Origin, frame *domain.InboundFrame) error {
	message := utils.TruncateRunes(strings.TrimSpace(frame.Message), r.chatMaxRunes)
	if message == "" {
		return nil
	}
	return r.broadcast(ctx, domain.RoomGroup(origin.RoomID),
		domain.NewChat(origin.Identity, message), origin.SessionID)
}

// routeSignal unicasts to every session of the target identity. A missing
// target is a routing miss and is dropped without a reply.
func (r *Router) routeSignal(ctx context.Context, origin Origin, frame *domain.InboundFrame) error {
	if frame.To == 0 {
		r.logger.Debugw("dropping signal without target",
			"session_id", origin.SessionID,
			"room_id", origin.RoomID,
		)
		return nil
	}
	return r.broadcast(ctx, domain.UserGroup(frame.To),
		domain.NewSignal(origin.Identity, frame.Signal), origin.SessionID)
}

// AnnounceJoin tells the rest of the room that origin arrived.
func (r *Router) AnnounceJoin(ctx context.Context, origin Origin) error {
	return r.broadcast(ctx, domain.RoomGroup(origin.RoomID),
		domain.NewParticipantJoined(origin.Identity), origin.SessionID)
}

// AnnounceLeave tells the rest of the room that origin left.
func (r *Router) AnnounceLeave(ctx context.Context, origin Origin) error {
	return r.broadcast(ctx, domain.RoomGroup(origin.RoomID),
		domain.NewParticipantLeft(origin.Identity), origin.SessionID)
}

func (r *Router) broadcast(ctx context.Context, group string, frame any, except domain.SessionID) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame for %s: %w", group, err)
	}
	r.groups.Broadcast(ctx, group, ports.Message{Payload: payload, Except: except})
	return nil
}

// ClientErrorMessage returns the text of the error frame sent back for a
// rejected inbound frame, or "" when err is not a client error.
func ClientErrorMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrMalformedFrame):
		return strings.TrimPrefix(err.Error(), domain.ErrMalformedFrame.Error()+": ")
	case errors.Is(err, domain.ErrUnknownFrameType):
		return err.Error()
	default:
		return ""
	}
}

func rejectReason(err error) string {
	if errors.Is(err, domain.ErrUnknownFrameType) {
		return "unknown_type"
	}
	return "malformed"
}
