package signal

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"
	"meetrelay/internal/core/services"
	apperrors "meetrelay/pkg/errors"
	rlog "meetrelay/pkg/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one admitted websocket connection. It is a member of its room
// group and of its identity's personal group from activation until
// teardown.
//
// Three goroutines serve a session: readPump feeds inbound frames to run,
// run dispatches them and owns teardown, writePump is the only writer on
// the connection. Everything sent to the client, group broadcasts and
// direct replies alike, goes through the bounded send queue.
type Session struct {
	id       domain.SessionID
	identity domain.Identity
	roomID   domain.RoomID

	conn    *websocket.Conn
	server  *WebSocketServer
	limiter *rate.Limiter
	logger  *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	mu         sync.Mutex
	send       chan []byte
	sendClosed bool

	incoming chan []byte

	closeOnce   sync.Once
	closeCh     chan struct{}
	closeCode   int
	closeReason string

	teardownOnce sync.Once
	writerDone   chan struct{}
	done         chan struct{}
}

var _ ports.Member = (*Session)(nil)

func newSession(server *WebSocketServer, conn *websocket.Conn, id domain.SessionID, identity domain.Identity, roomID domain.RoomID) *Session {
	ctx := rlog.WithSession(context.Background(), string(id), string(roomID), int64(identity.ID))
	ctx, cancel := context.WithCancel(ctx)

	s := &Session{
		id:         id,
		identity:   identity,
		roomID:     roomID,
		conn:       conn,
		server:     server,
		logger:     server.logger.With("session_id", id, "room_id", roomID, "user_id", identity.ID),
		ctx:        ctx,
		cancel:     cancel,
		send:       make(chan []byte, server.opts.SendBuffer),
		incoming:   make(chan []byte),
		closeCh:    make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	if server.opts.MessagesPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(server.opts.MessagesPerSecond), server.opts.MessageBurst)
	}
	return s
}

func (s *Session) SessionID() domain.SessionID { return s.id }

func (s *Session) Identity() domain.Identity { return s.identity }

func (s *Session) RoomID() domain.RoomID { return s.roomID }

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session reached StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) origin() services.Origin {
	return services.Origin{SessionID: s.id, Identity: s.identity, RoomID: s.roomID}
}

// Deliver enqueues a group message without blocking. Once the session has
// been asked to close it accepts nothing more. A message carrying Close
// asks the session to close with 1000 after its payload is written, even
// when the payload itself did not fit.
func (s *Session) Deliver(msg ports.Message) bool {
	if s.closeRequested() {
		return false
	}

	ok := s.enqueue(msg.Payload)
	if msg.Close {
		s.requestClose(apperrors.CloseNormal, "meeting ended")
	}
	return ok
}

func (s *Session) enqueue(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendClosed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *Session) enqueueFrame(frame any) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		s.logger.Errorw("failed to encode frame", "error", err)
		return false
	}
	return s.enqueue(payload)
}

// requestClose asks the session loop to tear down. The first request wins
// and decides the close code sent to the client.
func (s *Session) requestClose(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.closeCh)
	})
}

func (s *Session) closeRequested() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// activate queues room_state, registers the session in both groups and
// announces it. room_state is queued before registration so that it
// precedes every broadcast the session can observe.
func (s *Session) activate(snapshot []domain.Identity) {
	s.enqueueFrame(domain.NewRoomState(snapshot))

	groups := s.server.groups
	groups.Join(s.ctx, domain.RoomGroup(s.roomID), s)
	groups.Join(s.ctx, domain.UserGroup(s.identity.ID), s)

	s.state.Store(int32(StateActive))
	s.server.metrics.SessionOpened(s.roomID)

	if err := s.server.router.AnnounceJoin(s.ctx, s.origin()); err != nil {
		s.logger.Warnw("failed to announce join", "error", err)
	}

	go s.writePump()
	go s.readPump()
	go s.run()
}

func (s *Session) run() {
	for {
		select {
		case data := <-s.incoming:
			s.handleInbound(data)
		case <-s.closeCh:
			s.teardown()
			return
		}
	}
}

func (s *Session) handleInbound(data []byte) {
	if s.State() != StateActive {
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		s.server.metrics.FrameRejected("rate_limited")
		s.enqueueFrame(domain.NewError("rate limit exceeded"))
		return
	}

	err := s.server.router.Route(s.ctx, s.origin(), data)
	if err == nil {
		return
	}
	if msg := services.ClientErrorMessage(err); msg != "" {
		s.logger.Debugw("rejected inbound frame", "error", err)
		s.enqueueFrame(domain.NewError(msg))
		return
	}
	s.logger.Errorw("failed to route inbound frame", "error", err)
}

// teardown runs every step even if one fails, and runs once.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		wasActive := s.state.CompareAndSwap(int32(StateActive), int32(StateClosing))
		if !wasActive {
			s.state.Store(int32(StateClosing))
		}

		if wasActive {
			if err := s.server.router.AnnounceLeave(s.ctx, s.origin()); err != nil {
				s.logger.Warnw("failed to announce leave", "error", err)
			}
		}
		s.server.groups.Leave(s.ctx, domain.RoomGroup(s.roomID), s)
		s.server.groups.Leave(s.ctx, domain.UserGroup(s.identity.ID), s)

		s.mu.Lock()
		s.sendClosed = true
		close(s.send)
		s.mu.Unlock()

		select {
		case <-s.writerDone:
		case <-time.After(s.server.opts.WriteTimeout * 2):
			s.logger.Warn("writer did not finish in time")
			_ = s.conn.Close()
		}

		s.cancel()
		s.server.unregister(s)
		if wasActive {
			s.server.metrics.SessionClosed(s.roomID)
		}
		s.state.Store(int32(StateClosed))
		close(s.done)

		s.logger.Infow("session closed",
			"close_code", s.closeCode,
			"reason", s.closeReason,
		)
	})
}

func (s *Session) readPump() {
	opts := s.server.opts

	s.conn.SetReadLimit(opts.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) && !s.closeRequested() {
				s.logger.Infow("websocket read failed", "error", err)
			}
			s.requestClose(apperrors.CloseNormal, "")
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))

		select {
		case s.incoming <- data:
		case <-s.closeCh:
			return
		}
	}
}

// writePump drains the send queue in order. When teardown closes the queue
// it writes the close frame and closes the connection.
func (s *Session) writePump() {
	opts := s.server.opts
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				msg := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
				_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(opts.WriteTimeout))
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debugw("websocket write failed", "error", err)
				s.abortWrites()
				return
			}

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteTimeout)); err != nil {
				s.logger.Debugw("websocket ping failed", "error", err)
				s.abortWrites()
				return
			}
		}
	}
}

// abortWrites gives up on a broken connection: teardown is requested and
// whatever is still queued is discarded.
func (s *Session) abortWrites() {
	s.requestClose(apperrors.CloseNormal, "")
	_ = s.conn.Close()
	for range s.send {
	}
}
