package signal

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"
	"meetrelay/internal/core/services"
	"meetrelay/internal/infrastructure/middleware"
	"meetrelay/pkg/config"
	apperrors "meetrelay/pkg/errors"
	"meetrelay/pkg/tracing"
	"meetrelay/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Options struct {
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	AdmissionTimeout time.Duration
	SendBuffer       int
	MaxMessageSize   int64
	AllowedOrigins   []string

	// MaxConnections caps admitted sessions on this process; 0 means no cap.
	MaxConnections int
	// MessagesPerSecond limits inbound frames per session; 0 disables it.
	MessagesPerSecond float64
	MessageBurst      int
}

func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		PingInterval:     cfg.Signal.PingInterval,
		PongTimeout:      cfg.Signal.PongTimeout,
		WriteTimeout:     cfg.Signal.WriteTimeout,
		AdmissionTimeout: cfg.Signal.AdmissionTimeout,
		SendBuffer:       cfg.Signal.SendBuffer,
		MaxMessageSize:   cfg.Signal.MaxMessageSizeBytes,
		AllowedOrigins:   cfg.Signal.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		opts.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
		opts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		opts.MessageBurst = cfg.RateLimiting.WebSocket.Burst
	}
	return opts
}

// MeetingAccess is the part of the meeting backend consulted at admission.
type MeetingAccess interface {
	ports.AccessChecker
	ports.MembershipSnapshotter
}

// WebSocketServer admits websocket connections into meeting rooms and owns
// the resulting sessions.
type WebSocketServer struct {
	opts     Options
	upgrader websocket.Upgrader

	resolver ports.IdentityResolver
	meetings MeetingAccess
	groups   ports.GroupRegistry
	router   *services.Router
	metrics  ports.RelayMetrics

	mu        sync.RWMutex
	sessions  map[domain.SessionID]*Session
	accepting bool

	logger *zap.SugaredLogger
}

func NewWebSocketServer(
	opts Options,
	resolver ports.IdentityResolver,
	meetings MeetingAccess,
	groups ports.GroupRegistry,
	router *services.Router,
	metrics ports.RelayMetrics,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.AdmissionTimeout <= 0 {
		opts.AdmissionTimeout = 5 * time.Second
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 1
	}

	s := &WebSocketServer{
		opts:      opts,
		resolver:  resolver,
		meetings:  meetings,
		groups:    groups,
		router:    router,
		metrics:   metrics,
		sessions:  make(map[domain.SessionID]*Session),
		accepting: true,
		logger:    logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin admits requests without an Origin header (non-browser
// clients) and browser requests whose origin is allow-listed. With no
// allow-list only same-host origins pass.
func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.opts.AllowedOrigins) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}

	s.logger.Warnw("rejected websocket origin", "origin", origin)
	return false
}

// HandleWebSocket serves GET /ws/meeting/:meeting_id/. It returns once the
// connection is admitted or refused; admitted sessions run on their own
// goroutines.
func (s *WebSocketServer) HandleWebSocket(c *gin.Context) {
	meetingID := c.Param("meeting_id")
	if err := validation.ValidateMeetingID(meetingID); err != nil {
		s.metrics.ConnectionRejected("bad_request")
		_ = c.Error(apperrors.NewInvalidInputError("invalid meeting id").WithContext("meeting_id", meetingID))
		return
	}

	if !s.Accepting() {
		s.metrics.ConnectionRejected("shutting_down")
		_ = c.Error(apperrors.NewServiceUnavailableError("server is shutting down"))
		return
	}
	if s.opts.MaxConnections > 0 && s.ConnectionCount() >= s.opts.MaxConnections {
		s.metrics.ConnectionRejected("capacity")
		_ = c.Error(apperrors.NewServiceUnavailableError("too many connections"))
		return
	}

	credential := c.Query("token")
	if credential == "" {
		credential, _ = middleware.BearerToken(c.GetHeader("Authorization"))
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		s.metrics.ConnectionRejected("upgrade_failed")
		s.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}

	s.admit(c.Request.Context(), conn, domain.RoomID(meetingID), credential)
}

func (s *WebSocketServer) admit(ctx context.Context, conn *websocket.Conn, roomID domain.RoomID, credential string) {
	sessionID := domain.SessionID(uuid.NewString())

	ctx, span := tracing.TraceAdmission(ctx, string(roomID), string(sessionID))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.opts.AdmissionTimeout)
	defer cancel()

	start := time.Now()
	identity, snapshot, err := s.authorize(ctx, roomID, credential)
	tracing.MeasureDuration(ctx, start, "admission")
	if err != nil {
		tracing.RecordError(ctx, err)
		s.reject(conn, roomID, err)
		return
	}
	tracing.AddSpanAttributes(ctx, tracing.UserIDKey.Int64(int64(identity.ID)))

	session := newSession(s, conn, sessionID, identity, roomID)
	if !s.register(session) {
		s.reject(conn, roomID, apperrors.NewAppError(apperrors.ErrCodeServiceUnavailable,
			"server is shutting down", http.StatusServiceUnavailable, apperrors.CloseGoingAway))
		return
	}
	session.activate(snapshot)

	session.logger.Infow("session admitted", "participants", len(snapshot))
}

// authorize resolves the credential, checks room access and loads the
// membership snapshot. Errors are AppErrors carrying the close code.
func (s *WebSocketServer) authorize(ctx context.Context, roomID domain.RoomID, credential string) (domain.Identity, []domain.Identity, error) {
	identity, err := s.resolver.ResolveIdentity(ctx, credential)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthenticated) {
			return domain.Identity{}, nil, apperrors.WrapError(err, apperrors.ErrCodeUnauthorized,
				"unauthenticated", http.StatusUnauthorized, apperrors.CloseUnauthenticated)
		}
		return domain.Identity{}, nil, apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable,
			"identity lookup failed", http.StatusServiceUnavailable, apperrors.CloseInternalError)
	}

	allowed, err := s.meetings.CheckAccess(ctx, roomID, identity)
	if err != nil {
		return identity, nil, apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable,
			"access check failed", http.StatusServiceUnavailable, apperrors.CloseInternalError)
	}
	if !allowed {
		return identity, nil, apperrors.WrapError(domain.ErrForbidden, apperrors.ErrCodeForbidden,
			"forbidden", http.StatusForbidden, apperrors.CloseForbidden)
	}

	snapshot, err := s.meetings.SnapshotActiveMembers(ctx, roomID, identity.ID)
	if err != nil {
		return identity, nil, apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable,
			"membership snapshot failed", http.StatusServiceUnavailable, apperrors.CloseInternalError)
	}
	return identity, snapshot, nil
}

func (s *WebSocketServer) reject(conn *websocket.Conn, roomID domain.RoomID, err error) {
	code := apperrors.CloseCodeOf(err)
	reason := ""
	if appErr := apperrors.GetAppError(err); appErr != nil {
		reason = appErr.Message
		s.metrics.ConnectionRejected(strings.ToLower(string(appErr.Code)))
	}

	if code == apperrors.CloseInternalError {
		s.logger.Errorw("admission failed", "room_id", roomID, "error", err)
	} else {
		s.logger.Infow("admission refused", "room_id", roomID, "close_code", code, "reason", reason)
	}

	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteTimeout))
	_ = conn.Close()
}

func (s *WebSocketServer) register(session *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.accepting {
		return false
	}
	s.sessions[session.id] = session
	return true
}

func (s *WebSocketServer) unregister(session *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions[session.id] == session {
		delete(s.sessions, session.id)
	}
}

// Shutdown stops admitting sessions and closes every live one with 1001. It
// waits for their teardown until ctx is done.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.accepting = false
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	s.logger.Infow("closing websocket sessions", "count", len(sessions))
	for _, session := range sessions {
		session.requestClose(apperrors.CloseGoingAway, "server shutting down")
	}

	for _, session := range sessions {
		select {
		case <-session.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *WebSocketServer) Accepting() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accepting
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Session returns the live session with the given id.
func (s *WebSocketServer) Session(id domain.SessionID) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

// HealthCheck reports liveness and the number of live sessions.
func (s *WebSocketServer) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
	})
}
