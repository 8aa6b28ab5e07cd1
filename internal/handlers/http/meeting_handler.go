package http

import (
	"context"
	"errors"
	"net/http"

	"meetrelay/internal/core/domain"
	"meetrelay/internal/core/ports"
	"meetrelay/internal/infrastructure/middleware"
	"meetrelay/pkg/config"
	apperrors "meetrelay/pkg/errors"
	"meetrelay/pkg/validation"

	"github.com/gin-gonic/gin"
	webrtc "github.com/pion/webrtc/v3"
)

type MeetingTerminator interface {
	EndMeeting(ctx context.Context, roomID domain.RoomID) error
}

// MeetingHandler serves the relay's HTTP surface next to the websocket
// endpoint: out-of-band meeting termination for the CRUD backend and the
// ICE server list for browsers.
type MeetingHandler struct {
	terminator    MeetingTerminator
	resolver      ports.IdentityResolver
	iceServers    []webrtc.ICEServer
	internalToken string
}

func NewMeetingHandler(
	terminator MeetingTerminator,
	resolver ports.IdentityResolver,
	iceServers []config.ICEServer,
	internalToken string,
) *MeetingHandler {
	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, s := range iceServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}

	return &MeetingHandler{
		terminator:    terminator,
		resolver:      resolver,
		iceServers:    servers,
		internalToken: internalToken,
	}
}

func (h *MeetingHandler) SetupRoutes(router *gin.Engine) {
	internal := router.Group("/internal/v1", middleware.InternalTokenMiddleware(h.internalToken))
	{
		internal.POST("/meetings/:meeting_id/end", h.EndMeeting)
	}

	api := router.Group("/api/v1")
	{
		api.GET("/rtc/ice-servers", h.ICEServers)
	}
}

// EndMeeting broadcasts meeting_ended to every session of the meeting, on
// every relay process sharing the group backend, and closes them.
func (h *MeetingHandler) EndMeeting(c *gin.Context) {
	meetingID := c.Param("meeting_id")
	if err := validation.ValidateMeetingID(meetingID); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.terminator.EndMeeting(c.Request.Context(), domain.RoomID(meetingID)); err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to end meeting",
			http.StatusInternalServerError, apperrors.CloseInternalError))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"meeting_id": meetingID,
		"status":     "ended",
	})
}

// ICEServers returns the STUN/TURN servers browsers should use. TURN
// credentials are only handed to authenticated users.
func (h *MeetingHandler) ICEServers(c *gin.Context) {
	credential := c.Query("token")
	if credential == "" {
		credential, _ = middleware.BearerToken(c.GetHeader("Authorization"))
	}

	if _, err := h.resolver.ResolveIdentity(c.Request.Context(), credential); err != nil {
		if errors.Is(err, domain.ErrUnauthenticated) {
			_ = c.Error(apperrors.NewUnauthorizedError("valid access token required"))
			return
		}
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "identity lookup failed",
			http.StatusServiceUnavailable, apperrors.CloseInternalError))
		return
	}

	c.JSON(http.StatusOK, gin.H{"ice_servers": h.iceServers})
}
