package ws

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/layer-3/pingmark/core"
	"github.com/layer-3/pingmark/logger"
	"github.com/layer-3/pingmark/service"
)

var clientIDPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// Handler upgrades session requests to websockets and pumps echo frames
// into the session service. RTT is measured server-side: the receive
// timestamp is taken the moment a frame comes off the socket, before any
// parsing or matching.
type Handler struct {
	sessions *service.SessionService
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandler creates a websocket session handler.
func NewHandler(sessions *service.SessionService) *Handler {
	return &Handler{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: logger.Logger().With().Str("component", "ws").Logger(),
	}
}

// Session handles GET /session/:clientId.
func (h *Handler) Session(c *gin.Context) {
	clientID := c.Param("clientId")
	if !clientIDPattern.MatchString(clientID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid client ID"})
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug().Err(err).Str("client", clientID).Msg("websocket upgrade failed")
		return
	}
	conn := newSessionConn(raw)

	sess, err := h.sessions.Start(c.Request.Context(), clientID, conn)
	if err != nil {
		reason := "Failed to start session"
		if errors.Is(err, core.ErrDuplicateSession) {
			reason = "Client already has an active session"
		}
		if serr := conn.SendError(reason); serr != nil {
			h.log.Debug().Err(serr).Str("client", clientID).Msg("failed to send error frame")
		}
		_ = conn.Close()
		return
	}

	h.readLoop(c.Request.Context(), sess.ID, conn)
}

// readLoop consumes echo frames until the socket closes. A read error
// means the client went away; the session is expired, never completed on
// its behalf.
func (h *Handler) readLoop(ctx context.Context, sessionID string, conn *sessionConn) {
	defer func() {
		h.sessions.Disconnect(sessionID)
		_ = conn.Close()
	}()

	for {
		var frame echoFrame
		if err := conn.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug().Err(err).Str("session", sessionID).Msg("websocket closed unexpectedly")
			}
			return
		}
		receivedAt := time.Now()

		if frame.Type != frameEcho {
			continue
		}
		nonce, err := core.ParseNonce(frame.Nonce)
		if err != nil {
			h.log.Debug().Str("session", sessionID).Uint32("index", frame.Index).Msg("echo with malformed nonce ignored")
			continue
		}

		_, err = h.sessions.HandleEcho(ctx, sessionID, frame.Index, nonce, receivedAt)
		switch {
		case err == nil:
		case errors.Is(err, core.ErrUnknownChallenge):
			// Stale or replayed echo; drop it and keep reading.
		case errors.Is(err, core.ErrSessionNotFound):
			return
		default:
			h.log.Warn().Err(err).Str("session", sessionID).Msg("failed to handle echo")
		}
	}
}
