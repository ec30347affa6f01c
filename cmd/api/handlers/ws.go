package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/driftworks/conductor/cmd/api/middleware"
	"github.com/driftworks/conductor/common/repository"
	"github.com/driftworks/conductor/engine/eventbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The handshake is authenticated by the bearer token, not the
	// Origin header; the token travels in the query string because
	// browsers cannot set headers on a ws upgrade.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHandler upgrades authenticated connections onto the event bus
type WSHandler struct {
	hub    *eventbus.Hub
	store  *repository.Store
	logger Logger
}

// NewWSHandler creates the websocket handler
func NewWSHandler(hub *eventbus.Hub, store *repository.Store, logger Logger) *WSHandler {
	return &WSHandler{hub: hub, store: store, logger: logger}
}

// Serve handles GET /ws?token=. The socket is auto-subscribed to the
// caller's user room; execution and workflow rooms are joined on demand
// through subscribe frames, gated by the ownership check below.
func (h *WSHandler) Serve(c echo.Context) error {
	userID := middleware.GetUserID(c)

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return nil
	}

	h.logger.Debug("websocket connected",
		"user_id", userID,
		"remote", c.Request().RemoteAddr,
	)

	client := eventbus.NewClient(h.hub, conn, userID, h.authorizeRoom)
	client.Start()
	return nil
}

// authorizeRoom is the room ACL: user rooms must match the principal,
// execution and workflow rooms require ownership of the underlying
// record. A failed ownership read and a missing record look the same.
func (h *WSHandler) authorizeRoom(ctx context.Context, userID, room string) bool {
	switch {
	case strings.HasPrefix(room, "user:"):
		return strings.TrimPrefix(room, "user:") == userID

	case strings.HasPrefix(room, "execution:"):
		execID, err := uuid.Parse(strings.TrimPrefix(room, "execution:"))
		if err != nil {
			return false
		}
		_, err = h.store.ExecutionRepository.GetExecution(ctx, execID, userID)
		return err == nil

	case strings.HasPrefix(room, "workflow:"):
		workflowID, err := uuid.Parse(strings.TrimPrefix(room, "workflow:"))
		if err != nil {
			return false
		}
		_, err = h.store.GetWorkflowSpec(ctx, workflowID, userID)
		return err == nil
	}
	return false
}
