package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/common/logger"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Identity comes from the bearer token, not the origin.
		return true
	},
}

// Handler upgrades authenticated requests into firehose connections.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates the firehose connection handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket. The route sits behind the auth
// middleware; browsers pass the token as a query parameter.
func (h *Handler) HandleConnection(c *gin.Context) {
	user, ok := auth.MustUser(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("firehose connection established",
		zap.String("client_id", clientID),
		zap.String("owner", user.Identity))

	client := NewClient(clientID, user.Identity, conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}
