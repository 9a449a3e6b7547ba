package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/events/bus"
	ws "github.com/loomhq/loom/pkg/websocket"
)

// Gateway bundles the firehose components.
type Gateway struct {
	Hub         *Hub
	Dispatcher  *ws.Dispatcher
	Handler     *Handler
	broadcaster *EventBroadcaster
	logger      *logger.Logger
}

// NewGateway creates a firehose gateway wired to the event bus. Run the hub
// with Gateway.Run before serving connections.
func NewGateway(ctx context.Context, eventBus bus.EventBus, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)

	registerHealthHandler(dispatcher)

	return &Gateway{
		Hub:         hub,
		Dispatcher:  dispatcher,
		Handler:     handler,
		broadcaster: RegisterEventBroadcaster(ctx, eventBus, hub, log),
		logger:      log,
	}
}

// Run drives the hub loop until ctx ends.
func (g *Gateway) Run(ctx context.Context) {
	g.Hub.Run(ctx)
}

// SetupRoutes adds the firehose route behind the auth middleware.
func (g *Gateway) SetupRoutes(router *gin.Engine, verifier *auth.Verifier, log *logger.Logger) {
	router.GET("/ws", auth.Middleware(verifier, log), g.Handler.HandleConnection)
}

func registerHealthHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "loom",
		})
	})
}
