package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tacmaplabs/tacmap/backend/internal/session"
)

var (
	errMissingSessionManager    = errors.New("server: session manager dependency required")
	errMissingConnectionManager = errors.New("server: connection manager dependency required")
	errNotBound                 = errors.New("server: session manager not bound")
)

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Sessions    *session.Manager
	Connections *ConnectionManager
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin router: health, diagnostics and the WebSocket
// endpoint that carries the whole session protocol.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionManager
	}
	if deps.Connections == nil {
		return nil, errMissingConnectionManager
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:    deps.Sessions,
		connections: deps.Connections,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Mobile clients connect from app webviews and native stacks
			// with arbitrary origins; access control happens at auth.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/diagnostics", handler.handleDiagnostics)
	router.GET("/ws", handler.handleWebSocket)

	return router, nil
}

type httpHandler struct {
	sessions    *session.Manager
	connections *ConnectionManager
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (h *httpHandler) handleDiagnostics(c *gin.Context) {
	stats := h.sessions.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"server_time": time.Now().UnixMilli(),
		"sessions":    stats.Sessions,
		"players":     stats.Players,
		"connected":   stats.Connected,
		"connections": h.connections.ConnectionCount(),
	})
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	if h.connections.manager == nil {
		c.String(http.StatusServiceUnavailable, errNotBound.Error())
		return
	}
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := newConnection(h.connections, ws)
	conn.run()
}
