package transport

import (
	"net/http"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chasemcd/experimentd/internal/domain"
	"github.com/chasemcd/experimentd/internal/logging"
	"github.com/chasemcd/experimentd/internal/metrics"
)

// Hub upgrades inbound HTTP requests to WebSocket connections and starts
// each connection's read/write pumps. It holds no participant or session
// state of its own — every message it reads is handed to onMessage, which
// the dispatch layer supplies. Hub is a pure upgrade-and-wire factory, not
// an entity owner.
type Hub struct {
	onMessage    MessageHandler
	onDisconnect DisconnectHandler
	allowedOrigins []string
}

// NewHub constructs a Hub. allowedOrigins empty means same-origin-only
// checks are skipped (useful for local development).
func NewHub(onMessage MessageHandler, onDisconnect DisconnectHandler, allowedOrigins []string) *Hub {
	return &Hub{onMessage: onMessage, onDisconnect: onDisconnect, allowedOrigins: allowedOrigins}
}

// ServeWs upgrades the request and starts a new Client's pumps. Admission
// (register) happens later, as an ordinary inbound wire message — the
// upgrade itself carries no participant identity.
func (h *Hub) ServeWs(c *gin.Context) {
	upgrader := websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to upgrade connection", zap.Error(err))
		return
	}

	connID := domain.ConnectionIDType(uuid.New().String())
	client := newClient(connID, conn, h.onMessage, h.onDisconnect)

	metrics.IncConnection()

	go client.writePump()
	go client.readPump()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients (load generators, CLI harnesses)
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}
