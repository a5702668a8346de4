package wire

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
)

// SessionHandler runs one accepted connection to completion. It owns the
// connection's lifetime: the gateway neither reads nor writes frames
// itself once a session handler has been handed the connection.
type SessionHandler func(conn *Conn)

// Gateway is C1: it upgrades HTTP connections to WebSocket and dispatches
// each accepted connection to a SessionHandler. It holds a per-IP limiter
// exposed through Allow; ServeHTTP does not consult it, so the gateway
// itself rate-limits neither connections nor frames.
type Gateway struct {
	upgrader   websocket.Upgrader
	ipLimiters *IPLimiters
	handler    SessionHandler
}

// NewGateway builds a Gateway. ipRateLimit <= 0 uses DefaultIPLimitPerMinute.
func NewGateway(ipRateLimit int, handler SessionHandler) *Gateway {
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ipLimiters: NewIPLimiters(ipRateLimit),
		handler:    handler,
	}
}

// ServeHTTP implements http.Handler, upgrading eligible requests and
// handing the resulting connection to the session handler on its own
// goroutine.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", ip, "err", err)
		return
	}

	conn := NewConn(ws, ip)
	go g.handler(conn)
}

// Allow checks the shared per-IP budget; callers should reject the
// message with ErrCodeRateLimit if this returns false.
func (g *Gateway) Allow(ip string) (bool, int64) {
	return g.ipLimiters.Allow(ip)
}

func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
