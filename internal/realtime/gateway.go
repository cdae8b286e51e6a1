package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/chime/backend/internal/auth"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TokenVerifier is the stateless verification path used at handshake. The
// gateway never consults the session store, so revoked-but-unexpired tokens
// are still admitted (documented trade-off, see DESIGN.md).
type TokenVerifier interface {
	VerifyStateless(token string) (auth.Claims, error)
}

var errMissingVerifier = errors.New("realtime: token verifier required")

// UserRoom names the room addressed by a user id or handle.
func UserRoom(identifier string) string {
	return "user:" + identifier
}

// GatewayConfig describes the dependencies of the realtime gateway.
type GatewayConfig struct {
	Verifier      TokenVerifier
	AllowedOrigin string
	Logger        *zap.Logger
}

// Gateway accepts long-lived WebSocket connections, authenticates them at
// handshake and tracks room membership for currently-open connections only.
type Gateway struct {
	verifier TokenVerifier
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
	conns map[*client]struct{}
}

// NewGateway constructs the gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	allowedOrigin := strings.TrimSpace(cfg.AllowedOrigin)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return allowedOrigin == "" || allowedOrigin == "*" || origin == allowedOrigin
		},
	}

	return &Gateway{
		verifier: cfg.Verifier,
		logger:   logger,
		upgrader: upgrader,
		rooms:    make(map[string]map[*client]struct{}),
		conns:    make(map[*client]struct{}),
	}, nil
}

// ServeHTTP performs the authenticated handshake. The bearer token is taken
// from the Authorization header first, then the token query parameter. Both
// failure modes refuse the upgrade, so the client observes a connection
// error rather than a connected-then-dropped session.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeHandshakeError(w, http.StatusUnauthorized, "authentication token required")
		return
	}

	claims, err := g.verifier.VerifyStateless(token)
	if err != nil {
		writeHandshakeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		g.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	rooms := []string{UserRoom(claims.Subject)}
	if handle := strings.TrimSpace(claims.Handle); handle != "" {
		rooms = append(rooms, UserRoom(handle))
	}

	c := newClient(g, conn, connectionIdentity{
		UserID: claims.Subject,
		Handle: claims.Handle,
		Name:   claims.DisplayName,
	}, rooms)

	g.register(c)
	g.logger.Info("realtime connection established",
		zap.String("user_id", claims.Subject),
		zap.String("handle", claims.Handle))

	go c.writePump()
	go c.readPump()
}

// Emit delivers a named event to every connection currently joined to any of
// the given rooms. Delivery is fire-and-forget and at-most-once.
func (g *Gateway) Emit(event string, payload interface{}, rooms ...string) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		g.logger.Error("failed to encode realtime event", zap.String("event", event), zap.Error(err))
		return
	}

	targets := make(map[*client]struct{})
	g.mu.RLock()
	for _, room := range rooms {
		for c := range g.rooms[room] {
			targets[c] = struct{}{}
		}
	}
	g.mu.RUnlock()

	for c := range targets {
		c.deliver(data)
	}
}

// Broadcast delivers a named event to every open connection.
func (g *Gateway) Broadcast(event string, payload interface{}) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		g.logger.Error("failed to encode realtime event", zap.String("event", event), zap.Error(err))
		return
	}

	g.mu.RLock()
	targets := make([]*client, 0, len(g.conns))
	for c := range g.conns {
		targets = append(targets, c)
	}
	g.mu.RUnlock()

	for _, c := range targets {
		c.deliver(data)
	}
}

// RoomCount reports how many connections are currently joined to the room.
func (g *Gateway) RoomCount(room string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms[room])
}

// ConnectionCount reports how many connections are currently open.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// register joins the connection to its rooms atomically with respect to any
// concurrent emission.
func (g *Gateway) register(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[c] = struct{}{}
	for _, room := range c.rooms {
		members, ok := g.rooms[room]
		if !ok {
			members = make(map[*client]struct{})
			g.rooms[room] = members
		}
		members[c] = struct{}{}
	}
}

// unregister removes the connection from every room under one lock acquisition.
func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.conns[c]; !ok {
		return
	}
	delete(g.conns, c)
	for _, room := range c.rooms {
		members := g.rooms[room]
		if members == nil {
			continue
		}
		delete(members, c)
		if len(members) == 0 {
			delete(g.rooms, room)
		}
	}
}

func encodeEvent(event string, payload interface{}) ([]byte, error) {
	if strings.TrimSpace(event) == "" {
		return nil, errors.New("realtime: event name required")
	}
	envelope := map[string]interface{}{
		"event": event,
		"data":  payload,
	}
	return json.Marshal(envelope)
}

// bearerToken extracts the handshake credential: the Authorization header is
// the explicit auth field and takes precedence over the query fallback.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")); token != "" {
			return token
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func writeHandshakeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, message)
}
