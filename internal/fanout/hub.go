// Package fanout pushes state-change events to all live websocket connections
// of an account. Delivery is best-effort: a missed push is recovered through
// the REST endpoints, never treated as lost state.
package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/rafaelmp/webtext/internal/auth"
	"github.com/rafaelmp/webtext/internal/bus"
)

const writeTimeout = 5 * time.Second

// Hub tracks per-account connection groups and bridges bus events onto them.
type Hub struct {
	auth   *auth.Manager
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.RWMutex
	groups map[int64]map[*websocket.Conn]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates a hub. Call Start to begin bridging bus events.
func NewHub(am *auth.Manager, b *bus.Bus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		auth:   am,
		bus:    b,
		logger: logger,
		groups: make(map[int64]map[*websocket.Conn]bool),
	}
}

// Start subscribes to coordinator and queue events on the bus.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	ch, unsub := h.bus.Subscribe("", 256)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if msg, ok := translate(evt); ok {
					h.Broadcast(evt.AccountID, msg)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop closes all connections and stops the bridge loop.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Lock()
	for accountID, conns := range h.groups {
		for conn := range conns {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(h.groups, accountID)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// ConnectionCount reports the live connections for an account, for diagnostics.
func (h *Hub) ConnectionCount(accountID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[accountID])
}

// Broadcast delivers an event to every current member of an account's group.
// Write failures drop the failing connection and are otherwise swallowed.
func (h *Hub) Broadcast(accountID int64, msg Event) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.groups[accountID]))
	for conn := range h.groups[accountID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.logger.Warn("dropping unwritable connection",
				zap.Int64("account", accountID), zap.Error(err))
			h.remove(accountID, conn)
			_ = conn.Close(websocket.StatusAbnormalClosure, "write failed")
		}
	}
}

// HandleWS upgrades a connection. The handshake carries a bearer token in the
// "token" query parameter or an Authorization header; on success the
// connection joins its account's group until disconnect.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	claims, err := h.auth.Verify(token, auth.TypeAccess)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	accountID := claims.AccountID

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	if h.groups[accountID] == nil {
		h.groups[accountID] = make(map[*websocket.Conn]bool)
	}
	h.groups[accountID][conn] = true
	count := len(h.groups[accountID])
	h.mu.Unlock()

	h.logger.Info("web client connected",
		zap.Int64("account", accountID), zap.Int("connections", count))

	go h.readLoop(accountID, conn)
}

// readLoop handles client-originated frames. mark_read and typing are
// re-broadcast to the rest of the group best-effort, never persisted.
func (h *Hub) readLoop(accountID int64, conn *websocket.Conn) {
	defer func() {
		h.remove(accountID, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		var in clientEvent
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		switch in.Type {
		case "mark_read", "typing":
			h.Broadcast(accountID, Event{Type: in.Type, Data: in.Data})
		}
	}
}

// remove forgets a connection; an account with zero live connections is
// dropped entirely, so reconnects always re-authenticate and rejoin.
func (h *Hub) remove(accountID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.groups[accountID]
	if !ok {
		return
	}
	if _, exists := conns[conn]; !exists {
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.groups, accountID)
	}
	h.logger.Info("web client disconnected",
		zap.Int64("account", accountID), zap.Int("connections", len(conns)))
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	authz := r.Header.Get("Authorization")
	if len(authz) > len(prefix) && authz[:len(prefix)] == prefix {
		return authz[len(prefix):]
	}
	return ""
}
