package wsrobot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/falconrpa/orchestrator/internal/clock"
	"github.com/falconrpa/orchestrator/internal/orcerr"
	"github.com/falconrpa/orchestrator/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Hub owns one robotConn per connected robot and implements
// dispatch.Sender, so Dispatcher can hand outbound frames to robots
// without knowing about websockets.
type Hub struct {
	mu       sync.RWMutex
	conns    map[types.RobotID]*robotConn
	handler  Handler
	clk      clock.Clock
	upgrader websocket.Upgrader
}

func NewHub(handler Handler, clk clock.Clock) *Hub {
	return &Hub{
		conns:   make(map[types.RobotID]*robotConn),
		handler: handler,
		clk:     clk,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades an inbound HTTP request to a websocket connection
// and starts its read/write pumps. Mounted by internal/transport/httpapi
// at the robot-channel endpoint.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("wsrobot: upgrade failed", "error", err)
		return
	}

	conn := newConn(h, ws)
	go conn.writePump()
	go conn.readPump(r.Context())
}

func (h *Hub) addConn(robotID types.RobotID, c *robotConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.conns[robotID]; ok && existing != c {
		close(existing.closed)
		existing.ws.Close()
	}
	h.conns[robotID] = c
}

func (h *Hub) removeConn(c *robotConn) {
	if c.robotID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.robotID] == c {
		delete(h.conns, c.robotID)
	}
}

// sendTo is used internally for synchronous replies (register_ack,
// heartbeat_ack) that don't go through the Sender contract.
func (h *Hub) sendTo(robotID types.RobotID, messageType string, payload any) {
	if err := h.Send(context.Background(), robotID, messageType, payload); err != nil {
		log.Warn("wsrobot: reply send failed", "robot_id", robotID, "type", messageType, "error", err)
	}
}

// Send implements dispatch.Sender: marshal payload into a Frame and
// enqueue it on the robot's outbound queue, failing fast if the robot is
// unknown or backpressured past sendTimeout.
func (h *Hub) Send(ctx context.Context, robotID types.RobotID, messageType string, payload any) error {
	h.mu.RLock()
	conn, ok := h.conns[robotID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: robot %s has no active connection", orcerr.ErrTransport, robotID)
	}

	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("wsrobot: marshal payload: %w", err)
	}

	frame := Frame{
		Type:      messageType,
		ID:        uuid.NewString(),
		Timestamp: h.clk.Now(),
		Payload:   rawPayload,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("wsrobot: marshal frame: %w", err)
	}

	if !conn.enqueue(data) {
		return fmt.Errorf("%w: send to robot %s timed out after %s", orcerr.ErrTransport, robotID, sendTimeout)
	}
	return nil
}

// RobotIDs returns every robot with a live connection.
func (h *Hub) RobotIDs() []types.RobotID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.RobotID, 0, len(h.conns))
	for id := range h.conns {
		out = append(out, id)
	}
	return out
}

// Connected reports whether a robot currently has a live connection.
func (h *Hub) Connected(robotID types.RobotID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[robotID]
	return ok
}

// Disconnect forcibly closes a robot's connection, used when the
// orchestrator decides a robot is lost for reasons other than a socket
// error (e.g. administrative unregister).
func (h *Hub) Disconnect(robotID types.RobotID) {
	h.mu.Lock()
	conn, ok := h.conns[robotID]
	delete(h.conns, robotID)
	h.mu.Unlock()
	if ok {
		close(conn.closed)
		conn.ws.Close()
	}
}
