package wsrobot

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/falconrpa/orchestrator/pkg/types"
	"github.com/gorilla/websocket"
)

// outboundQueueDepth bounds the per-robot send buffer; a Send that cannot
// enqueue within sendTimeout is treated as a transport failure.
const outboundQueueDepth = 256
const sendTimeout = 1 * time.Second

const (
	writeWait  = 10 * time.Second
	pongWait   = 70 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// robotConn wraps one accepted websocket connection: a read pump decoding
// inbound frames into Handler calls, and a write pump draining the
// outbound queue to the socket.
type robotConn struct {
	hub     *Hub
	ws      *websocket.Conn
	robotID types.RobotID
	send    chan []byte
	closed  chan struct{}
}

func newConn(hub *Hub, ws *websocket.Conn) *robotConn {
	return &robotConn{
		hub:    hub,
		ws:     ws,
		send:   make(chan []byte, outboundQueueDepth),
		closed: make(chan struct{}),
	}
}

// enqueue pushes an already-marshalled frame onto the outbound queue,
// returning false if it could not be queued within sendTimeout.
func (c *robotConn) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-time.After(sendTimeout):
		return false
	case <-c.closed:
		return false
	}
}

func (c *robotConn) readPump(ctx context.Context) {
	defer c.hub.removeConn(c)
	defer close(c.closed)

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.robotID != "" {
				c.hub.handler.HandleDisconnect(ctx, c.robotID)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn("wsrobot: malformed frame", "error", err)
			continue
		}
		c.dispatch(ctx, frame)
	}
}

func (c *robotConn) dispatch(ctx context.Context, frame Frame) {
	switch frame.Type {
	case TypeRegister:
		var p RegisterPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Warn("wsrobot: bad register payload", "error", err)
			return
		}
		c.robotID = p.RobotID
		c.hub.addConn(p.RobotID, c)
		if err := c.hub.handler.HandleRegister(ctx, p); err != nil {
			log.Error("wsrobot: register failed", "robot_id", p.RobotID, "error", err)
			return
		}
		c.hub.sendTo(p.RobotID, TypeRegisterAck, nil)

	case TypeHeartbeat:
		var p HeartbeatPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		if err := c.hub.handler.HandleHeartbeat(ctx, p); err != nil {
			log.Error("wsrobot: heartbeat failed", "robot_id", p.RobotID, "error", err)
			return
		}
		c.hub.sendTo(p.RobotID, TypeHeartbeatAck, nil)

	case TypeJobAccept:
		var p JobAcceptPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Warn("wsrobot: bad job_accept payload", "robot_id", c.robotID, "error", err)
			return
		}
		c.hub.handler.HandleJobAccept(ctx, c.robotID, p)

	case TypeJobReject:
		var p JobRejectPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Warn("wsrobot: bad job_reject payload", "robot_id", c.robotID, "error", err)
			return
		}
		c.hub.handler.HandleJobReject(ctx, c.robotID, p)

	case TypeJobProgress:
		var p JobProgressPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Warn("wsrobot: bad job_progress payload", "robot_id", c.robotID, "error", err)
			return
		}
		c.hub.handler.HandleJobProgress(ctx, p)

	case TypeJobComplete:
		var p JobCompletePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Warn("wsrobot: bad job_complete payload", "robot_id", c.robotID, "error", err)
			return
		}
		c.hub.handler.HandleJobComplete(ctx, c.robotID, p)

	case TypeJobFailed:
		var p JobFailedPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Warn("wsrobot: bad job_failed payload", "robot_id", c.robotID, "error", err)
			return
		}
		c.hub.handler.HandleJobFailed(ctx, c.robotID, p)

	case TypeJobCancelled:
		var p JobAcceptPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Warn("wsrobot: bad job_cancelled payload", "robot_id", c.robotID, "error", err)
			return
		}
		c.hub.handler.HandleJobCancelled(ctx, c.robotID, p)

	case TypeLogBatch:
		var p LogBatchPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Warn("wsrobot: bad log_batch payload", "robot_id", c.robotID, "error", err)
			return
		}
		c.hub.handler.HandleLogBatch(ctx, p)

	case TypeDisconnect:
		c.hub.handler.HandleDisconnect(ctx, c.robotID)

	default:
		log.Warn("wsrobot: unknown frame type", "type", frame.Type)
	}
}

func (c *robotConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

var log = slog.Default()
