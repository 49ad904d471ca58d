package controlserver

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pos-agent/internal/protocol"
)

// Device is a snapshot of what the server knows about one agent.
type Device struct {
	Identity      protocol.DeviceIdentity `json:"identity"`
	Connected     bool                    `json:"connected"`
	Registered    bool                    `json:"registered"`
	Disconnected  bool                    `json:"disconnected"` // sent a disconnect notice
	ConnectedAt   time.Time               `json:"connected_at"`
	LastHeartbeat time.Time               `json:"last_heartbeat,omitempty"`
	Heartbeats    int                     `json:"heartbeats"`
	Results       int                     `json:"results"`
}

// Message is one inbound frame as received.
type Message struct {
	Action   string          `json:"action"`
	Received time.Time       `json:"received"`
	Raw      json.RawMessage `json:"raw"`
}

type deviceConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	// guarded by Server.mu
	info     Device
	messages []Message
}

func (d *deviceConn) write(data []byte, timeout time.Duration) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_ = d.conn.SetWriteDeadline(time.Now().Add(timeout))
	return d.conn.WriteMessage(websocket.TextMessage, data)
}
