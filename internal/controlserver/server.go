// Package controlserver is a development stand-in for the device control
// service. It accepts agent connections, records what they send, and pushes
// run_script commands, waiting for their save_results.
package controlserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"pos-agent/internal/protocol"
)

const readLimit = 1024 * 1024 // 1MB

type Options struct {
	PingInterval time.Duration // 0 disables server pings
	WriteTimeout time.Duration
	APIToken     string // bearer token for the REST routes; "" leaves them open
}

func DefaultOptions() Options {
	return Options{
		PingInterval: 30 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

type Server struct {
	opts     Options
	logger   *logrus.Entry
	engine   *gin.Engine
	upgrader websocket.Upgrader
	pending  *pendingSet

	mu      sync.Mutex
	devices map[string]*deviceConn
}

func New(opts Options, logger *logrus.Entry) *Server {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultOptions().WriteTimeout
	}
	s := &Server{
		opts:   opts,
		logger: logger.WithField("component", "controlserver"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pending: newPendingSet(),
		devices: make(map[string]*deviceConn),
	}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler serving the websocket and REST routes.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleWebSocket(c *gin.Context) {
	id := protocol.IdentityFromQuery(c.Request.URL.Query())
	if id.DeviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "deviceid query parameter is required"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(readLimit)

	d := &deviceConn{
		conn: conn,
		info: Device{Identity: id, Connected: true, ConnectedAt: time.Now()},
	}

	s.mu.Lock()
	old := s.devices[id.DeviceID]
	s.devices[id.DeviceID] = d
	s.mu.Unlock()
	if old != nil && old.conn != nil {
		_ = old.conn.Close()
	}

	logger := s.logger.WithFields(logrus.Fields{
		"device_id":         id.DeviceID,
		"restaurant_number": id.TenantID,
		"machine":           id.MachineLabel,
	})
	logger.Info("device connected")

	stop := make(chan struct{})
	if s.opts.PingInterval > 0 {
		go s.pingLoop(d, stop)
	}
	go s.readLoop(d, stop, logger)
}

func (s *Server) pingLoop(d *deviceConn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := d.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(d *deviceConn, stop chan struct{}, logger *logrus.Entry) {
	defer func() {
		close(stop)
		_ = d.conn.Close()

		s.mu.Lock()
		d.info.Connected = false
		current := s.devices[d.info.Identity.DeviceID] == d
		s.mu.Unlock()

		// A replaced connection must not fail the new one's commands.
		if !current {
			return
		}
		if n := s.pending.failDevice(d.info.Identity.DeviceID); n > 0 {
			logger.WithField("pending", n).Warn("failed pending commands for disconnected device")
		}
		logger.Info("device connection closed")
	}()

	for {
		mt, data, err := d.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Debug("read failed")
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		s.handleMessage(d, data, logger)
	}
}

func (s *Server) handleMessage(d *deviceConn, data []byte, logger *logrus.Entry) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.WithError(err).Warn("invalid message from device")
		return
	}

	now := time.Now()
	s.mu.Lock()
	d.messages = append(d.messages, Message{Action: env.Action, Received: now, Raw: append(json.RawMessage(nil), data...)})
	switch env.Action {
	case protocol.ActionRegister:
		d.info.Registered = true
	case protocol.ActionHeartbeat:
		d.info.LastHeartbeat = now
		d.info.Heartbeats++
	case protocol.ActionDisconnect:
		d.info.Disconnected = true
	case protocol.ActionSaveResults:
		d.info.Results++
	}
	s.mu.Unlock()

	switch env.Action {
	case protocol.ActionSaveResults:
		var res protocol.SaveResults
		if err := json.Unmarshal(data, &res); err != nil {
			logger.WithError(err).Warn("invalid save_results")
			return
		}
		if s.pending.resolve(res) {
			logger.WithField("command_id", res.CommandID).Info("resolved command")
		} else {
			logger.WithField("command_id", res.CommandID).Info("results for unknown command")
		}
	case protocol.ActionRegister, protocol.ActionHeartbeat, protocol.ActionDisconnect:
		logger.WithField("action", env.Action).Debug("device message")
	default:
		logger.WithField("action", env.Action).Info("unknown action from device")
	}
}

// Send marshals v and writes it to the device's connection.
func (s *Server) Send(deviceID string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}

	s.mu.Lock()
	d, ok := s.devices[deviceID]
	connected := ok && d.info.Connected
	s.mu.Unlock()
	if !connected {
		return errors.Wrapf(ErrDeviceNotFound, "device %s", deviceID)
	}

	if err := d.write(payload, s.opts.WriteTimeout); err != nil {
		return errors.Wrapf(err, "send to %s", deviceID)
	}
	return nil
}

// RunScript sends script to the device as a run_script command and waits
// for its save_results until ctx is done.
func (s *Server) RunScript(ctx context.Context, deviceID, scriptName, script string) (protocol.SaveResults, error) {
	commandID := uuid.NewString()
	ch := s.pending.register(commandID, deviceID)

	msg := protocol.NewRunScript(commandID, scriptName, base64.StdEncoding.EncodeToString([]byte(script)))
	if err := s.Send(deviceID, msg); err != nil {
		s.pending.unregister(commandID)
		return protocol.SaveResults{}, err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return protocol.SaveResults{}, errors.Wrapf(ErrDeviceDisconnected, "command %s", commandID)
		}
		return res, nil
	case <-ctx.Done():
		s.pending.unregister(commandID)
		return protocol.SaveResults{}, errors.Wrapf(ErrResultTimeout, "command %s", commandID)
	}
}

func (s *Server) Device(deviceID string) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return Device{}, errors.Wrapf(ErrDeviceNotFound, "device %s", deviceID)
	}
	return d.info, nil
}

// Devices lists every device seen, sorted by device id.
func (s *Server) Devices() []Device {
	s.mu.Lock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d.info)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identity.DeviceID < out[j].Identity.DeviceID })
	return out
}

// Messages returns the frames received from deviceID, oldest first.
func (s *Server) Messages(deviceID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return nil
	}
	return append([]Message(nil), d.messages...)
}

// Close drops every device connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.devices))
	for _, d := range s.devices {
		conns = append(conns, d.conn)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
