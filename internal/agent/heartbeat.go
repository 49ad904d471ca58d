package agent

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"pos-agent/internal/clock"
	"pos-agent/internal/protocol"
)

// Heartbeat sends a heartbeat right away and then once per interval until
// ctx ends, running reports false, or a send fails.
type Heartbeat struct {
	Sender   Sender
	Identity protocol.DeviceIdentity
	Interval time.Duration
	Clock    clock.Clock
	Running  func() bool
	Logger   *logrus.Entry
}

// Run blocks until the heartbeat stops.
func (h *Heartbeat) Run(ctx context.Context) {
	for ctx.Err() == nil && h.Running() {
		msg := protocol.NewHeartbeat(h.Identity, h.Clock.Now().Unix())
		if err := h.Sender.SendJSON(msg); err != nil {
			h.Logger.WithError(err).Warn("heartbeat send failed; stopping heartbeat")
			return
		}
		h.Logger.WithField("timestamp", msg.Timestamp).Debug("sent heartbeat")

		select {
		case <-ctx.Done():
			return
		case <-h.Clock.After(h.Interval):
		}
	}
}
