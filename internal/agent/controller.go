// Package agent owns the device side of the session: registration,
// heartbeats, script dispatch and shutdown.
package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"pos-agent/internal/clock"
	"pos-agent/internal/protocol"
	"pos-agent/internal/transport"
)

// closeWait bounds how long Shutdown waits for the read loop after closing.
const closeWait = 5 * time.Second

// Options configures a Controller.
type Options struct {
	ServerURL         string
	Identity          protocol.DeviceIdentity
	HeartbeatInterval time.Duration
	DrainTimeout      time.Duration // 0 closes without waiting for running scripts
	Transport         transport.Options
	Clock             clock.Clock
}

// Controller drives one session through its lifecycle. It never
// reconnects: once the session closes, Done is closed and the owner is
// expected to exit.
type Controller struct {
	opts       Options
	clock      clock.Clock
	logger     *logrus.Entry
	tasks      *TaskSet
	dispatcher *Dispatcher

	state   atomic.Int32
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	session *transport.Session

	shutdownOnce sync.Once
	finishOnce   sync.Once
	done         chan struct{}
}

// New returns a Controller that runs scripts with executor. Nothing is
// dialed until Start.
func New(opts Options, executor Executor, logger *logrus.Entry) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:   opts,
		clock:  opts.Clock,
		logger: logger.WithFields(logrus.Fields{
			"device_id":  opts.Identity.DeviceID,
			"session_id": uuid.NewString(),
		}),
		tasks:  &TaskSet{},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.dispatcher = NewDispatcher(executor, SenderFunc(c.send), opts.Identity, c.tasks, c.logger)
	return c
}

// Start dials the server and begins delivering session events. It returns
// once the handshake is done; registration happens in the open callback.
func (c *Controller) Start(ctx context.Context) error {
	if !c.transition(Disconnected, Connecting) {
		return ErrAlreadyStarted
	}
	c.running.Store(true)

	endpoint, err := protocol.EndpointURL(c.opts.ServerURL, c.opts.Identity)
	if err != nil {
		c.abort()
		return err
	}

	c.logger.WithField("url", endpoint).Info("connecting")

	session, err := transport.Dial(ctx, endpoint, c.opts.Transport, transport.Handler{
		OnOpen:    c.onOpen,
		OnMessage: c.dispatcher.Handle,
		OnError:   c.onError,
		OnClose:   c.onClose,
	})
	if err != nil {
		c.abort()
		return errors.Wrap(err, "connect")
	}

	c.mu.Lock()
	if !c.running.Load() {
		c.mu.Unlock()
		_ = session.Close()
		c.abort()
		return errors.New("shut down while connecting")
	}
	c.session = session
	c.mu.Unlock()

	go session.Run()
	return nil
}

func (c *Controller) abort() {
	c.running.Store(false)
	c.setState(Closed)
	c.cancel()
	c.finish()
}

func (c *Controller) onOpen() {
	if !c.transition(Connecting, Open) {
		return
	}
	c.logger.Info("connection opened")

	if err := c.send(protocol.NewRegister(c.opts.Identity)); err != nil {
		c.logger.WithError(err).Error("failed to send register")
	} else {
		c.logger.Info("sent register")
	}

	hb := &Heartbeat{
		Sender:   SenderFunc(c.send),
		Identity: c.opts.Identity,
		Interval: c.opts.HeartbeatInterval,
		Clock:    c.clock,
		Running:  c.running.Load,
		Logger:   c.logger.WithField("component", "heartbeat"),
	}
	go hb.Run(c.ctx)
}

func (c *Controller) onError(err error) {
	if !c.running.Load() {
		return
	}
	c.logger.WithError(err).Error("connection error")
}

func (c *Controller) onClose(code int, reason string) {
	c.logger.WithFields(logrus.Fields{
		"code":   code,
		"reason": reason,
	}).Info("connection closed")
	c.closing()
	c.setState(Closed)
	c.cancel()
	c.finish()
}

// Shutdown stops the heartbeat, optionally drains running scripts, sends a
// best-effort disconnect and closes the session. It is safe to call more
// than once and from several goroutines; only the first call acts, and
// every call returns after the session is closed.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(c.shutdown)
	<-c.done
}

func (c *Controller) shutdown() {
	c.running.Store(false)
	c.cancel()
	c.closing()
	c.logger.Info("shutting down")

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		c.setState(Closed)
		c.finish()
		return
	}

	if c.opts.DrainTimeout > 0 && c.tasks.Len() > 0 {
		c.logger.WithField("in_flight", c.tasks.Len()).Info("waiting for running scripts")
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.DrainTimeout)
		if err := c.tasks.Wait(ctx); err != nil {
			c.logger.WithError(err).Warn("drain incomplete")
		}
		cancel()
	}

	if err := session.SendJSON(protocol.NewDisconnect(c.opts.Identity)); err != nil {
		c.logger.WithError(err).Warn("failed to send disconnect")
	} else {
		c.logger.Info("sent disconnect")
	}
	if err := session.Close(); err != nil {
		c.logger.WithError(err).Warn("failed to close connection")
	}

	select {
	case <-session.Done():
	case <-time.After(closeWait):
		c.logger.Warn("read loop did not stop after close")
	}
	c.setState(Closed)
	c.finish()
}

func (c *Controller) send(v any) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return ErrNotConnected
	}
	return session.SendJSON(v)
}

// transition moves from one state to the next only if the controller is
// still in from.
func (c *Controller) transition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	c.logger.WithField("state", to).Debug("state changed")
	return true
}

// closing enters Closing from Connecting or Open. Any other state is left
// alone.
func (c *Controller) closing() {
	if !c.transition(Open, Closing) {
		c.transition(Connecting, Closing)
	}
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.logger.WithField("state", s).Debug("state changed")
}

func (c *Controller) finish() {
	c.finishOnce.Do(func() { close(c.done) })
}

// State reports where the session is in its lifecycle.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Running reports whether Shutdown has not yet been called.
func (c *Controller) Running() bool {
	return c.running.Load()
}

// InFlight reports how many scripts are running.
func (c *Controller) InFlight() int {
	return c.tasks.Len()
}

// Done is closed once the session has closed, for any reason.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}
