package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"pos-agent/internal/protocol"
	"pos-agent/internal/runner"
)

// Executor runs one script to a Result. *runner.Runner implements it.
type Executor interface {
	Run(ctx context.Context, cmd runner.Command) runner.Result
}

// Dispatcher routes inbound frames. run_script starts a task on the
// TaskSet and returns at once; everything else is logged and dropped.
type Dispatcher struct {
	executor Executor
	sender   Sender
	identity protocol.DeviceIdentity
	tasks    *TaskSet
	logger   *logrus.Entry
}

// NewDispatcher returns a Dispatcher that reports results through sender.
func NewDispatcher(executor Executor, sender Sender, id protocol.DeviceIdentity, tasks *TaskSet, logger *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		executor: executor,
		sender:   sender,
		identity: id,
		tasks:    tasks,
		logger:   logger.WithField("component", "dispatcher"),
	}
}

// Handle routes one inbound frame. Every run_script frame yields exactly one
// save_results, even when its fields cannot be decoded.
func (d *Dispatcher) Handle(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		d.logger.WithError(err).Warn("dropping malformed message")
		return
	}

	switch env.Action {
	case protocol.ActionRunScript:
		var msg protocol.RunScript
		if err := json.Unmarshal(data, &msg); err != nil {
			d.logger.WithError(err).Warn("malformed run_script")
			res := runner.Result{
				CommandID:  protocol.DefaultCommandID,
				ScriptName: protocol.DefaultScriptName,
				Outcome:    runner.Failed,
				Err:        errors.Wrap(err, "decode run_script"),
				FinishedAt: time.Now(),
			}
			res.Stderr = res.Err.Error()
			d.tasks.Go(func() { d.report(res) })
			return
		}
		cmd := runner.Command{
			ID:         msg.ID(),
			ScriptName: msg.Name(),
			Payload:    msg.ScriptContent,
		}
		d.logger.WithFields(logrus.Fields{
			"command_id":  cmd.ID,
			"script_name": cmd.ScriptName,
		}).Info("received script")
		d.tasks.Go(func() { d.execute(cmd) })
	default:
		d.logger.WithField("action", env.Action).Info("ignoring message")
	}
}

// execute runs cmd detached from any session context: shutdown does not
// cancel scripts already running.
func (d *Dispatcher) execute(cmd runner.Command) {
	d.report(d.executor.Run(context.Background(), cmd))
}

func (d *Dispatcher) report(res runner.Result) {
	logger := d.logger.WithFields(logrus.Fields{
		"command_id":  res.CommandID,
		"script_name": res.ScriptName,
		"status":      res.Status(),
	})
	if res.Outcome == runner.Failed {
		logger.WithError(res.Err).Error("script failed to run")
	}
	if err := d.sender.SendJSON(ResultMessage(d.identity, res)); err != nil {
		logger.WithError(err).Error("failed to send results")
		return
	}
	logger.Info("sent results")
}
