package agent

import (
	"pos-agent/internal/protocol"
	"pos-agent/internal/runner"
)

// Sender is the send half of a session.
type Sender interface {
	SendJSON(v any) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(v any) error

func (f SenderFunc) SendJSON(v any) error { return f(v) }

// ResultMessage builds the save_results frame for res. A completed run
// reports output, return code and status under the tenant; timeouts and
// failures report only stderr and carry the machine label instead.
func ResultMessage(id protocol.DeviceIdentity, res runner.Result) protocol.SaveResults {
	msg := protocol.SaveResults{
		Action:     protocol.ActionSaveResults,
		DeviceID:   id.DeviceID,
		CommandID:  res.CommandID,
		ScriptName: res.ScriptName,
		Stderr:     res.Stderr,
		Timestamp:  res.FinishedAt.Unix(),
	}
	if res.Outcome != runner.Completed {
		msg.MachineLabel = id.MachineLabel
		return msg
	}

	stdout, code := res.Stdout, res.ExitCode
	msg.TenantID = id.TenantID
	msg.ResultOutput = &stdout
	msg.ExitCode = &code
	msg.Status = res.Status()
	return msg
}
