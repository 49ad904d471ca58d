package agent

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-agent/internal/protocol"
	"pos-agent/internal/runner"
)

func encodeFields(t *testing.T, v any) map[string]any {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestResultMessageCompleted(t *testing.T) {
	res := runner.Result{
		CommandID:  "cmd-1",
		ScriptName: "check.py",
		Outcome:    runner.Completed,
		Stdout:     "ok",
		Stderr:     "",
		ExitCode:   0,
		FinishedAt: time.Unix(1700000000, 0),
	}
	m := encodeFields(t, ResultMessage(testIdentity, res))

	assert.Equal(t, map[string]any{
		"action":            "save_results",
		"restaurant_number": "12",
		"device_id":         "device-001",
		"command_id":        "cmd-1",
		"script_name":       "check.py",
		"result_output":     "ok",
		"stderr":            "",
		"returncode":        float64(0),
		"timestamp":         float64(1700000000),
		"execution_status":  "success",
	}, m)
}

func TestResultMessageTimeout(t *testing.T) {
	res := runner.Result{
		CommandID:  "cmd-2",
		ScriptName: "slow.py",
		Outcome:    runner.TimedOut,
		Stderr:     protocol.TimeoutExpired,
		FinishedAt: time.Unix(1700000060, 0),
	}
	m := encodeFields(t, ResultMessage(testIdentity, res))

	assert.Equal(t, map[string]any{
		"action":      "save_results",
		"device_id":   "device-001",
		"machine":     "POS-01",
		"command_id":  "cmd-2",
		"script_name": "slow.py",
		"stderr":      "Timeout expired",
		"timestamp":   float64(1700000060),
	}, m)
}

// Completed runs carry output, return code and status; every other outcome
// carries none of them and names the machine instead of the tenant.
func TestResultMessageShapeProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	outcomes := gen.OneConstOf(runner.Completed, runner.TimedOut, runner.Failed)

	properties.Property("field presence follows the outcome", prop.ForAll(
		func(outcome runner.Outcome, code int, stdout, stderr string) bool {
			res := runner.Result{
				CommandID:  "cmd",
				ScriptName: "s.py",
				Outcome:    outcome,
				Stdout:     stdout,
				Stderr:     stderr,
				ExitCode:   code,
				FinishedAt: time.Unix(1, 0),
			}
			msg := ResultMessage(testIdentity, res)
			data, err := json.Marshal(msg)
			if err != nil {
				return false
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				return false
			}

			_, hasCode := m["returncode"]
			_, hasOutput := m["result_output"]
			_, hasStatus := m["execution_status"]
			_, hasTenant := m["restaurant_number"]
			_, hasMachine := m["machine"]
			if m["stderr"] != stderr || m["command_id"] != "cmd" {
				return false
			}

			if outcome != runner.Completed {
				return !hasCode && !hasOutput && !hasStatus && !hasTenant && hasMachine
			}
			wantStatus := protocol.StatusFailed
			if code == 0 {
				wantStatus = protocol.StatusSuccess
			}
			return hasCode && hasOutput && hasTenant && !hasMachine &&
				m["returncode"] == float64(code) &&
				m["result_output"] == stdout &&
				m["execution_status"] == wantStatus
		},
		outcomes,
		gen.IntRange(-15, 255),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
