package runner

import (
	"time"

	"pos-agent/internal/protocol"
)

// Command is one run_script request after defaults are applied.
type Command struct {
	ID         string
	ScriptName string
	Payload    string // base64 script body
}

// Outcome says which branch a run ended in.
type Outcome int

const (
	Completed Outcome = iota // the script ran to exit, with any exit code
	TimedOut
	Failed // the script could not be prepared or started
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type Result struct {
	CommandID  string
	ScriptName string
	Outcome    Outcome
	Stdout     string // trimmed; Completed only
	Stderr     string // trimmed output, "Timeout expired", or the error text
	ExitCode   int    // Completed only
	Err        error  // Failed only
	FinishedAt time.Time
	Duration   time.Duration
}

// Status maps the result to its execution_status value.
func (r Result) Status() string {
	switch r.Outcome {
	case Completed:
		if r.ExitCode == 0 {
			return protocol.StatusSuccess
		}
		return protocol.StatusFailed
	case TimedOut:
		return protocol.StatusTimeout
	default:
		return protocol.StatusError
	}
}
