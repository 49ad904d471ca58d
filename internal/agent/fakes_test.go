package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"pos-agent/internal/runner"
)

// recordingSender keeps every message it is asked to send, as JSON.
type recordingSender struct {
	mu   sync.Mutex
	sent []json.RawMessage
	err  error
	ch   chan json.RawMessage
}

func newRecordingSender() *recordingSender {
	return &recordingSender{ch: make(chan json.RawMessage, 100)}
}

func (s *recordingSender) SendJSON(v any) error {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal")
	}
	s.mu.Lock()
	s.sent = append(s.sent, data)
	s.mu.Unlock()
	s.ch <- data
	return nil
}

func (s *recordingSender) failWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// next waits for the next sent message and decodes it into a map.
func (s *recordingSender) next(timeout time.Duration) (map[string]any, bool) {
	select {
	case data := <-s.ch:
		var m map[string]any
		_ = json.Unmarshal(data, &m)
		return m, true
	case <-time.After(timeout):
		return nil, false
	}
}

// fakeExecutor returns a canned result and records the commands it saw.
type fakeExecutor struct {
	mu       sync.Mutex
	commands []runner.Command
	result   func(runner.Command) runner.Result
	release  chan struct{} // when set, Run blocks until it is closed
}

func (e *fakeExecutor) Run(_ context.Context, cmd runner.Command) runner.Result {
	e.mu.Lock()
	e.commands = append(e.commands, cmd)
	e.mu.Unlock()
	if e.release != nil {
		<-e.release
	}
	if e.result != nil {
		return e.result(cmd)
	}
	return runner.Result{
		CommandID:  cmd.ID,
		ScriptName: cmd.ScriptName,
		Outcome:    runner.Completed,
		FinishedAt: time.Unix(1700000000, 0),
	}
}

func (e *fakeExecutor) seen() []runner.Command {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]runner.Command(nil), e.commands...)
}
