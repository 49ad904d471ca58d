// Package runner executes server-supplied scripts: decode, write to a temp
// file, run under the interpreter with a wall-clock bound, collect output.
package runner

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"pos-agent/internal/clock"
	"pos-agent/internal/protocol"
)

// waitDelay bounds how long Wait keeps copying output once the script has
// exited or been killed but a child it started still holds the pipes.
const waitDelay = 2 * time.Second

type Options struct {
	Interpreter []string // argv prefix; the script path is appended
	Timeout     time.Duration
	TempDir     string // "" uses os.TempDir
	Suffix      string
	Clock       clock.Clock
}

type Runner struct {
	opts   Options
	clock  clock.Clock
	logger *logrus.Entry
}

func New(opts Options, logger *logrus.Entry) (*Runner, error) {
	if len(opts.Interpreter) == 0 || strings.TrimSpace(opts.Interpreter[0]) == "" {
		return nil, ErrEmptyInterpreter
	}
	if opts.Timeout <= 0 {
		return nil, errors.Errorf("script timeout must be positive, got %s", opts.Timeout)
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	return &Runner{
		opts:   opts,
		clock:  c,
		logger: logger.WithField("component", "runner"),
	}, nil
}

// Run executes cmd and always returns a Result; failures are reported
// through its Outcome rather than an error. ctx cancellation stops the
// script like a timeout but is reported as Failed.
func (r *Runner) Run(ctx context.Context, cmd Command) Result {
	start := r.clock.Now()
	res := Result{CommandID: cmd.ID, ScriptName: cmd.ScriptName}

	stdout, stderr, code, err := r.execute(ctx, cmd.Payload)
	res.FinishedAt = r.clock.Now()
	res.Duration = res.FinishedAt.Sub(start)

	switch {
	case err == nil:
		res.Outcome = Completed
		res.Stdout = strings.TrimSpace(stdout)
		res.Stderr = strings.TrimSpace(stderr)
		res.ExitCode = code
	case errors.Cause(err) == ErrTimeout:
		res.Outcome = TimedOut
		res.Stderr = protocol.TimeoutExpired
	default:
		res.Outcome = Failed
		res.Err = err
		res.Stderr = err.Error()
	}

	r.logger.WithFields(logrus.Fields{
		"command_id":  cmd.ID,
		"script_name": cmd.ScriptName,
		"outcome":     res.Outcome,
		"exit_code":   res.ExitCode,
		"duration":    res.Duration,
	}).Debug("script finished")
	return res
}

func (r *Runner) execute(ctx context.Context, payload string) (stdout, stderr string, code int, err error) {
	script, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", "", 0, errors.Wrap(err, "decode script")
	}

	path, err := r.writeTemp(script)
	defer removeIfExists(path, r.logger)
	if err != nil {
		return "", "", 0, err
	}
	return r.runProcess(ctx, path)
}

// writeTemp persists the script. The returned path is set whenever the file
// was created, even if writing it failed.
func (r *Runner) writeTemp(script []byte) (string, error) {
	f, err := os.CreateTemp(r.opts.TempDir, "script-*"+r.opts.Suffix)
	if err != nil {
		return "", errors.Wrap(err, "create script file")
	}
	path := f.Name()
	if _, err := f.Write(script); err != nil {
		f.Close()
		return path, errors.Wrap(err, "write script file")
	}
	if err := f.Close(); err != nil {
		return path, errors.Wrap(err, "close script file")
	}
	return path, nil
}

func removeIfExists(path string, logger *logrus.Entry) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := os.Remove(path); err != nil {
		logger.WithError(err).WithField("path", path).Warn("failed to remove script file")
	}
}

func (r *Runner) runProcess(ctx context.Context, path string) (string, string, int, error) {
	args := append(append([]string{}, r.opts.Interpreter[1:]...), path)
	cmd := exec.Command(r.opts.Interpreter[0], args...)
	configureProcess(cmd)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	if err := cmd.Start(); err != nil {
		return "", "", 0, errors.Wrapf(err, "start %s", r.opts.Interpreter[0])
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case err := <-waitCh:
		if err == nil {
			return stdout.String(), stderr.String(), 0, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitCode(exitErr), nil
		}
		// The script exited 0 but a background child still held its output.
		if errors.Is(err, exec.ErrWaitDelay) {
			r.logger.Warn("script left a background process holding its output")
			return stdout.String(), stderr.String(), 0, nil
		}
		return "", "", 0, errors.Wrap(err, "wait for script")
	case <-runCtx.Done():
		killProcess(cmd)
		<-waitCh
		if ctx.Err() != nil {
			return "", "", 0, errors.Wrap(ctx.Err(), "script cancelled")
		}
		return "", "", 0, ErrTimeout
	}
}
