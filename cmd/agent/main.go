// pos-agent connects a point-of-sale device to its control server, reports
// liveness, and runs the scripts the server sends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"pos-agent/internal/agent"
	"pos-agent/internal/config"
	"pos-agent/internal/logging"
	"pos-agent/internal/runner"
	"pos-agent/internal/transport"
)

func main() {
	os.Exit(_main())
}

// cliFlags holds the parsed command line. Only flags given explicitly
// override the loaded configuration.
type cliFlags struct {
	fs         *pflag.FlagSet
	configPath string
	envFile    string

	strings   map[string]*string
	heartbeat time.Duration
	timeout   time.Duration
	drain     time.Duration
}

func _main() int {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	cfg, err := config.Load(f.configPath, f.envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	f.apply(&cfg)

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid configuration")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("agent failed")
		return 1
	}
	return 0
}

func parseFlags(args []string) (*cliFlags, error) {
	f := &cliFlags{
		fs:      pflag.NewFlagSet("pos-agent", pflag.ContinueOnError),
		strings: make(map[string]*string),
	}
	fs := f.fs
	fs.StringVar(&f.configPath, "config", "", "path to a YAML config file")
	fs.StringVar(&f.envFile, "env-file", "", "path to an env file (default: .env if present)")

	f.strings["server-url"] = fs.String("server-url", "", "websocket endpoint (ws:// or wss://)")
	f.strings["tenant-id"] = fs.String("tenant-id", "", "tenant (restaurant) number")
	f.strings["device-id"] = fs.String("device-id", "", "device id")
	f.strings["machine-label"] = fs.String("machine-label", "", "machine label (default: hostname)")
	f.strings["interpreter"] = fs.String("interpreter", "", "interpreter command used to run scripts")
	f.strings["log-level"] = fs.String("log-level", "", "log level: trace, debug, info, warn, error")
	f.strings["log-format"] = fs.String("log-format", "", "log format: text or json")
	fs.DurationVar(&f.heartbeat, "heartbeat-interval", 0, "interval between heartbeats")
	fs.DurationVar(&f.timeout, "script-timeout", 0, "wall-clock limit for one script")
	fs.DurationVar(&f.drain, "drain-timeout", 0, "how long shutdown waits for running scripts")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, errors.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return f, nil
}

func (f *cliFlags) apply(cfg *config.Config) {
	targets := map[string]*string{
		"server-url":    &cfg.ServerURL,
		"tenant-id":     &cfg.TenantID,
		"device-id":     &cfg.DeviceID,
		"machine-label": &cfg.MachineLabel,
		"interpreter":   &cfg.Interpreter,
		"log-level":     &cfg.LogLevel,
		"log-format":    &cfg.LogFormat,
	}
	for name, dst := range targets {
		if f.fs.Changed(name) {
			*dst = *f.strings[name]
		}
	}
	if f.fs.Changed("heartbeat-interval") {
		cfg.HeartbeatInterval = f.heartbeat
	}
	if f.fs.Changed("script-timeout") {
		cfg.ScriptTimeout = f.timeout
	}
	if f.fs.Changed("drain-timeout") {
		cfg.DrainTimeout = f.drain
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	logger := log.WithField("machine", cfg.MachineLabel)

	r, err := runner.New(runner.Options{
		Interpreter: cfg.InterpreterArgs(),
		Timeout:     cfg.ScriptTimeout,
		TempDir:     cfg.TempDir,
		Suffix:      cfg.ScriptSuffix,
	}, logger)
	if err != nil {
		return err
	}

	ctrl := agent.New(agent.Options{
		ServerURL:         cfg.ServerURL,
		Identity:          cfg.Identity(),
		HeartbeatInterval: cfg.HeartbeatInterval,
		DrainTimeout:      cfg.DrainTimeout,
		Transport: transport.Options{
			PingInterval:     cfg.PingInterval,
			PongTimeout:      cfg.PongTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}, r, logger)

	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("received termination signal")
	case <-ctrl.Done():
	}
	ctrl.Shutdown()
	logger.WithField("in_flight", ctrl.InFlight()).Info("agent stopped")
	return nil
}
