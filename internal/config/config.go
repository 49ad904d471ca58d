package config

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"pos-agent/internal/protocol"
)

// Environment variables read by Load.
const (
	EnvServerURL         = "AGENT_SERVER_URL"
	EnvTenantID          = "AGENT_TENANT_ID"
	EnvDeviceID          = "AGENT_DEVICE_ID"
	EnvMachineLabel      = "AGENT_MACHINE_LABEL"
	EnvHeartbeatInterval = "AGENT_HEARTBEAT_INTERVAL"
	EnvScriptTimeout     = "AGENT_SCRIPT_TIMEOUT"
	EnvPingInterval      = "AGENT_PING_INTERVAL"
	EnvPongTimeout       = "AGENT_PONG_TIMEOUT"
	EnvWriteTimeout      = "AGENT_WRITE_TIMEOUT"
	EnvHandshakeTimeout  = "AGENT_HANDSHAKE_TIMEOUT"
	EnvInterpreter       = "AGENT_INTERPRETER"
	EnvScriptSuffix      = "AGENT_SCRIPT_SUFFIX"
	EnvTempDir           = "AGENT_TEMP_DIR"
	EnvDrainTimeout      = "AGENT_DRAIN_TIMEOUT"
	EnvLogLevel          = "AGENT_LOG_LEVEL"
	EnvLogFormat         = "AGENT_LOG_FORMAT"
)

type Config struct {
	ServerURL    string `yaml:"server_url"`
	TenantID     string `yaml:"tenant_id"`
	DeviceID     string `yaml:"device_id"`
	MachineLabel string `yaml:"machine_label"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ScriptTimeout     time.Duration `yaml:"script_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PongTimeout       time.Duration `yaml:"pong_timeout"` // must be shorter than PingInterval
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"` // 0 skips draining on shutdown

	Interpreter  string `yaml:"interpreter"`
	ScriptSuffix string `yaml:"script_suffix"`
	TempDir      string `yaml:"temp_dir"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in settings. Identity and server URL are left
// empty and must be supplied.
func Default() Config {
	host, _ := os.Hostname()
	return Config{
		MachineLabel:      host,
		HeartbeatInterval: 30 * time.Second,
		ScriptTimeout:     60 * time.Second,
		PingInterval:      60 * time.Second,
		PongTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HandshakeTimeout:  15 * time.Second,
		Interpreter:       "python3",
		ScriptSuffix:      ".py",
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// Load builds a Config from defaults, then the YAML file at path (if any),
// then the environment. envFile, when set, is loaded into the environment
// first; otherwise a .env in the working directory is used if present.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, errors.Wrapf(err, "load env file %s", envFile)
		}
	} else {
		// .env is optional; fall back to the process environment.
		_ = godotenv.Load()
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.ServerURL, EnvServerURL)
	setString(&c.TenantID, EnvTenantID)
	setString(&c.DeviceID, EnvDeviceID)
	setString(&c.MachineLabel, EnvMachineLabel)
	setString(&c.Interpreter, EnvInterpreter)
	setString(&c.ScriptSuffix, EnvScriptSuffix)
	setString(&c.TempDir, EnvTempDir)
	setString(&c.LogLevel, EnvLogLevel)
	setString(&c.LogFormat, EnvLogFormat)

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&c.HeartbeatInterval, EnvHeartbeatInterval},
		{&c.ScriptTimeout, EnvScriptTimeout},
		{&c.PingInterval, EnvPingInterval},
		{&c.PongTimeout, EnvPongTimeout},
		{&c.WriteTimeout, EnvWriteTimeout},
		{&c.HandshakeTimeout, EnvHandshakeTimeout},
		{&c.DrainTimeout, EnvDrainTimeout},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.key); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = val
	}
}

func setDuration(dst *time.Duration, key string) error {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return errors.Wrapf(err, "%s", key)
	}
	*dst = d
	return nil
}

// Validate reports the first setting that would make the agent unusable.
func (c Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return errors.Wrap(err, "server url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("server url %q: scheme must be ws or wss", c.ServerURL)
	}
	if c.TenantID == "" {
		return errors.New("tenant id is required")
	}
	if c.DeviceID == "" {
		return errors.New("device id is required")
	}

	positive := map[string]time.Duration{
		"heartbeat interval": c.HeartbeatInterval,
		"script timeout":     c.ScriptTimeout,
		"ping interval":      c.PingInterval,
		"pong timeout":       c.PongTimeout,
		"write timeout":      c.WriteTimeout,
		"handshake timeout":  c.HandshakeTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			return errors.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.DrainTimeout < 0 {
		return errors.Errorf("drain timeout must not be negative, got %s", c.DrainTimeout)
	}
	if c.PongTimeout >= c.PingInterval {
		return errors.Errorf("pong timeout %s must be shorter than ping interval %s", c.PongTimeout, c.PingInterval)
	}
	if strings.TrimSpace(c.Interpreter) == "" {
		return errors.New("interpreter is required")
	}
	return nil
}

// Identity returns the device identity carried on every outbound frame.
func (c Config) Identity() protocol.DeviceIdentity {
	return protocol.DeviceIdentity{
		TenantID:     c.TenantID,
		DeviceID:     c.DeviceID,
		MachineLabel: c.MachineLabel,
	}
}

// InterpreterArgs splits Interpreter on whitespace, so "python3 -u" works.
func (c Config) InterpreterArgs() []string {
	return strings.Fields(c.Interpreter)
}
