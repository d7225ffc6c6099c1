package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/edgeagent/internal/foundation"
)

// Config is the full agent configuration loaded from YAML with environment
// overrides applied.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Controller ControllerConfig `yaml:"controller"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	HTTP       HTTPConfig       `yaml:"http"`
	Logging    LoggingConfig    `yaml:"logging"`
	Audit      AuditConfig      `yaml:"audit"`
}

// DeviceConfig identifies this device and its local storage.
type DeviceConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// ControllerConfig describes how the agent reaches the remote controller.
// When NATSURL is set the push transport is used; otherwise the agent polls
// the HTTP API at URL. The two are mutually exclusive at startup.
type ControllerConfig struct {
	NATSURL        string        `yaml:"nats_url"`
	URL            string        `yaml:"url"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Token          string        `yaml:"token"`
}

// SupervisorConfig describes the managed workload process.
type SupervisorConfig struct {
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	RunDir         string        `yaml:"run_dir"`
	RestartBackoff time.Duration `yaml:"restart_backoff"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
}

// HTTPConfig configures the local status/metrics endpoint.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuditConfig configures the sqlite reconciliation audit log.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied when fields are absent from the file.
const (
	DefaultDataDir        = "./edgeagent-data"
	DefaultPollInterval   = 30 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultRestartBackoff = 5 * time.Second
	DefaultStopTimeout    = 10 * time.Second
	DefaultHTTPAddr       = "127.0.0.1:8090"
)

// Load reads and validates the configuration file, applying .env files and
// environment overrides before validation.
func Load(path string) (*Config, error) {
	LoadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, foundation.ConfigurationError("failed to read config file").
			WithCause(err).
			WithContext(foundation.Fields{"path": path}).
			Build()
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, foundation.ConfigurationError("failed to parse config file").
			WithCause(err).
			WithContext(foundation.Fields{"path": path}).
			Build()
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Device.DataDir == "" {
		c.Device.DataDir = DefaultDataDir
	}
	if c.Controller.PollInterval <= 0 {
		c.Controller.PollInterval = DefaultPollInterval
	}
	if c.Controller.RequestTimeout <= 0 {
		c.Controller.RequestTimeout = DefaultRequestTimeout
	}
	if c.Supervisor.RestartBackoff <= 0 {
		c.Supervisor.RestartBackoff = DefaultRestartBackoff
	}
	if c.Supervisor.StopTimeout <= 0 {
		c.Supervisor.StopTimeout = DefaultStopTimeout
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	c.Logging.Level = string(NormalizeLogLevel(c.Logging.Level))
	c.Logging.Format = string(NormalizeLogFormat(c.Logging.Format))
}

// Validate checks invariants that cannot be defaulted away.
func (c *Config) Validate() error {
	if c.Device.ID == "" {
		return foundation.ValidationError("device.id is required").Build()
	}
	// The HTTP API serves artifact fetches in both transport modes, so it is
	// required even when NATS delivers the notifications.
	if c.Controller.URL == "" {
		return foundation.ValidationError("controller.url is required").Build()
	}
	if c.Supervisor.Command == "" {
		return foundation.ValidationError("supervisor.command is required").Build()
	}
	return nil
}

// UsesPush reports whether the push transport is selected. Push wins whenever
// a NATS endpoint is configured; the poller is the fallback.
func (c *Config) UsesPush() bool {
	return c.Controller.NATSURL != ""
}

// Init writes a starter configuration file. It refuses to overwrite an
// existing file unless force is set.
func Init(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return foundation.ValidationError("config file already exists (use --force to overwrite)").
			WithContext(foundation.Fields{"path": path}).
			Build()
	}
	return os.WriteFile(path, []byte(starterConfig), 0o644)
}

var starterConfig = fmt.Sprintf(`# edgeagent configuration
device:
  id: ""             # required, unique device identifier
  data_dir: %q

controller:
  # url is the controller's HTTP API and is always required; artifacts are
  # fetched from it in both transport modes. Setting nats_url additionally
  # switches desired-state delivery from polling to push.
  nats_url: ""
  url: ""       # required
  poll_interval: %s
  request_timeout: %s

supervisor:
  command: ""        # required, the managed workload binary
  args: []
  run_dir: ""        # defaults to <data_dir>/run
  restart_backoff: %s

http:
  addr: %q

logging:
  level: info
  format: text

audit:
  enabled: true
  path: ""           # defaults to <data_dir>/audit.db
`, DefaultDataDir, DefaultPollInterval, DefaultRequestTimeout, DefaultRestartBackoff, DefaultHTTPAddr)
