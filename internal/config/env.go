package config

import (
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Environment variable names recognized as overrides. Environment always wins
// over the file so deployments can keep secrets out of YAML.
const (
	EnvDeviceID       = "EDGEAGENT_DEVICE_ID"
	EnvNATSURL        = "EDGEAGENT_NATS_URL"
	EnvControllerURL  = "EDGEAGENT_CONTROLLER_URL"
	EnvControllerTok  = "EDGEAGENT_CONTROLLER_TOKEN"
	EnvDataDir        = "EDGEAGENT_DATA_DIR"
	EnvHTTPAddr       = "EDGEAGENT_HTTP_ADDR"
	EnvLogLevel       = "EDGEAGENT_LOG_LEVEL"
	EnvLogFormat      = "EDGEAGENT_LOG_FORMAT"
	EnvPollInterval   = "EDGEAGENT_POLL_INTERVAL"
)

// LoadEnvFiles loads .env/.env.local without overriding variables already set
// in the process environment. Missing files are not an error.
func LoadEnvFiles() {
	for _, path := range []string{".env", ".env.local"} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			slog.Warn("Failed to load env file", "path", path, "error", err)
			continue
		}
		slog.Debug("Loaded environment variables", "path", path)
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvDeviceID); v != "" {
		c.Device.ID = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.Controller.NATSURL = v
	}
	if v := os.Getenv(EnvControllerURL); v != "" {
		c.Controller.URL = v
	}
	if v := os.Getenv(EnvControllerTok); v != "" {
		c.Controller.Token = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.Device.DataDir = v
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv(EnvPollInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Controller.PollInterval = d
		} else {
			slog.Warn("Ignoring invalid poll interval override", "value", v)
		}
	}
}
