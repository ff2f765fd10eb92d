// Package config loads agent defaults from DEVCTL_* environment variables.
// CLI flags in cmd/devagent override whatever is loaded here.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds everything the agent needs to supervise the app and reach its
// companion socket.
type Config struct {
	ListenAddr    string        `envconfig:"LISTEN_ADDR" default:"127.0.0.1:7317"`
	AppDir        string        `envconfig:"APP_DIR" default:"."`
	AppCommand    string        `envconfig:"APP_COMMAND" default:"npm"`
	AppArgs       []string      `envconfig:"APP_ARGS" default:"run,tauri,dev"`
	DevServerURL  string        `envconfig:"DEV_SERVER_URL" default:"http://127.0.0.1:1420"`
	SocketPath    string        `envconfig:"SOCKET_PATH" default:"/tmp/openflow-mcp.sock"`
	LogCapacity   int           `envconfig:"LOG_CAPACITY" default:"1000"`
	ProbeInterval time.Duration `envconfig:"PROBE_INTERVAL" default:"250ms"`
	StopGrace     time.Duration `envconfig:"STOP_GRACE" default:"5s"`
	Debug         bool          `envconfig:"DEBUG" default:"false"`
}

func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("devctl", &c); err != nil {
		return nil, fmt.Errorf("loading config from environment: %w", err)
	}
	return &c, nil
}
