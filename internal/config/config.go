// Package config loads console settings from the environment.
package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds all runtime configuration, populated from CONSOLE_*
// environment variables.
type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8080"`
	BridgeURL  string `envconfig:"BRIDGE_URL" default:"ws://localhost:9000/bridge"`
	AuthToken  string `envconfig:"AUTH_TOKEN" default:""`

	// AllowedOrigin restricts WebSocket upgrades to one Origin. Empty
	// accepts any origin (development).
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:""`

	DBPath       string `envconfig:"DB_PATH" default:"./data/console.db"`
	SnapshotPath string `envconfig:"SNAPSHOT_PATH" default:"./data/tabs.json"`

	// Tab and history bounds
	TabCapacity int `envconfig:"TAB_CAPACITY" default:"10"`
	CommandRing int `envconfig:"COMMAND_RING" default:"100"`
	CommandCap  int `envconfig:"COMMAND_CAP" default:"500"`

	// Reconnection budget
	ReconnectAttempts  int           `envconfig:"RECONNECT_ATTEMPTS" default:"5"`
	ReconnectBaseDelay time.Duration `envconfig:"RECONNECT_BASE_DELAY" default:"1s"`
	ReconnectMaxDelay  time.Duration `envconfig:"RECONNECT_MAX_DELAY" default:"30s"`

	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"30s"`
	ResizeDebounce   time.Duration `envconfig:"RESIZE_DEBOUNCE" default:"300ms"`

	// History retention
	HistoryMaxAge   time.Duration `envconfig:"HISTORY_MAX_AGE" default:"720h"`
	CleanupSchedule string        `envconfig:"CLEANUP_SCHEDULE" default:"0 3 * * *"`
}

var Cfg Settings

// Load populates Cfg from the environment. Invalid values are fatal.
func Load() {
	if err := envconfig.Process("CONSOLE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
