package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	LogPath string `envconfig:"LOG_PATH" default:""`

	// Gateway settings
	ListenAddr      string        `envconfig:"LISTEN_ADDR" default:":8000"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS" default:"localhost:8000"`
	SSHDialTimeout  time.Duration `envconfig:"SSH_DIAL_TIMEOUT" default:"15s"`
	SessionIdle     time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	ScrollbackBytes int           `envconfig:"SCROLLBACK_BYTES" default:"1048576"`
	Shell           string        `envconfig:"REMOTE_SHELL" default:""`

	// Client settings
	GatewayURL         string        `envconfig:"GATEWAY_URL" default:"ws://localhost:8000/ws"`
	ReconnectBase      time.Duration `envconfig:"RECONNECT_BASE" default:"1s"`
	ReconnectAttempts  int           `envconfig:"RECONNECT_ATTEMPTS" default:"10"`
	CommandTimeout     time.Duration `envconfig:"COMMAND_TIMEOUT" default:"30s"`
	CommandRetries     int           `envconfig:"COMMAND_RETRIES" default:"2"`
	CommandRetryDelay  time.Duration `envconfig:"COMMAND_RETRY_DELAY" default:"1s"`
	HeartbeatInterval  time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"10s"`
	MetricsSchedule    string        `envconfig:"METRICS_SCHEDULE" default:"@every 5s"`
	SessionStoreScope  string        `envconfig:"SESSION_STORE_SCOPE" default:"default"`
	SessionStoreDBPath string        `envconfig:"SESSION_STORE_DB" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SSHDASH", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
