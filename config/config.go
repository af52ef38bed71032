package config

import (
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config struct to hold the configuration
type Config struct {
	Port     string `envconfig:"PORT" default:"8080"`
	StoreDir string `envconfig:"STORE_DIR" default:"./store"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	BrokerURL string `envconfig:"BROKER_URL" default:"ws://localhost:8081/ws"`
	APIURL    string `envconfig:"API_URL" default:"http://localhost:8081/api"`
	APIToken  string `envconfig:"API_TOKEN"`
	UserID    string `envconfig:"USER_ID"`

	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"4s"`
	ReconnectDelay    time.Duration `envconfig:"RECONNECT_DELAY" default:"5s"`
	TypingDebounce    time.Duration `envconfig:"TYPING_DEBOUNCE" default:"2s"`
	MaxUploadSize     string        `envconfig:"MAX_UPLOAD_SIZE" default:"10MiB"`
	MaxRecording      time.Duration `envconfig:"MAX_RECORDING" default:"5m"`
	PageSize          int           `envconfig:"PAGE_SIZE" default:"50"`

	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"20"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"40"`
	Archive        bool    `envconfig:"ARCHIVE" default:"true"`

	// BridgeURL is where the MCP server reaches a running bridge
	BridgeURL string `envconfig:"BRIDGE_URL" default:"http://localhost:8080"`
}

// Load function to load the configuration from the environment variables
func Load() (Config, error) {
	err := godotenv.Load(".env")
	if err != nil {
		log.Println("No .env file found")
	}

	var c Config
	err = envconfig.Process("", &c)
	if err != nil {
		return Config{}, fmt.Errorf("unable to get envconfig: %w", err)
	}

	if _, err := c.UploadLimit(); err != nil {
		return Config{}, err
	}
	if c.PageSize <= 0 {
		return Config{}, fmt.Errorf("PAGE_SIZE must be positive, got %d", c.PageSize)
	}

	return c, nil
}

// UploadLimit returns MaxUploadSize in bytes. Sizes are written the way
// people write them ("10MiB", "512 KiB").
func (c Config) UploadLimit() (int64, error) {
	n, err := humanize.ParseBytes(c.MaxUploadSize)
	if err != nil {
		return 0, fmt.Errorf("invalid MAX_UPLOAD_SIZE %q: %w", c.MaxUploadSize, err)
	}
	return int64(n), nil
}
