// Package config holds the process configuration, parsed from flags with
// environment-variable fallbacks.
package config

import (
	"fmt"
	"time"

	flags "github.com/jessevdk/go-flags"
)

// Config is the full process configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `long:"listen" env:"COLLABSYNC_LISTEN" default:":8080" description:"HTTP listen address"`

	// MongoURL is the metadata store connection string.
	MongoURL string `long:"mongo-url" env:"COLLABSYNC_MONGO_URL" default:"mongodb://localhost:27017" description:"MongoDB connection URL"`
	// MongoDatabase is the metadata store database name.
	MongoDatabase string `long:"mongo-db" env:"COLLABSYNC_MONGO_DB" default:"collabsync" description:"MongoDB database name"`

	// RedisURL is the Pub/Sub fabric connection string. Empty selects the
	// in-process broker, which only serves single-replica deployments.
	RedisURL string `long:"redis-url" env:"COLLABSYNC_REDIS_URL" default:"redis://localhost:6379" description:"Redis connection URL, empty for in-process fabric"`

	// JWTSecret signs and verifies session bearer tokens.
	JWTSecret string `long:"jwt-secret" env:"COLLABSYNC_JWT_SECRET" description:"HS256 signing secret for session tokens"`

	// UnsubscribeLinger delays channel unsubscribe after the last local
	// socket detaches.
	UnsubscribeLinger time.Duration `long:"unsubscribe-linger" env:"COLLABSYNC_UNSUBSCRIBE_LINGER" default:"2s" description:"Delay before unsubscribing an idle document channel"`

	// MaxPayload is the per-envelope size limit in bytes.
	MaxPayload int64 `long:"max-payload" env:"COLLABSYNC_MAX_PAYLOAD" default:"1048576" description:"Maximum envelope size in bytes"`

	// DrainTimeout bounds graceful shutdown.
	DrainTimeout time.Duration `long:"drain-timeout" env:"COLLABSYNC_DRAIN_TIMEOUT" default:"10s" description:"Maximum time to drain sessions on shutdown"`

	// Debug switches the logger to development output.
	Debug bool `long:"debug" env:"COLLABSYNC_DEBUG" description:"Enable development logging"`
}

// Parse reads configuration from the given arguments and the environment.
func Parse(args []string) (*Config, error) {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	if c.MaxPayload <= 0 {
		return fmt.Errorf("max payload must be positive, got %d", c.MaxPayload)
	}
	if c.UnsubscribeLinger < 0 {
		return fmt.Errorf("unsubscribe linger cannot be negative")
	}
	return nil
}
