// Package config assembles the engine's runtime configuration from the
// environment plus an optional YAML tuning file. Credentials come from
// environment variables only; the tuning file carries detection constants and
// worker knobs, never secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/finpulse/recurrence-engine/internal/engine"
	"github.com/finpulse/recurrence-engine/internal/matcher"
)

// Config is everything main needs to wire the service.
type Config struct {
	DatabaseURL    string
	Port           string
	AuthToken      string
	AllowedOrigins string
	LogMode        string // "dev" switches zap to the development encoder

	PollInterval time.Duration
	PollBatch    int

	RatePerMinute int
	RateBurst     int

	// ShadowSnapshotID tags shadow-evaluation rows; 0 disables the shadow
	// run entirely.
	ShadowSnapshotID int64

	Engine   engine.Params
	Matcher  matcher.Config
	Dispatch matcher.DispatchConfig

	// ShadowEngine is the candidate splitter configuration evaluated next to
	// production when a snapshot id is set. Only the tuning file sets it.
	ShadowEngine *engine.Params
}

// tuningFile is the YAML layout of CONFIG_FILE. Absent sections keep their
// defaults; absent fields inside a section keep theirs, because decoding runs
// over the pre-filled structs.
type tuningFile struct {
	Engine   *engine.Params          `yaml:"engine"`
	Matcher  *matcher.Config         `yaml:"matcher"`
	Dispatch *matcher.DispatchConfig `yaml:"dispatch"`
	Shadow   *engine.Params          `yaml:"shadow"`
}

// Load reads .env (best effort), then the environment, then the optional
// tuning file. A missing DATABASE_URL fails fast: the engine is useless
// without its store.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	cfg := &Config{
		DatabaseURL:      dbURL,
		Port:             envOr("PORT", "8080"),
		AuthToken:        os.Getenv("API_AUTH_TOKEN"),
		AllowedOrigins:   envOr("ALLOWED_ORIGINS", "*"),
		LogMode:          os.Getenv("LOG_MODE"),
		PollInterval:     envDuration("POLL_INTERVAL", 15*time.Second),
		PollBatch:        envInt("POLL_BATCH", 200),
		RatePerMinute:    envInt("DISCOVER_RATE_PER_MINUTE", 6),
		RateBurst:        envInt("DISCOVER_RATE_BURST", 2),
		ShadowSnapshotID: int64(envInt("SHADOW_SNAPSHOT_ID", 0)),
		Engine:           engine.DefaultParams(),
		Matcher:          matcher.DefaultConfig(),
		Dispatch:         matcher.DefaultDispatchConfig(),
	}
	if workers := envInt("MATCHER_WORKERS", 0); workers > 0 {
		cfg.Dispatch.Shards = workers
	}
	if depth := envInt("MATCHER_QUEUE_DEPTH", 0); depth > 0 {
		cfg.Dispatch.QueueDepth = depth
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyTuningFile(path); err != nil {
			return nil, fmt.Errorf("tuning file %s: %w", path, err)
		}
	}
	return cfg, nil
}

func (c *Config) applyTuningFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	tf := tuningFile{
		Engine:   &c.Engine,
		Matcher:  &c.Matcher,
		Dispatch: &c.Dispatch,
	}
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return err
	}

	if tf.Shadow != nil {
		// Candidate params inherit production values for anything the
		// shadow section does not spell out.
		shadowParams := c.Engine
		merged := tuningFile{Shadow: &shadowParams}
		if err := yaml.Unmarshal(raw, &merged); err != nil {
			return err
		}
		c.ShadowEngine = &shadowParams
	}
	return nil
}

// NewLogger builds the process logger: JSON production output by default,
// the console development encoder when LOG_MODE=dev.
func NewLogger(mode string) (*zap.Logger, error) {
	if mode == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
