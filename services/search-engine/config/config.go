// Package config loads the search-engine service configuration from YAML,
// applies environment overrides and validates the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/swarmguard/bitsearch/services/search-engine/matcher"
	"github.com/swarmguard/bitsearch/services/search-engine/mutation"
)

type Config struct {
	Service   string          `yaml:"service" validate:"required"`
	HTTP      HTTPConfig      `yaml:"http"`
	NATS      NATSConfig      `yaml:"nats"`
	Store     StoreConfig     `yaml:"store"`
	Search    SearchConfig    `yaml:"search"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// NATSConfig enables the request/reply surface when URL is set.
type NATSConfig struct {
	URL             string        `yaml:"url"`
	Subject         string        `yaml:"subject" validate:"required"`
	Queue           string        `yaml:"queue"`
	ResultsSubject  string        `yaml:"results_subject"` // empty disables run events
	ConnectAttempts int           `yaml:"connect_attempts" validate:"gte=1"`
	ConnectDelay    time.Duration `yaml:"connect_delay" validate:"gte=0"`
}

// StoreConfig enables run history when Path is set.
type StoreConfig struct {
	Path   string `yaml:"path"`
	Retain int    `yaml:"retain" validate:"gte=0"`
}

type SearchConfig struct {
	Workers           int      `yaml:"workers" validate:"gte=0"`
	Strategy          string   `yaml:"strategy" validate:"strategy"`
	EnabledEncodings  []string `yaml:"enabled_encodings" validate:"dive,encoding_label"`
	StreamBufferBytes int      `yaml:"stream_buffer_bytes" validate:"gte=0"`
}

type RateLimitConfig struct {
	Capacity     int64         `yaml:"capacity" validate:"gt=0"`
	FillRate     float64       `yaml:"fill_rate" validate:"gt=0"`
	Window       time.Duration `yaml:"window" validate:"gt=0"`
	MaxPerWindow int64         `yaml:"max_per_window" validate:"gte=0"`
}

// Default returns a configuration that passes Validate.
func Default() Config {
	return Config{
		Service: "search-engine",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			MaxBodyBytes:    4 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			Subject:         "search.requests",
			Queue:           "search-engine",
			ResultsSubject:  "search.results",
			ConnectAttempts: 5,
			ConnectDelay:    500 * time.Millisecond,
		},
		Store: StoreConfig{Retain: 10000},
		Search: SearchConfig{
			Strategy: string(matcher.StrategyKMP),
		},
		RateLimit: RateLimitConfig{
			Capacity:     50,
			FillRate:     25,
			Window:       time.Second,
			MaxPerWindow: 100,
		},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("encoding_label", func(fl validator.FieldLevel) bool {
		return mutation.IsKnownLabel(fl.Field().String())
	})
	_ = v.RegisterValidation("strategy", func(fl validator.FieldLevel) bool {
		_, err := matcher.ParseStrategy(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks every field constraint.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Parse decodes YAML over the defaults, applies env overrides and validates.
// Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads path; an empty path yields defaults plus env overrides.
func Load(path string) (Config, error) {
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func applyEnv(c *Config) error {
	if v := os.Getenv("SEARCH_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("SEARCH_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("SEARCH_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("SEARCH_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SEARCH_WORKERS: %w", err)
		}
		c.Search.Workers = n
	}
	return nil
}

// GeneratorConfig selects the mutation catalogue subset.
func (c Config) GeneratorConfig() mutation.Config {
	return mutation.Config{EnabledEncodings: c.Search.EnabledEncodings}
}

// MatchStrategy returns the validated strategy.
func (c Config) MatchStrategy() matcher.Strategy {
	s, _ := matcher.ParseStrategy(c.Search.Strategy)
	return s
}
