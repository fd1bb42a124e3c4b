package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mr1hm/go-weather-ingest/internal/fetcher"
	"github.com/mr1hm/go-weather-ingest/internal/ingestion"
	"github.com/mr1hm/go-weather-ingest/internal/models"
	"github.com/mr1hm/go-weather-ingest/internal/quality"
)

type Config struct {
	Server  ServerConfig
	GRPC    GRPCConfig
	DB      DatabaseConfig
	Logging LoggingConfig
	Sources Sources
}

type GRPCConfig struct {
	Port int
}

type ServerConfig struct {
	Host      string
	Port      int
	RateLimit int // requests per second for each client IP
}

type DatabaseConfig struct {
	Path string
}

type LoggingConfig struct {
	Level string
}

// Sources is the YAML sources file: what to collect, from where, and how.
type Sources struct {
	Locations []models.Location        `yaml:"locations" validate:"required,min=1"`
	Adapters  map[string]AdapterConfig `yaml:"adapters" validate:"dive"`
	Ingestion ingestion.Config         `yaml:"ingestion"`
	Quality   quality.Config           `yaml:"quality"`
}

// AdapterConfig configures one provider. Credentials maps a credential name
// (api_key, client_id, ...) to the environment variable holding it.
type AdapterConfig struct {
	Enabled      bool              `yaml:"enabled"`
	BaseURL      string            `yaml:"base_url" validate:"omitempty,url"`
	Interval     time.Duration     `yaml:"interval" validate:"gte=0"` // 0 = on demand only
	Fetcher      fetcher.Config    `yaml:"fetcher"`
	Families     []string          `yaml:"families"`
	ForecastDays int               `yaml:"forecast_days" validate:"gte=0,lte=16"`
	RadiusKM     float64           `yaml:"radius_km" validate:"gte=0"`
	Credentials  map[string]string `yaml:"credentials"`
}

func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		Enabled:  true,
		Interval: time.Hour,
		Fetcher:  fetcher.DefaultConfig(),
	}
}

// UnmarshalYAML fills unset fields from DefaultAdapterConfig.
func (a *AdapterConfig) UnmarshalYAML(n *yaml.Node) error {
	type plain AdapterConfig
	p := plain(DefaultAdapterConfig())
	if err := n.Decode(&p); err != nil {
		return err
	}
	*a = AdapterConfig(p)
	return nil
}

// Secret resolves a credential through its environment variable.
func (a AdapterConfig) Secret(name string) string {
	env, ok := a.Credentials[name]
	if !ok {
		return ""
	}
	return os.Getenv(env)
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:      getEnv("SERVER_HOST", "localhost"),
			Port:      getEnvInt("SERVER_PORT", 8080),
			RateLimit: getEnvInt("SERVER_RATE_LIMIT", 5),
		},
		GRPC: GRPCConfig{
			Port: getEnvInt("GRPC_PORT", 50051),
		},
		DB: DatabaseConfig{
			Path: getEnv("DB_PATH", "./data/weather.db"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	sources, err := LoadSources(getEnv("SOURCES_FILE", "./sources.yaml"))
	if err != nil {
		return nil, err
	}
	cfg.Sources = *sources

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadSources reads and validates a sources file.
func LoadSources(path string) (*Sources, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sources file: %w", err)
	}
	return ParseSources(b)
}

func ParseSources(b []byte) (*Sources, error) {
	s := &Sources{
		Ingestion: ingestion.DefaultConfig(),
		Quality:   quality.DefaultConfig(),
	}
	if err := yaml.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("parsing sources file: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

var structs = validator.New()

func (s *Sources) validate() error {
	if err := structs.Struct(s); err != nil {
		return fmt.Errorf("invalid sources file: %w", err)
	}

	seen := make(map[string]bool)
	for i := range s.Locations {
		loc := &s.Locations[i]
		if loc.Type == "" {
			loc.Type = models.LocationTarget
		}
		if loc.Source == "" {
			loc.Source = "config"
		}
		if err := loc.Validate(); err != nil {
			return fmt.Errorf("location %d: %w", i, err)
		}
		if seen[loc.ID] {
			return fmt.Errorf("duplicate location id %q", loc.ID)
		}
		seen[loc.ID] = true
	}

	for name, a := range s.Adapters {
		if a.Enabled && a.Interval > 0 && a.Interval < time.Minute {
			return fmt.Errorf("adapter %s: interval must be at least 1 minute", name)
		}
	}

	if _, err := s.Quality.Rules(); err != nil {
		return fmt.Errorf("quality rules: %w", err)
	}
	return nil
}

// Targets returns the configured target locations.
func (s *Sources) Targets() []models.Location {
	var out []models.Location
	for _, loc := range s.Locations {
		if loc.Type == models.LocationTarget {
			out = append(out, loc)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.GRPC.Port < 1 || c.GRPC.Port > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPC.Port)
	}
	if c.Server.RateLimit < 1 {
		return fmt.Errorf("server rate limit must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}
