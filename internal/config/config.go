package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort             = 8090
	defaultDataDir          = "data"
	defaultAPIURL           = "http://localhost:8000"
	defaultLogLevel         = "info"
	defaultPollInterval     = 2500 * time.Millisecond
	defaultProgressInterval = 500 * time.Millisecond
	defaultLinkPollInterval = 2 * time.Second
	defaultRequestsPerSec   = 10
)

// Config describes runtime configuration for the studio process.
type Config struct {
	Port          int      `yaml:"port"`
	DataDir       string   `yaml:"data_dir"`
	APIURL        string   `yaml:"api_url"`
	RedisURL      string   `yaml:"redis_url"`
	SessionSecret string   `yaml:"session_secret"`
	LogLevel      string   `yaml:"log_level"`
	CORSOrigins   []string `yaml:"cors_origins"`

	PollInterval     time.Duration `yaml:"poll_interval"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	LinkPollInterval time.Duration `yaml:"link_poll_interval"`
	// MaxPollDuration bounds a single conversion poll loop. Zero polls until a terminal state.
	MaxPollDuration time.Duration `yaml:"max_poll_duration"`
	RequestsPerSec  float64       `yaml:"requests_per_second"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Port:             defaultPort,
		DataDir:          defaultDataDir,
		APIURL:           defaultAPIURL,
		LogLevel:         defaultLogLevel,
		CORSOrigins:      []string{"http://localhost:3000"},
		PollInterval:     defaultPollInterval,
		ProgressInterval: defaultProgressInterval,
		LinkPollInterval: defaultLinkPollInterval,
		RequestsPerSec:   defaultRequestsPerSec,
	}
}

// Load reads YAML config from the provided path, then applies .env.local and
// environment overrides. A missing or empty file yields defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}

	loadEnvFile(filepath.Dir(path))
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadEnvFile(dir string) {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}
	_ = godotenv.Load(filepath.Join(dir, ".env.local"))
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("ATMOS_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("ATMOS_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("ATMOS_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ATMOS_SESSION_SECRET"); v != "" {
		cfg.SessionSecret = v
	}
	if v := os.Getenv("ATMOS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ATMOS_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("ATMOS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ATMOS_PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	return nil
}

func (c *Config) normalize() error {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir
	}
	c.APIURL = strings.TrimRight(strings.TrimSpace(c.APIURL), "/")
	if c.APIURL == "" {
		c.APIURL = defaultAPIURL
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = defaultProgressInterval
	}
	if c.LinkPollInterval <= 0 {
		c.LinkPollInterval = defaultLinkPollInterval
	}
	if c.MaxPollDuration < 0 {
		return fmt.Errorf("invalid max_poll_duration: %s (must be >= 0)", c.MaxPollDuration)
	}
	if c.RequestsPerSec < 0 {
		return fmt.Errorf("invalid requests_per_second: %v (must be >= 0)", c.RequestsPerSec)
	}
	c.CORSOrigins = normalizeOrigins(c.CORSOrigins)
	return nil
}

func normalizeOrigins(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, origin := range in {
		o := strings.TrimRight(strings.TrimSpace(origin), "/")
		if o == "" {
			continue
		}
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	return out
}
