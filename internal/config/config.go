package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr    string
	DatabaseURL   string
	JWTSecret     string
	UserID        string
	DisplayName   string
	ObserverUsers []string

	BufferDSN  string
	ResumePath string

	RedisAddr     string
	RedisPassword string
	SensorMode    string

	TickInterval         time.Duration
	WriteInterval        time.Duration
	SessionCacheTTL      time.Duration
	ParticipantCacheTTL  time.Duration
	FetchTimeout         time.Duration
	MaxReconnectAttempts int
	MaxReconnectBackoff  time.Duration
	EventBufferSize      int

	AbandonGrace    time.Duration
	SampleRetention time.Duration
}

// fileConfig is the optional TOML overlay named by LIVESYNC_CONFIG_FILE.
// Durations are Go duration strings ("5s", "30m").
type fileConfig struct {
	ListenAddr           string   `toml:"listen_addr"`
	DatabaseURL          string   `toml:"database_url"`
	UserID               string   `toml:"user_id"`
	DisplayName          string   `toml:"display_name"`
	ObserverUsers        []string `toml:"observer_users"`
	BufferDSN            string   `toml:"buffer_dsn"`
	ResumePath           string   `toml:"resume_path"`
	RedisAddr            string   `toml:"redis_addr"`
	SensorMode           string   `toml:"sensor_mode"`
	TickInterval         string   `toml:"tick_interval"`
	WriteInterval        string   `toml:"write_interval"`
	SessionCacheTTL      string   `toml:"session_cache_ttl"`
	ParticipantCacheTTL  string   `toml:"participant_cache_ttl"`
	FetchTimeout         string   `toml:"fetch_timeout"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	MaxReconnectBackoff  string   `toml:"max_reconnect_backoff"`
	EventBufferSize      int      `toml:"event_buffer_size"`
	AbandonGrace         string   `toml:"abandon_grace"`
	SampleRetention      string   `toml:"sample_retention"`
}

func defaults() Config {
	return Config{
		ListenAddr:           ":8080",
		DisplayName:          "Athlete",
		BufferDSN:            "livesync-buffer.db",
		SensorMode:           "simulated",
		TickInterval:         5 * time.Second,
		WriteInterval:        5 * time.Second,
		SessionCacheTTL:      30 * time.Second,
		ParticipantCacheTTL:  3 * time.Second,
		FetchTimeout:         3 * time.Second,
		MaxReconnectAttempts: 3,
		MaxReconnectBackoff:  10 * time.Second,
		EventBufferSize:      32,
		AbandonGrace:         30 * time.Minute,
		SampleRetention:      30 * 24 * time.Hour,
	}
}

// LoadFromEnv reads a .env file when present, then the TOML file named by
// LIVESYNC_CONFIG_FILE, then LIVESYNC_* variables. Later sources win.
// Required keys are checked by the binaries through Require*.
func LoadFromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("LIVESYNC_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.ListenAddr = envOrDefault("LIVESYNC_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DatabaseURL = envOrDefault("LIVESYNC_DATABASE_URL", cfg.DatabaseURL)
	cfg.JWTSecret = envOrDefault("LIVESYNC_JWT_SECRET", cfg.JWTSecret)
	cfg.UserID = envOrDefault("LIVESYNC_USER_ID", cfg.UserID)
	cfg.DisplayName = envOrDefault("LIVESYNC_DISPLAY_NAME", cfg.DisplayName)
	if raw := os.Getenv("LIVESYNC_OBSERVER_USERS"); raw != "" {
		cfg.ObserverUsers = splitCSV(raw)
	}
	cfg.BufferDSN = envOrDefault("LIVESYNC_BUFFER_DSN", cfg.BufferDSN)
	cfg.ResumePath = envOrDefault("LIVESYNC_RESUME_PATH", cfg.ResumePath)
	cfg.RedisAddr = envOrDefault("LIVESYNC_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envOrDefault("LIVESYNC_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.SensorMode = envOrDefault("LIVESYNC_SENSOR_MODE", cfg.SensorMode)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"LIVESYNC_TICK_INTERVAL", &cfg.TickInterval},
		{"LIVESYNC_WRITE_INTERVAL", &cfg.WriteInterval},
		{"LIVESYNC_SESSION_CACHE_TTL", &cfg.SessionCacheTTL},
		{"LIVESYNC_PARTICIPANT_CACHE_TTL", &cfg.ParticipantCacheTTL},
		{"LIVESYNC_FETCH_TIMEOUT", &cfg.FetchTimeout},
		{"LIVESYNC_MAX_RECONNECT_BACKOFF", &cfg.MaxReconnectBackoff},
		{"LIVESYNC_ABANDON_GRACE", &cfg.AbandonGrace},
		{"LIVESYNC_SAMPLE_RETENTION", &cfg.SampleRetention},
	}
	for _, d := range durations {
		v, err := parseDurationEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}
	cfg.MaxReconnectAttempts = ParsePositiveIntEnv("LIVESYNC_MAX_RECONNECT_ATTEMPTS", cfg.MaxReconnectAttempts)
	cfg.EventBufferSize = ParsePositiveIntEnv("LIVESYNC_EVENT_BUFFER", cfg.EventBufferSize)

	if cfg.SensorMode != "simulated" && cfg.SensorMode != "relay" {
		return Config{}, fmt.Errorf("LIVESYNC_SENSOR_MODE must be one of simulated|relay")
	}
	if cfg.SensorMode == "relay" && cfg.RedisAddr == "" {
		return Config{}, fmt.Errorf("LIVESYNC_REDIS_ADDR is required for relay sensor mode")
	}
	return cfg, nil
}

// RequireDaemon checks the keys livesyncd cannot run without.
func (c Config) RequireDaemon() error {
	if err := c.RequireDatabase(); err != nil {
		return err
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("LIVESYNC_JWT_SECRET is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("LIVESYNC_USER_ID is required")
	}
	return nil
}

func (c Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("LIVESYNC_DATABASE_URL is required")
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	setString(&cfg.UserID, fc.UserID)
	setString(&cfg.DisplayName, fc.DisplayName)
	setString(&cfg.BufferDSN, fc.BufferDSN)
	setString(&cfg.ResumePath, fc.ResumePath)
	setString(&cfg.RedisAddr, fc.RedisAddr)
	setString(&cfg.SensorMode, fc.SensorMode)
	if len(fc.ObserverUsers) > 0 {
		cfg.ObserverUsers = fc.ObserverUsers
	}
	if fc.MaxReconnectAttempts > 0 {
		cfg.MaxReconnectAttempts = fc.MaxReconnectAttempts
	}
	if fc.EventBufferSize > 0 {
		cfg.EventBufferSize = fc.EventBufferSize
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"tick_interval", fc.TickInterval, &cfg.TickInterval},
		{"write_interval", fc.WriteInterval, &cfg.WriteInterval},
		{"session_cache_ttl", fc.SessionCacheTTL, &cfg.SessionCacheTTL},
		{"participant_cache_ttl", fc.ParticipantCacheTTL, &cfg.ParticipantCacheTTL},
		{"fetch_timeout", fc.FetchTimeout, &cfg.FetchTimeout},
		{"max_reconnect_backoff", fc.MaxReconnectBackoff, &cfg.MaxReconnectBackoff},
		{"abandon_grace", fc.AbandonGrace, &cfg.AbandonGrace},
		{"sample_retention", fc.SampleRetention, &cfg.SampleRetention},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil || v <= 0 {
			return fmt.Errorf("config file %s: %s must be a positive duration", path, d.key)
		}
		*d.dst = v
	}
	return nil
}

func envOrDefault(k, v string) string {
	if raw := os.Getenv(k); raw != "" {
		return raw
	}
	return v
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func ParsePositiveIntEnv(k string, d int) int {
	raw := os.Getenv(k)
	if raw == "" {
		return d
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return d
	}
	return n
}

func parseDurationEnv(k string, d time.Duration) (time.Duration, error) {
	raw := os.Getenv(k)
	if raw == "" {
		return d, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration", k)
	}
	return v, nil
}
