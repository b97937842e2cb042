package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv            string
	Port              string
	DatabaseURL       string
	JWTSecret         string
	GeoIPDBPath       string
	PipelineAPIKey    string
	PipelineBaseURL   string
	DefaultPipelineID string
	PollInterval      time.Duration
	MaxPollAttempts   int
	StuckWindow       time.Duration
	GlobalTimeout     time.Duration
	HistoryLimit      int
	RefreshWindow     time.Duration
	DailyQuota        int
	HTTPReadTimeout   time.Duration
	HTTPWriteTimeout  time.Duration
	HTTPIdleTimeout   time.Duration
	RateLimitPerMin   int
	AllowedOrigins    []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		Port:              getEnv("PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		GeoIPDBPath:       os.Getenv("GEOIP_DB_PATH"),
		PipelineAPIKey:    os.Getenv("PIPELINE_API_KEY"),
		PipelineBaseURL:   getEnv("PIPELINE_BASE_URL", "https://api.pipeline.dev/v1"),
		DefaultPipelineID: getEnv("PIPELINE_DEFAULT_ID", "flux-general"),
		PollInterval:      time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 5)),
		MaxPollAttempts:   getEnvInt("POLL_MAX_ATTEMPTS", 90),
		StuckWindow:       time.Second * time.Duration(getEnvInt("POLL_STUCK_SECONDS", 180)),
		GlobalTimeout:     time.Second * time.Duration(getEnvInt("POLL_GLOBAL_TIMEOUT_SECONDS", 180)),
		HistoryLimit:      getEnvInt("HISTORY_LIMIT", 200),
		RefreshWindow:     time.Second * time.Duration(getEnvInt("HISTORY_REFRESH_SECONDS", 10)),
		DailyQuota:        getEnvInt("DAILY_QUOTA", 100),
		HTTPReadTimeout:   time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:  time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:   time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:   getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		AllowedOrigins:    splitCSV(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
