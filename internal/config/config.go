package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries the runtime settings of the service. It is re-read on
// every scheduler pass so operators can tune sync windows without a
// restart.
type Config struct {
	Port string

	ERPBaseURL  string
	ERPAppToken string
	ERPPageSize int
	ERPRateRPS  int

	LookbackDays   int
	ChunkDays      int
	ParallelChunks int
	RetryCount     int
	AutoSyncTimes  []string

	CacheTTL      time.Duration
	CacheCapacity int

	QueryTimeout time.Duration

	RoutingRules string
}

// MaxLookbackDays bounds how far back a sync window may reach. A forced
// full sync uses exactly this window.
const MaxLookbackDays = 365

// Load reads the configuration from the environment, applying defaults
// and clamping numeric settings into safe ranges.
func Load() (*Config, error) {
	cfg := &Config{
		Port: getEnv("PORT", "8086"),

		ERPBaseURL:  getEnv("ERP_BASE_URL", "http://localhost:8099"),
		ERPAppToken: getEnv("ERP_APP_TOKEN", ""),
		ERPPageSize: clamp(getEnvInt("ERP_PAGE_SIZE", 2000), 100, 10000),
		ERPRateRPS:  clamp(getEnvInt("ERP_RATE_LIMIT_RPS", 5), 1, 50),

		LookbackDays:   clamp(getEnvInt("SYNC_LOOKBACK_DAYS", 90), 1, MaxLookbackDays),
		ChunkDays:      clamp(getEnvInt("SYNC_CHUNK_DAYS", 7), 1, 31),
		ParallelChunks: clamp(getEnvInt("SYNC_PARALLEL_CHUNKS", 2), 1, 8),
		RetryCount:     clamp(getEnvInt("SYNC_RETRY_COUNT", 3), 1, 10),

		CacheTTL:      time.Duration(clamp(getEnvInt("CACHE_TTL_MINUTES", 5), 1, 120)) * time.Minute,
		CacheCapacity: clamp(getEnvInt("CACHE_CAPACITY", 256), 16, 10000),

		QueryTimeout: time.Duration(clamp(getEnvInt("QUERY_TIMEOUT_SECONDS", 30), 5, 300)) * time.Second,

		RoutingRules: getEnv("ROUTING_RULES", ""),
	}

	times, err := parseAutoSyncTimes(getEnv("SYNC_AUTO_TIMES", ""))
	if err != nil {
		return nil, err
	}
	cfg.AutoSyncTimes = times

	return cfg, nil
}

// parseAutoSyncTimes validates a comma-separated list of HH:MM wall
// clock times. An empty value disables scheduled syncs.
func parseAutoSyncTimes(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	times := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		t, err := time.Parse("15:04", p)
		if err != nil {
			return nil, fmt.Errorf("invalid SYNC_AUTO_TIMES entry %q: want HH:MM", p)
		}
		times = append(times, t.Format("15:04"))
	}
	return times, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
