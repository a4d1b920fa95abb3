// Package config handles environment-based configuration loading and the
// egress identity declaration file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	StateDir string

	// Network
	ListenAddress   string
	Port            int
	APIMaxBodyBytes int

	// Auth
	AdminToken string

	// Admission
	RatePerSecond int
	QueueMaxDepth int // 0 = unbounded

	// Failover
	BlockThreshold        int
	IdentitiesFile        string
	IncludeDirectIdentity bool
	IdentityResetSchedule string

	// Upstream
	UpstreamBaseURL string
	AttemptTimeout  time.Duration
	UserAgent       string

	// Language
	FallbackEnabled bool

	// Cache
	CacheCapacity int
	CacheTTL      time.Duration

	// Stats
	StatsFlushInterval time.Duration
	StatsFlushCheck    time.Duration

	// Optional Redis stats mirror
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Alerting
	NotifyWebhookURL     string
	NotifyTimeout        time.Duration
	DailySummarySchedule string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("SUBRELAY_STATE_DIR", "/var/lib/subrelay")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("SUBRELAY_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("SUBRELAY_PORT", 5000, &errs)
	cfg.APIMaxBodyBytes = envInt("SUBRELAY_API_MAX_BODY_BYTES", 1<<20, &errs)

	// --- Auth ---
	cfg.AdminToken = envStr("SUBRELAY_ADMIN_TOKEN", "")

	// --- Admission ---
	cfg.RatePerSecond = envInt("SUBRELAY_RATE_PER_SECOND", 2, &errs)
	cfg.QueueMaxDepth = envInt("SUBRELAY_QUEUE_MAX_DEPTH", 0, &errs)

	// --- Failover ---
	cfg.BlockThreshold = envInt("SUBRELAY_BLOCK_THRESHOLD", 2, &errs)
	cfg.IdentitiesFile = envStr("SUBRELAY_IDENTITIES_FILE", "")
	cfg.IncludeDirectIdentity = envBool("SUBRELAY_INCLUDE_DIRECT_IDENTITY", true, &errs)
	cfg.IdentityResetSchedule = envStr("SUBRELAY_IDENTITY_RESET_SCHEDULE", "0 */6 * * *")

	// --- Upstream ---
	cfg.UpstreamBaseURL = envStr("SUBRELAY_UPSTREAM_BASE_URL", "https://www.youtube.com")
	cfg.AttemptTimeout = envDuration("SUBRELAY_ATTEMPT_TIMEOUT", 20*time.Second, &errs)
	cfg.UserAgent = envStr("SUBRELAY_USER_AGENT", "Subrelay/1.0")

	// --- Language ---
	cfg.FallbackEnabled = envBool("SUBRELAY_LANGUAGE_FALLBACK", true, &errs)

	// --- Cache ---
	cfg.CacheCapacity = envInt("SUBRELAY_CACHE_CAPACITY", 4096, &errs)
	cfg.CacheTTL = envDuration("SUBRELAY_CACHE_TTL", 15*time.Minute, &errs)

	// --- Stats ---
	cfg.StatsFlushInterval = envDuration("SUBRELAY_STATS_FLUSH_INTERVAL", 30*time.Second, &errs)
	cfg.StatsFlushCheck = envDuration("SUBRELAY_STATS_FLUSH_CHECK", 5*time.Second, &errs)

	// --- Redis mirror ---
	cfg.RedisAddr = envStr("SUBRELAY_REDIS_ADDR", "")
	cfg.RedisPassword = envStr("SUBRELAY_REDIS_PASSWORD", "")
	cfg.RedisDB = envInt("SUBRELAY_REDIS_DB", 0, &errs)

	// --- Alerting ---
	cfg.NotifyWebhookURL = envStr("SUBRELAY_NOTIFY_WEBHOOK_URL", "")
	cfg.NotifyTimeout = envDuration("SUBRELAY_NOTIFY_TIMEOUT", 10*time.Second, &errs)
	cfg.DailySummarySchedule = envStr("SUBRELAY_DAILY_SUMMARY_SCHEDULE", "5 0 * * *")

	// --- Validation ---
	validatePort("SUBRELAY_PORT", cfg.Port, &errs)
	validatePositive("SUBRELAY_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("SUBRELAY_RATE_PER_SECOND", cfg.RatePerSecond, &errs)
	validateNonNegative("SUBRELAY_QUEUE_MAX_DEPTH", cfg.QueueMaxDepth, &errs)
	validatePositive("SUBRELAY_BLOCK_THRESHOLD", cfg.BlockThreshold, &errs)
	validatePositive("SUBRELAY_CACHE_CAPACITY", cfg.CacheCapacity, &errs)
	validatePositiveDuration("SUBRELAY_ATTEMPT_TIMEOUT", cfg.AttemptTimeout, &errs)
	validatePositiveDuration("SUBRELAY_STATS_FLUSH_INTERVAL", cfg.StatsFlushInterval, &errs)
	validatePositiveDuration("SUBRELAY_STATS_FLUSH_CHECK", cfg.StatsFlushCheck, &errs)
	validateCronSchedule("SUBRELAY_IDENTITY_RESET_SCHEDULE", cfg.IdentityResetSchedule, &errs)
	validateCronSchedule("SUBRELAY_DAILY_SUMMARY_SCHEDULE", cfg.DailySummarySchedule, &errs)

	if cfg.AdminToken != "" && IsWeakToken(cfg.AdminToken) {
		errs = append(errs, "SUBRELAY_ADMIN_TOKEN: token is too weak, use a longer random value")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return cfg, nil
}

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validateNonNegative(name string, value int, errs *[]string) {
	if value < 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be non-negative, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %s", name, value))
	}
}

func validateCronSchedule(name, schedule string, errs *[]string) {
	if schedule == "" {
		return
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid cron schedule %q: %v", name, schedule, err))
	}
}
