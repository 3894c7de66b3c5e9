package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file named by MARKOVTUNE_ENV (or .env by default),
// then the matching .secret sidecar. Both are optional. Everything is read
// through the flat getters below after loading.
func Load() error {
	envFile := os.Getenv("MARKOVTUNE_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	_ = godotenv.Load(envFile)
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

func ServerPort() int {
	port, err := strconv.Atoi(os.Getenv("SERVER_PORT"))
	if err != nil {
		return 8080
	}
	return port
}

func ServerAddr() string {
	return fmt.Sprintf(":%d", ServerPort())
}

func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

// MigrationsPath is a directory of *.sql files that overrides the embedded
// migrations. Empty means use the embedded set.
func MigrationsPath() string {
	return os.Getenv("MIGRATIONS_PATH")
}

// RedisAddr enables cross-replica activation sync and the promotion channel.
func RedisAddr() string {
	return os.Getenv("REDIS_ADDR")
}

func RedisChannelPrefix() string {
	return stringOr("REDIS_CHANNEL_PREFIX", "markovtune")
}

// RateLimitRPS returns requests per second limit.
// Defaults to 100 if not set.
func RateLimitRPS() float64 {
	rps, err := strconv.ParseFloat(os.Getenv("RATE_LIMIT_RPS"), 64)
	if err != nil || rps <= 0 {
		return 100
	}
	return rps
}

// RateLimitBurst returns the burst size for rate limiting.
// Defaults to 20 if not set.
func RateLimitBurst() int {
	return positiveInt("RATE_LIMIT_BURST", 20)
}

// LogLevel returns the log level (debug, info, warn, error).
// Defaults to "info" if not set.
func LogLevel() string {
	return stringOr("LOG_LEVEL", "info")
}

func AdminAPIKey() string {
	return os.Getenv("ADMIN_API_KEY")
}

// IntakeAPIKey guards feedback intake. Empty leaves intake open.
func IntakeAPIKey() string {
	return os.Getenv("INTAKE_API_KEY")
}

// SignificanceThreshold is the drift at or above which a version is promoted.
func SignificanceThreshold() float64 {
	v, err := strconv.ParseFloat(os.Getenv("SIGNIFICANCE_THRESHOLD"), 64)
	if err != nil || v < 0 {
		return 0.15
	}
	return v
}

// ActivationPolicy is "always" or "promoted".
func ActivationPolicy() string {
	return stringOr("ACTIVATION_POLICY", "always")
}

// TuneSchedule is a six-field cron expression (with seconds).
// Defaults to Sunday 02:00.
func TuneSchedule() string {
	return stringOr("TUNE_SCHEDULE", "0 0 2 * * 0")
}

// CollectSchedule defaults to daily at 01:00.
func CollectSchedule() string {
	return stringOr("COLLECT_SCHEDULE", "0 0 1 * * *")
}

func TuneBatchLimit() int {
	return positiveInt("TUNE_BATCH_LIMIT", 10000)
}

func TuneMinEvents() int {
	return positiveInt("TUNE_MIN_EVENTS", 1)
}

// MaxStates caps the distinct states a run may grow the matrix to. 0 removes
// the cap.
func MaxStates() int {
	n, err := strconv.Atoi(os.Getenv("MAX_STATES"))
	if err != nil || n < 0 {
		return 100
	}
	return n
}

// EarlyTuneThreshold queues a run when collection finds this many pending
// events. 0 disables early runs.
func EarlyTuneThreshold() int {
	n, err := strconv.Atoi(os.Getenv("EARLY_TUNE_THRESHOLD"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func RunTimeout() time.Duration {
	return duration("RUN_TIMEOUT", 5*time.Minute)
}

func SchedulerRetryDelay() time.Duration {
	return duration("SCHEDULER_RETRY_DELAY", time.Minute)
}

func CICDWebhookURL() string {
	return os.Getenv("CICD_WEBHOOK_URL")
}

func CICDAPIToken() string {
	return os.Getenv("CICD_API_TOKEN")
}

// ValidatorURL points at an external rule engine. Empty disables it.
func ValidatorURL() string {
	return os.Getenv("VALIDATOR_URL")
}

func ValidatorMaxStateLength() int {
	return positiveInt("VALIDATOR_MAX_STATE_LENGTH", 256)
}

// ValidatorDenyStates is a comma separated list.
func ValidatorDenyStates() []string {
	raw := os.Getenv("VALIDATOR_DENY_STATES")
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func ValidatorRejectSelfLoops() bool {
	v, err := strconv.ParseBool(os.Getenv("VALIDATOR_REJECT_SELF_LOOPS"))
	return err == nil && v
}

// ValidatorMaxDelta caps |delta| per transition per run. 0 is unlimited.
func ValidatorMaxDelta() float64 {
	v, err := strconv.ParseFloat(os.Getenv("VALIDATOR_MAX_DELTA"), 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// SeedMatrixPath is a JSON file of source -> target -> count used for the
// genesis version of an empty database.
func SeedMatrixPath() string {
	return os.Getenv("SEED_MATRIX_PATH")
}

func SuggestionMinProbability() float64 {
	v, err := strconv.ParseFloat(os.Getenv("SUGGESTION_MIN_PROBABILITY"), 64)
	if err != nil || v < 0 || v >= 1 {
		return 0.01
	}
	return v
}

func stringOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func positiveInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func duration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}
