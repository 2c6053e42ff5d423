package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Auth     AuthConfig
	Security SecurityConfig
	Email    EmailConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type AuthConfig struct {
	JWTSecret         string
	AccessTokenExpiry time.Duration
}

// SecurityConfig carries every lockout, rate-limit, and retention threshold.
// It is passed into the coordinator at construction rather than read from
// ambient process state so tests can run different policies concurrently.
type SecurityConfig struct {
	// Progressive email lockout
	MaxFailedAttempts       int           // failures before the first timed lock
	ExtendedFailedAttempts  int           // failures before the extended lock
	LockoutDuration         time.Duration // first-tier lock
	ExtendedLockoutDuration time.Duration // extended-tier lock

	// Fixed-window IP rate limiting
	IPMaxFailures      int
	IPRateWindow       time.Duration
	DisableIPRateLimit bool // test-mode escape hatch

	// Suspicion heuristics
	RapidAttemptThreshold int
	RapidAttemptWindow    time.Duration
	EnumerationThreshold  int
	EnumerationWindow     time.Duration

	// Retention
	AttemptRetentionDays int
	TokenRetentionDays   int
	CleanupInterval      time.Duration
	CleanupBatchSize     int
}

type EmailConfig struct {
	AWSRegion        string
	FromAddress      string
	VerificationTTL  time.Duration
	PasswordResetTTL time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "curricula"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:     getEnv("PORT", "8080"),
			Env:      env,
			LogLevel: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:         jwtSecret,
			AccessTokenExpiry: getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
		},
		Security: SecurityConfig{
			MaxFailedAttempts:       getEnvAsInt("SECURITY_MAX_FAILED_ATTEMPTS", 5),
			ExtendedFailedAttempts:  getEnvAsInt("SECURITY_EXTENDED_FAILED_ATTEMPTS", 10),
			LockoutDuration:         getEnvAsDuration("SECURITY_LOCKOUT_DURATION", 15*time.Minute),
			ExtendedLockoutDuration: getEnvAsDuration("SECURITY_EXTENDED_LOCKOUT_DURATION", 60*time.Minute),
			IPMaxFailures:           getEnvAsInt("SECURITY_IP_MAX_FAILURES", 20),
			IPRateWindow:            getEnvAsDuration("SECURITY_IP_RATE_WINDOW", 15*time.Minute),
			DisableIPRateLimit:      getEnvAsBool("SECURITY_DISABLE_IP_RATE_LIMIT", false),
			RapidAttemptThreshold:   getEnvAsInt("SECURITY_RAPID_ATTEMPT_THRESHOLD", 10),
			RapidAttemptWindow:      getEnvAsDuration("SECURITY_RAPID_ATTEMPT_WINDOW", 5*time.Minute),
			EnumerationThreshold:    getEnvAsInt("SECURITY_ENUMERATION_THRESHOLD", 5),
			EnumerationWindow:       getEnvAsDuration("SECURITY_ENUMERATION_WINDOW", 60*time.Minute),
			AttemptRetentionDays:    getEnvAsInt("SECURITY_ATTEMPT_RETENTION_DAYS", 30),
			TokenRetentionDays:      getEnvAsInt("SECURITY_TOKEN_RETENTION_DAYS", 30),
			CleanupInterval:         getEnvAsDuration("SECURITY_CLEANUP_INTERVAL", 1*time.Hour),
			CleanupBatchSize:        getEnvAsInt("SECURITY_CLEANUP_BATCH_SIZE", 500),
		},
		Email: EmailConfig{
			AWSRegion:        getEnv("AWS_REGION", "us-east-1"),
			FromAddress:      getEnv("EMAIL_FROM_ADDRESS", "no-reply@curricula.app"),
			VerificationTTL:  getEnvAsDuration("EMAIL_VERIFICATION_TTL", 60*time.Minute),
			PasswordResetTTL: getEnvAsDuration("PASSWORD_RESET_TTL", 30*time.Minute),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	if err := cfg.Security.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate rejects threshold combinations that would make the progressive
// policy non-monotonic
func (sc *SecurityConfig) validate() error {
	if sc.MaxFailedAttempts < 1 {
		return fmt.Errorf("SECURITY_MAX_FAILED_ATTEMPTS must be at least 1")
	}
	if sc.ExtendedFailedAttempts <= sc.MaxFailedAttempts {
		return fmt.Errorf("SECURITY_EXTENDED_FAILED_ATTEMPTS (%d) must exceed SECURITY_MAX_FAILED_ATTEMPTS (%d)",
			sc.ExtendedFailedAttempts, sc.MaxFailedAttempts)
	}
	if sc.ExtendedLockoutDuration < sc.LockoutDuration {
		return fmt.Errorf("SECURITY_EXTENDED_LOCKOUT_DURATION must be at least SECURITY_LOCKOUT_DURATION")
	}
	if sc.IPMaxFailures < 1 {
		return fmt.Errorf("SECURITY_IP_MAX_FAILURES must be at least 1")
	}
	if sc.CleanupBatchSize < 1 {
		return fmt.Errorf("SECURITY_CLEANUP_BATCH_SIZE must be at least 1")
	}
	return nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	minLength := 16 // Development minimum
	if env == "production" {
		minLength = 32 // Production requires stronger secret (256 bits)
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}
