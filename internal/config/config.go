package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment  string
	HTTPPort     string
	DataDir      string
	DatabasePath string
	FrontendDir  string
	JWTSecret    string

	// Scan tuning. The scanner sleeps ScanInterval between full passes and
	// QueryCooldown between individual forum API requests.
	ScanInterval  time.Duration
	QueryCooldown time.Duration
	ThreadPages   int
	PostPagesFwd  int
	PostPagesBack int

	// SeenMarkTTL bounds how long thread/post marks are remembered; content
	// rows whose mark expired are purged by the cleanup job.
	SeenMarkTTL time.Duration
	// ConfirmTTL bounds how long a queued confirmation stays actionable.
	ConfirmTTL time.Duration
	// CleanupSpec is a cron expression for the daily cache cleanup.
	CleanupSpec string
}

// Load reads env vars and falls back to defaults so the server can boot with
// zero configuration. The JWT secret is generated and persisted under the data
// dir on first boot when not provided.
func Load() (Config, error) {
	dataDir := getEnv("WTM_DATA_DIR", "data")

	cfg := Config{
		Environment:   getEnv("WTM_ENV", "development"),
		HTTPPort:      getEnv("WTM_HTTP_PORT", "8080"),
		DataDir:       dataDir,
		DatabasePath:  getEnv("WTM_DB_PATH", filepath.Join(dataDir, "webtm.db")),
		FrontendDir:   getEnv("WTM_FRONTEND_DIR", filepath.Clean(filepath.Join("..", "frontend", "dist"))),
		JWTSecret:     os.Getenv("WTM_JWT_SECRET"),
		ScanInterval:  getEnvDuration("WTM_SCAN_INTERVAL", 60*time.Second),
		QueryCooldown: getEnvDuration("WTM_QUERY_COOLDOWN", 500*time.Millisecond),
		ThreadPages:   getEnvInt("WTM_THREAD_PAGES", 1),
		PostPagesFwd:  getEnvInt("WTM_POST_PAGES_FORWARD", 1),
		PostPagesBack: getEnvInt("WTM_POST_PAGES_BACKWARD", 1),
		SeenMarkTTL:   getEnvDuration("WTM_SEEN_MARK_TTL", 7*24*time.Hour),
		ConfirmTTL:    getEnvDuration("WTM_CONFIRM_TTL", 24*time.Hour),
		CleanupSpec:   getEnv("WTM_CLEANUP_SPEC", "0 4 * * *"),
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	if cfg.JWTSecret == "" {
		secret, err := loadOrCreateSecret(filepath.Join(dataDir, "jwt.secret"))
		if err != nil {
			return Config{}, fmt.Errorf("jwt secret: %w", err)
		}
		cfg.JWTSecret = secret
	}

	return cfg, nil
}

// IsDevelopment reports whether the server runs in development mode.
func (c Config) IsDevelopment() bool {
	return c.Environment != "production" && c.Environment != "prod"
}

// LogDir returns the directory rotated log files are written to.
func (c Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

func loadOrCreateSecret(path string) (string, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) >= 32 {
		return string(b), nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := hex.EncodeToString(buf)

	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return "", err
	}
	return secret, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
	}

	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			return d
		}
	}

	return fallback
}
