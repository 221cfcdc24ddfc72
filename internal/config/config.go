// Package config loads service configuration from the environment and
// constructs the shared logger.
package config

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings.
type Config struct {
	// HTTP
	ListenAddr string

	// Storage: when DatabaseURL is set the service connects to Postgres,
	// otherwise it opens the SQLite file at SQLitePath.
	DatabaseURL string
	SQLitePath  string

	// File handling
	UploadDir string
	OutputDir string

	// Processor
	PoolSize       int
	PerFileTimeout time.Duration
	PerJobTimeout  time.Duration

	// Auth: comma-separated token:userID pairs.
	APITokens map[string]string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from the environment, consulting .env.local when
// present.
func Load() Config {
	if err := godotenv.Load("./.env.local"); err != nil {
		log.Println("no .env.local file found, using OS environment")
	}

	return Config{
		ListenAddr:  getEnv("PDFBATCH_LISTEN_ADDR", ":8080"),
		DatabaseURL: getEnv("PDFBATCH_DATABASE_URL", ""),
		SQLitePath:  getEnv("PDFBATCH_SQLITE_PATH", "pdfbatch.db"),
		UploadDir:   getEnv("PDFBATCH_UPLOAD_DIR", "data/uploads"),
		OutputDir:   getEnv("PDFBATCH_OUTPUT_DIR", "data/output"),

		PoolSize:       getEnvInt("PDFBATCH_POOL_SIZE", 4),
		PerFileTimeout: getEnvDuration("PDFBATCH_FILE_TIMEOUT", 2*time.Minute),
		PerJobTimeout:  getEnvDuration("PDFBATCH_JOB_TIMEOUT", 30*time.Minute),

		APITokens: parseTokens(getEnv("PDFBATCH_API_TOKENS", "")),

		LogFile:  getEnv("PDFBATCH_LOG_FILE", "pdfbatch.log"),
		LogLevel: parseLogLevel(getEnv("PDFBATCH_LOG_LEVEL", "INFO")),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Fatalf("invalid %s value %q: %v", key, val, err)
	}
	return n
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		log.Fatalf("invalid %s value %q: %v", key, val, err)
	}
	return d
}

// parseTokens decodes "token1:user1,token2:user2" into a lookup map.
func parseTokens(s string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		if !ok || token == "" || user == "" {
			log.Fatalf("invalid PDFBATCH_API_TOKENS entry %q", pair)
		}
		tokens[token] = user
	}
	return tokens
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
