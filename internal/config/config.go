package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port   string
	DBPath string

	ChatLogLimit       int
	TypingTTL          time.Duration
	CodeMinInterval    time.Duration
	FlushInterval      time.Duration
	CommitDedupeWindow time.Duration
	CommitCap          int

	CleanupInterval time.Duration
	RoomMaxAge      time.Duration
	ShareTTL        time.Duration
}

// Load reads configuration from the environment, with a .env file as an
// optional source. Missing keys fall back to the defaults.
func Load() Config {
	// Ignore error if .env file doesn't exist (e.g. in production)
	_ = godotenv.Load()

	return Config{
		Port:   getEnv("PORT", "8080"),
		DBPath: getEnv("HUDDLE_DB_PATH", "./data/huddle.db"),

		ChatLogLimit:       getEnvInt("HUDDLE_CHAT_LOG_LIMIT", 100),
		TypingTTL:          getEnvDuration("HUDDLE_TYPING_TTL", 2*time.Second),
		CodeMinInterval:    getEnvDuration("HUDDLE_CODE_MIN_INTERVAL", 100*time.Millisecond),
		FlushInterval:      getEnvDuration("HUDDLE_FLUSH_INTERVAL", 2*time.Second),
		CommitDedupeWindow: getEnvDuration("HUDDLE_COMMIT_DEDUPE_WINDOW", 5*time.Minute),
		CommitCap:          getEnvInt("HUDDLE_COMMIT_CAP", 0),

		CleanupInterval: getEnvDuration("HUDDLE_CLEANUP_INTERVAL", 5*time.Minute),
		RoomMaxAge:      getEnvDuration("HUDDLE_ROOM_MAX_AGE", 24*time.Hour),
		ShareTTL:        getEnvDuration("HUDDLE_SHARE_TTL", 7*24*time.Hour),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("Invalid duration for %s: %q, using %v", key, raw, defaultValue)
		return defaultValue
	}
	return value
}
