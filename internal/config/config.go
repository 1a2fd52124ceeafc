package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	WS       WSConfig
	Rooms    RoomsConfig
	Database DatabaseConfig
}

type ServerConfig struct {
	Port            string
	ShutdownTimeout time.Duration
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json or console
}

type WSConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	OutboxSize     int
	MessageRate    float64 // inbound messages per second per connection
	MessageBurst   int
	AllowedOrigins []string
}

type RoomsConfig struct {
	SweepInterval time.Duration
	IdleThreshold time.Duration
}

type DatabaseConfig struct {
	URL string // empty disables the archive
}

// Load reads an optional .env file, then the environment. Unset or unparsable values fall
// back to defaults. The returned bool reports whether a .env file was found.
func Load(files ...string) (*Config, bool) {
	found := godotenv.Load(files...) == nil

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		WS: WSConfig{
			ReadTimeout:    getDurationEnv("WS_READ_TIMEOUT", 60*time.Second),
			WriteTimeout:   getDurationEnv("WS_WRITE_TIMEOUT", 3*time.Second),
			OutboxSize:     getIntEnv("WS_OUTBOX_SIZE", 64),
			MessageRate:    getFloatEnv("WS_MESSAGE_RATE", 20),
			MessageBurst:   getIntEnv("WS_MESSAGE_BURST", 40),
			AllowedOrigins: getListEnv("WS_ALLOWED_ORIGINS", nil),
		},
		Rooms: RoomsConfig{
			SweepInterval: getDurationEnv("ROOM_SWEEP_INTERVAL", 5*time.Minute),
			IdleThreshold: getDurationEnv("ROOM_IDLE_THRESHOLD", 30*time.Minute),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
	}
	return cfg, found
}

func (c *Config) Addr() string { return ":" + c.Server.Port }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil && intValue > 0 {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil && f > 0 {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil && duration > 0 {
			return duration
		}
	}
	return defaultValue
}

// getListEnv splits a comma separated value, dropping blanks.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
