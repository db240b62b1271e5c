package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config application-wide settings
type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Sync      SyncConfig
	RateLimit RateLimitConfig
}

// ServerConfig HTTP server settings
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CORSOrigins  string
}

// WebSocketConfig gateway websocket settings
type WebSocketConfig struct {
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
	// MessagesPerSec caps inbound frames per connection; bursts up to
	// MessageBurst are tolerated.
	MessagesPerSec float64
	MessageBurst   int
}

// DatabaseConfig postgres settings. Empty host disables the durable store
// (the gateway then runs on the in-memory store).
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	TimeZone string
}

// RedisConfig Redis settings. Empty addr disables the redis transport.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SyncConfig tunables of the realtime engine.
type SyncConfig struct {
	// CursorInterval is the leading-edge cap on cursor broadcasts.
	CursorInterval time.Duration
	// CursorMinDelta suppresses cursor broadcasts moving less than this many
	// canvas units.
	CursorMinDelta float64
	// DragSettle is the trailing-edge debounce before a drag position is
	// written through to the store.
	DragSettle time.Duration
	// TypingTTL expires a peer's typing status absent a refresh broadcast.
	TypingTTL time.Duration
	// TypingRefresh is the sender-side auto-stop debounce.
	TypingRefresh time.Duration
	// RefreshInterval drives the store's slow reconciliation refetch path.
	RefreshInterval time.Duration
	// ReconnectBase and ReconnectCap bound the exponential backoff
	// min(base * 2^attempt, cap).
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	// SubscribeTimeout bounds how long a channel may take to establish a
	// subscription before it reports disconnected.
	SubscribeTimeout time.Duration
}

// RateLimitConfig sliding-window quotas keyed by actor fingerprint.
type RateLimitConfig struct {
	CardLimit   int
	CardWindow  time.Duration
	BoardLimit  int
	BoardWindow time.Duration
	// WarnRatio triggers the non-blocking soft warning (0.8 = 80% usage).
	WarnRatio float64
}

// Load reads configuration from the environment.
func Load() *Config {
	// .env is optional
	if err := godotenv.Load(); err != nil {
		log.Println("[Config] No .env file found, using environment variables")
	}

	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8080"),
			ReadTimeout:  getDuration("READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDuration("WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDuration("IDLE_TIMEOUT", 120*time.Second),
			CORSOrigins:  getEnv("CORS_ALLOW_ORIGINS", "*"),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:   getInt("WS_READ_BUFFER_SIZE", 16*1024),
			WriteBufferSize:  getInt("WS_WRITE_BUFFER_SIZE", 16*1024),
			HandshakeTimeout: getDuration("WS_HANDSHAKE_TIMEOUT", 10*time.Second),
			MessagesPerSec:   getFloat("WS_MESSAGES_PER_SEC", 200),
			MessageBurst:     getInt("WS_MESSAGE_BURST", 400),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "noter"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			TimeZone: getEnv("DB_TIMEZONE", "UTC"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		Sync: SyncConfig{
			CursorInterval:   getDuration("CURSOR_INTERVAL", 8*time.Millisecond),
			CursorMinDelta:   getFloat("CURSOR_MIN_DELTA", 1.0),
			DragSettle:       getDuration("DRAG_SETTLE", 300*time.Millisecond),
			TypingTTL:        getDuration("TYPING_TTL", 3*time.Second),
			TypingRefresh:    getDuration("TYPING_REFRESH", 500*time.Millisecond),
			RefreshInterval:  getDuration("REFRESH_INTERVAL", 5*time.Second),
			ReconnectBase:    getDuration("RECONNECT_BASE", 1*time.Second),
			ReconnectCap:     getDuration("RECONNECT_CAP", 30*time.Second),
			SubscribeTimeout: getDuration("SUBSCRIBE_TIMEOUT", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			CardLimit:   getInt("RATE_CARD_LIMIT", 5),
			CardWindow:  getDuration("RATE_CARD_WINDOW", 5*time.Second),
			BoardLimit:  getInt("RATE_BOARD_LIMIT", 50),
			BoardWindow: getDuration("RATE_BOARD_WINDOW", time.Hour),
			WarnRatio:   getFloat("RATE_WARN_RATIO", 0.8),
		},
	}
}

// getEnv env var lookup with default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt integer env var lookup
func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getFloat float env var lookup
func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getDuration duration env var lookup; bare numbers are taken as seconds
func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if !strings.ContainsAny(value, "smh") {
			if secs, err := strconv.Atoi(value); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
