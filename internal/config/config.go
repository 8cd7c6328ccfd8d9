// Package config loads runtime settings from environment variables with
// sensible defaults.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds settings for the relay server runtime.
type ServerConfig struct {
	ListenAddr      string
	Database        DatabaseConfig
	AllowedOrigins  []string
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	StoreTimeout    time.Duration
	ShutdownTimeout time.Duration
	ReadLimitBytes  int64
	// AttachmentLimitBytes caps the base64-encoded attachment payload
	// (~15MB encoded catches roughly 10MB of raw data).
	AttachmentLimitBytes int
	SendBuffer           int
}

// ClientConfig holds settings for the terminal client.
type ClientConfig struct {
	ServerURL string
	Handle    string
}

// DatabaseConfig captures storage configuration.
type DatabaseConfig struct {
	Path string
}

// LoadServerConfig builds the server configuration from environment
// variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:           envOrDefault("WAVELENGTH_LISTEN_ADDR", ":3000"),
		Database:             DatabaseConfig{Path: envOrDefault("WAVELENGTH_DB_PATH", "wavelength.db")},
		AllowedOrigins:       envList("WAVELENGTH_ALLOWED_ORIGINS", nil),
		PingInterval:         envDuration("WAVELENGTH_PING_INTERVAL", 30*time.Second),
		WriteTimeout:         envDuration("WAVELENGTH_WRITE_TIMEOUT", 10*time.Second),
		StoreTimeout:         envDuration("WAVELENGTH_STORE_TIMEOUT", 5*time.Second),
		ShutdownTimeout:      envDuration("WAVELENGTH_SHUTDOWN_TIMEOUT", 5*time.Second),
		ReadLimitBytes:       envInt64("WAVELENGTH_READ_LIMIT_BYTES", 20<<20),
		AttachmentLimitBytes: envInt("WAVELENGTH_ATTACHMENT_LIMIT_BYTES", 15<<20),
		SendBuffer:           envInt("WAVELENGTH_SEND_BUFFER", 256),
	}
}

// LoadClientConfig builds the client configuration from environment
// variables.
func LoadClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL: envOrDefault("WAVELENGTH_SERVER_URL", "ws://localhost:3000/ws"),
		Handle:    envOrDefault("WAVELENGTH_HANDLE", ""),
	}
}

func envOrDefault(key, value string) string {
	if env, ok := os.LookupEnv(key); ok {
		return env
	}
	return value
}

func envList(key string, def []string) []string {
	env, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(env) == "" {
		return def
	}
	parts := strings.Split(env, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envDuration(key string, def time.Duration) time.Duration {
	if env, ok := os.LookupEnv(key); ok {
		if parsed, err := time.ParseDuration(env); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(key string, def int) int {
	if env, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(env); err == nil {
			return parsed
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if env, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseInt(env, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}
