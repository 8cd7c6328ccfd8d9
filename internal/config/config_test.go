package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg := LoadServerConfig()
	assert.Equal(t, ":3000", cfg.ListenAddr)
	assert.Equal(t, "wavelength.db", cfg.Database.Path)
	assert.Nil(t, cfg.AllowedOrigins)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, int64(20<<20), cfg.ReadLimitBytes)
	assert.Equal(t, 256, cfg.SendBuffer)
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("WAVELENGTH_LISTEN_ADDR", ":9000")
	t.Setenv("WAVELENGTH_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("WAVELENGTH_PING_INTERVAL", "10s")
	t.Setenv("WAVELENGTH_SEND_BUFFER", "64")

	cfg := LoadServerConfig()
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 10*time.Second, cfg.PingInterval)
	assert.Equal(t, 64, cfg.SendBuffer)
}

func TestLoadServerConfigIgnoresMalformed(t *testing.T) {
	t.Setenv("WAVELENGTH_PING_INTERVAL", "soon")
	t.Setenv("WAVELENGTH_SEND_BUFFER", "many")

	cfg := LoadServerConfig()
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 256, cfg.SendBuffer)
}

func TestLoadClientConfig(t *testing.T) {
	t.Setenv("WAVELENGTH_SERVER_URL", "ws://relay.example:3000/ws")
	cfg := LoadClientConfig()
	assert.Equal(t, "ws://relay.example:3000/ws", cfg.ServerURL)
}
