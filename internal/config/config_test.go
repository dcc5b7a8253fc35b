package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Chat: Chat{Timeout: 30 * time.Second},
		GPIO: GPIO{
			Driver:         "sim",
			ValidPins:      []int{17, 18, 27},
			RequestTimeout: 5 * time.Second,
			StartTimeout:   10 * time.Second,
			MaxRestarts:    1,
		},
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg := Load(Flags("test"), nil)

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "pinctrl", cfg.GPIO.Driver)
	assert.Equal(t, DefaultValidPins, cfg.GPIO.ValidPins)
	assert.Len(t, cfg.GPIO.ValidPins, 17)
	assert.Equal(t, 5*time.Second, cfg.GPIO.RequestTimeout)
	assert.Equal(t, 1, cfg.GPIO.MaxRestarts)
	assert.Equal(t, "gpt-3.5-turbo", cfg.Chat.Model)
	assert.Equal(t, "sk-test", cfg.Chat.APIKey)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel)
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gpio-chat.yaml")
	contents := `
chat:
  api_key: ${TEST_GPIOCHAT_KEY}
  model: gpt-4o
gpio:
  driver: sim
  valid_pins: [17, 18]
  request_timeout: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	t.Setenv("TEST_GPIOCHAT_KEY", "from-ref")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GPIOCHAT_SERVER_PORT", "8081")

	cfg := Load(Flags("test"), []string{"--config", path, "--log-level", "debug"})

	assert.Equal(t, path, cfg.ConfigFile)
	assert.Equal(t, "from-ref", cfg.Chat.APIKey)
	assert.Equal(t, "gpt-4o", cfg.Chat.Model)
	assert.Equal(t, "sim", cfg.GPIO.Driver)
	assert.Equal(t, []int{17, 18}, cfg.GPIO.ValidPins)
	assert.Equal(t, 2*time.Second, cfg.GPIO.RequestTimeout)
	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel)
}

func TestServerArgs(t *testing.T) {
	cfg := validConfig()
	cfg.ConfigFile = "/etc/gpio-chat.yaml"
	cfg.Log.Level = "warn"
	cfg.GPIO.ServerArgs = []string{"--extra"}

	assert.Equal(t,
		[]string{"--extra", "--config", "/etc/gpio-chat.yaml", "--gpio-driver", "sim", "--log-level", "warn"},
		cfg.ServerArgs())
}

func TestValidate_Valid(t *testing.T) {
	cfg := validConfig()
	cfg.validate() // should not panic
}

func TestValidate_Problems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty allow-list", func(c *Config) { c.GPIO.ValidPins = nil }},
		{"duplicate pin", func(c *Config) { c.GPIO.ValidPins = []int{17, 17} }},
		{"out of range pin", func(c *Config) { c.GPIO.ValidPins = []int{40} }},
		{"unknown driver", func(c *Config) { c.GPIO.Driver = "wiringpi" }},
		{"zero request timeout", func(c *Config) { c.GPIO.RequestTimeout = 0 }},
		{"negative restarts", func(c *Config) { c.GPIO.MaxRestarts = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			defer func() {
				if r := recover(); r == nil {
					t.Fatal("expected panic, but got none")
				}
			}()

			cfg.validate()
		})
	}
}
