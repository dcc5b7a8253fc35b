package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultValidPins is the BCM allow-list for a Raspberry Pi 400, leaving out
// the I2C (2, 3), UART (14, 15) and SPI (7-11) pins.
var DefaultValidPins = []int{4, 5, 6, 12, 13, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27}

const maxBCMPin = 27

var knownDrivers = []string{"pinctrl", "periph", "sim"}

type Server struct {
	Port int `mapstructure:"port"`
}

type Log struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type Chat struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`

	// TrustUnpromptedDirectives honours a directive in the reply even when
	// the question did not look like a hardware command.
	TrustUnpromptedDirectives bool `mapstructure:"trust_unprompted_directives"`
}

type GPIO struct {
	Enabled   bool   `mapstructure:"enabled"`
	Driver    string `mapstructure:"driver"`
	ValidPins []int  `mapstructure:"valid_pins"`

	ServerCommand string   `mapstructure:"server_command"`
	ServerArgs    []string `mapstructure:"server_args"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	StartTimeout   time.Duration `mapstructure:"start_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	MaxRestarts    int           `mapstructure:"max_restarts"`
}

type DB struct {
	Path string `mapstructure:"path"`
}

type Datadog struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addr      string   `mapstructure:"addr"`
	Namespace string   `mapstructure:"namespace"`
	Tags      []string `mapstructure:"tags"`
}

type Notifications struct {
	NtfyTopic string `mapstructure:"ntfy_topic"`
	BaseURL   string `mapstructure:"base_url"`
}

type Config struct {
	ConfigFile string        `mapstructure:"-"`
	LogLevel   zerolog.Level `mapstructure:"-"`

	Server        Server        `mapstructure:"server"`
	Log           Log           `mapstructure:"log"`
	Chat          Chat          `mapstructure:"chat"`
	GPIO          GPIO          `mapstructure:"gpio"`
	DB            DB            `mapstructure:"db"`
	Datadog       Datadog       `mapstructure:"datadog"`
	Notifications Notifications `mapstructure:"notifications"`
}

// Flags returns the flag set shared by every binary. Callers may add their
// own flags before passing it to Load.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "Path to config file (yaml or json)")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	fs.Int("port", 5000, "HTTP listen port")
	fs.String("gpio-driver", "pinctrl", "GPIO driver (pinctrl, periph, sim)")
	fs.String("db", "data/gpio-chat.db", "Path to the SQLite journal, empty to disable")
	return fs
}

// Load parses args into fs and builds the config from defaults, the config
// file, GPIOCHAT_* environment variables and flags. It panics on any error,
// since nothing useful can run on a broken config.
func Load(fs *pflag.FlagSet, args []string) Config {
	cfg, err := load(fs, args)
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}
	cfg.validate()
	return cfg
}

func load(fs *pflag.FlagSet, args []string) (Config, error) {
	var cfg Config

	if err := fs.Parse(args); err != nil {
		return cfg, fmt.Errorf("parsing flags: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	binds := map[string]string{
		"log.level":   "log-level",
		"server.port": "port",
		"gpio.driver": "gpio-driver",
		"db.path":     "db",
	}
	for key, flagName := range binds {
		if f := fs.Lookup(flagName); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return cfg, fmt.Errorf("binding flag %s: %w", flagName, err)
			}
		}
	}

	v.SetEnvPrefix("GPIOCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("chat.api_key", "GPIOCHAT_CHAT_API_KEY", "OPENAI_API_KEY"); err != nil {
		return cfg, fmt.Errorf("binding api key env: %w", err)
	}

	configFile, _ := fs.GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.ConfigFile = configFile
	cfg.LogLevel = parseLogLevel(cfg.Log.Level)
	cfg.Chat.APIKey = resolveEnvRef(cfg.Chat.APIKey)
	cfg.Notifications.NtfyTopic = resolveEnvRef(cfg.Notifications.NtfyTopic)

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("chat.api_key", "")
	v.SetDefault("chat.base_url", "https://api.openai.com/v1")
	v.SetDefault("chat.model", "gpt-3.5-turbo")
	v.SetDefault("chat.max_tokens", 1000)
	v.SetDefault("chat.temperature", 0.7)
	v.SetDefault("chat.timeout", "30s")
	v.SetDefault("chat.trust_unprompted_directives", false)
	v.SetDefault("gpio.enabled", true)
	v.SetDefault("gpio.driver", "pinctrl")
	v.SetDefault("gpio.valid_pins", DefaultValidPins)
	v.SetDefault("gpio.server_command", "gpio-server")
	v.SetDefault("gpio.server_args", []string{})
	v.SetDefault("gpio.request_timeout", "5s")
	v.SetDefault("gpio.start_timeout", "10s")
	v.SetDefault("gpio.shutdown_grace", "3s")
	v.SetDefault("gpio.max_restarts", 1)
	v.SetDefault("db.path", "data/gpio-chat.db")
	v.SetDefault("datadog.enabled", false)
	v.SetDefault("datadog.addr", "127.0.0.1:8125")
	v.SetDefault("datadog.namespace", "gpio_chat.")
	v.SetDefault("datadog.tags", []string{})
	v.SetDefault("notifications.ntfy_topic", "")
	v.SetDefault("notifications.base_url", "https://ntfy.sh")
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// resolveEnvRef replaces a "${VAR_NAME}" value with the named env var.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		if envVal := os.Getenv(val[2 : len(val)-1]); envVal != "" {
			return envVal
		}
	}
	return val
}

// ServerArgs returns the arguments for spawning gpio-server so that the
// child sees the same config file and driver as the parent.
func (cfg *Config) ServerArgs() []string {
	args := append([]string{}, cfg.GPIO.ServerArgs...)
	if cfg.ConfigFile != "" {
		args = append(args, "--config", cfg.ConfigFile)
	}
	args = append(args, "--gpio-driver", cfg.GPIO.Driver, "--log-level", cfg.Log.Level)
	return args
}

func (cfg *Config) validate() {
	if err := cfg.check(); err != nil {
		panic("Invalid config: " + err.Error())
	}
}

func (cfg *Config) check() error {
	var (
		problems []string
		usedPins = map[int]bool{}
	)

	if len(cfg.GPIO.ValidPins) == 0 {
		problems = append(problems, "gpio.valid_pins is empty")
	}
	for _, pin := range cfg.GPIO.ValidPins {
		if pin < 0 || pin > maxBCMPin {
			problems = append(problems, fmt.Sprintf("gpio.valid_pins: %d is not a BCM GPIO number", pin))
			continue
		}
		if usedPins[pin] {
			problems = append(problems, fmt.Sprintf("gpio.valid_pins: pin %d listed twice", pin))
		}
		usedPins[pin] = true
	}

	if !contains(knownDrivers, cfg.GPIO.Driver) {
		problems = append(problems, fmt.Sprintf("gpio.driver %q is not one of %s", cfg.GPIO.Driver, strings.Join(knownDrivers, ", ")))
	}
	if cfg.GPIO.RequestTimeout <= 0 {
		problems = append(problems, "gpio.request_timeout must be positive")
	}
	if cfg.GPIO.StartTimeout <= 0 {
		problems = append(problems, "gpio.start_timeout must be positive")
	}
	if cfg.GPIO.MaxRestarts < 0 {
		problems = append(problems, "gpio.max_restarts must not be negative")
	}
	if cfg.Chat.Timeout <= 0 {
		problems = append(problems, "chat.timeout must be positive")
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func contains(list []string, val string) bool {
	for _, s := range list {
		if s == val {
			return true
		}
	}
	return false
}
