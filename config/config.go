package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"autotrader/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	// Trading mode
	Mode domain.Mode `env:"TRADING_MODE" default:"virtual" validate:"oneof=virtual real"`

	// Binance API
	APIKey    string `env:"BINANCE_API_KEY"`
	SecretKey string `env:"BINANCE_API_SECRET"`
	IsTestnet bool   `env:"IS_TESTNET" default:"true"`

	// Database
	DBPath string `env:"DB_PATH" default:"./data/autotrader.db" validate:"required"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" default:"INFO"`
	LogFormat string `env:"LOG_FORMAT" default:"json" validate:"oneof=json console"`

	// Control API
	HTTPAddr string `env:"HTTP_ADDR" default:":8080"`

	// Collaborators
	SignalSourceURL   string `env:"SIGNAL_SOURCE_URL"`
	DiscordWebhookURL string `env:"DISCORD_WEBHOOK_URL"`
	SettingsFile      string `env:"SETTINGS_FILE"` // Optional YAML/JSON seed for the settings store

	// Execution
	QuoteAsset            string   `env:"QUOTE_ASSET" default:"USDT" validate:"required"`
	Symbols               []string `env:"SYMBOLS"` // Simulated-mode symbol list when the exchange is not reachable
	VirtualStartBalance   float64  `env:"VIRTUAL_START_BALANCE" default:"100" validate:"gt=0"`
	DefaultLeverage       int      `env:"DEFAULT_LEVERAGE" default:"1" validate:"gte=1,lte=125"`
	TakeProfitPct         float64  `env:"TAKE_PROFIT_PCT" default:"30" validate:"gt=0"`
	StopLossPct           float64  `env:"STOP_LOSS_PCT" default:"10" validate:"gt=0,lt=100"`
	RequestTimeoutSeconds int      `env:"REQUEST_TIMEOUT_SECONDS" default:"10" validate:"gt=0"`
	MaxRetries            int      `env:"MAX_RETRIES" default:"2" validate:"gte=0,lte=10"`
	SettleDelayMS         int      `env:"SETTLE_DELAY_MS" default:"1000" validate:"gte=0"`
	AutoStart             bool     `env:"AUTO_START" default:"false"`

	RequestTimeout time.Duration // Derived from RequestTimeoutSeconds
	SettleDelay    time.Duration // Derived from SettleDelayMS
}

// LoadConfig loads configuration from the environment and an optional .env file.
//
// Tunables that are malformed or out of range fall back to their defaults and
// are reported as warnings. Only missing credentials in real mode are errors.
func LoadConfig() (*Config, []string, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()
	return load(env.ToMap(os.Environ()))
}

func load(environ map[string]string) (*Config, []string, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, nil, fmt.Errorf("applying config defaults: %w", err)
	}

	// blank values keep the default
	set := make(map[string]string, len(environ))
	for k, v := range environ {
		if v = strings.TrimSpace(v); v != "" {
			set[k] = v
		}
	}

	var warnings []string
	if err := env.ParseWithOptions(cfg, env.Options{Environment: set}); err != nil {
		var agg env.AggregateError
		if !errors.As(err, &agg) {
			return nil, nil, fmt.Errorf("parsing environment: %w", err)
		}
		for _, e := range agg.Errors {
			var pe env.ParseError
			if !errors.As(e, &pe) {
				return nil, nil, fmt.Errorf("parsing environment: %w", e)
			}
			key := envKey(pe.Name)
			warnings = append(warnings, fmt.Sprintf("invalid %s %q, using default: %v", key, set[key], pe.Err))
		}
	}
	cfg.Mode = domain.Mode(strings.ToLower(string(cfg.Mode)))
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	cfg.Symbols = normalizeSymbols(cfg.Symbols)

	warnings = append(warnings, validateTunables(cfg)...)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	cfg.SettleDelay = time.Duration(cfg.SettleDelayMS) * time.Millisecond

	if cfg.Mode == domain.ModeReal {
		var errs []string
		if cfg.APIKey == "" {
			errs = append(errs, "BINANCE_API_KEY must be set in real mode")
		}
		if cfg.SecretKey == "" {
			errs = append(errs, "BINANCE_API_SECRET must be set in real mode")
		}
		if len(errs) > 0 {
			return nil, warnings, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
		}
	}
	return cfg, warnings, nil
}

// validateTunables resets every field failing its validate tag to the default.
func validateTunables(cfg *Config) []string {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{fmt.Sprintf("config validation: %v", err)}
	}

	def := &Config{}
	_ = defaults.Set(def)
	v, dv := reflect.ValueOf(cfg).Elem(), reflect.ValueOf(def).Elem()

	var warnings []string
	for _, fe := range verrs {
		field := v.FieldByName(fe.StructField())
		if !field.IsValid() {
			continue
		}
		field.Set(dv.FieldByName(fe.StructField()))
		warnings = append(warnings, fmt.Sprintf("%s fails %q, using default %v", envKey(fe.StructField()), fe.Tag(), field.Interface()))
	}
	return warnings
}

// envKey returns the variable a Config field is read from.
func envKey(field string) string {
	if f, ok := reflect.TypeOf(Config{}).FieldByName(field); ok {
		return f.Tag.Get("env")
	}
	return field
}

func normalizeSymbols(raw []string) []string {
	var out []string
	for _, s := range raw {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// LoadSettingsSeed reads a flat YAML (or JSON) mapping of settings keys to
// scalar values. Keys are upper-cased.
func LoadSettingsSeed(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings file %s: %w", path, err)
	}
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing settings file %s: %w", path, err)
	}

	out := make(map[string]string, len(raw))
	for key, value := range raw {
		switch value.(type) {
		case map[string]interface{}, []interface{}:
			return nil, fmt.Errorf("parsing settings file %s: %s must be a scalar", path, key)
		case nil:
			continue
		}
		out[strings.ToUpper(key)] = fmt.Sprint(value)
	}
	return out, nil
}
