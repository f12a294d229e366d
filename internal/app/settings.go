package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/creasty/defaults"

	"autotrader/internal/ports"
	"autotrader/internal/risk"
)

// Settings store keys.
const (
	KeyScanInterval   = "SCAN_INTERVAL" // seconds
	KeyTopNSignals    = "TOP_N_SIGNALS"
	KeyMaxDrawdown    = "MAX_DRAWDOWN"
	KeyMaxDailyTrades = "MAX_DAILY_TRADES"
	KeyMaxPositionPct = "MAX_POSITION_PCT"
	KeyStats          = "AUTOMATION_STATS"
)

// SettingKeys lists the tunables UpdateSettings accepts.
var SettingKeys = []string{KeyScanInterval, KeyTopNSignals, KeyMaxDrawdown, KeyMaxDailyTrades, KeyMaxPositionPct}

// Settings are the runtime tunables of the automation loop.
type Settings struct {
	ScanInterval   time.Duration `json:"scan_interval" default:"1h"`
	MaxSignals     int           `json:"max_signals" default:"5"`
	MaxDrawdownPct float64       `json:"max_drawdown_pct" default:"20"`
	MaxDailyTrades int           `json:"max_daily_trades" default:"50"`
	MaxPositionPct float64       `json:"max_position_pct" default:"5"`
}

// DefaultSettings returns the settings used when the store has no value.
func DefaultSettings() Settings {
	var s Settings
	if err := defaults.Set(&s); err != nil {
		// tags are static
		panic(err)
	}
	return s
}

// Limits converts the settings into risk gate thresholds.
func (s Settings) Limits() risk.Limits {
	return risk.Limits{MaxDrawdownPct: s.MaxDrawdownPct, MaxDailyTrades: s.MaxDailyTrades, MaxPositionPct: s.MaxPositionPct}
}

// apply parses value for key into s. Values must be positive, except the
// position cap where 0 disables it.
func (s *Settings) apply(key, value string) error {
	switch key {
	case KeyScanInterval:
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: %s must be a positive number of seconds, got %q", ports.ErrInvalidRequest, key, value)
		}
		s.ScanInterval = time.Duration(n) * time.Second
	case KeyTopNSignals, KeyMaxDailyTrades:
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: %s must be a positive integer, got %q", ports.ErrInvalidRequest, key, value)
		}
		if key == KeyTopNSignals {
			s.MaxSignals = n
		} else {
			s.MaxDailyTrades = n
		}
	case KeyMaxDrawdown:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f <= 0 || f > 100 {
			return fmt.Errorf("%w: %s must be a percentage in (0, 100], got %q", ports.ErrInvalidRequest, key, value)
		}
		s.MaxDrawdownPct = f
	case KeyMaxPositionPct:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 || f > 100 {
			return fmt.Errorf("%w: %s must be a percentage in [0, 100], got %q", ports.ErrInvalidRequest, key, value)
		}
		s.MaxPositionPct = f
	default:
		return fmt.Errorf("%w: unknown setting %q", ports.ErrInvalidRequest, key)
	}
	return nil
}

// LoadSettings reads the tunables from store. Missing keys keep their default;
// unreadable or invalid values keep their default and produce a warning.
func LoadSettings(ctx context.Context, store ports.SettingsStore) (Settings, []string) {
	s := DefaultSettings()
	var warnings []string
	for _, key := range SettingKeys {
		value, ok, err := store.GetSetting(ctx, key)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to read %s, using default: %v", key, err))
			continue
		}
		if !ok || value == "" {
			continue
		}
		if err := s.apply(key, value); err != nil {
			warnings = append(warnings, fmt.Sprintf("invalid %s, using default: %v", key, err))
		}
	}
	return s, warnings
}

// EncodeSettings renders s as store values.
func EncodeSettings(s Settings) map[string]string {
	return map[string]string{
		KeyScanInterval:   strconv.Itoa(int(s.ScanInterval / time.Second)),
		KeyTopNSignals:    strconv.Itoa(s.MaxSignals),
		KeyMaxDrawdown:    strconv.FormatFloat(s.MaxDrawdownPct, 'f', -1, 64),
		KeyMaxDailyTrades: strconv.Itoa(s.MaxDailyTrades),
		KeyMaxPositionPct: strconv.FormatFloat(s.MaxPositionPct, 'f', -1, 64),
	}
}
