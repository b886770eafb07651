package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	// Timezone is the IANA zone gym opening schedules are expressed in.
	// Defaults to UTC.
	Timezone string `json:"timezone,omitempty"`

	Logging   LoggingConfig    `json:"logging"`
	Storage   StorageConfig    `json:"storage"`
	Secrets   SecretsConfig    `json:"secrets"`
	WodBuster WodBusterConfig  `json:"wodbuster"`
	Detector  DetectorConfig   `json:"detector"`
	Booking   BookingConfig    `json:"booking"`
	Refresher RefresherConfig  `json:"refresher"`
	Telegram  TelegramConfig   `json:"telegram"`
	Notifier  *NotifierConfig  `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SecretsConfig holds the master secret used to encrypt stored upstream
// passwords. Rotating it invalidates every stored credential.
type SecretsConfig struct {
	Key string `json:"key"`
}

type WodBusterConfig struct {
	// Timeout bounds every upstream HTTP request. Default "15s".
	Timeout string `json:"timeout,omitempty"`
	// FlareSolverrURL, when set, routes login traffic through a FlareSolverr
	// instance before falling back to direct requests.
	FlareSolverrURL string `json:"flaresolverr_url,omitempty"`
	// UserAgent overrides the default browser-like User-Agent.
	UserAgent string `json:"user_agent,omitempty"`
}

// DetectorConfig controls the booking-window scanner.
//
// All durations are Go duration strings (e.g. "30s", "5m").
type DetectorConfig struct {
	Enabled bool `json:"enabled"`
	// PollInterval is how often gym schedules are scanned. Default "1m".
	PollInterval string `json:"poll_interval,omitempty"`
	// RefreshLead is how far before the opening the session refresh fires.
	// Default "10m".
	RefreshLead string `json:"refresh_lead,omitempty"`
	// BookLead is how far before the opening the booking run starts.
	// Default "5m".
	BookLead string `json:"book_lead,omitempty"`
}

// BookingConfig controls the parallel booking run.
type BookingConfig struct {
	// MaxAttempts per booking before giving up. Default 3.
	MaxAttempts int `json:"max_attempts,omitempty"`
	// RetryDelay between attempts. Default "1s".
	RetryDelay string `json:"retry_delay,omitempty"`
	// MaxParallelUsers bounds the booking fan-out. Default 50.
	MaxParallelUsers int `json:"max_parallel_users,omitempty"`
	// SpinThreshold is how close to the opening instant the coarse sleep
	// hands over to the spin loop. Default "1s".
	SpinThreshold string `json:"spin_threshold,omitempty"`
	// SpinInterval is the spin-loop poll period. Default "10ms".
	SpinInterval string `json:"spin_interval,omitempty"`
}

type RefresherConfig struct {
	// UserDelay spaces out logins between users of the same gym. Default "2s".
	UserDelay string `json:"user_delay,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// LogChatID is the chat warnings and errors are forwarded to when
	// logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
}

// Validate checks cross-field constraints that the strict decoder can't.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if strings.TrimSpace(c.Secrets.Key) == "" {
		return fmt.Errorf("secrets.key is required")
	}
	for _, f := range []struct {
		path string
		raw  string
	}{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"wodbuster.timeout", c.WodBuster.Timeout},
		{"detector.poll_interval", c.Detector.PollInterval},
		{"detector.refresh_lead", c.Detector.RefreshLead},
		{"detector.book_lead", c.Detector.BookLead},
		{"booking.retry_delay", c.Booking.RetryDelay},
		{"booking.spin_threshold", c.Booking.SpinThreshold},
		{"booking.spin_interval", c.Booking.SpinInterval},
		{"refresher.user_delay", c.Refresher.UserDelay},
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if n := c.Notifier; n != nil {
		if _, err := ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
			return err
		}
		if _, err := ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
			return err
		}
	}
	if c.Booking.MaxAttempts < 0 {
		return fmt.Errorf("booking.max_attempts must be >= 0")
	}
	if c.Booking.MaxParallelUsers < 0 {
		return fmt.Errorf("booking.max_parallel_users must be >= 0")
	}
	return nil
}

// Location resolves the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
