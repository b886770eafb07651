package app

import (
	"time"

	"github.com/Keralin/WodSniper/internal/config"
	"github.com/Keralin/WodSniper/internal/detector"
	"github.com/Keralin/WodSniper/internal/notify"
	"github.com/Keralin/WodSniper/internal/orchestrator"
	"github.com/Keralin/WodSniper/internal/refresher"
	"github.com/Keralin/WodSniper/internal/storage"
	"github.com/Keralin/WodSniper/internal/wodbuster"
	logx "github.com/Keralin/WodSniper/pkg/logx"
)

// Mapping helpers translate the file config into component configs. All of
// them assume cfg passed Validate, so duration errors are programming errors
// and fall back to defaults.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapWodBusterConfig(cfg *config.Config, boxURL string) (wodbuster.Config, error) {
	timeout, err := config.ParseDurationOrDefault("wodbuster.timeout", cfg.WodBuster.Timeout, 15*time.Second)
	if err != nil {
		return wodbuster.Config{}, err
	}
	return wodbuster.Config{
		BoxURL:          boxURL,
		Timeout:         timeout,
		FlareSolverrURL: cfg.WodBuster.FlareSolverrURL,
		UserAgent:       cfg.WodBuster.UserAgent,
	}, nil
}

func mapDetectorConfig(cfg *config.Config) (detector.Config, error) {
	poll, err := config.ParseDurationOrDefault("detector.poll_interval", cfg.Detector.PollInterval, time.Minute)
	if err != nil {
		return detector.Config{}, err
	}
	refresh, err := config.ParseDurationOrDefault("detector.refresh_lead", cfg.Detector.RefreshLead, 10*time.Minute)
	if err != nil {
		return detector.Config{}, err
	}
	book, err := config.ParseDurationOrDefault("detector.book_lead", cfg.Detector.BookLead, 5*time.Minute)
	if err != nil {
		return detector.Config{}, err
	}
	return detector.Config{
		PollInterval: poll,
		RefreshLead:  refresh,
		BookLead:     book,
		Location:     cfg.Location(),
	}, nil
}

func mapBookingConfig(cfg *config.Config) (orchestrator.Config, error) {
	retry, err := config.ParseDurationOrDefault("booking.retry_delay", cfg.Booking.RetryDelay, time.Second)
	if err != nil {
		return orchestrator.Config{}, err
	}
	spinT, err := config.ParseDurationOrDefault("booking.spin_threshold", cfg.Booking.SpinThreshold, time.Second)
	if err != nil {
		return orchestrator.Config{}, err
	}
	spinI, err := config.ParseDurationOrDefault("booking.spin_interval", cfg.Booking.SpinInterval, 10*time.Millisecond)
	if err != nil {
		return orchestrator.Config{}, err
	}
	return orchestrator.Config{
		MaxAttempts:      cfg.Booking.MaxAttempts,
		RetryDelay:       retry,
		MaxParallelUsers: cfg.Booking.MaxParallelUsers,
		SpinThreshold:    spinT,
		SpinInterval:     spinI,
	}, nil
}

func mapRefresherConfig(cfg *config.Config) (refresher.Config, error) {
	delay, err := config.ParseDurationOrDefault("refresher.user_delay", cfg.Refresher.UserDelay, 2*time.Second)
	if err != nil {
		return refresher.Config{}, err
	}
	return refresher.Config{UserDelay: delay}, nil
}

func mapNotifierConfig(cfg *config.Config) (notify.Config, error) {
	// An omitted section means enabled with defaults.
	n := cfg.Notifier
	if n == nil {
		return notify.Config{Enabled: true}, nil
	}
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:       n.Enabled,
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (notify.TelegramConfig, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return notify.TelegramConfig{}, err
	}
	return notify.TelegramConfig{Token: cfg.Telegram.Token, PollTimeout: poll}, nil
}
