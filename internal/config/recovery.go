package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// RecoveryConfig holds the retry ceilings and sweep tuning. It is hot-reloaded from recovery.yml.
type RecoveryConfig struct {
	MaxRetry           int           `mapstructure:"maxRetry"`
	MaxNotifyRetry     int           `mapstructure:"maxNotifyRetry"`
	PageSize           int           `mapstructure:"pageSize"`
	RenderTimeout      time.Duration `mapstructure:"renderTimeout"`
	SweepInterval      time.Duration `mapstructure:"sweepInterval"`
	LockTTL            time.Duration `mapstructure:"lockTTL"`
	MaxConflictRetries int           `mapstructure:"maxConflictRetries"`
	// StaleInsertedAfter is how long an INSERTED receipt may wait for its worker before sweeps pick it up.
	StaleInsertedAfter time.Duration `mapstructure:"staleInsertedAfter"`
	// StaleGeneratedAfter is how long a GENERATED receipt may wait for its notification before sweeps resend it.
	StaleGeneratedAfter time.Duration `mapstructure:"staleGeneratedAfter"`
}

func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MaxRetry:            5,
		MaxNotifyRetry:      5,
		PageSize:            100,
		RenderTimeout:       30 * time.Second,
		SweepInterval:       10 * time.Minute,
		LockTTL:             5 * time.Minute,
		MaxConflictRetries:  3,
		StaleInsertedAfter:  time.Hour,
		StaleGeneratedAfter: time.Hour,
	}
}

type RecoveryConfigHolder struct {
	current atomic.Value // holds RecoveryConfig
}

// NewStaticRecoveryConfigHolder returns a holder that never reloads.
func NewStaticRecoveryConfigHolder(cfg RecoveryConfig) *RecoveryConfigHolder {
	holder := &RecoveryConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewRecoveryConfigHolder(log *zap.Logger) (*RecoveryConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.recovery")

	v := viper.New()

	v.SetConfigName("recovery")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/receiptflow")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RECEIPTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultRecoveryConfig()
	v.SetDefault("recovery.maxRetry", defaults.MaxRetry)
	v.SetDefault("recovery.maxNotifyRetry", defaults.MaxNotifyRetry)
	v.SetDefault("recovery.pageSize", defaults.PageSize)
	v.SetDefault("recovery.renderTimeout", defaults.RenderTimeout)
	v.SetDefault("recovery.sweepInterval", defaults.SweepInterval)
	v.SetDefault("recovery.lockTTL", defaults.LockTTL)
	v.SetDefault("recovery.maxConflictRetries", defaults.MaxConflictRetries)
	v.SetDefault("recovery.staleInsertedAfter", defaults.StaleInsertedAfter)
	v.SetDefault("recovery.staleGeneratedAfter", defaults.StaleGeneratedAfter)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg RecoveryConfig
	if err := v.UnmarshalKey("recovery", &cfg); err != nil {
		return nil, err
	}
	if err := validateRecoveryConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticRecoveryConfigHolder(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated RecoveryConfig
		if err := v.UnmarshalKey("recovery", &updated); err != nil {
			log.Warn("recovery config reload failed", zap.Error(err))
			return
		}
		if err := validateRecoveryConfig(updated); err != nil {
			log.Warn("invalid recovery config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("recovery config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *RecoveryConfigHolder) Get() RecoveryConfig {
	if h == nil {
		return DefaultRecoveryConfig()
	}
	cfg, ok := h.current.Load().(RecoveryConfig)
	if !ok {
		return DefaultRecoveryConfig()
	}
	return cfg
}

func validateRecoveryConfig(cfg RecoveryConfig) error {
	if cfg.MaxRetry <= 0 {
		return errors.New("recovery.maxRetry must be positive")
	}
	if cfg.MaxNotifyRetry <= 0 {
		return errors.New("recovery.maxNotifyRetry must be positive")
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 1000 {
		return errors.New("recovery.pageSize must be within 1..1000")
	}
	if cfg.RenderTimeout <= 0 {
		return errors.New("recovery.renderTimeout must be positive")
	}
	if cfg.MaxConflictRetries < 0 {
		return errors.New("recovery.maxConflictRetries cannot be negative")
	}
	if cfg.StaleInsertedAfter <= 0 || cfg.StaleGeneratedAfter <= 0 {
		return errors.New("recovery stale thresholds must be positive")
	}
	return nil
}
