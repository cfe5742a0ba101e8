package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Policy holds product decisions that operators change without a deploy.
type Policy struct {
	Payments PaymentPolicy `mapstructure:"payments"`
	Signing  SigningPolicy `mapstructure:"signing"`
}

type PaymentPolicy struct {
	AutoPay AutoPayPolicy `mapstructure:"autopay"`
}

type AutoPayPolicy struct {
	Enabled bool `mapstructure:"enabled"`
	// RequireCVV forces off-session charges through client confirmation
	// instead of charging the saved card directly.
	RequireCVV bool `mapstructure:"requireCVV"`
	// MaxAttemptsPerDay bounds how often one contract is charged by the scheduler.
	MaxAttemptsPerDay int `mapstructure:"maxAttemptsPerDay"`
}

type SigningPolicy struct {
	AllowedSignatureTypes []string `mapstructure:"allowedSignatureTypes"`
}

func DefaultPolicy() Policy {
	return Policy{
		Payments: PaymentPolicy{
			AutoPay: AutoPayPolicy{
				Enabled:           true,
				RequireCVV:        false,
				MaxAttemptsPerDay: 1,
			},
		},
		Signing: SigningPolicy{
			AllowedSignatureTypes: []string{"image/png", "image/jpeg", "image/webp", "image/svg+xml"},
		},
	}
}

type PolicyHolder struct {
	current atomic.Value // holds Policy
}

// NewStaticPolicyHolder pins a policy, for tests and one-shot commands.
func NewStaticPolicyHolder(p Policy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(p)
	return holder
}

// NewPolicyHolder reads policy.yml and keeps it current as the file changes.
func NewPolicyHolder(log *zap.Logger) (*PolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.policy")

	v := viper.New()
	v.SetConfigName("policy")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/signflow/config")
	v.AddConfigPath("/etc/signflow")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SIGNFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPolicy()
	v.SetDefault("payments.autopay.enabled", defaults.Payments.AutoPay.Enabled)
	v.SetDefault("payments.autopay.requireCVV", defaults.Payments.AutoPay.RequireCVV)
	v.SetDefault("payments.autopay.maxAttemptsPerDay", defaults.Payments.AutoPay.MaxAttemptsPerDay)
	v.SetDefault("signing.allowedSignatureTypes", defaults.Signing.AllowedSignatureTypes)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var p Policy
	if err := v.Unmarshal(&p); err != nil {
		return nil, err
	}
	if err := validatePolicy(p); err != nil {
		return nil, err
	}

	holder := &PolicyHolder{}
	holder.current.Store(p)

	if !fileFound {
		log.Info("policy file not found, using defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Policy
		if err := v.Unmarshal(&updated); err != nil {
			log.Warn("policy reload failed", zap.Error(err))
			return
		}
		if err := validatePolicy(updated); err != nil {
			log.Warn("invalid policy ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("policy reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PolicyHolder) Get() Policy {
	if h == nil {
		return DefaultPolicy()
	}
	p, ok := h.current.Load().(Policy)
	if !ok {
		return DefaultPolicy()
	}
	return p
}

func validatePolicy(p Policy) error {
	if p.Payments.AutoPay.MaxAttemptsPerDay < 0 {
		return errors.New("payments.autopay.maxAttemptsPerDay cannot be negative")
	}
	if len(p.Signing.AllowedSignatureTypes) == 0 {
		return errors.New("signing.allowedSignatureTypes cannot be empty")
	}
	for _, t := range p.Signing.AllowedSignatureTypes {
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(t)), "image/") {
			return errors.New("signing.allowedSignatureTypes only accepts image types")
		}
	}
	return nil
}
