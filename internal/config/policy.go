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

// GatewayPolicy holds the operator-tunable knobs of the consent and token
// flows. It is reloaded from openbanking.yml without a restart.
type GatewayPolicy struct {
	AuthorizationCodeTTL time.Duration `mapstructure:"authorization_code_ttl"`
	AccessTokenTTL       time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL      time.Duration `mapstructure:"refresh_token_ttl"`
	MaxConsentValidity   time.Duration `mapstructure:"max_consent_validity"`

	ScopesSupported []string `mapstructure:"scopes_supported"`

	DefaultRateLimitPerMinute int `mapstructure:"default_rate_limit_per_minute"`
	DefaultRateLimitPerDay    int `mapstructure:"default_rate_limit_per_day"`
}

func DefaultGatewayPolicy() GatewayPolicy {
	return GatewayPolicy{
		AuthorizationCodeTTL:      10 * time.Minute,
		AccessTokenTTL:            time.Hour,
		RefreshTokenTTL:           30 * 24 * time.Hour,
		MaxConsentValidity:        180 * 24 * time.Hour,
		ScopesSupported:           []string{"openid", "profile", "email", "accounts", "balances", "transactions", "payments"},
		DefaultRateLimitPerMinute: 60,
		DefaultRateLimitPerDay:    10000,
	}
}

type PolicyHolder struct {
	current atomic.Value // holds GatewayPolicy
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(policy GatewayPolicy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewPolicyHolder(cfg Config, log *zap.Logger) (*PolicyHolder, error) {
	log = log.Named("config.policy")
	v := viper.New()

	if cfg.PolicyPath != "" {
		v.SetConfigFile(cfg.PolicyPath)
	} else {
		v.SetConfigName("openbanking")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/obgateway")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("OBGATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setPolicyDefaults(v, DefaultGatewayPolicy())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Info("no policy file found, using defaults")
	}

	policy, err := decodePolicy(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticPolicyHolder(policy)

	if v.ConfigFileUsed() != "" {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodePolicy(v)
			if err != nil {
				log.Warn("policy reload rejected", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("policy reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *PolicyHolder) Get() GatewayPolicy {
	return h.current.Load().(GatewayPolicy)
}

func setPolicyDefaults(v *viper.Viper, p GatewayPolicy) {
	v.SetDefault("openbanking.authorization_code_ttl", p.AuthorizationCodeTTL)
	v.SetDefault("openbanking.access_token_ttl", p.AccessTokenTTL)
	v.SetDefault("openbanking.refresh_token_ttl", p.RefreshTokenTTL)
	v.SetDefault("openbanking.max_consent_validity", p.MaxConsentValidity)
	v.SetDefault("openbanking.scopes_supported", p.ScopesSupported)
	v.SetDefault("openbanking.default_rate_limit_per_minute", p.DefaultRateLimitPerMinute)
	v.SetDefault("openbanking.default_rate_limit_per_day", p.DefaultRateLimitPerDay)
}

func decodePolicy(v *viper.Viper) (GatewayPolicy, error) {
	// Read leaf keys one by one: UnmarshalKey on the parent drops defaults
	// for keys missing from the file.
	policy := GatewayPolicy{
		AuthorizationCodeTTL:      v.GetDuration("openbanking.authorization_code_ttl"),
		AccessTokenTTL:            v.GetDuration("openbanking.access_token_ttl"),
		RefreshTokenTTL:           v.GetDuration("openbanking.refresh_token_ttl"),
		MaxConsentValidity:        v.GetDuration("openbanking.max_consent_validity"),
		ScopesSupported:           v.GetStringSlice("openbanking.scopes_supported"),
		DefaultRateLimitPerMinute: v.GetInt("openbanking.default_rate_limit_per_minute"),
		DefaultRateLimitPerDay:    v.GetInt("openbanking.default_rate_limit_per_day"),
	}
	if err := validatePolicy(policy); err != nil {
		return GatewayPolicy{}, err
	}
	return policy, nil
}

func validatePolicy(p GatewayPolicy) error {
	if p.AuthorizationCodeTTL <= 0 || p.AccessTokenTTL <= 0 || p.RefreshTokenTTL <= 0 {
		return errors.New("openbanking token lifetimes must be positive")
	}
	if p.RefreshTokenTTL < p.AccessTokenTTL {
		return errors.New("openbanking.refresh_token_ttl must not be shorter than access_token_ttl")
	}
	if p.MaxConsentValidity <= 0 {
		return errors.New("openbanking.max_consent_validity must be positive")
	}
	if len(p.ScopesSupported) == 0 {
		return errors.New("openbanking.scopes_supported cannot be empty")
	}
	if p.DefaultRateLimitPerMinute <= 0 || p.DefaultRateLimitPerDay <= 0 {
		return errors.New("openbanking default rate limits must be positive")
	}
	return nil
}
