package clubos

import (
	"gymbot-backend/internal/components/retry"
	"gymbot-backend/lib/configutil"
)

type RetryConfig struct {
	MaxAttempts    int                 `json:"max_attempts"`
	BaseDelay      configutil.Duration `json:"base_delay"`
	MaxDelay       configutil.Duration `json:"max_delay"`
	AttemptTimeout configutil.Duration `json:"attempt_timeout"`
}

// Policy fills in the defaults for anything left unset.
func (c RetryConfig) Policy() retry.Policy {
	policy := retry.DefaultPolicy()
	if c.MaxAttempts > 0 {
		policy.MaxAttempts = c.MaxAttempts
	}
	if c.BaseDelay > 0 {
		policy.BaseDelay = c.BaseDelay.Std()
	}
	if c.MaxDelay > 0 {
		policy.MaxDelay = c.MaxDelay.Std()
	}
	if c.AttemptTimeout > 0 {
		policy.AttemptTimeout = c.AttemptTimeout.Std()
	}
	return policy
}

// Config is the json5 representation of Options.
type Config struct {
	BaseUrl          string              `json:"base_url"`
	ClubId           string              `json:"club_id"`
	UserAgent        string              `json:"user_agent"`
	Timeout          configutil.Duration `json:"timeout"`
	RateLimit        float64             `json:"rate_limit"`
	RateBurst        int                 `json:"rate_burst"`
	CloudflareBypass bool                `json:"cloudflare_bypass"`
	Retry            RetryConfig         `json:"retry"`
	Include          []string            `json:"include"`
}

func (c Config) Options() Options {
	return Options{
		BaseURL:          c.BaseUrl,
		ClubID:           c.ClubId,
		UserAgent:        c.UserAgent,
		Timeout:          c.Timeout.Std(),
		RateLimit:        c.RateLimit,
		RateBurst:        c.RateBurst,
		CloudflareBypass: c.CloudflareBypass,
		Retry:            c.Retry.Policy(),
	}
}

// IncludeFields returns the configured include fields or DefaultInclude.
func (c Config) IncludeFields() []string {
	if len(c.Include) == 0 {
		return DefaultInclude
	}
	return c.Include
}
