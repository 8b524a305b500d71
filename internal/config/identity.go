// Package config holds the YAML configuration model for the high-level
// identity API.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maxlambrecht/java-spiffe-1/pkg/identitytls"
	"github.com/maxlambrecht/java-spiffe-1/pkg/retry"
	"github.com/maxlambrecht/java-spiffe-1/pkg/spiffeid"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the root of the identity configuration file.
type Config struct {
	Workload WorkloadConfig `yaml:"workload"`
	TLS      TLSConfig      `yaml:"tls"`
}

// WorkloadConfig configures the Workload API connection.
type WorkloadConfig struct {
	// Socket is the Workload API endpoint (unix:// or tcp://). Empty
	// falls back to the SPIFFE_ENDPOINT_SOCKET environment variable.
	Socket string `yaml:"socket"`

	// InitialTimeout bounds the wait for the first identity update.
	// Zero means wait indefinitely. Given in the file as a Go duration
	// string, e.g. "30s".
	InitialTimeout time.Duration `yaml:"-"`

	// Retry tunes how the identity source re-establishes a dropped
	// watch. Zero values use the package defaults.
	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig tunes the reconnect backoff. Durations are given as Go
// duration strings, e.g. "500ms".
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"-"`
	MaxInterval     time.Duration `yaml:"-"`
	Multiplier      float64       `yaml:"multiplier"`

	// MaxAttempts bounds consecutive failed attempts; zero retries
	// indefinitely.
	MaxAttempts int `yaml:"max_attempts"`
}

// Policy converts the configured tuning into a retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
		Multiplier:      r.Multiplier,
		MaxAttempts:     r.MaxAttempts,
	}
}

// UnmarshalYAML decodes the workload section, parsing durations from their
// string forms.
func (w *WorkloadConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Socket         string      `yaml:"socket"`
		InitialTimeout string      `yaml:"initial_timeout"`
		Retry          RetryConfig `yaml:"retry"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	w.Socket = raw.Socket
	w.Retry = raw.Retry
	if raw.InitialTimeout != "" {
		d, err := time.ParseDuration(raw.InitialTimeout)
		if err != nil {
			return fmt.Errorf("initial_timeout: %w", err)
		}
		w.InitialTimeout = d
	}
	return nil
}

// UnmarshalYAML decodes the retry section, parsing durations from their
// string forms.
func (r *RetryConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		InitialInterval string  `yaml:"initial_interval"`
		MaxInterval     string  `yaml:"max_interval"`
		Multiplier      float64 `yaml:"multiplier"`
		MaxAttempts     int     `yaml:"max_attempts"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	r.Multiplier = raw.Multiplier
	r.MaxAttempts = raw.MaxAttempts
	if raw.InitialInterval != "" {
		d, err := time.ParseDuration(raw.InitialInterval)
		if err != nil {
			return fmt.Errorf("retry.initial_interval: %w", err)
		}
		r.InitialInterval = d
	}
	if raw.MaxInterval != "" {
		d, err := time.ParseDuration(raw.MaxInterval)
		if err != nil {
			return fmt.Errorf("retry.max_interval: %w", err)
		}
		r.MaxInterval = d
	}
	return nil
}

// TLSConfig selects the peer authorization policy. Exactly one of the
// policy fields may be set; with none set, peers in the workload's own
// trust domain are accepted.
type TLSConfig struct {
	// AcceptAny accepts every validated SPIFFE ID.
	AcceptAny bool `yaml:"accept_any"`

	// AuthorizedIDs is a static allow-list of SPIFFE IDs.
	AuthorizedIDs []string `yaml:"authorized_ids"`

	// AuthorizedTrustDomain accepts any ID in the given trust domain.
	AuthorizedTrustDomain string `yaml:"authorized_trust_domain"`
}

// Load reads, parses and validates an identity configuration file.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("%w: cannot read %q: %w", ErrInvalidConfig, path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: cannot parse %q: %w", ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration. Policy fields are mutually exclusive
// so a permissive setting can never silently override a restrictive one.
func (c *Config) Validate() error {
	set := 0
	if c.TLS.AcceptAny {
		set++
	}
	if len(c.TLS.AuthorizedIDs) > 0 {
		set++
	}
	if c.TLS.AuthorizedTrustDomain != "" {
		set++
	}
	if set > 1 {
		return fmt.Errorf("%w: accept_any, authorized_ids and authorized_trust_domain are mutually exclusive", ErrInvalidConfig)
	}

	for _, raw := range c.TLS.AuthorizedIDs {
		if _, err := spiffeid.FromString(raw); err != nil {
			return fmt.Errorf("%w: authorized_ids entry %q: %w", ErrInvalidConfig, raw, err)
		}
	}
	if c.TLS.AuthorizedTrustDomain != "" {
		if _, err := spiffeid.TrustDomainFromString(c.TLS.AuthorizedTrustDomain); err != nil {
			return fmt.Errorf("%w: authorized_trust_domain: %w", ErrInvalidConfig, err)
		}
	}
	if c.Workload.InitialTimeout < 0 {
		return fmt.Errorf("%w: initial_timeout cannot be negative", ErrInvalidConfig)
	}
	r := c.Workload.Retry
	if r.InitialInterval < 0 || r.MaxInterval < 0 || r.Multiplier < 0 || r.MaxAttempts < 0 {
		return fmt.Errorf("%w: retry tuning cannot be negative", ErrInvalidConfig)
	}
	return nil
}

// Authorizer builds the configured authorization policy. ownDomain is the
// fallback when no policy field is set.
func (c *Config) Authorizer(ownDomain spiffeid.TrustDomain) (identitytls.Authorizer, error) {
	switch {
	case c.TLS.AcceptAny:
		return identitytls.AuthorizeAny(), nil
	case len(c.TLS.AuthorizedIDs) > 0:
		ids := make([]spiffeid.ID, 0, len(c.TLS.AuthorizedIDs))
		for _, raw := range c.TLS.AuthorizedIDs {
			id, err := spiffeid.FromString(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: authorized_ids entry %q: %w", ErrInvalidConfig, raw, err)
			}
			ids = append(ids, id)
		}
		return identitytls.AuthorizeOneOf(ids...), nil
	case c.TLS.AuthorizedTrustDomain != "":
		td, err := spiffeid.TrustDomainFromString(c.TLS.AuthorizedTrustDomain)
		if err != nil {
			return nil, fmt.Errorf("%w: authorized_trust_domain: %w", ErrInvalidConfig, err)
		}
		return identitytls.AuthorizeMemberOf(td), nil
	default:
		return identitytls.AuthorizeMemberOf(ownDomain), nil
	}
}
