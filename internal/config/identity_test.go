package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxlambrecht/java-spiffe-1/internal/config"
	"github.com/maxlambrecht/java-spiffe-1/pkg/spiffeid"
)

var exampleTD = spiffeid.RequireTrustDomainFromString("example.org")

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "identity.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
workload:
  socket: unix:///tmp/agent.sock
  initial_timeout: 30s
  retry:
    initial_interval: 500ms
    max_interval: 10s
    multiplier: 1.5
    max_attempts: 8
tls:
  authorized_ids:
    - spiffe://example.org/frontend
    - spiffe://example.org/backend
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "unix:///tmp/agent.sock", cfg.Workload.Socket)
	assert.Equal(t, 30*time.Second, cfg.Workload.InitialTimeout)
	assert.Len(t, cfg.TLS.AuthorizedIDs, 2)

	policy := cfg.Workload.Retry.Policy()
	assert.Equal(t, 500*time.Millisecond, policy.InitialInterval)
	assert.Equal(t, 10*time.Second, policy.MaxInterval)
	assert.Equal(t, 1.5, policy.Multiplier)
	assert.Equal(t, 8, policy.MaxAttempts)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestLoad_MalformedYAML(t *testing.T) {
	t.Parallel()

	_, err := config.Load(writeConfig(t, "workload: ["))
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Parallel()

	_, err := config.Load(writeConfig(t, "workload:\n  initial_timeout: soon\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "initial_timeout")
}

func TestValidate_PolicyFieldsMutuallyExclusive(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		TLS: config.TLSConfig{
			AcceptAny:     true,
			AuthorizedIDs: []string{"spiffe://example.org/workload"},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestValidate_RejectsBadValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  config.Config
	}{
		{
			name: "invalid authorized id",
			cfg:  config.Config{TLS: config.TLSConfig{AuthorizedIDs: []string{"not an id"}}},
		},
		{
			name: "invalid trust domain",
			cfg:  config.Config{TLS: config.TLSConfig{AuthorizedTrustDomain: "spiffe://bad:8443"}},
		},
		{
			name: "negative timeout",
			cfg:  config.Config{Workload: config.WorkloadConfig{InitialTimeout: -time.Second}},
		},
		{
			name: "negative retry attempts",
			cfg:  config.Config{Workload: config.WorkloadConfig{Retry: config.RetryConfig{MaxAttempts: -1}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}
}

func TestAuthorizer_Policies(t *testing.T) {
	t.Parallel()

	memberID := spiffeid.RequireFromString("spiffe://example.org/workload")
	foreignID := spiffeid.RequireFromString("spiffe://other.org/workload")

	t.Run("accept any", func(t *testing.T) {
		t.Parallel()
		cfg := config.Config{TLS: config.TLSConfig{AcceptAny: true}}
		authorizer, err := cfg.Authorizer(exampleTD)
		require.NoError(t, err)
		assert.NoError(t, authorizer(foreignID))
	})

	t.Run("allow list", func(t *testing.T) {
		t.Parallel()
		cfg := config.Config{TLS: config.TLSConfig{AuthorizedIDs: []string{memberID.String()}}}
		authorizer, err := cfg.Authorizer(exampleTD)
		require.NoError(t, err)
		assert.NoError(t, authorizer(memberID))
		assert.Error(t, authorizer(foreignID))
	})

	t.Run("trust domain", func(t *testing.T) {
		t.Parallel()
		cfg := config.Config{TLS: config.TLSConfig{AuthorizedTrustDomain: "other.org"}}
		authorizer, err := cfg.Authorizer(exampleTD)
		require.NoError(t, err)
		assert.NoError(t, authorizer(foreignID))
		assert.Error(t, authorizer(memberID))
	})

	t.Run("default is own trust domain", func(t *testing.T) {
		t.Parallel()
		var cfg config.Config
		authorizer, err := cfg.Authorizer(exampleTD)
		require.NoError(t, err)
		assert.NoError(t, authorizer(memberID))
		assert.Error(t, authorizer(foreignID))
	})
}
