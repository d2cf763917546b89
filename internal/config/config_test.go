package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("STORE", "memory")
	t.Setenv("PROVIDER_BASE_URL", "http://localhost:9000")
	t.Setenv("PROVIDER_ACCOUNT_ID", "acc")
	t.Setenv("PROVIDER_API_KEY", "key")
	t.Setenv("PROVIDER_MERCHANT_ID", "m-1")
	t.Setenv("WEBHOOK_SECRET", "secret")
}

func TestLoadFromEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("POLL_INTERVAL", "5s")
	t.Setenv("STARTING_BALANCE", "100")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Store)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, 5*time.Second, cfg.Credits.PollInterval)
	require.Equal(t, int64(100), cfg.Credits.StartingBalance)
	require.Equal(t, int64(10), cfg.Credits.CreditRate)
	require.Equal(t, int64(10), cfg.Credits.MinAmount)
	require.Equal(t, 15*time.Second, cfg.Provider.Timeout)
}

func TestLoadFromYAML(t *testing.T) {
	t.Setenv("TEST_PROVIDER_ACCOUNT", "yaml-acc")

	cfg, err := Load("testdata/config.yaml")
	require.NoError(t, err)
	require.Equal(t, "staging", cfg.Env)
	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, "memory", cfg.Store)
	require.Equal(t, "yaml-acc", cfg.Provider.AccountID)
	require.Equal(t, "from-file", cfg.Provider.APIKey)
	require.Equal(t, 5*time.Second, cfg.Provider.Timeout)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, "topup-events", cfg.Kafka.Topic)
	require.Equal(t, int64(25), cfg.Credits.StartingBalance)
	require.Equal(t, 10*time.Second, cfg.Credits.PollInterval)
	require.Equal(t, TenantConfig{CreditRate: 12, MinAmount: 50}, cfg.Credits.Tenants["premium"])
	require.Equal(t, []string{"https://portal.example.test"}, cfg.CORSOrigins)
}

func TestEnvOverridesYAML(t *testing.T) {
	t.Setenv("TEST_PROVIDER_ACCOUNT", "yaml-acc")
	t.Setenv("TEST_PROVIDER_KEY", "expanded")
	t.Setenv("WEBHOOK_SECRET", "env-secret")
	t.Setenv("SERVER_PORT", "7070")

	cfg, err := Load("testdata/config.yaml")
	require.NoError(t, err)
	require.Equal(t, "expanded", cfg.Provider.APIKey)
	require.Equal(t, "env-secret", cfg.WebhookSecret)
	require.Equal(t, "7070", cfg.Port)
}

func TestLoadErrors(t *testing.T) {
	t.Run("fail, yaml references unset variable", func(t *testing.T) {
		_, err := Load("testdata/config.yaml")
		require.ErrorContains(t, err, "TEST_PROVIDER_ACCOUNT")
	})

	t.Run("fail, missing file", func(t *testing.T) {
		_, err := Load("testdata/nope.yaml")
		require.Error(t, err)
	})

	t.Run("fail, postgres without DB_SOURCE", func(t *testing.T) {
		setRequired(t)
		t.Setenv("STORE", "postgres")
		_, err := Load("")
		require.ErrorContains(t, err, "DB_SOURCE is required")
	})

	t.Run("fail, unparseable value", func(t *testing.T) {
		setRequired(t)
		t.Setenv("POLL_INTERVAL", "soon")
		_, err := Load("")
		require.ErrorContains(t, err, "POLL_INTERVAL")
	})
}

func TestIsValidCollectsAllErrors(t *testing.T) {
	cfg := defaults()
	cfg.Credits.CreditRate = 0

	err := cfg.IsValid()
	require.Error(t, err)
	for _, want := range []string{"DB_SOURCE", "PROVIDER_BASE_URL", "PROVIDER_API_KEY", "WEBHOOK_SECRET", "credit rate"} {
		require.True(t, strings.Contains(err.Error(), want), "missing %q in %v", want, err)
	}
}

func TestMergeYAMLDefaultSyntax(t *testing.T) {
	cfg := defaults()
	err := MergeYAML(&cfg, strings.NewReader("port: ${TEST_UNSET_PORT:-6060}\n"))
	require.NoError(t, err)
	require.Equal(t, "6060", cfg.Port)
}
