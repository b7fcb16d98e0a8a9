package sqlguard

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryGuardConfig() *Config {
	cfg := DefaultConfig()
	cfg.Storage.Driver = "memory"
	cfg.Notifier.Email.Enabled = false
	cfg.Authz.Roles = map[string]RolePolicy{"analyst": {Deny: []string{"DELETE:*"}}}
	cfg.Authz.UserRoles = map[string]string{"alice@example.com": "analyst"}
	return cfg
}

func TestNewGuardWiresComponents(t *testing.T) {
	g, err := NewGuard(context.Background(), memoryGuardConfig(), zerolog.Nop())
	require.NoError(t, err)
	defer g.Close()

	_, cached := g.Store.(*CachedStore)
	assert.True(t, cached)
	assert.Empty(t, g.Dispatcher.Channels())
	assert.Nil(t, g.Watcher)
	require.NoError(t, g.Start())
	require.NoError(t, g.HealthCheck(context.Background()))

	rec := ingestRecord("log-1", "alice@example.com", "DELETE FROM orders", time.Now())
	res, err := g.Detector.Ingest(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	assert.Equal(t, KindAuthz, res.Findings[0].Kind)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 1, g.Ledger.Summary().TotalFindings)
}

func TestNewGuardRegistersEnabledChannels(t *testing.T) {
	cfg := memoryGuardConfig()
	cfg.Notifier.Email = EmailConfig{Enabled: true, Host: "smtp.example.com", From: "ids@example.com"}
	cfg.Notifier.Slack = SlackConfig{Enabled: true, WebhookURL: "https://hooks.example.com/x"}

	g, err := NewGuard(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer g.Close()
	assert.Equal(t, []Channel{ChannelEmail, ChannelSlack}, g.Dispatcher.Channels())
}

func TestNewGuardRejectsInvalidConfig(t *testing.T) {
	cfg := memoryGuardConfig()
	cfg.Storage.Driver = "oracle"
	_, err := NewGuard(context.Background(), cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "invalid config")

	_, err = NewGuard(context.Background(), nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestNewGuardWithSQLiteAndWatcher(t *testing.T) {
	dir := t.TempDir()
	cfg := memoryGuardConfig()
	cfg.Storage = StorageConfig{Driver: "sqlite", DSN: filepath.Join(dir, "ids.db")}
	cfg.Authz = AuthzConfig{PolicyFile: writeFile(t, dir, "policy.yaml", denyDeletePolicy), Watch: true}

	g, err := NewGuard(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	_, isSQLite := g.Store.(*SQLiteStore)
	assert.True(t, isSQLite)
	require.NotNil(t, g.Watcher)
	require.NoError(t, g.Start())

	_, denied := g.Authz.Evaluate("alice@example.com", "DELETE FROM t")
	assert.True(t, denied)
	assert.NoError(t, g.Close())
	assert.NoError(t, g.Close())
}
