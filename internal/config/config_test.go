// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadFrom("")
	require.NoError(t, err)

	assert.Equal(t, 8460, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.Scheduler.TickInterval)
	assert.Equal(t, int64(100), cfg.Tier.PromoteA)
	assert.Equal(t, 2, cfg.Tier.DemotionPasses)
	assert.Equal(t, 30*time.Second, cfg.Search.Cooldown)
	assert.Equal(t, 3, cfg.Poller.DisableAfter)
	assert.Empty(t, cfg.Sources)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shiori.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
scheduler:
  tick_interval: 30s
sources:
  - name: comiket-api
    kind: api
    base_url: https://api.comiket.example
    api_key: secret
    trust_score: 0.9
    rate_per_sec: 5
    burst: 10
  - name: scanfeed
    kind: scraped
    base_url: https://scanfeed.example
    trust_score: 0.4
    min_interval: 2s
`), 0o600))

	cfg, err := loadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "untouched keys keep defaults")

	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "api", cfg.Sources[0].Kind)
	assert.Equal(t, 0.9, cfg.Sources[0].TrustScore)
	assert.Equal(t, 2*time.Second, cfg.Sources[1].MinInterval)
}

func TestLoadEnvironmentWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shiori.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o600))

	t.Setenv("SHIORI_SERVER_PORT", "9100")
	t.Setenv("SHIORI_DATABASE_URL", "postgres://env:env@db:5432/shiori")
	t.Setenv("SHIORI_SCHEDULER_TICK_INTERVAL", "45s")

	cfg, err := loadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "postgres://env:env@db:5432/shiori", cfg.Database.URL)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.TickInterval)
}

func TestLoadIgnoresUnknownEnv(t *testing.T) {
	t.Setenv("SHIORI_BOGUS_KEY", "whatever")
	_, err := loadFrom("")
	assert.NoError(t, err)
}

func TestEnvTransform(t *testing.T) {
	assert.Equal(t, "database.url", envTransform("SHIORI_DATABASE_URL"))
	assert.Equal(t, "poller.seen_cache_dir", envTransform("SHIORI_POLLER_SEEN_CACHE_DIR"))
	assert.Equal(t, "search.min_unique_users", envTransform("SHIORI_SEARCH_MIN_UNIQUE_USERS"))
	assert.Equal(t, "", envTransform("SHIORI_NOPE"))
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base := func() *Config { return defaultConfig() }

	cfg := base()
	cfg.Database.URL = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Tier.PromoteA = 10
	cfg.Tier.DemoteA = 50
	assert.Error(t, cfg.Validate(), "promotion bar below demotion bar can oscillate")

	cfg = base()
	cfg.Sources = []SourceConfig{{Name: "x", Kind: "ftp", BaseURL: "https://x"}}
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Sources = []SourceConfig{
		{Name: "x", Kind: "api", BaseURL: "https://x"},
		{Name: "x", Kind: "api", BaseURL: "https://y"},
	}
	assert.Error(t, cfg.Validate(), "duplicate source names")

	cfg = base()
	cfg.Sources = []SourceConfig{{Name: "x", Kind: "api", BaseURL: "https://x", TrustScore: 1.5}}
	assert.Error(t, cfg.Validate())
}
