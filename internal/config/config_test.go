package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/xkcd-l10n-crawler/internal/crawler"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/runner"
	"github.com/JakeFAU/xkcd-l10n-crawler/internal/source/html"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 15*time.Second, cfg.HTTP.Timeout)
	require.Equal(t, BackendMemory, cfg.Progress.Backend)
	require.Equal(t, BackendMemory, cfg.Dedup.Backend)
	require.Equal(t, 24*time.Hour, cfg.Runner.ResumeWindow)
	require.True(t, cfg.Scheduler.Enabled)
	require.Empty(t, cfg.Sources)
}

func TestLoadWithFileAndSourcesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sources := writeFile(t, dir, "sources.yaml", `
sources:
  - key: fr
    language: French
    cadence: 720h
    qps: 0.5
    budget:
      batch_size: 15
      calls: 40
      item_delay: 2s
    capabilities:
      nearest_redirect: true
      single_listing: true
    site:
      base_url: https://fr.example.test
      listing_path: /archives/
      item_path: /{id}/
      selectors:
        listing: "#archive a"
        title: "#ctitle"
        image: "#comic img"
  - key: ru
    language: Russian
    cadence: 15m
    capabilities:
      change_feed: true
    site:
      base_url: https://ru.example.test
      listing_path: /list/page/{page}/
      max_pages: 30
      feed_path: /recent/
      feed_window: 20
      item_path: /{id}/
      selectors:
        listing: ".comics a"
        feed: ".recent a"
        title: "h1"
        image: ".comic img"
`)
	path := writeFile(t, dir, "config.yaml", `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
http:
  timeout: 5s
  qps: 2
  max_attempts: 4
progress:
  backend: local
  dir: `+dir+`
dedup:
  backend: sqlite
steps:
  backend: sqlite
sqlite:
  path: `+filepath.Join(dir, "l10n.db")+`
sources_file: `+sources+`
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Uses(BackendSQLite))
	require.False(t, cfg.Uses(BackendPostgres))
	require.Len(t, cfg.Sources, 2)

	fr := cfg.Sources[0]
	require.Equal(t, 720*time.Hour, fr.Cadence)
	require.Equal(t, 15, fr.Budget.BatchSize)
	require.Equal(t, 2*time.Second, fr.Budget.ItemDelay)
	require.True(t, fr.Capabilities.HasNearestRedirect)
	require.Equal(t, "#comic img", fr.Site.Selectors.Image)

	ru := cfg.Sources[1]
	require.True(t, ru.Capabilities.HasChangeFeed)
	require.Equal(t, 20, ru.Site.FeedWindow)

	h := cfg.SourceHTML(fr)
	require.InDelta(t, 0.5, h.QPS, 0)
	require.Equal(t, 4, h.Retry.MaxAttempts)
	require.Equal(t, 5*time.Second, h.Timeout)
	require.InDelta(t, 2, cfg.SourceHTML(ru).QPS, 0)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("L10N_SERVER_PORT", "7070")
	t.Setenv("L10N_DB_DSN", "postgres://localhost/l10n")
	t.Setenv("L10N_DEDUP_BACKEND", "postgres")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, "postgres://localhost/l10n", cfg.DB.DSN)
	require.True(t, cfg.Uses(BackendPostgres))
}

func TestExampleCatalogCompiles(t *testing.T) {
	t.Setenv("L10N_SOURCES_FILE", filepath.Join("..", "..", "configs", "sources.example.yaml"))

	cfg, err := Load("")
	require.NoError(t, err)
	require.Len(t, cfg.Sources, 6)
	for _, s := range cfg.Sources {
		_, err := html.New(cfg.SourceHTML(s), nil)
		require.NoError(t, err, s.Key)
		require.Positive(t, s.Cadence, s.Key)
		require.Positive(t, s.Budget.Calls, s.Key)
	}
	es := cfg.Sources[2]
	require.Equal(t, "es", es.Key)
	require.True(t, es.Capabilities.HasChangeFeed)
	require.Equal(t, time.Second, es.Budget.ItemDelay)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}
	cases := map[string]func(*Config){
		"port":             func(c *Config) { c.Server.Port = 0 },
		"auth key":         func(c *Config) { c.Auth.Enabled = true },
		"http timeout":     func(c *Config) { c.HTTP.Timeout = 0 },
		"progress":         func(c *Config) { c.Progress.Backend = "s3" },
		"gcs bucket":       func(c *Config) { c.Progress.Backend = BackendGCS },
		"dedup backend":    func(c *Config) { c.Dedup.Backend = BackendLocal },
		"postgres dsn":     func(c *Config) { c.Steps.Backend = BackendPostgres },
		"source key":       func(c *Config) { c.Sources = []SourceConfig{{}} },
		"duplicate":        func(c *Config) { c.Sources = []SourceConfig{{Key: "de"}, {Key: "de"}} },
		"negative cadence": func(c *Config) { c.Sources = []SourceConfig{{Key: "de", Cadence: -time.Minute}} },
		"negative budget":  func(c *Config) { c.Sources = []SourceConfig{{Key: "de", Budget: runner.Budget{Calls: -1}}} },
		"pages over budget": func(c *Config) {
			c.Sources = []SourceConfig{{
				Key:    "de",
				Budget: runner.Budget{Calls: 30},
				Site:   html.Site{ListingPath: "/archiv/{page}/", MaxPages: 40},
			}}
		},
		"default pages over budget": func(c *Config) {
			c.Sources = []SourceConfig{{
				Key:    "ko",
				Budget: runner.Budget{Calls: 20},
				Site:   html.Site{ListingPath: "/list/{page}"},
			}}
		},
		"feed fills budget": func(c *Config) {
			c.Sources = []SourceConfig{{
				Key:          "ko",
				Budget:       runner.Budget{Calls: 16},
				Capabilities: crawler.Capabilities{HasChangeFeed: true},
				Site:         html.Site{ListingPath: "/list/{page}", MaxPages: 15},
			}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
