package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("TIDE_CONFIG", "")
	t.Setenv("TIDE_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Fatalf("cfg=%+v want defaults", cfg)
	}
}

func TestLoadConfig_Layering(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "tidechat.yaml")
	writeFile(t, yamlPath, `
http_addr: 127.0.0.1:9000
log_level: debug
log_url: sqlite:/var/lib/tidechat/chat.db
read_timeout: 30s
resync_backlog: 64
ws:
  allowed_origins: https://chat.example.com
  recovery_window: 45s
`)

	envPath := filepath.Join(dir, "test.env")
	writeFile(t, envPath, "TIDE_LOG_LEVEL=warn\nTIDE_HTTP_ADDR=127.0.0.1:9100\n")

	t.Setenv("TIDE_ENV_FILE", envPath)
	// Already set in the process environment: the .env value must not win.
	t.Setenv("TIDE_HTTP_ADDR", "127.0.0.1:9200")
	t.Setenv("TIDE_METRICS_ENABLED", "false")
	t.Setenv("TIDE_WS_RATE_EVENTS", "30")
	// godotenv sets this one; clear it afterwards.
	t.Setenv("TIDE_LOG_LEVEL", "")
	_ = os.Unsetenv("TIDE_LOG_LEVEL")

	cfg, err := LoadConfig(yamlPath)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.HTTPAddr != "127.0.0.1:9200" {
		t.Fatalf("HTTPAddr=%q (process env must win)", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("LogLevel=%q (.env must override the file)", cfg.LogLevel)
	}
	if cfg.LogURL != "sqlite:/var/lib/tidechat/chat.db" || cfg.ReadTimeout != 30*time.Second || cfg.ResyncBacklog != 64 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.MetricsEnabled {
		t.Fatalf("MetricsEnabled must follow the environment")
	}
	if cfg.WS.AllowedOrigins != "https://chat.example.com" || cfg.WS.RecoveryWindow != 45*time.Second {
		t.Fatalf("nested ws block not applied: %+v", cfg.WS)
	}
	if cfg.WS.RateEvents != 30 || !cfg.WS.OriginRequired || !cfg.WS.RecoveryEnabled {
		t.Fatalf("ws env/defaults: %+v", cfg.WS)
	}
	if cfg.WriteTimeout != 15*time.Second {
		t.Fatalf("unset keys keep defaults, WriteTimeout=%v", cfg.WriteTimeout)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TIDE_CONFIG", "")
	t.Setenv("TIDE_ENV_FILE", filepath.Join(dir, "missing.env"))

	if _, err := LoadConfig(filepath.Join(dir, "nope.yaml")); err == nil {
		t.Fatalf("a named config file that does not exist is an error")
	}

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "http_addr: [not, a, string\n")
	if _, err := LoadConfig(bad); err == nil {
		t.Fatalf("malformed YAML must fail")
	}

	t.Setenv("TIDE_HTTP_READ_TIMEOUT", "soon")
	t.Setenv("TIDE_RESYNC_BACKLOG", "-5")
	_, err := LoadConfig("")
	if err == nil {
		t.Fatalf("malformed environment values must fail")
	}
	for _, key := range []string{"TIDE_HTTP_READ_TIMEOUT", "TIDE_RESYNC_BACKLOG"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q does not name %s", err, key)
		}
	}
	t.Setenv("TIDE_HTTP_READ_TIMEOUT", "")
	t.Setenv("TIDE_RESYNC_BACKLOG", "")

	t.Setenv("TIDE_LOG_FORMAT", "xml")
	if _, err := LoadConfig(""); err == nil {
		t.Fatalf("unknown log format must fail validation")
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
