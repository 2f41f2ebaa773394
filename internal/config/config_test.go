package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: pricewatch\n"))
	if err != nil {
		t.Fatalf("load should succeed with defaults: %v", err)
	}
	if cfg.Run.Deadline != 10*time.Minute {
		t.Fatalf("expected default run deadline 10m, got %s", cfg.Run.Deadline)
	}
	if cfg.ChannelDefaults.MaxAttempts != 3 {
		t.Fatalf("expected default max_attempts 3, got %d", cfg.ChannelDefaults.MaxAttempts)
	}
	if cfg.Alerting.Directions != "undercut" {
		t.Fatalf("expected default directions undercut, got %q", cfg.Alerting.Directions)
	}
	if len(cfg.Alerting.SeverityTiers) != 3 {
		t.Fatalf("expected 3 default severity tiers, got %d", len(cfg.Alerting.SeverityTiers))
	}
}

func TestChannelForMergesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
channels:
  falabella:
    timeout: 4s
    requests_per_second: 0.5
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	fal := cfg.ChannelFor("falabella")
	if fal.Timeout != 4*time.Second {
		t.Fatalf("override should win, got timeout %s", fal.Timeout)
	}
	if fal.MaxAttempts != 3 {
		t.Fatalf("unset fields should inherit defaults, got max_attempts %d", fal.MaxAttempts)
	}
	if fal.API.TokenEnv != "FALABELLA_API_TOKEN" {
		t.Fatalf("built-in token_env should survive the merge, got %q", fal.API.TokenEnv)
	}

	// A channel with no section at all gets the defaults verbatim.
	other := cfg.ChannelFor("nochannel")
	if other.Timeout != cfg.ChannelDefaults.Timeout {
		t.Fatalf("unknown channel should fall back to defaults, got %s", other.Timeout)
	}
}

func TestValidateRejectsBadDirections(t *testing.T) {
	if _, err := Load(writeConfig(t, "alerting:\n  directions: sideways\n")); err == nil {
		t.Fatal("unknown alerting.directions should fail validation")
	}
}

func TestValidateRejectsBadWatchlistSource(t *testing.T) {
	if _, err := Load(writeConfig(t, "watchlist:\n  source: gsheet\n")); err == nil {
		t.Fatal("unknown watchlist.source should fail validation")
	}
	if _, err := Load(writeConfig(t, "watchlist:\n  source: db\n")); err == nil {
		t.Fatal("db source without dsn should fail validation")
	}
}

func TestCheckCredentials(t *testing.T) {
	cc := ChannelConfig{Credentials: []string{"PRICEWATCH_TEST_TOKEN"}}

	os.Unsetenv("PRICEWATCH_TEST_TOKEN")
	err := cc.CheckCredentials("falabella")
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("unset credential should return ErrMissingCredential, got %v", err)
	}

	t.Setenv("PRICEWATCH_TEST_TOKEN", "secret")
	if err := cc.CheckCredentials("falabella"); err != nil {
		t.Fatalf("set credential should pass: %v", err)
	}
}
