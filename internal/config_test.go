package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pkgconfig "github.com/starford/formsync/pkg/config"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", DefaultUser: "local"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{DefaultUser: "local"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != "disabled" {
		t.Errorf("mode = %q, want disabled", cfg.Mode)
	}
}

func TestAuthConfig_DisabledNeedsDefaultUser(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled"}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "default_user") {
		t.Errorf("err = %v", err)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_JWTModeEmptySecret(t *testing.T) {
	cfg := AuthConfig{Mode: "jwt"}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Errorf("err = %v", err)
	}
	cfg.JWTSecret = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Errorf("jwt mode with secret should pass: %v", err)
	}
	if got := cfg.API(); got.Mode != "jwt" || got.JWTSecret != "s3cret" {
		t.Errorf("api auth = %+v", got)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := NewDefaultConfig().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestStorageConfig_DriverNeedsLocation(t *testing.T) {
	cases := []StorageConfig{
		{Driver: DriverSQLite},
		{Driver: DriverPostgres},
		{Driver: DriverRedis},
		{Driver: "mongo"},
	}
	for _, c := range cases {
		if err := c.Validate(); err == nil {
			t.Errorf("driver %q without location should fail", c.Driver)
		}
	}
	ok := StorageConfig{Driver: DriverMemory}
	if err := ok.Validate(); err != nil {
		t.Errorf("memory driver: %v", err)
	}
}

func TestRulesConfig_WatchNeedsDir(t *testing.T) {
	cfg := RulesConfig{Watch: true}
	if err := cfg.Validate(); err == nil {
		t.Error("watch without dir should fail")
	}
}

func TestLoadYAMLWithEnv(t *testing.T) {
	t.Setenv("FORMSYNC_TEST_REDIS", "redis://localhost:6379/2")
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
app:
  http:
    port: 9090
storage:
  driver: redis
  redis:
    url: ${FORMSYNC_TEST_REDIS}
autosave:
  page_delay: 2s
  quick_delay: 500ms
shared:
  debounce: 250ms
  concurrency: 8
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Redis.URL != "redis://localhost:6379/2" {
		t.Errorf("redis url = %q", cfg.Storage.Redis.URL)
	}
	ws := cfg.Workspace()
	if ws.PageDelay != 2*time.Second || ws.QuickDelay != 500*time.Millisecond {
		t.Errorf("autosave = %v/%v", ws.PageDelay, ws.QuickDelay)
	}
	if ws.Debounce != 250*time.Millisecond || ws.FanoutConcurrency != 8 {
		t.Errorf("shared = %v/%d", ws.Debounce, ws.FanoutConcurrency)
	}
	// Untouched keys keep their defaults.
	if ws.Retry.Attempts != 3 || ws.PullInterval != time.Minute {
		t.Errorf("defaults lost: %+v", ws)
	}
}
