package internal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/formsync/internal/storage"
	"github.com/starford/formsync/internal/testutil"
)

func testRuntime(t *testing.T, mutate func(*Config)) *runtime {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.Storage.Driver = DriverMemory
	if mutate != nil {
		mutate(cfg)
	}
	rt, err := setup([]Option{
		WithConfig(cfg),
		WithBackend(storage.NewMemory()),
		WithLogger(testutil.QuietLogger()),
	}, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rt.close(context.Background()) })
	return rt
}

func TestSetupRequiresConfig(t *testing.T) {
	if _, err := setup(nil, io.Discard); err == nil {
		t.Fatal("expected error without config")
	}
}

func TestHealthRoutes(t *testing.T) {
	srv := httptest.NewServer(testRuntime(t, nil).handler())
	defer srv.Close()

	for _, path := range []string{"/health/live", "/health/ready"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s = %d", path, resp.StatusCode)
		}
	}
}

func TestAPIMountedWithConfiguredAuth(t *testing.T) {
	rt := testRuntime(t, func(c *Config) {
		c.Auth.Mode = "token"
		c.Auth.Token = "secret"
	})
	srv := httptest.NewServer(rt.handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/forms")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/forms", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Forms []string `json:"forms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Forms) != 10 {
		t.Errorf("forms = %v", body.Forms)
	}
}

func TestSetupAppliesRulePacks(t *testing.T) {
	dir := t.TempDir()
	pack := "form: form-g\nrules:\n  - target: G11\n    sources: [G10]\n    expr: \"G10 * 2\"\n"
	if err := os.WriteFile(filepath.Join(dir, "g.yaml"), []byte(pack), 0o644); err != nil {
		t.Fatal(err)
	}
	rt := testRuntime(t, func(c *Config) { c.Rules.Dir = dir })

	s, err := rt.ws.Session(context.Background(), "local")
	if err != nil {
		t.Fatal(err)
	}
	out, err := s.Compute("form-g", map[string]any{"G1": 3, "G2": 1, "G4": 10, "G9_external": 1})
	if err != nil {
		t.Fatal(err)
	}
	if out["G11"] != "42" {
		t.Errorf("G11 = %v", out["G11"])
	}
}

func TestSetupRejectsBadRulePack(t *testing.T) {
	dir := t.TempDir()
	_ = os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("form: form-g\nbogus: 1\n"), 0o644)
	cfg := NewDefaultConfig()
	cfg.Rules.Dir = dir
	_, err := setup([]Option{
		WithConfig(cfg),
		WithBackend(storage.NewMemory()),
		WithLogger(testutil.QuietLogger()),
	}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "load rules") {
		t.Errorf("err = %v", err)
	}
}

func TestOpenBackend(t *testing.T) {
	b, err := openBackend(StorageConfig{Driver: DriverSQLite, SQLite: SQLiteConfig{Path: filepath.Join(t.TempDir(), "f.db")}})
	if err != nil {
		t.Fatal(err)
	}
	_ = b.Close()

	if _, err := openBackend(StorageConfig{Driver: "mongo"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}
