package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pkgconfig "github.com/starford/draftsync/pkg/config"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
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

func TestFullConfig_ClientSkippedWhenUnset(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate without a client: %v", err)
	}
}

func validClient() ClientConfig {
	c := NewDefaultConfig().Client
	c.ServerURL = "http://localhost:8080"
	c.Owner.ID = 42
	c.Scope.ProjectID = 7
	return c
}

func TestClientConfig_Valid(t *testing.T) {
	c := validClient()
	if err := c.Validate(); err != nil {
		t.Fatalf("valid client: %v", err)
	}
}

func TestClientConfig_Invalid(t *testing.T) {
	cases := map[string]func(*ClientConfig){
		"scheme":   func(c *ClientConfig) { c.ServerURL = "ftp://host" },
		"owner":    func(c *ClientConfig) { c.Owner.ID = 0 },
		"scope":    func(c *ClientConfig) { c.Scope.ProjectID = 0 },
		"parallel": func(c *ClientConfig) { c.MaxParallelConnects = 0 },
		"rate":     func(c *ClientConfig) { c.ConnectRate.PerSecond = -1 },
		"debounce": func(c *ClientConfig) { c.SaveDebounce = 0 },
	}
	for name, mutate := range cases {
		c := validClient()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	t.Setenv("DRAFTSYNC_TEST_TOKEN", "s3cret")
	data := `
app:
  log_level: debug
  http:
    port: 9090
sqlite:
  path: ./n.db
attachments:
  path: ./blobs
auth:
  mode: token
  token: ${DRAFTSYNC_TEST_TOKEN}
client:
  server_url: https://review.example.com
  token: ${DRAFTSYNC_TEST_TOKEN}
  owner:
    id: 42
    username: ana
  scope:
    project_id: 7
    step_name: Comp
  save_debounce: 250ms
  connect_rate:
    per_second: 5
    burst: 2
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.HTTP.Port != 9090 || cfg.Auth.Token != "s3cret" || !cfg.Auth.AuthEnabled() {
		t.Errorf("app/auth = %+v %+v", cfg.App, cfg.Auth)
	}
	c := cfg.Client
	if c.SaveDebounce != 250*time.Millisecond || c.SavedPulse != 500*time.Millisecond {
		t.Errorf("durations = %v %v", c.SaveDebounce, c.SavedPulse)
	}
	if o := c.Owner.Owner(); o.Kind != "HumanUser" || o.ID != 42 || o.Username != "ana" {
		t.Errorf("owner = %+v", o)
	}
	if c.Scope.StepName != "Comp" || c.ConnectRate.Burst != 2 {
		t.Errorf("client = %+v", c)
	}
}
