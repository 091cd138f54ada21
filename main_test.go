package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/go-authgate/session-cli/authapi"
	"github.com/go-authgate/session-cli/authfetch"
	"github.com/go-authgate/session-cli/session"
	"github.com/go-authgate/session-cli/tui"
)

// clearConfigEnv unsets every variable loadConfig reads.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SERVER_URL", "CLIENT_ID", "TOKEN_FILE",
		"REQUEST_TIMEOUT", "LONG_RUNNING_PATHS", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestGetConfig_Priority(t *testing.T) {
	t.Setenv("SESSION_CLI_TEST_KEY", "from-env")

	if got := getConfig("from-flag", "SESSION_CLI_TEST_KEY", "default"); got != "from-flag" {
		t.Errorf("flag should win, got %q", got)
	}
	if got := getConfig("", "SESSION_CLI_TEST_KEY", "default"); got != "from-env" {
		t.Errorf("env should win over default, got %q", got)
	}
	if got := getConfig("", "SESSION_CLI_TEST_UNSET", "default"); got != "default" {
		t.Errorf("default expected, got %q", got)
	}
}

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		errContains string
	}{
		{name: "https", url: "https://api.example.com"},
		{name: "http with port", url: "http://localhost:8000"},
		{name: "empty", url: "", errContains: "cannot be empty"},
		{name: "ftp scheme", url: "ftp://example.com", errContains: "scheme must be http or https"},
		{name: "no host", url: "http://", errContains: "must include a host"},
		{name: "garbage", url: "://nope", errContains: "invalid URL format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateServerURL(tt.url)
			if tt.errContains == "" {
				if err != nil {
					t.Errorf("validateServerURL(%q) unexpected error = %v", tt.url, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("validateServerURL(%q) error = %v, want error containing %q", tt.url, err, tt.errContains)
			}
		})
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := loadConfig(flagValues{})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.ServerURL != defaultServerURL || cfg.ClientID != defaultClientID || cfg.TokenFile != defaultTokenFile {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.RequestTimeout != authfetch.DefaultTimeout {
		t.Errorf("RequestTimeout = %v, want %v", cfg.RequestTimeout, authfetch.DefaultTimeout)
	}
	if len(cfg.LongRunning) != 1 || cfg.LongRunning[0] != "/chat" {
		t.Errorf("LongRunning = %v, want [/chat]", cfg.LongRunning)
	}
	if cfg.LogLevel != zerolog.WarnLevel {
		t.Errorf("LogLevel = %v, want warn", cfg.LogLevel)
	}
}

func TestLoadConfig_EnvAndFlags(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("SERVER_URL", "https://env.example.com")
	t.Setenv("REQUEST_TIMEOUT", "45")
	t.Setenv("LONG_RUNNING_PATHS", " /chat , /reports ,")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := loadConfig(flagValues{serverURL: "https://flag.example.com", timeout: "2m"})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.ServerURL != "https://flag.example.com" {
		t.Errorf("ServerURL = %q, flag should win", cfg.ServerURL)
	}
	if cfg.RequestTimeout != 2*time.Minute {
		t.Errorf("RequestTimeout = %v, want 2m", cfg.RequestTimeout)
	}
	if got := strings.Join(cfg.LongRunning, ","); got != "/chat,/reports" {
		t.Errorf("LongRunning = %q", got)
	}
	if cfg.LogLevel != zerolog.DebugLevel {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if p := cfg.timeoutPolicy(); p.For("/reports/2026") != 0 || p.For("/bookings") != 2*time.Minute {
		t.Errorf("timeoutPolicy() = %+v", p)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name        string
		flags       flagValues
		errContains string
	}{
		{name: "server url", flags: flagValues{serverURL: "ftp://x"}, errContains: "invalid SERVER_URL"},
		{name: "timeout", flags: flagValues{timeout: "soon"}, errContains: "invalid REQUEST_TIMEOUT"},
		{name: "negative timeout", flags: flagValues{timeout: "-5s"}, errContains: "must not be negative"},
		{name: "log level", flags: flagValues{logLevel: "loud"}, errContains: "invalid LOG_LEVEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			_, err := loadConfig(tt.flags)
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("loadConfig() error = %v, want error containing %q", err, tt.errContains)
			}
		})
	}
}

func TestParseTimeout(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"", authfetch.DefaultTimeout},
		{"0", 0},
		{"10", 10 * time.Second},
		{"1500ms", 1500 * time.Millisecond},
	}
	for _, tt := range tests {
		got, err := parseTimeout(tt.raw)
		if err != nil || got != tt.want {
			t.Errorf("parseTimeout(%q) = %v, %v; want %v", tt.raw, got, err, tt.want)
		}
	}
}

func TestConfigWarnings(t *testing.T) {
	cfg := &config{ServerURL: "http://localhost:8080", ClientID: "not-a-uuid"}
	warnings := cfg.warnings()
	if len(warnings) != 3 {
		t.Fatalf("warnings = %q, want plaintext pair and uuid warning", warnings)
	}

	cfg = &config{ServerURL: "https://api.example.com", ClientID: defaultClientID}
	if warnings := cfg.warnings(); len(warnings) != 0 {
		t.Errorf("warnings = %q, want none", warnings)
	}
}

// redirectRecorder captures redirects reported to the user.
type redirectRecorder struct {
	tui.NoopDisplayer
	redirects []string
}

func (r *redirectRecorder) Redirected(from, to string) {
	r.redirects = append(r.redirects, from+"->"+to)
}

func TestDisplayNavigator_ReportsRedirects(t *testing.T) {
	d := &redirectRecorder{}
	nav := &displayNavigator{Router: session.NewRouter("/weather"), d: d}

	nav.Navigate(session.RouteSignIn)
	nav.Navigate(session.RouteSignIn)

	if len(d.redirects) != 1 || d.redirects[0] != "/weather->/signin" {
		t.Errorf("redirects = %v", d.redirects)
	}
}

// fakeBackend plays the API: sign-in issues A1/R1, /api/profile accepts A1.
type fakeBackend struct {
	*httptest.Server
	logouts atomic.Int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	mux := http.NewServeMux()
	mux.HandleFunc(authapi.PathLogin, func(w http.ResponseWriter, r *http.Request) {
		var creds authapi.Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Password != "hunter22" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(authapi.ErrorResponse{Error: "Unauthorized", Message: "Invalid credentials"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "A1",
			"refresh_token": "R1",
			"token_type":    "bearer",
			"expires_in":    900,
		})
	})
	mux.HandleFunc(authapi.PathLogout, func(w http.ResponseWriter, r *http.Request) {
		fb.logouts.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"message": "Logged out successfully"})
	})
	mux.HandleFunc("/api/profile", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer A1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"email": "farmer@example.com"})
	})
	fb.Server = httptest.NewServer(mux)
	t.Cleanup(fb.Close)
	return fb
}

func TestRun_SessionLifecycle(t *testing.T) {
	fb := newFakeBackend(t)
	cfg := &config{
		ServerURL:      fb.URL,
		ClientID:       defaultClientID,
		TokenFile:      filepath.Join(t.TempDir(), "tokens.json"),
		RequestTimeout: 5 * time.Second,
		LongRunning:    authfetch.DefaultLongRunning,
	}
	log := zerolog.Nop()
	d := tui.NoopDisplayer{}

	var out bytes.Buffer
	if err := run(cfg, d, log, []string{"call", "/api/profile"}, &out); !errors.Is(err, authfetch.ErrAuthRequired) {
		t.Fatalf("call before signin error = %v, want ErrAuthRequired", err)
	}

	if err := run(cfg, d, log, []string{"signin", "farmer@example.com", "wrong"}, &out); err == nil {
		t.Fatalf("signin with wrong password should fail")
	}
	if err := run(cfg, d, log, []string{"signin", "farmer@example.com", "hunter22"}, &out); err != nil {
		t.Fatalf("signin error = %v", err)
	}

	out.Reset()
	if err := run(cfg, d, log, []string{"call", "/api/profile"}, &out); err != nil {
		t.Fatalf("call error = %v", err)
	}
	if !strings.Contains(out.String(), "farmer@example.com") {
		t.Errorf("call output = %q", out.String())
	}

	if err := run(cfg, d, log, []string{"status"}, &out); err != nil {
		t.Fatalf("status error = %v", err)
	}

	if err := run(cfg, d, log, []string{"logout"}, &out); err != nil {
		t.Fatalf("logout error = %v", err)
	}
	if fb.logouts.Load() != 1 {
		t.Errorf("server logout calls = %d, want 1", fb.logouts.Load())
	}
	if err := run(cfg, d, log, []string{"call", "/api/profile"}, &out); !errors.Is(err, authfetch.ErrAuthRequired) {
		t.Errorf("call after logout error = %v, want ErrAuthRequired", err)
	}
}

func TestRun_Usage(t *testing.T) {
	cfg := &config{
		ServerURL: "http://localhost:8080",
		ClientID:  defaultClientID,
		TokenFile: filepath.Join(t.TempDir(), "tokens.json"),
	}
	for _, args := range [][]string{
		{"bogus"},
		{"signin", "only-email"},
		{"call"},
		{"call", "-nope", "/x"},
	} {
		err := run(cfg, tui.NoopDisplayer{}, zerolog.Nop(), args, &bytes.Buffer{})
		if !errors.Is(err, errUsage) {
			t.Errorf("run(%v) error = %v, want errUsage", args, err)
		}
	}
}
