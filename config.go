package main

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/go-authgate/session-cli/authfetch"
)

const (
	defaultServerURL = "http://localhost:8080"
	defaultClientID  = "default"
	defaultTokenFile = ".authgate-tokens.json"
	defaultLogLevel  = "warn"
)

type config struct {
	ServerURL      string
	ClientID       string
	TokenFile      string
	RequestTimeout time.Duration
	LongRunning    []string
	LogLevel       zerolog.Level
}

// flagValues holds the raw command-line values; empty means unset.
type flagValues struct {
	serverURL   string
	clientID    string
	tokenFile   string
	timeout     string
	longRunning string
	logLevel    string
}

var (
	flagServerURL   *string
	flagClientID    *string
	flagTokenFile   *string
	flagTimeout     *string
	flagLongRunning *string
	flagLogLevel    *string
)

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Define flags (but don't parse yet to avoid conflicts with test flags)
	flagServerURL = flag.String(
		"server-url",
		"",
		"API server URL (default: http://localhost:8080 or SERVER_URL env)",
	)
	flagClientID = flag.String(
		"client-id",
		"",
		"Client ID used as the token file namespace (default: default or CLIENT_ID env)",
	)
	flagTokenFile = flag.String(
		"token-file",
		"",
		"Token storage file (default: .authgate-tokens.json or TOKEN_FILE env)",
	)
	flagTimeout = flag.String(
		"timeout",
		"",
		"Default request timeout, e.g. 30s (or REQUEST_TIMEOUT env)",
	)
	flagLongRunning = flag.String(
		"long-running",
		"",
		"Comma-separated path prefixes sent without a timeout (default: /chat or LONG_RUNNING_PATHS env)",
	)
	flagLogLevel = flag.String("log-level", "", "Log level: debug, info, warn, error (or LOG_LEVEL env)")
}

// parsedFlags returns the values of the global flags after flag.Parse.
func parsedFlags() flagValues {
	return flagValues{
		serverURL:   *flagServerURL,
		clientID:    *flagClientID,
		tokenFile:   *flagTokenFile,
		timeout:     *flagTimeout,
		longRunning: *flagLongRunning,
		logLevel:    *flagLogLevel,
	}
}

// loadConfig resolves every setting with priority flag > env > default.
func loadConfig(f flagValues) (*config, error) {
	cfg := &config{
		ServerURL: getConfig(f.serverURL, "SERVER_URL", defaultServerURL),
		ClientID:  getConfig(f.clientID, "CLIENT_ID", defaultClientID),
		TokenFile: getConfig(f.tokenFile, "TOKEN_FILE", defaultTokenFile),
	}

	if err := validateServerURL(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid SERVER_URL: %w", err)
	}

	timeout, err := parseTimeout(getConfig(f.timeout, "REQUEST_TIMEOUT", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid REQUEST_TIMEOUT: %w", err)
	}
	cfg.RequestTimeout = timeout

	cfg.LongRunning = parseList(getConfig(f.longRunning, "LONG_RUNNING_PATHS", ""))
	if len(cfg.LongRunning) == 0 {
		cfg.LongRunning = authfetch.DefaultLongRunning
	}

	level, err := zerolog.ParseLevel(getConfig(f.logLevel, "LOG_LEVEL", defaultLogLevel))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	cfg.LogLevel = level

	return cfg, nil
}

// warnings lists configuration problems worth telling the user about.
func (c *config) warnings() []string {
	var out []string
	if strings.HasPrefix(strings.ToLower(c.ServerURL), "http://") {
		out = append(out,
			"Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
			"This is only safe for local development. Use HTTPS in production.",
		)
	}
	// The client id doubles as the device id sent on sign-in.
	if c.ClientID != defaultClientID {
		if _, err := uuid.Parse(c.ClientID); err != nil {
			out = append(out, fmt.Sprintf("CLIENT_ID doesn't appear to be a valid UUID: %s", c.ClientID))
		}
	}
	return out
}

func (c *config) timeoutPolicy() authfetch.TimeoutPolicy {
	return authfetch.TimeoutPolicy{Default: c.RequestTimeout, LongRunning: c.LongRunning}
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// parseTimeout accepts a Go duration or a bare number of seconds.
// Empty selects the default; "0" disables the timer.
func parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return authfetch.DefaultTimeout, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, serr := strconv.Atoi(raw)
		if serr != nil {
			return 0, err
		}
		d = time.Duration(secs) * time.Second
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative, got: %s", raw)
	}
	return d, nil
}

func parseList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
