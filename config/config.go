// Package config loads the command's settings from YAML and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"oidccli/flow"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "OIDC_CLI_CONFIG"

// Config captures every setting of one invocation.
type Config struct {
	Authority string `yaml:"authority"`
	ClientID  string `yaml:"client_id"`
	Scope     string `yaml:"scope"`
	Port      int    `yaml:"port"`
	Audience  string `yaml:"audience"`

	Diagnostics bool   `yaml:"diagnostics"`
	LogLevel    string `yaml:"log_level"`

	// DisableEndpointValidation exempts the authorization, token, userinfo,
	// end_session and revocation endpoints from host validation.
	DisableEndpointValidation bool `yaml:"disable_endpoint_validation"`
	SkipSignatureCheck        bool `yaml:"skip_signature_check"`

	CallbackTimeout time.Duration `yaml:"callback_timeout"`
	NoBrowser       bool          `yaml:"no_browser"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Scope:           flow.DefaultScope,
		CallbackTimeout: flow.DefaultCallbackTimeout,
		LogLevel:        "debug",
	}
}

// Load reads the YAML file at path, if any, over the defaults and applies
// environment overrides. The result is not validated; callers merge flags
// first and then call Validate.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				return Config{}, fmt.Errorf("invalid config: %w (check for typos)", err)
			}
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OIDC_CLI_AUTHORITY":                   func(v string) { cfg.Authority = v },
		"OIDC_CLI_CLIENT_ID":                   func(v string) { cfg.ClientID = v },
		"OIDC_CLI_SCOPE":                       func(v string) { cfg.Scope = v },
		"OIDC_CLI_PORT":                        func(v string) { cfg.Port = parseInt(v, cfg.Port) },
		"OIDC_CLI_AUDIENCE":                    func(v string) { cfg.Audience = v },
		"OIDC_CLI_DIAGNOSTICS":                 func(v string) { cfg.Diagnostics = parseBool(v, cfg.Diagnostics) },
		"OIDC_CLI_LOG_LEVEL":                   func(v string) { cfg.LogLevel = v },
		"OIDC_CLI_NO_BROWSER":                  func(v string) { cfg.NoBrowser = parseBool(v, cfg.NoBrowser) },
		"OIDC_CLI_CALLBACK_TIMEOUT":            func(v string) { cfg.CallbackTimeout = parseDuration(v, cfg.CallbackTimeout) },
		"OIDC_CLI_DISABLE_ENDPOINT_VALIDATION": func(v string) { cfg.DisableEndpointValidation = parseBool(v, cfg.DisableEndpointValidation) },
		"OIDC_CLI_SKIP_SIGNATURE_CHECK":        func(v string) { cfg.SkipSignatureCheck = parseBool(v, cfg.SkipSignatureCheck) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true, "err": true}

// Validate performs sanity checks on the merged config.
func (c Config) Validate() error {
	if c.Authority == "" {
		return errors.New("authority is required")
	}
	u, err := url.Parse(c.Authority)
	if err != nil || u.Host == "" {
		return fmt.Errorf("authority must be an absolute URL, got: %s", c.Authority)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !isLoopbackHost(u.Hostname()) {
			return fmt.Errorf("authority must use https unless it is on loopback, got: %s", c.Authority)
		}
	default:
		return fmt.Errorf("authority must start with http:// or https://, got: %s", c.Authority)
	}

	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("client_id is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got: %d", c.Port)
	}
	if c.CallbackTimeout <= 0 {
		return fmt.Errorf("callback_timeout must be positive, got: %s", c.CallbackTimeout)
	}
	if c.LogLevel != "" && !logLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got: %s", c.LogLevel)
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Flow converts the config into the orchestrator's input.
func (c Config) Flow() flow.Config {
	return flow.Config{
		Authority:                 c.Authority,
		ClientID:                  c.ClientID,
		Scope:                     c.Scope,
		Port:                      c.Port,
		Audience:                  c.Audience,
		Diagnostics:               c.Diagnostics,
		DisableEndpointValidation: c.DisableEndpointValidation,
		SkipSignatureCheck:        c.SkipSignatureCheck,
		CallbackTimeout:           c.CallbackTimeout,
		NoBrowser:                 c.NoBrowser,
	}
}
