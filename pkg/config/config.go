// Package config loads fixloop's daemon configuration from a TOML or YAML
// file, applies FIXLOOP_* environment overrides and defaults, and watches the
// file for changes so limits can be adjusted without a restart.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"fixloop/pkg/admission"
	"fixloop/pkg/budget"
	"fixloop/pkg/fixattempt"
	"fixloop/pkg/orchestrator"
	"fixloop/pkg/protocol"
)

// Runner kinds.
const (
	RunnerGitHub = "github" // GitHub REST API
	RunnerGH     = "gh"     // gh CLI subprocess
)

// Duration is a time.Duration written as a string such as "90m" or "24h".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Limits are the hot-reloadable admission limits.
type Limits struct {
	MaxSpawns     int `toml:"max_spawns" yaml:"max_spawns"`
	MaxConcurrent int `toml:"max_concurrent" yaml:"max_concurrent"`
}

// Spawn configures the spawn lifecycle.
type Spawn struct {
	Timeout      Duration `toml:"timeout" yaml:"timeout"`
	ReapInterval Duration `toml:"reap_interval" yaml:"reap_interval"`
}

// Verification configures post-deploy fix verification.
type Verification struct {
	ObservationWindow Duration `toml:"observation_window" yaml:"observation_window"`
	Tolerance         int      `toml:"tolerance" yaml:"tolerance"`
	ErrorSource       string   `toml:"error_source" yaml:"error_source"`
}

// Runner configures the CI job runner.
type Runner struct {
	Kind    string `toml:"kind" yaml:"kind"`
	Owner   string `toml:"owner" yaml:"owner"`
	Repo    string `toml:"repo" yaml:"repo"`
	Token   string `toml:"token" yaml:"token"`
	BaseURL string `toml:"base_url" yaml:"base_url"`
	Ref     string `toml:"ref" yaml:"ref"`
	// Workflows maps plan/implement/fix to workflow files.
	Workflows map[string]string `toml:"workflows" yaml:"workflows"`
}

// Notify configures out-of-band notifications.
type Notify struct {
	WebhookURL    string   `toml:"webhook_url" yaml:"webhook_url"`
	WebhookSecret string   `toml:"webhook_secret" yaml:"webhook_secret"`
	Timeout       Duration `toml:"timeout" yaml:"timeout"`
}

// Config is the daemon configuration.
type Config struct {
	DBPath         string   `toml:"db_path" yaml:"db_path"`
	Listen         string   `toml:"listen" yaml:"listen"`
	AuthToken      string   `toml:"auth_token" yaml:"auth_token"`
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
	LogLevel       string   `toml:"log_level" yaml:"log_level"`

	Limits       Limits       `toml:"limits" yaml:"limits"`
	Spawn        Spawn        `toml:"spawn" yaml:"spawn"`
	Verification Verification `toml:"verification" yaml:"verification"`
	Runner       Runner       `toml:"runner" yaml:"runner"`
	Notify       Notify       `toml:"notify" yaml:"notify"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(stateHome(), "state.db")
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Limits.MaxSpawns <= 0 {
		c.Limits.MaxSpawns = budget.DefaultMaxSpawns
	}
	if c.Limits.MaxConcurrent <= 0 {
		c.Limits.MaxConcurrent = admission.DefaultMaxConcurrent
	}
	if c.Spawn.Timeout <= 0 {
		c.Spawn.Timeout = Duration(orchestrator.DefaultSpawnTimeout)
	}
	if c.Spawn.ReapInterval <= 0 {
		c.Spawn.ReapInterval = Duration(5 * time.Minute)
	}
	if c.Verification.ObservationWindow <= 0 {
		c.Verification.ObservationWindow = Duration(fixattempt.DefaultObservationWindow)
	}
	if c.Verification.ErrorSource == "" {
		c.Verification.ErrorSource = protocol.DefaultErrorSource
	}
	if c.Runner.Kind == "" {
		c.Runner.Kind = RunnerGitHub
	}
	if c.Runner.Ref == "" {
		c.Runner.Ref = "main"
	}
	if c.Notify.Timeout <= 0 {
		c.Notify.Timeout = Duration(10 * time.Second)
	}
}

// stateHome returns FIXLOOP_HOME or ~/.fixloop.
func stateHome() string {
	if v := os.Getenv("FIXLOOP_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return protocol.StateDir
	}
	return filepath.Join(home, protocol.StateDir)
}

// Load reads path (.toml, .yaml or .yml), applies environment overrides and
// defaults, and validates the result. An empty path loads Default() with
// environment overrides.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, data, c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func decode(path string, data []byte, c *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(c)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format %q (want .toml, .yaml or .yml)", filepath.Ext(path))
	}
}

// applyEnv overrides file values with FIXLOOP_* variables. GITHUB_TOKEN is
// used when no runner token is configured.
func (c *Config) applyEnv() error {
	strs := []struct {
		key string
		dst *string
	}{
		{"FIXLOOP_DB_PATH", &c.DBPath},
		{"FIXLOOP_LISTEN", &c.Listen},
		{"FIXLOOP_AUTH_TOKEN", &c.AuthToken},
		{"FIXLOOP_LOG_LEVEL", &c.LogLevel},
		{"FIXLOOP_RUNNER", &c.Runner.Kind},
		{"FIXLOOP_GITHUB_TOKEN", &c.Runner.Token},
		{"FIXLOOP_WEBHOOK_URL", &c.Notify.WebhookURL},
		{"FIXLOOP_WEBHOOK_SECRET", &c.Notify.WebhookSecret},
	}
	for _, s := range strs {
		if v := os.Getenv(s.key); v != "" {
			*s.dst = v
		}
	}
	if c.Runner.Token == "" {
		c.Runner.Token = os.Getenv("GITHUB_TOKEN")
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"FIXLOOP_MAX_SPAWNS", &c.Limits.MaxSpawns},
		{"FIXLOOP_MAX_CONCURRENT", &c.Limits.MaxConcurrent},
	}
	for _, n := range ints {
		v := os.Getenv(n.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", n.key, err)
		}
		*n.dst = parsed
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Limits.MaxSpawns < 1:
		return &protocol.ValidationError{Field: "limits.max_spawns", Reason: "must be at least 1"}
	case c.Limits.MaxConcurrent < 1:
		return &protocol.ValidationError{Field: "limits.max_concurrent", Reason: "must be at least 1"}
	case c.Verification.Tolerance < 0:
		return &protocol.ValidationError{Field: "verification.tolerance", Reason: "must not be negative"}
	case c.Runner.Kind != RunnerGitHub && c.Runner.Kind != RunnerGH:
		return &protocol.ValidationError{Field: "runner.kind", Reason: fmt.Sprintf("unknown runner %q", c.Runner.Kind)}
	}
	for name := range c.Runner.Workflows {
		if _, err := protocol.ParseWorkflow(name); err != nil {
			return &protocol.ValidationError{Field: "runner.workflows", Reason: fmt.Sprintf("unknown workflow %q", name)}
		}
	}
	if c.Notify.WebhookSecret != "" && c.Notify.WebhookURL == "" {
		return &protocol.ValidationError{Field: "notify.webhook_secret", Reason: "set without notify.webhook_url"}
	}
	return nil
}

// RepoSlug returns "owner/repo", or "" when either is unset.
func (r Runner) RepoSlug() string {
	if r.Owner == "" || r.Repo == "" {
		return ""
	}
	return r.Owner + "/" + r.Repo
}

// WorkflowFiles converts Workflows to the dispatcher's keyed form.
func (r Runner) WorkflowFiles() map[protocol.Workflow]string {
	out := make(map[protocol.Workflow]string, len(r.Workflows))
	for name, file := range r.Workflows {
		if wf, err := protocol.ParseWorkflow(name); err == nil {
			out[wf] = file
		}
	}
	return out
}
