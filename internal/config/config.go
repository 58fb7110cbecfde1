// Package config loads the YAML configuration described in spec §6: a
// mapping of recognized keys, an optional "include: [glob, ...]" directive
// that recursively merges further files (later file wins), and finally
// CLI "key=value" overrides applied last.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// TLSVerifyMode selects the peer-certificate verification policy.
type TLSVerifyMode string

const (
	TLSVerifyNone     TLSVerifyMode = "none"
	TLSVerifyOptional TLSVerifyMode = "optional"
	TLSVerifyRequired TLSVerifyMode = "required"
)

// Config holds the recognized configuration keys from spec §6. Mutable
// fields are protected by an RWMutex and accessed via getter/setter pairs,
// matching the teacher's pattern, even though spec.md mandates no
// hot-reloadable field beyond the TLS material a certificate-reload
// watcher may replace at runtime.
type Config struct {
	// Both (agent + manager)
	TLSCertFile      string
	TLSKeyFile       string
	TLSKeyPassword   string
	TLSCAFile        string
	TLSCAPath        string
	TLSCAData        string
	TLSVerifyMode    TLSVerifyMode
	TLSCheckHostname bool
	PingInterval     time.Duration
	PingTimeout      time.Duration
	MaxMessageSize   uint32

	// Agent
	ManagerHost              string
	ManagerPort              int
	AgentID                  string
	AgentSecret              string
	HelloTimeout             time.Duration
	DataRequestTimeout       time.Duration
	OperationModulesCacheDir string

	// Manager
	BindHost                string
	BindPort                int
	DataBaseDir             string
	CommandLogFile          string
	CommandLogMaxAge        time.Duration
	CommandLogPurgeInterval time.Duration

	// Console API (api_*) — out of core spec scope but carried as ambient
	// stack per SPEC_FULL.md's DOMAIN STACK / Console API section.
	APIBindHost      string
	APIBindPort      int
	APISessionSecret string
	APITOTPIssuer    string
	APICookieSecure  bool
	APISessionExpiry time.Duration
	LogJSON          bool
	MetricsEnabled   bool
	MetricsTextfile  string
	MetricsInterval  time.Duration

	// NotifyChannelsFile points at a JSON file holding a []notify.Channel
	// array, loaded once at startup to build the Manager's notification
	// fan-out. Empty means no external channels — the log notifier still
	// records every event.
	NotifyChannelsFile string

	// APIWebAuthnRPID enables passkey registration/login on the console API
	// when non-empty: it must be the domain (no scheme/port) the console is
	// served under. APIWebAuthnOrigins is a comma-separated list of the
	// full origins (scheme+host[:port]) browsers will present it from.
	APIWebAuthnRPID          string
	APIWebAuthnRPDisplayName string
	APIWebAuthnOrigins       string

	// mu protects the fields below, which may be replaced by the
	// certificate-reload watcher after Load().
	mu          sync.RWMutex
	tlsCertFile string
	tlsKeyFile  string
}

// defaults returns a Config populated with spec.md's documented defaults.
func defaults() *Config {
	return &Config{
		TLSVerifyMode:            TLSVerifyRequired,
		TLSCheckHostname:         true,
		PingInterval:             30 * time.Second,
		PingTimeout:              10 * time.Second,
		MaxMessageSize:           1 << 20,
		ManagerPort:              7051,
		HelloTimeout:             10 * time.Second,
		DataRequestTimeout:       30 * time.Second,
		OperationModulesCacheDir: "/var/lib/fleet-agent/operations",
		BindHost:                 "0.0.0.0",
		BindPort:                 7051,
		DataBaseDir:              "/var/lib/fleet-manager",
		CommandLogFile:           "/var/lib/fleet-manager/commands.bolt",
		CommandLogMaxAge:         30 * 24 * time.Hour,
		CommandLogPurgeInterval:  time.Hour,
		APIBindHost:              "0.0.0.0",
		APIBindPort:              7050,
		APITOTPIssuer:            "fleet",
		APICookieSecure:          true,
		APISessionExpiry:         720 * time.Hour,
		MetricsInterval:          15 * time.Second,
		LogJSON:                  true,
	}
}

// rawDoc is the YAML shape of a single config file: recognized keys plus
// an "include" directive. Keys map 1:1 to spec.md §6's key names.
type rawDoc map[string]any

// Load reads the config file at path, recursively merging any files named
// by its "include" glob list (later file wins over earlier ones, and the
// top-level file's own keys win over everything it includes), then applies
// overrides of the form "key=value" from cliOverrides, applied in order.
func Load(path string, cliOverrides []string) (*Config, error) {
	merged, err := loadMerged(path, map[string]bool{})
	if err != nil {
		return nil, err
	}
	for _, kv := range cliOverrides {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid override %q: expected key=value", kv)
		}
		merged[k] = v
	}
	cfg := defaults()
	if err := cfg.apply(merged); err != nil {
		return nil, err
	}
	cfg.mu.Lock()
	cfg.tlsCertFile = cfg.TLSCertFile
	cfg.tlsKeyFile = cfg.TLSKeyFile
	cfg.mu.Unlock()
	return cfg, nil
}

// loadMerged reads path and recursively merges files named by its
// "include" glob list. seen guards against include cycles.
func loadMerged(path string, seen map[string]bool) (rawDoc, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", path, err)
	}
	if seen[abs] {
		return nil, fmt.Errorf("config include cycle at %q", path)
	}
	seen[abs] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	var doc rawDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if doc == nil {
		doc = rawDoc{}
	}

	merged := rawDoc{}
	if includes, ok := doc["include"]; ok {
		patterns, ok := toStringSlice(includes)
		if !ok {
			return nil, fmt.Errorf("config %q: include must be a list of strings", path)
		}
		base := filepath.Dir(path)
		for _, pattern := range patterns {
			if !filepath.IsAbs(pattern) {
				pattern = filepath.Join(base, pattern)
			}
			matches, err := filepath.Glob(pattern)
			if err != nil {
				return nil, fmt.Errorf("config %q: bad include glob %q: %w", path, pattern, err)
			}
			for _, m := range matches {
				sub, err := loadMerged(m, seen)
				if err != nil {
					return nil, err
				}
				for k, v := range sub {
					merged[k] = v
				}
			}
		}
	}
	for k, v := range doc {
		if k == "include" {
			continue
		}
		merged[k] = v
	}
	return merged, nil
}

func toStringSlice(v any) ([]string, bool) {
	raw, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// apply decodes merged's recognized keys into cfg's fields.
func (c *Config) apply(merged rawDoc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := merged[key]; ok {
			if s, ok := v.(string); ok {
				*dst = s
			} else {
				errs = append(errs, fmt.Errorf("%s must be a string, got %T", key, v))
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := merged[key]; ok {
			switch b := v.(type) {
			case bool:
				*dst = b
			case string:
				parsed, err := strconv.ParseBool(b)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s must be a bool, got %q", key, b))
					return
				}
				*dst = parsed
			default:
				errs = append(errs, fmt.Errorf("%s must be a bool, got %T", key, v))
			}
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := merged[key]; ok {
			n, err := toInt(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	u32 := func(key string, dst *uint32) {
		if v, ok := merged[key]; ok {
			n, err := toInt(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = uint32(n)
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := merged[key]; ok {
			d, err := toDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("tls_cert_file", &c.TLSCertFile)
	str("tls_key_file", &c.TLSKeyFile)
	str("tls_key_password", &c.TLSKeyPassword)
	str("tls_ca_file", &c.TLSCAFile)
	str("tls_ca_path", &c.TLSCAPath)
	str("tls_ca_data", &c.TLSCAData)
	if v, ok := merged["tls_verify_mode"]; ok {
		s, ok := v.(string)
		if !ok {
			errs = append(errs, fmt.Errorf("tls_verify_mode must be a string"))
		} else {
			switch TLSVerifyMode(s) {
			case TLSVerifyNone, TLSVerifyOptional, TLSVerifyRequired:
				c.TLSVerifyMode = TLSVerifyMode(s)
			default:
				errs = append(errs, fmt.Errorf("tls_verify_mode must be one of none, optional, required, got %q", s))
			}
		}
	}
	boolean("tls_check_hostname", &c.TLSCheckHostname)
	duration("ping_interval", &c.PingInterval)
	duration("ping_timeout", &c.PingTimeout)
	u32("max_message_size", &c.MaxMessageSize)

	str("manager_host", &c.ManagerHost)
	integer("manager_port", &c.ManagerPort)
	str("agent_id", &c.AgentID)
	str("agent_secret", &c.AgentSecret)
	duration("hello_timeout", &c.HelloTimeout)
	duration("data_request_timeout", &c.DataRequestTimeout)
	str("operation_modules_cache_dir", &c.OperationModulesCacheDir)

	str("bind_host", &c.BindHost)
	integer("bind_port", &c.BindPort)
	str("data_base_dir", &c.DataBaseDir)
	str("command_log_file", &c.CommandLogFile)
	duration("command_log_max_age", &c.CommandLogMaxAge)
	duration("command_log_purge_interval", &c.CommandLogPurgeInterval)

	str("api_bind_host", &c.APIBindHost)
	integer("api_bind_port", &c.APIBindPort)
	str("api_session_secret", &c.APISessionSecret)
	str("api_totp_issuer", &c.APITOTPIssuer)
	boolean("api_cookie_secure", &c.APICookieSecure)
	duration("api_session_expiry", &c.APISessionExpiry)
	boolean("log_json", &c.LogJSON)
	boolean("metrics_enabled", &c.MetricsEnabled)
	str("metrics_textfile", &c.MetricsTextfile)
	duration("metrics_interval", &c.MetricsInterval)
	str("notify_channels_file", &c.NotifyChannelsFile)
	str("api_webauthn_rpid", &c.APIWebAuthnRPID)
	str("api_webauthn_rp_display_name", &c.APIWebAuthnRPDisplayName)
	str("api_webauthn_origins", &c.APIWebAuthnOrigins)

	return errors.Join(errs...)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("must be an integer, got %q", n)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("must be an integer, got %T", v)
	}
}

func toDuration(v any) (time.Duration, error) {
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("must be a duration like \"30s\", got %q", d)
		}
		return parsed, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("must be a duration, got %T", v)
	}
}

// Validate checks configuration for invalid values not already caught by
// apply's per-field type checks, aggregating with errors.Join exactly as
// the teacher's config.Validate() does.
func (c *Config) Validate() error {
	var errs []error
	if c.PingInterval <= 0 {
		errs = append(errs, fmt.Errorf("ping_interval must be > 0, got %s", c.PingInterval))
	}
	if c.PingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ping_timeout must be > 0, got %s", c.PingTimeout))
	}
	if c.MaxMessageSize == 0 {
		errs = append(errs, fmt.Errorf("max_message_size must be > 0"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, fmt.Errorf("tls_cert_file and tls_key_file must both be set or both empty"))
	}
	if c.AgentID != "" && !isValidAgentID(c.AgentID) {
		errs = append(errs, fmt.Errorf("agent_id %q does not match [A-Za-z0-9_-]+", c.AgentID))
	}
	return errors.Join(errs...)
}

func isValidAgentID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

// Values returns all configuration as a string map for display, redacting
// secret-bearing fields.
func (c *Config) Values() map[string]string {
	c.mu.RLock()
	certFile := c.tlsCertFile
	keyFile := c.tlsKeyFile
	c.mu.RUnlock()

	return map[string]string{
		"tls_cert_file":               certFile,
		"tls_key_file":                redactPath(keyFile),
		"tls_verify_mode":             string(c.TLSVerifyMode),
		"ping_interval":               c.PingInterval.String(),
		"ping_timeout":                c.PingTimeout.String(),
		"max_message_size":            fmt.Sprintf("%d", c.MaxMessageSize),
		"manager_host":                c.ManagerHost,
		"manager_port":                fmt.Sprintf("%d", c.ManagerPort),
		"agent_id":                    c.AgentID,
		"agent_secret":                redactPath(c.AgentSecret),
		"bind_host":                   c.BindHost,
		"bind_port":                   fmt.Sprintf("%d", c.BindPort),
		"data_base_dir":               c.DataBaseDir,
		"command_log_file":           c.CommandLogFile,
		"command_log_max_age":        c.CommandLogMaxAge.String(),
		"command_log_purge_interval": c.CommandLogPurgeInterval.String(),
		"api_bind_host":               c.APIBindHost,
		"api_bind_port":               fmt.Sprintf("%d", c.APIBindPort),
		"api_session_secret":          redactPath(c.APISessionSecret),
		"api_session_expiry":          c.APISessionExpiry.String(),
		"log_json":                    fmt.Sprintf("%t", c.LogJSON),
		"metrics_enabled":             fmt.Sprintf("%t", c.MetricsEnabled),
		"metrics_textfile":            c.MetricsTextfile,
		"metrics_interval":            c.MetricsInterval.String(),
		"notify_channels_file":        c.NotifyChannelsFile,
		"api_webauthn_rpid":           c.APIWebAuthnRPID,
		"api_webauthn_rp_display_name": c.APIWebAuthnRPDisplayName,
		"api_webauthn_origins":        c.APIWebAuthnOrigins,
	}
}

// redactPath returns "(set)" if the value is non-empty, empty string otherwise.
func redactPath(s string) string {
	if s != "" {
		return "(set)"
	}
	return ""
}

// TLSCertFilePath returns the current cert file path (thread-safe; may be
// swapped by a certificate-reload watcher).
func (c *Config) TLSCertFilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tlsCertFile
}

// TLSKeyFilePath returns the current key file path (thread-safe).
func (c *Config) TLSKeyFilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tlsKeyFile
}

// SetTLSFiles replaces the active cert/key file paths at runtime
// (thread-safe), used by a certificate-reload watcher.
func (c *Config) SetTLSFiles(certFile, keyFile string) {
	c.mu.Lock()
	c.tlsCertFile = certFile
	c.tlsKeyFile = keyFile
	c.mu.Unlock()
}
