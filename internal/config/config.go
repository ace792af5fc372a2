package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ConfigDir     = ".bgproxy"
	ConfigFile    = "bgproxy.yaml"
	DaemonPidFile = "bgproxy.pid"
	DaemonLogFile = "bgproxy.log"

	DefaultListen      = ":8080"
	DefaultAdminListen = "127.0.0.1:19850"
	DefaultPoolName    = "default"

	DefaultMaxFails           = 1
	DefaultFailTimeout        = 10 * time.Second
	DefaultMaxAttempts        = 2
	DefaultMaxAttemptsTimeout = 10 * time.Second
	DefaultConnectTimeout     = 2 * time.Second
	DefaultSendTimeout        = 3 * time.Second
	DefaultReadTimeout        = 3 * time.Second
	DefaultMaxBodyBytes       = 10 << 20

	DefaultHealthCheckInterval = 30 * time.Second
	DefaultHealthCheckTimeout  = 5 * time.Second
	DefaultHealthCheckPath     = "/"

	DefaultStoreRetention = 7 * 24 * time.Hour
)

// DefaultRetryStatuses are the upstream statuses that count as a failed attempt.
var DefaultRetryStatuses = []int{500, 502, 503, 504}

// Role decides whether a backend is tried before or after the others.
type Role string

const (
	RolePrimary Role = "primary"
	RoleBackup  Role = "backup"
)

// Policy selects how eligible primaries are ordered.
type Policy string

const (
	PolicyFailover Policy = "failover"
	PolicyWeighted Policy = "weighted"
)

// Duration is a time.Duration that reads either a Go duration string
// ("10s", "1m30s") or a plain number of seconds.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(n * float64(time.Second)), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(v), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(v * float64(time.Second))
		return nil
	case string:
		parsed, err := parseDuration(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case nil:
		*d = 0
		return nil
	}
	return fmt.Errorf("invalid duration %s", string(data))
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// BackendConfig describes one upstream target.
type BackendConfig struct {
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Address string `json:"address" yaml:"address"`
	Role    Role   `json:"role,omitempty" yaml:"role,omitempty"`     // defaults to primary
	Weight  int    `json:"weight,omitempty" yaml:"weight,omitempty"` // only used by the weighted policy
}

// PoolConfig is the ordered backend list of one logical service.
type PoolConfig struct {
	Name     string           `json:"name,omitempty" yaml:"name,omitempty"`
	Policy   Policy           `json:"policy,omitempty" yaml:"policy,omitempty"`
	Backends []*BackendConfig `json:"backends" yaml:"backends"`
}

// HealthConfig mirrors nginx max_fails / fail_timeout.
type HealthConfig struct {
	MaxFails    int      `json:"max_fails,omitempty" yaml:"max_fails,omitempty"`
	FailTimeout Duration `json:"fail_timeout,omitempty" yaml:"fail_timeout,omitempty"`
}

// RetryConfig mirrors proxy_next_upstream_tries / proxy_next_upstream_timeout.
type RetryConfig struct {
	MaxAttempts        int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	MaxAttemptsTimeout Duration `json:"max_attempts_timeout,omitempty" yaml:"max_attempts_timeout,omitempty"`
	Statuses           []int    `json:"statuses,omitempty" yaml:"statuses,omitempty"`
}

// TimeoutConfig holds the per-attempt network timeouts.
type TimeoutConfig struct {
	Connect Duration `json:"connect,omitempty" yaml:"connect,omitempty"`
	Send    Duration `json:"send,omitempty" yaml:"send,omitempty"`
	Read    Duration `json:"read,omitempty" yaml:"read,omitempty"`
}

// ProxyConfig holds front end settings.
type ProxyConfig struct {
	MaxBodyBytes    int64 `json:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty"`
	IdentityHeaders *bool `json:"identity_headers,omitempty" yaml:"identity_headers,omitempty"` // defaults to true
	PreserveHost    *bool `json:"preserve_host,omitempty" yaml:"preserve_host,omitempty"`       // defaults to true
}

// IdentityHeadersEnabled reports whether X-Upstream-* headers are added to responses.
func (p *ProxyConfig) IdentityHeadersEnabled() bool {
	return p.IdentityHeaders == nil || *p.IdentityHeaders
}

// PreserveHostEnabled reports whether the client's Host header is sent upstream.
func (p *ProxyConfig) PreserveHostEnabled() bool {
	return p.PreserveHost == nil || *p.PreserveHost
}

// HealthCheckConfig defines the optional active health probing.
type HealthCheckConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	Timeout  Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Path     string   `json:"path,omitempty" yaml:"path,omitempty"`
}

// AdminConfig configures the admin API listener.
type AdminConfig struct {
	Disabled     bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Listen       string `json:"listen,omitempty" yaml:"listen,omitempty"`
	PasswordHash string `json:"password_hash,omitempty" yaml:"password_hash,omitempty"` // bcrypt hash; empty = no auth
}

// StoreConfig configures the SQLite metrics store. An empty path disables it.
type StoreConfig struct {
	Path      string   `json:"path,omitempty" yaml:"path,omitempty"`
	Retention Duration `json:"retention,omitempty" yaml:"retention,omitempty"`
}

// --- Webhook Configuration ---

// WebhookEvent defines the types of events that can trigger webhooks.
type WebhookEvent string

const (
	WebhookEventBackendDown WebhookEvent = "backend_down"
	WebhookEventBackendUp   WebhookEvent = "backend_up"
	WebhookEventFailover    WebhookEvent = "failover"
	WebhookEventExhausted   WebhookEvent = "exhausted"
)

// WebhookConfig defines a webhook endpoint configuration.
type WebhookConfig struct {
	Name    string            `json:"name" yaml:"name"`
	URL     string            `json:"url" yaml:"url"`
	Events  []WebhookEvent    `json:"events" yaml:"events"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Enabled bool              `json:"enabled" yaml:"enabled"`
}

// Config is the top-level configuration, read once at startup.
type Config struct {
	Listen      string             `json:"listen,omitempty" yaml:"listen,omitempty"`
	Pool        PoolConfig         `json:"pool" yaml:"pool"`
	Health      HealthConfig       `json:"health,omitempty" yaml:"health,omitempty"`
	Retry       RetryConfig        `json:"retry,omitempty" yaml:"retry,omitempty"`
	Timeouts    TimeoutConfig      `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`
	Proxy       ProxyConfig        `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	HealthCheck *HealthCheckConfig `json:"health_check,omitempty" yaml:"health_check,omitempty"`
	Admin       AdminConfig        `json:"admin,omitempty" yaml:"admin,omitempty"`
	Store       StoreConfig        `json:"store,omitempty" yaml:"store,omitempty"`
	Webhooks    []*WebhookConfig   `json:"webhooks,omitempty" yaml:"webhooks,omitempty"`
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Pool.Name == "" {
		c.Pool.Name = DefaultPoolName
	}
	if c.Pool.Policy == "" {
		c.Pool.Policy = PolicyFailover
	}
	for _, b := range c.Pool.Backends {
		if b == nil {
			continue
		}
		if b.Role == "" {
			b.Role = RolePrimary
		}
		if b.Weight == 0 {
			b.Weight = 1
		}
		if b.Name == "" {
			b.Name = defaultBackendName(b.Address)
		}
	}

	if c.Health.MaxFails == 0 {
		c.Health.MaxFails = DefaultMaxFails
	}
	if c.Health.FailTimeout == 0 {
		c.Health.FailTimeout = Duration(DefaultFailTimeout)
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Retry.MaxAttemptsTimeout == 0 {
		c.Retry.MaxAttemptsTimeout = Duration(DefaultMaxAttemptsTimeout)
	}
	if c.Retry.Statuses == nil {
		c.Retry.Statuses = append([]int(nil), DefaultRetryStatuses...)
	}

	if c.Timeouts.Connect == 0 {
		c.Timeouts.Connect = Duration(DefaultConnectTimeout)
	}
	if c.Timeouts.Send == 0 {
		c.Timeouts.Send = Duration(DefaultSendTimeout)
	}
	if c.Timeouts.Read == 0 {
		c.Timeouts.Read = Duration(DefaultReadTimeout)
	}

	if c.Proxy.MaxBodyBytes == 0 {
		c.Proxy.MaxBodyBytes = DefaultMaxBodyBytes
	}

	if hc := c.HealthCheck; hc != nil {
		if hc.Interval == 0 {
			hc.Interval = Duration(DefaultHealthCheckInterval)
		}
		if hc.Timeout == 0 {
			hc.Timeout = Duration(DefaultHealthCheckTimeout)
		}
		if hc.Path == "" {
			hc.Path = DefaultHealthCheckPath
		}
	}

	if c.Admin.Listen == "" {
		c.Admin.Listen = DefaultAdminListen
	}
	if c.Store.Retention == 0 {
		c.Store.Retention = Duration(DefaultStoreRetention)
	}
}

// defaultBackendName returns host:port of addr, or addr itself if it does not parse.
func defaultBackendName(addr string) string {
	s := addr
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return addr
	}
	return s
}

// Primaries returns the backends configured with the primary role, in order.
func (c *Config) Primaries() []*BackendConfig {
	return c.backendsWithRole(RolePrimary)
}

// Backups returns the backends configured with the backup role, in order.
func (c *Config) Backups() []*BackendConfig {
	return c.backendsWithRole(RoleBackup)
}

func (c *Config) backendsWithRole(role Role) []*BackendConfig {
	var out []*BackendConfig
	for _, b := range c.Pool.Backends {
		if b != nil && b.Role == role {
			out = append(out, b)
		}
	}
	return out
}

// RetryStatusSet returns Retry.Statuses as a lookup set.
func (c *Config) RetryStatusSet() map[int]bool {
	set := make(map[int]bool, len(c.Retry.Statuses))
	for _, s := range c.Retry.Statuses {
		set[s] = true
	}
	return set
}

// WebhooksFor returns the enabled webhooks subscribed to event.
func (c *Config) WebhooksFor(event WebhookEvent) []*WebhookConfig {
	var out []*WebhookConfig
	for _, wh := range c.Webhooks {
		if wh == nil || !wh.Enabled {
			continue
		}
		for _, e := range wh.Events {
			if e == event {
				out = append(out, wh)
				break
			}
		}
	}
	return out
}
