package config

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid config: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid config (%d problems):\n  - %s", len(e.Problems), strings.Join(e.Problems, "\n  - "))
}

func (e *ValidationError) add(format string, args ...interface{}) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Validate checks a defaulted config. It returns a *ValidationError
// describing all problems, or nil.
func (c *Config) Validate() error {
	verr := &ValidationError{}

	if len(c.Pool.Backends) == 0 {
		verr.add("pool %q has no backends", c.Pool.Name)
	}

	switch c.Pool.Policy {
	case PolicyFailover, PolicyWeighted:
	default:
		verr.add("pool.policy %q is not one of failover, weighted", c.Pool.Policy)
	}

	names := make(map[string]int)
	for i, b := range c.Pool.Backends {
		if b == nil {
			verr.add("pool.backends[%d] is empty", i)
			continue
		}
		if err := validateAddress(b.Address); err != nil {
			verr.add("pool.backends[%d] (%s): %v", i, b.Name, err)
		}
		switch b.Role {
		case RolePrimary, RoleBackup:
		default:
			verr.add("pool.backends[%d] (%s): role %q is not one of primary, backup", i, b.Name, b.Role)
		}
		if b.Weight < 1 {
			verr.add("pool.backends[%d] (%s): weight must be positive, got %d", i, b.Name, b.Weight)
		}
		if prev, ok := names[b.Name]; ok {
			verr.add("pool.backends[%d]: name %q already used by pool.backends[%d]", i, b.Name, prev)
		} else {
			names[b.Name] = i
		}
	}

	if c.Health.MaxFails < 1 {
		verr.add("health.max_fails must be at least 1, got %d", c.Health.MaxFails)
	}
	if c.Health.FailTimeout < 0 {
		verr.add("health.fail_timeout must not be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		verr.add("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.MaxAttemptsTimeout <= 0 {
		verr.add("retry.max_attempts_timeout must be positive")
	}
	for _, s := range c.Retry.Statuses {
		if s < 100 || s > 599 {
			verr.add("retry.statuses: %d is not an HTTP status", s)
		}
	}
	if c.Timeouts.Connect <= 0 || c.Timeouts.Send <= 0 || c.Timeouts.Read <= 0 {
		verr.add("timeouts.connect, timeouts.send and timeouts.read must be positive")
	}
	if c.Proxy.MaxBodyBytes < 0 {
		verr.add("proxy.max_body_bytes must not be negative")
	}

	if hc := c.HealthCheck; hc != nil && hc.Enabled {
		if hc.Interval <= 0 {
			verr.add("health_check.interval must be positive")
		}
		if !strings.HasPrefix(hc.Path, "/") {
			verr.add("health_check.path must start with /, got %q", hc.Path)
		}
	}

	if c.Admin.PasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(c.Admin.PasswordHash)); err != nil {
			verr.add("admin.password_hash is not a bcrypt hash: %v", err)
		}
	}

	for i, wh := range c.Webhooks {
		if wh == nil {
			continue
		}
		if u, err := url.Parse(wh.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			verr.add("webhooks[%d] (%s): url %q must be http or https", i, wh.Name, wh.URL)
		}
		for _, e := range wh.Events {
			switch e {
			case WebhookEventBackendDown, WebhookEventBackendUp, WebhookEventFailover, WebhookEventExhausted:
			default:
				verr.add("webhooks[%d] (%s): unknown event %q", i, wh.Name, e)
			}
		}
	}

	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

func validateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("address %q must use http or https", addr)
	}
	if u.Host == "" {
		return fmt.Errorf("address %q has no host", addr)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("address %q must not contain a query or fragment", addr)
	}
	return nil
}
