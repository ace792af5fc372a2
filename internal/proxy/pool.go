package proxy

import (
	"errors"
	"fmt"
	"time"

	"github.com/dopejs/bgproxy/internal/config"
)

// ErrEmptyPool is returned when a pool is built without backends.
var ErrEmptyPool = errors.New("pool has no backends")

// Pool is a named, ordered set of backends with fixed membership.
type Pool struct {
	Name   string
	Policy config.Policy

	backends []*Backend
	byName   map[string]*Backend
	balancer *LoadBalancer
}

// NewPool registers backends in the given order.
func NewPool(name string, policy config.Policy, backends []*Backend) (*Pool, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("pool %s: %w", name, ErrEmptyPool)
	}
	if policy == "" {
		policy = config.PolicyFailover
	}
	p := &Pool{
		Name:     name,
		Policy:   policy,
		backends: backends,
		byName:   make(map[string]*Backend, len(backends)),
		balancer: NewLoadBalancer(policy),
	}
	for _, b := range backends {
		if _, dup := p.byName[b.Name]; dup {
			return nil, fmt.Errorf("pool %s: duplicate backend %q", name, b.Name)
		}
		p.byName[b.Name] = b
	}
	return p, nil
}

// NewPoolFromConfig builds the pool described by pc.
func NewPoolFromConfig(pc *config.PoolConfig) (*Pool, error) {
	backends := make([]*Backend, 0, len(pc.Backends))
	for _, bc := range pc.Backends {
		b, err := NewBackend(bc)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return NewPool(pc.Name, pc.Policy, backends)
}

// ListEligible returns the backends that may be tried at now: primaries
// first, then backups, each group in registration order (the weighted policy
// may rotate which primary leads). Down backends still cooling down are left
// out.
func (p *Pool) ListEligible(now time.Time) []*Backend {
	var primaries, backups []*Backend
	for _, b := range p.backends {
		if !b.eligibleAt(now) {
			continue
		}
		if b.Role == config.RoleBackup {
			backups = append(backups, b)
		} else {
			primaries = append(primaries, b)
		}
	}
	return append(p.balancer.Select(primaries), backups...)
}

// Backends returns every registered backend in order.
func (p *Pool) Backends() []*Backend {
	out := make([]*Backend, len(p.backends))
	copy(out, p.backends)
	return out
}

// Lookup finds a backend by name.
func (p *Pool) Lookup(name string) (*Backend, bool) {
	b, ok := p.byName[name]
	return b, ok
}

// PoolSnapshot is the observable state of a pool.
type PoolSnapshot struct {
	Name     string            `json:"name"`
	Policy   config.Policy     `json:"policy"`
	Backends []BackendSnapshot `json:"backends"`
}

// Snapshot copies every backend's state.
func (p *Pool) Snapshot() PoolSnapshot {
	s := PoolSnapshot{Name: p.Name, Policy: p.Policy, Backends: make([]BackendSnapshot, 0, len(p.backends))}
	for _, b := range p.backends {
		s.Backends = append(s.Backends, b.Snapshot())
	}
	return s
}
