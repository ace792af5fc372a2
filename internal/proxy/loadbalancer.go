package proxy

import (
	"sync"

	"github.com/dopejs/bgproxy/internal/config"
)

// LoadBalancer orders the eligible primaries of a pool according to its policy.
// Backups always follow in registration order and are never reordered.
type LoadBalancer struct {
	policy config.Policy

	mu      sync.Mutex
	current map[*Backend]int // smooth weighted round-robin state
}

// NewLoadBalancer creates a balancer for policy.
func NewLoadBalancer(policy config.Policy) *LoadBalancer {
	return &LoadBalancer{
		policy:  policy,
		current: make(map[*Backend]int),
	}
}

// Select returns primaries reordered for one request. The input slice is not
// modified.
func (lb *LoadBalancer) Select(primaries []*Backend) []*Backend {
	if len(primaries) <= 1 || lb.policy != config.PolicyWeighted {
		return primaries
	}
	first := lb.pickWeighted(primaries)

	result := make([]*Backend, 0, len(primaries))
	result = append(result, primaries[first])
	for i, b := range primaries {
		if i != first {
			result = append(result, b)
		}
	}
	return result
}

// pickWeighted runs one round of smooth weighted round-robin over candidates
// and returns the index of the winner.
func (lb *LoadBalancer) pickWeighted(candidates []*Backend) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	total := 0
	best := -1
	for i, b := range candidates {
		lb.current[b] += b.Weight
		total += b.Weight
		if best < 0 || lb.current[b] > lb.current[candidates[best]] {
			best = i
		}
	}
	lb.current[candidates[best]] -= total
	return best
}
