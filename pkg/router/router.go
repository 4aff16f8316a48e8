// Package router holds the registered execution providers and selects one
// per request under capability and cost constraints.
package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odvcencio/warden/pkg/fserr"
	"github.com/odvcencio/warden/pkg/provider"
)

// Needs captures what a request demands from a provider. The router only
// reads provider-advertised metadata and health; it never mutates them.
type Needs struct {
	Interactive bool
	Network     bool
	MaxMemoryMB int64
	MaxCPUs     float64
	MaxDiskMB   int64
	Duration    time.Duration
}

// Router is the provider registry. Reads vastly outnumber registrations, so
// the provider map sits behind a reader/writer lock.
type Router struct {
	mu        sync.RWMutex
	providers map[string]provider.Provider
	order     []string
}

// New creates an empty router.
func New() *Router {
	return &Router{providers: make(map[string]provider.Provider)}
}

// Register adds a provider. Re-registering an id replaces the previous entry
// but keeps its position in the listing order.
func (r *Router) Register(p provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := p.ID()
	if _, exists := r.providers[id]; !exists {
		r.order = append(r.order, id)
	}
	r.providers[id] = p
}

// Get returns a provider by id.
func (r *Router) Get(id string) (provider.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, fserr.Newf(fserr.CodeNotFound, "unknown provider %q", id)
	}
	return p, nil
}

// List returns the registered provider ids in registration order.
func (r *Router) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Select returns the cheapest Available provider that satisfies needs. A
// failed selection has no side effects anywhere.
func (r *Router) Select(ctx context.Context, needs Needs) (provider.Provider, error) {
	r.mu.RLock()
	candidates := make([]provider.Provider, 0, len(r.order))
	for _, id := range r.order {
		candidates = append(candidates, r.providers[id])
	}
	r.mu.RUnlock()

	type scored struct {
		p    provider.Provider
		cost float64
	}
	var eligible []scored
	for _, p := range candidates {
		if p.Health(ctx).State != provider.HealthAvailable {
			continue
		}
		if !satisfies(p.Metadata(), needs) {
			continue
		}
		eligible = append(eligible, scored{p: p, cost: p.Metadata().Pricing.Estimate(needs.Duration)})
	}
	if len(eligible) == 0 {
		return nil, fserr.New(fserr.CodeProviderFailure, "no available provider satisfies the request")
	}

	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].cost < eligible[j].cost })
	return eligible[0].p, nil
}

func satisfies(md provider.Metadata, needs Needs) bool {
	if needs.Interactive && !md.SupportsInteractive {
		return false
	}
	if needs.Network && !md.SupportsNetwork {
		return false
	}
	if md.MaxMemoryMB > 0 && needs.MaxMemoryMB > md.MaxMemoryMB {
		return false
	}
	if md.MaxCPUs > 0 && needs.MaxCPUs > md.MaxCPUs {
		return false
	}
	if md.MaxDiskMB > 0 && needs.MaxDiskMB > md.MaxDiskMB {
		return false
	}
	return true
}
