package router

import (
	"context"
	"testing"
	"time"

	"github.com/odvcencio/warden/pkg/fserr"
	"github.com/odvcencio/warden/pkg/provider"
)

// stub implements provider.Provider with fixed metadata and health.
type stub struct {
	id     string
	md     provider.Metadata
	health provider.HealthState
}

func (s *stub) ID() string                 { return s.id }
func (s *stub) RequiresAccountAuth() bool  { return false }
func (s *stub) Metadata() provider.Metadata { return s.md }
func (s *stub) Images(context.Context) ([]provider.Image, error) {
	return nil, nil
}
func (s *stub) Health(context.Context) provider.Health {
	return provider.Health{State: s.health}
}
func (s *stub) Submit(context.Context, provider.SubmitRequest) (string, error) {
	return "", nil
}
func (s *stub) GetSession(context.Context, string) (provider.SessionStatus, error) {
	return provider.SessionStatus{}, nil
}
func (s *stub) SubmitExec(context.Context, string, string) (string, error) {
	return "", nil
}
func (s *stub) GetExec(context.Context, string, string) (provider.ExecStatus, error) {
	return provider.ExecStatus{}, nil
}
func (s *stub) PollOutput(context.Context, string) ([]byte, error)         { return nil, nil }
func (s *stub) PollExecOutput(context.Context, string, string) ([]byte, error) {
	return nil, nil
}
func (s *stub) ReadFile(context.Context, string, string, int64, int64) ([]byte, error) {
	return nil, nil
}
func (s *stub) WriteFile(context.Context, string, string, []byte, int64) error { return nil }
func (s *stub) Stop(context.Context, string) error                             { return nil }

func available(id string, md provider.Metadata) *stub {
	return &stub{id: id, md: md, health: provider.HealthAvailable}
}

func TestGetUnknownProvider(t *testing.T) {
	r := New()
	if _, err := r.Get("nope"); !fserr.IsCode(err, fserr.CodeNotFound) {
		t.Errorf("got %v, want NOT_FOUND", err)
	}
}

func TestListKeepsRegistrationOrder(t *testing.T) {
	r := New()
	r.Register(available("b", provider.Metadata{}))
	r.Register(available("a", provider.Metadata{}))
	r.Register(available("b", provider.Metadata{Name: "replaced"}))

	ids := r.List()
	if len(ids) != 2 || ids[0] != "b" || ids[1] != "a" {
		t.Errorf("order = %v, want [b a]", ids)
	}
	p, err := r.Get("b")
	if err != nil {
		t.Fatal(err)
	}
	if p.Metadata().Name != "replaced" {
		t.Error("re-registration did not replace the provider")
	}
}

func TestSelectCheapest(t *testing.T) {
	r := New()
	r.Register(available("expensive", provider.Metadata{
		Pricing: provider.Pricing{BaseCost: 1.0},
	}))
	r.Register(available("cheap", provider.Metadata{
		Pricing: provider.Pricing{BaseCost: 0.01, PerSecond: 0.001},
	}))

	p, err := r.Select(context.Background(), Needs{Duration: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if p.ID() != "cheap" {
		t.Errorf("selected %s, want cheap", p.ID())
	}
}

func TestSelectSkipsUnhealthy(t *testing.T) {
	r := New()
	r.Register(&stub{id: "down", health: provider.HealthUnavailable})
	r.Register(&stub{id: "degraded", health: provider.HealthDegraded})

	if _, err := r.Select(context.Background(), Needs{}); !fserr.IsCode(err, fserr.CodeProviderFailure) {
		t.Errorf("got %v, want PROVIDER_FAILURE", err)
	}
}

func TestSelectCapabilityFilters(t *testing.T) {
	r := New()
	r.Register(available("batch-only", provider.Metadata{
		Pricing: provider.Pricing{BaseCost: 0.001},
	}))
	r.Register(available("full", provider.Metadata{
		Pricing:             provider.Pricing{BaseCost: 0.5},
		SupportsInteractive: true,
		SupportsNetwork:     true,
	}))

	tests := []struct {
		name  string
		needs Needs
		want  string
	}{
		{"cheapest wins when both satisfy", Needs{}, "batch-only"},
		{"interactive excludes batch-only", Needs{Interactive: true}, "full"},
		{"network excludes batch-only", Needs{Network: true}, "full"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Select(context.Background(), tt.needs)
			if err != nil {
				t.Fatal(err)
			}
			if p.ID() != tt.want {
				t.Errorf("selected %s, want %s", p.ID(), tt.want)
			}
		})
	}
}

func TestSelectResourceCeilings(t *testing.T) {
	r := New()
	r.Register(available("small", provider.Metadata{
		MaxMemoryMB: 512,
		Pricing:     provider.Pricing{BaseCost: 0.001},
	}))
	r.Register(available("large", provider.Metadata{
		MaxMemoryMB: 8192,
		Pricing:     provider.Pricing{BaseCost: 0.5},
	}))

	p, err := r.Select(context.Background(), Needs{MaxMemoryMB: 1024})
	if err != nil {
		t.Fatal(err)
	}
	if p.ID() != "large" {
		t.Errorf("selected %s, want large", p.ID())
	}
}
