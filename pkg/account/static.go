package account

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/odvcencio/warden/pkg/fserr"
)

// StaticGateway is an in-memory gateway for deployments without an external
// authority and for tests. Credits are a local counter; holds behave exactly
// like the remote contract.
type StaticGateway struct {
	mu        sync.Mutex
	token     string
	account   string
	available float64
	reserved  float64
	holds     map[string]float64
	challenge *Challenge
}

// NewStaticGateway creates a static gateway with the given starting balance.
func NewStaticGateway(accountName string, credits float64) *StaticGateway {
	return &StaticGateway{
		account:   accountName,
		available: credits,
		holds:     make(map[string]float64),
	}
}

// Status implements Gateway.
func (g *StaticGateway) Status(_ context.Context) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		Authenticated: g.token != "",
		Account:       g.account,
		Plan:          "static",
	}, nil
}

// Credits implements Gateway.
func (g *StaticGateway) Credits(_ context.Context) (Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Balance{Available: g.available, Reserved: g.reserved, Currency: "USD"}, nil
}

// ReserveCredits implements Gateway.
func (g *StaticGateway) ReserveCredits(_ context.Context, amount float64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if amount < 0 {
		return "", fserr.Newf(fserr.CodeInvalidRequest, "negative credit hold %.4f", amount)
	}
	if amount > g.available {
		return "", fserr.Newf(fserr.CodeAccountFailure,
			"insufficient credits: need %.4f, have %.4f", amount, g.available)
	}
	id := uuid.NewString()
	g.available -= amount
	g.reserved += amount
	g.holds[id] = amount
	return id, nil
}

// ReleaseCredits implements Gateway.
func (g *StaticGateway) ReleaseCredits(_ context.Context, holdID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	amount, ok := g.holds[holdID]
	if !ok {
		return fserr.Newf(fserr.CodeNotFound, "unknown credit hold %s", holdID)
	}
	delete(g.holds, holdID)
	g.reserved -= amount
	g.available += amount
	return nil
}

// ReconcileCredits implements Gateway.
func (g *StaticGateway) ReconcileCredits(_ context.Context, holdID string, actual float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	amount, ok := g.holds[holdID]
	if !ok {
		return fserr.Newf(fserr.CodeNotFound, "unknown credit hold %s", holdID)
	}
	delete(g.holds, holdID)
	g.reserved -= amount
	if actual < 0 {
		actual = 0
	}
	// Any held surplus beyond actual returns to the balance.
	if surplus := amount - actual; surplus > 0 {
		g.available += surplus
	}
	return nil
}

// SetToken implements Gateway.
func (g *StaticGateway) SetToken(token string) error {
	if token == "" {
		return fserr.New(fserr.CodeInvalidRequest, "empty auth token")
	}
	g.mu.Lock()
	g.token = token
	g.mu.Unlock()
	return nil
}

// SetChallenge installs a pending challenge, for tests.
func (g *StaticGateway) SetChallenge(ch *Challenge) {
	g.mu.Lock()
	g.challenge = ch
	g.mu.Unlock()
}

// PendingChallenge implements Gateway.
func (g *StaticGateway) PendingChallenge(_ context.Context) (*Challenge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.challenge, nil
}

// SubmitChallenge implements Gateway.
func (g *StaticGateway) SubmitChallenge(_ context.Context, response string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.challenge == nil {
		return fserr.New(fserr.CodeNotFound, "no pending challenge")
	}
	if response == "" {
		return fserr.New(fserr.CodeInvalidRequest, "empty challenge response")
	}
	g.challenge = nil
	return nil
}
