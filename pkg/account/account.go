// Package account integrates the control plane with the external credential
// and credit-balance authority used by providers that require account auth.
package account

import (
	"context"
	"time"
)

// Status reports the account's standing with the external authority.
type Status struct {
	Authenticated bool      `json:"authenticated"`
	Account       string    `json:"account,omitempty"`
	Plan          string    `json:"plan,omitempty"`
	TokenExpires  time.Time `json:"token_expires,omitzero"`
}

// Balance is the account's credit position.
type Balance struct {
	Available float64 `json:"available"`
	Reserved  float64 `json:"reserved"`
	Currency  string  `json:"currency,omitempty"`
}

// Challenge is a pending verification step issued by the authority.
type Challenge struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Prompt string `json:"prompt"`
}

// Gateway is the external account authority. The control plane treats it as
// an independent service with its own consistency; every credit hold taken
// through it is compensated explicitly on downstream failure.
type Gateway interface {
	// Status returns the current authentication standing.
	Status(ctx context.Context) (Status, error)

	// Credits returns the current credit balance.
	Credits(ctx context.Context) (Balance, error)

	// ReserveCredits places a hold of amount, returning a hold id.
	ReserveCredits(ctx context.Context, amount float64) (string, error)

	// ReleaseCredits drops a hold without spending it.
	ReleaseCredits(ctx context.Context, holdID string) error

	// ReconcileCredits converts a hold into actual spend.
	ReconcileCredits(ctx context.Context, holdID string, actual float64) error

	// SetToken installs the bearer credential used for subsequent calls.
	SetToken(token string) error

	// PendingChallenge returns the outstanding challenge, if any.
	PendingChallenge(ctx context.Context) (*Challenge, error)

	// SubmitChallenge answers the outstanding challenge.
	SubmitChallenge(ctx context.Context, response string) error
}
