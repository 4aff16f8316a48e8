// Package provider defines the capability contract every execution backend
// implements. The control plane routes against this interface only; it never
// depends on a concrete backend.
package provider

import (
	"context"
	"time"
)

// Kind distinguishes batch sessions from interactive ones.
type Kind string

const (
	KindBatch       Kind = "batch"
	KindInteractive Kind = "interactive"
)

// SubmitRequest describes one sandbox to provision.
type SubmitRequest struct {
	Agent          string        `json:"agent"`
	Kind           Kind          `json:"kind"`
	Image          string        `json:"image,omitempty"`
	Commands       []string      `json:"commands,omitempty"`
	MaxMemoryMB    int64         `json:"max_memory_mb,omitempty"`
	MaxCPUs        float64       `json:"max_cpus,omitempty"`
	MaxDiskMB      int64         `json:"max_disk_mb,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	NetworkEnabled bool          `json:"network_enabled,omitempty"`
}

// HealthState reports provider availability.
type HealthState string

const (
	HealthAvailable   HealthState = "available"
	HealthDegraded    HealthState = "degraded"
	HealthUnavailable HealthState = "unavailable"
)

// Health is a provider's self-reported status.
type Health struct {
	State  HealthState `json:"state"`
	Reason string      `json:"reason,omitempty"`
}

// Pricing describes what a provider charges.
type Pricing struct {
	// BaseCost is charged per session regardless of duration.
	BaseCost float64 `json:"base_cost"`
	// PerSecond is charged for each second of session wall-clock time.
	PerSecond float64 `json:"per_second"`
}

// Estimate returns the expected cost of a session of the given duration.
func (p Pricing) Estimate(d time.Duration) float64 {
	return p.BaseCost + p.PerSecond*d.Seconds()
}

// Metadata is the provider's advertised capability set.
type Metadata struct {
	Name                string  `json:"name"`
	Description         string  `json:"description,omitempty"`
	Pricing             Pricing `json:"pricing"`
	StartupLatencyMS    int64   `json:"startup_latency_ms"`
	MaxMemoryMB         int64   `json:"max_memory_mb,omitempty"`
	MaxCPUs             float64 `json:"max_cpus,omitempty"`
	MaxDiskMB           int64   `json:"max_disk_mb,omitempty"`
	SupportsInteractive bool    `json:"supports_interactive"`
	SupportsNetwork     bool    `json:"supports_network"`
}

// Image is one catalog entry a provider can boot.
type Image struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Provider is the execution backend contract. Implementations own the
// authoritative session and exec state machines; the control plane polls them
// and never pushes state.
type Provider interface {
	// ID returns the stable provider identifier.
	ID() string

	// RequiresAccountAuth reports whether sessions on this provider consume
	// external account credits.
	RequiresAccountAuth() bool

	// Metadata returns the advertised capability set.
	Metadata() Metadata

	// Images returns the bootable image catalog.
	Images(ctx context.Context) ([]Image, error)

	// Health returns the provider's current health.
	Health(ctx context.Context) Health

	// Submit provisions a sandbox and returns its session id.
	Submit(ctx context.Context, req SubmitRequest) (string, error)

	// GetSession returns the current state of a session.
	GetSession(ctx context.Context, sessionID string) (SessionStatus, error)

	// SubmitExec starts a command inside a running session.
	SubmitExec(ctx context.Context, sessionID, command string) (string, error)

	// GetExec returns the current state of an exec.
	GetExec(ctx context.Context, sessionID, execID string) (ExecStatus, error)

	// PollOutput returns the next available chunk of session output, or
	// (nil, nil) when nothing new is buffered.
	PollOutput(ctx context.Context, sessionID string) ([]byte, error)

	// PollExecOutput returns the next available chunk of exec output, or
	// (nil, nil) when nothing new is buffered.
	PollExecOutput(ctx context.Context, sessionID, execID string) ([]byte, error)

	// ReadFile reads up to limit bytes of a file inside the session,
	// starting at offset.
	ReadFile(ctx context.Context, sessionID, path string, offset, limit int64) ([]byte, error)

	// WriteFile writes data to a file inside the session at offset.
	WriteFile(ctx context.Context, sessionID, path string, data []byte, offset int64) error

	// Stop tears the session down. Idempotent.
	Stop(ctx context.Context, sessionID string) error
}
