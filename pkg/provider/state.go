package provider

import "time"

// SessionState is a provider-reported session lifecycle state.
type SessionState string

const (
	SessionProvisioning SessionState = "provisioning"
	SessionCloning      SessionState = "cloning"
	SessionRunning      SessionState = "running"
	SessionComplete     SessionState = "complete"
	SessionFailed       SessionState = "failed"
	SessionExpired      SessionState = "expired"
)

// Terminal reports whether no further transitions occur from this state.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionComplete, SessionFailed, SessionExpired:
		return true
	}
	return false
}

// SessionStatus is a point-in-time view of a session, polled from its provider.
type SessionStatus struct {
	State SessionState `json:"state"`
	// Response carries the session result for complete sessions.
	Response string `json:"response,omitempty"`
	// Error carries the failure reason for failed sessions.
	Error string `json:"error,omitempty"`
	// ActualCost is the provider-reported spend, meaningful once terminal.
	ActualCost float64    `json:"actual_cost"`
	StartedAt  time.Time  `json:"started_at,omitzero"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ExecState is a provider-reported exec lifecycle state.
type ExecState string

const (
	ExecPending  ExecState = "pending"
	ExecRunning  ExecState = "running"
	ExecComplete ExecState = "complete"
	ExecFailed   ExecState = "failed"
)

// Terminal reports whether no further transitions occur from this state.
func (s ExecState) Terminal() bool {
	return s == ExecComplete || s == ExecFailed
}

// ExecStatus is a point-in-time view of an exec, polled from its provider.
type ExecStatus struct {
	State    ExecState `json:"state"`
	Result   string    `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
	ExitCode int       `json:"exit_code"`
}
