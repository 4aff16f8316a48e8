// Package plane implements the container control plane: a path-addressable
// facade over heterogeneous execution providers with budget enforcement,
// idempotent creation, and lazily reconciled session lifecycles.
package plane

import (
	"time"

	"github.com/odvcencio/warden/pkg/budget"
	"github.com/odvcencio/warden/pkg/provider"
)

// ChunkSize is the fixed transfer unit for large files. Chunk n addresses
// byte offset n*ChunkSize.
const ChunkSize = 64 * 1024

// DefaultMaxFileSize bounds whole-file transfers when the policy leaves
// MaxFileSizeBytes unset.
const DefaultMaxFileSize = 10 * 1024 * 1024

// maxFilePathLen bounds decoded file paths.
const maxFilePathLen = 512

// watchBackoff is the pause between provider polls on a watch stream.
const watchBackoff = 100 * time.Millisecond

// ContainerRequest is one create-session request as written to /new.
type ContainerRequest struct {
	Kind           provider.Kind `json:"kind"`
	Image          string        `json:"image,omitempty"`
	Commands       []string      `json:"commands,omitempty"`
	MaxMemoryMB    int64         `json:"max_memory_mb,omitempty"`
	MaxCPUs        float64       `json:"max_cpus,omitempty"`
	MaxDiskMB      int64         `json:"max_disk_mb,omitempty"`
	TimeoutSeconds int64         `json:"timeout_seconds,omitempty"`
	NetworkEnabled bool          `json:"network_enabled,omitempty"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	// MaxCost caps what this session may spend; 0 defers to policy.
	MaxCost float64 `json:"max_cost,omitempty"`
}

// SessionPaths are the derived sub-paths of one session.
type SessionPaths struct {
	Status  string `json:"status"`
	Result  string `json:"result"`
	Usage   string `json:"usage"`
	Ctl     string `json:"ctl"`
	Output  string `json:"output"`
	ExecNew string `json:"exec_new"`
	Files   string `json:"files"`
}

// CreateResponse is the reply to a successful (or replayed) create.
type CreateResponse struct {
	SessionID string       `json:"session_id"`
	Provider  string       `json:"provider"`
	Paths     SessionPaths `json:"paths"`
}

// ExecPaths are the derived sub-paths of one exec.
type ExecPaths struct {
	Status string `json:"status"`
	Result string `json:"result"`
	Output string `json:"output"`
}

// ExecResponse is the reply to a successful exec submission.
type ExecResponse struct {
	ExecID    string    `json:"exec_id"`
	SessionID string    `json:"session_id"`
	Paths     ExecPaths `json:"paths"`
}

// SessionUsage is the /sessions/<id>/usage view.
type SessionUsage struct {
	Provider   string  `json:"provider"`
	Reserved   float64 `json:"reserved"`
	ActualCost float64 `json:"actual_cost"`
	Reconciled bool    `json:"reconciled"`
}

// sessionRecord tracks one session the plane created. The record owns its
// reservation until reconciliation or release; lastState caches the most
// recent provider poll for concurrency accounting.
type sessionRecord struct {
	agent          string
	providerID     string
	reservation    *budget.Reservation
	creditHold     string
	creditReserved float64
	reconciled     bool
	actualCost     float64
	lastState      provider.SessionState
	createdAt      time.Time
}

// execRecord tracks one command invocation nested in a session. Execs carry
// no reservation of their own; they bill through the owning session.
type execRecord struct {
	providerID string
	sessionID  string
}

func sessionPaths(sid string) SessionPaths {
	base := "/sessions/" + sid
	return SessionPaths{
		Status:  base + "/status",
		Result:  base + "/result",
		Usage:   base + "/usage",
		Ctl:     base + "/ctl",
		Output:  base + "/output",
		ExecNew: base + "/exec/new",
		Files:   base + "/files",
	}
}

func execPaths(sid, eid string) ExecPaths {
	base := "/sessions/" + sid + "/exec/" + eid
	return ExecPaths{
		Status: base + "/status",
		Result: base + "/result",
		Output: base + "/output",
	}
}
