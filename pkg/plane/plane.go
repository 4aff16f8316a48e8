package plane

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odvcencio/warden/pkg/account"
	"github.com/odvcencio/warden/pkg/budget"
	"github.com/odvcencio/warden/pkg/bus"
	"github.com/odvcencio/warden/pkg/fserr"
	"github.com/odvcencio/warden/pkg/journal"
	"github.com/odvcencio/warden/pkg/logging"
	"github.com/odvcencio/warden/pkg/router"
)

// Plane is the control plane. One instance serves one agent handle; every
// virtual path operation flows through it.
type Plane struct {
	agent   string
	router  *router.Router
	ledger  *budget.Ledger
	journal journal.Journal
	gateway account.Gateway
	bus     bus.MessageBus
	log     *logging.Logger
	now     func() time.Time

	pmu    sync.RWMutex
	policy *compiledPolicy

	// smu guards the session and exec maps, every sessionRecord field, and
	// the pending-create count. Reconciliation effects (ledger, gateway) are
	// committed outside it.
	smu            sync.RWMutex
	sessions       map[string]*sessionRecord
	execs          map[string]*execRecord
	pendingCreates int

	createGroup singleflight.Group
}

// Options configures a Plane. Router and Ledger are required; the rest
// degrade gracefully when absent.
type Options struct {
	Agent   string
	Router  *router.Router
	Ledger  *budget.Ledger
	Journal journal.Journal
	Gateway account.Gateway
	Bus     bus.MessageBus
	Logger  *logging.Logger
	Policy  Policy

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New creates a control plane.
func New(opts Options) (*Plane, error) {
	if opts.Router == nil {
		return nil, fserr.New(fserr.CodeInvalidRequest, "plane requires a provider router")
	}
	if opts.Ledger == nil {
		return nil, fserr.New(fserr.CodeInvalidRequest, "plane requires a budget ledger")
	}
	cp, err := compilePolicy(opts.Policy)
	if err != nil {
		return nil, err
	}

	p := &Plane{
		agent:    opts.Agent,
		router:   opts.Router,
		ledger:   opts.Ledger,
		journal:  opts.Journal,
		gateway:  opts.Gateway,
		bus:      opts.Bus,
		log:      opts.Logger,
		now:      opts.Now,
		policy:   cp,
		sessions: make(map[string]*sessionRecord),
		execs:    make(map[string]*execRecord),
	}
	if p.journal == nil {
		p.journal = journal.NewMemory(24*time.Hour, journal.DefaultMemoryEntries)
	}
	if p.bus == nil {
		p.bus = bus.NewMemoryBus()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Agent returns the agent handle this plane serves.
func (p *Plane) Agent() string { return p.agent }

// Ledger exposes the budget ledger for window resets and limit changes.
func (p *Plane) Ledger() *budget.Ledger { return p.ledger }

// Router exposes the provider registry.
func (p *Plane) Router() *router.Router { return p.router }

// Close releases the journal and bus.
func (p *Plane) Close() error {
	var first error
	if err := p.journal.Close(); err != nil {
		first = err
	}
	if err := p.bus.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Open resolves a virtual path to a handle. Reads snapshot lazily on the
// first Read call; writes buffer until Close or a write-then-read.
func (p *Plane) Open(ctx context.Context, path string) (*Handle, error) {
	t, err := resolve(path)
	if err != nil {
		return nil, err
	}
	if isDir(t.kind) {
		return nil, fserr.Newf(fserr.CodePermissionDenied, "%s is a directory", path)
	}
	h := &Handle{plane: p, ctx: ctx, path: path, target: t}
	if err := p.bind(h); err != nil {
		return nil, err
	}
	return h, nil
}

// Mkdir is unsupported everywhere; the namespace is fixed.
func (p *Plane) Mkdir(_ context.Context, path string) error {
	return fserr.Newf(fserr.CodePermissionDenied, "cannot create directories under %q", path)
}

// Remove is unsupported everywhere; sessions stop through their ctl file.
func (p *Plane) Remove(_ context.Context, path string) error {
	return fserr.Newf(fserr.CodePermissionDenied, "cannot remove %q", path)
}

// Rename is unsupported everywhere.
func (p *Plane) Rename(_ context.Context, oldPath, _ string) error {
	return fserr.Newf(fserr.CodePermissionDenied, "cannot rename %q", oldPath)
}

// List enumerates a directory path. Entries are names, not full paths.
func (p *Plane) List(ctx context.Context, path string) ([]string, error) {
	t, err := resolve(path)
	if err != nil {
		return nil, err
	}
	switch t.kind {
	case kindRoot:
		return []string{"auth", "new", "policy", "providers", "sessions", "usage"}, nil
	case kindAuthDir:
		return []string{"challenge", "credits", "status", "token"}, nil
	case kindProvidersDir:
		return p.router.List(), nil
	case kindProviderDir:
		if _, err := p.router.Get(t.provider); err != nil {
			return nil, err
		}
		return []string{"health", "images", "info"}, nil
	case kindSessionsDir:
		return p.listSessions(), nil
	case kindSessionDir:
		if _, err := p.lookupSession(t.session); err != nil {
			return nil, err
		}
		return []string{"ctl", "exec", "files", "output", "result", "status", "usage"}, nil
	case kindExecDir:
		return p.listExecs(t.session)
	case kindExecEntryDir:
		if _, err := p.lookupExec(t.session, t.exec); err != nil {
			return nil, err
		}
		return []string{"output", "result", "status"}, nil
	case kindFilesDir:
		return nil, fserr.New(fserr.CodePermissionDenied, "sandbox files are not enumerable; address them by encoded path")
	}
	return nil, fserr.Newf(fserr.CodeInvalidRequest, "%s is not a directory", path)
}

func (p *Plane) listSessions() []string {
	p.smu.RLock()
	defer p.smu.RUnlock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Plane) listExecs(sessionID string) ([]string, error) {
	if _, err := p.lookupSession(sessionID); err != nil {
		return nil, err
	}
	p.smu.RLock()
	defer p.smu.RUnlock()
	ids := []string{"new"}
	for id, rec := range p.execs {
		if rec.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *Plane) lookupSession(sessionID string) (*sessionRecord, error) {
	p.smu.RLock()
	defer p.smu.RUnlock()
	rec, ok := p.sessions[sessionID]
	if !ok {
		return nil, fserr.Newf(fserr.CodeNotFound, "unknown session %q", sessionID)
	}
	return rec, nil
}

func (p *Plane) lookupExec(sessionID, execID string) (*execRecord, error) {
	p.smu.RLock()
	defer p.smu.RUnlock()
	rec, ok := p.execs[execID]
	if !ok || rec.sessionID != sessionID {
		return nil, fserr.Newf(fserr.CodeNotFound, "unknown exec %q in session %q", execID, sessionID)
	}
	return rec, nil
}

func isDir(kind targetKind) bool {
	switch kind {
	case kindRoot, kindAuthDir, kindProvidersDir, kindProviderDir,
		kindSessionsDir, kindSessionDir, kindExecDir, kindExecEntryDir,
		kindFilesDir:
		return true
	}
	return false
}
