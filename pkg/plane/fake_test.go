package plane

import (
	"context"
	"fmt"
	"sync"

	"github.com/odvcencio/warden/pkg/fserr"
	"github.com/odvcencio/warden/pkg/provider"
)

// fakeProvider is a controllable in-memory backend for plane tests.
type fakeProvider struct {
	id           string
	requiresAuth bool
	md           provider.Metadata
	healthState  provider.HealthState

	mu            sync.Mutex
	submits       int
	nextID        int
	sessions      map[string]*fakeSession
	submitGate    chan struct{}
	submitEntered chan struct{}
}

type fakeSession struct {
	req     provider.SubmitRequest
	status  provider.SessionStatus
	output  [][]byte
	files   map[string][]byte
	writes  int
	execs   map[string]provider.ExecStatus
	stopped bool
}

func newFakeProvider(id string) *fakeProvider {
	return &fakeProvider{
		id: id,
		md: provider.Metadata{
			Name:                id,
			Pricing:             provider.Pricing{BaseCost: 0.01, PerSecond: 0.001},
			SupportsInteractive: true,
			SupportsNetwork:     true,
		},
		healthState: provider.HealthAvailable,
		sessions:    make(map[string]*fakeSession),
	}
}

func (f *fakeProvider) ID() string                  { return f.id }
func (f *fakeProvider) RequiresAccountAuth() bool   { return f.requiresAuth }
func (f *fakeProvider) Metadata() provider.Metadata { return f.md }

func (f *fakeProvider) Images(context.Context) ([]provider.Image, error) {
	return []provider.Image{{Name: "base"}}, nil
}

func (f *fakeProvider) Health(context.Context) provider.Health {
	return provider.Health{State: f.healthState}
}

// holdSubmits makes Submit block until release is called. Each Submit signals
// entry on the returned channel before blocking.
func (f *fakeProvider) holdSubmits() (entered chan struct{}, release func()) {
	gate := make(chan struct{})
	entered = make(chan struct{}, 8)
	f.mu.Lock()
	f.submitGate = gate
	f.submitEntered = entered
	f.mu.Unlock()
	return entered, func() { close(gate) }
}

func (f *fakeProvider) Submit(_ context.Context, req provider.SubmitRequest) (string, error) {
	f.mu.Lock()
	gate, entered := f.submitGate, f.submitEntered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.nextID++
	id := fmt.Sprintf("%s-sess-%d", f.id, f.nextID)
	f.sessions[id] = &fakeSession{
		req:    req,
		status: provider.SessionStatus{State: provider.SessionRunning},
		files:  make(map[string][]byte),
		execs:  make(map[string]provider.ExecStatus),
	}
	return id, nil
}

func (f *fakeProvider) get(id string) (*fakeSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, fserr.Newf(fserr.CodeNotFound, "unknown session %q", id)
	}
	return s, nil
}

func (f *fakeProvider) setStatus(id string, status provider.SessionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id].status = status
}

func (f *fakeProvider) pushOutput(id string, chunks ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id].output = append(f.sessions[id].output, chunks...)
}

func (f *fakeProvider) setExec(sessionID, execID string, status provider.ExecStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sessionID].execs[execID] = status
}

func (f *fakeProvider) GetSession(_ context.Context, id string) (provider.SessionStatus, error) {
	s, err := f.get(id)
	if err != nil {
		return provider.SessionStatus{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return s.status, nil
}

func (f *fakeProvider) SubmitExec(_ context.Context, sessionID, command string) (string, error) {
	s, err := f.get(sessionID)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("exec-%d", f.nextID)
	s.execs[id] = provider.ExecStatus{State: provider.ExecRunning}
	return id, nil
}

func (f *fakeProvider) GetExec(_ context.Context, sessionID, execID string) (provider.ExecStatus, error) {
	s, err := f.get(sessionID)
	if err != nil {
		return provider.ExecStatus{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := s.execs[execID]
	if !ok {
		return provider.ExecStatus{}, fserr.Newf(fserr.CodeNotFound, "unknown exec %q", execID)
	}
	return status, nil
}

func (f *fakeProvider) PollOutput(_ context.Context, sessionID string) ([]byte, error) {
	s, err := f.get(sessionID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(s.output) == 0 {
		return nil, nil
	}
	chunk := s.output[0]
	s.output = s.output[1:]
	return chunk, nil
}

func (f *fakeProvider) PollExecOutput(context.Context, string, string) ([]byte, error) {
	return nil, nil
}

func (f *fakeProvider) ReadFile(_ context.Context, sessionID, path string, offset, limit int64) ([]byte, error) {
	s, err := f.get(sessionID)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := s.files[path]
	if !ok {
		return nil, fserr.Newf(fserr.CodeNotFound, "no such file %q", path)
	}
	if offset >= int64(len(data)) {
		return nil, nil
	}
	end := offset + limit
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	out := make([]byte, end-offset)
	copy(out, data[offset:end])
	return out, nil
}

func (f *fakeProvider) WriteFile(_ context.Context, sessionID, path string, data []byte, offset int64) error {
	s, err := f.get(sessionID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s.writes++
	existing := s.files[path]
	needed := offset + int64(len(data))
	if int64(len(existing)) < needed {
		grown := make([]byte, needed)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[offset:], data)
	s.files[path] = existing
	return nil
}

func (f *fakeProvider) Stop(_ context.Context, sessionID string) error {
	s, err := f.get(sessionID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s.stopped = true
	s.status = provider.SessionStatus{State: provider.SessionFailed, Error: "stopped"}
	return nil
}

func (f *fakeProvider) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}
