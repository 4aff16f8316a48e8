// Package local runs batch sessions as host subprocesses. It exists for
// development and tests; sessions share the host and cost nothing.
package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/warden/pkg/fserr"
	"github.com/odvcencio/warden/pkg/provider"
)

// ID is the provider identifier.
const ID = "local"

// Provider runs each session's commands through the shell in a private
// working directory.
type Provider struct {
	workDir string

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu         sync.Mutex
	dir        string
	state      provider.SessionState
	errMsg     string
	startedAt  time.Time
	finishedAt *time.Time
	cancel     context.CancelFunc
	out        provider.OutputBuffer
	execs      map[string]*execEntry
}

type execEntry struct {
	mu       sync.Mutex
	state    provider.ExecState
	result   string
	errMsg   string
	exitCode int
	out      provider.OutputBuffer
}

// New creates a local provider rooted at workDir. An empty workDir uses the
// system temp directory.
func New(workDir string) (*Provider, error) {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "warden-local")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating local provider workdir: %w", err)
	}
	return &Provider{workDir: workDir, sessions: make(map[string]*session)}, nil
}

func (p *Provider) ID() string { return ID }

func (p *Provider) RequiresAccountAuth() bool { return false }

func (p *Provider) Metadata() provider.Metadata {
	return provider.Metadata{
		Name:             "Local subprocess",
		Description:      "Runs commands on the warden host. No isolation, no cost.",
		StartupLatencyMS: 20,
		SupportsNetwork:  true,
	}
}

func (p *Provider) Images(_ context.Context) ([]provider.Image, error) {
	return []provider.Image{{Name: "host", Description: "The warden host environment"}}, nil
}

func (p *Provider) Health(_ context.Context) provider.Health {
	return provider.Health{State: provider.HealthAvailable}
}

// Submit starts the session's commands asynchronously and returns at once.
func (p *Provider) Submit(_ context.Context, req provider.SubmitRequest) (string, error) {
	if req.Kind == provider.KindInteractive {
		return "", fserr.New(fserr.CodeInvalidRequest, "local provider is batch-only")
	}
	if len(req.Commands) == 0 {
		return "", fserr.New(fserr.CodeInvalidRequest, "local provider requires commands")
	}

	id := ulid.Make().String()
	dir := filepath.Join(p.workDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating session dir: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(context.Background(), timeout)

	s := &session{
		dir:       dir,
		state:     provider.SessionRunning,
		startedAt: time.Now(),
		cancel:    cancel,
		execs:     make(map[string]*execEntry),
	}
	p.mu.Lock()
	p.sessions[id] = s
	p.mu.Unlock()

	go p.run(runCtx, s, req.Commands)
	return id, nil
}

func (p *Provider) run(ctx context.Context, s *session, commands []string) {
	defer s.cancel()
	var failed string
	for _, command := range commands {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = s.dir
		output, err := cmd.CombinedOutput()
		s.out.Append(output)
		if err != nil {
			failed = fmt.Sprintf("command %q: %v", command, err)
			break
		}
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishedAt = &now
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		s.state = provider.SessionExpired
		s.errMsg = "session timed out"
	case failed != "":
		s.state = provider.SessionFailed
		s.errMsg = failed
	default:
		s.state = provider.SessionComplete
	}
}

func (p *Provider) get(sessionID string) (*session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return nil, fserr.Newf(fserr.CodeNotFound, "unknown session %q", sessionID)
	}
	return s, nil
}

func (p *Provider) GetSession(_ context.Context, sessionID string) (provider.SessionStatus, error) {
	s, err := p.get(sessionID)
	if err != nil {
		return provider.SessionStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	status := provider.SessionStatus{
		State:      s.state,
		Error:      s.errMsg,
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
	}
	if s.state == provider.SessionComplete {
		status.Response = s.out.String()
	}
	return status, nil
}

func (p *Provider) SubmitExec(_ context.Context, sessionID, command string) (string, error) {
	s, err := p.get(sessionID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	terminal := s.state.Terminal()
	s.mu.Unlock()
	if terminal {
		return "", fserr.Newf(fserr.CodeInvalidRequest, "session %q has finished", sessionID)
	}

	id := ulid.Make().String()
	e := &execEntry{state: provider.ExecRunning}
	s.mu.Lock()
	s.execs[id] = e
	s.mu.Unlock()

	go func() {
		cmd := exec.Command("sh", "-c", command)
		cmd.Dir = s.dir
		output, err := cmd.CombinedOutput()
		e.out.Append(output)

		e.mu.Lock()
		defer e.mu.Unlock()
		e.result = string(output)
		if err != nil {
			e.state = provider.ExecFailed
			e.errMsg = err.Error()
			if exit, ok := err.(*exec.ExitError); ok {
				e.exitCode = exit.ExitCode()
			} else {
				e.exitCode = -1
			}
			return
		}
		e.state = provider.ExecComplete
	}()
	return id, nil
}

func (p *Provider) getExec(sessionID, execID string) (*execEntry, error) {
	s, err := p.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[execID]
	if !ok {
		return nil, fserr.Newf(fserr.CodeNotFound, "unknown exec %q", execID)
	}
	return e, nil
}

func (p *Provider) GetExec(_ context.Context, sessionID, execID string) (provider.ExecStatus, error) {
	e, err := p.getExec(sessionID, execID)
	if err != nil {
		return provider.ExecStatus{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return provider.ExecStatus{
		State:    e.state,
		Result:   e.result,
		Error:    e.errMsg,
		ExitCode: e.exitCode,
	}, nil
}

func (p *Provider) PollOutput(_ context.Context, sessionID string) ([]byte, error) {
	s, err := p.get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.out.Next(), nil
}

func (p *Provider) PollExecOutput(_ context.Context, sessionID, execID string) ([]byte, error) {
	e, err := p.getExec(sessionID, execID)
	if err != nil {
		return nil, err
	}
	return e.out.Next(), nil
}

// resolvePath confines a sandbox-relative path to the session directory.
func (s *session) resolvePath(rel string) (string, error) {
	full := filepath.Join(s.dir, filepath.FromSlash(rel))
	if full != s.dir && !strings.HasPrefix(full, s.dir+string(os.PathSeparator)) {
		return "", fserr.Newf(fserr.CodeInvalidPath, "path %q escapes the sandbox", rel)
	}
	return full, nil
}

func (p *Provider) ReadFile(_ context.Context, sessionID, path string, offset, limit int64) ([]byte, error) {
	s, err := p.get(sessionID)
	if err != nil {
		return nil, err
	}
	full, err := s.resolvePath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fserr.Newf(fserr.CodeNotFound, "no such file %q", path)
		}
		return nil, err
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, 0); err != nil {
			return nil, err
		}
	}
	buf := make([]byte, limit)
	n, _ := f.Read(buf)
	return buf[:n], nil
}

func (p *Provider) WriteFile(_ context.Context, sessionID, path string, data []byte, offset int64) error {
	s, err := p.get(sessionID)
	if err != nil {
		return err
	}
	full, err := s.resolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(data, offset)
	return err
}

// Stop cancels the session and marks it failed unless it already finished.
func (p *Provider) Stop(_ context.Context, sessionID string) error {
	s, err := p.get(sessionID)
	if err != nil {
		return err
	}
	s.cancel()
	now := time.Now()
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = provider.SessionFailed
		s.errMsg = "stopped"
		s.finishedAt = &now
	}
	s.mu.Unlock()
	return nil
}
