// Package dockercli runs sessions as containers driven through the docker
// command line. It shells out rather than speaking the engine API, so the
// only requirement on the host is a working docker binary.
package dockercli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/warden/pkg/fserr"
	"github.com/odvcencio/warden/pkg/provider"
)

// ID is the provider identifier.
const ID = "docker"

// DefaultImage boots when a request names none.
const DefaultImage = "ubuntu:24.04"

const (
	baseCost      = 0.0005
	perSecondCost = 0.0001
)

// Provider drives containers through the docker CLI. Session state lives in
// docker itself; the provider only tracks deadlines, output cursors, and
// execs.
type Provider struct {
	binary       string
	defaultImage string

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu        sync.Mutex
	image     string
	startedAt time.Time
	deadline  time.Time
	stopped   bool
	logCursor int
	execs     map[string]*execEntry
}

type execEntry struct {
	mu       sync.Mutex
	state    provider.ExecState
	result   string
	errMsg   string
	exitCode int
	out      provider.OutputBuffer
}

// New creates a docker provider. Empty arguments fall back to "docker" and
// DefaultImage.
func New(binary, defaultImage string) *Provider {
	if binary == "" {
		binary = "docker"
	}
	if defaultImage == "" {
		defaultImage = DefaultImage
	}
	return &Provider{
		binary:       binary,
		defaultImage: defaultImage,
		sessions:     make(map[string]*session),
	}
}

func (p *Provider) ID() string { return ID }

func (p *Provider) RequiresAccountAuth() bool { return false }

func (p *Provider) Metadata() provider.Metadata {
	return provider.Metadata{
		Name:                "Docker containers",
		Description:         "Containers on the local docker daemon.",
		Pricing:             provider.Pricing{BaseCost: baseCost, PerSecond: perSecondCost},
		StartupLatencyMS:    1500,
		SupportsInteractive: true,
		SupportsNetwork:     true,
	}
}

func (p *Provider) Images(_ context.Context) ([]provider.Image, error) {
	return []provider.Image{
		{Name: p.defaultImage, Description: "Default image"},
		{Name: "python:3.12-slim"},
		{Name: "node:22-slim"},
		{Name: "golang:1.25"},
	}, nil
}

func (p *Provider) Health(ctx context.Context) provider.Health {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, p.binary, "version", "--format", "{{.Server.Version}}")
	if err := cmd.Run(); err != nil {
		return provider.Health{State: provider.HealthUnavailable, Reason: "docker daemon unreachable"}
	}
	return provider.Health{State: provider.HealthAvailable}
}

// Submit starts a detached container. Batch sessions run their commands
// through the shell; interactive sessions idle until exec'd into or stopped.
func (p *Provider) Submit(ctx context.Context, req provider.SubmitRequest) (string, error) {
	image := req.Image
	if image == "" {
		image = p.defaultImage
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	args := []string{"run", "-d", "--label", "warden=1"}
	if req.MaxMemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", req.MaxMemoryMB))
	}
	if req.MaxCPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.2f", req.MaxCPUs))
	}
	if !req.NetworkEnabled {
		args = append(args, "--network", "none")
	}
	args = append(args, image)
	if req.Kind == provider.KindInteractive {
		args = append(args, "sleep", "infinity")
	} else {
		args = append(args, "sh", "-c", strings.Join(req.Commands, " && "))
	}

	output, err := p.docker(ctx, nil, args...)
	if err != nil {
		return "", fserr.Wrap(err, fserr.CodeProviderFailure, "docker run failed")
	}
	containerID := strings.TrimSpace(string(output))
	if containerID == "" {
		return "", fserr.New(fserr.CodeProviderFailure, "docker run returned no container id")
	}

	now := time.Now()
	p.mu.Lock()
	p.sessions[containerID] = &session{
		image:     image,
		startedAt: now,
		deadline:  now.Add(timeout),
		execs:     make(map[string]*execEntry),
	}
	p.mu.Unlock()
	return containerID, nil
}

// dockerState mirrors the fields of "docker inspect" .State we consume.
type dockerState struct {
	Running    bool   `json:"Running"`
	ExitCode   int    `json:"ExitCode"`
	Error      string `json:"Error"`
	StartedAt  string `json:"StartedAt"`
	FinishedAt string `json:"FinishedAt"`
}

func (p *Provider) GetSession(ctx context.Context, sessionID string) (provider.SessionStatus, error) {
	s, err := p.get(sessionID)
	if err != nil {
		return provider.SessionStatus{}, err
	}

	output, err := p.docker(ctx, nil, "inspect", "--format", "{{json .State}}", sessionID)
	if err != nil {
		return provider.SessionStatus{}, fserr.Wrap(err, fserr.CodeProviderFailure, "docker inspect failed")
	}
	var st dockerState
	if err := json.Unmarshal(bytes.TrimSpace(output), &st); err != nil {
		return provider.SessionStatus{}, fserr.Wrap(err, fserr.CodeProviderFailure, "parsing docker inspect output")
	}

	s.mu.Lock()
	deadline := s.deadline
	stopped := s.stopped
	startedAt := s.startedAt
	s.mu.Unlock()

	status := provider.SessionStatus{StartedAt: startedAt}
	now := time.Now()

	switch {
	case st.Running && now.After(deadline):
		// Past its deadline: tear it down and report expiry.
		_, _ = p.docker(ctx, nil, "stop", sessionID)
		status.State = provider.SessionExpired
		status.Error = "session timed out"
		status.FinishedAt = &now
		status.ActualCost = p.cost(startedAt, now)
	case st.Running:
		status.State = provider.SessionRunning
	case stopped:
		status.State = provider.SessionFailed
		status.Error = "stopped"
		status.FinishedAt = &now
		status.ActualCost = p.cost(startedAt, now)
	case st.ExitCode == 0:
		status.State = provider.SessionComplete
		finished := parseDockerTime(st.FinishedAt, now)
		status.FinishedAt = &finished
		status.ActualCost = p.cost(startedAt, finished)
		if logs, lerr := p.docker(ctx, nil, "logs", sessionID); lerr == nil {
			status.Response = string(logs)
		}
	default:
		status.State = provider.SessionFailed
		status.Error = fmt.Sprintf("exit code %d", st.ExitCode)
		if st.Error != "" {
			status.Error = st.Error
		}
		finished := parseDockerTime(st.FinishedAt, now)
		status.FinishedAt = &finished
		status.ActualCost = p.cost(startedAt, finished)
	}
	return status, nil
}

func (p *Provider) SubmitExec(ctx context.Context, sessionID, command string) (string, error) {
	s, err := p.get(sessionID)
	if err != nil {
		return "", err
	}

	id := ulid.Make().String()
	e := &execEntry{state: provider.ExecRunning}
	s.mu.Lock()
	s.execs[id] = e
	s.mu.Unlock()

	go func() {
		output, err := p.docker(context.Background(), nil, "exec", sessionID, "sh", "-c", command)
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

// PollOutput returns docker log bytes past the stored cursor.
func (p *Provider) PollOutput(ctx context.Context, sessionID string) ([]byte, error) {
	s, err := p.get(sessionID)
	if err != nil {
		return nil, err
	}
	logs, err := p.docker(ctx, nil, "logs", sessionID)
	if err != nil {
		return nil, fserr.Wrap(err, fserr.CodeProviderFailure, "docker logs failed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logCursor >= len(logs) {
		return nil, nil
	}
	out := make([]byte, len(logs)-s.logCursor)
	copy(out, logs[s.logCursor:])
	s.logCursor = len(logs)
	return out, nil
}

func (p *Provider) PollExecOutput(_ context.Context, sessionID, execID string) ([]byte, error) {
	e, err := p.getExec(sessionID, execID)
	if err != nil {
		return nil, err
	}
	return e.out.Next(), nil
}

func (p *Provider) ReadFile(ctx context.Context, sessionID, path string, offset, limit int64) ([]byte, error) {
	if _, err := p.get(sessionID); err != nil {
		return nil, err
	}
	// tail counts bytes from 1, so offset N starts at byte N+1.
	script := fmt.Sprintf("tail -c +%d %s | head -c %d", offset+1, shellQuote(path), limit)
	output, err := p.docker(ctx, nil, "exec", sessionID, "sh", "-c", script)
	if err != nil {
		return nil, fserr.Wrapf(err, fserr.CodeProviderFailure, "reading %s in container", path)
	}
	return output, nil
}

func (p *Provider) WriteFile(ctx context.Context, sessionID, path string, data []byte, offset int64) error {
	if _, err := p.get(sessionID); err != nil {
		return err
	}
	dir := strings.TrimSuffix(path, "/"+pathBase(path))
	script := fmt.Sprintf("dd of=%s bs=1 seek=%d conv=notrunc 2>/dev/null", shellQuote(path), offset)
	if dir != path && dir != "" {
		script = fmt.Sprintf("mkdir -p %s && %s", shellQuote(dir), script)
	}
	if _, err := p.docker(ctx, bytes.NewReader(data), "exec", "-i", sessionID, "sh", "-c", script); err != nil {
		return fserr.Wrapf(err, fserr.CodeProviderFailure, "writing %s in container", path)
	}
	return nil
}

// Stop removes the container. The session entry survives so a final status
// poll can still report the stop.
func (p *Provider) Stop(ctx context.Context, sessionID string) error {
	s, err := p.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if _, err := p.docker(ctx, nil, "stop", sessionID); err != nil {
		return fserr.Wrap(err, fserr.CodeProviderFailure, "docker stop failed")
	}
	return nil
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

func (p *Provider) cost(start, end time.Time) float64 {
	return provider.Pricing{BaseCost: baseCost, PerSecond: perSecondCost}.Estimate(end.Sub(start))
}

// docker runs the binary with args, feeding stdin when non-nil. Failures
// carry the combined output for diagnosis.
func (p *Provider) docker(ctx context.Context, stdin *bytes.Reader, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.binary, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("%s %s: %w: %s", p.binary, args[0], err, strings.TrimSpace(errBuf.String()))
	}
	return out.Bytes(), nil
}

func parseDockerTime(value string, fallback time.Time) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil || t.IsZero() {
		return fallback
	}
	return t
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func pathBase(p string) string {
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		return p[idx+1:]
	}
	return p
}
