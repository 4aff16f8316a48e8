// Package hosted proxies sessions to a remote execution service that bills
// through the account authority.
package hosted

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/odvcencio/warden/pkg/fserr"
	"github.com/odvcencio/warden/pkg/provider"
)

// ID is the provider identifier.
const ID = "hosted"

// Options configures the hosted provider client.
type Options struct {
	BaseURL string
	Client  *http.Client
	// BaseCost and PerSecond override the default advertised pricing.
	BaseCost  float64
	PerSecond float64
}

// Provider is an HTTP client for the remote execution service. All session
// state lives remotely; the client only tracks output cursors.
type Provider struct {
	baseURL string
	client  *http.Client
	pricing provider.Pricing

	mu      sync.Mutex
	cursors map[string]int64
}

// New creates a hosted provider client.
func New(opts Options) *Provider {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	pricing := provider.Pricing{BaseCost: opts.BaseCost, PerSecond: opts.PerSecond}
	if pricing.BaseCost == 0 && pricing.PerSecond == 0 {
		pricing = provider.Pricing{BaseCost: 0.002, PerSecond: 0.0005}
	}
	return &Provider{
		baseURL: opts.BaseURL,
		client:  client,
		pricing: pricing,
		cursors: make(map[string]int64),
	}
}

func (p *Provider) ID() string { return ID }

func (p *Provider) RequiresAccountAuth() bool { return true }

func (p *Provider) Metadata() provider.Metadata {
	return provider.Metadata{
		Name:                "Hosted sandboxes",
		Description:         "Managed sandboxes billed against account credits.",
		Pricing:             p.pricing,
		StartupLatencyMS:    4000,
		SupportsInteractive: true,
		SupportsNetwork:     true,
	}
}

func (p *Provider) Images(ctx context.Context) ([]provider.Image, error) {
	var images []provider.Image
	if err := p.do(ctx, http.MethodGet, "/v1/images", nil, &images); err != nil {
		return nil, err
	}
	return images, nil
}

func (p *Provider) Health(ctx context.Context) provider.Health {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var h provider.Health
	if err := p.do(ctx, http.MethodGet, "/v1/health", nil, &h); err != nil {
		return provider.Health{State: provider.HealthUnavailable, Reason: "service unreachable"}
	}
	if h.State == "" {
		h.State = provider.HealthAvailable
	}
	return h
}

func (p *Provider) Submit(ctx context.Context, req provider.SubmitRequest) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := p.do(ctx, http.MethodPost, "/v1/sessions", req, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", fserr.New(fserr.CodeProviderFailure, "service returned no session id")
	}
	return out.SessionID, nil
}

func (p *Provider) GetSession(ctx context.Context, sessionID string) (provider.SessionStatus, error) {
	var status provider.SessionStatus
	err := p.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, &status)
	return status, err
}

func (p *Provider) SubmitExec(ctx context.Context, sessionID, command string) (string, error) {
	var out struct {
		ExecID string `json:"exec_id"`
	}
	in := map[string]string{"command": command}
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/execs"
	if err := p.do(ctx, http.MethodPost, path, in, &out); err != nil {
		return "", err
	}
	return out.ExecID, nil
}

func (p *Provider) GetExec(ctx context.Context, sessionID, execID string) (provider.ExecStatus, error) {
	var status provider.ExecStatus
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/execs/" + url.PathEscape(execID)
	err := p.do(ctx, http.MethodGet, path, nil, &status)
	return status, err
}

// outputPage is the service's incremental output response.
type outputPage struct {
	Data   []byte `json:"data"`
	Cursor int64  `json:"cursor"`
}

func (p *Provider) PollOutput(ctx context.Context, sessionID string) ([]byte, error) {
	return p.pollOutput(ctx, sessionID, "/v1/sessions/"+url.PathEscape(sessionID)+"/output", "session:"+sessionID)
}

func (p *Provider) PollExecOutput(ctx context.Context, sessionID, execID string) ([]byte, error) {
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/execs/" + url.PathEscape(execID) + "/output"
	return p.pollOutput(ctx, sessionID, path, "exec:"+execID)
}

func (p *Provider) pollOutput(ctx context.Context, sessionID, path, cursorKey string) ([]byte, error) {
	p.mu.Lock()
	cursor := p.cursors[cursorKey]
	p.mu.Unlock()

	var page outputPage
	if err := p.do(ctx, http.MethodGet, fmt.Sprintf("%s?cursor=%d", path, cursor), nil, &page); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if page.Cursor > p.cursors[cursorKey] {
		p.cursors[cursorKey] = page.Cursor
	}
	p.mu.Unlock()
	if len(page.Data) == 0 {
		return nil, nil
	}
	return page.Data, nil
}

func (p *Provider) ReadFile(ctx context.Context, sessionID, path string, offset, limit int64) ([]byte, error) {
	var out struct {
		Data []byte `json:"data"`
	}
	reqPath := fmt.Sprintf("/v1/sessions/%s/files/%s?offset=%d&limit=%d",
		url.PathEscape(sessionID), encodeFilePath(path), offset, limit)
	if err := p.do(ctx, http.MethodGet, reqPath, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (p *Provider) WriteFile(ctx context.Context, sessionID, path string, data []byte, offset int64) error {
	in := map[string]any{"data": data, "offset": offset}
	reqPath := fmt.Sprintf("/v1/sessions/%s/files/%s", url.PathEscape(sessionID), encodeFilePath(path))
	return p.do(ctx, http.MethodPut, reqPath, in, nil)
}

func (p *Provider) Stop(ctx context.Context, sessionID string) error {
	err := p.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(sessionID), nil, nil)
	if fserr.IsCode(err, fserr.CodeNotFound) {
		return nil
	}
	return err
}

func (p *Provider) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fserr.Wrap(err, fserr.CodeInternal, "encoding service request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fserr.Wrap(err, fserr.CodeProviderFailure, "building service request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fserr.Wrap(err, fserr.CodeProviderFailure, "execution service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fserr.Newf(fserr.CodeNotFound, "execution service: %s %s", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fserr.Newf(fserr.CodeProviderFailure, "execution service %s %s: %s: %s",
			method, path, resp.Status, bytes.TrimSpace(payload))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fserr.Wrapf(err, fserr.CodeProviderFailure, "decoding service response for %s", path)
	}
	return nil
}

func encodeFilePath(p string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(p))
}
