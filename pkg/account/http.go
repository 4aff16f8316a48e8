package account

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/odvcencio/warden/pkg/fserr"
)

// HTTPGateway talks JSON to a remote account authority.
type HTTPGateway struct {
	baseURL string
	client  *http.Client

	mu           sync.RWMutex
	token        string
	tokenExpires time.Time
}

// NewHTTPGateway creates a gateway client for the authority at baseURL.
func NewHTTPGateway(baseURL string, client *http.Client) *HTTPGateway {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPGateway{baseURL: baseURL, client: client}
}

// SetToken implements Gateway. JWT bearer tokens have their expiry read from
// the claims without signature verification; verification is the authority's
// job, the expiry is only surfaced in Status.
func (g *HTTPGateway) SetToken(token string) error {
	if token == "" {
		return fserr.New(fserr.CodeInvalidRequest, "empty auth token")
	}

	var expires time.Time
	if parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{}); err == nil {
		if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
			expires = exp.Time
		}
	}

	g.mu.Lock()
	g.token = token
	g.tokenExpires = expires
	g.mu.Unlock()
	return nil
}

// Status implements Gateway.
func (g *HTTPGateway) Status(ctx context.Context) (Status, error) {
	var st Status
	if err := g.do(ctx, http.MethodGet, "/v1/account/status", nil, &st); err != nil {
		return Status{}, err
	}
	g.mu.RLock()
	if !g.tokenExpires.IsZero() {
		st.TokenExpires = g.tokenExpires
	}
	g.mu.RUnlock()
	return st, nil
}

// Credits implements Gateway.
func (g *HTTPGateway) Credits(ctx context.Context) (Balance, error) {
	var bal Balance
	err := g.do(ctx, http.MethodGet, "/v1/account/credits", nil, &bal)
	return bal, err
}

// ReserveCredits implements Gateway.
func (g *HTTPGateway) ReserveCredits(ctx context.Context, amount float64) (string, error) {
	var out struct {
		HoldID string `json:"hold_id"`
	}
	in := map[string]float64{"amount": amount}
	if err := g.do(ctx, http.MethodPost, "/v1/account/holds", in, &out); err != nil {
		return "", err
	}
	return out.HoldID, nil
}

// ReleaseCredits implements Gateway.
func (g *HTTPGateway) ReleaseCredits(ctx context.Context, holdID string) error {
	return g.do(ctx, http.MethodDelete, "/v1/account/holds/"+holdID, nil, nil)
}

// ReconcileCredits implements Gateway.
func (g *HTTPGateway) ReconcileCredits(ctx context.Context, holdID string, actual float64) error {
	in := map[string]float64{"actual": actual}
	return g.do(ctx, http.MethodPost, "/v1/account/holds/"+holdID+"/settle", in, nil)
}

// PendingChallenge implements Gateway.
func (g *HTTPGateway) PendingChallenge(ctx context.Context) (*Challenge, error) {
	var ch Challenge
	err := g.do(ctx, http.MethodGet, "/v1/account/challenge", nil, &ch)
	if err != nil {
		if fserr.IsCode(err, fserr.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ch, nil
}

// SubmitChallenge implements Gateway.
func (g *HTTPGateway) SubmitChallenge(ctx context.Context, response string) error {
	in := map[string]string{"response": response}
	return g.do(ctx, http.MethodPost, "/v1/account/challenge", in, nil)
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fserr.Wrap(err, fserr.CodeInternal, "encoding gateway request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fserr.Wrap(err, fserr.CodeAccountFailure, "building gateway request")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	g.mu.RLock()
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	g.mu.RUnlock()

	resp, err := g.client.Do(req)
	if err != nil {
		return fserr.Wrap(err, fserr.CodeAccountFailure, "account gateway unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fserr.Newf(fserr.CodeNotFound, "account gateway: %s %s", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fserr.Newf(fserr.CodeAccountFailure, "account gateway %s %s: %s: %s",
			method, path, resp.Status, bytes.TrimSpace(payload))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fserr.Wrap(err, fserr.CodeAccountFailure, fmt.Sprintf("decoding gateway response for %s", path))
	}
	return nil
}
