package plane

import (
	"context"
	"encoding/json"
	"time"

	"github.com/odvcencio/warden/pkg/budget"
	"github.com/odvcencio/warden/pkg/bus"
	"github.com/odvcencio/warden/pkg/fserr"
	"github.com/odvcencio/warden/pkg/journal"
	"github.com/odvcencio/warden/pkg/logging"
	"github.com/odvcencio/warden/pkg/provider"
	"github.com/odvcencio/warden/pkg/router"
)

// defaultTimeout applies when neither the request nor the policy names one.
const defaultTimeout = 5 * time.Minute

// createSession handles a write to /new. Requests carrying an idempotency key
// collapse through singleflight so concurrent retries share one execution.
func (p *Plane) createSession(ctx context.Context, data []byte) ([]byte, error) {
	var req ContainerRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, p.rejectCreate("parse", fserr.Wrap(err, fserr.CodeInvalidRequest, "parsing container request"))
	}

	if req.IdempotencyKey == "" {
		return p.doCreate(ctx, req)
	}
	v, err, _ := p.createGroup.Do(p.agent+"\x00"+req.IdempotencyKey, func() (any, error) {
		return p.doCreate(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	resp := v.([]byte)
	out := make([]byte, len(resp))
	copy(out, resp)
	return out, nil
}

func (p *Plane) doCreate(ctx context.Context, req ContainerRequest) ([]byte, error) {
	pol := p.currentPolicy()

	if pol.RequireIdempotencyKey && req.IdempotencyKey == "" {
		return nil, p.rejectCreate("missing_key",
			fserr.New(fserr.CodeInvalidRequest, "policy requires an idempotency key"))
	}

	switch req.Kind {
	case "":
		req.Kind = provider.KindBatch
	case provider.KindBatch, provider.KindInteractive:
	default:
		return nil, p.rejectCreate("kind",
			fserr.Newf(fserr.CodeInvalidRequest, "unknown session kind %q", req.Kind))
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(pol.DefaultTimeoutSeconds) * time.Second
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if pol.MaxTimeSeconds > 0 && timeout > time.Duration(pol.MaxTimeSeconds)*time.Second {
		return nil, p.rejectCreate("timeout",
			fserr.Newf(fserr.CodePolicyViolation, "timeout %s exceeds policy maximum %ds", timeout, pol.MaxTimeSeconds))
	}

	if req.Kind == provider.KindBatch && len(req.Commands) == 0 {
		return nil, p.rejectCreate("commands",
			fserr.New(fserr.CodeInvalidRequest, "batch sessions require at least one command"))
	}
	if !pol.imageAllowed(req.Image) {
		return nil, p.rejectCreate("image",
			fserr.Newf(fserr.CodePolicyViolation, "image %q is not permitted", req.Image))
	}
	if pol.MaxMemoryMB > 0 && req.MaxMemoryMB > pol.MaxMemoryMB {
		return nil, p.rejectCreate("memory",
			fserr.Newf(fserr.CodePolicyViolation, "memory %dMB exceeds policy maximum %dMB", req.MaxMemoryMB, pol.MaxMemoryMB))
	}
	if req.NetworkEnabled && !pol.AllowNetwork {
		return nil, p.rejectCreate("network",
			fserr.New(fserr.CodePolicyViolation, "network access is not permitted"))
	}
	if pol.MaxConcurrent > 0 {
		if err := p.acquireCreateSlot(pol.MaxConcurrent); err != nil {
			return nil, p.rejectCreate("concurrency", err)
		}
		defer p.releaseCreateSlot()
	}

	maxCost, err := p.resolveMaxCost(req, pol)
	if err != nil {
		return nil, p.rejectCreate("cost", err)
	}

	prov, err := p.router.Select(ctx, router.Needs{
		Interactive: req.Kind == provider.KindInteractive,
		Network:     req.NetworkEnabled,
		MaxMemoryMB: req.MaxMemoryMB,
		MaxCPUs:     req.MaxCPUs,
		MaxDiskMB:   req.MaxDiskMB,
		Duration:    timeout,
	})
	if err != nil {
		return nil, p.rejectCreate("provider", err)
	}

	var scopeKey string
	if req.IdempotencyKey != "" {
		scopeKey = journal.ScopeKey(p.agent, prov.ID(), req.IdempotencyKey)
		if cached, ok, jerr := p.journal.Get(ctx, scopeKey); jerr == nil && ok {
			p.adoptReplayed(cached, prov.ID())
			metricSessionsReplayed.Inc()
			p.log.Info(logging.CategorySession, "session_replayed", "idempotent create replayed from journal",
				map[string]any{"provider": prov.ID()})
			return cached, nil
		}
	}

	if prov.RequiresAccountAuth() {
		if err := p.precheckCredits(ctx, maxCost); err != nil {
			return nil, p.rejectCreate("credits", err)
		}
	}

	res, err := p.ledger.Reserve(maxCost)
	if err != nil {
		metricBudgetRejections.Inc()
		p.publish(ctx, bus.SubjectBudgetRejected, map[string]any{"agent": p.agent, "amount": maxCost})
		return nil, p.rejectCreate("budget", err)
	}
	if err := p.checkPolicyCeilings(pol); err != nil {
		_ = p.ledger.Release(res)
		return nil, p.rejectCreate("budget", err)
	}

	var holdID string
	if prov.RequiresAccountAuth() {
		holdID, err = p.gateway.ReserveCredits(ctx, maxCost)
		if err != nil {
			_ = p.ledger.Release(res)
			return nil, p.rejectCreate("credits", fserr.Wrap(err, fserr.CodeAccountFailure, "reserving credits"))
		}
	}

	sessionID, err := prov.Submit(ctx, provider.SubmitRequest{
		Agent:          p.agent,
		Kind:           req.Kind,
		Image:          req.Image,
		Commands:       req.Commands,
		MaxMemoryMB:    req.MaxMemoryMB,
		MaxCPUs:        req.MaxCPUs,
		MaxDiskMB:      req.MaxDiskMB,
		Timeout:        timeout,
		NetworkEnabled: req.NetworkEnabled,
	})
	if err != nil {
		_ = p.ledger.Release(res)
		if holdID != "" {
			_ = p.gateway.ReleaseCredits(ctx, holdID)
		}
		return nil, p.rejectCreate("submit", fserr.Wrap(err, fserr.CodeProviderFailure, "submitting session"))
	}

	p.smu.Lock()
	p.sessions[sessionID] = &sessionRecord{
		agent:          p.agent,
		providerID:     prov.ID(),
		reservation:    res,
		creditHold:     holdID,
		creditReserved: maxCost,
		lastState:      provider.SessionProvisioning,
		createdAt:      p.now(),
	}
	p.smu.Unlock()

	resp, err := marshalJSON(CreateResponse{
		SessionID: sessionID,
		Provider:  prov.ID(),
		Paths:     sessionPaths(sessionID),
	})
	if err != nil {
		return nil, err
	}
	if scopeKey != "" {
		if jerr := p.journal.Put(ctx, scopeKey, resp); jerr != nil {
			p.log.Warn(logging.CategorySession, "journal_put_failed", "idempotency journal write failed",
				map[string]any{"error": jerr.Error()})
		}
	}

	metricSessionsCreated.Inc()
	metricSessionsActive.Inc()
	p.publish(ctx, bus.SubjectSessionCreated, map[string]any{
		"session_id": sessionID, "provider": prov.ID(), "agent": p.agent,
	})
	p.log.Log(logging.Event{
		Level: logging.LevelInfo, Category: logging.CategorySession, EventType: "session_created",
		SessionID: sessionID, Provider: prov.ID(),
		Details: map[string]any{"kind": string(req.Kind), "max_cost": maxCost},
	})
	return resp, nil
}

// resolveMaxCost picks the session cost ceiling: request, then policy
// default, then the face value of the tightest ledger window.
func (p *Plane) resolveMaxCost(req ContainerRequest, pol *compiledPolicy) (float64, error) {
	if req.MaxCost < 0 {
		return 0, fserr.Newf(fserr.CodeInvalidRequest, "negative max cost %.4f", req.MaxCost)
	}
	if req.MaxCost > 0 {
		return req.MaxCost, nil
	}
	if pol.DefaultMaxCost > 0 {
		return pol.DefaultMaxCost, nil
	}
	if pol.RequireMaxCost {
		return 0, fserr.New(fserr.CodeInvalidRequest, "policy requires an explicit max cost")
	}
	snap := p.ledger.Snapshot()
	if tick := snap[budget.WindowTick]; tick.Limit > 0 {
		return tick.Limit, nil
	}
	if day := snap[budget.WindowDay]; day.Limit > 0 {
		return day.Limit, nil
	}
	return 0, nil
}

// checkPolicyCeilings enforces the policy's window caps on top of the ledger
// limits, after the reservation landed.
func (p *Plane) checkPolicyCeilings(pol *compiledPolicy) error {
	if pol.MaxTickCost <= 0 && pol.MaxDayCost <= 0 {
		return nil
	}
	snap := p.ledger.Snapshot()
	if tick := snap[budget.WindowTick]; pol.MaxTickCost > 0 && tick.Reserved+tick.Spent > pol.MaxTickCost {
		return fserr.Newf(fserr.CodeBudgetExceeded, "tick exposure would exceed policy cap $%.4f", pol.MaxTickCost)
	}
	if day := snap[budget.WindowDay]; pol.MaxDayCost > 0 && day.Reserved+day.Spent > pol.MaxDayCost {
		return fserr.Newf(fserr.CodeBudgetExceeded, "day exposure would exceed policy cap $%.4f", pol.MaxDayCost)
	}
	return nil
}

// precheckCredits verifies authentication and available balance before any
// hold is placed.
func (p *Plane) precheckCredits(ctx context.Context, maxCost float64) error {
	if p.gateway == nil {
		return fserr.New(fserr.CodeAccountFailure, "provider requires account auth but no gateway is configured")
	}
	st, err := p.gateway.Status(ctx)
	if err != nil {
		return fserr.Wrap(err, fserr.CodeAccountFailure, "checking account status")
	}
	if !st.Authenticated {
		return fserr.New(fserr.CodeAccountFailure, "account is not authenticated")
	}
	bal, err := p.gateway.Credits(ctx)
	if err != nil {
		return fserr.Wrap(err, fserr.CodeAccountFailure, "checking credit balance")
	}
	if bal.Available < maxCost {
		return fserr.Newf(fserr.CodeBudgetExceeded, "insufficient credits: $%.4f available, $%.4f needed",
			bal.Available, maxCost)
	}
	return nil
}

// adoptReplayed makes sure a journal-replayed session id is tracked. A plane
// restarted since the original create gets a reconciled zero-cost placeholder
// so status paths resolve.
func (p *Plane) adoptReplayed(cached []byte, providerID string) {
	var resp CreateResponse
	if err := json.Unmarshal(cached, &resp); err != nil || resp.SessionID == "" {
		return
	}
	p.smu.Lock()
	defer p.smu.Unlock()
	if _, ok := p.sessions[resp.SessionID]; ok {
		return
	}
	p.sessions[resp.SessionID] = &sessionRecord{
		agent:      p.agent,
		providerID: providerID,
		reconciled: true,
		lastState:  provider.SessionProvisioning,
		createdAt:  p.now(),
	}
	// The placeholder counts as live until observed terminal, matching the
	// decrement in refreshSession.
	metricSessionsActive.Inc()
}

// execRequest is the body written to exec/new.
type execRequest struct {
	Command string `json:"command"`
}

// createExec starts a command inside a running session.
func (p *Plane) createExec(ctx context.Context, sessionID string, data []byte) ([]byte, error) {
	var req execRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fserr.Wrap(err, fserr.CodeInvalidRequest, "parsing exec request")
	}
	if req.Command == "" {
		return nil, fserr.New(fserr.CodeInvalidRequest, "exec requires a command")
	}

	rec, err := p.lookupSession(sessionID)
	if err != nil {
		return nil, err
	}
	status, err := p.refreshSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if status.State.Terminal() {
		return nil, fserr.Newf(fserr.CodeInvalidRequest, "session %q has finished", sessionID)
	}

	prov, err := p.router.Get(rec.providerID)
	if err != nil {
		return nil, err
	}
	execID, err := prov.SubmitExec(ctx, sessionID, req.Command)
	if err != nil {
		return nil, fserr.Wrap(err, fserr.CodeProviderFailure, "submitting exec")
	}

	p.smu.Lock()
	p.execs[execID] = &execRecord{providerID: rec.providerID, sessionID: sessionID}
	p.smu.Unlock()

	p.publish(ctx, bus.SubjectExecCreated, map[string]any{
		"session_id": sessionID, "exec_id": execID, "provider": rec.providerID,
	})
	p.log.Log(logging.Event{
		Level: logging.LevelInfo, Category: logging.CategoryExec, EventType: "exec_created",
		SessionID: sessionID, ExecID: execID, Provider: rec.providerID,
	})
	return marshalJSON(ExecResponse{
		ExecID:    execID,
		SessionID: sessionID,
		Paths:     execPaths(sessionID, execID),
	})
}

func (p *Plane) rejectCreate(reason string, err error) error {
	metricCreatesRejected.WithLabelValues(reason).Inc()
	p.log.Warn(logging.CategorySession, "create_rejected", err.Error(), map[string]any{"reason": reason})
	return err
}

func (p *Plane) publish(ctx context.Context, subject string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := p.bus.Publish(ctx, subject, data); err != nil {
		p.log.Debug(logging.CategorySession, "publish_failed", err.Error(), map[string]any{"subject": subject})
	}
}

// acquireCreateSlot admits a create under the concurrency ceiling. The slot
// stays held until the new record lands in the session map or the create
// fails, so creates racing at the cap cannot all pass the check.
func (p *Plane) acquireCreateSlot(max int) error {
	p.smu.Lock()
	defer p.smu.Unlock()
	if p.countNonTerminalLocked()+p.pendingCreates >= max {
		return fserr.Newf(fserr.CodePolicyViolation, "concurrent session limit %d reached", max)
	}
	p.pendingCreates++
	return nil
}

func (p *Plane) releaseCreateSlot() {
	p.smu.Lock()
	p.pendingCreates--
	p.smu.Unlock()
}

// countNonTerminalLocked counts sessions whose last observed state is still
// live. Caller holds smu.
func (p *Plane) countNonTerminalLocked() int {
	n := 0
	for _, rec := range p.sessions {
		if !rec.lastState.Terminal() {
			n++
		}
	}
	return n
}
