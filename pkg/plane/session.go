package plane

import (
	"context"
	"time"

	"github.com/odvcencio/warden/pkg/budget"
	"github.com/odvcencio/warden/pkg/bus"
	"github.com/odvcencio/warden/pkg/fserr"
	"github.com/odvcencio/warden/pkg/logging"
	"github.com/odvcencio/warden/pkg/provider"
)

// SessionStatusInfo is the /sessions/<id>/status view.
type SessionStatusInfo struct {
	SessionID  string                `json:"session_id"`
	Provider   string                `json:"provider"`
	State      provider.SessionState `json:"state"`
	Error      string                `json:"error,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	StartedAt  time.Time             `json:"started_at,omitzero"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
}

// SessionResult is the /sessions/<id>/result view, readable once terminal.
type SessionResult struct {
	State      provider.SessionState `json:"state"`
	Response   string                `json:"response,omitempty"`
	Error      string                `json:"error,omitempty"`
	ActualCost float64               `json:"actual_cost"`
}

// refreshSession polls the provider for current state and, on the first
// terminal observation, reconciles the session's budget and credit holds.
// The reconciled flag flips under the record lock; the ledger and gateway
// effects commit outside it, so exactly one caller performs them.
func (p *Plane) refreshSession(ctx context.Context, sessionID string) (provider.SessionStatus, error) {
	rec, err := p.lookupSession(sessionID)
	if err != nil {
		return provider.SessionStatus{}, err
	}
	prov, err := p.router.Get(rec.providerID)
	if err != nil {
		return provider.SessionStatus{}, err
	}
	status, err := prov.GetSession(ctx, sessionID)
	if err != nil {
		return provider.SessionStatus{}, fserr.Wrap(err, fserr.CodeProviderFailure, "polling session")
	}

	var (
		reservation *budget.Reservation
		creditHold  string
		wasLive     bool
	)
	p.smu.Lock()
	wasLive = !rec.lastState.Terminal()
	rec.lastState = status.State
	if status.State.Terminal() && !rec.reconciled {
		rec.reconciled = true
		rec.actualCost = status.ActualCost
		reservation = rec.reservation
		rec.reservation = nil
		creditHold = rec.creditHold
		rec.creditHold = ""
	}
	p.smu.Unlock()

	if status.State.Terminal() && wasLive {
		metricSessionsActive.Dec()
	}
	if reservation != nil || creditHold != "" {
		p.reconcileHolds(ctx, sessionID, rec.providerID, reservation, creditHold, status)
	}
	return status, nil
}

func (p *Plane) reconcileHolds(ctx context.Context, sessionID, providerID string,
	reservation *budget.Reservation, creditHold string, status provider.SessionStatus) {

	outcome := "reconciled"
	if reservation != nil {
		if err := p.ledger.Reconcile(reservation, status.ActualCost); err != nil {
			outcome = "error"
			p.log.Log(logging.Event{
				Level: logging.LevelError, Category: logging.CategoryBudget, EventType: "reconcile_failed",
				SessionID: sessionID, Provider: providerID, Message: err.Error(),
			})
		}
	}
	if creditHold != "" {
		if err := p.gateway.ReconcileCredits(ctx, creditHold, status.ActualCost); err != nil {
			outcome = "error"
			p.log.Log(logging.Event{
				Level: logging.LevelError, Category: logging.CategoryBudget, EventType: "credit_reconcile_failed",
				SessionID: sessionID, Provider: providerID, Message: err.Error(),
			})
		}
	}
	metricReconciliations.WithLabelValues(outcome).Inc()
	p.publish(ctx, bus.SubjectSessionTerminal, map[string]any{
		"session_id": sessionID, "provider": providerID,
		"state": string(status.State), "actual_cost": status.ActualCost,
	})
	p.log.Log(logging.Event{
		Level: logging.LevelInfo, Category: logging.CategorySession, EventType: "session_reconciled",
		SessionID: sessionID, Provider: providerID,
		Details: map[string]any{"state": string(status.State), "actual_cost": status.ActualCost},
	})
}

func (p *Plane) sessionStatusJSON(ctx context.Context, sessionID string) ([]byte, error) {
	rec, err := p.lookupSession(sessionID)
	if err != nil {
		return nil, err
	}
	status, err := p.refreshSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return marshalJSON(SessionStatusInfo{
		SessionID:  sessionID,
		Provider:   rec.providerID,
		State:      status.State,
		Error:      status.Error,
		CreatedAt:  rec.createdAt,
		StartedAt:  status.StartedAt,
		FinishedAt: status.FinishedAt,
	})
}

func (p *Plane) sessionResultJSON(ctx context.Context, sessionID string) ([]byte, error) {
	status, err := p.refreshSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !status.State.Terminal() {
		return nil, fserr.Newf(fserr.CodeInvalidRequest, "session %q has not finished", sessionID)
	}
	return marshalJSON(SessionResult{
		State:      status.State,
		Response:   status.Response,
		Error:      status.Error,
		ActualCost: status.ActualCost,
	})
}

func (p *Plane) sessionUsageJSON(ctx context.Context, sessionID string) ([]byte, error) {
	if _, err := p.refreshSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rec, err := p.lookupSession(sessionID)
	if err != nil {
		return nil, err
	}
	p.smu.RLock()
	view := SessionUsage{
		Provider:   rec.providerID,
		ActualCost: rec.actualCost,
		Reconciled: rec.reconciled,
	}
	if rec.reservation != nil {
		view.Reserved = rec.reservation.Amount
	}
	p.smu.RUnlock()
	return marshalJSON(view)
}

func (p *Plane) sessionOutput(ctx context.Context, sessionID string) ([]byte, error) {
	rec, err := p.lookupSession(sessionID)
	if err != nil {
		return nil, err
	}
	prov, err := p.router.Get(rec.providerID)
	if err != nil {
		return nil, err
	}
	chunk, err := prov.PollOutput(ctx, sessionID)
	if err != nil {
		return nil, fserr.Wrap(err, fserr.CodeProviderFailure, "polling session output")
	}
	return chunk, nil
}

// sessionControl handles writes to the ctl file. "stop" is the only command.
func (p *Plane) sessionControl(ctx context.Context, sessionID, command string) error {
	switch command {
	case "stop":
		return p.StopSession(ctx, sessionID)
	default:
		return fserr.Newf(fserr.CodeInvalidRequest, "unknown control command %q", command)
	}
}

// StopSession tears the session down and releases its holds. Stopping never
// converts a reservation into spend; the caller abandoned the work.
func (p *Plane) StopSession(ctx context.Context, sessionID string) error {
	rec, err := p.lookupSession(sessionID)
	if err != nil {
		return err
	}
	prov, err := p.router.Get(rec.providerID)
	if err != nil {
		return err
	}
	if err := prov.Stop(ctx, sessionID); err != nil {
		return fserr.Wrap(err, fserr.CodeProviderFailure, "stopping session")
	}

	var (
		reservation *budget.Reservation
		creditHold  string
		wasLive     bool
	)
	p.smu.Lock()
	wasLive = !rec.lastState.Terminal()
	if !rec.reconciled {
		rec.reconciled = true
		reservation = rec.reservation
		rec.reservation = nil
		creditHold = rec.creditHold
		rec.creditHold = ""
	}
	delete(p.sessions, sessionID)
	for id, er := range p.execs {
		if er.sessionID == sessionID {
			delete(p.execs, id)
		}
	}
	p.smu.Unlock()

	if wasLive {
		metricSessionsActive.Dec()
	}
	if reservation != nil {
		if err := p.ledger.Release(reservation); err != nil {
			p.log.Log(logging.Event{
				Level: logging.LevelError, Category: logging.CategoryBudget, EventType: "release_failed",
				SessionID: sessionID, Message: err.Error(),
			})
		}
		metricReconciliations.WithLabelValues("released").Inc()
	}
	if creditHold != "" {
		if err := p.gateway.ReleaseCredits(ctx, creditHold); err != nil {
			p.log.Log(logging.Event{
				Level: logging.LevelError, Category: logging.CategoryBudget, EventType: "credit_release_failed",
				SessionID: sessionID, Message: err.Error(),
			})
		}
	}

	p.publish(ctx, bus.SubjectSessionStopped, map[string]any{
		"session_id": sessionID, "provider": rec.providerID,
	})
	p.log.Log(logging.Event{
		Level: logging.LevelInfo, Category: logging.CategorySession, EventType: "session_stopped",
		SessionID: sessionID, Provider: rec.providerID,
	})
	return nil
}

func (p *Plane) execStatusJSON(ctx context.Context, sessionID, execID string) ([]byte, error) {
	status, err := p.refreshExec(ctx, sessionID, execID)
	if err != nil {
		return nil, err
	}
	return marshalJSON(status)
}

func (p *Plane) execResultJSON(ctx context.Context, sessionID, execID string) ([]byte, error) {
	status, err := p.refreshExec(ctx, sessionID, execID)
	if err != nil {
		return nil, err
	}
	if !status.State.Terminal() {
		return nil, fserr.Newf(fserr.CodeInvalidRequest, "exec %q has not finished", execID)
	}
	return marshalJSON(status)
}

func (p *Plane) execOutput(ctx context.Context, sessionID, execID string) ([]byte, error) {
	rec, err := p.lookupExec(sessionID, execID)
	if err != nil {
		return nil, err
	}
	prov, err := p.router.Get(rec.providerID)
	if err != nil {
		return nil, err
	}
	chunk, err := prov.PollExecOutput(ctx, sessionID, execID)
	if err != nil {
		return nil, fserr.Wrap(err, fserr.CodeProviderFailure, "polling exec output")
	}
	return chunk, nil
}

func (p *Plane) refreshExec(ctx context.Context, sessionID, execID string) (provider.ExecStatus, error) {
	rec, err := p.lookupExec(sessionID, execID)
	if err != nil {
		return provider.ExecStatus{}, err
	}
	prov, err := p.router.Get(rec.providerID)
	if err != nil {
		return provider.ExecStatus{}, err
	}
	status, err := prov.GetExec(ctx, sessionID, execID)
	if err != nil {
		return provider.ExecStatus{}, fserr.Wrap(err, fserr.CodeProviderFailure, "polling exec")
	}
	return status, nil
}

// usageJSON is the plane-wide /usage view: both ledger windows.
func (p *Plane) usageJSON() ([]byte, error) {
	snap := p.ledger.Snapshot()
	return marshalJSON(map[string]budget.Usage{
		string(budget.WindowTick): snap[budget.WindowTick],
		string(budget.WindowDay):  snap[budget.WindowDay],
	})
}
