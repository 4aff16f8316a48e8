package budget

import (
	"errors"
	"testing"

	"github.com/odvcencio/warden/pkg/fserr"
)

func TestReserveReconcileFreesHeadroom(t *testing.T) {
	l := NewLedger(2.00, 20.00)

	res, err := l.Reserve(1.50)
	if err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}

	// 1.50 held against a 2.00 tick limit leaves no room for another dollar.
	if _, err := l.Reserve(1.00); !fserr.IsCode(err, fserr.CodeBudgetExceeded) {
		t.Fatalf("expected BUDGET_EXCEEDED, got %v", err)
	}

	if err := l.Reconcile(res, 0.30); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	snap := l.Snapshot()
	tick := snap[WindowTick]
	if tick.Reserved != 0 {
		t.Errorf("tick reserved = %v, want 0", tick.Reserved)
	}
	if tick.Spent != 0.30 {
		t.Errorf("tick spent = %v, want 0.30", tick.Spent)
	}

	// The surplus of the reservation is gone, so the dollar now fits.
	if _, err := l.Reserve(1.00); err != nil {
		t.Fatalf("reserve after reconcile failed: %v", err)
	}
}

func TestReserveChecksBothWindows(t *testing.T) {
	l := NewLedger(10.00, 1.00)
	if _, err := l.Reserve(2.00); !fserr.IsCode(err, fserr.CodeBudgetExceeded) {
		t.Fatalf("day window should reject, got %v", err)
	}
}

func TestUnlimitedWindows(t *testing.T) {
	l := NewLedger(0, -3)
	if _, err := l.Reserve(1e6); err != nil {
		t.Fatalf("unlimited ledger rejected reservation: %v", err)
	}
	snap := l.Snapshot()
	if snap[WindowTick].Limit != 0 || snap[WindowDay].Limit != 0 {
		t.Errorf("limits not normalized to 0: %+v", snap)
	}
}

func TestDoubleFinalize(t *testing.T) {
	l := NewLedger(5, 5)
	res, err := l.Reserve(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Reconcile(res, 0.5); err != nil {
		t.Fatal(err)
	}
	if err := l.Reconcile(res, 0.5); !errors.Is(err, ErrReservationFinalized) {
		t.Errorf("second reconcile = %v, want ErrReservationFinalized", err)
	}
	if err := l.Release(res); !errors.Is(err, ErrReservationFinalized) {
		t.Errorf("release after reconcile = %v, want ErrReservationFinalized", err)
	}
}

func TestReleaseRestoresHeadroom(t *testing.T) {
	l := NewLedger(2, 2)
	res, err := l.Reserve(2)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(res); err != nil {
		t.Fatal(err)
	}
	snap := l.Snapshot()
	if snap[WindowTick].Reserved != 0 || snap[WindowTick].Spent != 0 {
		t.Errorf("release left residue: %+v", snap[WindowTick])
	}
	if _, err := l.Reserve(2); err != nil {
		t.Fatalf("reserve after release failed: %v", err)
	}
}

func TestReleaseUnknownReservation(t *testing.T) {
	l := NewLedger(2, 2)
	if err := l.Release(nil); !errors.Is(err, ErrUnknownReservation) {
		t.Errorf("nil reservation = %v, want ErrUnknownReservation", err)
	}
}

func TestNegativeAmountRejected(t *testing.T) {
	l := NewLedger(2, 2)
	if _, err := l.Reserve(-1); !fserr.IsCode(err, fserr.CodeInvalidRequest) {
		t.Errorf("negative reserve = %v, want INVALID_REQUEST", err)
	}
}

func TestReconcileNegativeCostClampsToZero(t *testing.T) {
	l := NewLedger(2, 2)
	res, _ := l.Reserve(1)
	if err := l.Reconcile(res, -5); err != nil {
		t.Fatal(err)
	}
	if spent := l.Snapshot()[WindowTick].Spent; spent != 0 {
		t.Errorf("spent = %v, want 0", spent)
	}
}

func TestResetWindow(t *testing.T) {
	l := NewLedger(2, 20)
	res, _ := l.Reserve(1.5)
	if err := l.Reconcile(res, 1.5); err != nil {
		t.Fatal(err)
	}

	l.ResetWindow(WindowTick)

	snap := l.Snapshot()
	if snap[WindowTick].Spent != 0 {
		t.Errorf("tick spent after reset = %v", snap[WindowTick].Spent)
	}
	if snap[WindowDay].Spent != 1.5 {
		t.Errorf("day spent after tick reset = %v, want 1.5", snap[WindowDay].Spent)
	}
	if _, err := l.Reserve(2); err != nil {
		t.Fatalf("reserve after tick reset failed: %v", err)
	}
}

func TestSetLimitsAppliesToNewReservations(t *testing.T) {
	l := NewLedger(1, 1)
	l.SetLimits(5, 5)
	if _, err := l.Reserve(3); err != nil {
		t.Fatalf("reserve under raised limit failed: %v", err)
	}
}

func TestSnapshotRemaining(t *testing.T) {
	l := NewLedger(2, 0)
	res, _ := l.Reserve(0.5)
	_ = l.Reconcile(res, 0.5)
	_, _ = l.Reserve(1.0)

	tick := l.Snapshot()[WindowTick]
	if tick.Remaining != 0.5 {
		t.Errorf("remaining = %v, want 0.5", tick.Remaining)
	}
	day := l.Snapshot()[WindowDay]
	if day.Remaining != 0 {
		t.Errorf("unlimited window remaining = %v, want 0", day.Remaining)
	}
}
