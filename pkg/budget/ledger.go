// Package budget implements the two-window reservation ledger backing the
// control plane's spending policy. Amounts are dollars.
package budget

import (
	"errors"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/warden/pkg/fserr"
)

// Window identifies an accounting period.
type Window string

const (
	// WindowTick is the short accounting period, reset by the caller per tick.
	WindowTick Window = "tick"
	// WindowDay is the long accounting period.
	WindowDay Window = "day"
)

// Windows lists the ledger windows in reporting order.
var Windows = []Window{WindowTick, WindowDay}

var (
	// ErrReservationFinalized is returned when a reservation is reconciled or
	// released more than once.
	ErrReservationFinalized = errors.New("budget: reservation already finalized")
	// ErrUnknownReservation is returned for tokens the ledger never issued.
	ErrUnknownReservation = errors.New("budget: unknown reservation")
)

// Reservation is a hold against both windows. It must be reconciled or
// released exactly once.
type Reservation struct {
	ID     string
	Amount float64
}

// Usage is a point-in-time view of one window.
type Usage struct {
	Reserved  float64 `json:"reserved"`
	Spent     float64 `json:"spent"`
	Limit     float64 `json:"limit"`
	Remaining float64 `json:"remaining"`
}

type window struct {
	reserved float64
	spent    float64
	limit    float64
}

// Ledger tracks reserved and spent amounts against per-window limits. All
// operations serialize on one mutex; the window invariants span multiple
// fields that must never be observed torn.
type Ledger struct {
	mu          sync.Mutex
	tick        window
	day         window
	outstanding map[string]float64
}

// NewLedger creates a ledger with the given window limits. A limit <= 0
// disables enforcement for that window.
func NewLedger(tickLimit, dayLimit float64) *Ledger {
	return &Ledger{
		tick:        window{limit: normalizeLimit(tickLimit)},
		day:         window{limit: normalizeLimit(dayLimit)},
		outstanding: make(map[string]float64),
	}
}

// SetLimits replaces both window limits. Existing reservations and spend are
// untouched; the new limits apply to subsequent reservations.
func (l *Ledger) SetLimits(tickLimit, dayLimit float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tick.limit = normalizeLimit(tickLimit)
	l.day.limit = normalizeLimit(dayLimit)
}

// Reserve places a hold of amount against both windows, failing with
// BUDGET_EXCEEDED if any limited window cannot absorb it.
func (l *Ledger) Reserve(amount float64) (*Reservation, error) {
	if amount < 0 {
		return nil, fserr.Newf(fserr.CodeInvalidRequest, "negative reservation amount %.4f", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, w := range []*window{&l.tick, &l.day} {
		if w.limit > 0 && w.reserved+w.spent+amount > w.limit {
			return nil, fserr.Newf(fserr.CodeBudgetExceeded,
				"reserving $%.4f would exceed window limit $%.4f (reserved $%.4f, spent $%.4f)",
				amount, w.limit, w.reserved, w.spent)
		}
	}

	res := &Reservation{
		ID:     ulid.Make().String(),
		Amount: amount,
	}
	l.tick.reserved += amount
	l.day.reserved += amount
	l.outstanding[res.ID] = amount
	return res, nil
}

// Reconcile converts a reservation into actual spend. The reserved amount is
// removed in full; only actualCost lands in spent, and any surplus is dropped
// from both counters.
func (l *Ledger) Reconcile(res *Reservation, actualCost float64) error {
	if actualCost < 0 {
		actualCost = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	amount, err := l.takeOutstanding(res)
	if err != nil {
		return err
	}
	for _, w := range []*window{&l.tick, &l.day} {
		w.reserved -= amount
		if w.reserved < 0 {
			w.reserved = 0
		}
		w.spent += actualCost
	}
	return nil
}

// Release drops a reservation with no effect on spent. Used for failure,
// expiry, and stop.
func (l *Ledger) Release(res *Reservation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	amount, err := l.takeOutstanding(res)
	if err != nil {
		return err
	}
	for _, w := range []*window{&l.tick, &l.day} {
		w.reserved -= amount
		if w.reserved < 0 {
			w.reserved = 0
		}
	}
	return nil
}

// ResetWindow clears the reserved and spent counters of one window, starting
// a new accounting period. Outstanding reservations keep their tokens but no
// longer count against the reset window.
func (l *Ledger) ResetWindow(w Window) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch w {
	case WindowTick:
		l.tick.reserved, l.tick.spent = 0, 0
	case WindowDay:
		l.day.reserved, l.day.spent = 0, 0
	}
}

// Snapshot returns the current usage of both windows.
func (l *Ledger) Snapshot() map[Window]Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return map[Window]Usage{
		WindowTick: usageOf(l.tick),
		WindowDay:  usageOf(l.day),
	}
}

func (l *Ledger) takeOutstanding(res *Reservation) (float64, error) {
	if res == nil {
		return 0, ErrUnknownReservation
	}
	amount, ok := l.outstanding[res.ID]
	if !ok {
		return 0, ErrReservationFinalized
	}
	delete(l.outstanding, res.ID)
	return amount, nil
}

func usageOf(w window) Usage {
	u := Usage{Reserved: w.reserved, Spent: w.spent, Limit: w.limit}
	if w.limit > 0 {
		u.Remaining = w.limit - w.reserved - w.spent
		if u.Remaining < 0 {
			u.Remaining = 0
		}
	}
	return u
}

func normalizeLimit(limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return limit
}
