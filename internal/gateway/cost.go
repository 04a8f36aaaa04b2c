package gateway

import (
	"fmt"
	"sync"

	"github.com/lprior-repo/manifest/internal/model"
)

// CostLedger tracks spend against a hard ceiling. Every call reserves its
// estimated cost before the request is submitted; a reservation that would
// push the ledger past the ceiling is refused outright, so the ceiling cannot
// be overshot by in-flight work. The total is monotonic: failed calls settle
// at whatever they actually cost, never negative.
type CostLedger struct {
	mu         sync.Mutex
	ceilingUSD float64
	totalUSD   float64
	reserved   float64
	calls      int
}

func NewCostLedger(ceilingUSD float64) *CostLedger {
	return &CostLedger{ceilingUSD: ceilingUSD}
}

// Reservation holds an estimated slice of the budget until the call settles.
type Reservation struct {
	ledger *CostLedger
	est    float64
	done   bool
}

// Reserve claims budget for one upcoming call. The estimate is the observed
// average cost of prior calls, or a conservative bootstrap value while no
// call has settled yet.
func (l *CostLedger) Reserve() (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	est := l.estimateLocked()
	if l.ceilingUSD > 0 && l.totalUSD+l.reserved+est > l.ceilingUSD+1e-9 {
		return nil, &model.PipelineError{
			Kind: model.ErrCostCeilingReached,
			Message: fmt.Sprintf("spent $%.4f of $%.4f ceiling; next call (est $%.4f) refused",
				l.totalUSD, l.ceilingUSD, est),
		}
	}
	l.reserved += est
	return &Reservation{ledger: l, est: est}, nil
}

// Settle replaces the reservation's estimate with the actual cost of the
// call. Safe to call once; later calls are no-ops.
func (r *Reservation) Settle(actualUSD float64) {
	if r == nil || r.done {
		return
	}
	r.done = true
	l := r.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserved -= r.est
	if actualUSD > 0 {
		l.totalUSD += actualUSD
		l.calls++
	}
}

// bootstrapEstimateUSD is charged against reservations before any call has
// settled. Without it, concurrent first calls would each reserve zero and
// could collectively pass the ceiling check on a cold ledger.
const bootstrapEstimateUSD = 0.05

func (l *CostLedger) estimateLocked() float64 {
	if l.calls == 0 {
		return bootstrapEstimateUSD
	}
	return l.totalUSD / float64(l.calls)
}

func (l *CostLedger) TotalUSD() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalUSD
}

func (l *CostLedger) CeilingUSD() float64 { return l.ceilingUSD }
