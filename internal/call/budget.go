package call

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type BudgetState struct {
	Initial      time.Duration `json:"initial"`
	Elapsed      time.Duration `json:"elapsed"`
	Supplemental time.Duration `json:"supplemental"`
	Remaining    time.Duration `json:"remaining"`
}

// Budget is a caller's time allowance for one session. Elapsed time comes
// from the clock; supplemental spend is added by the caller.
type Budget struct {
	clk     clock.Clock
	initial time.Duration

	mu           sync.Mutex
	start        time.Time
	supplemental time.Duration
}

func NewBudget(clk clock.Clock, initial time.Duration) *Budget {
	return &Budget{clk: clk, initial: initial, start: clk.Now()}
}

// Spend charges d against the allowance. Non-positive amounts are ignored so
// remaining time never grows.
func (b *Budget) Spend(d time.Duration) {
	if d <= 0 {
		return
	}
	b.mu.Lock()
	b.supplemental += d
	b.mu.Unlock()
}

func (b *Budget) Remaining() time.Duration {
	return b.State().Remaining
}

func (b *Budget) State() BudgetState {
	b.mu.Lock()
	defer b.mu.Unlock()
	elapsed := b.clk.Since(b.start)
	if elapsed < 0 {
		elapsed = 0
	}
	return BudgetState{
		Initial:      b.initial,
		Elapsed:      elapsed,
		Supplemental: b.supplemental,
		Remaining:    b.initial - elapsed - b.supplemental,
	}
}

// watchdog fires onExhausted once when the budget runs out while media is
// joined. The flag re-arms whenever media is seen not joined.
type watchdog struct {
	budget      *Budget
	clk         clock.Clock
	tick        time.Duration
	mediaJoined func() bool
	onExhausted func()

	fired bool
}

func (w *watchdog) run(done <-chan struct{}) {
	t := w.clk.Ticker(w.tick)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			w.check()
		}
	}
}

func (w *watchdog) check() {
	if !w.mediaJoined() {
		w.fired = false
		return
	}
	if w.fired || w.budget.Remaining() > 0 {
		return
	}
	w.fired = true
	log.Infof("time budget exhausted")
	w.onExhausted()
}
