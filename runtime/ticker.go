package runtime

import "time"

// Ticker fires at a fixed period on a monotonic clock. Wait blocks until
// the next boundary and returns how many periods elapsed since the
// previous one; more than one means the caller overran.
type Ticker interface {
	Wait() (uint64, error)
	Stop() error
}

// goTicker is the portable Ticker built on time.Ticker. time.Ticker drops
// ticks for slow receivers, so missed periods are counted from the
// monotonic time between receipts.
type goTicker struct {
	t      *time.Ticker
	period time.Duration
	last   time.Time
}

func newGoTicker(period time.Duration) *goTicker {
	return &goTicker{
		t:      time.NewTicker(period),
		period: period,
		last:   time.Now(),
	}
}

func (g *goTicker) Wait() (uint64, error) {
	<-g.t.C
	now := time.Now()
	n := uint64(now.Sub(g.last) / g.period)
	if n == 0 {
		n = 1
	}
	g.last = now
	return n, nil
}

func (g *goTicker) Stop() error {
	g.t.Stop()
	return nil
}
