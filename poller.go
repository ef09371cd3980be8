package hydradash

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

// poller refreshes the state of every connected node once per interval.
type poller struct {
	reg      *registry
	clock    clock.Clock
	interval time.Duration

	ticker *clock.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// refreshes tracks the refreshes started by ticks, which may outlive them.
	refreshes errgroup.Group
}

// newPoller starts polling immediately. The ticker is created before the
// loop goroutine so the first interval is measured from construction.
func newPoller(reg *registry, clk clock.Clock, interval time.Duration) *poller {
	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{
		reg:      reg,
		clock:    clk,
		interval: interval,
		ticker:   clk.Ticker(interval),
		cancel:   cancel,
	}
	p.wg.Add(1)
	go p.run(ctx)
	return p
}

func (p *poller) run(ctx context.Context) {
	defer p.wg.Done()
	defer p.ticker.Stop()
	for {
		select {
		case <-p.ticker.C:
			p.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// tick starts a refresh of every connected node and returns without
// waiting for them. Nodes with a request in flight are skipped for this round.
func (p *poller) tick(ctx context.Context) {
	pollRoundsTotalMetric.Add(1)

	for _, n := range p.reg.list() {
		if !n.isConnected() {
			continue
		}
		end, ok := n.tryBegin()
		if !ok {
			pollSkippedBusyTotalMetric.Add(1)
			goLogger.Debugw("skipping poll of busy node", "node", n.id)
			continue
		}
		n := n
		p.refreshes.Go(func() error {
			defer end()
			rctx, done := n.bind(ctx)
			defer done()
			if err := refresh(rctx, n, p.clock); err != nil {
				pollRefreshErrorMetric.Add(1)
				goLogger.Debugw("poll refresh failed", "node", n.id, "err", err)
			}
			p.reg.updateConnectedMetric()
			// a failing node must not stop the others from being refreshed.
			return nil
		})
	}
}

// wait blocks until every refresh started so far has finished.
func (p *poller) wait() {
	_ = p.refreshes.Wait()
}

// Close stops the loop and waits for the refreshes it started to finish.
func (p *poller) Close() {
	p.cancel()
	p.wg.Wait()
	p.wait()
}
