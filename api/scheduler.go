/*
scheduler.go - Background discount expiration sweeper

PURPOSE:
  Periodically evicts expired discounts from every shop and persists the
  evictions, so a shop's discount list stays accurate even when nobody
  checks out.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each tick calls Registry.SweepExpired with the registry's clock
  - Closed shops are swept too; eviction is bookkeeping, not a mutation
    a member asked for
  - A failed sweep is logged and retried on the next tick
  - Every sweep gets a run id so its log lines can be correlated

CONFIGURATION:
  - Interval: How often to sweep (SHOP_SWEEP_INTERVAL, default: 1 minute)
  - Enabled: Whether the sweeper is active (default: true)

USAGE:
  sweeper := NewExpirationSweeper(registry, interval, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - shop/registry.go: SweepExpired
  - discount/ledger.go: EvictExpired
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/warp/marketplace-engine/shop"
)

// ExpirationSweeper evicts expired discounts on a fixed interval.
type ExpirationSweeper struct {
	Registry *shop.Registry
	Interval time.Duration
	Enabled  bool
	Metrics  *Metrics

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpirationSweeper creates a new sweeper. A non-positive interval
// falls back to one minute.
func NewExpirationSweeper(reg *shop.Registry, interval time.Duration, log zerolog.Logger) *ExpirationSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpirationSweeper{
		Registry: reg,
		Interval: interval,
		Enabled:  true,
		log:      log.With().Str("component", "sweeper").Logger(),
	}
}

// Start begins the sweeper. Calling Start on a running sweeper does nothing.
func (es *ExpirationSweeper) Start() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.Enabled {
		es.log.Info().Msg("disabled, not starting")
		return
	}
	if es.ticker != nil {
		return
	}

	es.ticker = time.NewTicker(es.Interval)
	es.stop = make(chan struct{})
	es.wg.Add(1)

	go es.run(es.ticker, es.stop)

	es.log.Info().Dur("interval", es.Interval).Msg("started")
}

// Stop stops the sweeper and waits for an in-flight sweep to finish.
func (es *ExpirationSweeper) Stop() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.ticker == nil {
		return
	}
	es.ticker.Stop()
	close(es.stop)
	es.wg.Wait()
	es.ticker = nil
	es.log.Info().Msg("stopped")
}

func (es *ExpirationSweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer es.wg.Done()

	// Run immediately on start
	es.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			es.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep and returns the evicted discount ids per shop.
func (es *ExpirationSweeper) RunNow(ctx context.Context) map[int64][]int64 {
	log := es.log.With().Str("run_id", uuid.NewString()).Logger()

	evicted, err := es.Registry.SweepExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("sweep failed")
	}

	total := 0
	for _, ids := range evicted {
		total += len(ids)
	}
	es.Metrics.ObserveSweep(total, err)
	if total > 0 {
		log.Info().Int("shops", len(evicted)).Int("discounts", total).Msg("expired discounts evicted")
	}
	return evicted
}
