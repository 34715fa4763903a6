package poller

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cadencehq/engage/internal/store"
)

// Recovery returns items stranded in processing by crashed workers to the
// queue. An item leased longer than the threshold has no live owner: the
// dispatch timeout is far shorter.
type Recovery struct {
	store     *store.Store
	interval  time.Duration
	threshold time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRecovery(s *store.Store, interval, threshold time.Duration) *Recovery {
	if interval <= 0 {
		interval = time.Minute
	}
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}
	return &Recovery{store: s, interval: interval, threshold: threshold}
}

func (r *Recovery) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop()
	log.Printf("[Recovery] started (interval %s, lease threshold %s)", r.interval, r.threshold)
}

func (r *Recovery) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	log.Printf("[Recovery] stopped")
}

func (r *Recovery) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.ctx)
		}
	}
}

// Sweep runs one recovery pass; also called directly by the ops CLI.
func (r *Recovery) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.threshold)
	requeued, failed, err := r.store.ReleaseStaleLeases(ctx, cutoff)
	if err != nil {
		log.Printf("[Recovery] release stale leases: %v", err)
		return
	}
	if requeued > 0 || failed > 0 {
		log.Printf("[Recovery] reclaimed %d stale leases (%d requeued, %d failed)", requeued+failed, requeued, failed)
	}
}
