// Package poller pulls ready queue items into dispatch, one Poller per
// channel. Each tick runs under a distributed lock so only one instance in
// the deployment polls a channel, walks the active tenants in pages, and
// dispatches each tenant's budgeted batch with bounded concurrency.
package poller

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cadencehq/engage/internal/dispatch"
	"github.com/cadencehq/engage/internal/domain"
	"github.com/cadencehq/engage/internal/pkg/distlock"
	"github.com/cadencehq/engage/internal/runs"
	"github.com/cadencehq/engage/internal/store"
	"github.com/cadencehq/engage/internal/throttle"
)

const (
	companyPageSize = 10
	defaultFanOut   = 5

	// linkedInPacing spaces LinkedIn actions on one account so the tenant's
	// profile does not trip the platform's automation detection.
	linkedInPacing = 20 * time.Second
)

// Config sets up one channel poller.
type Config struct {
	Channel  domain.Channel
	Interval time.Duration // 0: 60s for email, 30s otherwise
	FanOut   int           // concurrent dispatches per tenant batch, default 5

	Store      *store.Store
	Oracle     *throttle.Oracle
	Dispatcher *dispatch.Dispatcher
	Tracker    *runs.Tracker

	// Redis is optional; without it the poll lock falls back to a PG
	// advisory lock.
	Redis *redis.Client
	DB    *sql.DB
}

// Poller drives one channel.
type Poller struct {
	cfg      Config
	workerID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		if cfg.Channel == domain.ChannelEmail {
			cfg.Interval = 60 * time.Second
		} else {
			cfg.Interval = 30 * time.Second
		}
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = defaultFanOut
	}
	hostname, _ := os.Hostname()
	return &Poller{
		cfg:      cfg,
		workerID: fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), cfg.Channel),
	}
}

// Start launches the poll loop.
func (p *Poller) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop()
	log.Printf("[Poller:%s] started (interval %s, fan-out %d)", p.cfg.Channel, p.cfg.Interval, p.cfg.FanOut)
}

// Stop cancels the loop and waits for in-flight dispatches to settle.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	log.Printf("[Poller:%s] stopped", p.cfg.Channel)
}

func (p *Poller) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.PollOnce(p.ctx)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(p.ctx)
		}
	}
}

// PollOnce runs one full sweep across all active tenants; the loop calls it
// every tick and the ops CLI calls it directly.
func (p *Poller) PollOnce(ctx context.Context) {
	lock := distlock.NewLock(p.cfg.Redis, p.cfg.DB, fmt.Sprintf("poll:%s", p.cfg.Channel), 2*p.cfg.Interval)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		log.Printf("[Poller:%s] lock: %v", p.cfg.Channel, err)
		return
	}
	if !acquired {
		return
	}
	defer lock.Release(context.Background())

	for offset := 0; ; offset += companyPageSize {
		if ctx.Err() != nil {
			return
		}
		companyIDs, err := p.cfg.Store.ListActiveCompanyIDs(ctx, offset, companyPageSize)
		if err != nil {
			log.Printf("[Poller:%s] list companies: %v", p.cfg.Channel, err)
			return
		}
		if len(companyIDs) == 0 {
			return
		}
		for _, companyID := range companyIDs {
			p.pollCompany(ctx, companyID)
		}
	}
}

// pollCompany leases and dispatches one tenant's batch, then drain-checks
// the tenant's running runs. Errors are per-tenant: one broken tenant never
// stalls the sweep.
func (p *Poller) pollCompany(ctx context.Context, companyID uuid.UUID) {
	paused, err := p.cfg.Store.ChannelPaused(ctx, companyID, p.cfg.Channel)
	if err != nil {
		log.Printf("[Poller:%s] pause check for %s: %v", p.cfg.Channel, companyID, err)
		return
	}
	if !paused {
		now := time.Now().UTC()
		budget, err := p.cfg.Oracle.Budget(ctx, companyID, p.cfg.Channel, now)
		if err != nil {
			log.Printf("[Poller:%s] budget for %s: %v", p.cfg.Channel, companyID, err)
			return
		}
		if budget > 0 {
			items, err := p.cfg.Store.Lease(ctx, companyID, p.cfg.Channel, now, budget, p.workerID)
			if err != nil {
				log.Printf("[Poller:%s] lease for %s: %v", p.cfg.Channel, companyID, err)
				return
			}
			if len(items) > 0 {
				p.dispatchBatch(ctx, items)
			}
		}
	}

	runIDs, err := p.cfg.Store.RunningRunIDs(ctx, companyID)
	if err != nil {
		log.Printf("[Poller:%s] running runs for %s: %v", p.cfg.Channel, companyID, err)
		return
	}
	for _, runID := range runIDs {
		if _, err := p.cfg.Tracker.DrainCheck(ctx, runID); err != nil {
			log.Printf("[Poller:%s] drain check %s: %v", p.cfg.Channel, runID, err)
		}
	}
}

// dispatchBatch sends a leased batch. LinkedIn items go sequentially with
// pacing between actions; other channels fan out under a semaphore.
func (p *Poller) dispatchBatch(ctx context.Context, items []domain.QueueItem) {
	if p.cfg.Channel == domain.ChannelLinkedIn {
		for i, item := range items {
			if ctx.Err() != nil {
				// Shutdown mid-batch: remaining leases go back via recovery.
				return
			}
			if i > 0 {
				select {
				case <-time.After(linkedInPacing):
				case <-ctx.Done():
					return
				}
			}
			p.dispatchOne(ctx, item)
		}
		return
	}

	sem := make(chan struct{}, p.cfg.FanOut)
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(item domain.QueueItem) {
			defer wg.Done()
			defer func() { <-sem }()
			p.dispatchOne(ctx, item)
		}(item)
	}
	wg.Wait()
}

func (p *Poller) dispatchOne(parent context.Context, item domain.QueueItem) {
	ctx, cancel := context.WithTimeout(parent, 2*time.Minute)
	defer cancel()
	if err := p.cfg.Dispatcher.Dispatch(ctx, item); err != nil {
		log.Printf("[Poller:%s] dispatch %s: %v", p.cfg.Channel, item.ID, err)
	}
}
