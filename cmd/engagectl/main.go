// engagectl is the ops CLI: one-shot invocations of the periodic jobs the
// worker runs continuously, plus reconciliation of staged mailbox events.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cadencehq/engage/internal/aigen"
	"github.com/cadencehq/engage/internal/config"
	"github.com/cadencehq/engage/internal/dispatch"
	"github.com/cadencehq/engage/internal/domain"
	"github.com/cadencehq/engage/internal/pkg/secrets"
	"github.com/cadencehq/engage/internal/poller"
	"github.com/cadencehq/engage/internal/reminder"
	"github.com/cadencehq/engage/internal/runs"
	"github.com/cadencehq/engage/internal/store"
	"github.com/cadencehq/engage/internal/throttle"
	"github.com/cadencehq/engage/internal/transport/linkedin"
	"github.com/cadencehq/engage/internal/transport/sesmail"
	"github.com/cadencehq/engage/internal/transport/smtpmail"
	"github.com/cadencehq/engage/internal/transport/telephony"
	"github.com/cadencehq/engage/internal/webhook"
)

const usage = `usage: engagectl <command>

commands:
  process-queues         run one poll sweep on every channel
  send-reminders         run one reminder sweep
  process-bounces        reconcile staged bounce events
  process-inbound-email  reconcile staged reply events
  reclaim-stale-leases   return crashed workers' leases to the queue
`

const inboundBatchSize = 500

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	started := time.Now()
	log.Printf("[engagectl] %s started at %s", command, started.UTC().Format(time.RFC3339))

	switch command {
	case "process-queues":
		err = processQueues(ctx, cfg, st)
	case "send-reminders":
		err = sendReminders(ctx, cfg, st)
	case "process-bounces":
		err = processBounces(ctx, st)
	case "process-inbound-email":
		err = processInboundEmail(ctx, st)
	case "reclaim-stale-leases":
		poller.NewRecovery(st, cfg.Recovery.Interval(), cfg.Recovery.LeaseThreshold()).Sweep(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		log.Printf("[engagectl] %s failed after %s: %v", command, time.Since(started).Round(time.Millisecond), err)
		os.Exit(1)
	}
	log.Printf("[engagectl] %s finished at %s (took %s)",
		command, time.Now().UTC().Format(time.RFC3339), time.Since(started).Round(time.Millisecond))
}

func processQueues(ctx context.Context, cfg *config.Config, st *store.Store) error {
	box, err := secrets.New(cfg.Secrets.EncryptionKey)
	if err != nil {
		return err
	}

	var redisClient *redis.Client
	var guard *throttle.ProviderGuard
	if cfg.Redis.URL != "" {
		guard, err = throttle.NewProviderGuardFromURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer guard.Close()
		opts, _ := redis.ParseURL(cfg.Redis.URL)
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	var sesSender *sesmail.Sender
	if cfg.SES.Enabled {
		sesSender, err = sesmail.NewSender(ctx, cfg.SES.Region, cfg.SES.AccessKey, cfg.SES.SecretKey)
		if err != nil {
			return err
		}
	}

	dispatcher := &dispatch.Dispatcher{
		Store:         st,
		AI:            aigen.NewClient(cfg.AIGen.BaseURL, cfg.AIGen.APIKey),
		Secrets:       box,
		Guard:         guard,
		SMTP:          smtpmail.NewSender(),
		SES:           sesSender,
		Telephony:     telephony.NewClient(cfg.Telephony.BaseURL, cfg.Telephony.APIKey),
		LinkedIn:      linkedin.NewClient(cfg.LinkedIn.BaseURL, cfg.LinkedIn.APIKey),
		PublicBaseURL: cfg.Server.PublicBaseURL,
	}
	oracle := throttle.NewOracle(st, cfg.Poller.BatchCap)
	tracker := runs.NewTracker(st)

	for _, channel := range []domain.Channel{domain.ChannelEmail, domain.ChannelCall, domain.ChannelLinkedIn} {
		p := poller.New(poller.Config{
			Channel:    channel,
			FanOut:     cfg.Poller.FanOut,
			Store:      st,
			Oracle:     oracle,
			Dispatcher: dispatcher,
			Tracker:    tracker,
			Redis:      redisClient,
			DB:         st.DB(),
		})
		p.PollOnce(ctx)
	}
	return nil
}

func sendReminders(ctx context.Context, cfg *config.Config, st *store.Store) error {
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	s := reminder.New(reminder.Config{
		Interval:   cfg.Reminder.Interval(),
		Strategies: cfg.Reminder.Strategies,
		StageDays:  cfg.Reminder.StageDays,
		Store:      st,
		AI:         aigen.NewClient(cfg.AIGen.BaseURL, cfg.AIGen.APIKey),
		Redis:      redisClient,
		DB:         st.DB(),
	})
	queued := s.RunOnce(ctx)
	log.Printf("[engagectl] %d reminders queued", queued)
	return nil
}

func processBounces(ctx context.Context, st *store.Store) error {
	h := &webhook.Handlers{Store: st}
	events, err := st.ClaimInboundEvents(ctx, "bounce", inboundBatchSize)
	if err != nil {
		return err
	}
	applied := 0
	for _, ev := range events {
		companyID, err := uuid.Parse(ev.CompanyID)
		if err != nil {
			log.Printf("[engagectl] bounce event %d: bad company id %q", ev.ID, ev.CompanyID)
			continue
		}
		bounceType := "hard"
		var payload struct {
			Type string `json:"type"`
		}
		if ev.Payload != "" && json.Unmarshal([]byte(ev.Payload), &payload) == nil && payload.Type != "" {
			bounceType = payload.Type
		}
		if err := h.ApplyBounce(ctx, companyID, ev.Address, bounceType); err != nil {
			log.Printf("[engagectl] bounce event %d: %v", ev.ID, err)
			continue
		}
		applied++
	}
	log.Printf("[engagectl] %d/%d bounce events applied", applied, len(events))
	return nil
}

func processInboundEmail(ctx context.Context, st *store.Store) error {
	h := &webhook.Handlers{Store: st}
	events, err := st.ClaimInboundEvents(ctx, "reply", inboundBatchSize)
	if err != nil {
		return err
	}
	applied := 0
	for _, ev := range events {
		logID, err := uuid.Parse(ev.LogID)
		if err != nil {
			log.Printf("[engagectl] reply event %d: no usable log id", ev.ID)
			continue
		}
		var payload struct {
			Subject string `json:"subject"`
			Body    string `json:"body"`
		}
		if ev.Payload != "" {
			_ = json.Unmarshal([]byte(ev.Payload), &payload)
		}
		if err := h.ApplyReply(ctx, logID, ev.Address, payload.Subject, payload.Body, true); err != nil {
			log.Printf("[engagectl] reply event %d: %v", ev.ID, err)
			continue
		}
		applied++
	}
	log.Printf("[engagectl] %d/%d reply events applied", applied, len(events))
	return nil
}
