package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

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
)

func main() {
	log.Println("Starting engagement worker...")

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
	log.Println("Connected to database")

	// Redis is optional: without it provider caps degrade to DB budgets and
	// locks fall back to PG advisory locks.
	var redisClient *redis.Client
	var guard *throttle.ProviderGuard
	if cfg.Redis.URL != "" {
		guard, err = throttle.NewProviderGuardFromURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer guard.Close()
		opts, _ := redis.ParseURL(cfg.Redis.URL)
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		log.Println("Connected to Redis")
	} else {
		log.Println("No Redis configured, provider caps disabled")
	}

	box, err := secrets.New(cfg.Secrets.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize credential decryption: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sesSender *sesmail.Sender
	if cfg.SES.Enabled {
		sesSender, err = sesmail.NewSender(ctx, cfg.SES.Region, cfg.SES.AccessKey, cfg.SES.SecretKey)
		if err != nil {
			log.Fatalf("Failed to initialize SES: %v", err)
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

	pollers := []*poller.Poller{
		poller.New(poller.Config{
			Channel:    domain.ChannelEmail,
			Interval:   cfg.Poller.EmailInterval(),
			FanOut:     cfg.Poller.FanOut,
			Store:      st,
			Oracle:     oracle,
			Dispatcher: dispatcher,
			Tracker:    tracker,
			Redis:      redisClient,
			DB:         st.DB(),
		}),
		poller.New(poller.Config{
			Channel:    domain.ChannelCall,
			Interval:   cfg.Poller.CallInterval(),
			FanOut:     cfg.Poller.FanOut,
			Store:      st,
			Oracle:     oracle,
			Dispatcher: dispatcher,
			Tracker:    tracker,
			Redis:      redisClient,
			DB:         st.DB(),
		}),
		poller.New(poller.Config{
			Channel:    domain.ChannelLinkedIn,
			Interval:   cfg.Poller.CallInterval(),
			Store:      st,
			Oracle:     oracle,
			Dispatcher: dispatcher,
			Tracker:    tracker,
			Redis:      redisClient,
			DB:         st.DB(),
		}),
	}
	for _, p := range pollers {
		p.Start(ctx)
	}

	reminders := reminder.New(reminder.Config{
		Interval:   cfg.Reminder.Interval(),
		Strategies: cfg.Reminder.Strategies,
		StageDays:  cfg.Reminder.StageDays,
		Store:      st,
		AI:         aigen.NewClient(cfg.AIGen.BaseURL, cfg.AIGen.APIKey),
		Redis:      redisClient,
		DB:         st.DB(),
	})
	reminders.Start(ctx)

	recovery := poller.NewRecovery(st, cfg.Recovery.Interval(), cfg.Recovery.LeaseThreshold())
	recovery.Start(ctx)

	log.Println("Worker running")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("Shutting down...")

	cancel()
	for _, p := range pollers {
		p.Stop()
	}
	reminders.Stop()
	recovery.Stop()
	log.Println("Worker stopped")
}
