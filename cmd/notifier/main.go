package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/isabella232/livepeer-alerts-backend/channel/email"
	"github.com/isabella232/livepeer-alerts-backend/channel/telegram"
	"github.com/isabella232/livepeer-alerts-backend/cmd/notifier/config"
	"github.com/isabella232/livepeer-alerts-backend/migrator"
	"github.com/isabella232/livepeer-alerts-backend/notifier"
	"github.com/isabella232/livepeer-alerts-backend/notifier/store/pgxstore"
	"github.com/isabella232/livepeer-alerts-backend/pkg/clock"
	"github.com/isabella232/livepeer-alerts-backend/pkg/graph"
	"github.com/isabella232/livepeer-alerts-backend/pkg/logger"
	"github.com/isabella232/livepeer-alerts-backend/pkg/pgxdb"
	"github.com/isabella232/livepeer-alerts-backend/protocol"
)

func main() {
	// Load configuration
	cfg := config.New()

	// Initialize logger and set as default
	log := logger.NewFromConfig(logger.Config{
		LogLevel:         cfg.LogLevel,
		LogHumanFriendly: cfg.LogHumanFriendly,
	})
	slog.SetDefault(log)

	// Prepare context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database connection
	db, err := pgxdb.NewConnection(ctx, cfg.DatabaseURL)
	if err != nil {
		log.ErrorContext(ctx, "Failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Apply migrations
	log.InfoContext(ctx, "Applying database migrations")
	if err := migrator.ApplyMigrations(db, cfg.MigrationsDir); err != nil {
		log.ErrorContext(ctx, "Failed to apply migrations", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize store
	store, storeCloser := pgxstore.New(db)
	defer storeCloser()

	// Protocol source with bounded retry
	httpClient := &http.Client{Timeout: cfg.HttpClientTimeout}
	source := protocol.WithRetry(graph.NewClient(httpClient, cfg.GraphAPIURL), protocol.Retry{
		Attempts: cfg.FetchAttempts,
		Delay:    cfg.FetchRetryDelay,
		Sleep:    clock.SystemClock{},
	})

	// Delivery channels
	channels, err := buildChannels(cfg)
	if err != nil {
		log.ErrorContext(ctx, "Failed to set up delivery channels", slog.Any("error", err))
		os.Exit(1)
	}
	if len(channels) == 0 {
		log.ErrorContext(ctx, "No delivery channel configured, set NOTIFIER_SENDGRID_API_KEY or NOTIFIER_TELEGRAM_BOT_TOKEN")
		os.Exit(1)
	}

	// Create notifier service
	service := notifier.NewService(
		source,
		store,
		channels,
		notifier.WithPollInterval(cfg.PollInterval),
		notifier.WithParallelSends(cfg.ParallelSends),
		notifier.WithThresholds(notifier.Thresholds{
			Hourly:  cfg.ThresholdHourly,
			Daily:   cfg.ThresholdDaily,
			Weekly:  cfg.ThresholdWeekly,
			Monthly: cfg.ThresholdMonthly,
		}),
	)

	// Start service
	log.InfoContext(ctx, "Starting round notifier service",
		slog.Duration("pollInterval", cfg.PollInterval),
		slog.Int("channels", len(channels)),
	)
	events, done := service.Start(ctx)

	// Subscribe to events for logging
	listenerCloser := setupEventLogging(ctx, events, log)
	defer listenerCloser()

	// Off-schedule rule check so a changed cut does not wait for the round
	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.RuleCheckSchedule, func() {
		changes, err := service.CheckRuleChanges(ctx)
		if err != nil {
			log.ErrorContext(ctx, "Rule check failed", slog.Any("error", err))
			return
		}
		if changes > 0 {
			log.InfoContext(ctx, "Rule check found changes", slog.Int("changes", changes))
		}
	})
	if err != nil {
		log.ErrorContext(ctx, "Invalid rule check schedule", slog.Any("error", err))
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Wait for shutdown
	<-done
	log.InfoContext(ctx, "Notifier service stopped gracefully")
}

// buildChannels wires every delivery channel that has credentials configured
func buildChannels(cfg config.Config) ([]notifier.Channel, error) {
	var channels []notifier.Channel

	if cfg.SendGridAPIKey != "" {
		channels = append(channels, email.NewSender(cfg.SendGridAPIKey, cfg.EmailFromName, cfg.EmailFromAddress))
	}
	if cfg.TelegramBotToken != "" {
		sender, err := telegram.NewSender(cfg.TelegramBotToken)
		if err != nil {
			return nil, err
		}
		channels = append(channels, sender)
	}
	return channels, nil
}

// setupEventLogging configures event handlers using slog directly
func setupEventLogging(ctx context.Context, events <-chan notifier.Event, log *slog.Logger) func() {
	return notifier.NewListener(events,
		notifier.OnPollingStarted(func(event notifier.PollingStarted) {
			log.InfoContext(ctx, "Polling started",
				slog.Duration("interval", event.Interval),
			)
		}),
		notifier.OnRoundCheckFailed(func(event notifier.RoundCheckFailed) {
			log.ErrorContext(ctx, "Round check failed", slog.Any("error", event.Err))
		}),
		notifier.OnBatchStarted(func(event notifier.BatchStarted) {
			log.InfoContext(ctx, "Round batch started",
				slog.Uint64("round", event.Round),
			)
		}),
		notifier.OnReconcileCompleted(func(event notifier.ReconcileCompleted) {
			log.InfoContext(ctx, "Round reconciled",
				slog.Uint64("round", event.Round),
				slog.Int("delegates", event.Delegates),
				slog.Int("pools", event.Pools),
				slog.Int("shares", event.Shares),
				slog.Int("ruleChanges", event.RuleChanges),
			)
		}),
		notifier.OnItemSkipped(func(event notifier.ItemSkipped) {
			log.WarnContext(ctx, "Item skipped",
				slog.Uint64("round", event.Round),
				slog.String("address", event.Address),
				slog.Any("reason", event.Reason),
			)
		}),
		notifier.OnSubscriberNotified(func(event notifier.SubscriberNotified) {
			log.InfoContext(ctx, "Subscriber notified",
				slog.String("channel", string(event.Channel)),
				slog.String("address", event.Address),
				slog.Uint64("round", event.Round),
				slog.String("kind", string(event.Kind)),
			)
		}),
		notifier.OnSubscriberSkipped(func(event notifier.SubscriberSkipped) {
			log.DebugContext(ctx, "Subscriber skipped",
				slog.String("channel", string(event.Channel)),
				slog.String("address", event.Address),
				slog.Uint64("round", event.Round),
				slog.Any("reason", event.Reason),
			)
		}),
		notifier.OnSubscriberFailed(func(event notifier.SubscriberFailed) {
			log.ErrorContext(ctx, "Subscriber notification failed",
				slog.String("channel", string(event.Channel)),
				slog.String("address", event.Address),
				slog.Uint64("round", event.Round),
				slog.Any("error", event.Err),
			)
		}),
		notifier.OnBatchCompleted(func(event notifier.BatchCompleted) {
			log.InfoContext(ctx, "Round batch completed",
				slog.Uint64("round", event.Report.Round),
				slog.Int("considered", event.Report.Considered),
				slog.Int("notified", event.Report.Notified),
				slog.Int("skipped", event.Report.Skipped),
				slog.Int("failed", event.Report.Failed),
				slog.Duration("duration", event.Duration),
			)
		}),
		notifier.OnBatchFailed(func(event notifier.BatchFailed) {
			log.ErrorContext(ctx, "Round batch failed",
				slog.Uint64("round", event.Round),
				slog.Any("error", event.Err),
			)
		}),
		notifier.OnPollingShutdown(func(event notifier.PollingShutdown) {
			log.InfoContext(ctx, "Polling stopped",
				slog.String("reason", event.Reason.Error()),
			)
		}),
	)
}
