package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chatfuse/botflow/internal/api"
	"github.com/chatfuse/botflow/internal/flow"
	"github.com/chatfuse/botflow/internal/messaging"
	"github.com/chatfuse/botflow/internal/models"
	"github.com/chatfuse/botflow/internal/scheduler"
	"github.com/chatfuse/botflow/internal/store"
	"github.com/chatfuse/botflow/internal/util"
	"github.com/chatfuse/botflow/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Botflow state data
	DefaultStateDir = "/var/lib/botflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "botflow.db"
	// DefaultSweepCron runs the timeout and warning sweep every minute
	DefaultSweepCron = "* * * * *"
	// DefaultOutboxPollSeconds is the default outbox poll interval in seconds
	DefaultOutboxPollSeconds = 5
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	if err := run(flags); err != nil {
		slog.Error("Botflow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Botflow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	APIAddr     string
	TenantID    string
	Backend     string
	SweepCron   string
	PollSeconds int
	Debug       bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput  *string
	numeric   *bool
	stateDir  *string
	dbDSN     *string
	apiAddr   *string
	tenantID  *string
	backend   *string
	sweepCron *string
	pollSecs  *int
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("BOTFLOW_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("BOTFLOW_STATE_DIR"),
		APIAddr:     os.Getenv("API_ADDR"),
		TenantID:    os.Getenv("BOTFLOW_TENANT_ID"),
		Backend:     os.Getenv("MESSAGING_BACKEND"),
		SweepCron:   os.Getenv("SWEEP_SCHEDULE"),
		PollSeconds: util.ParseIntEnv("OUTBOX_POLL_SECONDS", DefaultOutboxPollSeconds),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No BOTFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.SweepCron == "" {
		config.SweepCron = DefaultSweepCron
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"BOTFLOW_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"BOTFLOW_TENANT_ID_SET", config.TenantID != "",
		"MESSAGING_BACKEND", config.Backend,
		"SWEEP_SCHEDULE", config.SweepCron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:  flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:   flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for Botflow data (overrides $BOTFLOW_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		tenantID:  flag.String("tenant-id", config.TenantID, "tenant attributed to inbound transport messages (overrides $BOTFLOW_TENANT_ID)"),
		backend:   flag.String("backend", config.Backend, "messaging backend: whatsapp, twilio, or none (overrides $MESSAGING_BACKEND)"),
		sweepCron: flag.String("sweep-cron", config.SweepCron, "cron expression for the timeout sweep (overrides $SWEEP_SCHEDULE)"),
		pollSecs:  flag.Int("outbox-poll-seconds", config.PollSeconds, "outbox poll interval in seconds (overrides $OUTBOX_POLL_SECONDS)"),
	}

	flag.Parse()

	// Follow an overridden state directory when the DSN was defaulted from it
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"backend", *flags.backend,
		"sweepCron", *flags.sweepCron)

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// backingStore is the combined persistence surface the process needs.
type backingStore interface {
	store.Store
	store.OutboxRepo
}

// buildStore selects the storage backend based on the DSN.
func buildStore(dsn string) (backingStore, error) {
	if dsn == "" {
		slog.Warn("No database DSN provided, using in-memory store (state is lost on restart)")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Info("Using PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Info("Using SQLite store", "path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildMessagingService selects the transport backend.
func buildMessagingService(flags Flags) (messaging.Service, error) {
	switch *flags.backend {
	case "twilio":
		slog.Info("Using Twilio messaging backend")
		return messaging.NewTwilioService(messaging.WithTwilioTenantID(*flags.tenantID))
	case "", "whatsapp":
		slog.Info("Using WhatsApp messaging backend")
		var waOpts []whatsapp.Option
		waOpts = append(waOpts, whatsapp.WithDBDSN(filepath.Join(*flags.stateDir, "whatsmeow.db")))
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client, *flags.tenantID), nil
	default:
		return nil, fmt.Errorf("unknown messaging backend %q", *flags.backend)
	}
}

func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to build store: %w", err)
	}

	msgService, err := buildMessagingService(flags)
	if err != nil {
		return fmt.Errorf("failed to build messaging service: %w", err)
	}
	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer msgService.Stop()

	// Engine sends through the durable outbox; the poller delivers.
	engine := flow.NewEngine(st, store.NewOutboxEnqueuer(st), flow.LoggingConversationGateway{})

	outboxSender := store.NewOutboxSender(st, func(ctx context.Context, msg store.OutboxMessage) error {
		var intent models.Intent
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &intent); err != nil {
			return fmt.Errorf("failed to decode outbox payload %s: %w", msg.ID, err)
		}
		return messaging.SendIntent(ctx, msgService, intent)
	}, time.Duration(*flags.pollSecs)*time.Second)
	if err := outboxSender.RecoverStaleMessages(); err != nil {
		slog.Error("Failed to recover stale outbox messages", "error", err)
	}
	go outboxSender.Run(ctx)

	// Feed transport inbound messages into the engine.
	go func() {
		for msg := range msgService.Responses() {
			if err := engine.HandleInbound(ctx, msg); err != nil {
				slog.Error("Failed to handle inbound message", "error", err, "conversationID", msg.ConversationID)
			}
		}
	}()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddJob(*flags.sweepCron, func() {
		if err := engine.SweepTimeouts(context.Background()); err != nil {
			slog.Error("Timeout sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule timeout sweep: %w", err)
	}

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(st, engine, msgService, apiOpts...)

	slog.Info("Botflow started", "sweep_cron", *flags.sweepCron)
	return server.Run(ctx)
}
