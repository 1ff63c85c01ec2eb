package common

import (
	"context"
	"fmt"
	"log"
	"strings"

	"roundup-engine-go/internal/api"
	"roundup-engine-go/internal/config"
	"roundup-engine-go/internal/database"
	"roundup-engine-go/internal/formance"
	"roundup-engine-go/internal/holds"
	"roundup-engine-go/internal/lock"
	"roundup-engine-go/internal/models"
	"roundup-engine-go/internal/observability"
	"roundup-engine-go/internal/payment"
	"roundup-engine-go/internal/reconcile"
	"roundup-engine-go/internal/store"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// A missing .env is fine; variables can come from the shell or the container.
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

// Services bundles everything a binary needs to run reconciliation.
type Services struct {
	DbService    *database.Service
	Rail         *payment.Client
	Holds        *holds.Service
	Journal      store.Journal
	Metrics      *observability.Metrics
	Webhooks     *reconcile.WebhookReconciler
	Orchestrator *reconcile.Orchestrator
	Roundups     *api.RoundupService
	lockCloser   func()
}

func InitializeLogger(level string) (*zap.Logger, func()) {
	logger, err := observability.LoggerConfig(level).Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	s := &Services{DbService: dbService, Metrics: observability.NewMetrics()}

	zap.L().Info("Connecting to payment rail", zap.String("base_url", cfg.Rail.BaseURL))
	if s.Rail, err = payment.NewClient(cfg.Rail); err != nil {
		s.Close()
		return nil, err
	}

	if s.Holds, err = holds.NewService(cfg.Holds.StripeKey, nil); err != nil {
		s.Close()
		return nil, err
	}

	if s.Journal, err = newJournal(ctx, cfg.Journal); err != nil {
		s.Close()
		return nil, err
	}

	locker, closeLocker, err := lock.New(ctx, cfg.Lock)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.lockCloser = closeLocker

	s.Orchestrator, err = reconcile.NewOrchestrator(reconcile.Config{
		Store:    dbService,
		Rail:     s.Rail,
		Holds:    s.Holds,
		Journal:  s.Journal,
		Locker:   locker,
		Metrics:  s.Metrics,
		Settings: cfg.Reconcile,
		Network:  cfg.Rail.Network,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Webhooks = reconcile.NewWebhookReconciler(dbService, s.Journal, s.Metrics, cfg.Reconcile.OrphanWindow)
	s.Roundups = api.NewRoundupService(dbService, s.Orchestrator, s.Webhooks, cfg.Reconcile.Window)

	zap.L().Info("Services initialized",
		zap.String("journal_backend", cfg.Journal.Backend),
		zap.Bool("distributed_lock", cfg.Lock.RedisAddr != ""))
	return s, nil
}

// InitializeDatabaseOnly initializes just the database service without any
// external client. Useful for seeding and read-only diagnostics.
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	return database.NewService(ctx, cfg.Database)
}

func newJournal(ctx context.Context, cfg models.JournalConfig) (store.Journal, error) {
	switch cfg.Backend {
	case config.JournalBackendFormance:
		zap.L().Info("Using formance journal", zap.String("ledger", cfg.LedgerName))
		svc, err := formance.NewService(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("unable to initialize formance journal: %w", err)
		}
		return svc, nil
	default:
		return store.NopJournal{}, nil
	}
}

func (cs *Services) Close() {
	if cs.Journal != nil {
		cs.Journal.Close()
	}
	if cs.lockCloser != nil {
		cs.lockCloser()
	}
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
