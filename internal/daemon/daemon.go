package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tomoyo-network/tomoyo/internal/api"
	"github.com/tomoyo-network/tomoyo/internal/app/contract"
	"github.com/tomoyo-network/tomoyo/internal/app/ledger"
	"github.com/tomoyo-network/tomoyo/internal/app/lifecycle"
	"github.com/tomoyo-network/tomoyo/internal/app/review"
	"github.com/tomoyo-network/tomoyo/internal/app/scheduler"
	"github.com/tomoyo-network/tomoyo/internal/infra/sqlite"
)

// Daemon is the assembled engine process.
type Daemon struct {
	cfg   Config
	db    *sqlite.DB
	sched *scheduler.Scheduler
	srv   *http.Server
}

// New opens storage, applies migrations and wires the services.
func New(cfg Config) (*Daemon, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	ledgerSvc := ledger.New(db)
	lifecycleSvc := lifecycle.New(db, logPlatform{})
	contractSvc := contract.New(db)
	reviewSvc := review.New(db)

	interval, err := time.ParseDuration(cfg.Scheduler.MonitorInterval)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("parse monitor_interval: %w", err)
	}
	engine := &engineSettler{
		lifecycle: lifecycleSvc,
		contracts: contractSvc,
		reviews:   reviewSvc,
	}
	sched := scheduler.New(engine, engine, interval)

	server := api.NewServer(ledgerSvc, lifecycleSvc, contractSvc, reviewSvc)
	if cfg.API.MetricsEnabled {
		server.EnableMetrics()
	}

	return &Daemon{
		cfg:   cfg,
		db:    db,
		sched: sched,
		srv: &http.Server{
			Addr:              cfg.ListenAddr(),
			Handler:           server.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Run recovers every configured tenant, serves the API and blocks
// until SIGINT/SIGTERM or a listener failure.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, tenant := range d.cfg.Tenants.IDs {
		if err := d.sched.Recover(ctx, tenant); err != nil {
			return fmt.Errorf("recover tenant %s: %w", tenant, err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[daemon] listening on %s", d.srv.Addr)
		if err := d.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[daemon] received %s, shutting down", sig)
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := d.srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[daemon] shutdown: %v", err)
	}

	d.sched.Stop()
	return d.db.Close()
}

// ─── Settler Adapter ────────────────────────────────────────────────────────

// engineSettler adapts the three services to the scheduler's Settler
// and Deadlines interfaces.
type engineSettler struct {
	lifecycle *lifecycle.Service
	contracts *contract.Service
	reviews   *review.Service
}

func (e *engineSettler) SettleExpiredMembers(ctx context.Context, tenant string) (int, error) {
	return e.lifecycle.SettleExpiredMembers(ctx, tenant)
}

func (e *engineSettler) SettleExpiredContracts(ctx context.Context, tenant string) (int, error) {
	return e.contracts.SettleExpiredContracts(ctx, tenant)
}

func (e *engineSettler) SettleExpiredReviews(ctx context.Context, tenant string) (int, error) {
	return e.reviews.SettleExpiredReviews(ctx, tenant)
}

func (e *engineSettler) EarliestMemberDeadline(ctx context.Context, tenant string) (*time.Time, error) {
	return e.lifecycle.EarliestDeadline(ctx, tenant)
}

func (e *engineSettler) EarliestContractDeadline(ctx context.Context, tenant string) (*time.Time, error) {
	return e.contracts.EarliestDueAt(ctx, tenant)
}

func (e *engineSettler) EarliestReviewDeadline(ctx context.Context, tenant string) (*time.Time, error) {
	return e.reviews.EarliestDueAt(ctx, tenant)
}

// ─── Platform ───────────────────────────────────────────────────────────────

// logPlatform is the default platform binding: it records the outbound
// actions in the log. A chat-platform integration replaces it at wiring
// time; the engine's durable state does not depend on either call
// succeeding.
type logPlatform struct{}

func (logPlatform) BanMember(_ context.Context, tenant, user, reason string) error {
	log.Printf("[platform] ban %s/%s: %s", tenant, user, reason)
	return nil
}

func (logPlatform) PostSettlement(_ context.Context, tenant, message string) error {
	log.Printf("[platform] settlement notice for %s: %s", tenant, message)
	return nil
}
