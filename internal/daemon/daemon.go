// Package daemon wires the flow and approval components into one process.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/robfig/cron/v3"

	"github.com/mbahri/senja/internal/config"
	"github.com/mbahri/senja/internal/logger"
	"github.com/mbahri/senja/internal/observability"
	"github.com/mbahri/senja/internal/setup"
	"github.com/mbahri/senja/pkg/approval"
	"github.com/mbahri/senja/pkg/flow"
	"github.com/mbahri/senja/pkg/gateway"
)

// Daemon is the senja daemon service.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	approvalStore *approval.Store
	approvals     *approval.Coordinator
	watcher       *approval.Watcher
	flowRegistry  *flow.Registry
	gatewayServer *gateway.Server
	sweeper       *cron.Cron
	lifecycle     *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex
}

// Status describes the daemon's runtime state.
type Status struct {
	Running          bool          `json:"running"`
	PID              int           `json:"pid"`
	Uptime           time.Duration `json:"uptime"`
	Clients          int           `json:"clients"`
	PendingApprovals int           `json:"pending_approvals"`
}

// New creates a daemon instance. Components are constructed here in
// dependency order; nothing starts running until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := d.initialize(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize daemon: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initialize() error {
	zlog := d.logger.GetZerolog()

	d.approvalStore = approval.NewStore(d.config.Approvals.Path, zlog)
	if err := d.approvalStore.Ensure(d.ctx); err != nil {
		return fmt.Errorf("failed to initialize approvals document: %w", err)
	}
	d.logger.Info().Str("path", d.config.Approvals.Path).Msg("Approval store initialized")

	d.approvals = approval.NewCoordinator(d.approvalStore, zlog)
	if d.config.Approvals.DefaultTimeoutMs > 0 {
		d.approvals.SetDefaultTimeout(time.Duration(d.config.Approvals.DefaultTimeoutMs) * time.Millisecond)
	}

	if d.config.Approvals.Watch {
		watcher, err := approval.NewWatcher(d.approvals, zlog)
		if err != nil {
			return fmt.Errorf("failed to create approval watcher: %w", err)
		}
		d.watcher = watcher
	}

	d.flowRegistry = flow.NewRegistry(zlog)

	secret := d.config.Gateway.SharedSecret
	if secret == "" {
		generated, err := gonanoid.New(32)
		if err != nil {
			return fmt.Errorf("failed to generate shared secret: %w", err)
		}
		secret = generated
		d.logger.Warn().Msg("No gateway shared secret configured, generated an ephemeral one")
	}

	server, err := gateway.NewServer(gateway.Config{
		Host:         d.config.Gateway.Host,
		Port:         d.config.Gateway.Port,
		SharedSecret: secret,
		Flows: map[string]flow.Driver{
			"setup": setup.Driver,
		},
		FlowRegistry: d.flowRegistry,
		Approvals:    d.approvals,
		Logger:       zlog,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server

	// Periodic reconcile backstops lazy expiry and the fsnotify watcher:
	// records expired by wall clock alone get settled even when nobody
	// touches the document.
	if d.config.Approvals.SweepIntervalSeconds > 0 {
		d.sweeper = cron.New()
		spec := fmt.Sprintf("@every %ds", d.config.Approvals.SweepIntervalSeconds)
		if _, err := d.sweeper.AddFunc(spec, d.sweepApprovals); err != nil {
			return fmt.Errorf("failed to schedule approval sweep: %w", err)
		}
	}

	return nil
}

func (d *Daemon) sweepApprovals() {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()

	if err := d.approvals.Reconcile(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Approval sweep failed")
	}
}

// Start brings all components up.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using stderr")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			return fmt.Errorf("failed to start approval watcher: %w", err)
		}
		d.logger.Info().Msg("Approval watcher started")
	}

	if d.sweeper != nil {
		d.sweeper.Start()
		d.logger.Info().
			Int("interval_seconds", d.config.Approvals.SweepIntervalSeconds).
			Msg("Approval sweep scheduled")
	}

	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}

	d.logger.Info().
		Int("pid", os.Getpid()).
		Str("host", d.config.Gateway.Host).
		Int("port", d.config.Gateway.Port).
		Msg("Daemon started")

	return nil
}

// Stop shuts the daemon down in reverse start order.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping daemon")

	if err := d.gatewayServer.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	if d.sweeper != nil {
		<-d.sweeper.Stop().Done()
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to stop approval watcher")
		}
	}

	d.approvals.Close()

	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.cancel()
	d.logger.Info().Msg("Daemon stopped")
	return nil
}

// Run starts the daemon and blocks until a termination signal arrives.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("Received termination signal")
	case <-d.ctx.Done():
	}

	return d.Stop()
}

// Status reports the daemon's runtime state.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	running := d.running
	startTime := d.startTime
	d.mu.RUnlock()

	status := Status{
		Running: running,
		PID:     os.Getpid(),
	}
	if running {
		status.Uptime = time.Since(startTime)
		status.Clients = len(d.gatewayServer.GetConnectedClients())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if pending, err := d.approvals.ListPending(ctx); err == nil {
			status.PendingApprovals = len(pending)
		}
	}
	return status
}
