// Package settlementd wires the donation settlement daemon together.
package settlementd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"fundledger/observability"
	"fundledger/observability/logging"
	telemetry "fundledger/observability/otel"
	"fundledger/services/settlementd/auth"
	"fundledger/services/settlementd/donations"
	"fundledger/services/settlementd/escrow"
	"fundledger/services/settlementd/ledger"
	"fundledger/services/settlementd/ledger/horizon"
	"fundledger/services/settlementd/models"
	"fundledger/services/settlementd/recon"
	"fundledger/services/settlementd/recurring"
	"fundledger/services/settlementd/reports"
	"fundledger/services/settlementd/risk"
	"fundledger/services/settlementd/secrets"
	"fundledger/services/settlementd/server"
	"fundledger/services/settlementd/tracker"
	"fundledger/services/settlementd/wallets"
)

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settlementd/config.example.yaml", "path to settlementd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	opts := logging.Options{Level: logging.ParseLevel(cfg.Log.Level)}
	if strings.TrimSpace(cfg.Log.File.Path) != "" {
		file := cfg.Log.File
		opts.File = &file
	}
	logger := logging.SetupWithOptions("settlementd", cfg.Environment, opts)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "settlementd",
		Environment: cfg.Environment,
		Network:     cfg.Ledger.Network,
		Endpoint:    strings.TrimSpace(cfg.Telemetry.Endpoint),
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     true,
		Traces:      true,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return Run(stopCtx, cfg, logger)
}

// Daemon holds the assembled engine.
type Daemon struct {
	cfg        Config
	logger     *slog.Logger
	secrets    *secrets.Manager
	reconciler *recon.Reconciler
	recurring  *recurring.Scheduler
	handler    http.Handler
}

// Build assembles the daemon from cfg using gateway for ledger access.
func Build(cfg Config, db *gorm.DB, gateway ledger.Gateway, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := secrets.NewManager(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("secret store: %w", err)
	}
	metrics := observability.Settlement()
	feed := tracker.NewFeed(cfg.Stream.Buffer)
	tr := tracker.New(db,
		tracker.WithLogger(logger),
		tracker.WithFeed(feed),
		tracker.WithMetrics(metrics))
	submitter := tracker.NewSubmitter(tr, gateway, tracker.SubmitterConfig{
		CallTimeout:      cfg.Submitter.CallTimeout.Duration,
		RetryInitial:     cfg.Submitter.RetryInitial.Duration,
		RetryMax:         cfg.Submitter.RetryMax.Duration,
		MaxRetries:       cfg.Submitter.MaxRetries,
		EnvelopeValidity: cfg.Submitter.EnvelopeValidity.Duration,
	}, logger)

	donationCfg := donations.Config{
		Assets:                 cfg.Donations.Assets,
		MaxConsecutiveFailures: cfg.Donations.MaxConsecutiveFailures,
	}
	if raw := strings.TrimSpace(cfg.Donations.BaseReserve); raw != "" {
		reserve, err := decimal.NewFromString(raw)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("donations base_reserve: %w", err)
		}
		donationCfg.BaseReserve = reserve
	}
	engine := donations.New(db, tr, submitter, gateway, store,
		donations.WithConfig(donationCfg),
		donations.WithLogger(logger))

	admins := make([]uuid.UUID, 0, len(cfg.Escrow.Admins))
	for _, raw := range cfg.Escrow.Admins {
		admins = append(admins, uuid.MustParse(strings.TrimSpace(raw)))
	}
	releaser := escrow.NewReleaser(db, tr, submitter, store,
		escrow.WithLogger(logger),
		escrow.WithAuthorizer(escrow.NewOwnerOrAdminAuthorizer(db, admins)))

	walletCfg := wallets.Config{
		SponsorAccount:   cfg.Wallets.SponsorAccount,
		SponsorSecretRef: cfg.Wallets.SponsorSecretRef,
		BaseReserve:      donationCfg.BaseReserve,
	}
	if raw := strings.TrimSpace(cfg.Wallets.StartingBalance); raw != "" {
		walletCfg.StartingBalance = decimal.RequireFromString(raw)
	}
	funder := wallets.NewFunder(db, tr, submitter, gateway, store, walletCfg, wallets.WithLogger(logger))

	reconciler, err := recon.NewReconciler(recon.Config{
		Tracker: tr,
		Gateway: gateway,
		Handlers: map[models.SourceType]recon.Handler{
			models.SourceDonation:        engine,
			models.SourceMilestone:       releaser,
			models.SourceAccountCreation: funder,
		},
		Owner:            cfg.Recon.Owner,
		MinConfirmations: cfg.Recon.MinConfirmations,
		ExpiryMargin:     cfg.Recon.ExpiryMargin.Duration,
		PendingGrace:     cfg.Recon.PendingGrace.Duration,
		MaxPendingAge:    cfg.Recon.MaxPendingAge.Duration,
		LateWindow:       cfg.Recon.LateWindow.Duration,
		Lease:            cfg.Recon.Lease.Duration,
		EffectsRetry:     cfg.Recon.EffectsRetry.Duration,
		EffectsRetryMax:  cfg.Recon.EffectsRetryMax.Duration,
		Workers:          cfg.Recon.Workers,
		BatchSize:        cfg.Recon.BatchSize,
		CallTimeout:      cfg.Submitter.CallTimeout.Duration,
		Logger:           logger,
		Metrics:          metrics,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("reconciler: %w", err)
	}

	scheduler := recurring.NewScheduler(db, engine,
		recurring.WithLogger(logger),
		recurring.WithInterval(cfg.Recurring.Interval.Duration),
		recurring.WithBatchSize(cfg.Recurring.BatchSize),
		recurring.WithMetrics(metrics))

	var kyc risk.KYCProvider = risk.StaticKYC{}
	if strings.TrimSpace(cfg.Risk.KYC.BaseURL) != "" {
		kycCfg := cfg.Risk.KYC
		kycCfg.Timeout = cfg.Risk.KYCTimeout.Duration
		client, err := risk.NewKYCClient(kycCfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		kyc = client
	} else {
		logger.Warn("no KYC provider configured; every user scores as unverified")
	}
	riskOpts := []risk.Option{risk.WithLogger(logger)}
	if path := strings.TrimSpace(cfg.Risk.CountryTable); path != "" {
		table, err := risk.LoadCountryTable(path)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		riskOpts = append(riskOpts, risk.WithCountries(table))
	}
	scorer := risk.NewService(db, kyc, tr, cfg.Risk.Config, riskOpts...)

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("auth verifier: %w", err)
	}

	srv := server.New(server.Config{
		DB:             db,
		Verifier:       verifier,
		Donations:      engine,
		Escrow:         releaser,
		Wallets:        funder,
		Risk:           scorer,
		Reports:        reports.NewService(db, nil, logger),
		Recurring:      scheduler,
		Reconciler:     reconciler,
		Feed:           feed,
		ReportDir:      cfg.Reports.Directory,
		RateLimit:      cfg.RateLimit,
		IdempotencyTTL: cfg.IdempotencyTTL.Duration,
		Logger:         logger,
	})

	return &Daemon{
		cfg:        cfg,
		logger:     logger,
		secrets:    store,
		reconciler: reconciler,
		recurring:  scheduler,
		handler:    srv.Handler(),
	}, nil
}

// Handler exposes the HTTP API.
func (d *Daemon) Handler() http.Handler { return d.handler }

// Close releases the secret store.
func (d *Daemon) Close() error { return d.secrets.Close() }

// Serve runs the HTTP server and background workers until ctx ends.
func (d *Daemon) Serve(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if !d.cfg.Recon.Disabled {
		scheduler := recon.NewScheduler(recon.SchedulerConfig{
			Reconciler:  d.reconciler,
			Interval:    d.cfg.Recon.Interval.Duration,
			MaxInterval: d.cfg.Recon.MaxInterval.Duration,
			Logger:      d.logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.Start(workerCtx)
		}()
	}
	if !d.cfg.Recurring.Disabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.recurring.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("recurring scheduler stopped", slog.Any("error", err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              d.cfg.ListenAddress,
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		d.logger.Info("settlementd listening", slog.String("addr", d.cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			serveErr = err
		}
		cancelShutdown()
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}
	cancel()
	wg.Wait()
	return serveErr
}

// Run connects to the database and Horizon, then serves until ctx ends.
func Run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	db, err := models.Open(cfg.Database)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	defer sqlDB.Close()
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	gateway, err := horizon.New(horizon.Config{
		URL:               cfg.Ledger.HorizonURL,
		NetworkPassphrase: cfg.Ledger.Network,
		BaseFee:           cfg.Ledger.BaseFee,
		Timeout:           cfg.Ledger.Timeout.Duration,
		RequestsPerSecond: cfg.Ledger.RequestsPerSecond,
		Burst:             cfg.Ledger.Burst,
	})
	if err != nil {
		return fmt.Errorf("horizon gateway: %w", err)
	}

	daemon, err := Build(cfg, db, gateway, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := daemon.Close(); err != nil {
			logger.Warn("close secret store", slog.Any("error", err))
		}
	}()
	if err := os.MkdirAll(cfg.Reports.Directory, 0o750); err != nil {
		return fmt.Errorf("report directory: %w", err)
	}
	return daemon.Serve(ctx)
}
