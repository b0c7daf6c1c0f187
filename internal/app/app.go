package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/myterms/consentledger/internal/api"
	"github.com/myterms/consentledger/internal/archive"
	"github.com/myterms/consentledger/internal/bridge"
	"github.com/myterms/consentledger/internal/config"
	"github.com/myterms/consentledger/internal/crypto"
	"github.com/myterms/consentledger/internal/ledger"
	"github.com/myterms/consentledger/internal/logging"
	"github.com/myterms/consentledger/internal/service"
	"github.com/myterms/consentledger/internal/storage"
	"github.com/myterms/consentledger/internal/storage/postgres"
	"github.com/myterms/consentledger/internal/storage/sqlite"
	"github.com/myterms/consentledger/internal/telemetry"
)

// Application is one running consentledgerd process: the HTTP bridge, the
// optional Redis responder and the background scheduler, all sharing a
// single settlement service.
type Application struct {
	Server    *http.Server
	Store     storage.Store
	Service   *service.Service
	Scheduler *service.Scheduler

	logger    *slog.Logger
	telemetry *telemetry.Provider
	redis     *redis.Client
	responder *bridge.RedisResponder

	stopScheduler context.CancelFunc
	schedulerDone sync.WaitGroup
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Application{logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.closeResources(context.Background())
		}
	}()

	provider, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    cfg.Logging.Service,
		ServiceVersion: cfg.Logging.Version,
		Region:         cfg.Logging.Region,
		StoreDriver:    cfg.Storage.Driver,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("configure telemetry: %w", err)
	}
	a.telemetry = provider

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store

	signer, err := buildSigner(cfg, logger)
	if err != nil {
		return nil, err
	}
	archiver, err := buildArchiver(ctx, cfg)
	if err != nil {
		return nil, err
	}

	svc, err := service.New(service.Params{
		Store:    store,
		Signer:   signer,
		Archiver: archiver,
		Logger:   logger,
		Settlement: service.SettlementOptions{
			Enabled:          *cfg.Settlement.Enabled,
			AgeThreshold:     time.Duration(cfg.Settlement.AgeThresholdHours) * time.Hour,
			MinInterval:      time.Duration(cfg.Settlement.MinIntervalHours) * time.Hour,
			ForceMinInterval: time.Duration(cfg.Settlement.ForceMinIntervalSeconds) * time.Second,
			AttemptLease:     time.Duration(cfg.Settlement.AttemptLeaseSeconds) * time.Second,
			SubmitTimeout:    cfg.LedgerTimeout(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("build settlement service: %w", err)
	}
	a.Service = svc
	a.Scheduler = service.NewScheduler(svc, service.SchedulerOptions{
		SettlementEvery: cfg.SettlementCheckInterval(),
		CleanupEvery:    cfg.CleanupInterval(),
		RetentionDays:   cfg.Settlement.RetentionDays,
	}, logger)

	handler := api.NewHandler(svc, api.ServiceInfo{
		Name:        cfg.Logging.Service,
		Version:     cfg.Logging.Version,
		StoreDriver: store.Driver(),
	}, logger)
	router := handler.Router()
	if *cfg.Security.EnableIPAllow {
		mw, err := api.IPAllowListMiddleware(cfg.Security.TrustedCIDRs)
		if err != nil {
			return nil, fmt.Errorf("configure ip allow list: %w", err)
		}
		router = mw(router)
	}
	if *cfg.Security.EnableBearerAuth {
		router = api.BearerAuthMiddleware(cfg.Security.BearerToken)(router)
	}
	if cfg.Security.RateLimitRPS > 0 {
		router = api.NewRateLimiter(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst).Middleware(router)
	}
	env := logging.Environment{
		Service:     cfg.Logging.Service,
		Version:     cfg.Logging.Version,
		Commit:      cfg.Logging.Commit,
		Region:      cfg.Logging.Region,
		StoreDriver: store.Driver(),
	}
	a.Server = &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           logging.Middleware(logger, env)(router),
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	if cfg.Bridge.RedisURL != "" {
		client, err := bridge.NewRedisClient(ctx, cfg.Bridge.RedisURL)
		if err != nil {
			return nil, err
		}
		a.redis = client
		var token string
		if *cfg.Security.EnableBearerAuth {
			token = cfg.Security.BearerToken
		}
		a.responder = bridge.NewRedisResponder(client, cfg.Bridge.RequestChannel, token, bridge.NewDispatcher(svc, logger), logger)
	}

	ok = true
	return a, nil
}

// Start finishes any settlement a previous process left half-recorded, then
// starts the Redis responder and the scheduler. The HTTP server is started
// by the caller.
func (a *Application) Start(ctx context.Context) error {
	recovered, err := a.Service.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover settlements: %w", err)
	}
	if recovered > 0 {
		a.logger.Warn("recovered unreconciled settlements", slog.Int("batches", recovered))
	}
	if a.responder != nil {
		if err := a.responder.Start(ctx); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopScheduler = cancel
	a.schedulerDone.Add(1)
	go func() {
		defer a.schedulerDone.Done()
		if err := a.Scheduler.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("scheduler stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (a *Application) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
	}
	if err := a.closeResources(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// closeResources stops background work before closing the store it writes to.
func (a *Application) closeResources(ctx context.Context) error {
	var errs []error
	if a.responder != nil {
		if err := a.responder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bridge responder: %w", err))
		}
	}
	if a.stopScheduler != nil {
		a.stopScheduler()
		a.schedulerDone.Wait()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis client: %w", err))
		}
	}
	if a.Store != nil {
		a.Store.Close()
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// OpenStore opens the backend named by storage.driver.
func OpenStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	default:
		store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	}
}

// buildSigner returns nil when no signer is configured; settlement is then
// driven by an external signer through PREPARE/FINALIZE.
func buildSigner(cfg *config.Config, logger *slog.Logger) (ledger.Signer, error) {
	if cfg.Ledger.SignerURL == "" {
		return nil, nil
	}
	signerCfg := ledger.HTTPSignerConfig{
		URL:      cfg.Ledger.SignerURL,
		Token:    cfg.Ledger.SignerToken,
		Timeout:  cfg.LedgerTimeout(),
		AckKeyID: cfg.Ledger.AckKeyID,
	}
	if cfg.Ledger.AckPublicKeyPath != "" {
		verifier, err := crypto.LoadVerifier(cfg.Ledger.AckPublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load signer acknowledgement key: %w", err)
		}
		signerCfg.AckVerifier = verifier
	}
	signer, err := ledger.NewHTTPSigner(signerCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build ledger signer: %w", err)
	}
	return signer, nil
}

func buildArchiver(ctx context.Context, cfg *config.Config) (*archive.Archiver, error) {
	var sink archive.Sink
	switch {
	case cfg.Archive.Dir != "":
		fs, err := archive.NewFileSink(cfg.Archive.Dir)
		if err != nil {
			return nil, fmt.Errorf("open archive directory: %w", err)
		}
		sink = fs
	case cfg.Archive.Minio.Endpoint != "":
		ms, err := archive.NewMinioSink(ctx, archive.MinioConfig{
			Endpoint:  cfg.Archive.Minio.Endpoint,
			AccessKey: cfg.Archive.Minio.AccessKey,
			SecretKey: cfg.Archive.Minio.SecretKey,
			Bucket:    cfg.Archive.Minio.Bucket,
			Prefix:    cfg.Archive.Minio.Prefix,
			UseSSL:    *cfg.Archive.Minio.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("open archive bucket: %w", err)
		}
		sink = ms
	default:
		return nil, nil
	}

	var signer *crypto.Signer
	if cfg.Archive.SigningPrivateKeyPath != "" {
		s, err := crypto.LoadSigner(cfg.Archive.SigningPrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load archive signing key: %w", err)
		}
		signer = s
	}
	return archive.New(sink, signer), nil
}
