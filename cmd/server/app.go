package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	appservice "github.com/turtacn/paygate/internal/application/service"
	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/repository"
	domainservice "github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/internal/infrastructure/audit"
	"github.com/turtacn/paygate/internal/infrastructure/consumers"
	"github.com/turtacn/paygate/internal/infrastructure/crypto"
	"github.com/turtacn/paygate/internal/infrastructure/detection"
	"github.com/turtacn/paygate/internal/infrastructure/enforcement"
	"github.com/turtacn/paygate/internal/infrastructure/geo"
	"github.com/turtacn/paygate/internal/infrastructure/kms"
	"github.com/turtacn/paygate/internal/infrastructure/monitoring"
	"github.com/turtacn/paygate/internal/infrastructure/notify"
	"github.com/turtacn/paygate/internal/infrastructure/persistence/memory"
	pgstore "github.com/turtacn/paygate/internal/infrastructure/persistence/postgres"
	redisstore "github.com/turtacn/paygate/internal/infrastructure/persistence/redis"
	"github.com/turtacn/paygate/internal/infrastructure/policy"
	"github.com/turtacn/paygate/internal/infrastructure/ratelimit"
	"github.com/turtacn/paygate/internal/infrastructure/sanitize"
	"github.com/turtacn/paygate/internal/infrastructure/scheduler"
	grpcinterfaces "github.com/turtacn/paygate/internal/interfaces/grpc"
	"github.com/turtacn/paygate/internal/interfaces/http/handlers"
	"github.com/turtacn/paygate/internal/interfaces/http/middleware"
	"github.com/turtacn/paygate/internal/interfaces/http/router"
	"github.com/turtacn/paygate/pkg/logger"
)

// app owns every long-lived component of one gateway instance.
type app struct {
	cfg        *config.Config
	log        logger.Logger
	instanceID string
	clock      domainservice.Clock

	tracing *monitoring.TracingManager
	metrics *monitoring.Metrics

	redis *redisstore.RedisConnection
	db    *pgstore.DBConnection

	atomic  domainservice.AtomicStore
	counter domainservice.WindowCounter
	keyRepo repository.APIKeyRepository

	notifier   domainservice.Notifier
	publisher  *enforcement.KafkaDirectivePublisher
	closers    []func() error
	enforcer   *enforcement.Enforcer
	policies   *policy.Engine
	watcher    *policy.Watcher
	keys       *appservice.APIKeyValidator
	idem       *appservice.IdempotencyGuard
	gate       *appservice.GateService
	nonces     *appservice.NonceService
	detector   *appservice.ThreatDetector
	pipeline   *appservice.AuditPipeline
	monitor    *appservice.PolicyMonitor
	consumer   *consumers.BlockDirectiveConsumer
	scheduler  *scheduler.TickerScheduler
	httpRouter *router.Router
	grpcServer *grpc.Server
	grpcHealth *health.Server
}

func newApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*app, error) {
	hostname, _ := os.Hostname()
	a := &app{
		cfg:        cfg,
		log:        log,
		instanceID: fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		clock:      domainservice.SystemClock{},
	}

	// Initialize tracing
	tracing, err := monitoring.NewTracingManager(cfg, a.instanceID, log)
	if err != nil {
		log.Warn(ctx, "tracing unavailable, continuing without it", logger.Err(err))
		tracing = monitoring.NewNoopTracingManager(log)
	}
	a.tracing = tracing
	a.metrics = monitoring.NewMetrics(prometheus.DefaultRegisterer)

	steps := []func(context.Context) error{
		a.initStores,
		a.initMessaging,
		a.initPolicies,
		a.initGate,
		a.initPipeline,
		a.initServers,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			a.close()
			return nil, err
		}
	}
	return a, nil
}

// initStores connects Redis and the database when enabled and selects the store backends.
func (a *app) initStores(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Redis.Enabled {
		a.redis = redisstore.NewRedisConnection(&cfg.Redis, a.log)
		if err := a.redis.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, a.redis.Close)
	}
	if cfg.Database.Enabled {
		db, err := pgstore.NewDBConnection(ctx, &cfg.Database, a.log)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		a.db = db
		a.closers = append(a.closers, func() error { db.Close(); return nil })
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	if cfg.Idempotency.Backend == "redis" {
		a.atomic = redisstore.NewAtomicStore(a.redis.GetClient(), "paygate")
	} else {
		a.atomic = memory.NewAtomicStore(a.clock)
	}
	if cfg.RateLimit.Backend == "redis" {
		a.counter = ratelimit.NewRedisWindowCounter(a.redis.GetClient())
	} else {
		a.counter = ratelimit.NewMemoryWindowCounter()
	}

	switch cfg.APIKeys.Backend {
	case "gorm":
		if a.db == nil {
			return errors.New("api_keys.backend is gorm but the database is disabled")
		}
		a.keyRepo = pgstore.NewAPIKeyRepository(a.db.DB())
	default:
		a.keyRepo = memory.NewAPIKeyRepository()
	}
	now := a.clock.Now().UTC()
	for _, seed := range cfg.APIKeys.Seed {
		err := a.keyRepo.Save(ctx, &models.ApiKeyInfo{
			Key:              seed.Key,
			ClientID:         seed.ClientID,
			Active:           true,
			AllowedEndpoints: seed.AllowedEndpoints,
			AllowedMethods:   seed.AllowedMethods,
			RequireSignature: seed.RequireSignature,
			CreatedAt:        now,
		})
		if err != nil {
			return fmt.Errorf("failed to seed api key for %s: %w", seed.ClientID, err)
		}
	}
	return nil
}

// initMessaging sets up alert delivery and, with Kafka enabled, the directive fan-out.
func (a *app) initMessaging(_ context.Context) error {
	cfg := a.cfg
	notifiers := notify.Multi{notify.NewLogNotifier(a.log)}
	var publisher enforcement.DirectivePublisher
	if cfg.Kafka.Enabled {
		alerts := audit.NewKafkaWriter(cfg.Kafka, cfg.Kafka.AlertTopic)
		a.closers = append(a.closers, alerts.Close)
		notifiers = append(notifiers, notify.NewKafkaNotifier(alerts))

		a.publisher = enforcement.NewKafkaDirectivePublisher(cfg.Kafka, a.log)
		a.closers = append(a.closers, a.publisher.Close)
		publisher = a.publisher
	}
	a.notifier = notifiers
	a.enforcer = enforcement.NewEnforcer(cfg.RateLimit, a.clock, publisher, a.instanceID, a.log)
	if cfg.Kafka.Enabled {
		a.consumer = consumers.NewBlockDirectiveConsumer(cfg.Kafka, a.enforcer, a.instanceID, a.log)
	}
	return nil
}

func (a *app) initPolicies(ctx context.Context) error {
	a.policies = policy.NewEngine(a.notifier, a.metrics, a.clock, a.log)
	if err := a.policies.ReplaceAll(policy.DefaultPolicies()); err != nil {
		return err
	}
	if a.cfg.Policy.File != "" {
		a.watcher = policy.NewWatcher(a.policies, a.cfg.Policy.File, a.log)
		if err := a.watcher.Reload(ctx); err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return nil
}

// initGate builds the Request Gate and its checks. Disabled checks are left nil.
func (a *app) initGate(_ context.Context) error {
	cfg := a.cfg
	deps := appservice.GateDeps{
		Enforcement: a.enforcer,
		Policies:    a.policies,
		Metrics:     a.metrics,
		Clock:       a.clock,
	}
	if cfg.RateLimit.Enabled {
		deps.Limiter = ratelimit.NewFixedWindowLimiter(a.counter, cfg.RateLimit, a.clock, a.log)
	}
	if len(cfg.Gate.GeoTable) > 0 {
		resolver, err := geo.NewStaticResolver(cfg.Gate.GeoTable)
		if err != nil {
			return err
		}
		deps.Geo = resolver
	}

	a.keys = appservice.NewAPIKeyValidator(a.keyRepo, cfg.APIKeys, a.clock, a.metrics, a.log)
	deps.Keys = a.keys

	var secrets domainservice.SecretProvider
	switch cfg.Signature.Provider {
	case "vault":
		client, err := kms.NewVaultClient(&cfg.Vault)
		if err != nil {
			return fmt.Errorf("failed to create vault client: %w", err)
		}
		secrets = kms.NewVaultSecretProvider(cfg.Vault, client, a.metrics, a.log)
	default:
		secrets = kms.NewStaticSecretProvider(cfg.Signature.Secrets)
	}
	var replay domainservice.AtomicStore
	if cfg.Signature.ReplayCache {
		replay = a.atomic
	}
	deps.Signatures = crypto.NewSignatureVerifier(secrets, replay, a.clock, cfg.Signature.Tolerance, cfg.APIKeys.LookupTimeout, a.log)

	if cfg.Sanitizer.Enabled {
		deps.Content = sanitize.NewEngine(a.log,
			sanitize.WithIPGuard(sanitize.NewIPGuard(cfg.Sanitizer.PerIPRate, cfg.Sanitizer.PerIPBurst, 10*time.Minute)),
			sanitize.WithMetrics(a.metrics),
		)
	}
	if cfg.Idempotency.Enabled {
		a.idem = appservice.NewIdempotencyGuard(a.atomic, cfg.Idempotency, a.log)
		deps.Idempotency = a.idem
	}
	if cfg.Anomaly.Enabled {
		deps.Anomaly = appservice.NewAnomalyScorer(cfg.Anomaly)
	}

	// The threat pipeline subscribes to this bus in initPipeline.
	bus := appservice.NewEventBus(a.log)
	deps.Events = bus

	gate, err := appservice.NewGateService(cfg, deps, a.log)
	if err != nil {
		return err
	}
	a.gate = gate
	a.nonces = appservice.NewNonceService(a.atomic, cfg.CSP, a.clock, a.log)
	return a.initThreatPipeline(bus)
}

// initThreatPipeline wires the detector, audit pipeline and policy monitor behind the gate's event bus.
func (a *app) initThreatPipeline(bus *appservice.EventBus) error {
	cfg := a.cfg

	patterns := detection.BuiltinPatterns()
	if cfg.Detector.PatternsFile != "" {
		custom, err := detection.LoadPatterns(cfg.Detector.PatternsFile)
		if err != nil {
			return fmt.Errorf("failed to load threat patterns: %w", err)
		}
		patterns = append(patterns, custom...)
	}
	analyzer, err := detection.NewAnalyzer(cfg.Detector, patterns, detection.NewPredicateRegistry(), a.log)
	if err != nil {
		return err
	}
	responder := appservice.NewThreatResponder(a.enforcer, a.notifier, cfg.Detector, a.clock, a.log)
	a.detector = appservice.NewThreatDetector(cfg.Detector, analyzer, responder, a.metrics, a.clock, a.log)

	auditRepo, err := a.auditRepository()
	if err != nil {
		return err
	}
	key := cfg.Audit.HMACKey
	if key == "" {
		a.log.Warn(context.Background(), "audit.hmac_key not set, signing with the development key")
		key = config.DevelopmentAuditKey
	}
	signer, err := audit.NewSigner(key)
	if err != nil {
		return err
	}
	var exporters []domainservice.AuditExporter
	if cfg.Kafka.Enabled && cfg.Audit.ExportToKafka {
		writer := audit.NewKafkaWriter(cfg.Kafka, cfg.Kafka.AuditTopic)
		a.closers = append(a.closers, writer.Close)
		exporters = append(exporters, audit.NewKafkaExporter(writer, a.log))
	}
	a.pipeline = appservice.NewAuditPipeline(auditRepo, signer, cfg, a.clock, a.metrics, a.log, exporters...)

	a.detector.OnThreat(func(ctx context.Context, threat models.DetectedThreat, event models.SecurityEvent, responses []models.ResponseAction) {
		if err := a.pipeline.RecordThreat(ctx, threat, event, responses); err != nil {
			a.log.Error(ctx, "failed to audit threat", err, logger.String("threat_id", threat.ID))
		}
	})
	a.policies.OnViolation(func(ctx context.Context, v models.PolicyViolation) {
		if err := a.pipeline.RecordViolation(ctx, v); err != nil {
			a.log.Error(ctx, "failed to audit policy violation", err, logger.String("rule_id", v.RuleID))
		}
	})
	a.monitor = appservice.NewPolicyMonitor(a.policies, monitoring.SystemSampler{}, cfg.Policy, a.log, a.detector)

	if cfg.Detector.Enabled {
		bus.Subscribe(a.detector)
	}
	if cfg.Audit.Enabled {
		bus.Subscribe(a.pipeline)
	}
	if cfg.Policy.Enabled {
		bus.Subscribe(a.monitor)
	}
	return nil
}

func (a *app) auditRepository() (repository.AuditRepository, error) {
	if a.cfg.Audit.Backend == "gorm" {
		if a.db == nil {
			return nil, errors.New("audit.backend is gorm but the database is disabled")
		}
		return pgstore.NewAuditRepository(a.db.DB()), nil
	}
	return memory.NewAuditRepository(), nil
}

// initPipeline registers the background tasks. They start running immediately.
func (a *app) initPipeline(ctx context.Context) error {
	cfg := a.cfg
	a.scheduler = scheduler.NewTickerScheduler(ctx, a.log)
	if cfg.Detector.Enabled {
		a.detector.Start(a.scheduler)
	}
	a.pipeline.Start(a.scheduler)
	if cfg.Policy.Enabled {
		a.monitor.Start(a.scheduler)
	}

	sweep := cfg.RateLimit.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	a.scheduler.RunEvery("enforcement-sweep", sweep, a.enforcer.Sweep)
	if store, ok := a.atomic.(*memory.AtomicStore); ok {
		a.scheduler.RunEvery("atomic-store-sweep", sweep, func(ctx context.Context) error {
			_, err := store.Sweep(ctx)
			return err
		})
	}
	if counter, ok := a.counter.(*ratelimit.MemoryWindowCounter); ok {
		a.scheduler.RunEvery("rate-window-sweep", sweep, func(context.Context) error {
			counter.Sweep(cfg.RateLimit.Window, a.clock.Now())
			return nil
		})
	}
	return nil
}

// initServers builds the HTTP router and the gRPC server on top of the gate.
func (a *app) initServers(_ context.Context) error {
	cfg := a.cfg
	var idem middleware.IdempotencyRecorder
	if a.idem != nil {
		idem = a.idem
	}

	pingers := map[string]handlers.Pinger{}
	if a.redis != nil {
		pingers["redis"] = a.redis
	}
	if a.db != nil {
		pingers["database"] = a.db
	}

	var nonces handlers.NonceConsumer
	if cfg.CSP.Enabled {
		nonces = a.nonces
	}
	h := router.Handlers{
		Health: handlers.NewHealthHandler(pingers, a.log),
		// Reports go to the detector only; the recorder already archives them.
		CSPReport: handlers.NewCSPReportHandler(a.pipeline, nonces, a.detector, a.clock, a.log),
	}
	m := router.Middleware{
		Gate:          middleware.SecurityGate(a.gate, idem, cfg.Gate.MaxBodyBytes, a.log),
		Observability: middleware.ObservabilityMiddleware(a.tracing.Tracer(), a.metrics.HTTPRequests, a.metrics.HTTPLatency),
	}
	if cfg.CSP.Enabled {
		m.CSP = middleware.CSPNonce(a.nonces, a.log)
	}
	if cfg.Admin.Enabled {
		tokens := crypto.NewAdminTokenManager(cfg.Admin.JWTSecret, cfg.Admin.Issuer)
		m.AdminAuth = middleware.RequireAdmin(tokens, a.pipeline, a.log)
		h.Admin = handlers.NewAdminHandler(a.policies, a.pipeline, a.detector, a.enforcer, a.keys, a.clock, a.log)
	}
	if cfg.Gate.UpstreamURL != "" {
		proxy, err := handlers.NewProxyHandler(cfg.Gate.UpstreamURL, a.log)
		if err != nil {
			return err
		}
		h.Proxy = proxy
	}
	a.httpRouter = router.NewRouter(cfg, a.log, h, m)

	var grpcIdem grpcinterfaces.IdempotencyRecorder
	if a.idem != nil {
		grpcIdem = a.idem
	}
	chain := grpcinterfaces.NewInterceptorChain(a.log, a.gate, grpcIdem)
	a.grpcServer = grpc.NewServer(chain.ChainUnaryInterceptors())
	a.grpcHealth = health.NewServer()
	healthpb.RegisterHealthServer(a.grpcServer, a.grpcHealth)
	return nil
}

// run serves until ctx is cancelled or a server fails, then shuts everything down in order.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(a.httpRouter.Start)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}
	g.Go(func() error {
		a.log.Info(gctx, "gRPC server listening", logger.Int("port", a.cfg.Server.GRPCPort))
		return a.grpcServer.Serve(lis)
	})

	if a.consumer != nil {
		g.Go(func() error {
			if err := a.consumer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if a.watcher != nil && a.cfg.Policy.Watch {
		g.Go(func() error {
			if err := a.watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error(gctx, "policy watcher stopped", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})

	a.log.Info(ctx, "paygate started",
		logger.String("instance_id", a.instanceID),
		logger.Int("http_port", a.cfg.Server.Port),
		logger.Int("grpc_port", a.cfg.Server.GRPCPort),
	)
	err = g.Wait()
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// shutdown stops intake first, then drains the pipeline so queued events reach the audit trail.
func (a *app) shutdown() {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.grpcHealth.Shutdown()
	if err := a.httpRouter.Stop(ctx); err != nil {
		a.log.Error(ctx, "HTTP server shutdown failed", err)
	}
	a.grpcServer.GracefulStop()
	a.scheduler.Stop()

	if a.cfg.Detector.Enabled {
		if err := a.detector.Drain(ctx); err != nil {
			a.log.Error(ctx, "failed to drain threat detector", err)
		}
	}
	if err := a.pipeline.Flush(ctx); err != nil {
		a.log.Error(ctx, "final audit flush failed", err, logger.Int("pending", a.pipeline.Pending()))
	}
	if err := a.tracing.Shutdown(ctx); err != nil {
		a.log.Warn(ctx, "tracer shutdown failed", logger.Err(err))
	}
	a.close()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn(context.Background(), "close failed", logger.Err(err))
		}
	}
	a.closers = nil
}
