package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wizardbeardstudio/paydesk/internal/platform/allocator"
	"github.com/wizardbeardstudio/paydesk/internal/platform/audit"
	"github.com/wizardbeardstudio/paydesk/internal/platform/auth"
	"github.com/wizardbeardstudio/paydesk/internal/platform/clock"
	"github.com/wizardbeardstudio/paydesk/internal/platform/config"
	"github.com/wizardbeardstudio/paydesk/internal/platform/escalation"
	"github.com/wizardbeardstudio/paydesk/internal/platform/events"
	"github.com/wizardbeardstudio/paydesk/internal/platform/evidence"
	"github.com/wizardbeardstudio/paydesk/internal/platform/gateway"
	"github.com/wizardbeardstudio/paydesk/internal/platform/ledger"
	"github.com/wizardbeardstudio/paydesk/internal/platform/lifecycle"
	"github.com/wizardbeardstudio/paydesk/internal/platform/server"
	"github.com/wizardbeardstudio/paydesk/internal/platform/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	logger, err := cfg.Logger()
	if err != nil {
		log.Fatalf("configure logger: %v", err)
	}
	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("paydeskd stopped")
	}
}

// backing holds the stores the engine runs on; memory unless a database is configured.
type backing struct {
	ledger    ledger.Store
	allocator allocator.Allocator
	audit     audit.Sink
	evidence  evidence.Store
	sessions  session.Store
	events    events.Publisher
	ping      func(ctx context.Context) error
	closers   []func()
}

func (b *backing) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBacking(ctx context.Context, cfg *config.Config, clk clock.Clock) (*backing, error) {
	b := &backing{}
	instruments := cfg.FundingInstruments()

	if cfg.DatabaseURL != "" {
		pool, err := ledger.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		if err := ledger.Migrate(ctx, pool); err != nil {
			b.close()
			return nil, err
		}
		alloc := allocator.NewPostgresAllocator(pool)
		for _, fi := range instruments {
			if err := alloc.Upsert(ctx, fi); err != nil {
				b.close()
				return nil, fmt.Errorf("upsert instrument %s: %w", fi.Ref, err)
			}
		}
		b.ledger = ledger.NewPostgresStore(pool)
		b.allocator = alloc
		b.audit = audit.NewPostgresSink(pool)
		b.evidence = evidence.NewPostgresStore(pool)
		b.ping = pingPool(pool)
	} else {
		b.ledger = ledger.NewMemoryStore(clk)
		b.allocator = allocator.NewMemoryAllocator(clk, instruments...)
		b.audit = audit.NewInMemoryStore()
		b.evidence = evidence.NewMemoryStore()
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			b.close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		b.sessions = session.NewRedisStore(rdb, cfg.Session.TTL)
		b.events = events.NewRedisPublisher(rdb)
		dbPing := b.ping
		b.ping = func(ctx context.Context) error {
			if dbPing != nil {
				if err := dbPing(ctx); err != nil {
					return err
				}
			}
			return rdb.Ping(ctx).Err()
		}
	} else {
		b.sessions = session.NewMemoryStore(clk, cfg.Session.TTL)
		b.events = events.NewMemoryPublisher()
	}
	return b, nil
}

func pingPool(pool *pgxpool.Pool) func(ctx context.Context) error {
	return func(ctx context.Context) error { return pool.Ping(ctx) }
}

func newGateway(cfg *config.Config, clk clock.Clock) (*gateway.Client, *gateway.RelayMatcher) {
	hc := &http.Client{}
	client := gateway.NewClient(
		gateway.NewStaticDirectory(cfg.Platforms()...),
		cfg.Gateway.Timeout,
		map[gateway.Protocol]gateway.Backend{
			gateway.ProtocolCashdesk: gateway.NewCashdeskBackend(hc, clk),
			gateway.ProtocolHMAC:     gateway.NewHMACBackend(hc, clk),
		},
	)
	matcher := &gateway.RelayMatcher{
		HTTP:    &http.Client{Timeout: cfg.Gateway.Timeout},
		Default: cfg.Gateway.StatementRelayURL,
		Relays:  cfg.Gateway.StatementRelays,
	}
	return client, matcher
}

func loadKeyset(a config.Auth) (auth.HMACKeyset, error) {
	if a.JWTKeysetFile != "" {
		return auth.LoadHMACKeysetFile(a.JWTKeysetFile)
	}
	return auth.ParseHMACKeyset(a.JWTSecret, a.JWTKeyset, a.JWTActiveKID)
}

// healthMethods stay reachable without an operator token.
var healthMethods = []string{
	healthv1.Health_Check_FullMethodName,
	healthv1.Health_Watch_FullMethodName,
}

func newGRPCServer(verifier *auth.JWTVerifier, creds credentials.TransportCredentials) (*grpc.Server, *health.Server) {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(auth.UnaryJWTInterceptor(verifier, auth.ActorTypeOperator, healthMethods)),
		grpc.ChainStreamInterceptor(auth.StreamJWTInterceptor(verifier, auth.ActorTypeOperator, healthMethods)),
	}
	if creds != nil {
		opts = append(opts, grpc.Creds(creds))
	}
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthv1.HealthCheckResponse_SERVING)
	healthv1.RegisterHealthServer(srv, hs)
	return srv, hs
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	startedAt := time.Now().UTC()
	clk := clock.RealClock{}

	b, err := openBacking(ctx, cfg, clk)
	if err != nil {
		return fmt.Errorf("open stores: %w", err)
	}
	defer b.close()

	metrics := server.NewMetrics(prometheus.DefaultRegisterer)
	gw, matcher := newGateway(cfg, clk)
	engine, err := lifecycle.New(lifecycle.Deps{
		Store:     b.ledger,
		Gateway:   gw,
		Matcher:   matcher,
		Allocator: b.allocator,
		Notifier:  escalation.LogNotifier{Logger: logger},
		Audit:     b.audit,
		Events:    b.events,
		Sessions:  b.sessions,
		Evidence:  b.evidence,
		Clock:     clk,
		Logger:    logger,
		Observer:  metrics,
	}, cfg.LifecycleConfig())
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	engine.StartStaleSweeper(ctx, cfg.Lifecycle.SweepInterval, metrics.ObserveSweep)

	keyset, err := loadKeyset(cfg.Auth)
	if err != nil {
		return fmt.Errorf("load jwt keyset: %w", err)
	}
	signer := auth.NewJWTSigner(keyset, cfg.Auth.Issuer)
	verifier := auth.NewJWTVerifier(keyset, cfg.Auth.Issuer)
	creds := auth.NewCredentials(cfg.Auth.Operators)
	if creds.Len() == 0 {
		logger.Warn("no operators configured; admin endpoints will reject every token request")
	}

	tlsCfg, err := server.BuildTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("configure tls: %w", err)
	}
	guard, err := server.NewRemoteAccessGuard(clk, b.audit, cfg.TrustedCIDRs)
	if err != nil {
		return fmt.Errorf("configure remote access guard: %w", err)
	}
	if err := guard.TrustProxies(cfg.TrustedProxies); err != nil {
		return fmt.Errorf("configure trusted proxies: %w", err)
	}
	guard.Logger = logger

	handler, err := server.NewHTTPHandler(server.HTTPDeps{
		API: &server.API{
			Engine:      engine,
			Signer:      signer,
			Credentials: creds,
			TokenTTL:    cfg.Auth.TokenTTL,
			Clock:       clk,
			Logger:      logger,
			Metrics:     metrics,
		},
		Guard:    guard,
		Verifier: verifier,
		System: server.SystemHandler{
			StartedAt: startedAt,
			Version:   cfg.Version,
			Clock:     clk,
			Ping:      b.ping,
			Gatherer:  prometheus.DefaultGatherer,
		},
	})
	if err != nil {
		return fmt.Errorf("build http handler: %w", err)
	}

	var grpcCreds credentials.TransportCredentials
	if tlsCfg != nil {
		grpcCreds = credentials.NewTLS(tlsCfg)
	}
	grpcServer, hs := newGRPCServer(verifier, grpcCreds)
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		logger.WithField("addr", cfg.GRPCAddr).Info("grpc listening")
		if err := grpcServer.Serve(grpcListener); err != nil {
			errc <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		logger.WithFields(logrus.Fields{"addr": cfg.HTTPAddr, "tls": tlsCfg != nil}).Info("http listening")
		var err error
		if tlsCfg != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}

	logger.Info("shutting down")
	hs.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	grpcServer.GracefulStop()
	return runErr
}
