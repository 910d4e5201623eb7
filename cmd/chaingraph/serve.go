package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/chaingraph/engine/graph"
	"github.com/WessleyAI/chaingraph/engine/ingest"
	"github.com/WessleyAI/chaingraph/pkg/mid"
	"github.com/WessleyAI/chaingraph/pkg/resilience"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// exportService is the gRPC health service name tracking the Neo4j breaker.
const exportService = "chaingraph.export"

// natsCloseWait bounds how long shutdown waits for a drained NATS connection
// to close. It is longer than the client's default drain timeout.
const natsCloseWait = 35 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume transactions from NATS and serve the merged graph",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := settings()
		if err != nil {
			return err
		}
		logger := newLogger(os.Stdout, cfg.LogLevel, true)
		slog.SetDefault(logger)
		return run(cmd.Context(), cfg, logger)
	},
}

func run(parent context.Context, cfg Config, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g := graph.New(graph.WithLogger(logger))
	met := newRegistry(g)
	healthSrv := health.NewServer()

	deps := ingest.Deps{
		Graph:    g,
		PageSize: cfg.PageSize,
		Workers:  cfg.Workers,
		Logger:   logger,
		Observe:  observeIngest(met),
	}

	// --- Neo4j export (optional) ---
	var store *graph.Store
	if cfg.Neo4j.URL != "" {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URL, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Pass, ""))
		if err != nil {
			return fmt.Errorf("neo4j driver: %w", err)
		}
		defer driver.Close(context.Background())
		if err := driver.VerifyConnectivity(ctx); err != nil {
			logger.Warn("neo4j not reachable yet, exports will retry", "err", err)
		}
		store = graph.NewStore(driver)

		setBreaker := breakerGauge(met)
		deps.Exporter = store
		deps.Limiter = resilience.NewLimiter(cfg.Neo4j.RatePerSec, cfg.Neo4j.Burst)
		deps.Breaker = resilience.NewBreaker(resilience.BreakerOpts{
			FailThreshold: cfg.Neo4j.FailThreshold,
			Timeout:       cfg.Neo4j.BreakerTimeout.Duration,
			OnStateChange: func(from, to resilience.State) {
				logger.Warn("export breaker changed state", "from", from, "to", to)
				setBreaker(to)
				status := healthpb.HealthCheckResponse_SERVING
				if to == resilience.StateOpen {
					status = healthpb.HealthCheckResponse_NOT_SERVING
				}
				healthSrv.SetServingStatus(exportService, status)
			},
		})
		healthSrv.SetServingStatus(exportService, healthpb.HealthCheckResponse_SERVING)
	}

	// --- NATS consumer (optional) ---
	if cfg.NATSURL != "" {
		closed := make(chan struct{})
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("chaingraph"),
			nats.ClosedHandler(func(*nats.Conn) { close(closed) }))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		// Registered after the Neo4j defer, so in-flight messages finish
		// their exports before the driver closes.
		defer func() {
			if err := drainAndWait(nc, closed, natsCloseWait); err != nil {
				logger.Warn("nats drain incomplete", "err", err)
			}
		}()

		if _, err := ingest.StartConsumer(nc, deps); err != nil {
			return fmt.Errorf("subscribe %s: %w", ingest.Subject, err)
		}
		if _, err := ingest.StartDLQMonitor(nc, logger, nil); err != nil {
			return fmt.Errorf("subscribe %s: %w", ingest.DLQSubject, err)
		}
		logger.Info("consuming transactions", "subject", ingest.Subject, "nats", cfg.NATSURL)
	}

	// --- HTTP ---
	pipeline := resilience.LimiterStage(resilience.NewLimiter(cfg.TxRatePerSec, cfg.TxBurst), ingest.NewPipeline(deps))
	a := &api{graph: g, pipeline: pipeline, met: met, log: logger}
	if store != nil {
		a.store = store
	}
	handler := mid.Chain(a.routes(),
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("chaingraph.http"),
	)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- gRPC health ---
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	reflection.Register(grpcSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// --- Graceful shutdown ---
	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc health listening", "addr", cfg.GRPCAddr)
		errCh <- grpcSrv.Serve(lis)
	}()
	go func() {
		logger.Info("http server starting", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	healthSrv.Shutdown()
	grpcSrv.GracefulStop()
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// drainAndWait drains nc and returns once its subscription handlers have
// finished and the connection is closed. closed must be closed by the
// connection's ClosedHandler.
func drainAndWait(nc *nats.Conn, closed <-chan struct{}, timeout time.Duration) error {
	if err := nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	select {
	case <-closed:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("nats drain: connection still open after %s", timeout)
	}
}
