package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	moneysv1 "github.com/MarkoPoloResearchLab/moneys/api/moneys/v1"
	"github.com/MarkoPoloResearchLab/moneys/internal/auth"
	"github.com/MarkoPoloResearchLab/moneys/internal/gateway"
	"github.com/MarkoPoloResearchLab/moneys/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/moneys/internal/oplog"
	"github.com/MarkoPoloResearchLab/moneys/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/moneys/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/moneys/internal/walletfeed"
	"github.com/MarkoPoloResearchLab/moneys/pkg/moneys"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Runtime holds the wired economy service and the resources it owns.
type Runtime struct {
	Service       *moneys.Service
	Feed          walletfeed.Feed
	Authenticator *auth.Authenticator
	closers       []func() error
}

// Close releases every resource in reverse acquisition order.
func (runtime *Runtime) Close() error {
	var closeErr error
	for index := len(runtime.closers) - 1; index >= 0; index-- {
		closeErr = errors.Join(closeErr, runtime.closers[index]())
	}
	runtime.closers = nil
	return closeErr
}

// Build opens the store and wallet feed and wires the economy service.
// cfg must already be validated.
func Build(ctx context.Context, cfg Config, logger *zap.Logger) (*Runtime, error) {
	runtime := &Runtime{}
	store, err := runtime.openStore(ctx, cfg, logger)
	if err != nil {
		_ = runtime.Close()
		return nil, err
	}
	feed, err := runtime.openFeed(ctx, cfg, logger)
	if err != nil {
		_ = runtime.Close()
		return nil, err
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	moneysService, err := moneys.NewService(store, clock,
		moneys.WithOperationLogger(oplog.New(logger)),
		moneys.WithWalletObserver(feed),
		moneys.WithGrantPolicy(cfg.policy),
		moneys.WithDailyFreeTarget(cfg.DailyFreeTarget),
		moneys.WithCostTable(cfg.costTable),
		moneys.WithTransactionAttempts(cfg.TransactionAttempts),
	)
	if err != nil {
		_ = runtime.Close()
		return nil, fmt.Errorf("moneys service init: %w", err)
	}
	authenticator, err := auth.NewAuthenticator(cfg.AuthSigningKey, cfg.AuthIssuer)
	if err != nil {
		_ = runtime.Close()
		return nil, err
	}
	runtime.Service = moneysService
	runtime.Feed = feed
	runtime.Authenticator = authenticator
	return runtime, nil
}

func (runtime *Runtime) openStore(ctx context.Context, cfg Config, logger *zap.Logger) (moneys.Store, error) {
	if cfg.StoreBackend == StoreBackendPGX {
		if err := pgstore.Migrate(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
		pool, err := pgstore.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database open: %w", err)
		}
		runtime.closers = append(runtime.closers, func() error {
			pool.Close()
			return nil
		})
		logger.Info("store ready", zap.String("backend", string(cfg.StoreBackend)))
		return pgstore.New(pool), nil
	}

	database, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	runtime.closers = append(runtime.closers, database.Close)
	switch database.Driver {
	case gormstore.DriverPostgres:
		if err := pgstore.Migrate(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
	default:
		if err := gormstore.AutoMigrate(database.DB); err != nil {
			return nil, err
		}
	}
	logger.Info("store ready", zap.String("backend", string(cfg.StoreBackend)), zap.String("driver", string(database.Driver)))
	return gormstore.New(database.DB), nil
}

func (runtime *Runtime) openFeed(ctx context.Context, cfg Config, logger *zap.Logger) (walletfeed.Feed, error) {
	if cfg.RedisURL == "" {
		return walletfeed.NewHub(), nil
	}
	client, err := walletfeed.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	runtime.closers = append(runtime.closers, client.Close)
	return walletfeed.NewRedisFeed(client, logger)
}

// Run listens on cfg.GRPCListenAddr and serves until ctx is cancelled.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return Serve(ctx, cfg, logger, listener)
}

// Serve runs the gRPC service on listener, plus the HTTP gateway when
// configured, until ctx is cancelled. It closes listener.
func Serve(ctx context.Context, cfg Config, logger *zap.Logger, listener net.Listener) error {
	runtime, err := Build(ctx, cfg, logger)
	if err != nil {
		_ = listener.Close()
		return err
	}
	defer func() {
		if closeErr := runtime.Close(); closeErr != nil {
			logger.Warn("runtime close", zap.Error(closeErr))
		}
	}()

	serviceServer, err := grpcserver.NewMoneysServiceServer(runtime.Service, runtime.Feed, logger)
	if err != nil {
		_ = listener.Close()
		return err
	}
	grpcServer := grpcserver.NewGRPCServer(serviceServer, runtime.Authenticator)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("gRPC server starting", zap.String("listen_addr", listener.Addr().String()))
		if serveErr := grpcServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown requested")
		healthServer.Shutdown()
		stopGracefully(grpcServer, cfg.ShutdownTimeout)
		return nil
	})
	if cfg.Gateway.ListenAddr != "" {
		group.Go(func() error {
			return runGateway(groupCtx, cfg.Gateway, listener.Addr(), runtime.Authenticator, logger)
		})
	}
	return group.Wait()
}

// runGateway dials the local gRPC listener and serves the HTTP gateway.
func runGateway(ctx context.Context, cfg gateway.Config, grpcAddr net.Addr, minter gateway.TokenMinter, logger *zap.Logger) error {
	_, port, err := net.SplitHostPort(grpcAddr.String())
	if err != nil {
		return fmt.Errorf("gateway backend address: %w", err)
	}
	cfg.BackendAddress = net.JoinHostPort("localhost", port)
	cfg.BackendInsecure = true
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := gateway.Dial(dialCtx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	return gateway.Run(ctx, cfg, moneysv1.NewMoneysServiceClient(conn), minter, logger)
}

func stopGracefully(grpcServer *grpc.Server, timeout time.Duration) {
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
		grpcServer.Stop()
	}
}
