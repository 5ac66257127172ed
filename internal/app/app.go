// Package app wires the bridge together and runs its listeners.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/callbridge/internal/api"
	"github.com/sebas/callbridge/internal/banner"
	"github.com/sebas/callbridge/internal/config"
	"github.com/sebas/callbridge/internal/coordinator"
	"github.com/sebas/callbridge/internal/dedup"
	"github.com/sebas/callbridge/internal/events"
	"github.com/sebas/callbridge/internal/identity"
	"github.com/sebas/callbridge/internal/matrix"
	"github.com/sebas/callbridge/internal/remote"
	"github.com/sebas/callbridge/internal/remote/sipbackend"
	"github.com/sebas/callbridge/internal/storage"
)

// ServiceName is the gRPC health service name.
const ServiceName = "callbridge"

const (
	homeserverTimeout = 15 * time.Second
	dedupTTL          = 24 * time.Hour
	dedupPrefix       = "callbridge:txn:"
	eventQueueSize    = 1024
	shutdownTimeout   = 10 * time.Second
)

// App owns every long-lived component of the bridge.
type App struct {
	cfg *config.Config

	rdb *redis.Client
	db  *sql.DB

	publisher events.Publisher
	chat      *matrix.Bridge
	sip       *sipbackend.Backend
	remote    *remote.Bridge
	coord     *coordinator.Coordinator
	api       *api.Server

	grpc    *grpc.Server
	grpcLis net.Listener
	health  *health.Server

	stopOnce sync.Once
	stopErr  error
}

// New builds the bridge from cfg. Optional backends that are configured but
// unreachable fail startup.
func New(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			if a.sip != nil {
				_ = a.sip.Close()
			}
			a.release()
		}
	}()

	matcher, err := identity.NewMatcher(cfg.Homeserver.Domain, cfg.Homeserver.Users)
	if err != nil {
		return nil, err
	}

	var store identity.Store
	if cfg.Postgres.DSN != "" {
		if a.db, err = storage.OpenPostgres(ctx, storage.PostgresConfig{DSN: cfg.Postgres.DSN}); err != nil {
			return nil, err
		}
		if store, err = identity.NewSQLStore(ctx, a.db); err != nil {
			return nil, err
		}
		slog.Info("[App] Virtual identities persisted in postgres")
	}

	builder := events.NewBuilder(cfg.Bridge.NodeID)
	publishers := []events.Publisher{events.NewLoggingPublisher(slog.Default())}
	chatOpts := []matrix.Option{}
	if cfg.Redis.Addr != "" {
		if a.rdb, err = storage.OpenRedis(ctx, storage.RedisConfig{Addr: cfg.Redis.Addr}); err != nil {
			return nil, err
		}
		publishers = append(publishers, events.NewRedisPublisher(a.rdb, eventQueueSize))
		chatOpts = append(chatOpts, matrix.WithDedup(&dedup.Layered{
			Local:  dedup.NewRecent(0),
			Shared: dedup.NewRedisStore(a.rdb, dedupPrefix, dedupTTL),
		}))
		slog.Info("[App] Redis enabled for dedup and events", "addr", cfg.Redis.Addr)
	}
	a.publisher = events.NewMultiPublisher(publishers...)
	chatOpts = append(chatOpts, matrix.WithPublisher(a.publisher, builder))

	client, err := matrix.NewHTTPClient(cfg.Homeserver.URL, cfg.Homeserver.ASToken, homeserverTimeout)
	if err != nil {
		return nil, err
	}
	a.chat = matrix.NewBridge(matrix.Config{
		ServiceUserID: identity.UserID(cfg.Homeserver.Localpart, cfg.Homeserver.Domain),
		IdleTimeout:   cfg.Bridge.EndpointIdleTimeout,
		HangupOnLeave: cfg.Bridge.HangupOnLeave,
	}, client, identity.NewResolver(matcher, store), chatOpts...)

	a.sip, err = sipbackend.New(sipbackend.Config{
		BindAddr:       cfg.SIP.Bind,
		Port:           cfg.SIP.Port,
		AdvertiseAddr:  cfg.SIP.Advertise,
		Gateway:        cfg.SIP.Gateway,
		InviteLifetime: cfg.Bridge.InviteLifetime,
	})
	if err != nil {
		return nil, err
	}
	a.remote = remote.NewBridge(a.sip, cfg.Bridge.EndpointIdleTimeout)

	a.coord = coordinator.New(coordinator.Config{
		RelayWorkers: cfg.Bridge.RelayWorkers,
		IdleTimeout:  cfg.Bridge.EndpointIdleTimeout,
	}, a.chat, a.remote, coordinator.WithPublisher(a.publisher, builder))

	a.api = api.NewServer(cfg.Bridge.Listen, cfg.Homeserver.HSToken, a.chat, a.coord, a.remote)

	a.grpcLis, err = net.Listen("tcp", cfg.Bridge.GRPCListen)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", cfg.Bridge.GRPCListen, err)
	}
	a.grpc = grpc.NewServer()
	a.health = health.NewServer()
	healthpb.RegisterHealthServer(a.grpc, a.health)
	a.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return a, nil
}

// GRPCAddr is the address the health server listens on.
func (a *App) GRPCAddr() string {
	return a.grpcLis.Addr().String()
}

// Run serves until ctx ends or a listener fails, then shuts down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(a.api.Start)
	g.Go(func() error { return a.sip.Start(gctx) })
	g.Go(func() error {
		slog.Info("[App] gRPC health listening", "addr", a.GRPCAddr())
		return a.grpc.Serve(a.grpcLis)
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	a.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	slog.Info("[App] Bridge running", "homeserver", a.cfg.Homeserver.URL, "domain", a.cfg.Homeserver.Domain)

	return g.Wait()
}

// shutdown stops intake first, then tears down live calls and flushes events.
func (a *App) shutdown() error {
	a.stopOnce.Do(func() {
		slog.Info("[App] Shutting down")
		a.health.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := a.api.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop http: %w", err))
		}
		if err := a.sip.Close(); err != nil {
			slog.Debug("[App] SIP close", "error", err)
		}
		a.chat.Close()
		a.remote.Close()
		if err := a.coord.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close coordinator: %w", err))
		}
		if err := a.publisher.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush events: %w", err))
		}
		a.grpc.GracefulStop()
		a.release()

		slog.Info("[App] Stopped")
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

// Close shuts down an App whose Run was never called.
func (a *App) Close() error {
	_ = a.grpcLis.Close()
	return a.shutdown()
}

// release closes the publisher and the storage clients.
func (a *App) release() {
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

// Summary describes cfg for the startup banner. Secrets are masked.
func Summary(cfg *config.Config) []banner.Line {
	return []banner.Line{
		{Label: "Homeserver", Value: cfg.Homeserver.URL},
		{Label: "Domain", Value: cfg.Homeserver.Domain},
		{Label: "Service user", Value: identity.UserID(cfg.Homeserver.Localpart, cfg.Homeserver.Domain)},
		{Label: "User templates", Value: fmt.Sprint(cfg.Homeserver.Users)},
		{Label: "AS token", Value: banner.Mask(cfg.Homeserver.ASToken)},
		{Label: "HS token", Value: banner.Mask(cfg.Homeserver.HSToken)},
		{Label: "HTTP", Value: cfg.Bridge.Listen},
		{Label: "gRPC health", Value: cfg.Bridge.GRPCListen},
		{Label: "SIP", Value: net.JoinHostPort(cfg.SIP.Bind, strconv.Itoa(cfg.SIP.Port))},
		{Label: "SIP advertise", Value: cfg.SIP.Advertise},
		{Label: "SIP gateway", Value: banner.Enabled(cfg.SIP.Gateway)},
		{Label: "Invite lifetime", Value: cfg.Bridge.InviteLifetime.String()},
		{Label: "Idle timeout", Value: cfg.Bridge.EndpointIdleTimeout.String()},
		{Label: "Relay workers", Value: strconv.Itoa(cfg.Bridge.RelayWorkers)},
		{Label: "Redis", Value: banner.Enabled(cfg.Redis.Addr)},
		{Label: "Postgres", Value: banner.Enabled(maskDSN(cfg.Postgres.DSN))},
		{Label: "Log level", Value: cfg.Logging.Level},
		{Label: "Log file", Value: banner.Enabled(cfg.Logging.File)},
	}
}

func maskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	return "configured"
}
