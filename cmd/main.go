// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/flowgate/auth"
	"github.com/absmach/flowgate/bridge"
	"github.com/absmach/flowgate/broker"
	"github.com/absmach/flowgate/broker/webhook"
	"github.com/absmach/flowgate/config"
	"github.com/absmach/flowgate/dispatch"
	docmemory "github.com/absmach/flowgate/docstore/memory"
	fgtls "github.com/absmach/flowgate/pkg/tls"
	"github.com/absmach/flowgate/ratelimit"
	"github.com/absmach/flowgate/server/health"
	"github.com/absmach/flowgate/server/otel"
	"github.com/absmach/flowgate/session"
	"github.com/absmach/flowgate/transport"
	"github.com/absmach/flowgate/transport/grpc"
	"github.com/absmach/flowgate/transport/pipe"
	"github.com/absmach/flowgate/transport/rest"
	"github.com/absmach/flowgate/transport/tcp"
	"github.com/absmach/flowgate/transport/websocket"
	"github.com/absmach/flowgate/workitem"
	"github.com/joho/godotenv"
)

const version = "0.1.0"

type listener interface {
	Listen(ctx context.Context) error
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to an optional dotenv file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("Failed to load env file", "file", *envFile, "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("flowgate_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("flowgate_starting",
		slog.String("version", version),
		slog.String("node_id", cfg.Server.NodeID),
		slog.String("listeners", listenerSummary(cfg.Server)),
		slog.String("storage", cfg.Storage.Type),
		slog.String("backbone", cfg.Backbone.Type),
		slog.String("codec", cfg.Protocol.Codec))

	var metrics *otel.Metrics
	var otelShutdown otel.ShutdownFunc
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(ctx, cfg.Server)
		if err != nil {
			return err
		}
		otelShutdown = shutdown
		if metrics, err = otel.NewMetrics(); err != nil {
			return err
		}
	}

	store, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	bb, err := openBackbone(ctx, cfg.Backbone, logger)
	if err != nil {
		return err
	}
	defer bb.Close()

	blocklist, closeBlocklist, err := newBlocklist(ctx, cfg.Auth)
	if err != nil {
		return err
	}
	defer closeBlocklist()

	secret, generated, err := signingSecret(cfg.Auth)
	if err != nil {
		return err
	}
	if generated {
		logger.Warn("auth_secret_generated",
			slog.String("hint", "set "+config.EnvJWTSecret+" so credentials survive restarts"))
	}
	credentials, err := auth.NewJWT(auth.JWTConfig{
		Secret:    secret,
		Issuer:    cfg.Auth.Issuer,
		TTL:       cfg.Auth.TokenTTL,
		ClockSkew: cfg.Auth.ClockSkew,
	}, blocklist)
	if err != nil {
		return err
	}

	registry := session.NewRegistry()
	queues := bridge.New(bb, registry, bridge.Config{
		RequeueDelay:      cfg.Backbone.RequeueDelay,
		DefaultExpiration: cfg.Backbone.Expiration,
		DeliveryTimeout:   cfg.Backbone.DeliveryTimeout,
		MaxConcurrent:     cfg.Backbone.MaxConcurrent,
	}, logger)
	defer queues.Close()

	engine := workitem.NewEngine(store.Workitems(), store.Blobs(), queues, workitem.Config{
		ClaimRetries:    cfg.Workitem.ClaimRetries,
		MonitorInterval: cfg.Workitem.MonitorInterval,
	}, logger)

	documents := docmemory.New(logger)

	svc := dispatch.Services{
		Credentials: credentials,
		Users:       auth.NewStaticUsers(cfg.Auth.Users),
		Queues:      queues,
		Workitems:   engine,
		Documents:   documents,
		Blobs:       store.Blobs(),
	}
	if metrics != nil {
		svc.Recorder = metrics
	}
	dispatcher := dispatch.New(svc, dispatch.Config{
		TokenTTL:           cfg.Auth.TokenTTL,
		SignInFailureLimit: cfg.Session.SignInFailureLimit,
		ChunkSize:          cfg.Protocol.ChunkSize,
	}, logger)

	sessOpts, err := sessionOptions(cfg, store.Blobs())
	if err != nil {
		return err
	}

	opts := []broker.Option{
		broker.WithQueues(queues),
		broker.WithLimiter(ratelimit.NewManager(cfg.RateLimit)),
	}
	if metrics != nil {
		opts = append(opts, broker.WithMetrics(metrics))
		if err := metrics.ObserveSessions(registry.Len); err != nil {
			return err
		}
	}
	if cfg.Webhook.Enabled {
		notifier, err := webhook.NewNotifier(cfg.Webhook, cfg.Server.NodeID, webhook.NewHTTPSender(cfg.Webhook.SigningSecret), logger)
		if err != nil {
			return err
		}
		defer notifier.Close()
		opts = append(opts, broker.WithNotifier(notifier))
	}

	b := broker.New(registry, dispatcher, broker.Config{
		Session:        sessOpts,
		ReleaseTimeout: cfg.Session.ReleaseTimeout,
	}, logger, opts...)

	sweeper := session.NewSweeper(registry, session.SweeperConfig{
		Interval:         cfg.Session.HeartbeatInterval,
		HeartbeatTimeout: cfg.Session.HeartbeatTimeout,
		SignInTimeout:    cfg.Session.SignInTimeout,
		RefreshWindow:    cfg.Session.RefreshWindow,
	}, dispatcher, b.Release, logger)

	wire, err := buildWire(cfg.Protocol)
	if err != nil {
		return err
	}
	stream := transport.StreamConfig{
		Wire:         wire,
		QueueSize:    cfg.Protocol.QueueSize,
		ReadTimeout:  cfg.Server.TCPReadTimeout,
		WriteTimeout: cfg.Server.TCPWriteTimeout,
	}

	servers := map[string]listener{}
	if cfg.Server.PipeEnabled {
		servers[transport.NamePipe] = pipe.New(pipe.Config{
			Path:            cfg.Server.PipePath,
			Stream:          stream,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			Logger:          logger,
		}, b)
	}
	if cfg.Server.TCPEnabled {
		tcpCfg := tcp.Config{
			Address:         cfg.Server.TCPAddr,
			Stream:          stream,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			MaxConnections:  cfg.Server.TCPMaxConn,
			Logger:          logger,
		}
		if cfg.Server.TLSEnabled {
			tlsCfg, err := fgtls.Load(fgtls.Config{
				CertFile:   cfg.Server.TLSCertFile,
				KeyFile:    cfg.Server.TLSKeyFile,
				CAFile:     cfg.Server.TLSCAFile,
				ClientAuth: cfg.Server.TLSClientAuth,
			})
			if err != nil {
				return err
			}
			tcpCfg.TLSConfig = tlsCfg
		}
		logger.Info("tcp_security", slog.String("status", fgtls.SecurityStatus(tcpCfg.TLSConfig)))
		servers[transport.NameTCP] = tcp.New(tcpCfg, b)
	}
	if cfg.Server.WSEnabled {
		servers[transport.NameWebSocket] = websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			Wire:            wire,
			QueueSize:       cfg.Protocol.QueueSize,
			WriteTimeout:    cfg.Server.TCPWriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			AllowedOrigins:  cfg.Server.WSAllowedOrigins,
		}, b, logger)
	}
	if cfg.Server.GRPCEnabled {
		grpcCfg := grpc.Config{
			Address:         cfg.Server.GRPCAddr,
			Wire:            grpcWire(wire),
			QueueSize:       cfg.Protocol.QueueSize,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}
		if cfg.Server.TLSEnabled {
			grpcCfg.TLSCertFile = cfg.Server.TLSCertFile
			grpcCfg.TLSKeyFile = cfg.Server.TLSKeyFile
		}
		servers[transport.NameGRPC] = grpc.New(grpcCfg, b, logger)
	}
	if cfg.Server.RESTEnabled {
		servers[transport.NameREST] = rest.New(rest.Config{
			Address:         cfg.Server.RESTAddr,
			Wire:            wire,
			QueueSize:       cfg.Protocol.QueueSize,
			PollTimeout:     cfg.Server.RESTPollTimeout,
			IdleTimeout:     cfg.Server.RESTIdleTimeout,
			MaxBodySize:     int64(cfg.Protocol.MaxFrameSize),
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, logger)
	}

	var healthServer *health.Server
	if cfg.Server.HealthEnabled {
		healthServer = health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			NodeID:          cfg.Server.NodeID,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, bb, logger)
		servers["health"] = healthServer
	}

	// Listeners stop on srvCtx; background loops stop on ctx after the
	// broker drained.
	srvCtx, stopServers := context.WithCancel(ctx)
	defer stopServers()

	var wg sync.WaitGroup
	serverErr := make(chan error, len(servers))
	for name, srv := range servers {
		wg.Add(1)
		go func(name string, srv listener) {
			defer wg.Done()
			if err := srv.Listen(srvCtx); err != nil {
				logger.Error("server_failed", slog.String("server", name), slog.String("error", err.Error()))
				serverErr <- err
			}
		}(name, srv)
	}

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		sweeper.Run(ctx)
	}()
	go func() {
		defer loops.Done()
		engine.Run(ctx)
	}()

	logger.Info("flowgate_started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("shutdown_signal", slog.String("signal", sig.String()))
	case runErr = <-serverErr:
	}

	if healthServer != nil {
		healthServer.Drain()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	stopServers()
	if err := b.Shutdown(shutdownCtx); err != nil {
		logger.Error("broker_shutdown_failed", slog.String("error", err.Error()))
	}
	wg.Wait()

	cancel()
	loops.Wait()

	if otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelCtx); err != nil {
			logger.Error("otel_shutdown_failed", slog.String("error", err.Error()))
		}
	}

	logger.Info("flowgate_stopped")
	return runErr
}
