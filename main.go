package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chatroom-service/internal/config"
	"chatroom-service/internal/db"
	grpcserver "chatroom-service/internal/grpc"
	"chatroom-service/internal/handlers"
	"chatroom-service/internal/identity"
	"chatroom-service/internal/middleware"
	"chatroom-service/internal/models"
	"chatroom-service/internal/observability"
	"chatroom-service/internal/rabbitmq"
	"chatroom-service/internal/relay"
	"chatroom-service/internal/repositories"
	"chatroom-service/internal/telemetry"
	"chatroom-service/internal/ws"
)

const auditRoutingKey = "audit.chatroom"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.ServiceName, cfg.Environment, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	store, chatrooms, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	observability.SetPublisher(publisher)
	logger.Info("event publisher ready", "mode", rabbitmq.PublisherMode(publisher), "reason", rabbitmq.PublisherNoopReason(publisher))
	audit := telemetry.NewAuditEmitter(publisher, auditRoutingKey, cfg.ServiceName, cfg.Environment, logger)

	provider, closeIdentity, err := openIdentity(cfg)
	if err != nil {
		logger.Error("failed to set up identity provider", "mode", cfg.IdentityMode, "error", err)
		os.Exit(1)
	}

	tracker := ws.NewTypingTracker(cfg.TypingTimeout)
	opts := []ws.Option{
		ws.WithHistoryLimits(cfg.HistoryLimit, cfg.HistoryMaxLimit),
		ws.WithLogger(logger),
	}

	var broadcasts *relay.Redis
	if cfg.RedisAddr != "" {
		broadcasts, err = relay.Connect(ctx, cfg.RedisAddr, cfg.RedisChannel, logger)
		if err != nil {
			logger.Warn("relay disabled", "addr", cfg.RedisAddr, "error", err)
		} else {
			opts = append(opts, ws.WithRelay(broadcasts))
		}
	}

	engine := ws.NewEngine(ws.NewRegistry(), tracker, store, chatrooms, opts...)
	wsHandler := ws.NewHandler(engine, provider, cfg.AuthTimeout, logger)
	chatroomHandler := handlers.NewChatroomHandler(chatrooms, store, tracker, audit, cfg.HistoryLimit, cfg.HistoryMaxLimit, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": engine.Registry().Count()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", wsHandler.Handle)

	authMiddleware := middleware.TrustedUserMiddleware()
	if provider != nil {
		authMiddleware = middleware.AuthMiddleware(provider)
	}
	router.GET("/chatrooms/:chatroom_id", authMiddleware, chatroomHandler.GetChatroom)
	router.GET("/chatrooms/:chatroom_id/messages", authMiddleware, chatroomHandler.GetMessages)
	router.GET("/chatrooms/:chatroom_id/typing", authMiddleware, chatroomHandler.GetTyping)

	handlers.RegisterDebugRoutes(router, audit, engine.Registry(), cfg.DebugRoutes)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv, health := grpcserver.NewServer()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return err
		}
		logger.Info("grpc server listening", "addr", lis.Addr().String())
		return grpcSrv.Serve(lis)
	})
	group.Go(func() error {
		engine.Run(groupCtx, cfg.TypingSweepInterval)
		return nil
	})
	if broadcasts != nil {
		group.Go(func() error {
			return broadcasts.Subscribe(groupCtx, engine.DeliverRelayed)
		})
	}
	go func() {
		if err := group.Wait(); err != nil {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"http": func(ctx context.Context) error {
			health.SetServingStatus(grpcserver.WebSocketService, healthpb.HealthCheckResponse_NOT_SERVING)
			return httpServer.Shutdown(ctx)
		},
		"grpc": func(ctx context.Context) error {
			health.Shutdown()
			grpcSrv.GracefulStop()
			return nil
		},
		"background": func(ctx context.Context) error {
			cancel()
			if broadcasts != nil {
				return broadcasts.Close()
			}
			return nil
		},
		"store": func(ctx context.Context) error {
			return closeStore()
		},
		"publisher": func(ctx context.Context) error {
			return publisher.Close()
		},
		"identity": func(ctx context.Context) error {
			return closeIdentity()
		},
		"tracing": func(ctx context.Context) error {
			return shutdownTracing(ctx)
		},
	})

	exitCode := <-wait
	logger.Info("chatroom-service exited", "code", exitCode)
	os.Exit(exitCode)
}

func openStore(cfg config.Config, logger *slog.Logger) (repositories.MessageStore, repositories.ChatroomRepository, func() error, error) {
	if cfg.StoreDriver == config.StoreMemory {
		logger.Info("using in-memory store")
		rooms := repositories.NewMemoryChatrooms(
			models.Chatroom{ID: 1, Name: "General", Kind: "city"},
			models.Chatroom{ID: 2, Name: "Events", Kind: "event"},
		)
		return repositories.NewMemoryMessageStore(), rooms, func() error { return nil }, nil
	}

	database, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, nil, err
	}
	chatrooms := repositories.NewSharedChatroomLookup(repositories.NewChatroomRepo(database))
	return repositories.NewMessageRepo(database), chatrooms, database.Close, nil
}

// openIdentity returns a nil provider in none mode; the auth frame then
// identifies the user.
func openIdentity(cfg config.Config) (identity.Provider, func() error, error) {
	switch cfg.IdentityMode {
	case config.IdentityJWT:
		return identity.NewJWTProvider(cfg.JWTSecret, cfg.JWTIssuer), func() error { return nil }, nil
	case config.IdentityGRPC:
		conn, err := grpcserver.Dial(cfg.IdentityGRPCAddr)
		if err != nil {
			return nil, nil, err
		}
		return grpcserver.NewIdentityClient(conn, 3*time.Second), conn.Close, nil
	default:
		return nil, func() error { return nil }, nil
	}
}
