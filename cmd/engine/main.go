package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gator-chat/internal/attachments"
	"gator-chat/internal/config"
	"gator-chat/internal/database"
	"gator-chat/internal/directory"
	"gator-chat/internal/engine"
	"gator-chat/internal/handlers"
	"gator-chat/internal/middleware"
	"gator-chat/internal/presence"
	"gator-chat/internal/telemetry"
	"gator-chat/internal/utils"
	"gator-chat/internal/websocket"

	"github.com/asynkron/protoactor-go/actor"
)

const serviceName = "gator-chat"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := utils.NewLogger(cfg.Debug)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

// app is the wired server: everything main needs to serve and shut down.
type app struct {
	handler  http.Handler
	hub      *websocket.Hub
	engine   *engine.Engine
	system   *actor.ActorSystem
	store    database.DBAdapter
	shutdown func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTELEndpoint)
	if err != nil {
		return nil, err
	}

	store, err := database.Open(ctx, database.Options{
		Type:          cfg.Database.Type,
		MongoURI:      cfg.Database.MongoURI,
		MongoDatabase: cfg.Database.MongoDatabase,
		PostgresURI:   cfg.Database.URI,
	})
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, err
	}
	logger.Info("connected to database", "type", cfg.Database.Type)

	metrics := utils.NewMetricsCollector()
	system := actor.NewActorSystemWithConfig(actor.Configure(
		actor.WithLoggerFactory(func(system *actor.ActorSystem) *slog.Logger {
			return logger.With("lib", "protoactor", "system", system.ID)
		}),
	))

	chat := engine.NewEngine(system, engine.Options{
		Store:              store,
		Directory:          directory.NewStoreDirectory(store),
		Resolver:           newResolver(cfg.Storage),
		Presence:           presence.NewRegistry(),
		Metrics:            metrics,
		Logger:             logger,
		ProjectionPoolSize: cfg.Engine.ProjectionPoolSize,
		ActorTimeout:       cfg.Engine.ActorTimeout,
	})

	hub := websocket.NewHub(chat, logger, cfg.Server.RequestTimeout)
	chat.SetTransport(hub)

	server := handlers.NewServer(
		chat,
		hub,
		middleware.NewJWTAuth(cfg.JWTSecret, logger),
		middleware.DefaultCORSConfig(cfg.AllowedOrigins),
		metrics,
		logger,
	)
	server.RequestTimeout = cfg.Server.RequestTimeout

	mux := http.NewServeMux()
	if cfg.Server.MetricsEnabled {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	if !cfg.Storage.UseSupabase() {
		prefix := "/" + strings.Trim(cfg.Storage.PublicURLPrefix, "/") + "/"
		mux.Handle("GET "+prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(cfg.Storage.UploadDir))))
	}

	return &app{
		handler:  server.Routes(mux),
		hub:      hub,
		engine:   chat,
		system:   system,
		store:    store,
		shutdown: shutdownTracing,
	}, nil
}

func newResolver(cfg config.StorageConfig) attachments.Resolver {
	if cfg.UseSupabase() {
		return attachments.NewSupabaseResolver(cfg.SupabaseURL, cfg.SupabaseBucket, cfg.SupabaseFolder, cfg.SupabaseServiceKey)
	}
	return attachments.NewDiskResolver(cfg.UploadDir, cfg.PublicURLPrefix)
}

// close stops accepting fan-out work, drains the projection pool and
// disconnects the store and tracer.
func (a *app) close(ctx context.Context) error {
	a.engine.Close()
	a.system.Shutdown()
	return errors.Join(a.store.Close(ctx), a.shutdown(ctx))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		a.hub.Run(hubCtx)
		close(hubDone)
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http shutdown", "error", shutdownErr)
	}
	stopHub()
	<-hubDone
	return errors.Join(err, a.close(shutdownCtx))
}
