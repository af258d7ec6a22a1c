package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gator-chat/internal/database"
	"gator-chat/internal/directory"
	"gator-chat/internal/engine"
	"gator-chat/internal/presence"
	"gator-chat/internal/utils"
	"gator-chat/simulator"

	"github.com/asynkron/protoactor-go/actor"
)

func main() {
	config := simulator.DefaultConfig()
	flag.IntVar(&config.NumUsers, "users", config.NumUsers, "number of simulated users")
	flag.DurationVar(&config.SimulationTime, "duration", config.SimulationTime, "how long to run")
	flag.DurationVar(&config.MessageInterval, "interval", config.MessageInterval, "mean gap between sends per user")
	flag.Float64Var(&config.ZipfS, "zipf", config.ZipfS, "Zipf skew of partner choice (> 1)")
	flag.Float64Var(&config.DisconnectRate, "disconnect", config.DisconnectRate, "per-second disconnect probability")
	flag.Float64Var(&config.ReconnectRate, "reconnect", config.ReconnectRate, "per-second reconnect probability")
	dbType := flag.String("db", database.TypeMemory, "store: memory, mongo or postgres")
	dbURI := flag.String("db-uri", "", "connection string for mongo or postgres")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	logger := utils.NewLogger(*debug)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := database.Open(ctx, database.Options{
		Type:          *dbType,
		MongoURI:      *dbURI,
		MongoDatabase: "gator_chat_sim",
		PostgresURI:   *dbURI,
	})
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close(context.Background())

	system := actor.NewActorSystem()
	defer system.Shutdown()
	chat := engine.NewEngine(system, engine.Options{
		Store:              store,
		Directory:          directory.NewStoreDirectory(store),
		Presence:           presence.NewRegistry(),
		Logger:             logger,
		ProjectionPoolSize: 8,
		ActorTimeout:       5 * time.Second,
	})
	defer chat.Close()

	sim := simulator.NewSimulator(chat, store, config, logger)
	if err := sim.Run(ctx); err != nil {
		logger.Error("simulation failed", "error", err)
		os.Exit(1)
	}

	metrics := sim.GetMetrics()
	logger.Info("simulation completed",
		"messages_sent", metrics.MessagesSent,
		"reads_marked", metrics.ReadsMarked,
		"pushes", metrics.PushesReceived,
		"requests", metrics.TotalRequests,
		"failed_requests", metrics.FailedRequests)

	if err := sim.Verify(context.Background()); err != nil {
		logger.Error("projection check failed", "error", err)
		os.Exit(1)
	}
	logger.Info("projections consistent")
}
