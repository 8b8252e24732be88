package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"supportchat/internal/api"
	"supportchat/internal/config"
	"supportchat/internal/redis"
	"supportchat/internal/relay"
	"supportchat/internal/service/ai"
	"supportchat/internal/service/chats"
	"supportchat/internal/storage"
	"supportchat/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.Load(os.Getenv("SUPPORTCHAT_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	factory, err := ai.NewFactory(cfg.Provider)
	if err != nil {
		log.Fatalf("init provider: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	contexts := relay.NewContextCache(cfg.ContextCache.MaxSessions, time.Duration(cfg.ContextCache.IdleMinutes)*time.Minute)
	if contexts != nil {
		contexts.StartSweeper(ctx, relay.DefaultSweepInterval)
	}
	opts := []relay.Option{relay.WithContextCache(contexts)}

	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(cfg.Redis)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
		invalidator := relay.NewInvalidator(rdb, contexts)
		invalidator.Listen(ctx)
		opts = append(opts, relay.WithInvalidator(invalidator))
	}

	var chatService *chats.Service
	var dispatcher *worker.Dispatcher
	if cfg.PersistenceEnabled() {
		log.Printf("dbType: %s", cfg.Database.Driver)
		db, err := storage.Open(cfg.Database)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		defer db.Close()
		// Create necessary tables: users, chats, messages
		if err := storage.Migrate(db, cfg.Database.Driver); err != nil {
			log.Fatalf("migrate database: %v", err)
		}
		chatService = chats.NewService(db)
		dispatcher = worker.NewDispatcher(worker.DispatcherConfig{
			MinWorkers:        cfg.Worker.MinWorkers,
			MaxWorkers:        cfg.Worker.MaxWorkers,
			QueueSize:         cfg.Worker.QueueSize,
			WorkerIdleTimeout: time.Duration(cfg.Worker.IdleTimeoutSeconds) * time.Second,
		}, chatService)
		opts = append(opts, relay.WithPersister(dispatcher))
	} else {
		log.Printf("no database configured, history stays on the client")
	}

	relayService := relay.NewService(factory, opts...)
	handlers := api.NewHandler(relayService, chatService, time.Duration(cfg.Server.StreamTimeoutSeconds)*time.Second)

	router := gin.Default()
	router.Use(api.CORS(cfg.Server.AllowedOrigins))
	handlers.RegisterRoutes(router)

	srv := &http.Server{Addr: cfg.Server.Address, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server stopped: %v", err)
		}
	}()
	log.Printf("relay listening on %s (provider %s, model %s)", cfg.Server.Address, cfg.Provider.Name, factory.DefaultModel())

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	if dispatcher != nil {
		if err := dispatcher.Drain(shutdownCtx); err != nil {
			log.Printf("drain persistence queue: %v", err)
		}
	}
}
