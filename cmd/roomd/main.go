package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flitsinc/go-llms/llms"
	"go.uber.org/zap"

	"github.com/flitsinc/go-rooms/internal/ai"
	"github.com/flitsinc/go-rooms/internal/api"
	"github.com/flitsinc/go-rooms/internal/chattools"
	"github.com/flitsinc/go-rooms/internal/config"
	"github.com/flitsinc/go-rooms/internal/directory"
	"github.com/flitsinc/go-rooms/internal/engine"
	"github.com/flitsinc/go-rooms/internal/eventbus"
	"github.com/flitsinc/go-rooms/internal/memory"
	"github.com/flitsinc/go-rooms/internal/scheduler"
	"github.com/flitsinc/go-rooms/internal/store"
	"github.com/flitsinc/go-rooms/internal/web"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal("create data dir", zap.Error(err))
	}
	if err := os.MkdirAll(cfg.AgentsDir, 0o755); err != nil {
		log.Fatal("create agents dir", zap.Error(err))
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer db.Close()
	st := store.NewStore(db)

	dirs := directory.New(cfg.AgentsDir, log.Named("directory"))

	client, err := ai.NewClient(ai.Config{
		Provider:  cfg.LLMProvider,
		Model:     cfg.LLMModel,
		FastModel: cfg.LLMFastModel,
		APIKey:    cfg.LLMAPIKey,
	})
	if err != nil {
		log.Fatal("llm client", zap.Error(err))
	}

	factory := func(_, _ string) (*llms.LLM, *ai.TurnState, error) {
		state := ai.NewTurnState()
		llm, err := client.NewSession(chattools.ForMode(cfg.MemoryMode, dirs, state)...)
		if err != nil {
			return nil, nil, err
		}
		return llm, state, nil
	}
	pool := ai.NewPool(factory, cfg.SessionAttempts, log.Named("sessions"))

	var selector memory.Selector
	switch cfg.MemoryMode {
	case config.MemoryModeAuto:
		policies := memory.LexicalPolicies()
		policies = append(policies, memory.NewModelPolicy("curator", client))
		selector = memory.NewAutomatic(policies, cfg.MemoryMaxInject, cfg.MemoryCooldown, log.Named("memory"))
	default:
		selector = memory.OnDemand{}
	}

	bus := eventbus.NewBus()
	orch := engine.New(st, dirs, pool, selector, bus, cfg, log.Named("engine"))

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	go func() {
		if err := dirs.Watch(rootCtx); err != nil && rootCtx.Err() == nil {
			log.Warn("agent watcher stopped", zap.Error(err))
		}
	}()

	sched := scheduler.New(st, orch, cfg.SchedulerEvery, cfg.ActivityWindow, cfg.MaxActiveRooms, log.Named("scheduler"))
	go func() {
		if err := sched.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			log.Warn("scheduler stopped", zap.Error(err))
		}
	}()

	apiServer := &api.Server{
		Store:        st,
		Directory:    dirs,
		Orchestrator: orch,
		Pool:         pool,
		Bus:          bus,
		StartedAt:    time.Now().UTC(),
		Info: api.DiagnosticsInfo{
			HTTPAddr:    cfg.HTTPAddr,
			DataDir:     cfg.DataDir,
			DBPath:      cfg.DBPath,
			AgentsDir:   cfg.AgentsDir,
			WebDir:      cfg.WebDir,
			LLMProvider: cfg.LLMProvider,
			LLMModel:    cfg.LLMModel,
			MemoryMode:  string(cfg.MemoryMode),
		},
	}
	webServer := &web.Server{Dir: cfg.WebDir}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Handler())
	mux.Handle("/", webServer.Handler())

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(log.Named("http"), mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return rootCtx
		},
	}

	go func() {
		log.Info("roomd listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := orch.Shutdown(ctx); err != nil {
		log.Warn("orchestrator shutdown", zap.Error(err))
	}
}

func loggingMiddleware(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}
