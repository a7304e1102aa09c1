package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/MRamiBalles/KeeperTable/internal/domain/rules"
	"github.com/MRamiBalles/KeeperTable/internal/engine"
	"github.com/MRamiBalles/KeeperTable/internal/events"
	"github.com/MRamiBalles/KeeperTable/internal/infra/ai"
	"github.com/MRamiBalles/KeeperTable/internal/infra/cache"
	"github.com/MRamiBalles/KeeperTable/internal/infra/storage"
	"github.com/MRamiBalles/KeeperTable/internal/keeper"
	"github.com/MRamiBalles/KeeperTable/internal/network"
	"github.com/MRamiBalles/KeeperTable/internal/platform/config"
	"github.com/MRamiBalles/KeeperTable/internal/platform/logger"
	"github.com/MRamiBalles/KeeperTable/internal/session"
)

const shutdownGrace = 10 * time.Second

func newServeCmd() *cobra.Command {
	var addr, store, dbPath, module string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if store != "" {
				cfg.Store = store
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cfg, module)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides KEEPER_ADDR)")
	cmd.Flags().StringVar(&store, "store", "", "store backend: sqlite, bolt or memory (overrides KEEPER_STORE)")
	cmd.Flags().StringVar(&dbPath, "db", "", "database path (overrides KEEPER_DB_PATH)")
	cmd.Flags().StringVar(&module, "module", "", "module name for a fresh session")
	return cmd
}

func serve(cfg *config.Config, module string) error {
	appLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = appLogger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLogger.Info("opening store", logger.String("backend", cfg.Store), logger.String("path", cfg.DBPath))
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	window := events.NewLog(cfg.HistoryCount)
	meta, current, err := session.Recover(ctx, st, window, cfg.HistoryCount, module, appLogger)
	if err != nil {
		return err
	}

	policy, err := rules.ParsePolicy(cfg.CheckPolicy)
	if err != nil {
		return err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	roller := rules.NewRoller(rules.NewSeededSource(seed), policy)

	pipeline := engine.NewPipeline(st, roller, appLogger, meta, current, engine.Options{
		SkillMax:       cfg.SkillMax,
		QueueDepth:     cfg.QueueDepth,
		PersistTimeout: cfg.PersistTimeout,
	})

	provider := newProvider(cfg)
	appLogger.Info("keeper model configured",
		logger.String("provider", provider.Name()),
		logger.Bool("available", provider.IsAvailable()))
	driver := keeper.NewDriver(provider, pipeline, window, appLogger, keeper.Options{
		ParseRetries: cfg.ParseRetries,
		MaxFollowups: cfg.MaxFollowups,
		HistoryCount: cfg.HistoryCount,
		Language:     language.Make(cfg.Language),
	})

	views, err := cache.NewProjectionCache(cfg.ProjectionCache)
	if err != nil {
		return err
	}
	coord := session.New(session.Deps{
		Pipeline: pipeline,
		Store:    st,
		Window:   window,
		Views:    views,
		Keeper:   driver,
		Logger:   appLogger,
	}, session.Options{MaxPlayers: cfg.MaxPlayers})
	defer coord.Close()

	hub := network.NewHub(coord, cfg.SendBuffer, appLogger)
	mux := http.NewServeMux()
	network.NewAPI(coord, hub, appLogger).RegisterRoutes(mux)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := pipeline.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		appLogger.Info("HTTP API & WS server listening", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Store == config.StoreMemory {
		return storage.NewMemoryStore(), nil
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if cfg.Store == config.StoreBolt {
		return storage.OpenBolt(cfg.DBPath)
	}
	return storage.OpenSQLite(cfg.DBPath)
}

func newProvider(cfg *config.Config) ai.Provider {
	opts := ai.Options{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Timeout:     cfg.KeeperTimeout,
	}
	if cfg.Provider == config.ProviderAnthropic {
		return ai.NewAnthropicProvider(opts)
	}
	return ai.NewOpenAIProvider(opts)
}
