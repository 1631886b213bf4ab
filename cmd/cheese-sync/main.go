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

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/cheese-sync/internal/archive"
	appcfg "github.com/park285/cheese-sync/internal/config"
	"github.com/park285/cheese-sync/internal/engine"
	"github.com/park285/cheese-sync/internal/engine/book"
	"github.com/park285/cheese-sync/internal/games"
	"github.com/park285/cheese-sync/internal/msgcat"
	"github.com/park285/cheese-sync/internal/obslog"
	"github.com/park285/cheese-sync/internal/persist"
	"github.com/park285/cheese-sync/internal/pipeline"
	"github.com/park285/cheese-sync/internal/session"
	"github.com/park285/cheese-sync/internal/store"
	"github.com/park285/cheese-sync/internal/transport/api"
	"github.com/park285/cheese-sync/internal/transport/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Printf("logger init error: %v", err)
	}
	defer obslog.Sync()
	logger := obslog.L()

	cfg, err := appcfg.Load()
	if err != nil {
		logger.Fatal("config_error", zap.Error(err))
	}

	cat, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		logger.Fatal("catalog_init_error", zap.String("dir", cfg.MessagesDir), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Options{
		Driver:     cfg.StoreDriver,
		RedisURL:   cfg.RedisURL,
		KeyTTL:     cfg.RedisKeyTTL,
		SQLitePath: cfg.SQLitePath,
	})
	if err != nil {
		logger.Fatal("store_init_error", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer st.Close()

	template := pipeline.Options{
		Hub: session.Options{
			OutboxSize:   cfg.OutboxSize,
			WriteTimeout: cfg.WriteTimeout,
		},
		Logger: logger,
	}

	// engine mode games only auto-reply when a binary is configured
	if cfg.StockfishPath != "" {
		eng, err := engine.New(cfg.StockfishPath, cfg.EnginePoolCapacity)
		if err != nil {
			logger.Fatal("engine_init_error", zap.String("path", cfg.StockfishPath), zap.Error(err))
		}
		defer eng.Close()
		if cfg.OpeningBookPath != "" {
			b, err := book.Open(cfg.OpeningBookPath)
			if err != nil {
				logger.Fatal("opening_book_error", zap.String("path", cfg.OpeningBookPath), zap.Error(err))
			}
			eng.UseBook(b, cfg.BookMaxPly)
		}
		template.Searcher = eng
	} else {
		logger.Warn("engine_disabled", zap.String("reason", "STOCKFISH_PATH not set"))
	}

	if cfg.DatabaseURL != "" {
		repo, err := archive.Open(ctx, cfg.DatabaseURL, "cheese-sync")
		if err != nil {
			logger.Fatal("archive_init_error", zap.Error(err))
		}
		defer repo.Close()
		template.Archiver = repo
	}

	gm := games.NewManager(cfg.DefaultGameID, template)
	restored, err := gm.Recover(ctx, st)
	if err != nil {
		logger.Fatal("recover_error", zap.Error(err))
	}

	fatal := make(chan error, 1)
	pm := persist.New(st, gm, persist.Options{
		SnapshotInterval: cfg.SnapshotInterval,
		CleanupInterval:  cfg.CleanupInterval,
		InactivityWindow: cfg.InactivityWindow,
		MaxFailures:      cfg.MaxSnapshotFailures,
		OnFatal: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
		Logger: logger,
	})
	pm.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewServer(gm, ws.Options{OriginPatterns: cfg.OriginPatterns, Logger: logger}))
	wsSrv := &http.Server{Addr: cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	apiSrv := &fasthttp.Server{
		Handler:      api.NewServer(gm, cat, logger).Handler,
		Name:         "cheese-sync",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 2)
	go func() {
		if err := wsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	go func() {
		if err := apiSrv.ListenAndServe(cfg.APIAddr); err != nil {
			serveErr <- err
		}
	}()
	logger.Info("server_start",
		zap.String("ws_addr", cfg.ListenAddr),
		zap.String("api_addr", cfg.APIAddr),
		zap.String("store", cfg.StoreDriver),
		zap.Int("restored", restored),
	)

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal")
	case err := <-serveErr:
		logger.Error("server_error", zap.Error(err))
		exitCode = 1
	case err := <-fatal:
		logger.Error("snapshot_fatal", zap.Error(err))
		exitCode = 1
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := wsSrv.Shutdown(sctx); err != nil {
		logger.Warn("ws_shutdown_error", zap.Error(err))
	}
	if err := apiSrv.ShutdownWithContext(sctx); err != nil {
		logger.Warn("api_shutdown_error", zap.Error(err))
	}
	// no mutation can land after the games close, so the final snapshot is complete
	gm.Close()
	if err := pm.Stop(sctx); err != nil {
		exitCode = 1
	}
	logger.Info("server_stop")
	if exitCode != 0 {
		obslog.Sync()
		os.Exit(exitCode)
	}
}
