package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/atmx/papertrade/internal/auth"
	"github.com/atmx/papertrade/internal/config"
	"github.com/atmx/papertrade/internal/metrics"
	"github.com/atmx/papertrade/internal/refresh"
	"github.com/atmx/papertrade/internal/session"
	"github.com/atmx/papertrade/internal/trade"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the papertrade HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	b, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer b.Close()

	quotes, err := newQuoteSource(cfg.Quotes)
	if err != nil {
		return err
	}
	provider, err := newAuthProvider(cfg.Auth)
	if err != nil {
		return err
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	// --- Trade service ---
	tradeSvc := trade.NewService(b.store, quotes, newLimiter(cfg.Limits), session.NewRegistry(), wsHub, trade.Config{
		StartingCash: cfg.Trading.StartingCash,
		MaxAttempts:  cfg.Trading.MaxAttempts,
	})
	go func() {
		if err := tradeSvc.Run(ctx); err != nil {
			slog.Error("portfolio change feed stopped", "err", err)
		}
	}()

	// --- Valuation refresher ---
	refresher := refresh.New(tradeSvc.Sessions(), tradeSvc, cfg.Refresh.Interval, cfg.Refresh.Timeout)
	if err := refresher.Start(ctx); err != nil {
		return err
	}
	defer refresher.Stop()

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      newRouter(tradeSvc, provider),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("papertrade listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down papertrade...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("papertrade stopped")
	return nil
}

func newRouter(tradeSvc *trade.Service, provider auth.Provider) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Use(auth.Middleware(provider))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"papertrade"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", tradeSvc.Routes)
	return r
}
