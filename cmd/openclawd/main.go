// Command openclawd is the control-plane daemon: it wires the heartbeat
// scheduler, exec orchestrator, and exec scheduler into one process and
// exposes a small read-only diagnostics surface over HTTP. It carries no
// CLI subcommands and no agent-runtime logic of its own — those are
// external collaborators (see SPEC_FULL.md §1 Non-goals).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"

	"github.com/openclaw/core/infrastructure/middleware"
	"github.com/openclaw/core/infrastructure/ratelimit"
	"github.com/openclaw/core/internal/breaker"
	"github.com/openclaw/core/internal/clock"
	"github.com/openclaw/core/internal/control"
	"github.com/openclaw/core/pkg/config"
	"github.com/openclaw/core/pkg/logger"
	"github.com/openclaw/core/pkg/version"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (overrides OPENCLAWD_CONFIG)")
	flag.Parse()

	if *configPath != "" {
		os.Setenv("OPENCLAWD_CONFIG", *configPath)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "openclawd: config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	clk := clock.NewReal()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateway := logOnlyGateway{log: log}
	wd, err := control.New(ctx, cfg, clk, log, control.Options{
		Gateway:         gateway,
		ApprovalEvents:  logOnlyApprovalEvents{log: log},
		HeartbeatEvents: logOnlyHeartbeatEvents{log: log},
	})
	if err != nil {
		log.WithField("err", err).Error("openclawd: failed to assemble world")
		os.Exit(1)
	}

	health := middleware.NewHealthChecker(version.Version)
	health.RegisterCheck("store", pingStore(wd))
	health.RegisterOptionalCheck("breaker", func() error {
		if wd.Breaker.State() == breaker.Open {
			return fmt.Errorf("circuit breaker open")
		}
		return nil
	})

	limiter := ratelimit.New(ratelimit.DefaultConfig())
	perClient := ratelimit.NewPerClientLimiter(ratelimit.DefaultConfig())

	router := mux.NewRouter()
	router.HandleFunc("/healthz", health.Handler()).Methods(http.MethodGet)
	router.PathPrefix("/metrics").Handler(wd.Metrics.Handler()).Methods(http.MethodGet)
	diagnostics := newDiagnosticsRouter(wd)
	router.PathPrefix("/").Handler(rateLimited(limiter, perClient, diagnostics))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	shutdown := middleware.NewGracefulShutdown(srv, 15*time.Second)
	shutdown.OnShutdown("cancel-context", func() error {
		cancel()
		return nil
	})
	shutdown.OnShutdown("exec-scheduler", func() error {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return wd.ExecSched.Shutdown(shutdownCtx)
	})
	shutdown.OnShutdown("heartbeat-scheduler", func() error {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		return wd.Heartbeat.Stop(shutdownCtx)
	})
	shutdown.OnShutdown("world-close", func() error {
		return wd.Close()
	})
	shutdown.ListenForSignals()

	log.WithField("addr", addr).Info("openclawd: listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithField("err", err).Error("openclawd: server error")
		os.Exit(1)
	}
	shutdown.Wait()
}

func loadConfig() (*config.Config, error) {
	if path := os.Getenv("OPENCLAWD_CONFIG"); path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// rateLimited throttles inbound diagnostics requests: a shared bucket
// caps total load, and a per-client bucket (keyed by remote address)
// keeps one noisy caller from exhausting it for everyone else.
func rateLimited(shared *ratelimit.RateLimiter, perClient *ratelimit.PerClientLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shared.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if !perClient.Allow(r.RemoteAddr) {
			http.Error(w, "rate limit exceeded for client", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
