// cmd/switchboard/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"switchboard/internal/audit"
	"switchboard/internal/connector"
	"switchboard/internal/examples"
	"switchboard/internal/switchboard"
	"switchboard/pkg/config"
	"switchboard/pkg/connectors"
	"switchboard/pkg/db"
	"switchboard/pkg/logger"
	"switchboard/pkg/middleware"
)

func main() {
	cfg := config.Load()
	pflag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "listen address")
	pflag.StringVar(&cfg.RoutesFile, "routes", cfg.RoutesFile, "connector routes file")
	pflag.StringVar(&cfg.Env, "env", cfg.Env, "environment (dev|prod)")
	pflag.BoolVar(&cfg.WatchRoutes, "watch", cfg.WatchRoutes, "reload the routes file when it changes")
	pflag.DurationVar(&cfg.OutgoingTimeout, "timeout", cfg.OutgoingTimeout, "deadline for each outgoing call")
	pflag.Parse()

	log := logger.New(cfg.Env, cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	opts := []connector.Option{
		connector.WithTimeout(cfg.OutgoingTimeout),
		connector.WithLogger(log),
		connector.WithMetrics(connector.NewMetrics(prometheus.DefaultRegisterer)),
	}
	if pool := db.MustConnect(cfg, log); pool != nil {
		defer pool.Close()
		if err := audit.EnsureSchema(context.Background(), pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		opts = append(opts, connector.WithRecorder(audit.NewPostgresRecorder(pool, log)))
	}
	rdb := db.MustRedis(cfg, log)
	sb := connector.New(opts...)

	reg := connectors.NewRegistry()
	reg.RegisterFactory(examples.Kind, examples.New)
	if err := reg.LoadFile(context.Background(), cfg.RoutesFile); err != nil {
		log.Fatalw("routes", "file", cfg.RoutesFile, "err", err)
	}
	log.Infow("routes loaded", "file", cfg.RoutesFile, "connectors", len(reg.Entries()))
	if cfg.WatchRoutes {
		w, err := connectors.NewWatcher(cfg.RoutesFile, reg, log, 0)
		if err != nil {
			log.Fatalw("routes watcher", "err", err)
		}
		w.Start()
		defer func() { _ = w.Stop() }()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID())
	r.Use(middleware.Recover(log))
	r.Use(middleware.Tracing(cfg))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	switchboard.DynamicRouter(r, cfg, reg, sb, log, rdb)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infow("switchboard listening", "addr", cfg.HTTPAddr, "outgoing_timeout", sb.Timeout())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	// SIGHUP reloads the routes file; a broken file keeps the current routes.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
loop:
	for {
		select {
		case <-hup:
			if err := reg.LoadFile(context.Background(), cfg.RoutesFile); err != nil {
				log.Errorw("routes reload failed", "file", cfg.RoutesFile, "err", err)
				continue
			}
			log.Infow("routes reloaded", "file", cfg.RoutesFile, "connectors", len(reg.Entries()))
		case <-stop:
			break loop
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	_ = middleware.ShutdownTracing(ctx)
	fmt.Println("switchboard stopped")
}
