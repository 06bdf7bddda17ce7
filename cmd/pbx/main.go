// Command pbx runs the simulated telephone exchange: a TCP listener
// speaking the line-oriented pickup/hangup/dial/chat protocol, backed by
// a bounded registry of telephone units, alongside an admin HTTP plane
// for introspection, Prometheus metrics, and call-history recording.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/pbxcore/internal/acceptor"
	"github.com/flowpbx/pbxcore/internal/adminapi"
	"github.com/flowpbx/pbxcore/internal/config"
	"github.com/flowpbx/pbxcore/internal/metrics"
	"github.com/flowpbx/pbxcore/internal/recorder"
	"github.com/flowpbx/pbxcore/internal/registry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	log := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(log)
	log.Info("starting pbx",
		"tu_port", cfg.TUPort,
		"admin_port", cfg.AdminPort,
		"cdr_path", cfg.CDRPath,
		"max_ext", cfg.MaxExt,
	)

	adminSecret, err := cfg.AdminTokenBytes()
	if err != nil {
		log.Error("failed to resolve admin token secret", "error", err)
		os.Exit(1)
	}

	store, err := recorder.Open(cfg.CDRPath)
	if err != nil {
		log.Error("failed to open cdr store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	rec := recorder.New(store, log)
	defer rec.Close()

	reg := registry.New(cfg.MaxExt)
	counters := &metrics.Counters{}
	collector := metrics.NewCollector(reg, reg, counters, time.Now())
	prometheus.MustRegister(collector)

	tuAddr := fmt.Sprintf(":%d", cfg.TUPort)
	acc, err := acceptor.Listen(tuAddr, reg, rec, counters, log)
	if err != nil {
		log.Error("failed to bind tu listener", "addr", tuAddr, "error", err)
		os.Exit(1)
	}

	acceptErrCh := make(chan error, 1)
	go func() {
		log.Info("tu listener started", "addr", acc.Addr().String())
		if err := acc.Run(); err != nil {
			acceptErrCh <- err
		}
	}()

	var once sync.Once
	shutdownCh := make(chan struct{})
	triggerShutdown := func() {
		once.Do(func() { close(shutdownCh) })
	}

	adminSrv := adminapi.NewServer(adminapi.Config{
		Registry:        reg,
		CDRs:            store,
		AdminSecret:     adminSecret,
		Logger:          log,
		RateLimit:       adminapi.DefaultRateLimitConfig(),
		TriggerShutdown: triggerShutdown,
	})

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.AdminPort),
		Handler:      adminSrv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		log.Info("admin http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	listenerFailed := false
	select {
	case s := <-sig:
		log.Info("received shutdown signal", "signal", s.String())
	case <-shutdownCh:
		log.Info("shutdown requested via admin api")
	case err := <-acceptErrCh:
		log.Error("tu listener error", "error", err)
		listenerFailed = true
	case err := <-httpErrCh:
		log.Error("admin http server error", "error", err)
		listenerFailed = true
	}

	log.Info("shutting down")

	// Flip the shutdown gauge before draining the admin server so any
	// scrape accepted just before shutdown, and processed during the
	// bounded drain window below, reports the correct state.
	reg.BeginShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error("admin http server shutdown error", "error", err)
	}

	_ = acc.Close()
	reg.Shutdown()

	log.Info("pbx stopped")

	if listenerFailed {
		// os.Exit skips deferred calls, so flush and close the CDR
		// recorder and store here.
		rec.Close()
		store.Close()
		os.Exit(1)
	}
}
