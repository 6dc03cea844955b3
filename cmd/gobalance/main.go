package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gobalance/corelb/internal/admin"
	"github.com/gobalance/corelb/internal/config"
	"github.com/gobalance/corelb/internal/logging"
	"github.com/gobalance/corelb/internal/metrics"
	"github.com/gobalance/corelb/internal/notify"
	"github.com/gobalance/corelb/internal/router"
	"github.com/gobalance/corelb/internal/service"
)

// routerSource adapts *router.Router to metrics.Source for the
// periodic exporter, without the metrics package ever importing
// router or service.
type routerSource struct{ r *router.Router }

func (rs routerSource) Instances() []metrics.Instance {
	hosts := rs.r.Services()
	out := make([]metrics.Instance, 0, len(hosts))
	for _, host := range hosts {
		ph, ok := rs.r.Get(host)
		if !ok {
			continue
		}
		if inst, ok := ph.(*service.ServiceInstance); ok {
			out = append(out, inst)
		}
	}
	return out
}

func main() {
	bootstrapPath := os.Getenv("GOBALANCE_BOOTSTRAP_FILE")
	if bootstrapPath == "" {
		bootstrapPath = "configs/bootstrap.yaml"
	}

	bootstrap, err := config.LoadBootstrapFile(bootstrapPath)
	if err != nil {
		log.Fatalf("load bootstrap config: %v", err)
	}
	bootstrap.ApplyEnvOverrides(os.Getenv)

	logger := logging.NewLogger("gobalance")
	if bootstrap.LogLevel == "debug" {
		logger = logging.NewDevelopmentLogger("gobalance")
	}
	logger.Info("starting_load_balancer", "port", bootstrap.Port)

	var store config.Store
	if bootstrap.ConfigStoreDir != "" {
		fileStore, err := config.NewFileStore(bootstrap.ConfigStoreDir)
		if err != nil {
			logger.Error("failed_to_open_config_store", "error", err.Error())
			log.Fatal(err)
		}
		store = fileStore
	} else {
		store = config.NewMemoryStore()
	}

	var notifier notify.Sink = notify.NoOp{}
	if bootstrap.NotificationWebhookURL != "" {
		notifier = notify.NewWebhook(bootstrap.NotificationWebhookURL, logger)
	}

	collector := metrics.NewCollector()

	reg := router.New(nil, logger)

	factory := func(cfg config.ServiceConfig) *service.ServiceInstance {
		inst := service.New(cfg, store, logger.With("service", cfg.Hostname), notifier)
		inst.SetMetricsRecorder(collector)
		return inst
	}

	// Rehydrate every previously-persisted service from the store.
	if keys, err := store.ListKeys(); err != nil {
		logger.Error("failed_to_list_config_store", "error", err.Error())
	} else {
		for _, hostname := range keys {
			cfg, ok, err := service.LoadFromStore(store, hostname)
			if err != nil || !ok {
				if err != nil {
					logger.Warn("skipping_malformed_persisted_config", "hostname", hostname, "error", err.Error())
				}
				continue
			}
			inst := factory(*cfg)
			reg.Register(hostname, inst)
			logger.Info("service_rehydrated", "hostname", hostname)
		}
	}

	// Seed any DEFAULT_BACKENDS service that isn't already persisted.
	defaults, err := config.ParseDefaultBackends(bootstrap.DefaultBackends)
	if err != nil {
		logger.Error("failed_to_parse_default_backends", "error", err.Error())
	}
	for _, cfg := range defaults {
		if _, ok := reg.Get(cfg.Hostname); ok {
			continue
		}
		inst := factory(cfg)
		reg.Register(cfg.Hostname, inst)
		logger.Info("default_service_configured", "hostname", cfg.Hostname)
	}

	adminHandler := admin.New(reg, store, factory, bootstrap.APISecret, logger.With("component", "admin"))
	reg.SetAdmin(adminHandler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exporter := metrics.NewExporter(collector, routerSource{r: reg}, 5*time.Second)
	go exporter.Start(ctx)

	watcher, err := config.NewWatcher(bootstrapPath, logger, func(reloaded *config.BootstrapConfig) error {
		reloaded.ApplyEnvOverrides(os.Getenv)
		adminHandler.SetSecret(reloaded.APISecret)
		return nil
	})
	if err != nil {
		logger.Warn("bootstrap_watch_unavailable", "error", err.Error())
	} else {
		go watcher.Start(ctx)
	}

	instrumented := metrics.NewMiddleware(collector, reg)

	mux := http.NewServeMux()
	mux.Handle("/", instrumented)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/lb-health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","services":%d}`, len(reg.Services()))
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", bootstrap.Port),
		Handler: mux,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("server_starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server_error", "error", err.Error())
			log.Fatal(err)
		}
	}()

	<-sigChan
	logger.Info("shutdown_signal_received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_error", "error", err.Error())
	}

	cancel()
	logger.Sync()
	logger.Info("shutdown_complete")
}
