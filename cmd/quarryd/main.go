// Command quarryd runs a storage node: it opens the configured store
// directories, starts the background maintenance workers and serves
// metrics and status endpoints.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quarry-db/quarry/internal/config"
	"github.com/quarry-db/quarry/internal/engine"
	"github.com/quarry-db/quarry/internal/logging"
	"github.com/quarry-db/quarry/internal/objectstore"
	"github.com/quarry-db/quarry/internal/objectstore/s3"
	"github.com/quarry-db/quarry/internal/tablet"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("quarryd", version)
		return
	}

	if err := run(*configPath); err != nil {
		logging.Errorf("quarryd failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadFromPath(configPath)
	if err != nil {
		return err
	}
	logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	logging.Infof("quarryd starting", map[string]any{"version": version})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var remote objectstore.Store
	if cfg.Remote.Enabled {
		remote, err = s3.New(ctx, s3.Config{
			Bucket:          cfg.Remote.Bucket,
			Region:          cfg.Remote.Region,
			Endpoint:        cfg.Remote.Endpoint,
			AccessKeyID:     cfg.Remote.AccessKey,
			SecretAccessKey: cfg.Remote.SecretKey,
			UsePathStyle:    cfg.Remote.UsePathStyle,
		})
		if err != nil {
			return err
		}
		defer remote.Close()
	}

	eng, err := engine.Open(ctx, cfg, engine.Deps{
		Tablets: tablet.NewMemoryManager(),
		Txns:    tablet.NewMemoryTxnManager(),
		Remote:  remote,
		Terminate: func(reason string) {
			logging.Errorf("fatal storage condition, exiting", map[string]any{"reason": reason})
			os.Exit(1)
		},
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		return err
	}
	eng.Start()
	defer func() {
		if err := eng.Stop(); err != nil {
			logging.Warnf("engine stop reported error", map[string]any{"error": err.Error()})
		}
	}()

	srv := statusServer(cfg.Observability.MetricsAddr, eng)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Errorf("status server failed", map[string]any{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	logging.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warnf("status server shutdown failed", map[string]any{"error": err.Error()})
	}
	return nil
}

func statusServer(addr string, eng *engine.Engine) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/compaction/status", func(w http.ResponseWriter, _ *http.Request) {
		data, err := eng.CompactionStatusJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	mux.HandleFunc("/api/stores", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(eng.StoreInfos()); err != nil {
			logging.Warnf("encode store infos failed", map[string]any{"error": err.Error()})
		}
	})

	mux.HandleFunc("/api/sweep", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		ignoreGuard := r.URL.Query().Get("ignoreGuard") == "true"
		maxUsage, err := eng.TriggerSweep(r.Context(), ignoreGuard)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		fmt.Fprintf(w, "{\"maxDiskUsage\":%.4f}\n", maxUsage)
	})

	return &http.Server{Addr: addr, Handler: mux}
}
