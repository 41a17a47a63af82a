// Docuflow Worker - Main Entry Point
//
// Runs OcrQueue's dispatcher/worker pool, lease-expiry sweeper, the
// AccessLog retry loop, and the blob orphan sweeper inside one process,
// all driven off a single Core context object (spec §9).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/adverant/docuflow/internal/config"
	"github.com/adverant/docuflow/internal/core"
	"github.com/adverant/docuflow/internal/metrics"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: .env not found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := core.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize core: %v", err)
	}
	defer c.Close()

	c.Log.Info("docuflow worker starting",
		"worker_count", cfg.WorkerCount,
		"lease_ttl", cfg.LeaseTTL.String(),
		"metastore_kind", cfg.MetaStoreKind,
		"blobstore_kind", cfg.BlobStoreKind,
	)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			c.Log.Warn("metrics server stopped", "error", err.Error())
		}
	}()

	go c.Queue.Run(ctx)
	go c.AccessLog.Run(ctx, cfg.SweeperInterval)
	go c.Sweeper.Run(ctx, cfg.SweeperInterval)

	c.Log.Info("docuflow worker ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	c.Log.Info("received shutdown signal", "signal", sig.String())

	cancel()
	c.Log.Info("docuflow worker stopped")
}
