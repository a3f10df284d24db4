// Command host runs the long-lived coordinator process: HTTP API, event
// bus, dispatcher, and pipeline coordinator. Invoked with the "worker"
// subcommand it instead runs a single worker process — the dispatcher
// spawns workers by re-executing its own binary this way when no separate
// worker binary is configured.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/arkham/core/internal/host"
	"github.com/arkham/core/internal/platform/config"
	"github.com/arkham/core/internal/workermain"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		if err := workermain.Main(); err != nil {
			log.Fatalf("worker: %v", err)
		}
		return
	}

	cfg, err := config.LoadHost(os.Getenv("ARKHAM_CONFIG_PATH"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	h, err := host.New(ctx, cfg)
	if err != nil {
		log.Fatalf("build host: %v", err)
	}
	defer h.Close()

	h.LoadShards()

	go func() {
		<-ctx.Done()
		h.Close()
	}()

	if err := h.Run(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		h.Log.Error("host server stopped", "error", err)
		h.Close()
		os.Exit(1)
	}
}
