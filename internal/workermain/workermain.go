// Package workermain is the shared entrypoint for a worker child process.
// Both cmd/worker and the host binary's "worker" subcommand run through
// Main, so the dispatcher can spawn workers from whichever binary it is
// itself running as.
package workermain

import (
	"context"
	"fmt"
	"time"

	"github.com/arkham/core/internal/jobrt"
	"github.com/arkham/core/internal/platform/config"
	"github.com/arkham/core/internal/platform/logger"
	"github.com/arkham/core/internal/substrate"
	"github.com/arkham/core/internal/worker"
)

// Main loads worker configuration from the environment the parent
// Dispatcher set, connects to the substrate, and runs the polling loop
// until shutdown or idle timeout.
func Main() error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return fmt.Errorf("load worker config: %w", err)
	}

	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer lg.Sync()

	ctx := context.Background()
	store, err := substrate.New(ctx, lg, cfg.SubstrateURL)
	if err != nil {
		return fmt.Errorf("worker cannot reach substrate: %w", err)
	}
	defer store.Close()

	handler, ok := builtinHandlers[cfg.Pool]
	if !ok {
		handler = jobrt.HandlerFunc{
			PoolName: cfg.Pool,
			Fn: func(rc *jobrt.RunContext) error {
				return rc.Succeed(map[string]any{"handled_by": "passthrough", "pool": cfg.Pool})
			},
		}
	}

	w := worker.New(worker.Config{
		Pool:              cfg.Pool,
		WorkerID:          cfg.WorkerID,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		IdleTimeout:       cfg.IdleTimeout,
		JobTimeout:        cfg.JobTimeout,
		MaxRetries:        cfg.MaxRetries,
	}, store, handler, lg)

	return w.Run(ctx)
}

// builtinHandlers are the document-intelligence processing stubs shipped
// with this module. Main looks a pool's handler up only in this map; a pool
// without an entry gets a generic passthrough handler. The pools listed
// here just demonstrate the contract each must satisfy.
var builtinHandlers = map[string]jobrt.Handler{
	"io-file": jobrt.HandlerFunc{
		PoolName: "io-file",
		Fn: func(rc *jobrt.RunContext) error {
			time.Sleep(10 * time.Millisecond)
			return rc.Succeed(map[string]any{
				"extracted_text": "",
				"document_id":    rc.PayloadString("document_id"),
			})
		},
	},
}
