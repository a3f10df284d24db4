// Command worker runs a single worker process bound to one pool. The
// Dispatcher spawns one of these per worker slot, passing the pool and
// worker id via environment variables.
package main

import (
	"log"

	"github.com/arkham/core/internal/workermain"
)

func main() {
	if err := workermain.Main(); err != nil {
		log.Fatalf("worker: %v", err)
	}
}
