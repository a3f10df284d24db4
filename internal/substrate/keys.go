// Package substrate is the Redis-backed queue, job record, worker registry,
// and pub/sub layer that the Dispatcher and Worker Runtime are built on. It
// owns every Redis key the system touches; nothing outside this package
// issues a Redis command directly.
package substrate

import "fmt"

const eventsChannel = "arkham:events"

func queueKey(pool string) string {
	return fmt.Sprintf("arkham:queue:%s", pool)
}

func jobKey(jobID string) string {
	return fmt.Sprintf("arkham:job:%s", jobID)
}

func workerKey(workerID string) string {
	return fmt.Sprintf("arkham:worker:%s", workerID)
}

func poolWorkersKey(pool string) string {
	return fmt.Sprintf("arkham:pool:%s:workers", pool)
}

func deadLetterKey(pool string) string {
	return fmt.Sprintf("arkham:dlq:%s", pool)
}

// workerRegistryTTL is how long a worker's registry hash survives without a
// heartbeat refresh before Redis expires it on its own.
const workerRegistryTTL = 120 // seconds
