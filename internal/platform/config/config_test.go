package config

import "testing"

func TestLoadWorkerRequiresPool(t *testing.T) {
	t.Setenv("ARKHAM_WORKER_POOL", "")
	t.Setenv("ARKHAM_WORKER_WORKER_ID", "")

	if _, err := LoadWorker(); err == nil {
		t.Fatal("expected an error when pool is unset")
	}
}

func TestLoadWorkerAppliesDefaultsAndReadsEnv(t *testing.T) {
	t.Setenv("ARKHAM_WORKER_POOL", "cpu-light")
	t.Setenv("ARKHAM_WORKER_WORKER_ID", "cpu-light-xyz")

	cfg, err := LoadWorker()
	if err != nil {
		t.Fatalf("LoadWorker: %v", err)
	}
	if cfg.Pool != "cpu-light" {
		t.Fatalf("expected pool cpu-light, got %q", cfg.Pool)
	}
	if cfg.WorkerID != "cpu-light-xyz" {
		t.Fatalf("expected worker id cpu-light-xyz, got %q", cfg.WorkerID)
	}
	if cfg.MaxRetries != 3 {
		t.Fatalf("expected default max_retries 3, got %d", cfg.MaxRetries)
	}
	if cfg.PollInterval.Seconds() != 1 {
		t.Fatalf("expected default poll_interval 1s, got %s", cfg.PollInterval)
	}
	if cfg.LogMode != "development" {
		t.Fatalf("expected default log_mode development, got %q", cfg.LogMode)
	}
}

func TestLoadWorkerOverridesDefaultViaEnv(t *testing.T) {
	t.Setenv("ARKHAM_WORKER_POOL", "cpu-heavy")
	t.Setenv("ARKHAM_WORKER_MAX_RETRIES", "7")
	t.Setenv("ARKHAM_WORKER_JOB_TIMEOUT", "45s")

	cfg, err := LoadWorker()
	if err != nil {
		t.Fatalf("LoadWorker: %v", err)
	}
	if cfg.MaxRetries != 7 {
		t.Fatalf("expected overridden max_retries 7, got %d", cfg.MaxRetries)
	}
	if cfg.JobTimeout.Seconds() != 45 {
		t.Fatalf("expected overridden job_timeout 45s, got %s", cfg.JobTimeout)
	}
}

func TestLoadHostParsesShardAllowlistAndDefaults(t *testing.T) {
	t.Setenv("ARKHAM_SHARD_ALLOWLIST", "ingest, ocr ,embed")

	cfg, err := LoadHost(t.TempDir())
	if err != nil {
		t.Fatalf("LoadHost: %v", err)
	}
	if cfg.SubstrateURL != "redis://localhost:6379" {
		t.Fatalf("expected default substrate_url, got %q", cfg.SubstrateURL)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default http_addr, got %q", cfg.HTTPAddr)
	}
	want := []string{"ingest", "ocr", "embed"}
	if len(cfg.ShardAllowlist) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.ShardAllowlist)
	}
	for i, name := range want {
		if cfg.ShardAllowlist[i] != name {
			t.Fatalf("expected %v, got %v", want, cfg.ShardAllowlist)
		}
	}
}

func TestLoadHostDisableFlagsFromEnv(t *testing.T) {
	t.Setenv("ARKHAM_DISABLE_WORKERS", "true")
	t.Setenv("ARKHAM_DISABLE_SHARDS", "1")

	cfg, err := LoadHost(t.TempDir())
	if err != nil {
		t.Fatalf("LoadHost: %v", err)
	}
	if !cfg.DisableWorkers {
		t.Fatal("expected disable_workers true")
	}
	if !cfg.DisableShards {
		t.Fatal("expected disable_shards true")
	}
	if cfg.DisableDB {
		t.Fatal("expected disable_db to remain false by default")
	}
}
