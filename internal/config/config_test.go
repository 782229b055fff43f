package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 0.92, cfg.Resolution.SimHigh)
	assert.Equal(t, 0.95, cfg.Resolution.NameExact)
	assert.Equal(t, 0.95, cfg.Resolution.EdgeSim)
	assert.Equal(t, 300*time.Second, cfg.Worker.VisibilityTimeout)
	assert.Equal(t, 3, cfg.Worker.MaxRetries)
	assert.Equal(t, 1000, cfg.Stream.MaxPending)
	assert.Equal(t, 500, cfg.Sync.PageSize)
	assert.Equal(t, 0.2, cfg.Relevance.Alpha)
	assert.Equal(t, "dead_letter", cfg.Queue.DeadLetterQueue)
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SIM_HIGH", "0.85")
	t.Setenv("WORKER_PARALLELISM", "8")
	t.Setenv("VISIBILITY_TIMEOUT", "60")
	t.Setenv("ENABLE_CROSS_GRAPH_DEDUPLICATION", "true")
	t.Setenv("USE_QUEUE_FOR_INGESTION", "false")
	t.Setenv("GROUP_ID_DEFAULT", "main")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.85, cfg.Resolution.SimHigh)
	assert.Equal(t, 8, cfg.Worker.Parallelism)
	assert.Equal(t, 60*time.Second, cfg.Worker.VisibilityTimeout)
	assert.True(t, cfg.Resolution.CrossGroup)
	assert.False(t, cfg.Queue.UseForIngestion)
	assert.Equal(t, "main", cfg.GroupIDDefault)
}

func TestYAMLFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("worker:\n  parallelism: 2\n  batch_size: 25\nresolution:\n  sim_high: 0.9\n")
	require.NoError(t, os.WriteFile(path, data, 0644))

	// Env wins over the file.
	t.Setenv("SIM_HIGH", "0.93")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Worker.Parallelism)
	assert.Equal(t, 25, cfg.Worker.BatchSize)
	assert.Equal(t, 0.93, cfg.Resolution.SimHigh)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Resolution.SimHigh = 1.5
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Worker.Parallelism = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Graph.Backend = "neo4j"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Relevance.Alpha = 0
	assert.Error(t, cfg.Validate())
}
