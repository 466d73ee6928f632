package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/product-ingest/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PROJECT_ID", "demo")
	t.Setenv("STORAGE_BUCKET", "products-bucket")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "asia-northeast3", cfg.Location)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 2.0, cfg.BackoffFactor)
	assert.Equal(t, 5, cfg.MaxWorkers)
	assert.Equal(t, 12000, cfg.HTMLCharBudget)
	assert.Equal(t, int64(5<<20), cfg.MaxImageBytes())
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.Equal(t, time.Second, cfg.RequestDelay())
	assert.Equal(t, "https://storage.googleapis.com/products-bucket", cfg.StoragePublicBaseURL)
}

func TestLoadLegacyBucketAndEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("PROJECT_ID=from-file\nMAX_WORKERS=7\n"), 0o600))
	t.Setenv("GCS_BUCKET", "legacy-bucket")
	t.Setenv("PROJECT_ID", "from-env")
	// godotenv exports into the process env; undo it after the test.
	t.Cleanup(func() { os.Unsetenv("MAX_WORKERS") })

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.ProjectID)
	assert.Equal(t, "legacy-bucket", cfg.StorageBucket)
	assert.Equal(t, 7, cfg.MaxWorkers)
}

func TestValidateMissingRequired(t *testing.T) {
	t.Setenv("PROJECT_ID", "")
	t.Setenv("STORAGE_BUCKET", "")
	t.Setenv("GCS_BUCKET", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Contains(t, err.Error(), "PROJECT_ID")
	assert.Contains(t, err.Error(), "STORAGE_BUCKET")
}

func TestUseMemoryStoresSkipsBucket(t *testing.T) {
	t.Setenv("PROJECT_ID", "demo")
	t.Setenv("STORAGE_BUCKET", "")
	t.Setenv("GCS_BUCKET", "")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Error(t, cfg.Validate())

	cfg.UseMemoryStores()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, MemoryBucket, cfg.StorageBucket)

	cfg.StorageBucket = "real-bucket"
	cfg.UseMemoryStores()
	assert.Equal(t, "real-bucket", cfg.StorageBucket)
}
