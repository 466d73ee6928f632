package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/product-ingest/internal/config"
	"github.com/user/product-ingest/internal/domain"
)

func resetFlags(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		envFile, jsonOutput, memoryMode, logLevel = ".env", false, false, ""
		ingestURL, ingestFile, ingestWorkers, ingestProductID = "", "", 0, ""
		rootCmd.SetArgs(nil)
	})
}

func TestIngestRequiresURLOrFile(t *testing.T) {
	resetFlags(t)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{})

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "either --url or --file is required")
}

func TestSearchRequiresQuery(t *testing.T) {
	resetFlags(t)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"search"})

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg(s)")
}

func TestFlagsRegistered(t *testing.T) {
	for _, name := range []string{"url", "file", "workers", "product-id"} {
		assert.NotNil(t, rootCmd.Flags().Lookup(name), name)
	}
	for _, name := range []string{"env", "json", "memory", "log-level"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), name)
	}
	assert.Equal(t, "10", searchCmd.Flags().Lookup("limit").DefValue)
}

func TestCollectTasksFromURL(t *testing.T) {
	resetFlags(t)
	ingestURL = "https://shop.example/p/1"
	ingestProductID = "SKU-1"

	tasks, err := collectTasks()
	require.NoError(t, err)
	assert.Equal(t, []domain.IngestionTask{{URL: "https://shop.example/p/1", ProductID: "SKU-1"}}, tasks)
}

func TestCollectTasksFromFile(t *testing.T) {
	resetFlags(t)
	path := filepath.Join(t.TempDir(), "urls.txt")
	require.NoError(t, os.WriteFile(path, []byte("# seeds\nhttps://shop.example/p/1\n\nhttps://shop.example/p/2\n"), 0o644))
	ingestFile = path

	tasks, err := collectTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "https://shop.example/p/2", tasks[1].URL)
}

func TestCollectTasksEmptyFile(t *testing.T) {
	resetFlags(t)
	path := filepath.Join(t.TempDir(), "urls.txt")
	require.NoError(t, os.WriteFile(path, []byte("# nothing yet\n\n"), 0o644))
	ingestFile = path

	_, err := collectTasks()
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestLoadConfigValidates(t *testing.T) {
	resetFlags(t)
	envFile = filepath.Join(t.TempDir(), "missing.env")
	t.Setenv("PROJECT_ID", "")
	t.Setenv("STORAGE_BUCKET", "")
	t.Setenv("GCS_BUCKET", "")

	_, err := loadConfig()
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestLoadConfigMemoryModeAndOverrides(t *testing.T) {
	resetFlags(t)
	envFile = filepath.Join(t.TempDir(), "missing.env")
	t.Setenv("PROJECT_ID", "demo-project")
	t.Setenv("STORAGE_BUCKET", "")
	t.Setenv("GCS_BUCKET", "")
	memoryMode = true
	ingestWorkers = 2
	logLevel = "debug"

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, config.MemoryBucket, cfg.StorageBucket)
	assert.Equal(t, 2, cfg.MaxWorkers)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestPrintTaskSummary(t *testing.T) {
	var buf bytes.Buffer
	printTaskSummary(&buf, domain.TaskResult{
		ProductID:       "P1A2B3C4D",
		State:           domain.StateCompleted,
		DurationMS:      1520,
		ImageCount:      4,
		ProcessedImages: 3,
		TextDims:        domain.TextEmbeddingDim,
		ImagePath:       "https://storage.googleapis.com/b/images/P1A2B3C4D_00.jpg",
	})

	out := buf.String()
	assert.Contains(t, out, "Status: completed")
	assert.Contains(t, out, "Images processed: 3/4")
	assert.Contains(t, out, "Text embedding: yes")
	assert.Contains(t, out, "Image embedding: no")

	buf.Reset()
	printTaskSummary(&buf, domain.TaskResult{ProductID: "P1", State: domain.StateFailed, Error: "crawling: giving up"})
	assert.Contains(t, buf.String(), "Error: crawling: giving up")
	assert.NotContains(t, buf.String(), "Images processed")
}

func TestPrintBatchSummary(t *testing.T) {
	var buf bytes.Buffer
	printBatchSummary(&buf, &domain.BatchResult{
		BatchID:      "BATCH_20250101_120000",
		TotalURLs:    4,
		SuccessCount: 3,
		FailureCount: 1,
		SuccessRate:  0.75,
		Results: []domain.TaskResult{
			{ProductID: "PA", URL: "https://shop.example/a", State: domain.StateCompleted, DurationMS: 812},
			{ProductID: "PB", URL: "https://down.example/b", State: domain.StateFailed, Error: "crawling: 503", DurationMS: 40},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "Batch ID: BATCH_20250101_120000")
	assert.Contains(t, out, "Success Rate: 75.00%")
	assert.Contains(t, out, "completed PA https://shop.example/a (812ms)")
	assert.Contains(t, out, "failed    PB https://down.example/b (40ms)")
	assert.Contains(t, out, "crawling: 503")
}
