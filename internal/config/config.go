package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/user/product-ingest/internal/domain"
)

// Config stores all configuration for the application.
type Config struct {
	ProjectID string `mapstructure:"PROJECT_ID"`
	Location  string `mapstructure:"LOCATION"`

	StorageBucket        string `mapstructure:"STORAGE_BUCKET"`
	StorageEndpoint      string `mapstructure:"STORAGE_ENDPOINT"`
	StorageRegion        string `mapstructure:"STORAGE_REGION"`
	StorageAccessKey     string `mapstructure:"STORAGE_ACCESS_KEY"`
	StorageSecretKey     string `mapstructure:"STORAGE_SECRET_KEY"`
	StoragePublicBaseURL string `mapstructure:"STORAGE_PUBLIC_BASE_URL"`

	PostgresURL        string `mapstructure:"POSTGRES_URL"`
	DocumentCollection string `mapstructure:"DOCUMENT_COLLECTION"`
	RedisAddr          string `mapstructure:"REDIS_ADDR"`
	PageCacheTTLMin    int    `mapstructure:"PAGE_CACHE_TTL_MINUTES"`

	GeminiAPIKey          string  `mapstructure:"GEMINI_API_KEY"`
	ExtractionModel       string  `mapstructure:"EXTRACTION_MODEL"`
	ExtractionTemperature float32 `mapstructure:"EXTRACTION_TEMPERATURE"`
	MaxExtractionTokens   int32   `mapstructure:"MAX_EXTRACTION_TOKENS"`
	TextEmbeddingModel    string  `mapstructure:"TEXT_EMBEDDING_MODEL"`
	ImageEmbeddingModel   string  `mapstructure:"IMAGE_EMBEDDING_MODEL"`

	UserAgent         string  `mapstructure:"USER_AGENT"`
	RequestTimeoutSec int     `mapstructure:"REQUEST_TIMEOUT"`
	RequestDelayMS    int     `mapstructure:"REQUEST_DELAY_MS"`
	MaxRetries        int     `mapstructure:"MAX_RETRIES"`
	RetryBaseDelayMS  int     `mapstructure:"RETRY_BASE_DELAY_MS"`
	BackoffFactor     float64 `mapstructure:"BACKOFF_FACTOR"`
	FetchConcurrency  int     `mapstructure:"FETCH_CONCURRENCY"`
	HostRatePerSecond float64 `mapstructure:"HOST_RATE_PER_SECOND"`
	RenderEnabled     bool    `mapstructure:"RENDER_ENABLED"`
	RenderTimeoutSec  int     `mapstructure:"RENDER_TIMEOUT"`

	HTMLCharBudget     int  `mapstructure:"HTML_CHAR_BUDGET"`
	MaxImageCandidates int  `mapstructure:"MAX_IMAGE_CANDIDATES"`
	MaxImageSizeMB     int  `mapstructure:"MAX_IMAGE_SIZE_MB"`
	ImageConcurrency   int  `mapstructure:"IMAGE_CONCURRENCY"`
	ConvertToJPG       bool `mapstructure:"CONVERT_TO_JPG"`
	JPGQuality         int  `mapstructure:"JPG_QUALITY"`
	MaxImageWidth      int  `mapstructure:"MAX_IMAGE_WIDTH"`
	MaxImageHeight     int  `mapstructure:"MAX_IMAGE_HEIGHT"`

	MaxWorkers     int    `mapstructure:"MAX_WORKERS"`
	TaskTimeoutSec int    `mapstructure:"TASK_TIMEOUT"`
	DataDir        string `mapstructure:"DATA_DIR"`

	ServerPort string `mapstructure:"SERVER_PORT"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
}

var defaults = map[string]any{
	"PROJECT_ID":              "",
	"LOCATION":                "asia-northeast3",
	"STORAGE_BUCKET":          "",
	"STORAGE_ENDPOINT":        "https://storage.googleapis.com",
	"STORAGE_REGION":          "auto",
	"STORAGE_ACCESS_KEY":      "",
	"STORAGE_SECRET_KEY":      "",
	"STORAGE_PUBLIC_BASE_URL": "",
	"POSTGRES_URL":            "",
	"DOCUMENT_COLLECTION":     "products",
	"REDIS_ADDR":              "",
	"PAGE_CACHE_TTL_MINUTES":  60,
	"GEMINI_API_KEY":          "",
	"EXTRACTION_MODEL":        "gemini-2.5-flash",
	"EXTRACTION_TEMPERATURE":  0.1,
	"MAX_EXTRACTION_TOKENS":   8192,
	"TEXT_EMBEDDING_MODEL":    "gemini-embedding-001",
	"IMAGE_EMBEDDING_MODEL":   "multimodalembedding@001",
	"USER_AGENT":              "ProductBatchProcessor/1.0",
	"REQUEST_TIMEOUT":         30,
	"REQUEST_DELAY_MS":        1000,
	"MAX_RETRIES":             3,
	"RETRY_BASE_DELAY_MS":     1000,
	"BACKOFF_FACTOR":          2.0,
	"FETCH_CONCURRENCY":       5,
	"HOST_RATE_PER_SECOND":    2.0,
	"RENDER_ENABLED":          false,
	"RENDER_TIMEOUT":          60,
	"HTML_CHAR_BUDGET":        12000,
	"MAX_IMAGE_CANDIDATES":    10,
	"MAX_IMAGE_SIZE_MB":       5,
	"IMAGE_CONCURRENCY":       3,
	"CONVERT_TO_JPG":          true,
	"JPG_QUALITY":             90,
	"MAX_IMAGE_WIDTH":         1920,
	"MAX_IMAGE_HEIGHT":        1920,
	"MAX_WORKERS":             5,
	"TASK_TIMEOUT":            300,
	"DATA_DIR":                "./data",
	"SERVER_PORT":             "8080",
	"LOG_LEVEL":               "info",
}

// Load reads configuration from an optional env file and the environment.
// Values already present in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		// godotenv exports the file so SDK credential chains see it too.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	if err := v.BindEnv("STORAGE_BUCKET", "STORAGE_BUCKET", "GCS_BUCKET"); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.StoragePublicBaseURL == "" && cfg.StorageBucket != "" {
		cfg.StoragePublicBaseURL = "https://storage.googleapis.com/" + cfg.StorageBucket
	}
	cfg.StoragePublicBaseURL = strings.TrimRight(cfg.StoragePublicBaseURL, "/")
	return &cfg, nil
}

// Validate checks the settings every run needs. The returned error wraps
// domain.ErrInvalidInput.
// MemoryBucket names the placeholder bucket of an in-memory run.
const MemoryBucket = "memory"

// UseMemoryStores fills the settings only the cloud stores need, so a run
// that keeps documents and images in memory validates without them.
func (c *Config) UseMemoryStores() {
	if c.StorageBucket == "" {
		c.StorageBucket = MemoryBucket
	}
}

func (c *Config) Validate() error {
	var problems []string
	if c.ProjectID == "" {
		problems = append(problems, "PROJECT_ID is required")
	}
	if c.StorageBucket == "" {
		problems = append(problems, "STORAGE_BUCKET (or GCS_BUCKET) is required")
	}
	if c.MaxWorkers < 1 {
		problems = append(problems, "MAX_WORKERS must be at least 1")
	}
	if c.MaxRetries < 1 {
		problems = append(problems, "MAX_RETRIES must be at least 1")
	}
	if c.FetchConcurrency < 1 {
		problems = append(problems, "FETCH_CONCURRENCY must be at least 1")
	}
	if c.JPGQuality < 1 || c.JPGQuality > 100 {
		problems = append(problems, "JPG_QUALITY must be within 1..100")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) RequestTimeout() time.Duration { return seconds(c.RequestTimeoutSec) }
func (c *Config) RenderTimeout() time.Duration  { return seconds(c.RenderTimeoutSec) }
func (c *Config) TaskTimeout() time.Duration    { return seconds(c.TaskTimeoutSec) }
func (c *Config) RequestDelay() time.Duration   { return millis(c.RequestDelayMS) }
func (c *Config) RetryBaseDelay() time.Duration { return millis(c.RetryBaseDelayMS) }
func (c *Config) PageCacheTTL() time.Duration   { return time.Duration(c.PageCacheTTLMin) * time.Minute }
func (c *Config) MaxImageBytes() int64          { return int64(c.MaxImageSizeMB) << 20 }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
