package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBatchSize             = 50
	DefaultMaxRetriesPerBatch    = 10
	DefaultSingleFileConcurrency = 20
	DefaultMultiFileConcurrency  = 5
	DefaultPartSize              = ByteSize(8 * 1024 * 1024)
	MinPartSize                  = ByteSize(5 * 1024 * 1024)
	DefaultPartRetries           = 3
)

type Config struct {
	Upload     UploadConfig     `yaml:"upload"`
	StorageAPI StorageAPIConfig `yaml:"storage_api"`
	Storage    StorageConfig    `yaml:"storage"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type UploadConfig struct {
	BatchSize             int      `yaml:"batch_size"`
	MaxRetriesPerBatch    int      `yaml:"max_retries_per_batch"`
	SingleFileConcurrency int      `yaml:"single_file_concurrency"`
	MultiFileConcurrency  int      `yaml:"multi_file_concurrency"`
	FileConcurrency       int      `yaml:"file_concurrency"` // 0 = whole batch at once
	PartSize              ByteSize `yaml:"part_size"`
	PartRetries           int      `yaml:"part_retries"`
	Compress              bool     `yaml:"compress"`
	Codec                 string   `yaml:"codec"` // "gzip" | "zstd"
	StagingDir            string   `yaml:"staging_dir"`
	Encrypted             bool     `yaml:"encrypted"`
	AbortOnFailure        bool     `yaml:"abort_on_failure"`
}

type StorageAPIConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
	Offline bool          `yaml:"offline"` // prepare locally, for blob backends
}

type StorageConfig struct {
	Backend        string `yaml:"backend"` // "s3" | "blob"
	BlobURL        string `yaml:"blob_url"`
	S3Endpoint     string `yaml:"s3_endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

// ByteSize is a size in bytes that accepts human readable values such as
// "8MiB" in YAML and the environment.
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	v, err := parseByteSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = v
	return nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

func parseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Upload: UploadConfig{
			BatchSize:             DefaultBatchSize,
			MaxRetriesPerBatch:    DefaultMaxRetriesPerBatch,
			SingleFileConcurrency: DefaultSingleFileConcurrency,
			MultiFileConcurrency:  DefaultMultiFileConcurrency,
			PartSize:              DefaultPartSize,
			PartRetries:           DefaultPartRetries,
			Codec:                 "gzip",
		},
		StorageAPI: StorageAPIConfig{
			URL:     "https://connection.keboola.com",
			Timeout: 30 * time.Second,
			Retries: 3,
		},
		Storage: StorageConfig{
			Backend: "s3",
		},
		Checkpoint: CheckpointConfig{
			Dir: "./checkpoints",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Namespace: "sliced_uploader",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and environment overrides, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MustLoad loads the configuration named by SLICED_CONFIG and exits on error.
func MustLoad() Config {
	log.Println("[config] loading")

	cfg, err := Load(os.Getenv("SLICED_CONFIG"))
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

func applyEnv(cfg *Config) error {
	var errs []error
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	setString := func(key string, dst *string) {
		*dst = getenvDefault(key, *dst)
	}

	u := &cfg.Upload
	setInt("SLICED_BATCH_SIZE", &u.BatchSize)
	setInt("SLICED_MAX_RETRIES", &u.MaxRetriesPerBatch)
	setInt("SLICED_SINGLE_FILE_CONCURRENCY", &u.SingleFileConcurrency)
	setInt("SLICED_MULTI_FILE_CONCURRENCY", &u.MultiFileConcurrency)
	setInt("SLICED_FILE_CONCURRENCY", &u.FileConcurrency)
	setInt("SLICED_PART_RETRIES", &u.PartRetries)
	if v := os.Getenv("SLICED_PART_SIZE"); v != "" {
		size, err := parseByteSize(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SLICED_PART_SIZE: %w", err))
		} else {
			u.PartSize = size
		}
	}
	setBool("SLICED_COMPRESS", &u.Compress)
	setString("SLICED_CODEC", &u.Codec)
	setString("SLICED_STAGING_DIR", &u.StagingDir)
	setBool("SLICED_ENCRYPTED", &u.Encrypted)
	setBool("SLICED_ABORT_ON_FAILURE", &u.AbortOnFailure)

	setString("STORAGE_API_URL", &cfg.StorageAPI.URL)
	setString("STORAGE_API_TOKEN", &cfg.StorageAPI.Token)
	setInt("STORAGE_API_RETRIES", &cfg.StorageAPI.Retries)
	setBool("STORAGE_API_OFFLINE", &cfg.StorageAPI.Offline)
	if v := os.Getenv("STORAGE_API_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("STORAGE_API_TIMEOUT: %w", err))
		} else {
			cfg.StorageAPI.Timeout = d
		}
	}

	setString("STORAGE_BACKEND", &cfg.Storage.Backend)
	setString("STORAGE_BLOB_URL", &cfg.Storage.BlobURL)
	setString("STORAGE_S3_ENDPOINT", &cfg.Storage.S3Endpoint)
	setBool("STORAGE_FORCE_PATH_STYLE", &cfg.Storage.ForcePathStyle)

	setBool("CHECKPOINT_ENABLED", &cfg.Checkpoint.Enabled)
	setString("CHECKPOINT_DIR", &cfg.Checkpoint.Dir)

	setString("LOG_FORMAT", &cfg.Logging.Format)
	setString("LOG_LEVEL", &cfg.Logging.Level)

	setBool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	setString("METRICS_ADDRESS", &cfg.Metrics.Address)
	setString("METRICS_NAMESPACE", &cfg.Metrics.Namespace)

	return errors.Join(errs...)
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	u := c.Upload

	if u.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("upload.batch_size must be at least 1, got %d", u.BatchSize))
	}
	if u.MaxRetriesPerBatch < 0 {
		errs = append(errs, fmt.Errorf("upload.max_retries_per_batch must not be negative, got %d", u.MaxRetriesPerBatch))
	}
	if u.SingleFileConcurrency < 1 || u.MultiFileConcurrency < 1 {
		errs = append(errs, fmt.Errorf("upload part concurrency must be at least 1"))
	}
	if u.FileConcurrency < 0 {
		errs = append(errs, fmt.Errorf("upload.file_concurrency must not be negative"))
	}
	if u.PartSize < MinPartSize {
		errs = append(errs, fmt.Errorf("upload.part_size must be at least %s, got %s", MinPartSize, u.PartSize))
	}
	switch u.Codec {
	case "gzip", "zstd":
	default:
		errs = append(errs, fmt.Errorf("unknown upload.codec: %s", u.Codec))
	}

	switch c.Storage.Backend {
	case "s3":
	case "blob":
		if c.Storage.BlobURL == "" {
			errs = append(errs, fmt.Errorf("storage.blob_url required for blob backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend: %s", c.Storage.Backend))
	}

	if !c.StorageAPI.Offline && c.StorageAPI.URL == "" {
		errs = append(errs, fmt.Errorf("storage_api.url required"))
	}
	if c.StorageAPI.Offline && c.Storage.Backend == "s3" {
		errs = append(errs, fmt.Errorf("offline preparation cannot issue s3 credentials; use the blob backend"))
	}
	if c.Checkpoint.Enabled && c.Checkpoint.Dir == "" {
		errs = append(errs, fmt.Errorf("checkpoint.dir required when checkpoints are enabled"))
	}

	return errors.Join(errs...)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
