package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/ttp-processor-demo/txn-etl/model"
)

// ErrInvalidConfig wraps every validation failure so callers can tell bad
// configuration apart from runtime errors.
var ErrInvalidConfig = errors.New("invalid config")

// Mode selects how checkpoints are read and written for a run.
type Mode string

const (
	ModeDefault  Mode = "default"
	ModeBackfill Mode = "backfill"
	ModeTesting  Mode = "testing"
)

// Processor types.
const (
	ProcessorObjects       = "objects"
	ProcessorFungibleAsset = "fungible_asset"
)

// Sink types.
const (
	SinkPostgres = "postgres"
	SinkParquet  = "parquet"
)

// processorTables lists the output tables each processor can write.
var processorTables = map[string][]string{
	ProcessorObjects: {
		model.TableObjects,
		model.TableCurrentObjects,
	},
	ProcessorFungibleAsset: {
		model.TableFungibleAssetActivities,
		model.TableFungibleAssetMetadata,
		model.TableCurrentFungibleAssetBalance,
		model.TableFungibleAssetToCoinMappings,
	},
}

// Config represents the application configuration
type Config struct {
	Service struct {
		Name       string `yaml:"name"`
		HealthPort int    `yaml:"health_port"`
	} `yaml:"service"`

	Postgres  PostgresConfig  `yaml:"postgres"`
	Processor ProcessorConfig `yaml:"processor"`
	Mode      ModeConfig      `yaml:"mode"`
	Source    SourceConfig    `yaml:"source"`
	Parquet   ParquetConfig   `yaml:"parquet"`
}

// PostgresConfig holds connection settings for the durable store.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int32  `yaml:"max_conns"`
}

// ProcessorConfig selects the transform and tunes the sink.
type ProcessorConfig struct {
	Type                 string         `yaml:"type"`
	Sink                 string         `yaml:"sink"` // postgres | parquet
	ChannelSize          int            `yaml:"channel_size"`
	TablesToWrite        []string       `yaml:"tables_to_write"` // empty = all tables
	PerTableChunkSizes   map[string]int `yaml:"per_table_chunk_sizes"`
	TransformParallelism int            `yaml:"transform_parallelism"`
	QueryRetries         int            `yaml:"query_retries"`
	QueryRetryDelayMs    int            `yaml:"query_retry_delay_ms"`
}

// ModeConfig describes the operating mode and its version bounds.
type ModeConfig struct {
	Type                    Mode    `yaml:"type"`
	InitialStartingVersion  uint64  `yaml:"initial_starting_version"`
	EndingVersion           *uint64 `yaml:"ending_version"`
	BackfillID              string  `yaml:"backfill_id"`
	OverwriteCheckpoint     bool    `yaml:"overwrite_checkpoint"`
	OverrideStartingVersion *uint64 `yaml:"override_starting_version"`
}

// SourceConfig points at the decoded transaction stream.
type SourceConfig struct {
	Type      string `yaml:"type"` // file
	Path      string `yaml:"path"`
	BatchSize int    `yaml:"batch_size"`
}

// ParquetConfig configures the columnar export sink.
type ParquetConfig struct {
	Backend              string        `yaml:"backend"` // local | gcs | s3
	Bucket               string        `yaml:"bucket"`
	BucketRoot           string        `yaml:"bucket_root"`
	Endpoint             string        `yaml:"endpoint"`
	AccessKey            string        `yaml:"access_key"`
	SecretKey            string        `yaml:"secret_key"`
	UseSSL               bool          `yaml:"use_ssl"`
	UploadInterval       time.Duration `yaml:"upload_interval"`
	MaxBufferSize        int64         `yaml:"max_buffer_size"`
	StatusUpdateInterval time.Duration `yaml:"status_update_interval"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML, applies defaults and environment overrides, and
// validates the result.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "txn-etl"
	}
	if c.Service.HealthPort == 0 {
		c.Service.HealthPort = 8088
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "disable"
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = 16
	}
	if c.Processor.Sink == "" {
		c.Processor.Sink = SinkPostgres
	}
	if c.Processor.ChannelSize <= 0 {
		c.Processor.ChannelSize = 10
	}
	if c.Processor.TransformParallelism <= 0 {
		c.Processor.TransformParallelism = runtime.GOMAXPROCS(0)
	}
	if c.Processor.QueryRetries <= 0 {
		c.Processor.QueryRetries = 5
	}
	if c.Processor.QueryRetryDelayMs <= 0 {
		c.Processor.QueryRetryDelayMs = 500
	}
	if c.Mode.Type == "" {
		c.Mode.Type = ModeDefault
	}
	if c.Source.Type == "" {
		c.Source.Type = "file"
	}
	if c.Source.BatchSize <= 0 {
		c.Source.BatchSize = 1000
	}
	if c.Parquet.Backend == "" {
		c.Parquet.Backend = "local"
	}
	if c.Parquet.UploadInterval <= 0 {
		c.Parquet.UploadInterval = 30 * time.Minute
	}
	if c.Parquet.MaxBufferSize <= 0 {
		c.Parquet.MaxBufferSize = 100 * 1024 * 1024 // 100MB
	}
	if c.Parquet.StatusUpdateInterval <= 0 {
		c.Parquet.StatusUpdateInterval = time.Second
	}
}

func (c *Config) applyEnv() {
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		c.Postgres.Password = pw
	}
	if key := os.Getenv("PARQUET_SECRET_KEY"); key != "" {
		c.Parquet.SecretKey = key
	}
}

// Validate fails fast on configuration that cannot produce a correct run.
func (c *Config) Validate() error {
	tables, ok := processorTables[c.Processor.Type]
	if !ok {
		return fmt.Errorf("%w: unknown processor type %q", ErrInvalidConfig, c.Processor.Type)
	}

	switch c.Processor.Sink {
	case SinkPostgres, SinkParquet:
	default:
		return fmt.Errorf("%w: unknown sink %q", ErrInvalidConfig, c.Processor.Sink)
	}

	if _, err := c.Processor.TableFlags(); err != nil {
		return err
	}
	for table, size := range c.Processor.PerTableChunkSizes {
		if !slices.Contains(tables, table) {
			return fmt.Errorf("%w: chunk size set for table %q not written by processor %q",
				ErrInvalidConfig, table, c.Processor.Type)
		}
		if size <= 0 {
			return fmt.Errorf("%w: chunk size for table %q must be positive", ErrInvalidConfig, table)
		}
	}

	switch c.Mode.Type {
	case ModeDefault:
	case ModeBackfill:
		if c.Mode.BackfillID == "" {
			return fmt.Errorf("%w: backfill mode requires backfill_id", ErrInvalidConfig)
		}
		if c.Mode.EndingVersion != nil && *c.Mode.EndingVersion < c.Mode.InitialStartingVersion {
			return fmt.Errorf("%w: ending_version %d is before initial_starting_version %d",
				ErrInvalidConfig, *c.Mode.EndingVersion, c.Mode.InitialStartingVersion)
		}
	case ModeTesting:
		if c.Mode.OverrideStartingVersion == nil {
			return fmt.Errorf("%w: testing mode requires override_starting_version", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode.Type)
	}

	if c.Source.Path == "" {
		return fmt.Errorf("%w: source.path is required", ErrInvalidConfig)
	}

	if c.Processor.Sink == SinkParquet {
		switch c.Parquet.Backend {
		case "local":
			if c.Parquet.BucketRoot == "" {
				return fmt.Errorf("%w: parquet.bucket_root is required", ErrInvalidConfig)
			}
		case "gcs", "s3":
			if c.Parquet.Bucket == "" {
				return fmt.Errorf("%w: parquet.bucket is required for backend %q", ErrInvalidConfig, c.Parquet.Backend)
			}
		default:
			return fmt.Errorf("%w: unknown parquet backend %q", ErrInvalidConfig, c.Parquet.Backend)
		}
	}

	return nil
}

// Tables returns every output table written by the processor.
func (p ProcessorConfig) Tables() []string {
	return processorTables[p.Type]
}

// ActiveTables returns the tables enabled by tables_to_write.
func (p ProcessorConfig) ActiveTables() []string {
	flags, _ := p.TableFlags()
	var out []string
	for _, table := range p.Tables() {
		if flags.Allows(table) {
			out = append(out, table)
		}
	}
	return out
}

// TableFlags parses tables_to_write against the processor's table list.
func (p ProcessorConfig) TableFlags() (TableFlags, error) {
	tables := processorTables[p.Type]
	for _, name := range p.TablesToWrite {
		if !slices.Contains(tables, name) {
			return 0, fmt.Errorf("%w: table %q is not written by processor %q", ErrInvalidConfig, name, p.Type)
		}
	}
	return ParseTableFlags(p.TablesToWrite)
}

// ProcessorID names the checkpoint row of this processor.
func (c *Config) ProcessorID() string {
	return c.Processor.Type + "_processor"
}

// ConnectionString returns a connection string for PostgreSQL
func (p PostgresConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		p.Host,
		p.Port,
		p.User,
		p.Password,
		p.Database,
		p.SSLMode,
		p.MaxConns,
	)
}
