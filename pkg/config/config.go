package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Warehouse WarehouseConfig
	Store     StoreConfig
	Redis     RedisConfig
	Sync      SyncConfig
	Pipeline  PipelineConfig
	Logging   LoggingConfig
	Tracing   TracingConfig
}

type ServerConfig struct {
	Host              string
	Port              int
	ReadTimeout       int
	WriteTimeout      int
	BodyLimit         int
	RequestsPerMinute int
	AllowedOrigins    []string
	IsDevelopment     bool
}

type WarehouseConfig struct {
	// Driver is "bigquery" or "duckdb".
	Driver          string
	ProjectID       string
	Dataset         string
	Table           string
	Location        string
	CredentialsFile string
	DuckDBPath      string
	TimeoutSec      int
}

type StoreConfig struct {
	// Driver is "postgres", "sqlite", "supabase" or "memory".
	Driver      string
	PostgresDSN string
	MaxConns    int
	ViaBouncer  bool
	Schema      string
	SQLitePath  string
	SupabaseURL string
	SupabaseKey string
}

type RedisConfig struct {
	Enabled   bool
	Host      string
	Port      int
	Password  string
	DB        int
	ReportTTL int
}

type SyncConfig struct {
	BatchSize        int
	MaxRetries       int
	RetryBaseDelayMs int
	ContinueOnError  bool
	PeriodDays       int
	LookbackDays     int
}

type PipelineConfig struct {
	ID                   string
	LockTTLSec           int
	HistoryRetentionDays int
	SchedulerEnabled     bool
	SchedulerIntervalSec int
}

type LoggingConfig struct {
	Level            string
	Format           string
	OutputPath       string
	SampleInitial    int
	SampleThereafter int
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

func (c PipelineConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSec) * time.Second
}

func (c PipelineConfig) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

func (c PipelineConfig) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSec) * time.Second
}

func (c SyncConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

func (c RedisConfig) TTL() time.Duration {
	return time.Duration(c.ReportTTL) * time.Second
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/sqp-sync")

	v.SetEnvPrefix("SQP_SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Warehouse.Driver {
	case "bigquery", "duckdb":
	default:
		return fmt.Errorf("unsupported warehouse driver %q", c.Warehouse.Driver)
	}
	switch c.Store.Driver {
	case "postgres", "sqlite", "supabase", "memory":
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batchSize must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.maxRetries must not be negative, got %d", c.Sync.MaxRetries)
	}
	if c.Pipeline.ID == "" {
		return fmt.Errorf("pipeline.id is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.requestsPerMinute", 120)
	v.SetDefault("server.allowedOrigins", []string{})
	v.SetDefault("server.isDevelopment", false)

	v.SetDefault("warehouse.driver", "bigquery")
	v.SetDefault("warehouse.projectID", "")
	v.SetDefault("warehouse.dataset", "amazon_analytics")
	v.SetDefault("warehouse.table", "search_query_performance")
	v.SetDefault("warehouse.location", "US")
	v.SetDefault("warehouse.credentialsFile", "")
	v.SetDefault("warehouse.duckDBPath", "./data/warehouse.duckdb")
	v.SetDefault("warehouse.timeoutSec", 300)

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.postgresDSN", "postgres://localhost:5432/sqp?sslmode=disable")
	v.SetDefault("store.maxConns", 4)
	v.SetDefault("store.viaBouncer", false)
	v.SetDefault("store.schema", "sqp")
	v.SetDefault("store.sqlitePath", "./data/sqp.db")
	v.SetDefault("store.supabaseURL", "")
	v.SetDefault("store.supabaseKey", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.reportTTL", 900)

	v.SetDefault("sync.batchSize", 500)
	v.SetDefault("sync.maxRetries", 5)
	v.SetDefault("sync.retryBaseDelayMs", 1000)
	v.SetDefault("sync.continueOnError", false)
	v.SetDefault("sync.periodDays", 7)
	v.SetDefault("sync.lookbackDays", 28)

	v.SetDefault("pipeline.id", "sqp-weekly-sync")
	v.SetDefault("pipeline.lockTTLSec", 300)
	v.SetDefault("pipeline.historyRetentionDays", 30)
	v.SetDefault("pipeline.schedulerEnabled", true)
	v.SetDefault("pipeline.schedulerIntervalSec", 300)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.sampleInitial", 100)
	v.SetDefault("logging.sampleThereafter", 100)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "sqp-sync")
}
