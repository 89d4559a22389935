// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/newsharvest/internal/harvest"
)

// EnvPrefix prefixes every environment override, e.g. NEWSHARVEST_DATA_DIR.
const EnvPrefix = "NEWSHARVEST"

// Dedup backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Service providers. ProviderHTTP marks a plain endpoint that stages post to
// directly, such as Solr or a vector store.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
	ProviderHTTP   = "http"
)

// Config captures all run configuration knobs loaded via Viper.
type Config struct {
	DataDir  string                   `mapstructure:"data_dir" validate:"required"`
	LockFile string                   `mapstructure:"lock_file"`
	Dedup    DedupConfig              `mapstructure:"dedup"`
	Log      LogConfig                `mapstructure:"log"`
	Network  NetworkConfig            `mapstructure:"network"`
	Headless HeadlessConfig           `mapstructure:"headless"`
	Pipeline PipelineConfig           `mapstructure:"pipeline"`
	Services map[string]ServiceConfig `mapstructure:"services" validate:"dive"`
	Metrics  MetricsConfig            `mapstructure:"metrics"`
	Storage  StorageConfig            `mapstructure:"storage"`
	Database DatabaseConfig           `mapstructure:"database"`
	PubSub   PubSubConfig             `mapstructure:"pubsub"`

	// Stages holds the decoded stage list, in declaration order.
	Stages []harvest.StageDescriptor `mapstructure:"-"`
}

// DedupConfig selects and configures the dedup store.
type DedupConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=sqlite postgres memory"`
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn" validate:"required_if=Backend postgres"`
	Table   string `mapstructure:"table"`
}

// LogConfig controls the zap logger and its rotating file sink.
type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb" validate:"gt=0"`
	MaxBackups  int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays  int    `mapstructure:"max_age_days" validate:"gte=0"`
	Development bool   `mapstructure:"development"`
}

// NetworkConfig configures the politeness controller and static engine.
type NetworkConfig struct {
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout" validate:"gt=0"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gte=0"`
	RetryCount     int           `mapstructure:"retry_count" validate:"gte=0,lte=10"`
	FixedWait      time.Duration `mapstructure:"fixed_wait" validate:"gte=0"`
	MinJitter      time.Duration `mapstructure:"min_jitter" validate:"gte=0"`
	MaxJitter      time.Duration `mapstructure:"max_jitter" validate:"gtefield=MinJitter"`
	UserAgents     []string      `mapstructure:"user_agents" validate:"dive,required"`
	Proxy          ProxyConfig   `mapstructure:"proxy"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	MaxBodySize    int           `mapstructure:"max_body_size" validate:"gte=0"`
}

// ProxyConfig is an optional outbound proxy.
type ProxyConfig struct {
	URL      string `mapstructure:"url" validate:"omitempty,url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// HeadlessConfig configures the headless rendering engine.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel" validate:"gte=0"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout" validate:"gte=0"`
	// PromotionThreshold is the body size in bytes below which a script-heavy
	// page is treated as a client-rendered shell.
	PromotionThreshold int           `mapstructure:"promotion_threshold" validate:"gte=0"`
}

// PipelineConfig configures the document channel and checkpoints.
type PipelineConfig struct {
	QueueDepth      int  `mapstructure:"queue_depth" validate:"gt=0"`
	KeepCheckpoints bool `mapstructure:"keep_checkpoints"`
}

// ServiceConfig defines one external service.
type ServiceConfig struct {
	Provider          string        `mapstructure:"provider" validate:"omitempty,oneof=ollama openai gemini http"`
	ModelName         string        `mapstructure:"model_name"`
	APIURL            string        `mapstructure:"api_url" validate:"omitempty,url"`
	APIKeyEnv         string        `mapstructure:"api_key_env"`
	MaxContextLen     int           `mapstructure:"max_context_len" validate:"gte=0"`
	MaxGenTokens      int           `mapstructure:"max_gen_tokens" validate:"gte=0"`
	Temperature       float64       `mapstructure:"temperature" validate:"gte=0,lte=2"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"gte=0"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" validate:"gte=0"`
}

// APIKey reads the service key from the environment variable it names.
func (s ServiceConfig) APIKey() string {
	if s.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(s.APIKeyEnv)
}

// MetricsConfig controls the admin HTTP server. An empty address disables it.
// When APIKey is set, /v1 routes require it in the X-API-Key header.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
	APIKey     string `mapstructure:"api_key"`
}

// StorageConfig sets where artifacts go.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DatabaseConfig is the documents table used by database persistence.
type DatabaseConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// PubSubConfig holds metadata for publish notifications. Without a project
// ID notifications are kept in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoadDotEnv loads environment files, ignoring ones that do not exist, so
// API keys can live next to the configuration.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &harvest.ConfigError{Field: path, Err: fmt.Errorf("read config: %w", err)}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &harvest.ConfigError{Err: fmt.Errorf("unmarshal config: %w", err)}
	}

	descriptors, err := decodeStages(v.Get("stages"))
	if err != nil {
		return Config{}, err
	}
	cfg.Stages = descriptors
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data")
	v.SetDefault("lock_file", "")
	v.SetDefault("dedup.backend", BackendSQLite)
	v.SetDefault("dedup.path", "")
	v.SetDefault("dedup.dsn", "")
	v.SetDefault("dedup.table", "dedup_records")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 0)
	v.SetDefault("log.development", false)
	v.SetDefault("network.fetch_timeout", "30s")
	v.SetDefault("network.connect_timeout", "10s")
	v.SetDefault("network.retry_count", 2)
	v.SetDefault("network.fixed_wait", "2s")
	v.SetDefault("network.min_jitter", "0s")
	v.SetDefault("network.max_jitter", "1s")
	v.SetDefault("network.user_agents", []string{"newsharvest/1.0 (+https://github.com/JakeFAU/newsharvest)"})
	v.SetDefault("network.proxy.url", "")
	v.SetDefault("network.proxy.username", "")
	v.SetDefault("network.proxy.password", "")
	v.SetDefault("network.respect_robots", true)
	v.SetDefault("network.max_body_size", 10<<20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.navigation_timeout", "25s")
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("pipeline.queue_depth", 64)
	v.SetDefault("pipeline.keep_checkpoints", false)
	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("metrics.api_key", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "documents")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
}

// applyDerived fills paths that default to locations under DataDir and
// providers left implicit.
func (c *Config) applyDerived() {
	if c.DataDir == "" {
		return
	}
	if c.LockFile == "" {
		c.LockFile = filepath.Join(c.DataDir, "newsharvest.pid")
	}
	if c.Dedup.Backend == BackendSQLite && c.Dedup.Path == "" {
		c.Dedup.Path = filepath.Join(c.DataDir, "dedup.db")
	}
	for id, svc := range c.Services {
		if svc.Provider == "" {
			svc.Provider = ProviderHTTP
			if svc.ModelName != "" {
				svc.Provider = ProviderOllama
			}
			c.Services[id] = svc
		}
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return validationError("", err)
	}
	if len(c.Network.UserAgents) == 0 {
		return harvest.NewConfigError("network.user_agents", "at least one user agent is required")
	}
	for id, svc := range c.Services {
		switch svc.Provider {
		case ProviderOllama, ProviderOpenAI, ProviderGemini:
			if svc.ModelName == "" {
				return harvest.NewConfigError("services."+id+".model_name", "required for provider %s", svc.Provider)
			}
		case ProviderHTTP:
			if svc.APIURL == "" {
				return harvest.NewConfigError("services."+id+".api_url", "required for provider http")
			}
		}
	}

	seen := make(map[string]struct{}, len(c.Stages))
	for _, d := range c.Stages {
		if _, dup := seen[d.Name]; dup {
			return harvest.NewConfigError("stages."+d.Name, "duplicate stage name")
		}
		seen[d.Name] = struct{}{}
	}
	return nil
}

// RequireSources fails when a run would have nothing to retrieve.
func (c Config) RequireSources() error {
	if len(c.Sources()) == 0 {
		return harvest.NewConfigError("stages", "no enabled retriever")
	}
	return nil
}

// Sources returns the enabled retriever descriptors in declaration order.
func (c Config) Sources() []harvest.StageDescriptor {
	var out []harvest.StageDescriptor
	for _, d := range c.Stages {
		if d.Kind == harvest.KindRetriever && d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// Processors returns every data processor descriptor, enabled or not, in
// declaration order. The pipeline drops disabled ones and sorts the rest.
func (c Config) Processors() []harvest.StageDescriptor {
	var out []harvest.StageDescriptor
	for _, d := range c.Stages {
		if d.Kind == harvest.KindDataProcessor {
			out = append(out, d)
		}
	}
	return out
}

// RunsDir is where run summaries are written.
func (c Config) RunsDir() string { return filepath.Join(c.DataDir, "runs") }
