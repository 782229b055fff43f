// Package config defines every runtime knob for the ingestion core.
// Loading order: defaults, then an optional YAML file, then environment
// overrides. No implicit globals; the composition root passes Config down.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for all binaries.
type Config struct {
	GroupIDDefault string `yaml:"group_id_default"`

	Queue      QueueConfig      `yaml:"queue"`
	Graph      GraphConfig      `yaml:"graph"`
	LLM        LLMConfig        `yaml:"llm"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Worker     WorkerConfig     `yaml:"worker"`
	Resolution ResolutionConfig `yaml:"resolution"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Stream     StreamConfig     `yaml:"stream"`
	Relevance  RelevanceConfig  `yaml:"relevance"`
	Sync       SyncConfig       `yaml:"sync"`
	HTTP       HTTPConfig       `yaml:"http"`
	Search     SearchConfig     `yaml:"search"`
}

// QueueConfig covers both the queue server and its clients.
type QueueConfig struct {
	// Listen is the queue server bind address (server side).
	Listen string `yaml:"listen"`
	// URL is the address clients dial (host:port).
	URL string `yaml:"url"`
	// RedisAddr backs queue state; restart safety rides on Redis persistence.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	// UseForIngestion=false routes ingestion synchronously, bypassing C1.
	UseForIngestion bool   `yaml:"use_for_ingestion"`
	IngestionQueue  string `yaml:"ingestion_queue"`
	DeadLetterQueue string `yaml:"dead_letter_queue"`
}

// GraphConfig selects and parameterizes the primary (and optional
// secondary) graph store backends.
type GraphConfig struct {
	// Backend is "dgraph" or "redisgraph".
	Backend  string `yaml:"backend"`
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	// MaxConcurrent bounds in-flight store calls per adapter.
	MaxConcurrent int           `yaml:"max_concurrent"`
	QueryTimeout  time.Duration `yaml:"query_timeout"`

	// Secondary mirrors the primary shape for the sync orchestrator.
	SecondaryBackend string `yaml:"secondary_backend"`
	SecondaryURI     string `yaml:"secondary_uri"`
}

// LLMConfig parameterizes the chat-completion adapter.
type LLMConfig struct {
	ProviderURL string        `yaml:"provider_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	SmallModel  string        `yaml:"small_model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	// MaxConcurrent bounds outstanding completions across the process.
	MaxConcurrent int `yaml:"max_concurrent"`
	SchemaRetries int `yaml:"schema_retries"`
}

// EmbeddingConfig parameterizes the embedding adapter.
type EmbeddingConfig struct {
	ProviderURL string        `yaml:"provider_url"`
	Model       string        `yaml:"model"`
	Dimension   int           `yaml:"dimension"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// WorkerConfig parameterizes the ingestion worker pool.
type WorkerConfig struct {
	Parallelism       int           `yaml:"parallelism"`
	BatchSize         int           `yaml:"batch_size"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	TaskDeadline      time.Duration `yaml:"task_deadline"`
	MaxRetries        int           `yaml:"max_retries"`
	// Empty-poll backoff bounds.
	PollBackoffMin time.Duration `yaml:"poll_backoff_min"`
	PollBackoffMax time.Duration `yaml:"poll_backoff_max"`
	// Rate limiting ahead of LLM-bound work.
	GlobalRatePerSec int `yaml:"global_rate_per_sec"`
	GroupRatePerMin  int `yaml:"group_rate_per_min"`
}

// ResolutionConfig holds deduplication thresholds.
type ResolutionConfig struct {
	SimHigh    float64 `yaml:"sim_high"`
	NameExact  float64 `yaml:"name_exact"`
	EdgeSim    float64 `yaml:"edge_sim"`
	CrossGroup bool    `yaml:"cross_group"`
	TopK       int     `yaml:"top_k"`
	// MaxNameLength discards extracted names longer than this.
	MaxNameLength int `yaml:"max_name_length"`
	ContextWindow int `yaml:"context_window"`
}

// DispatchConfig parameterizes the event dispatcher.
type DispatchConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	Workers         int           `yaml:"workers"`
	WebhookURL      string        `yaml:"webhook_url"`
	WebhookTimeout  time.Duration `yaml:"webhook_timeout"`
	WebhookRetries  int           `yaml:"webhook_retries"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
	// NATSAddr enables the JetStream event journal when non-empty.
	NATSAddr   string `yaml:"nats_addr"`
	NATSStream string `yaml:"nats_stream"`
}

// StreamConfig parameterizes the WebSocket broadcaster.
type StreamConfig struct {
	MaxPending   int           `yaml:"max_pending"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
}

// RelevanceConfig parameterizes the feedback collector.
type RelevanceConfig struct {
	Alpha        float64       `yaml:"alpha"`
	CommitWindow time.Duration `yaml:"commit_window"`
	MaxPending   int           `yaml:"max_pending"`
}

// SyncConfig parameterizes the cross-store mirror.
type SyncConfig struct {
	EnableContinuous bool          `yaml:"enable_continuous"`
	Interval         time.Duration `yaml:"interval"`
	FullOnStartup    bool          `yaml:"full_on_startup"`
	PageSize         int           `yaml:"page_size"`
	PageRetries      int           `yaml:"page_retries"`
	TruncateTarget   bool          `yaml:"truncate_target"`
}

// HTTPConfig parameterizes the API server.
type HTTPConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// SearchConfig parameterizes the full-text index.
type SearchConfig struct {
	IndexPath string `yaml:"index_path"`
	InMemory  bool   `yaml:"in_memory"`
	RRFK      int    `yaml:"rrf_k"`
}

// Default returns the baseline configuration. Every value here matches
// the documented default; env and YAML only override.
func Default() Config {
	return Config{
		GroupIDDefault: "default",
		Queue: QueueConfig{
			Listen:          ":8093",
			URL:             "localhost:8093",
			RedisAddr:       "localhost:6379",
			UseForIngestion: true,
			IngestionQueue:  "ingestion",
			DeadLetterQueue: "dead_letter",
		},
		Graph: GraphConfig{
			Backend:       "dgraph",
			URI:           "localhost:9080",
			MaxConcurrent: 16,
			QueryTimeout:  30 * time.Second,
		},
		LLM: LLMConfig{
			ProviderURL:   "http://localhost:8000",
			Model:         "gpt-4.1-mini",
			SmallModel:    "gpt-4.1-nano",
			MaxTokens:     4096,
			Timeout:       60 * time.Second,
			MaxConcurrent: 8,
			SchemaRetries: 3,
		},
		Embedding: EmbeddingConfig{
			ProviderURL: "http://localhost:11434",
			Model:       "nomic-embed-text",
			Dimension:   768,
			Timeout:     30 * time.Second,
			MaxRetries:  3,
		},
		Worker: WorkerConfig{
			Parallelism:       4,
			BatchSize:         10,
			VisibilityTimeout: 300 * time.Second,
			TaskDeadline:      5 * time.Minute,
			MaxRetries:        3,
			PollBackoffMin:    100 * time.Millisecond,
			PollBackoffMax:    5 * time.Second,
			GlobalRatePerSec:  100,
			GroupRatePerMin:   60,
		},
		Resolution: ResolutionConfig{
			SimHigh:       0.92,
			NameExact:     0.95,
			EdgeSim:       0.95,
			CrossGroup:    false,
			TopK:          10,
			MaxNameLength: 256,
			ContextWindow: 5,
		},
		Dispatch: DispatchConfig{
			QueueSize:       10000,
			Workers:         3,
			WebhookTimeout:  5 * time.Second,
			WebhookRetries:  3,
			BreakerFailures: 10,
			BreakerCooldown: 60 * time.Second,
			NATSStream:      "GRAPH_EVENTS",
		},
		Stream: StreamConfig{
			MaxPending:   1000,
			WriteTimeout: 2 * time.Second,
			PingInterval: 30 * time.Second,
			PongTimeout:  60 * time.Second,
		},
		Relevance: RelevanceConfig{
			Alpha:        0.2,
			CommitWindow: time.Second,
			MaxPending:   256,
		},
		Sync: SyncConfig{
			Interval:    60 * time.Second,
			PageSize:    500,
			PageRetries: 3,
		},
		HTTP: HTTPConfig{
			Port:           "8080",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Search: SearchConfig{
			IndexPath: "./data/facts.bleve",
			RRFK:      60,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (empty path and CONFIG_FILE unset skip the file), then environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.GroupIDDefault, "GROUP_ID_DEFAULT")

	setString(&c.Queue.Listen, "QUEUE_LISTEN")
	setString(&c.Queue.URL, "QUEUE_URL")
	setString(&c.Queue.RedisAddr, "QUEUE_REDIS_ADDR")
	setBool(&c.Queue.UseForIngestion, "USE_QUEUE_FOR_INGESTION")

	setString(&c.Graph.Backend, "GRAPH_BACKEND")
	setString(&c.Graph.URI, "GRAPH_URI")
	setString(&c.Graph.User, "GRAPH_USER")
	setString(&c.Graph.Password, "GRAPH_PASSWORD")
	setString(&c.Graph.Database, "GRAPH_DATABASE")
	setString(&c.Graph.SecondaryBackend, "GRAPH_SECONDARY_BACKEND")
	setString(&c.Graph.SecondaryURI, "GRAPH_SECONDARY_URI")

	setString(&c.LLM.ProviderURL, "LLM_PROVIDER_URL")
	setString(&c.LLM.APIKey, "LLM_API_KEY")
	setString(&c.LLM.Model, "LLM_MODEL")
	setString(&c.LLM.SmallModel, "LLM_SMALL_MODEL")

	setString(&c.Embedding.ProviderURL, "EMBED_PROVIDER_URL")
	setString(&c.Embedding.Model, "EMBED_MODEL")
	setInt(&c.Embedding.Dimension, "EMBED_DIMENSION")

	setFloat(&c.Resolution.SimHigh, "SIM_HIGH")
	setFloat(&c.Resolution.NameExact, "NAME_EXACT")
	setFloat(&c.Resolution.EdgeSim, "EDGE_SIM")
	setBool(&c.Resolution.CrossGroup, "ENABLE_CROSS_GRAPH_DEDUPLICATION")

	setInt(&c.Worker.Parallelism, "WORKER_PARALLELISM")
	setInt(&c.Worker.BatchSize, "BATCH_SIZE")
	setSeconds(&c.Worker.VisibilityTimeout, "VISIBILITY_TIMEOUT")

	setString(&c.Dispatch.WebhookURL, "WEBHOOK_URL")
	setString(&c.Dispatch.NATSAddr, "NATS_URL")

	setBool(&c.Sync.EnableContinuous, "SYNC_ENABLE_CONTINUOUS")
	setSeconds(&c.Sync.Interval, "SYNC_INTERVAL_SECONDS")
	setBool(&c.Sync.FullOnStartup, "SYNC_FULL_ON_STARTUP")

	setString(&c.HTTP.Port, "PORT")
	setString(&c.Search.IndexPath, "SEARCH_INDEX_PATH")
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Worker.Parallelism < 1 {
		return fmt.Errorf("worker parallelism must be >= 1, got %d", c.Worker.Parallelism)
	}
	if c.Worker.BatchSize < 1 {
		return fmt.Errorf("worker batch size must be >= 1, got %d", c.Worker.BatchSize)
	}
	if c.Worker.VisibilityTimeout <= 0 {
		return fmt.Errorf("visibility timeout must be positive, got %s", c.Worker.VisibilityTimeout)
	}
	for name, v := range map[string]float64{
		"sim_high":   c.Resolution.SimHigh,
		"name_exact": c.Resolution.NameExact,
		"edge_sim":   c.Resolution.EdgeSim,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1], got %f", name, v)
		}
	}
	if c.Relevance.Alpha <= 0 || c.Relevance.Alpha > 1 {
		return fmt.Errorf("relevance alpha must be in (0,1], got %f", c.Relevance.Alpha)
	}
	if c.Sync.PageSize < 1 {
		return fmt.Errorf("sync page size must be >= 1, got %d", c.Sync.PageSize)
	}
	switch c.Graph.Backend {
	case "dgraph", "redisgraph":
	default:
		return fmt.Errorf("unknown graph backend %q", c.Graph.Backend)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
