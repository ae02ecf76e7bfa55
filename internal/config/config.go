// Package config loads testgen configuration from a YAML file, a .env file
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config holds the complete testgen configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Pipeline    PipelineConfig    `koanf:"pipeline"`
	Segmenter   SegmenterConfig   `koanf:"segmenter"`
	Retrieval   RetrievalConfig   `koanf:"retrieval"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Generator   GeneratorConfig   `koanf:"generator"`
	Storage     StorageConfig     `koanf:"storage"`
	Database    DatabaseConfig    `koanf:"database"`
	Events      EventsConfig      `koanf:"events"`
	Redaction   RedactionConfig   `koanf:"redaction"`
	Temporal    TemporalConfig    `koanf:"temporal"`
	Inbox       InboxConfig       `koanf:"inbox"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig selects log level and encoding.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	OTEL     bool   `koanf:"otel"`
	Sampling bool   `koanf:"sampling"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"`
	Insecure       bool     `koanf:"insecure"`
	ServiceName    string   `koanf:"service_name"`
	ServiceVersion string   `koanf:"service_version"`
	SampleRate     float64  `koanf:"sample_rate"`
	MetricsEnabled bool     `koanf:"metrics_enabled"`
	ExportInterval Duration `koanf:"export_interval"`
}

// PipelineConfig controls orchestrator behaviour.
type PipelineConfig struct {
	// InterruptBeforeReview pauses every run at user_review until feedback
	// is submitted.
	InterruptBeforeReview bool     `koanf:"interrupt_before_review"`
	MaxSteps              int      `koanf:"max_steps"`
	FanoutLimit           int      `koanf:"fanout_limit"`
	GenerateScripts       bool     `koanf:"generate_scripts"`
	ScriptLanguage        string   `koanf:"script_language"`
	RunTimeout            Duration `koanf:"run_timeout"`
	// RetainRuns bounds how many finished runs the service keeps in memory.
	RetainRuns int `koanf:"retain_runs"`
}

// SegmenterConfig controls chunking of parsed documents.
type SegmenterConfig struct {
	ChunkSize    int `koanf:"chunk_size"`
	ChunkOverlap int `koanf:"chunk_overlap"`
}

// RetrievalConfig controls context retrieval and the raw-text fallback.
type RetrievalConfig struct {
	RequirementTopK   int    `koanf:"requirement_top_k"`
	FunctionPointTopK int    `koanf:"function_point_top_k"`
	FallbackChars     int    `koanf:"fallback_chars"`
	MaxContentChars   int    `koanf:"max_content_chars"`
	CollectionPrefix  string `koanf:"collection_prefix"`
}

// VectorStoreConfig selects and configures the vector index.
type VectorStoreConfig struct {
	Provider        string `koanf:"provider"`
	ChromemPath     string `koanf:"chromem_path"`
	ChromemCompress bool   `koanf:"chromem_compress"`
	QdrantHost      string `koanf:"qdrant_host"`
	QdrantPort      int    `koanf:"qdrant_port"`
	QdrantAPIKey    Secret `koanf:"qdrant_api_key"`
	QdrantUseTLS    bool   `koanf:"qdrant_use_tls"`
}

// EmbeddingsConfig selects the embedding model endpoint.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"`
	BaseURL  string `koanf:"base_url"`
	Model    string `koanf:"model"`
	APIKey   Secret `koanf:"api_key"`
	CacheDir string `koanf:"cache_dir"`
}

// GeneratorConfig selects the chat model used for artifact generation.
type GeneratorConfig struct {
	Provider          string   `koanf:"provider"`
	Model             string   `koanf:"model"`
	BaseURL           string   `koanf:"base_url"`
	APIKey            Secret   `koanf:"api_key"`
	Temperature       float64  `koanf:"temperature"`
	MaxTokens         int      `koanf:"max_tokens"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Burst             int      `koanf:"burst"`
	MaxContextTokens  int      `koanf:"max_context_tokens"`
	Timeout           Duration `koanf:"timeout"`
	MaxAttempts       int      `koanf:"max_attempts"`
}

// StorageConfig points at the S3-compatible document store.
type StorageConfig struct {
	Endpoint     string `koanf:"endpoint"`
	AccessKey    string `koanf:"access_key"`
	SecretKey    Secret `koanf:"secret_key"`
	UseSSL       bool   `koanf:"use_ssl"`
	Region       string `koanf:"region"`
	BucketPrefix string `koanf:"bucket_prefix"`
	LocalDir     string `koanf:"local_dir"`
}

// DatabaseConfig selects the SQL backend for artifacts and checkpoints.
type DatabaseConfig struct {
	Driver string `koanf:"driver"`
	DSN    Secret `koanf:"dsn"`
}

// EventsConfig controls the per-run event queue and optional NATS relay.
type EventsConfig struct {
	QueueSize     int      `koanf:"queue_size"`
	NATSURL       string   `koanf:"nats_url"`
	SubjectPrefix string   `koanf:"subject_prefix"`
	Heartbeat     Duration `koanf:"heartbeat"`
}

// RedactionConfig controls secret scrubbing of document text.
type RedactionConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// TemporalConfig configures the durable workflow runner.
type TemporalConfig struct {
	Enabled   bool   `koanf:"enabled"`
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// InboxConfig configures the drop-directory watcher.
type InboxConfig struct {
	Enabled bool   `koanf:"enabled"`
	Dir     string `koanf:"dir"`
}

// Default returns configuration with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Sampling: true,
		},
		Telemetry: TelemetryConfig{
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			Insecure:       true,
			ServiceName:    "testgen",
			ServiceVersion: "0.1.0",
			SampleRate:     1.0,
			MetricsEnabled: true,
			ExportInterval: Duration(15 * time.Second),
		},
		Pipeline: PipelineConfig{
			InterruptBeforeReview: true,
			MaxSteps:              64,
			ScriptLanguage:        "python",
			RunTimeout:            Duration(30 * time.Minute),
			RetainRuns:            256,
		},
		Segmenter: SegmenterConfig{
			ChunkSize:    500,
			ChunkOverlap: 50,
		},
		Retrieval: RetrievalConfig{
			RequirementTopK:   10,
			FunctionPointTopK: 5,
			FallbackChars:     12000,
			MaxContentChars:   65500,
			CollectionPrefix:  "doc_vectors",
		},
		VectorStore: VectorStoreConfig{
			Provider:        "chromem",
			ChromemPath:     "./data/vectors",
			ChromemCompress: true,
			QdrantHost:      "localhost",
			QdrantPort:      6334,
		},
		Embeddings: EmbeddingsConfig{
			Provider: "openai",
			BaseURL:  "https://api.openai.com/v1",
			Model:    "text-embedding-3-small",
		},
		Generator: GeneratorConfig{
			Provider:          "openai",
			Model:             "gpt-4o",
			Temperature:       0.2,
			MaxTokens:         4096,
			RequestsPerSecond: 4,
			Burst:             4,
			MaxContextTokens:  6000,
			Timeout:           Duration(2 * time.Minute),
			MaxAttempts:       2,
		},
		Storage: StorageConfig{
			Endpoint:     "localhost:9000",
			Region:       "us-east-1",
			BucketPrefix: "project",
			LocalDir:     "./data/uploads",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "./data/testgen.db",
		},
		Events: EventsConfig{
			QueueSize:     64,
			SubjectPrefix: "runs",
			Heartbeat:     Duration(15 * time.Second),
		},
		Redaction: RedactionConfig{
			Enabled: true,
		},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "testgen-pipeline",
		},
		Inbox: InboxConfig{
			Dir: "./data/inbox",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate))
	}
	if c.Pipeline.MaxSteps < 1 {
		errs = append(errs, errors.New("pipeline.max_steps must be positive"))
	}
	if c.Pipeline.FanoutLimit < 0 {
		errs = append(errs, errors.New("pipeline.fanout_limit cannot be negative"))
	}
	switch c.Pipeline.ScriptLanguage {
	case "python", "java":
	default:
		errs = append(errs, fmt.Errorf("pipeline.script_language must be python or java, got %q", c.Pipeline.ScriptLanguage))
	}
	if c.Segmenter.ChunkSize < 1 {
		errs = append(errs, errors.New("segmenter.chunk_size must be positive"))
	}
	if c.Segmenter.ChunkOverlap < 0 || c.Segmenter.ChunkOverlap >= c.Segmenter.ChunkSize {
		errs = append(errs, errors.New("segmenter.chunk_overlap must be in [0, chunk_size)"))
	}
	if c.Retrieval.RequirementTopK < 1 || c.Retrieval.FunctionPointTopK < 1 {
		errs = append(errs, errors.New("retrieval top_k values must be positive"))
	}
	if c.Retrieval.FallbackChars < 1 {
		errs = append(errs, errors.New("retrieval.fallback_chars must be positive"))
	}
	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("vectorstore.provider must be chromem or qdrant, got %q", c.VectorStore.Provider))
	}
	switch c.Embeddings.Provider {
	case "openai", "tei", "fastembed":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be openai, tei or fastembed, got %q", c.Embeddings.Provider))
	}
	if c.Embeddings.Provider != "fastembed" {
		if _, err := url.ParseRequestURI(c.Embeddings.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("embeddings.base_url: %w", err))
		}
	}
	switch c.Generator.Provider {
	case "openai", "anthropic", "ollama":
	default:
		errs = append(errs, fmt.Errorf("generator.provider must be openai, anthropic or ollama, got %q", c.Generator.Provider))
	}
	if c.Generator.MaxAttempts < 1 {
		errs = append(errs, errors.New("generator.max_attempts must be positive"))
	}
	switch c.Database.Driver {
	case "sqlite", "pgx", "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite, pgx or memory, got %q", c.Database.Driver))
	}
	if c.Events.QueueSize < 1 {
		errs = append(errs, errors.New("events.queue_size must be positive"))
	}

	return errors.Join(errs...)
}
