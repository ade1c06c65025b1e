package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	LLM       LLMConfig       `yaml:"llm"`
	Parser    ParserConfig    `yaml:"parser"`
	Processor ProcessorConfig `yaml:"processor"`
	Queue     QueueConfig     `yaml:"queue"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // postgres or sqlite
	URL          string `yaml:"url"`
	VectorDim    int    `yaml:"vector_dim"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"` // local or s3
	Local   struct {
		Root string `yaml:"root"`
	} `yaml:"local"`
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type LLMConfig struct {
	Provider          string        `yaml:"provider"` // ollama or openai
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	EmbeddingModel    string        `yaml:"embedding_model"`
	VisionModel       string        `yaml:"vision_model"`
	EmbedBatchSize    int           `yaml:"embed_batch_size"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type ParserConfig struct {
	RemoteURL     string        `yaml:"remote_url"`
	Timeout       time.Duration `yaml:"timeout"`
	RateLimit     float64       `yaml:"rate_limit"`
	MaxResponseMB int64         `yaml:"max_response_mb"`
}

type ProcessorConfig struct {
	TargetTokens     int `yaml:"target_tokens"`
	OverlapSentences int `yaml:"overlap_sentences"`
	InsertBatchSize  int `yaml:"insert_batch_size"`
	EmbedBatchTokens int `yaml:"embed_batch_tokens"`
}

type QueueConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	ClaimTimeout    time.Duration `yaml:"claim_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetentionDays   int           `yaml:"retention_days"`
	DocumentWorkers int           `yaml:"document_workers"`
	DrawingWorkers  int           `yaml:"drawing_workers"`
	ChunkWorkers    int           `yaml:"chunk_workers"`
}

type ServerConfig struct {
	Listen      string `yaml:"listen"`
	MaxUploadMB int64  `yaml:"max_upload_mb"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/docflow/config.yaml"),
			"/etc/docflow/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %v", err)
	}

	mergeWithEnv(&config)
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.Database.Driver == "" {
		config.Database.Driver = "postgres"
	}
	if config.Database.VectorDim == 0 {
		config.Database.VectorDim = 768
	}
	if config.Database.MaxOpenConns == 0 {
		config.Database.MaxOpenConns = 10
	}

	if config.Storage.Backend == "local" && config.Storage.Local.Root == "" {
		config.Storage.Local.Root = "./data/blobs"
	}
	if config.Storage.S3.Region == "" {
		config.Storage.S3.Region = "us-east-1"
	}

	if config.LLM.Provider == "" {
		config.LLM.Provider = "ollama"
	}
	if config.LLM.Provider == "ollama" && config.LLM.BaseURL == "" {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.EmbeddingModel == "" {
		config.LLM.EmbeddingModel = "nomic-embed-text:latest"
	}
	if config.LLM.VisionModel == "" {
		config.LLM.VisionModel = "llava"
	}
	if config.LLM.EmbedBatchSize == 0 {
		config.LLM.EmbedBatchSize = 32
	}
	if config.LLM.RequestTimeout == 0 {
		config.LLM.RequestTimeout = 60 * time.Second
	}
	if config.LLM.MaxRetries == 0 {
		config.LLM.MaxRetries = 3
	}
	if config.LLM.RequestsPerSecond == 0 {
		config.LLM.RequestsPerSecond = 5
	}

	if config.Parser.Timeout == 0 {
		config.Parser.Timeout = 30 * time.Second
	}
	if config.Parser.RateLimit == 0 {
		config.Parser.RateLimit = 2.0
	}
	if config.Parser.MaxResponseMB == 0 {
		config.Parser.MaxResponseMB = 32
	}

	if config.Processor.TargetTokens == 0 {
		config.Processor.TargetTokens = 400
	}
	if config.Processor.InsertBatchSize == 0 {
		config.Processor.InsertBatchSize = 50
	}
	if config.Processor.EmbedBatchTokens == 0 {
		config.Processor.EmbedBatchTokens = 8000
	}

	if config.Queue.PollInterval == 0 {
		config.Queue.PollInterval = 2 * time.Second
	}
	if config.Queue.ClaimTimeout == 0 {
		config.Queue.ClaimTimeout = 10 * time.Minute
	}
	if config.Queue.MaxAttempts == 0 {
		config.Queue.MaxAttempts = 3
	}
	if config.Queue.RetryBackoff == 0 {
		config.Queue.RetryBackoff = 30 * time.Second
	}
	if config.Queue.RetentionDays == 0 {
		config.Queue.RetentionDays = 7
	}
	if config.Queue.DocumentWorkers == 0 {
		config.Queue.DocumentWorkers = 2
	}
	if config.Queue.DrawingWorkers == 0 {
		config.Queue.DrawingWorkers = 5
	}
	if config.Queue.ChunkWorkers == 0 {
		config.Queue.ChunkWorkers = 2
	}

	if config.Server.Listen == "" {
		config.Server.Listen = ":8080"
	}
	if config.Server.MaxUploadMB == 0 {
		config.Server.MaxUploadMB = 100
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}
}

func mergeWithEnv(config *Config) {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.LLM.APIKey = apiKey
	}
	if backend := os.Getenv("DOCFLOW_STORAGE_BACKEND"); backend != "" {
		config.Storage.Backend = backend
	}
	if key := os.Getenv("S3_ACCESS_KEY"); key != "" {
		config.Storage.S3.AccessKey = key
	}
	if secret := os.Getenv("S3_SECRET_KEY"); secret != "" {
		config.Storage.S3.SecretKey = secret
	}
	if listen := os.Getenv("DOCFLOW_LISTEN"); listen != "" {
		config.Server.Listen = listen
	}
}
