package config

import (
	"errors"
	"fmt"
	"net/url"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate reports every missing or malformed setting. Callers treat a
// non-empty result as a fatal startup error.
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Database: also backs the job queue
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errors = append(errors, ValidationError{
			Field:   "database.driver",
			Message: "driver must be postgres or sqlite",
		})
	}

	if c.Database.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "database.url",
			Message: "database URL is required",
		})
	} else if c.Database.Driver == "postgres" {
		if u, err := url.Parse(c.Database.URL); err != nil || u.Scheme == "" {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "invalid database URL",
			})
		}
	}

	if c.Database.VectorDim < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.vector_dim",
			Message: "vector_dim must be positive",
		})
	}

	// Storage
	switch c.Storage.Backend {
	case "":
		errors = append(errors, ValidationError{
			Field:   "storage.backend",
			Message: "storage backend is required",
		})
	case "local":
		if c.Storage.Local.Root == "" {
			errors = append(errors, ValidationError{
				Field:   "storage.local.root",
				Message: "root directory is required for the local backend",
			})
		}
	case "s3":
		if c.Storage.S3.Endpoint == "" {
			errors = append(errors, ValidationError{
				Field:   "storage.s3.endpoint",
				Message: "endpoint is required for the s3 backend",
			})
		}
		if c.Storage.S3.Bucket == "" {
			errors = append(errors, ValidationError{
				Field:   "storage.s3.bucket",
				Message: "bucket is required for the s3 backend",
			})
		}
		if c.Storage.S3.AccessKey == "" || c.Storage.S3.SecretKey == "" {
			errors = append(errors, ValidationError{
				Field:   "storage.s3.access_key",
				Message: "access and secret keys are required for the s3 backend",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("unknown storage backend: %s", c.Storage.Backend),
		})
	}

	// LLM provider credentials
	switch c.LLM.Provider {
	case "ollama":
		if c.LLM.BaseURL == "" {
			errors = append(errors, ValidationError{
				Field:   "llm.base_url",
				Message: "Ollama base URL is required",
			})
		} else if u, err := url.Parse(c.LLM.BaseURL); err != nil || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "llm.base_url",
				Message: "invalid Ollama base URL",
			})
		}
	case "openai":
		if c.LLM.APIKey == "" {
			errors = append(errors, ValidationError{
				Field:   "llm.api_key",
				Message: "API key is required for the openai provider",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("unknown llm provider: %s", c.LLM.Provider),
		})
	}

	if c.LLM.RequestsPerSecond <= 0 {
		errors = append(errors, ValidationError{
			Field:   "llm.requests_per_second",
			Message: "requests_per_second must be positive",
		})
	}

	if c.LLM.RequestTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "llm.request_timeout",
			Message: "request_timeout must be positive",
		})
	}

	// Parser
	if c.Parser.RemoteURL != "" {
		if u, err := url.Parse(c.Parser.RemoteURL); err != nil || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "parser.remote_url",
				Message: "invalid parser URL",
			})
		}
	}

	if c.Parser.MaxResponseMB < 1 {
		errors = append(errors, ValidationError{
			Field:   "parser.max_response_mb",
			Message: "max_response_mb must be positive",
		})
	}

	// Processor
	if c.Processor.TargetTokens < 1 {
		errors = append(errors, ValidationError{
			Field:   "processor.target_tokens",
			Message: "target_tokens must be positive",
		})
	}

	if c.Processor.InsertBatchSize < 1 || c.Processor.InsertBatchSize > 50 {
		errors = append(errors, ValidationError{
			Field:   "processor.insert_batch_size",
			Message: "insert_batch_size must be between 1 and 50",
		})
	}

	if c.Processor.OverlapSentences < 0 {
		errors = append(errors, ValidationError{
			Field:   "processor.overlap_sentences",
			Message: "overlap_sentences must be non-negative",
		})
	}

	// Queue
	if c.Queue.MaxAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "queue.max_attempts",
			Message: "max_attempts must be positive",
		})
	}

	if c.Queue.DocumentWorkers < 1 || c.Queue.DrawingWorkers < 1 || c.Queue.ChunkWorkers < 1 {
		errors = append(errors, ValidationError{
			Field:   "queue.workers",
			Message: "worker counts must be positive",
		})
	}

	return errors
}

// Err joins the result of Validate into a single error, or nil.
func (c *Config) Err() error {
	var joined []error
	for _, v := range c.Validate() {
		joined = append(joined, v)
	}
	return errors.Join(joined...)
}
