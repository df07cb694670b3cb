// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings for the nexus-os server.
type Config struct {
	// AppEnv is the deployment environment ("dev", "prod").
	AppEnv string

	// ListenAddr is the HTTP listen address.
	ListenAddr string

	// DBPath is the path to the SQLite database file.
	DBPath string

	// ReadwiseToken authenticates against the reading-service APIs.
	ReadwiseToken string

	// OpenAIAPIKey authenticates against the OpenAI embedding and chat APIs.
	OpenAIAPIKey string

	// OllamaBaseURL is the base URL of the local Ollama server.
	OllamaBaseURL string

	// EmbeddingProvider selects the default embedding backend ("openai", "ollama").
	EmbeddingProvider string

	// EmbeddingModel is the default embedding model id.
	EmbeddingModel string

	// DigestModel is the default chat model used for digest generation.
	DigestModel string

	// RequireConfirmForCostlyRuns gates embed/digest runs behind a cost
	// confirmation step.
	RequireConfirmForCostlyRuns bool

	// MaxLLMCallsPerDay caps chat completions per day.
	MaxLLMCallsPerDay int

	// MaxEmbedCallsPerDay caps embedding batches per day.
	MaxEmbedCallsPerDay int

	// EmbedBatchSize is how many chunks one embedding call carries.
	EmbedBatchSize int

	// EmbedMaxConcurrent is how many embedding calls run at once.
	EmbedMaxConcurrent int
}

// FromEnv builds a Config from environment variables. A .env file in the
// working directory is loaded first when present.
func FromEnv() (*Config, error) {
	// Missing .env is fine; explicit environment always wins.
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:                      envString("APP_ENV", "dev"),
		ListenAddr:                  envString("LISTEN_ADDR", ":8080"),
		DBPath:                      envString("DB_PATH", "data/nexus.db"),
		ReadwiseToken:               strings.TrimSpace(os.Getenv("READWISE_TOKEN")),
		OpenAIAPIKey:                strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OllamaBaseURL:               envString("OLLAMA_BASE_URL", "http://localhost:11434"),
		EmbeddingProvider:           envString("EMBEDDING_PROVIDER", "openai"),
		EmbeddingModel:              envString("EMBEDDING_MODEL", "text-embedding-3-small"),
		DigestModel:                 envString("DIGEST_MODEL", "gpt-4.1-mini"),
		RequireConfirmForCostlyRuns: envBool("REQUIRE_CONFIRM_FOR_COSTLY_RUNS", true),
	}

	var err error
	if cfg.MaxLLMCallsPerDay, err = envInt("MAX_LLM_CALLS_PER_DAY", 50); err != nil {
		return nil, err
	}
	if cfg.MaxEmbedCallsPerDay, err = envInt("MAX_EMBED_CALLS_PER_DAY", 200); err != nil {
		return nil, err
	}
	if cfg.EmbedBatchSize, err = envInt("EMBED_BATCH_SIZE", 0); err != nil {
		return nil, err
	}
	if cfg.EmbedMaxConcurrent, err = envInt("EMBED_MAX_CONCURRENT", 0); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envString(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func envInt(name string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}
