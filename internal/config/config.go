// Package config loads configuration from environment variables and .env files.
package config

import (
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the adaptive retrieval service
type Config struct {
	// Server
	HTTPPort    int    `env:"HTTP_PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// PostgreSQL (empty means in-memory persistence, for dev and tests)
	DatabaseURL string `env:"DATABASE_URL" envDefault:""`

	// Qdrant
	QdrantGRPCURL    string `env:"QDRANT_GRPC_URL" envDefault:"localhost:6334"`
	QdrantCollection string `env:"QDRANT_COLLECTION" envDefault:"documents"`

	// Model backends: "ollama" or "openai"
	ModelProvider        string `env:"MODEL_PROVIDER" envDefault:"ollama"`
	OllamaURL            string `env:"OLLAMA_URL" envDefault:"http://localhost:11434"`
	OllamaEmbeddingModel string `env:"OLLAMA_EMBEDDING_MODEL" envDefault:"nomic-embed-text"`
	OllamaLLMModel       string `env:"OLLAMA_LLM_MODEL" envDefault:"llama3.2"`
	OpenAIAPIKey         string `env:"OPENAI_API_KEY" envDefault:""`
	OpenAIEmbeddingModel string `env:"OPENAI_EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	OpenAILLMModel       string `env:"OPENAI_LLM_MODEL" envDefault:"gpt-4o-mini"`
	EmbeddingDimension   int    `env:"EMBEDDING_DIMENSION" envDefault:"768"`

	// Retrieval
	ExpansionCount int     `env:"EXPANSION_COUNT" envDefault:"3"`
	TopK           int     `env:"TOP_K" envDefault:"10"`
	TopM           int     `env:"TOP_M" envDefault:"5"`
	MinScore       float32 `env:"MIN_SCORE" envDefault:"0"`

	// Feedback and training
	PenaltyWeight      float32       `env:"PENALTY_WEIGHT" envDefault:"0.05"`
	TrainingThreshold  int           `env:"TRAINING_THRESHOLD" envDefault:"50"`
	TrainingEpochs     int           `env:"TRAINING_EPOCHS" envDefault:"50"`
	LearningRate       float32       `env:"LEARNING_RATE" envDefault:"0.01"`
	RegularizationL2   float32       `env:"REGULARIZATION_L2" envDefault:"0.1"`
	RatingWindow       time.Duration `env:"RATING_WINDOW" envDefault:"1h"`
	AdaptorGrace       int           `env:"ADAPTOR_GRACE_VERSIONS" envDefault:"2"`
	BackgroundTraining time.Duration `env:"BACKGROUND_TRAINING_INTERVAL" envDefault:"1h"`

	// External call retries
	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY" envDefault:"200ms"`

	// Auth
	JWTSecret    string        `env:"JWT_SECRET" envDefault:"change-this-in-production"`
	JWTExpiry    time.Duration `env:"JWT_EXPIRY" envDefault:"24h"`
	DemoUser     string        `env:"DEMO_USER" envDefault:"demo"`
	DemoPassword string        `env:"DEMO_PASSWORD" envDefault:"demo123"`
}

// Load loads configuration from .env file (if present) and environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
