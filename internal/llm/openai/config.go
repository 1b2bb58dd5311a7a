package openai

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/joseph-ayodele/paper-extract/internal/llm"
)

// Config for the OpenAI client.
type Config struct {
	APIKey            string        // if empty, falls back to env OPENAI_API_KEY
	BaseURL           string        // default https://api.openai.com/v1
	Model             string        // e.g., "gpt-4o-mini"
	Temperature       float32       // 0..2
	Timeout           time.Duration // http client timeout, per call
	RequestsPerMinute int           // client-side limiter; <= 0 disables it
	LenientOptional   bool
	// MaxReferenceRounds caps the follow-up calls of complete reference extraction.
	MaxReferenceRounds int
	// MaxRetries bounds the retries of a call answered with 429 or 5xx; < 0 disables them.
	MaxRetries   int
	RetryBackoff time.Duration // first retry delay, doubled per attempt
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *slog.Logger

	metadataSchema   *llm.Schema
	referencesSchema *llm.Schema
	fullTextSchema   *llm.Schema
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxReferenceRounds <= 0 {
		cfg.MaxReferenceRounds = 15
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return &Client{
		cfg:              cfg,
		httpClient:       &http.Client{Timeout: cfg.Timeout},
		limiter:          limiter,
		log:              logger,
		metadataSchema:   llm.MustCompileSchema("metadata", llm.BuildMetadataJSONSchema()),
		referencesSchema: llm.MustCompileSchema("references", llm.BuildReferencesJSONSchema()),
		fullTextSchema:   llm.MustCompileSchema("full_text", llm.BuildFullTextJSONSchema()),
	}
}
