package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bdobrica/kioku/common/redact"
	"github.com/bdobrica/kioku/common/version"
)

const (
	defaultEmbeddingBase    = "https://api.openai.com/v1"
	defaultEmbeddingModel   = "text-embedding-3-small"
	defaultEmbeddingTimeout = 30 * time.Second
)

// OpenAIEmbedderConfig configures the OpenAI embedding provider.
type OpenAIEmbedderConfig struct {
	// APIKey is the bearer token for authentication.
	APIKey string

	// BaseURL overrides the API endpoint. Defaults to https://api.openai.com/v1
	// when empty. Useful for Azure OpenAI, local proxies, or compatible endpoints.
	BaseURL string

	// Model is the embedding model to use.
	// Defaults to text-embedding-3-small (1536-dim).
	Model string

	// Dimensions asks the API for shortened vectors when > 0. Only the
	// text-embedding-3 family honours it.
	Dimensions int

	// Timeout bounds a single embedding call. Defaults to 30 s.
	Timeout time.Duration
}

// OpenAIEmbedder implements Embedder using the OpenAI Embeddings API.
// It is safe for concurrent use.
type OpenAIEmbedder struct {
	cfg    OpenAIEmbedderConfig
	client *http.Client
}

// NewOpenAIEmbedder creates an Embedder backed by the OpenAI (or compatible)
// embeddings API.
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) *OpenAIEmbedder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultEmbeddingBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultEmbeddingModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultEmbeddingTimeout
	}
	return &OpenAIEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- minimal OpenAI embeddings wire types ---

type embeddingRequest struct {
	Input      string `json:"input"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// Embed produces a vector embedding for the given text. Rate limits, 5xx
// responses and network errors are wrapped with ErrTransient.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New("embedder openai: empty text")
	}

	data, err := json.Marshal(embeddingRequest{
		Input:      text,
		Model:      e.cfg.Model,
		Dimensions: e.cfg.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("embedder openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.cfg.BaseURL+"/embeddings",
		bytes.NewReader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("embedder openai: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := e.client.Do(httpReq)
	if err != nil {
		// Transport failures (refused connections, client timeouts) are
		// all worth another attempt on a later pass.
		return nil, fmt.Errorf("embedder openai: %w: http request: %s", ErrTransient, redact.String(err.Error(), e.cfg.APIKey))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedder openai: %w: read response body: %v", ErrTransient, err)
	}

	transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500

	var embResp embeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		if transient {
			return nil, fmt.Errorf("embedder openai: %w: HTTP %d", ErrTransient, resp.StatusCode)
		}
		return nil, fmt.Errorf("embedder openai: decode response: %w", err)
	}

	if embResp.Error != nil {
		msg := redact.String(embResp.Error.Message, e.cfg.APIKey)
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("embedder openai: %w: rate limit (HTTP 429): %s", ErrTransient, msg)
		}
		if transient {
			return nil, fmt.Errorf("embedder openai: %w: API error (%s): %s", ErrTransient, embResp.Error.Type, msg)
		}
		return nil, fmt.Errorf("embedder openai: API error (%s): %s", embResp.Error.Type, msg)
	}

	if resp.StatusCode >= 400 {
		if transient {
			return nil, fmt.Errorf("embedder openai: %w: HTTP %d", ErrTransient, resp.StatusCode)
		}
		return nil, fmt.Errorf("embedder openai: unexpected HTTP status %d", resp.StatusCode)
	}

	if len(embResp.Data) == 0 {
		return nil, fmt.Errorf("embedder openai: no embedding data returned")
	}

	return embResp.Data[0].Embedding, nil
}

// Compile-time interface satisfaction check.
var _ Embedder = (*OpenAIEmbedder)(nil)
