package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	loom "github.com/nevindra/loom"
)

// batchEmbedLimit is the maximum number of texts per batchEmbedContents call.
const batchEmbedLimit = 100

// GeminiEmbedding implements loom.EmbeddingProvider for Gemini embedding
// models. Single texts use embedContent; larger slices are chunked
// through batchEmbedContents.
type GeminiEmbedding struct {
	apiKey     string
	model      string
	dims       int
	baseURL    string
	httpClient *http.Client
}

// EmbeddingOption configures a GeminiEmbedding provider.
type EmbeddingOption func(*GeminiEmbedding)

// WithEmbeddingBaseURL overrides the API base URL.
func WithEmbeddingBaseURL(u string) EmbeddingOption {
	return func(e *GeminiEmbedding) { e.baseURL = u }
}

// WithEmbeddingHTTPClient sets a custom HTTP client.
func WithEmbeddingHTTPClient(c *http.Client) EmbeddingOption {
	return func(e *GeminiEmbedding) { e.httpClient = c }
}

// NewEmbedding creates a Gemini embedding provider producing vectors of
// the given dimensionality.
func NewEmbedding(apiKey, model string, dims int, opts ...EmbeddingOption) *GeminiEmbedding {
	e := &GeminiEmbedding{
		apiKey:     apiKey,
		model:      model,
		dims:       dims,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns "gemini".
func (e *GeminiEmbedding) Name() string { return "gemini" }

// Dimensions returns the configured embedding dimensionality.
func (e *GeminiEmbedding) Dimensions() int { return e.dims }

// Embed returns one vector per input text, in order.
func (e *GeminiEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) == 1 {
		vec, err := e.embedOne(ctx, texts[0])
		if err != nil {
			return nil, err
		}
		return [][]float32{vec}, nil
	}

	embeddings := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchEmbedLimit {
		end := start + batchEmbedLimit
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, vecs...)
	}
	return embeddings, nil
}

func (e *GeminiEmbedding) embedOne(ctx context.Context, text string) ([]float32, error) {
	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", e.baseURL, e.model, e.apiKey)
	body := map[string]any{
		"content": map[string]any{
			"parts": []map[string]any{
				{"text": text},
			},
		},
		"outputDimensionality": e.dims,
	}

	respBody, err := e.post(ctx, url, body)
	if err != nil {
		return nil, err
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, e.wrapErr("parse embed response: " + err.Error())
	}
	if parsed.Embedding == nil {
		return nil, e.wrapErr("missing embedding.values in response")
	}
	return toFloat32(parsed.Embedding.Values), nil
}

func (e *GeminiEmbedding) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	url := fmt.Sprintf("%s/models/%s:batchEmbedContents?key=%s", e.baseURL, e.model, e.apiKey)

	requests := make([]map[string]any, 0, len(texts))
	for _, text := range texts {
		requests = append(requests, map[string]any{
			"model": "models/" + e.model,
			"content": map[string]any{
				"parts": []map[string]any{
					{"text": text},
				},
			},
			"outputDimensionality": e.dims,
		})
	}

	respBody, err := e.post(ctx, url, map[string]any{"requests": requests})
	if err != nil {
		return nil, err
	}

	var parsed batchEmbedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, e.wrapErr("parse batch embed response: " + err.Error())
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, e.wrapErr(fmt.Sprintf("batch embed returned %d vectors for %d texts", len(parsed.Embeddings), len(texts)))
	}

	vecs := make([][]float32, 0, len(parsed.Embeddings))
	for _, emb := range parsed.Embeddings {
		vecs = append(vecs, toFloat32(emb.Values))
	}
	return vecs, nil
}

func (e *GeminiEmbedding) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, e.wrapErr("marshal embed body: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return nil, e.wrapErr("create embed request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, e.wrapErr("embed request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, e.wrapErr("read embed response: " + err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpErr(resp, string(respBody))
	}
	return respBody, nil
}

func (e *GeminiEmbedding) wrapErr(msg string) error {
	return &loom.ErrLLM{Provider: "gemini", Message: msg}
}

type embedResponse struct {
	Embedding *embedValues `json:"embedding"`
}

type batchEmbedResponse struct {
	Embeddings []embedValues `json:"embeddings"`
}

type embedValues struct {
	Values []float64 `json:"values"`
}

func toFloat32(values []float64) []float32 {
	vec := make([]float32, len(values))
	for i, v := range values {
		vec[i] = float32(v)
	}
	return vec
}

var _ loom.EmbeddingProvider = (*GeminiEmbedding)(nil)
