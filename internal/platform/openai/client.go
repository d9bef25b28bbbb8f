package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/omop-automapper/internal/observability"
	"github.com/yungbote/omop-automapper/internal/pkg/ctxutil"
	"github.com/yungbote/omop-automapper/internal/pkg/httpx"
	"github.com/yungbote/omop-automapper/internal/platform/envutil"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

// Client issues single attempts against the OpenAI REST API. Callers own the
// retry policy; errors expose HTTPStatusCode and RetryAfter for classification.
type Client interface {
	Embed(ctx context.Context, model string, dims int, inputs []string) ([][]float32, error)
	GenerateJSON(ctx context.Context, model, system, user, schemaName string, schema map[string]any) (map[string]any, error)
}

type Config struct {
	APIKey      string
	BaseURL     string
	Timeout     time.Duration
	Temperature *float64
}

func ConfigFromEnv() Config {
	cfg := Config{
		APIKey:  envutil.String("OPENAI_API_KEY", ""),
		BaseURL: envutil.String("OPENAI_BASE_URL", "https://api.openai.com"),
		Timeout: envutil.Seconds("OPENAI_TIMEOUT_SECONDS", 60*time.Second),
	}
	raw := strings.ToLower(envutil.String("OPENAI_TEMPERATURE", "0"))
	switch raw {
	case "off", "none", "false":
	default:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Temperature = &f
		}
	}
	return cfg
}

type client struct {
	log         *logger.Logger
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	temperature *float64

	// Models that rejected temperature once are remembered for the process lifetime.
	noTempMu   sync.RWMutex
	noTempSeen map[string]bool
}

func NewClient(log *logger.Logger, cfg Config) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &client{
		log:         log.With("service", "OpenAIClient"),
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		temperature: cfg.Temperature,
		noTempSeen:  map[string]bool{},
	}, nil
}

// HTTPError is a non-2xx response from the provider.
type HTTPError struct {
	StatusCode int
	Body       string
	retryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("openai http %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

func (e *HTTPError) RetryAfter() time.Duration {
	if e == nil {
		return 0
	}
	return e.retryAfter
}

func (c *client) do(ctx context.Context, path string, body any, out any) error {
	start := time.Now()
	model := modelOf(body)

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("openai encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		observeLLM(model, path, "transport_error", time.Since(start))
		return err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		observeLLM(model, path, "read_error", time.Since(start))
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observeLLM(model, path, strconv.Itoa(resp.StatusCode), time.Since(start))
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(raw), 2048),
			retryAfter: httpx.RetryAfter(resp, 30*time.Second),
		}
	}
	observeLLM(model, path, "ok", time.Since(start))
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("openai decode error: %w; raw=%s", err, truncate(string(raw), 512))
	}
	return nil
}

func observeLLM(model, path, status string, dur time.Duration) {
	if m := observability.Current(); m != nil {
		m.ObserveLLMRequest(model, path, status, dur)
	}
}

// -------------------- Embeddings --------------------

type embeddingsRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (c *client) Embed(ctx context.Context, model string, dims int, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("embedding model required")
	}
	clean := make([]string, len(inputs))
	for i := range inputs {
		s := strings.TrimSpace(inputs[i])
		if s == "" {
			s = " "
		}
		clean[i] = s
	}

	var resp embeddingsResponse
	if err := c.do(ctx, "/v1/embeddings", embeddingsRequest{Model: model, Input: clean, Dimensions: dims}, &resp); err != nil {
		return nil, err
	}

	out := make([][]float32, len(clean))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			continue
		}
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		out[d.Index] = vec
	}
	for i := range out {
		if len(out[i]) == 0 {
			return nil, fmt.Errorf("openai embeddings missing index %d: requested=%d returned=%d model=%s", i, len(clean), len(resp.Data), model)
		}
		if dims > 0 && len(out[i]) != dims {
			return nil, fmt.Errorf("openai embedding dimension mismatch at %d: want=%d got=%d", i, dims, len(out[i]))
		}
	}
	return out, nil
}

// -------------------- Responses API --------------------

type inputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesRequest struct {
	Model string         `json:"model"`
	Input []inputMessage `json:"input"`
	Text  struct {
		Format map[string]any `json:"format,omitempty"`
	} `json:"text,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type    string `json:"type"`
			Text    string `json:"text,omitempty"`
			Refusal string `json:"refusal,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
}

func extractOutputText(resp responsesResponse) (text string, refusal string) {
	var out strings.Builder
	for _, item := range resp.Output {
		if item.Type != "message" || item.Role != "assistant" {
			continue
		}
		for _, c := range item.Content {
			switch c.Type {
			case "output_text":
				out.WriteString(c.Text)
			case "refusal":
				refusal = c.Refusal
			}
		}
	}
	return out.String(), refusal
}

func (c *client) GenerateJSON(ctx context.Context, model, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	if schemaName == "" {
		return nil, errors.New("schemaName required")
	}
	if schema == nil {
		return nil, errors.New("schema required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("model required")
	}

	req := responsesRequest{
		Model: model,
		Input: []inputMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	req.Text.Format = map[string]any{
		"type":   "json_schema",
		"name":   schemaName,
		"schema": schema,
		"strict": true,
	}
	if c.temperature != nil && !c.modelRejectsTemperature(model) {
		req.Temperature = c.temperature
	}

	var resp responsesResponse
	err := c.do(ctx, "/v1/responses", &req, &resp)
	if err != nil && req.Temperature != nil && isUnsupportedTemperature(err) {
		c.noteNoTemperature(model)
		req.Temperature = nil
		resp = responsesResponse{}
		err = c.do(ctx, "/v1/responses", &req, &resp)
	}
	if err != nil {
		return nil, err
	}

	text, refusal := extractOutputText(resp)
	if refusal != "" {
		return nil, fmt.Errorf("model refused: %s", refusal)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no output_text found in response")
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, fmt.Errorf("failed to parse model JSON: %w; text=%s", err, truncate(text, 512))
	}
	return obj, nil
}

func (c *client) modelRejectsTemperature(model string) bool {
	c.noTempMu.RLock()
	defer c.noTempMu.RUnlock()
	return c.noTempSeen[strings.ToLower(model)]
}

func (c *client) noteNoTemperature(model string) {
	c.noTempMu.Lock()
	c.noTempSeen[strings.ToLower(model)] = true
	c.noTempMu.Unlock()
	c.log.Warn("model rejected temperature; omitting it from now on", "model", model)
}

func isUnsupportedTemperature(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) || he.StatusCode != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(he.Body)
	if !strings.Contains(msg, "temperature") {
		return false
	}
	for _, frag := range []string{"unsupported", "not supported", "does not support", "unknown parameter", "only the default"} {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

func modelOf(body any) string {
	switch b := body.(type) {
	case embeddingsRequest:
		return b.Model
	case *responsesRequest:
		return b.Model
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
