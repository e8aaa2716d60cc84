package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaBackend talks to a local Ollama server's /api/generate and
// /api/tags endpoints. Grounded on original_source's OllamaBackend:
// reqwest's async streaming body becomes Go's bufio.Scanner over the
// response body, and tokio::spawn's forwarding task becomes a goroutine
// feeding the StreamingToken channel.
type OllamaBackend struct {
	host   string
	port   uint16
	client *http.Client
}

func NewOllamaBackend(host string, port uint16) *OllamaBackend {
	return &OllamaBackend{
		host: host, port: port,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

// NewOllamaFromConfig builds an OllamaBackend from a backend.Config, or nil
// if cfg isn't ConfigOllama, mirroring OllamaBackend::from_config.
func NewOllamaFromConfig(cfg Config) *OllamaBackend {
	if cfg.Kind != ConfigOllama {
		return nil
	}
	return NewOllamaBackend(cfg.Host, cfg.Port)
}

func (o *OllamaBackend) Name() string { return "Ollama" }

func (o *OllamaBackend) baseURL() string {
	return fmt.Sprintf("http://%s:%d", o.host, o.port)
}

func (o *OllamaBackend) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL()+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

func buildPrompt(req Request) string {
	var b bytes.Buffer
	if req.System != nil {
		b.WriteString(*req.System)
		b.WriteString("\n\n")
	}
	if req.Context != nil {
		b.WriteString(*req.Context)
		b.WriteByte('\n')
	}
	b.WriteString(req.Prompt)
	return b.String()
}

func (o *OllamaBackend) generatePayload(req Request, stream bool) ([]byte, error) {
	body := map[string]interface{}{
		"model":  req.Model,
		"prompt": buildPrompt(req),
		"stream": stream,
	}
	options := map[string]interface{}{}
	if req.Temperature != 0.7 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(options) > 0 {
		body["options"] = options
	}
	return json.Marshal(body)
}

func (o *OllamaBackend) doGenerate(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	payload, err := o.generatePayload(req, stream)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL()+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned %s: %s", resp.Status, string(body))
	}
	return resp, nil
}

type ollamaGenerateChunk struct {
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount *uint32 `json:"eval_count"`
}

// SendStreaming issues a streaming /api/generate call and relays
// newline-delimited JSON chunks onto the returned channel, closing it once
// the server signals done or the body ends without one.
func (o *OllamaBackend) SendStreaming(ctx context.Context, req Request) (<-chan StreamingToken, error) {
	resp, err := o.doGenerate(ctx, req, true)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamingToken, 100)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		var full bytes.Buffer
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk ollamaGenerateChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				continue
			}
			if chunk.Response != "" {
				full.WriteString(chunk.Response)
				select {
				case out <- StreamingToken{Kind: TokenPartial, Text: chunk.Response}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Done {
				select {
				case out <- StreamingToken{Kind: TokenComplete, Message: full.String()}:
				case <-ctx.Done():
				}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case out <- StreamingToken{Kind: TokenError, Err: err.Error()}:
			case <-ctx.Done():
			}
			return
		}
		if full.Len() > 0 {
			select {
			case out <- StreamingToken{Kind: TokenComplete, Message: full.String()}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (o *OllamaBackend) Send(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := o.doGenerate(ctx, req, false)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	var chunk ollamaGenerateChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return Response{}, fmt.Errorf("ollama: decode response: %w", err)
	}
	elapsed := uint64(time.Since(start).Milliseconds())
	return Response{
		Content:    chunk.Response,
		Model:      req.Model,
		TokensUsed: chunk.EvalCount,
		DurationMs: &elapsed,
	}, nil
}

type ollamaTagsResponse struct {
	Models []struct {
		Name    string `json:"name"`
		Size    uint64 `json:"size"`
		Details struct {
			ParameterSize string `json:"parameter_size"`
		} `json:"details"`
	} `json:"models"`
}

func (o *OllamaBackend) ListModels(ctx context.Context) ([]ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL()+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned %s: %s", resp.Status, string(body))
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("ollama: decode tags: %w", err)
	}
	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		info := ModelInfo{Name: m.Name, Loaded: true}
		if m.Size > 0 {
			size := m.Size
			info.SizeBytes = &size
		}
		if m.Details.ParameterSize != "" {
			params := m.Details.ParameterSize
			info.Parameters = &params
		}
		models = append(models, info)
	}
	return models, nil
}
