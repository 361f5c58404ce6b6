package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/trananhvu/chat-relay/internal/provider"
)

const defaultModel = "claude-3-5-sonnet-20241022"

type AnthropicProvider struct {
	apiKey  string
	baseURL string
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      []contentBlock     `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text,omitempty"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"`
}

type anthropicResponse struct {
	ID      string         `json:"id"`
	Content []contentBlock `json:"content"`
	Model   string         `json:"model"`
	Usage   anthropicUsage `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type  string          `json:"type"`
	Delta anthropicDelta  `json:"delta,omitempty"`
	Error *anthropicError `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(apiKey string) provider.Provider {
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
	}
}

func ephemeral() *cacheControl {
	return &cacheControl{Type: "ephemeral"}
}

// mapRequest builds the Anthropic payload. Messages carrying the cacheable
// flag are annotated with an ephemeral cache_control marker for as long as the
// cacheable prefix holds: the first non-cacheable turn permanently ends the
// annotated region. A standalone system prompt (and any system-role turns)
// become system blocks, which are always annotated.
func (p *AnthropicProvider) mapRequest(req *provider.Request) anthropicRequest {
	var system []contentBlock
	if req.System != "" {
		system = append(system, contentBlock{
			Type:         "text",
			Text:         req.System,
			CacheControl: ephemeral(),
		})
	}

	messages := make([]anthropicMessage, 0, len(req.Messages))
	cachingActive := true
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, contentBlock{
				Type:         "text",
				Text:         m.Content,
				CacheControl: ephemeral(),
			})
			continue
		}

		block := contentBlock{Type: "text", Text: m.Content}
		if m.Cacheable && cachingActive {
			block.CacheControl = ephemeral()
		} else {
			cachingActive = false
		}

		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, anthropicMessage{
			Role:    role,
			Content: []contentBlock{block},
		})
	}

	model := req.Model
	if model == "" {
		model = defaultModel
	}

	return anthropicRequest{
		Model:       model,
		MaxTokens:   req.MaxTokensOrDefault(),
		Temperature: req.Temperature,
		System:      system,
		Messages:    messages,
		Stream:      req.Stream,
	}
}

func (p *AnthropicProvider) newHTTPRequest(ctx context.Context, body []byte) (*http.Request, error) {
	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	return httpReq, nil
}

func (p *AnthropicProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	anthropicReq := p.mapRequest(req)
	anthropicReq.Stream = false
	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newHTTPRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &provider.APIError{Provider: p.Name(), StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var anthropicResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&anthropicResp); err != nil {
		return nil, err
	}

	if len(anthropicResp.Content) == 0 {
		return nil, fmt.Errorf("anthropic api returned no content")
	}

	return &provider.Response{
		ID:           anthropicResp.ID,
		Content:      anthropicResp.Content[0].Text,
		InputTokens:  anthropicResp.Usage.InputTokens,
		OutputTokens: anthropicResp.Usage.OutputTokens,
		Model:        anthropicResp.Model,
		Provider:     p.Name(),
	}, nil
}

func (p *AnthropicProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	anthropicReq := p.mapRequest(req)
	anthropicReq.Stream = true
	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newHTTPRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &provider.APIError{Provider: p.Name(), StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		var currentEvent string

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					select {
					case ch <- &provider.Chunk{Done: true}:
					case <-ctx.Done():
					}
					return
				}
				select {
				case ch <- &provider.Chunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "event: ") {
				currentEvent = strings.TrimPrefix(line, "event: ")
				continue
			}

			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			switch currentEvent {
			case "content_block_delta":
				var event anthropicStreamEvent
				if err := json.Unmarshal([]byte(data), &event); err != nil {
					continue
				}
				if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					select {
					case ch <- &provider.Chunk{Delta: event.Delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			case "message_stop":
				select {
				case ch <- &provider.Chunk{Done: true}:
				case <-ctx.Done():
				}
				return
			case "error":
				var event anthropicStreamEvent
				if err := json.Unmarshal([]byte(data), &event); err == nil && event.Error != nil {
					select {
					case ch <- &provider.Chunk{Err: fmt.Errorf("anthropic stream error: %s", event.Error.Message)}:
					case <-ctx.Done():
					}
					return
				}
			}
		}
	}()

	return ch, nil
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

func (p *AnthropicProvider) DefaultModel() string {
	return defaultModel
}

func (p *AnthropicProvider) CostPerInputToken() float64 {
	return 0.000003
}

func (p *AnthropicProvider) CostPerOutputToken() float64 {
	return 0.000015
}
