package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/trananhvu/chat-relay/internal/provider"
)

func TestMapRequest_CacheablePrefix(t *testing.T) {
	p := &AnthropicProvider{}
	req := &provider.Request{
		Messages: []provider.Message{
			{Role: "user", Content: "hi", Cacheable: true},
			{Role: "assistant", Content: "hello", Cacheable: true},
			{Role: "user", Content: "bye", Cacheable: false},
		},
	}

	out := p.mapRequest(req)

	if len(out.Messages) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(out.Messages))
	}
	if out.Messages[0].Content[0].CacheControl == nil {
		t.Errorf("Expected cache annotation on message 0")
	}
	if out.Messages[1].Content[0].CacheControl == nil {
		t.Errorf("Expected cache annotation on message 1")
	}
	if out.Messages[2].Content[0].CacheControl != nil {
		t.Errorf("Expected no cache annotation on message 2")
	}
	if out.Messages[0].Content[0].CacheControl.Type != "ephemeral" {
		t.Errorf("Expected ephemeral cache type, got %s", out.Messages[0].Content[0].CacheControl.Type)
	}
}

func TestMapRequest_NonCacheableEndsPrefix(t *testing.T) {
	// A cacheable message after a non-cacheable one must stay unannotated:
	// the annotated region is always a prefix, never a sparse subset.
	p := &AnthropicProvider{}
	req := &provider.Request{
		Messages: []provider.Message{
			{Role: "user", Content: "a", Cacheable: true},
			{Role: "assistant", Content: "b", Cacheable: false},
			{Role: "user", Content: "c", Cacheable: true},
			{Role: "assistant", Content: "d", Cacheable: true},
		},
	}

	out := p.mapRequest(req)

	sawUnannotated := false
	for i, m := range out.Messages {
		annotated := m.Content[0].CacheControl != nil
		if !annotated {
			sawUnannotated = true
		}
		if sawUnannotated && annotated {
			t.Errorf("Message %d annotated after an unannotated one", i)
		}
	}
	if out.Messages[0].Content[0].CacheControl == nil {
		t.Errorf("Expected annotation on message 0")
	}
}

func TestMapRequest_Idempotent(t *testing.T) {
	p := &AnthropicProvider{}
	req := &provider.Request{
		System: "be brief",
		Messages: []provider.Message{
			{Role: "user", Content: "hi", Cacheable: true},
			{Role: "assistant", Content: "hello"},
		},
		MaxTokens:   512,
		Temperature: 0.7,
	}

	first := p.mapRequest(req)
	second := p.mapRequest(req)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("mapRequest is not a pure function of its input:\n%+v\nvs\n%+v", first, second)
	}
}

func TestMapRequest_SystemAlwaysAnnotated(t *testing.T) {
	p := &AnthropicProvider{}
	req := &provider.Request{
		System: "you are a helpful assistant",
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
			{Role: "system", Content: "stay concise"},
		},
	}

	out := p.mapRequest(req)

	if len(out.System) != 2 {
		t.Fatalf("Expected 2 system blocks, got %d", len(out.System))
	}
	for i, b := range out.System {
		if b.CacheControl == nil || b.CacheControl.Type != "ephemeral" {
			t.Errorf("Expected ephemeral annotation on system block %d", i)
		}
	}
	// The per-message prefix was already broken by the plain first message;
	// the system turn must not re-enable it.
	if len(out.Messages) != 1 {
		t.Fatalf("Expected 1 non-system message, got %d", len(out.Messages))
	}
}

func TestMapRequest_Defaults(t *testing.T) {
	p := &AnthropicProvider{}
	out := p.mapRequest(&provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})

	if out.MaxTokens != provider.DefaultMaxTokens {
		t.Errorf("Expected default max_tokens %d, got %d", provider.DefaultMaxTokens, out.MaxTokens)
	}
	if out.Model != defaultModel {
		t.Errorf("Expected default model %s, got %s", defaultModel, out.Model)
	}
}

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		if got.Messages[0].Content[0].CacheControl == nil {
			t.Errorf("Expected cache annotation to survive serialization")
		}

		resp := anthropicResponse{
			ID:      "msg_123",
			Content: []contentBlock{{Type: "text", Text: "Hello!"}},
			Model:   defaultModel,
			Usage:   anthropicUsage{InputTokens: 10, OutputTokens: 20},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := &AnthropicProvider{apiKey: "test-key", baseURL: server.URL}

	resp, err := p.Complete(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi", Cacheable: true}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "Hello!" {
		t.Errorf("Expected 'Hello!', got %s", resp.Content)
	}
	if resp.Provider != "anthropic" {
		t.Errorf("Expected provider anthropic, got %s", resp.Provider)
	}
}

func TestComplete_RateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
	}))
	defer server.Close()

	p := &AnthropicProvider{apiKey: "test-key", baseURL: server.URL}

	_, err := p.Complete(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("Expected error")
	}
	if !provider.IsRateLimited(err) {
		t.Errorf("Expected rate-limit signal, got %v", err)
	}
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"Hel", "lo", "!"} {
			fmt.Fprintf(w, "event: content_block_delta\n")
			data, _ := json.Marshal(anthropicStreamEvent{
				Type:  "content_block_delta",
				Delta: anthropicDelta{Type: "text_delta", Text: text},
			})
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		fmt.Fprintf(w, "event: message_stop\n")
		fmt.Fprintf(w, "data: {\"type\": \"message_stop\"}\n\n")
	}))
	defer server.Close()

	p := &AnthropicProvider{apiKey: "test-key", baseURL: server.URL}

	ch, err := p.CompleteStream(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	var deltas []string
	var done bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("Received error from chunk: %v", chunk.Err)
		}
		if chunk.Done {
			done = true
			continue
		}
		deltas = append(deltas, chunk.Delta)
	}

	if !done {
		t.Error("Expected stream to be done")
	}
	if !reflect.DeepEqual(deltas, []string{"Hel", "lo", "!"}) {
		t.Errorf("Expected deltas in order, got %v", deltas)
	}
}

func TestCompleteStream_BadStatusReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"error":{"type":"overloaded_error"}}`))
	}))
	defer server.Close()

	p := &AnthropicProvider{apiKey: "test-key", baseURL: server.URL}

	_, err := p.CompleteStream(context.Background(), &provider.Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("Expected pre-stream error for bad status")
	}
	if !provider.IsRateLimited(err) {
		t.Errorf("Expected overloaded to read as rate-limited, got %v", err)
	}
}

func TestMapRequest_TemperatureAlwaysSent(t *testing.T) {
	// The wire payload must carry temperature even at 0.0, otherwise the
	// upstream API substitutes its own default.
	p := &AnthropicProvider{}
	out := p.mapRequest(&provider.Request{
		Messages:    []provider.Message{{Role: "user", Content: "hi"}},
		Temperature: 0.0,
	})

	body, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var wire map[string]json.RawMessage
	if err := json.Unmarshal(body, &wire); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	raw, ok := wire["temperature"]
	if !ok {
		t.Fatal("Expected temperature key in payload at the 0.0 default")
	}
	if string(raw) != "0" {
		t.Errorf("Expected temperature 0, got %s", raw)
	}
}
