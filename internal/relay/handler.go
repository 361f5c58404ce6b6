package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/trananhvu/chat-relay/internal/provider"
	"github.com/trananhvu/chat-relay/internal/usage"
	"github.com/trananhvu/chat-relay/pkg/ratelimit"
)

type Handler struct {
	router     *Router
	usageStore usage.Store        // nil disables the usage report endpoint
	writer     *usage.Writer      // nil disables usage recording
	limiter    *ratelimit.Limiter // nil disables the TPM guard
	tracer     trace.Tracer
}

func NewHandler(router *Router, usageStore usage.Store, writer *usage.Writer, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	return &Handler{
		router:     router,
		usageStore: usageStore,
		writer:     writer,
		limiter:    limiter,
		tracer:     tracer,
	}
}

type apiErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type errorResponse struct {
	Error apiErrorBody `json:"error"`
}

func writeError(w http.ResponseWriter, status int, typ, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: apiErrorBody{Message: message, Type: typ}})
}

// writeRouterError maps routing failures onto the error taxonomy. Everything
// is logged before the response goes out.
func writeRouterError(w http.ResponseWriter, err error) {
	log.Printf("relay: request failed: %v", err)

	var apiErr *provider.APIError
	switch {
	case errors.Is(err, ErrIdentityRequired):
		writeError(w, http.StatusBadRequest, "ValidationError", "Email is required")
	case errors.Is(err, ErrQuotaExhausted):
		writeError(w, http.StatusTooManyRequests, "MessageQuotaExceeded", "Message quota exceeded")
	case provider.IsRateLimited(err):
		writeError(w, http.StatusTooManyRequests, "RateLimitError", "Provider rate limit exceeded")
	case errors.Is(err, ErrProviderUnavailable):
		writeError(w, http.StatusServiceUnavailable, "UnknownError", "Provider unavailable")
	case errors.As(err, &apiErr):
		writeError(w, apiErr.StatusCode, "UnknownError", apiErr.Error())
	default:
		writeError(w, http.StatusInternalServerError, "UnknownError", err.Error())
	}
}

// HandleChat serves POST /. Streaming and non-streaming share the decode,
// validation and rate-limit steps; the stream flag picks the response mode.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestID := uuid.New().String()
	w.Header().Set("X-Request-ID", requestID)

	var req provider.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ValidationError", "Invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "ValidationError", "Messages are required")
		return
	}

	ctx, span := h.tracer.Start(ctx, "relay.chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("identity", req.Identity),
		attribute.Bool("stream", req.Stream),
	)

	if h.limiter != nil && req.Identity != "" {
		allowed, err := h.limiter.Allow(ctx, req.Identity, req.MaxTokensOrDefault())
		if err != nil || !allowed {
			log.Printf("relay: rate limit rejection for %s: %v", req.Identity, err)
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "RateLimitError", "Rate limit exceeded, retry later")
			return
		}
	}

	if req.Stream {
		h.handleStream(w, r.WithContext(ctx), &req, requestID)
		return
	}

	resp, err := h.router.Complete(ctx, &req)
	if err != nil {
		writeRouterError(w, err)
		return
	}

	span.SetAttributes(attribute.String("provider", resp.Provider))
	h.record(&req, resp, requestID, false)

	respID := resp.ID
	if respID == "" {
		respID = uuid.New().String()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       respID,
		"object":   "chat.completion",
		"model":    resp.Model,
		"provider": resp.Provider,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": resp.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     resp.InputTokens,
			"completion_tokens": resp.OutputTokens,
			"total_tokens":      resp.InputTokens + resp.OutputTokens,
		},
	})
}

type streamFrame struct {
	Provider string         `json:"provider"`
	Choices  []streamChoice `json:"choices"`
}

type streamChoice struct {
	Delta streamDelta `json:"delta"`
	Index int         `json:"index"`
}

type streamDelta struct {
	Content string `json:"content"`
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, req *provider.Request, requestID string) {
	ctx := r.Context()

	servedBy, ch, err := h.router.CompleteStream(ctx, req)
	if err != nil {
		writeRouterError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Headers are committed from here on: mid-stream failures become a
	// terminal error event, never a fresh HTTP status.
	for chunk := range ch {
		if chunk.Err != nil {
			log.Printf("relay: stream error from %s: %v", servedBy, chunk.Err)
			body, _ := json.Marshal(errorResponse{Error: apiErrorBody{
				Message: chunk.Err.Error(),
				Type:    "StreamError",
			}})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", body)
			flusher.Flush()
			break
		}

		if chunk.Done {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			break
		}

		frame, _ := json.Marshal(streamFrame{
			Provider: servedBy,
			Choices:  []streamChoice{{Delta: streamDelta{Content: chunk.Delta}, Index: 0}},
		})
		fmt.Fprintf(w, "data: %s\n\n", frame)
		flusher.Flush()
	}

	model := req.Model
	if p, ok := h.router.providers[servedBy]; ok && model == "" {
		model = p.DefaultModel()
	}
	h.record(req, &provider.Response{Provider: servedBy, Model: model}, requestID, true)
}

func (h *Handler) record(req *provider.Request, resp *provider.Response, requestID string, streamed bool) {
	if h.writer == nil {
		return
	}
	var inCost, outCost float64
	if p, ok := h.router.providers[resp.Provider]; ok {
		inCost = p.CostPerInputToken()
		outCost = p.CostPerOutputToken()
	}
	h.writer.Enqueue(&usage.Record{
		Identity:     req.Identity,
		RequestID:    requestID,
		Provider:     resp.Provider,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      float64(resp.InputTokens)*inCost + float64(resp.OutputTokens)*outCost,
		LatencyMs:    resp.LatencyMs,
		Streamed:     streamed,
	})
}

// HandleUsage serves GET /v1/usage?identity=&from=&to=.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.usageStore == nil {
		writeError(w, http.StatusNotImplemented, "UnknownError", "Usage reporting is not configured")
		return
	}

	identity := r.URL.Query().Get("identity")
	if identity == "" {
		writeError(w, http.StatusBadRequest, "ValidationError", "Email is required")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "ValidationError", "Invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "ValidationError", "Invalid 'to' date format (use RFC3339)")
			return
		}
	}

	recs, err := h.usageStore.ListByIdentity(ctx, identity, from, to)
	if err != nil {
		log.Printf("relay: usage query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "UnknownError", err.Error())
		return
	}
	totalCost, err := h.usageStore.TotalCostByIdentity(ctx, identity, from, to)
	if err != nil {
		log.Printf("relay: usage cost query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "UnknownError", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"identity":       identity,
		"total_requests": len(recs),
		"total_cost_usd": totalCost,
		"records":        recs,
		"from":           from,
		"to":             to,
	})
}
