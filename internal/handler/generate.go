package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pinegen-ai/generation-platform/internal/llm"
	"github.com/pinegen-ai/generation-platform/internal/middleware"
	"github.com/pinegen-ai/generation-platform/internal/model"
	"github.com/pinegen-ai/generation-platform/internal/quota"
	"github.com/pinegen-ai/generation-platform/pkg/logger"
	"github.com/pinegen-ai/generation-platform/pkg/metrics"
)

// GenerateConfig tunes the generation handler.
type GenerateConfig struct {
	Model             string
	MaxTokens         int
	Temperature       float64
	MaxStreamDuration time.Duration
}

// GenerateHandler is the streaming gateway: it authenticates (via the
// auth middleware), enforces quota authoritatively, frames the LLM
// output as an event stream and charges usage after completion.
type GenerateHandler struct {
	quotaStore quota.Store
	llmClient  llm.Client
	cfg        GenerateConfig
	logger     *logger.Logger
}

// NewGenerateHandler creates the generate endpoint handler.
func NewGenerateHandler(quotaStore quota.Store, llmClient llm.Client, cfg GenerateConfig, log *logger.Logger) *GenerateHandler {
	if cfg.MaxStreamDuration <= 0 {
		cfg.MaxStreamDuration = 60 * time.Second
	}
	return &GenerateHandler{
		quotaStore: quotaStore,
		llmClient:  llmClient,
		cfg:        cfg,
		logger:     log,
	}
}

// Generate handles POST /api/v1/generate.
func (h *GenerateHandler) Generate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.MaxStreamDuration)
	defer cancel()

	userID := middleware.GetUserID(ctx)
	tier := middleware.GetTier(ctx)

	if h.llmClient == nil {
		writeError(w, http.StatusInternalServerError, "AI service configuration missing")
		return
	}

	// Authoritative quota check: nothing reaches the model when exhausted.
	info, err := h.quotaStore.Check(ctx, userID, tier)
	if err != nil {
		h.logger.Error("quota check failed", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "failed to verify account quota")
		return
	}
	if !info.Allowed {
		metrics.RecordQuotaRejection(info.Reason)
		writeJSON(w, http.StatusTooManyRequests, &model.ErrorResponse{
			Error:   "quota exceeded",
			Reason:  info.Reason,
			ResetAt: info.ResetAt,
		})
		return
	}

	var req model.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateGenerateRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Prior turns are context; the final message is the live prompt.
	last := req.Messages[len(req.Messages)-1]
	history := make([]llm.ChatMessage, 0, len(req.Messages)-1)
	for _, turn := range req.Messages[:len(req.Messages)-1] {
		history = append(history, llm.ChatMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		})
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	// Event-stream headers are committed with the first byte written, so
	// they are applied lazily; a failure before any frame can still send
	// a plain JSON error.
	streaming := false
	startStream := func() {
		if streaming {
			return
		}
		streaming = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
	}

	streamStart := time.Now()
	framesWritten := 0
	result, err := h.llmClient.GenerateStream(ctx, &llm.GenerationRequest{
		System:      systemPrompt,
		History:     history,
		Prompt:      last.Content,
		Model:       h.cfg.Model,
		MaxTokens:   h.cfg.MaxTokens,
		Temperature: h.cfg.Temperature,
	}, func(fragment string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		startStream()
		if err := writeFrame(w, flusher, fragment); err != nil {
			return err
		}
		framesWritten++
		return nil
	})

	if err != nil {
		h.logger.Error("generation stream failed", "error", err, "user_id", userID)
		metrics.RecordGeneration(tier, "error")
		if framesWritten == 0 {
			writeError(w, http.StatusInternalServerError, "AI service unavailable")
			return
		}
		// Frames already flowed: sever the connection so the caller sees
		// an aborted stream, never a clean end without the terminal frame.
		panic(http.ErrAbortHandler)
	}

	startStream()
	fmt.Fprintf(w, "data: %s\n\n", model.StreamTerminator)
	flusher.Flush()

	metrics.RecordGeneration(tier, "success")
	metrics.RecordLLMStream(result.Model, "success", time.Since(streamStart).Seconds(), result.TokensIn, result.TokensOut)

	// Charge exactly one unit, only after a completed stream. Losing this
	// on process death under-charges; that gap is accepted.
	if err := h.quotaStore.Record(ctx, userID, 1); err != nil {
		h.logger.Error("failed to record usage", "error", err, "user_id", userID)
	}

	h.logger.Info("generation complete",
		"user_id", userID,
		"model", result.Model,
		"tokens_out", result.TokensOut,
		"latency_ms", result.LatencyMs,
	)
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, fragment string) error {
	data, err := json.Marshal(&model.StreamFrame{Text: fragment})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
