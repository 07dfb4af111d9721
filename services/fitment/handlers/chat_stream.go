// Copyright (C) 2025 vkumar04
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vkumar04/BBS-fitment/services/fitment/datatypes"
	"github.com/vkumar04/BBS-fitment/services/fitment/observability"
	"github.com/vkumar04/BBS-fitment/services/fitment/prompt"
	"github.com/vkumar04/BBS-fitment/services/fitment/services"
	"github.com/vkumar04/BBS-fitment/services/llm"
)

// heartbeatInterval is how often keepalive pings are sent while retrieval
// or generation is in flight. Below common load-balancer idle timeouts.
const heartbeatInterval = 15 * time.Second

// generationTemperature keeps fitment answers deterministic. Wheel specs
// are facts; creative phrasing is not wanted.
const generationTemperature = float32(0.1)

// defaultStreamTimeout bounds the whole request, retrieval and generation
// included, when no timeout is configured.
const defaultStreamTimeout = 2 * time.Minute

// ContextRetriever is the slice of the retrieval service the handler needs.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string) (*services.RetrievalResult, error)
}

// ChatStreamHandler handles the streaming chat endpoint.
//
// # Description
//
// Implements POST /v1/chat/stream:
//  1. Parse and validate the request (400 on failure)
//  2. Extract the search query from the latest message's text parts
//  3. Pick the model variant: vision when the latest message carries an
//     image attachment, lite otherwise
//  4. Set SSE headers, start the keepalive heartbeat
//  5. Retrieve catalog context (skipped when the query is empty); on
//     retrieval failure, degrade to un-augmented generation on the vision
//     variant instead of failing the request
//  6. Emit sources, stream tokens as they arrive, emit done
//  7. Audit the finalized answer for unverified catalog URLs
//
// # Thread Safety
//
// Safe for concurrent requests; all per-request state is local.
type ChatStreamHandler interface {
	HandleChatStream(c *gin.Context)
}

type chatStreamHandler struct {
	retrieval     ContextRetriever
	llmClient     llm.LLMClient
	prompts       *prompt.Provider
	auditor       *URLAuditor
	metrics       *observability.StreamingMetrics
	tracer        trace.Tracer
	streamTimeout time.Duration
}

// NewChatStreamHandler constructs the chat handler with its dependencies.
//
// # Inputs
//
//	retrieval - Catalog retrieval service; must be non-nil
//	llmClient - Hosted model client; must be non-nil
//	prompts - Instruction template provider; must be non-nil
//	auditor - Post-stream URL auditor; may be nil to disable auditing
//	metrics - Streaming metrics; may be nil
//	tracer - OpenTelemetry tracer for request spans
//	streamTimeout - Wall-clock bound on the whole request; zero selects
//	                the default
//
// # Outputs
//
//	ChatStreamHandler - Ready handler
//	error - Non-nil if a required dependency is missing
func NewChatStreamHandler(
	retrieval ContextRetriever,
	llmClient llm.LLMClient,
	prompts *prompt.Provider,
	auditor *URLAuditor,
	metrics *observability.StreamingMetrics,
	tracer trace.Tracer,
	streamTimeout time.Duration,
) (ChatStreamHandler, error) {
	if retrieval == nil {
		return nil, errors.New("retrieval service cannot be nil")
	}
	if llmClient == nil {
		return nil, errors.New("llm client cannot be nil")
	}
	if prompts == nil {
		return nil, errors.New("prompt provider cannot be nil")
	}
	if streamTimeout <= 0 {
		streamTimeout = defaultStreamTimeout
	}
	return &chatStreamHandler{
		retrieval:     retrieval,
		llmClient:     llmClient,
		prompts:       prompts,
		auditor:       auditor,
		metrics:       metrics,
		tracer:        tracer,
		streamTimeout: streamTimeout,
	}, nil
}

var _ ChatStreamHandler = (*chatStreamHandler)(nil)

// HandleChatStream processes one streaming chat request.
func (h *chatStreamHandler) HandleChatStream(c *gin.Context) {
	startTime := time.Now()

	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	// One deadline bounds retrieval and generation together
	ctx, cancel := context.WithTimeout(ctx, h.streamTimeout)
	defer cancel()

	if h.metrics != nil {
		h.metrics.StreamStarted()
		defer h.metrics.StreamEnded()
	}

	success := false
	defer func() {
		if h.metrics != nil {
			duration := time.Since(startTime).Seconds()
			h.metrics.RecordRequest(success)
			h.metrics.RecordStreamDuration(duration, success)
		}
	}()

	// Step 1: Parse and validate
	var req datatypes.ChatRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse chat request", "error", err)
		h.recordError(observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request validation failed")
		slog.Error("Chat request validation failed",
			"error", err,
			"requestId", req.RequestID,
		)
		h.recordError(observability.ErrorCodeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.Int("request.messages", len(req.Messages)),
	)

	// Step 2: Extract query and pick the variant
	latest := req.Latest()
	query := latest.JoinedText()
	variant := llm.VariantLite
	if latest.HasImageAttachment() {
		variant = llm.VariantVision
	}
	span.SetAttributes(
		attribute.String("llm.variant", string(variant)),
		attribute.Bool("request.has_query", query != ""),
	)

	// Step 3: SSE setup
	SetSSEHeaders(c.Writer)
	sseWriter, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("Failed to create SSE writer",
			"error", err,
			"requestId", req.RequestID,
		)
		h.recordError(observability.ErrorCodeInternal)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	// Step 4: Heartbeat for the whole stream lifetime
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go h.runHeartbeat(ctx, sseWriter, heartbeatDone)

	// Step 5: Retrieve catalog context. An empty query (image-only message)
	// skips retrieval entirely; a retrieval failure degrades to bare
	// generation on the vision variant rather than failing the request.
	instructions := h.prompts.Instructions()
	systemPrompt := instructions
	var trusted *datatypes.TrustedURLSet

	if query != "" {
		if err := sseWriter.WriteStatus("Searching the wheel catalog..."); err != nil {
			span.RecordError(err)
			slog.Error("Failed to write retrieval status event",
				"error", err,
				"requestId", req.RequestID,
			)
			return
		}

		result, retErr := h.retrieval.Retrieve(ctx, query)
		if retErr != nil {
			span.RecordError(retErr)
			span.SetAttributes(attribute.Bool("retrieval.fallback", true))
			slog.Error("Catalog retrieval failed, falling back to un-augmented generation",
				"error", retErr,
				"requestId", req.RequestID,
			)
			h.recordError(observability.ErrorCodeRetrieval)
			if h.metrics != nil {
				h.metrics.RecordRetrievalFallback()
			}
			// Without catalog grounding the stronger model hallucinates
			// less, so the fallback always runs on the vision variant.
			variant = llm.VariantVision
		} else {
			systemPrompt = prompt.Assemble(instructions, result.ContextText)
			trusted = result.TrustedURLs
			span.SetAttributes(
				attribute.Int("retrieval.primary", result.PrimaryCount),
				attribute.Int("retrieval.secondary", result.SecondaryCount),
			)

			if len(result.Sources) > 0 {
				if err := sseWriter.WriteSources(result.Sources); err != nil {
					span.RecordError(err)
					slog.Error("Failed to write sources event",
						"error", err,
						"requestId", req.RequestID,
					)
					return
				}
			}
		}
	}

	if err := sseWriter.WriteStatus("Generating response..."); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write generation status event",
			"error", err,
			"requestId", req.RequestID,
		)
		return
	}

	// Step 6: Stream from the model through the secure accumulator
	accumulator, accErr := NewTokenAccumulator()
	if accErr != nil {
		slog.Warn("failed to create token accumulator, answer will not be audited",
			"requestId", req.RequestID,
			"error", accErr,
		)
	}
	defer func() {
		if accumulator != nil {
			accumulator.Destroy()
		}
	}()

	temp := generationTemperature
	params := llm.GenerationParams{Temperature: &temp}

	var tokenCount int32
	firstTokenTime := time.Time{}
	streamErr := h.streamFromLLM(ctx, req.RequestID, variant, systemPrompt,
		req.Messages, params, sseWriter, &tokenCount, &firstTokenTime, accumulator)
	if streamErr != nil {
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, "LLM streaming failed")
		span.SetAttributes(attribute.Int("stream.token_count", int(tokenCount)))
		slog.Error("LLM streaming failed",
			"error", streamErr,
			"requestId", req.RequestID,
			"tokenCount", tokenCount,
		)

		switch {
		case errors.Is(streamErr, context.Canceled):
			h.recordError(observability.ErrorCodeClientDisconnect)
			if h.metrics != nil {
				h.metrics.RecordClientDisconnect()
			}
		case errors.Is(streamErr, context.DeadlineExceeded):
			h.recordError(observability.ErrorCodeTimeout)
		default:
			h.recordError(observability.ErrorCodeLLMError)
		}
		// Error already sent via SSE
		return
	}

	if !firstTokenTime.IsZero() {
		ttft := firstTokenTime.Sub(startTime).Seconds()
		span.SetAttributes(attribute.Float64("stream.time_to_first_token_seconds", ttft))
		if h.metrics != nil {
			h.metrics.RecordTimeToFirstToken(ttft)
		}
	}
	span.SetAttributes(attribute.Int("stream.token_count", int(tokenCount)))

	// Step 7: Done event, then the post-hoc URL audit. The answer has
	// already reached the client; the audit only logs and counts.
	if err := sseWriter.WriteDone(req.RequestID); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write done event",
			"error", err,
			"requestId", req.RequestID,
		)
		return
	}

	if accumulator != nil && h.auditor != nil {
		answer, answerHash, finalizeErr := accumulator.Finalize()
		if finalizeErr != nil {
			slog.Warn("failed to finalize accumulator, skipping URL audit",
				"requestId", req.RequestID,
				"error", finalizeErr,
			)
		} else {
			mismatches := h.auditor.Audit(req.RequestID, answer, trusted)
			span.SetAttributes(
				attribute.Int("audit.mismatch_count", len(mismatches)),
				attribute.String("answer.hash", answerHash[:16]+"..."),
			)
		}
	}

	slog.Info("Chat stream completed",
		"requestId", req.RequestID,
		"variant", string(variant),
		"tokenCount", tokenCount,
		"processing_ms", time.Since(startTime).Milliseconds(),
	)

	success = true
	span.SetStatus(codes.Ok, "stream completed successfully")
}

// streamFromLLM forwards model tokens to the SSE writer and accumulator.
func (h *chatStreamHandler) streamFromLLM(
	ctx context.Context,
	requestID string,
	variant llm.Variant,
	systemPrompt string,
	messages []datatypes.Message,
	params llm.GenerationParams,
	writer SSEWriter,
	tokenCount *int32,
	firstTokenTime *time.Time,
	accumulator TokenAccumulator,
) error {
	callback := func(event llm.StreamEvent) error {
		// Stop immediately if the client disconnected
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		switch event.Type {
		case llm.StreamEventToken:
			if firstTokenTime.IsZero() {
				*firstTokenTime = time.Now()
			}
			atomic.AddInt32(tokenCount, 1)

			if accumulator != nil {
				if err := accumulator.Write(event.Content); err != nil {
					// Keep streaming; the user still sees the answer
					slog.Warn("failed to accumulate token",
						"requestId", requestID,
						"error", err,
						"accumulatorId", accumulator.ID(),
					)
				}
			}
			return writer.WriteToken(event.Content)

		case llm.StreamEventError:
			return writer.WriteError(sanitizeErrorForClient(event.Error))
		}
		return nil
	}

	err := h.llmClient.ChatStream(ctx, variant, systemPrompt, messages, params, callback)
	if err != nil {
		slog.Error("LLM ChatStream failed",
			"requestId", requestID,
			"error", err,
			"tokenCount", atomic.LoadInt32(tokenCount),
		)
		_ = writer.WriteError(sanitizeErrorForClient(err.Error()))
		return err
	}
	return nil
}

// runHeartbeat sends keepalive pings until the stream finishes.
func (h *chatStreamHandler) runHeartbeat(ctx context.Context, writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("Failed to write keepalive", "error", err)
				return
			}
			if h.metrics != nil {
				h.metrics.RecordKeepAlive()
			}
		}
	}
}

func (h *chatStreamHandler) recordError(code observability.ErrorCode) {
	if h.metrics != nil {
		h.metrics.RecordError(code)
	}
}

// sanitizeErrorForClient strips internals from error text before it reaches
// the client.
func sanitizeErrorForClient(errMsg string) string {
	slog.Debug("Sanitizing error for client", "original_error", errMsg)
	return "An error occurred while processing your request"
}
