// Copyright (C) 2025 vkumar04
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/vkumar04/BBS-fitment/services/fitment/datatypes"
	"github.com/vkumar04/BBS-fitment/services/fitment/prompt"
	"github.com/vkumar04/BBS-fitment/services/fitment/services"
	"github.com/vkumar04/BBS-fitment/services/llm"
)

// =============================================================================
// Test Setup
// =============================================================================

// mockLLMClient implements llm.LLMClient for handler testing.
type mockLLMClient struct {
	// StreamTokens are emitted one by one during ChatStream.
	StreamTokens []string
	// StreamError is returned after the tokens.
	StreamError error
	// CallCount tracks ChatStream invocations.
	CallCount int
	// LastVariant and LastSystem capture the final call's arguments.
	LastVariant llm.Variant
	LastSystem  string
}

func (m *mockLLMClient) ChatStream(
	ctx context.Context,
	variant llm.Variant,
	system string,
	messages []datatypes.Message,
	params llm.GenerationParams,
	callback llm.StreamCallback,
) error {
	m.CallCount++
	m.LastVariant = variant
	m.LastSystem = system

	for _, token := range m.StreamTokens {
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: token}); err != nil {
			return err
		}
	}
	return m.StreamError
}

// mockRetriever implements ContextRetriever for handler testing.
type mockRetriever struct {
	Result    *services.RetrievalResult
	Err       error
	CallCount int
	LastQuery string
}

func (m *mockRetriever) Retrieve(ctx context.Context, query string) (*services.RetrievalResult, error) {
	m.CallCount++
	m.LastQuery = query
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Result, nil
}

func createTestHandler(t *testing.T, retriever ContextRetriever, client llm.LLMClient) ChatStreamHandler {
	t.Helper()

	handler, err := NewChatStreamHandler(
		retriever,
		client,
		prompt.NewProvider(),
		NewURLAuditor("bbswheels.com", nil),
		nil,
		otel.Tracer("test"),
		0,
	)
	require.NoError(t, err)
	return handler
}

func newTestRouter(handler ChatStreamHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/v1/chat/stream", handler.HandleChatStream)
	return router
}

func postChat(t *testing.T, router *gin.Engine, req datatypes.ChatRequest) *httptest.ResponseRecorder {
	t.Helper()

	jsonBytes, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq, _ := http.NewRequest("POST", "/v1/chat/stream", bytes.NewBuffer(jsonBytes))
	httpReq.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httpReq)
	return w
}

func textRequest(text string) datatypes.ChatRequest {
	return datatypes.ChatRequest{
		Messages: []datatypes.Message{
			{
				Role:  "user",
				Parts: []datatypes.Part{{Type: datatypes.PartTypeText, Text: text}},
			},
		},
	}
}

type sseEvent struct {
	Event string
	Data  string
}

// parseSSEEvents parses SSE events from a response body.
func parseSSEEvents(t *testing.T, body string) []sseEvent {
	t.Helper()

	var events []sseEvent
	scanner := bufio.NewScanner(strings.NewReader(body))

	var currentEvent sseEvent
	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEvent.Event = strings.TrimPrefix(line, "event: ")
		} else if strings.HasPrefix(line, "data: ") {
			currentEvent.Data = strings.TrimPrefix(line, "data: ")
		} else if line == "" && currentEvent.Event != "" {
			events = append(events, currentEvent)
			currentEvent = sseEvent{}
		}
	}
	if currentEvent.Event != "" {
		events = append(events, currentEvent)
	}
	return events
}

func eventTypes(events []sseEvent) []string {
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Event)
	}
	return types
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewChatStreamHandler_NilDependencies(t *testing.T) {
	retriever := &mockRetriever{}
	client := &mockLLMClient{}
	provider := prompt.NewProvider()

	_, err := NewChatStreamHandler(nil, client, provider, nil, nil, otel.Tracer("test"), 0)
	assert.Error(t, err, "should reject nil retrieval service")

	_, err = NewChatStreamHandler(retriever, nil, provider, nil, nil, otel.Tracer("test"), 0)
	assert.Error(t, err, "should reject nil llm client")

	_, err = NewChatStreamHandler(retriever, client, nil, nil, nil, otel.Tracer("test"), 0)
	assert.Error(t, err, "should reject nil prompt provider")
}

// =============================================================================
// HandleChatStream Tests
// =============================================================================

func TestHandleChatStream_InvalidRequestBody(t *testing.T) {
	handler := createTestHandler(t, &mockRetriever{}, &mockLLMClient{})
	router := newTestRouter(handler)

	req, _ := http.NewRequest("POST", "/v1/chat/stream", bytes.NewBufferString("not json"))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code, "should return 400 for invalid JSON")
}

func TestHandleChatStream_EmptyMessages(t *testing.T) {
	handler := createTestHandler(t, &mockRetriever{}, &mockLLMClient{})
	router := newTestRouter(handler)

	w := postChat(t, router, datatypes.ChatRequest{Messages: []datatypes.Message{}})

	assert.Equal(t, http.StatusBadRequest, w.Code, "should return 400 for empty messages")
}

func TestHandleChatStream_SuccessWithRetrieval(t *testing.T) {
	trusted := datatypes.NewTrustedURLSet()
	trusted.Add("https://bbswheels.com/collections/ch-r")

	retriever := &mockRetriever{
		Result: &services.RetrievalResult{
			ContextText: "CH-R 19x8.5 5x112",
			Sources: []datatypes.SourceInfo{
				{Source: "BBS_wheels.json", Score: 0.92},
			},
			TrustedURLs:  trusted,
			PrimaryCount: 1,
		},
	}
	client := &mockLLMClient{StreamTokens: []string{"The ", "CH-R ", "fits."}}
	handler := createTestHandler(t, retriever, client)
	router := newTestRouter(handler)

	w := postChat(t, router, textRequest("what fits my audi s4?"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	events := parseSSEEvents(t, w.Body.String())
	types := eventTypes(events)
	assert.Contains(t, types, "status")
	assert.Contains(t, types, "sources")
	assert.Contains(t, types, "token")
	assert.Contains(t, types, "done")

	assert.Equal(t, 1, retriever.CallCount, "retrieval should run once")
	assert.Equal(t, "what fits my audi s4?", retriever.LastQuery)

	assert.Equal(t, llm.VariantLite, client.LastVariant, "text-only request uses the lite variant")
	assert.Contains(t, client.LastSystem, prompt.ContextOpen, "context block should be in the system prompt")
	assert.Contains(t, client.LastSystem, "CH-R 19x8.5 5x112")
}

func TestHandleChatStream_TokenContentPreserved(t *testing.T) {
	retriever := &mockRetriever{
		Result: &services.RetrievalResult{TrustedURLs: datatypes.NewTrustedURLSet()},
	}
	client := &mockLLMClient{StreamTokens: []string{"hello", " world"}}
	handler := createTestHandler(t, retriever, client)
	router := newTestRouter(handler)

	w := postChat(t, router, textRequest("hi"))
	require.Equal(t, http.StatusOK, w.Code)

	var got []string
	for _, e := range parseSSEEvents(t, w.Body.String()) {
		if e.Event != "token" {
			continue
		}
		var event datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(e.Data), &event))
		got = append(got, event.Content)
	}
	assert.Equal(t, []string{"hello", " world"}, got, "tokens arrive in order, unmodified")
}

func TestHandleChatStream_VisionVariantForImageAttachment(t *testing.T) {
	retriever := &mockRetriever{
		Result: &services.RetrievalResult{TrustedURLs: datatypes.NewTrustedURLSet()},
	}
	client := &mockLLMClient{StreamTokens: []string{"Those are CH-Rs."}}
	handler := createTestHandler(t, retriever, client)
	router := newTestRouter(handler)

	req := datatypes.ChatRequest{
		Messages: []datatypes.Message{
			{
				Role: "user",
				Parts: []datatypes.Part{
					{Type: datatypes.PartTypeText, Text: "what wheels are these?"},
					{Type: datatypes.PartTypeFile, MediaType: "image/jpeg", URL: "https://example.com/wheel.jpg"},
				},
			},
		},
	}
	w := postChat(t, router, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, llm.VariantVision, client.LastVariant, "image attachment selects the vision variant")
	assert.Equal(t, 1, retriever.CallCount, "text parts still drive retrieval")
}

func TestHandleChatStream_ImageOnlySkipsRetrieval(t *testing.T) {
	retriever := &mockRetriever{
		Result: &services.RetrievalResult{TrustedURLs: datatypes.NewTrustedURLSet()},
	}
	client := &mockLLMClient{StreamTokens: []string{"Nice wheels."}}
	handler := createTestHandler(t, retriever, client)
	router := newTestRouter(handler)

	req := datatypes.ChatRequest{
		Messages: []datatypes.Message{
			{
				Role: "user",
				Parts: []datatypes.Part{
					{Type: datatypes.PartTypeFile, MediaType: "image/png", URL: "https://example.com/w.png"},
				},
			},
		},
	}
	w := postChat(t, router, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, retriever.CallCount, "no text parts means no retrieval call")
	assert.Equal(t, llm.VariantVision, client.LastVariant)
	assert.NotContains(t, client.LastSystem, prompt.ContextOpen, "no context markers without retrieval")
}

func TestHandleChatStream_RetrievalErrorFallsBack(t *testing.T) {
	retriever := &mockRetriever{
		Err: &services.RetrievalError{Index: "FitmentCatalog", Err: errors.New("connection refused")},
	}
	client := &mockLLMClient{StreamTokens: []string{"Happy ", "to ", "help."}}
	handler := createTestHandler(t, retriever, client)
	router := newTestRouter(handler)

	w := postChat(t, router, textRequest("do you have wheels for a golf r?"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, client.CallCount, "generation still runs after retrieval failure")
	assert.Equal(t, llm.VariantVision, client.LastVariant, "fallback uses the vision variant")
	assert.NotContains(t, client.LastSystem, prompt.ContextOpen, "fallback prompt carries no context block")

	types := eventTypes(parseSSEEvents(t, w.Body.String()))
	assert.NotContains(t, types, "error", "retrieval failure is not surfaced as a stream error")
	assert.Contains(t, types, "token")
	assert.Contains(t, types, "done")
}

func TestHandleChatStream_LLMErrorEmitsErrorEvent(t *testing.T) {
	retriever := &mockRetriever{
		Result: &services.RetrievalResult{TrustedURLs: datatypes.NewTrustedURLSet()},
	}
	client := &mockLLMClient{StreamError: errors.New("upstream 500: model overloaded")}
	handler := createTestHandler(t, retriever, client)
	router := newTestRouter(handler)

	w := postChat(t, router, textRequest("hello"))

	events := parseSSEEvents(t, w.Body.String())
	types := eventTypes(events)
	assert.Contains(t, types, "error")
	assert.NotContains(t, types, "done", "no done event after a stream failure")

	for _, e := range events {
		if e.Event != "error" {
			continue
		}
		var event datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(e.Data), &event))
		assert.NotContains(t, event.Error, "upstream 500", "internal detail must not reach the client")
	}
}

func TestHandleChatStream_DoneEventCarriesRequestID(t *testing.T) {
	retriever := &mockRetriever{
		Result: &services.RetrievalResult{TrustedURLs: datatypes.NewTrustedURLSet()},
	}
	client := &mockLLMClient{StreamTokens: []string{"ok"}}
	handler := createTestHandler(t, retriever, client)
	router := newTestRouter(handler)

	req := textRequest("hello")
	req.RequestID = "req-sticky-123"
	w := postChat(t, router, req)

	require.Equal(t, http.StatusOK, w.Code)
	found := false
	for _, e := range parseSSEEvents(t, w.Body.String()) {
		if e.Event != "done" {
			continue
		}
		var event datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(e.Data), &event))
		assert.Equal(t, "req-sticky-123", event.RequestId)
		found = true
	}
	assert.True(t, found, "done event should be present")
}
