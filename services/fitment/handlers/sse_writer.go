// Copyright (C) 2025 vkumar04
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vkumar04/BBS-fitment/services/fitment/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes Server-Sent Events to an HTTP response.
//
// # Description
//
// Abstracts SSE serialization away from the chat handler so tests can
// capture events without a live connection. Implementations emit the wire
// format (event: type\ndata: json\n\n) and stamp every event with an Id
// (UUID v4), CreatedAt (Unix millis), a SHA-256 content Hash and the
// previous event's hash, forming a per-stream integrity chain.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use: the token stream and the
// keepalive ticker write from different goroutines.
//
// # Assumptions
//
//   - Caller set the SSE headers (SetSSEHeaders) before the first write
type SSEWriter interface {
	// WriteEvent stamps metadata onto event and writes it. Id, CreatedAt,
	// Hash and PrevHash are overwritten by the writer.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus writes a status event with a human-readable message.
	WriteStatus(message string) error

	// WriteToken writes one token event. Tokens are flushed immediately,
	// in arrival order.
	WriteToken(content string) error

	// WriteSources writes the sources event listing the catalog snippets
	// behind the answer, in context order.
	WriteSources(sources []datatypes.SourceInfo) error

	// WriteError writes an error event. The message must already be
	// sanitized; no internal details reach the client.
	WriteError(errMsg string) error

	// WriteDone writes the final event carrying the request ID. Nothing
	// may be written after it.
	WriteDone(requestID string) error

	// WriteKeepAlive sends an SSE comment line (": ping") to hold the
	// connection open through load-balancer idle timeouts. Comments do
	// not participate in the hash chain.
	WriteKeepAlive() error
}

// =============================================================================
// Implementation
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
//
// The hash chain works as follows: each event's Hash is the SHA-256 of its
// content fields plus the previous event's hash, and PrevHash carries that
// link explicitly. A client can replay the chain to detect dropped or
// reordered events.
//
// # Limitations
//
//   - Cannot be reused across requests
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter wraps w for SSE output.
//
// # Outputs
//
//	SSEWriter - Ready to write events
//	error - Non-nil if w does not implement http.Flusher
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}

	return &sseWriter{
		writer:   w,
		flusher:  flusher,
		prevHash: "",
	}, nil
}

// WriteEvent stamps metadata, advances the hash chain, and writes the event
// in SSE format with an immediate flush.
func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash

	event.Hash = w.computeEventHash(event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// computeEventHash hashes all content fields. Called with event.Hash still
// empty; sources are JSON-serialized so the hash is stable.
func (w *sseWriter) computeEventHash(event datatypes.StreamEvent) string {
	sourcesJSON := ""
	if len(event.Sources) > 0 {
		if data, err := json.Marshal(event.Sources); err == nil {
			sourcesJSON = string(data)
		}
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Content,
		event.Message,
		event.Error,
		event.RequestId,
		sourcesJSON,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

func (w *sseWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.StreamEventStatus).WithMessage(message))
}

func (w *sseWriter) WriteToken(content string) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.StreamEventToken).WithContent(content))
}

func (w *sseWriter) WriteSources(sources []datatypes.SourceInfo) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.StreamEventSources).WithSources(sources))
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.StreamEventError).WithError(errMsg))
}

func (w *sseWriter) WriteDone(requestID string) error {
	return w.WriteEvent(datatypes.NewStreamEvent(datatypes.StreamEventDone).WithRequestId(requestID))
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// SSE comment format: colon followed by text, then double newline
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// SetSSEHeaders configures the response headers for SSE streaming. Must be
// called before any body write. X-Accel-Buffering disables nginx buffering
// so tokens reach the client as they are generated.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
