// Copyright (C) 2025 vkumar04
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// =============================================================================
// SSE Stream Event Types
// =============================================================================

// Stream event type values as they appear on the wire.
const (
	StreamEventStatus  = "status"
	StreamEventToken   = "token"
	StreamEventSources = "sources"
	StreamEventDone    = "done"
	StreamEventError   = "error"
)

// StreamEvent is a single Server-Sent Event written to the response stream.
//
// # Fields
//
//   - Type: Event type ("status", "token", "sources", "done", "error").
//   - Id: UUID v4, assigned by the writer.
//   - CreatedAt: Unix timestamp in milliseconds, assigned by the writer.
//   - Hash / PrevHash: SHA-256 hash chain over event content, assigned by
//     the writer for integrity verification.
//   - Content: Token text (token events).
//   - Message: Human-readable status (status events).
//   - Sources: Retrieved documents (sources events).
//   - RequestId: Request identifier (done events).
//   - Error: Sanitized error message (error events).
type StreamEvent struct {
	Type      string       `json:"type"`
	Id        string       `json:"id,omitempty"`
	CreatedAt int64        `json:"created_at,omitempty"`
	Hash      string       `json:"hash,omitempty"`
	PrevHash  string       `json:"prev_hash,omitempty"`
	Content   string       `json:"content,omitempty"`
	Message   string       `json:"message,omitempty"`
	Sources   []SourceInfo `json:"sources,omitempty"`
	RequestId string       `json:"request_id,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// NewStreamEvent creates an event with the given type. The writer populates
// Id, CreatedAt and the hash chain on write.
func NewStreamEvent(eventType string) StreamEvent {
	return StreamEvent{Type: eventType}
}

// WithMessage sets the status message.
func (e StreamEvent) WithMessage(message string) StreamEvent {
	e.Message = message
	return e
}

// WithContent sets the token content.
func (e StreamEvent) WithContent(content string) StreamEvent {
	e.Content = content
	return e
}

// WithSources sets the retrieved sources.
func (e StreamEvent) WithSources(sources []SourceInfo) StreamEvent {
	e.Sources = sources
	return e
}

// WithRequestId sets the request identifier.
func (e StreamEvent) WithRequestId(requestId string) StreamEvent {
	e.RequestId = requestId
	return e
}

// WithError sets the error message.
func (e StreamEvent) WithError(errMsg string) StreamEvent {
	e.Error = errMsg
	return e
}
