// Copyright (C) 2025 vkumar04
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the fitment service.
//
// This file contains the inbound chat request types and their validation.
// For search/retrieval types, see search.go; for SSE stream events, see
// stream.go.
package datatypes

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Request Limits
// =============================================================================

const (
	// MaxPartTextBytes is the maximum size of a single text part.
	// Byte length, not rune count, to bound memory for large payloads.
	MaxPartTextBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest is the maximum number of messages in a request.
	MaxMessagesPerRequest = 100

	// MaxPartsPerMessage is the maximum number of content parts per message.
	MaxPartsPerMessage = 16
)

// Part type discriminators for message content parts.
const (
	PartTypeText = "text"
	PartTypeFile = "file"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces the per-part text size cap in bytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxPartTextBytes
}

// =============================================================================
// Chat Request Types
// =============================================================================

// Part is a single content part of a conversation message.
//
// # Fields
//
//   - Type: Required. "text" or "file".
//   - Text: The text content. Only meaningful for text parts.
//   - MediaType: Declared media type of a file part (e.g. "image/png").
//   - URL: Reference to the file content. Only meaningful for file parts.
type Part struct {
	Type      string `json:"type" validate:"required,oneof=text file"`
	Text      string `json:"text,omitempty" validate:"maxbytes"`
	MediaType string `json:"media_type,omitempty"`
	URL       string `json:"url,omitempty"`
}

// IsImage reports whether the part is a file part with an image media type.
func (p Part) IsImage() bool {
	return p.Type == PartTypeFile && strings.HasPrefix(p.MediaType, "image/")
}

// Message is a single role-tagged conversation message with ordered content
// parts. Messages are consumed per request and never persisted.
type Message struct {
	Role  string `json:"role" validate:"required,oneof=user assistant system"`
	Parts []Part `json:"parts" validate:"required,min=1,max=16,dive"`
}

// JoinedText concatenates the text parts of the message, in order, joined by
// a single space. Returns "" when the message has no text parts.
func (m Message) JoinedText() string {
	var texts []string
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			texts = append(texts, p.Text)
		}
	}
	return strings.TrimSpace(strings.Join(texts, " "))
}

// HasImageAttachment reports whether any part of the message is a file part
// whose declared media type begins with "image/". This flag selects the
// vision-capable model variant.
func (m Message) HasImageAttachment() bool {
	for _, p := range m.Parts {
		if p.IsImage() {
			return true
		}
	}
	return false
}

// HasFileParts reports whether the message carries any file part.
func (m Message) HasFileParts() bool {
	for _, p := range m.Parts {
		if p.Type == PartTypeFile {
			return true
		}
	}
	return false
}

// ChatRequest is the body of POST /v1/chat/stream.
//
// # Fields
//
//   - RequestID: Optional. Client-supplied identifier for tracing; a UUID is
//     generated when absent (see EnsureDefaults).
//   - Messages: Required. Ordered conversation history, 1-100 messages.
//
// # Validation
//
// Uses go-playground/validator:
//   - Messages: required, 1-100 elements, each element validated
//   - Messages[].Parts: 1-16 parts, each with a known type
//   - Text parts: max 32KB
type ChatRequest struct {
	RequestID string    `json:"request_id,omitempty"`
	Messages  []Message `json:"messages" validate:"required,min=1,max=100,dive"`
}

// Validate checks the request against the validation rules above.
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults populates the request ID when the client did not supply one.
func (r *ChatRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
}

// Latest returns the final message in the list, or nil for an empty request.
// The final message drives query extraction and attachment detection.
func (r *ChatRequest) Latest() *Message {
	if len(r.Messages) == 0 {
		return nil
	}
	return &r.Messages[len(r.Messages)-1]
}
