// Copyright (C) 2025 vkumar04
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"

	"github.com/vkumar04/BBS-fitment/services/fitment/datatypes"
)

// Variant selects which generation-capable model variant to invoke.
//
// The vision variant accepts image attachments and is the stronger (and more
// expensive) of the two. The lite variant is text-only and is preferred for
// plain-text requests as a cost/latency optimization.
type Variant string

const (
	// VariantVision is the higher-capability, attachment-capable variant.
	VariantVision Variant = "vision"

	// VariantLite is the lighter, text-only variant.
	VariantLite Variant = "lite"
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamEventType identifies the kind of event delivered to a StreamCallback.
type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventError StreamEventType = "error"
)

// StreamEvent is a single event produced while streaming a generation.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StreamCallback is invoked for each event during streaming generation.
// Returning a non-nil error aborts the stream.
type StreamCallback func(event StreamEvent) error

// LLMClient defines the standard interface for any generation backend.
//
// ChatStream sends the system instructions plus the full conversation history
// to the selected model variant and delivers generated text incrementally via
// the callback. The context carries the caller's cancellation signal and the
// request deadline; implementations must honor both.
type LLMClient interface {
	ChatStream(ctx context.Context, variant Variant, system string,
		messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}
