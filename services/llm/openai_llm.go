// Copyright (C) 2025 vkumar04
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/vkumar04/BBS-fitment/services/fitment/datatypes"
)

const (
	defaultVisionModel = "gpt-4o"
	defaultLiteModel   = "gpt-4o-mini"
)

// OpenAIClient implements LLMClient against the OpenAI chat completions API.
//
// The client holds no per-request state and is safe for concurrent use. It is
// constructed once at startup and injected into the handlers; there is no
// package-level singleton.
type OpenAIClient struct {
	client      *openai.Client
	visionModel string
	liteModel   string
}

// NewOpenAIClient creates an OpenAIClient with the given credential and model
// names. Empty model names fall back to the package defaults.
func NewOpenAIClient(apiKey, visionModel, liteModel string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is missing")
	}
	if visionModel == "" {
		visionModel = defaultVisionModel
	}
	if liteModel == "" {
		liteModel = defaultLiteModel
	}
	slog.Info("Initializing OpenAI client", "visionModel", visionModel, "liteModel", liteModel)
	return &OpenAIClient{
		client:      openai.NewClient(apiKey),
		visionModel: visionModel,
		liteModel:   liteModel,
	}, nil
}

// ModelFor returns the concrete model name for a variant.
func (o *OpenAIClient) ModelFor(variant Variant) string {
	if variant == VariantVision {
		return o.visionModel
	}
	return o.liteModel
}

// ChatStream implements the LLMClient interface.
//
// Tokens are forwarded to the callback as they arrive from the API; nothing is
// buffered. A callback error aborts the stream and is returned unchanged so
// callers can distinguish client disconnects (context.Canceled) from API
// failures.
func (o *OpenAIClient) ChatStream(ctx context.Context, variant Variant, system string,
	messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {

	model := o.ModelFor(variant)
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: buildAPIMessages(system, messages),
		Stream:   true,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	slog.Debug("Starting OpenAI chat stream", "model", model, "messageCount", len(messages))

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("OpenAI stream creation failed: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			// Context errors surface here when the caller cancels mid-stream.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("OpenAI stream receive failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		content := resp.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		if err := callback(StreamEvent{Type: StreamEventToken, Content: content}); err != nil {
			return err
		}
	}
}

// buildAPIMessages converts the wire-format conversation into OpenAI chat
// messages, prepending the system instructions.
//
// Messages whose parts are all text collapse to a plain content string.
// Messages carrying file parts use the multi-content form so the vision
// variant receives image attachments; non-image file parts are dropped since
// the API does not accept them.
func buildAPIMessages(system string, messages []datatypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if !msg.HasFileParts() {
			out = append(out, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.JoinedText(),
			})
			continue
		}

		var parts []openai.ChatMessagePart
		for _, p := range msg.Parts {
			switch p.Type {
			case datatypes.PartTypeText:
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: p.Text,
				})
			case datatypes.PartTypeFile:
				if strings.HasPrefix(p.MediaType, "image/") {
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    p.URL,
							Detail: openai.ImageURLDetailAuto,
						},
					})
				}
			}
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:         msg.Role,
			MultiContent: parts,
		})
	}
	return out
}

var _ LLMClient = (*OpenAIClient)(nil)
