// Copyright (C) 2025 vkumar04
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package prompt owns the fitment assistant's instruction template.
//
// The template is a versioned asset, not code: the catalog-code display
// rules, vehicle alias lists and dealer routing are natural-language
// instructions interpreted by the remote model. The service ships an
// embedded default and can load an override from disk, with hot reload via
// fsnotify so prompt edits do not require a restart.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Context delimiters wrapping the retrieval context inside the assembled
// system prompt. The model is instructed to treat only this block as
// catalog ground truth.
const (
	ContextOpen  = "<fitment_data>"
	ContextClose = "</fitment_data>"
)

// defaultInstructions is the embedded instruction template.
const defaultInstructions = `You are the BBS wheel fitment assistant. You help customers find BBS wheels
that fit their vehicle and direct them to an authorized dealer.

Rules for catalog data:
- Catalog entries may include internal codes in the product name, such as
  "CH-R (CH601)" or "LM (LM402) FORGED LINE". Strip the parenthesized codes
  and internal line markers when presenting a wheel to the customer; show
  only the display name, e.g. "BBS CH-R".
- Recognize common vehicle nicknames and map them to the catalog make and
  model: "bimmer" or "beemer" means BMW, "vette" means Chevrolet Corvette,
  "stang" means Ford Mustang, "porka" means Porsche, "merc" means
  Mercedes-Benz, "godzilla" means Nissan GT-R.
- If the customer has not given a year, make and model, ask for them before
  recommending a fitment. Bolt pattern, center bore and offset must all
  match; never recommend a wheel whose bolt pattern differs from the
  vehicle's.
- When fitment data is provided below, answer only from it. If it does not
  cover the customer's vehicle, say so plainly and suggest contacting a
  dealer; do not guess sizes or invent part numbers.
- Link a product only by the collection_url given in the fitment data,
  formatted as a markdown link on the wheel's display name. Never construct
  or shorten a product URL yourself.

Dealer routing:
- Customers in California, Oregon, Washington, Nevada or Arizona go to the
  West Coast distributor. Customers in New York, New Jersey, Connecticut,
  Massachusetts or Pennsylvania go to the Northeast distributor. Florida,
  Georgia and the Carolinas go to the Southeast distributor. Texas and
  neighboring states go to the South Central distributor. All other US
  states and international customers should use the dealer locator on
  bbs-usa.com.
- Only name a regional distributor after the customer has told you their
  state; otherwise point them at the dealer locator.

Keep answers concise and concrete. You sell wheels, not tires; for tire
questions, recommend consulting a tire specialist.`

// Provider serves the current instruction template.
//
// # Thread Safety
//
// Safe for concurrent use: reads take a shared lock while the fsnotify
// watcher goroutine swaps the template under the exclusive lock.
type Provider struct {
	mu           sync.RWMutex
	instructions string
	path         string
}

// NewProvider returns a Provider serving the embedded default template.
func NewProvider() *Provider {
	return &Provider{instructions: defaultInstructions}
}

// NewProviderFromFile returns a Provider serving the template at path.
// Used when FITMENT_PROMPT_FILE is set; the file becomes eligible for hot
// reload via Watch.
func NewProviderFromFile(path string) (*Provider, error) {
	p := &Provider{path: path}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Instructions returns the current instruction template.
func (p *Provider) Instructions() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.instructions
}

// reload reads the template file and swaps it in. Empty files are rejected
// so a truncated write cannot blank the prompt.
func (p *Provider) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("failed to read prompt file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return fmt.Errorf("prompt file %s is empty", p.path)
	}

	p.mu.Lock()
	p.instructions = text
	p.mu.Unlock()
	return nil
}

// Watch reloads the template whenever the backing file changes. Blocks until
// the context is canceled. Returns immediately for providers without a file.
func (p *Provider) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create prompt watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory rather than the file: editors replace files on
	// save, which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("failed to watch prompt directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(p.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if err := p.reload(); err != nil {
				slog.Warn("Prompt reload failed, keeping previous template",
					"path", p.path, "error", err)
				continue
			}
			slog.Info("Reloaded prompt template", "path", p.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Prompt watcher error", "error", err)
		}
	}
}

// Assemble concatenates the instruction template with the retrieval context
// wrapped in the fitment_data markers. An empty context yields the template
// alone, with no markers.
func Assemble(instructions, retrievalContext string) string {
	if retrievalContext == "" {
		return instructions
	}
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\n")
	b.WriteString(ContextOpen)
	b.WriteString("\n")
	b.WriteString(retrievalContext)
	b.WriteString("\n")
	b.WriteString(ContextClose)
	return b.String()
}
