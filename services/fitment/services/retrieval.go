// Copyright (C) 2025 vkumar04
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vkumar04/BBS-fitment/services/fitment/datatypes"
)

// MaxSearchResults caps how many catalog snippets a single query retrieves.
const MaxSearchResults = 10

// contextSeparator joins catalog snippets inside the assembled context block.
const contextSeparator = "\n\n---\n\n"

// RetrievalError indicates the catalog index could not be queried. The chat
// handler treats it as a degradation signal, not a request failure.
type RetrievalError struct {
	Index string
	Err   error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("catalog retrieval failed for index %s: %v", e.Index, e.Err)
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// IsRetrievalError reports whether err is a RetrievalError.
func IsRetrievalError(err error) bool {
	var re *RetrievalError
	return errors.As(err, &re)
}

// SnippetRetriever performs semantic search over the wheel catalog.
//
// # Description
//
//	Abstracts the vector database behind the chat flow so handlers and
//	tests never touch a live Weaviate instance. Implementations return
//	snippets in the order the index ranked them.
type SnippetRetriever interface {
	// Search returns up to limit catalog snippets semantically matching
	// query. An empty result slice is not an error.
	Search(ctx context.Context, query string, limit int) ([]datatypes.SearchResult, error)
}

// WeaviateRetriever queries the catalog class via Weaviate nearText search.
type WeaviateRetriever struct {
	client    *weaviate.Client
	className string
}

// Compile-time interface check.
var _ SnippetRetriever = (*WeaviateRetriever)(nil)

// NewWeaviateRetriever creates a retriever bound to the given catalog class.
//
// # Inputs
//
//	client - Connected Weaviate client
//	className - Catalog class to search, e.g. "FitmentCatalog"
//
// # Outputs
//
//	*WeaviateRetriever - Ready retriever
//	error - Non-nil if client is nil or className is empty
func NewWeaviateRetriever(client *weaviate.Client, className string) (*WeaviateRetriever, error) {
	if client == nil {
		return nil, fmt.Errorf("weaviate client cannot be nil")
	}
	if className == "" {
		return nil, fmt.Errorf("catalog class name cannot be empty")
	}
	return &WeaviateRetriever{client: client, className: className}, nil
}

// Search runs a nearText query against the catalog class.
//
// # Description
//
//	Requests content, file_name and collection_url plus the ranking
//	certainty, preserving Weaviate's relevance order. Malformed objects in
//	the response are skipped rather than failing the whole query.
//
// # Limitations
//
//	The class must use a text vectorizer; nearText is rejected otherwise.
func (r *WeaviateRetriever) Search(ctx context.Context, query string, limit int) ([]datatypes.SearchResult, error) {
	ctx, span := otel.Tracer("fitment/retrieval").Start(ctx, "WeaviateRetriever.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("catalog.class", r.className),
		attribute.Int("catalog.limit", limit),
	)

	if limit <= 0 || limit > MaxSearchResults {
		limit = MaxSearchResults
	}

	nearText := r.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "file_name"},
		{Name: "collection_url"},
		{Name: "_additional { certainty }"},
	}

	result, err := r.client.GraphQL().Get().
		WithClassName(r.className).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "weaviate query failed")
		return nil, &RetrievalError{Index: r.className, Err: err}
	}
	if len(result.Errors) > 0 {
		err := fmt.Errorf("graphql error: %s", result.Errors[0].Message)
		span.RecordError(err)
		span.SetStatus(codes.Error, "weaviate query rejected")
		return nil, &RetrievalError{Index: r.className, Err: err}
	}

	results := r.parseResults(result.Data)
	span.SetAttributes(attribute.Int("catalog.results", len(results)))
	return results, nil
}

// parseResults unpacks the GraphQL Get response into SearchResults,
// preserving order.
func (r *WeaviateRetriever) parseResults(data map[string]models.JSONObject) []datatypes.SearchResult {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := get[r.className].([]interface{})
	if !ok {
		return nil
	}

	results := make([]datatypes.SearchResult, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue // skip malformed objects
		}

		attrs := make(map[string]interface{}, len(m))
		var content string
		for key, value := range m {
			if key == "content" {
				content = coerceContent(value)
				continue
			}
			attrs[key] = value
		}
		if content == "" {
			continue
		}

		results = append(results, datatypes.SearchResult{
			Content:    content,
			Attributes: attrs,
		})
	}
	return results
}

// coerceContent renders a content field as text. Catalog ingestion stores
// strings, but older snapshots held raw JSON values; those are re-serialized
// so prompt context and the URL audit see JSON, not Go syntax.
func coerceContent(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// RetrievalResult is the augmentation material for one chat turn.
type RetrievalResult struct {
	// ContextText is the snippet block to embed in the system prompt,
	// primary-source snippets first.
	ContextText string

	// Sources lists every snippet's origin in context order.
	Sources []datatypes.SourceInfo

	// TrustedURLs holds the catalog URLs the model is allowed to cite.
	TrustedURLs *datatypes.TrustedURLSet

	// PrimaryCount and SecondaryCount record the partition sizes.
	PrimaryCount   int
	SecondaryCount int
}

// RetrievalService turns a user query into prompt augmentation material.
type RetrievalService struct {
	retriever     SnippetRetriever
	primaryMarker string
}

// NewRetrievalService wires a retriever with the primary-source marker.
// Snippets whose file name contains marker (case-insensitive) are treated
// as first-party catalog data and ordered ahead of everything else.
func NewRetrievalService(retriever SnippetRetriever, primaryMarker string) (*RetrievalService, error) {
	if retriever == nil {
		return nil, fmt.Errorf("retriever cannot be nil")
	}
	if primaryMarker == "" {
		return nil, fmt.Errorf("primary source marker cannot be empty")
	}
	return &RetrievalService{retriever: retriever, primaryMarker: primaryMarker}, nil
}

// Retrieve searches the catalog and assembles the context block.
//
// # Description
//
//	Fetches up to MaxSearchResults snippets, partitions them so primary
//	catalog snippets come first (relative order preserved within each
//	group), collects the trusted URL set, and joins the snippet text with
//	the context separator.
//
// # Edge Cases
//
//	A query that matches nothing returns a result with empty ContextText
//	and an empty trusted set; that is not an error.
func (s *RetrievalService) Retrieve(ctx context.Context, query string) (*RetrievalResult, error) {
	ctx, span := otel.Tracer("fitment/retrieval").Start(ctx, "RetrievalService.Retrieve")
	defer span.End()

	results, err := s.retriever.Search(ctx, query, MaxSearchResults)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	out := BuildContext(results, s.primaryMarker)

	slog.Debug("Assembled retrieval context",
		"results", len(results),
		"primary", out.PrimaryCount,
		"secondary", out.SecondaryCount,
		"trusted_urls", out.TrustedURLs.Len())
	span.SetAttributes(
		attribute.Int("catalog.primary", out.PrimaryCount),
		attribute.Int("catalog.secondary", out.SecondaryCount),
	)
	return out, nil
}

// BuildContext partitions snippets into primary and secondary groups and
// joins them into the context block. Primary snippets are those whose file
// name contains marker, compared case-insensitively. Relative order within
// each group follows the input order.
func BuildContext(results []datatypes.SearchResult, marker string) *RetrievalResult {
	markerLower := strings.ToLower(marker)
	trusted := datatypes.NewTrustedURLSet()

	var primary, secondary []datatypes.SearchResult
	for _, res := range results {
		datatypes.CollectTrustedURLs(trusted, res)
		if strings.Contains(strings.ToLower(res.FileName()), markerLower) {
			primary = append(primary, res)
		} else {
			secondary = append(secondary, res)
		}
	}

	ordered := make([]datatypes.SearchResult, 0, len(results))
	ordered = append(ordered, primary...)
	ordered = append(ordered, secondary...)

	parts := make([]string, 0, len(ordered))
	sources := make([]datatypes.SourceInfo, 0, len(ordered))
	for _, res := range ordered {
		parts = append(parts, res.Content)
		sources = append(sources, datatypes.SourceInfo{
			Source: res.FileName(),
			Score:  res.Score(),
		})
	}

	return &RetrievalResult{
		ContextText:    strings.Join(parts, contextSeparator),
		Sources:        sources,
		TrustedURLs:    trusted,
		PrimaryCount:   len(primary),
		SecondaryCount: len(secondary),
	}
}
