// Copyright (C) 2025 vkumar04
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkumar04/BBS-fitment/services/fitment/datatypes"
)

// fakeRetriever returns canned results for RetrievalService tests.
type fakeRetriever struct {
	results   []datatypes.SearchResult
	err       error
	lastQuery string
	lastLimit int
}

func (f *fakeRetriever) Search(ctx context.Context, query string, limit int) ([]datatypes.SearchResult, error) {
	f.lastQuery = query
	f.lastLimit = limit
	return f.results, f.err
}

func snippet(content, fileName string) datatypes.SearchResult {
	return datatypes.SearchResult{
		Content:    content,
		Attributes: map[string]interface{}{"file_name": fileName},
	}
}

// =============================================================================
// BuildContext
// =============================================================================

func TestBuildContext_PrimarySnippetsOrderedFirst(t *testing.T) {
	results := []datatypes.SearchResult{
		snippet("dealer info", "dealers.json"),
		snippet("ch-r specs", "BBS_wheels.json"),
		snippet("press review", "reviews.json"),
		snippet("lm specs", "bbs_wheels_forged.json"),
	}

	out := BuildContext(results, "bbs_wheels")

	parts := strings.Split(out.ContextText, "\n\n---\n\n")
	require.Len(t, parts, 4)
	assert.Equal(t, "ch-r specs", parts[0], "primary snippets come first")
	assert.Equal(t, "lm specs", parts[1], "relative order within the primary group is preserved")
	assert.Equal(t, "dealer info", parts[2], "relative order within the secondary group is preserved")
	assert.Equal(t, "press review", parts[3])

	assert.Equal(t, 2, out.PrimaryCount)
	assert.Equal(t, 2, out.SecondaryCount)
}

func TestBuildContext_MarkerMatchIsCaseInsensitive(t *testing.T) {
	results := []datatypes.SearchResult{
		snippet("a", "other.json"),
		snippet("b", "BBS_WHEELS.JSON"),
	}

	out := BuildContext(results, "bbs_wheels")

	assert.True(t, strings.HasPrefix(out.ContextText, "b"),
		"marker comparison ignores case")
	assert.Equal(t, 1, out.PrimaryCount)
}

func TestBuildContext_SourcesFollowContextOrder(t *testing.T) {
	results := []datatypes.SearchResult{
		snippet("secondary", "misc.json"),
		snippet("primary", "bbs_wheels.json"),
	}

	out := BuildContext(results, "bbs_wheels")

	require.Len(t, out.Sources, 2)
	assert.Equal(t, "bbs_wheels.json", out.Sources[0].Source)
	assert.Equal(t, "misc.json", out.Sources[1].Source)
}

func TestBuildContext_CollectsTrustedURLs(t *testing.T) {
	results := []datatypes.SearchResult{
		{
			Content:    `{"name":"CH-R","collection_url":"https://bbswheels.com/collections/ch-r"}`,
			Attributes: map[string]interface{}{"file_name": "bbs_wheels.json"},
		},
		{
			Content: "plain dealer text",
			Attributes: map[string]interface{}{
				"file_name":      "dealers.json",
				"collection_url": "https://bbswheels.com/pages/dealers",
			},
		},
	}

	out := BuildContext(results, "bbs_wheels")

	assert.Equal(t, 2, out.TrustedURLs.Len())
	assert.True(t, out.TrustedURLs.Covers("https://bbswheels.com/collections/ch-r"))
	assert.True(t, out.TrustedURLs.Covers("https://bbswheels.com/pages/dealers"))
}

func TestBuildContext_EmptyResults(t *testing.T) {
	out := BuildContext(nil, "bbs_wheels")

	assert.Equal(t, "", out.ContextText)
	assert.Empty(t, out.Sources)
	assert.Equal(t, 0, out.TrustedURLs.Len())
	assert.Equal(t, 0, out.PrimaryCount)
	assert.Equal(t, 0, out.SecondaryCount)
}

// =============================================================================
// RetrievalService
// =============================================================================

func TestNewRetrievalService_Validation(t *testing.T) {
	_, err := NewRetrievalService(nil, "bbs_wheels")
	assert.Error(t, err)

	_, err = NewRetrievalService(&fakeRetriever{}, "")
	assert.Error(t, err)
}

func TestRetrievalService_Retrieve(t *testing.T) {
	retriever := &fakeRetriever{
		results: []datatypes.SearchResult{
			snippet("secondary", "misc.json"),
			snippet("primary", "bbs_wheels.json"),
		},
	}
	svc, err := NewRetrievalService(retriever, "bbs_wheels")
	require.NoError(t, err)

	out, err := svc.Retrieve(context.Background(), "19 inch for a golf r")
	require.NoError(t, err)

	assert.Equal(t, "19 inch for a golf r", retriever.lastQuery)
	assert.Equal(t, MaxSearchResults, retriever.lastLimit)
	assert.Equal(t, "primary\n\n---\n\nsecondary", out.ContextText)
}

func TestRetrievalService_RetrievePropagatesError(t *testing.T) {
	retriever := &fakeRetriever{
		err: &RetrievalError{Index: "FitmentCatalog", Err: errors.New("timeout")},
	}
	svc, err := NewRetrievalService(retriever, "bbs_wheels")
	require.NoError(t, err)

	_, err = svc.Retrieve(context.Background(), "anything")
	require.Error(t, err)
	assert.True(t, IsRetrievalError(err))
}

// =============================================================================
// RetrievalError
// =============================================================================

func TestIsRetrievalError(t *testing.T) {
	base := &RetrievalError{Index: "FitmentCatalog", Err: errors.New("boom")}
	assert.True(t, IsRetrievalError(base))
	assert.True(t, IsRetrievalError(fmt.Errorf("wrapped: %w", base)),
		"detection works through wrapping")
	assert.False(t, IsRetrievalError(errors.New("boom")))

	assert.Contains(t, base.Error(), "FitmentCatalog")
	assert.Equal(t, "boom", errors.Unwrap(base).Error())
}

// =============================================================================
// coerceContent
// =============================================================================

func TestCoerceContent(t *testing.T) {
	assert.Equal(t, "hello", coerceContent("hello"))
	assert.Equal(t, "", coerceContent(nil))
	assert.Equal(t, "42", coerceContent(42))
}

func TestCoerceContent_NonStringIsJSON(t *testing.T) {
	content := coerceContent(map[string]interface{}{
		"name":           "CH-R",
		"collection_url": "https://bbswheels.com/collections/ch-r",
	})

	// Re-serialized as JSON so downstream URL extraction still works
	assert.JSONEq(t, `{"name":"CH-R","collection_url":"https://bbswheels.com/collections/ch-r"}`, content)

	assert.Equal(t, `["a","b"]`, coerceContent([]interface{}{"a", "b"}))
}

// =============================================================================
// NewWeaviateRetriever
// =============================================================================

func TestNewWeaviateRetriever_Validation(t *testing.T) {
	_, err := NewWeaviateRetriever(nil, "FitmentCatalog")
	assert.Error(t, err, "nil client is rejected")
}
