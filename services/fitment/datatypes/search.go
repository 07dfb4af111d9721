// Copyright (C) 2025 vkumar04
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"strings"
)

// =============================================================================
// Search Result Types
// =============================================================================

// SearchResult is one entry returned by the semantic-search index: an opaque
// content blob plus an arbitrary attribute mapping.
type SearchResult struct {
	Content    string
	Attributes map[string]interface{}
}

// FileName returns the result's file-name attribute, checking both the
// "file_name" and "filename" spellings the index has used over time.
// Returns "" when neither is present or the value is not a string.
func (r SearchResult) FileName() string {
	for _, key := range []string{"file_name", "filename"} {
		if v, ok := r.Attributes[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// Score returns the ranking certainty from the result's _additional block,
// or 0 when the index did not report one.
func (r SearchResult) Score() float64 {
	additional, ok := r.Attributes["_additional"].(map[string]interface{})
	if !ok {
		return 0
	}
	if certainty, ok := additional["certainty"].(float64); ok {
		return certainty
	}
	return 0
}

// SourceInfo describes a retrieved document for the SSE sources event.
type SourceInfo struct {
	Source string  `json:"source"`
	Score  float64 `json:"score,omitempty"`
}

// =============================================================================
// Trusted URL Set
// =============================================================================

// TrustedURLSet collects the collection URLs seen in retrieval results for a
// single request. It backs the post-generation URL audit: a generated URL on
// the sensitive domain is trusted only if it matches an entry exactly
// (case-insensitively) or extends one as a prefix.
//
// The set is request-scoped and discarded when the request completes. It is
// not safe for concurrent use; each request builds its own.
type TrustedURLSet struct {
	urls map[string]string // lowercased URL -> original form
}

// NewTrustedURLSet returns an empty set.
func NewTrustedURLSet() *TrustedURLSet {
	return &TrustedURLSet{urls: make(map[string]string)}
}

// Add records a URL. Empty strings are ignored.
func (s *TrustedURLSet) Add(url string) {
	if url == "" {
		return
	}
	s.urls[strings.ToLower(url)] = url
}

// Covers reports whether the URL exactly matches (case-insensitively) or is a
// prefix-extension of some entry in the set.
func (s *TrustedURLSet) Covers(url string) bool {
	lower := strings.ToLower(url)
	if _, ok := s.urls[lower]; ok {
		return true
	}
	for entry := range s.urls {
		if strings.HasPrefix(lower, entry) {
			return true
		}
	}
	return false
}

// Len returns the number of entries.
func (s *TrustedURLSet) Len() int {
	return len(s.urls)
}

// Values returns the recorded URLs in their original form.
func (s *TrustedURLSet) Values() []string {
	out := make([]string, 0, len(s.urls))
	for _, v := range s.urls {
		out = append(out, v)
	}
	return out
}

// =============================================================================
// Collection URL Extraction
// =============================================================================

// CollectTrustedURLs extracts collection URLs from a search result into the
// set. Extraction is best-effort: the result content is parsed as JSON and a
// "collection_url" field is read from the object, or from each element when
// the content is an array. The attribute mapping is checked as well. Parse
// failures are ignored.
func CollectTrustedURLs(set *TrustedURLSet, result SearchResult) {
	if v, ok := result.Attributes["collection_url"]; ok {
		if s, ok := v.(string); ok {
			set.Add(s)
		}
	}

	var parsed interface{}
	if err := json.Unmarshal([]byte(result.Content), &parsed); err != nil {
		return
	}

	switch val := parsed.(type) {
	case map[string]interface{}:
		addCollectionURL(set, val)
	case []interface{}:
		for _, elem := range val {
			if obj, ok := elem.(map[string]interface{}); ok {
				addCollectionURL(set, obj)
			}
		}
	}
}

func addCollectionURL(set *TrustedURLSet, obj map[string]interface{}) {
	if v, ok := obj["collection_url"]; ok {
		if s, ok := v.(string); ok {
			set.Add(s)
		}
	}
}
