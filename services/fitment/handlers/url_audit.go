// Copyright (C) 2025 vkumar04
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/vkumar04/BBS-fitment/services/fitment/datatypes"
	"github.com/vkumar04/BBS-fitment/services/fitment/observability"
)

// urlPattern matches http(s) URLs in generated text. Trailing punctuation
// that markdown or prose attaches to a link is trimmed separately.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// URLAuditor scans completed responses for links on the sensitive domain
// that retrieval never produced.
//
// # Description
//
// The model is instructed to cite only catalog collection URLs, but
// instructions are not enforcement. After each stream completes, the
// auditor extracts every URL from the full answer and checks the ones on
// the sensitive domain against the request's trusted set. Mismatches are
// logged and counted; the response is not modified or blocked, since by
// audit time it has already been streamed to the client.
type URLAuditor struct {
	sensitiveDomain string
	metrics         *observability.StreamingMetrics
}

// NewURLAuditor creates an auditor for the given domain. Domain matching is
// case-insensitive and covers subdomains.
func NewURLAuditor(sensitiveDomain string, metrics *observability.StreamingMetrics) *URLAuditor {
	return &URLAuditor{
		sensitiveDomain: strings.ToLower(sensitiveDomain),
		metrics:         metrics,
	}
}

// Audit checks answer for untrusted sensitive-domain URLs.
//
// # Inputs
//
//	requestID - Request identifier for log correlation
//	answer - The complete generated response
//	trusted - URLs retrieval produced for this request
//
// # Outputs
//
//	[]string - The mismatched URLs, empty when the answer is clean
func (a *URLAuditor) Audit(requestID, answer string, trusted *datatypes.TrustedURLSet) []string {
	var mismatches []string
	for _, raw := range urlPattern.FindAllString(answer, -1) {
		url := strings.TrimRight(raw, ".,;:!?")
		if !a.onSensitiveDomain(url) {
			continue
		}
		if trusted != nil && trusted.Covers(url) {
			continue
		}
		mismatches = append(mismatches, url)
	}

	if len(mismatches) > 0 {
		var trustedURLs []string
		if trusted != nil {
			trustedURLs = trusted.Values()
		}
		slog.Warn("Generated response cites unverified catalog URLs",
			"request_id", requestID,
			"domain", a.sensitiveDomain,
			"mismatched_urls", mismatches,
			"trusted_urls", trustedURLs,
		)
		if a.metrics != nil {
			for range mismatches {
				a.metrics.RecordAuditMismatch()
			}
		}
	}

	return mismatches
}

// onSensitiveDomain reports whether the URL's host is the sensitive domain
// or one of its subdomains.
func (a *URLAuditor) onSensitiveDomain(url string) bool {
	lower := strings.ToLower(url)
	rest, ok := strings.CutPrefix(lower, "https://")
	if !ok {
		rest, ok = strings.CutPrefix(lower, "http://")
		if !ok {
			return false
		}
	}

	host := rest
	if idx := strings.IndexAny(host, "/?#"); idx >= 0 {
		host = host[:idx]
	}
	if idx := strings.Index(host, ":"); idx >= 0 {
		host = host[:idx]
	}

	return host == a.sensitiveDomain || strings.HasSuffix(host, "."+a.sensitiveDomain)
}
