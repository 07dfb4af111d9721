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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"github.com/vkumar04/BBS-fitment/services/fitment/datatypes"
)

// CatalogEntry is one ingestible catalog record: the snippet text the index
// vectorizes plus the provenance attributes retrieval depends on.
type CatalogEntry struct {
	Content       string
	FileName      string
	CollectionURL string
}

// LoadCatalog reads catalog JSON files from dir into ingestible entries.
//
// # Description
//
//	Each *.json file holds either a single product object or an array of
//	them. Every object becomes one entry: its compact JSON re-encoding is
//	the content, the source file's base name is the file_name attribute,
//	and a top-level "collection_url" string (when present) is carried
//	through so retrieval can build the trusted URL set.
//
// # Outputs
//
//	[]CatalogEntry - One entry per product object, in file order
//	error - Non-nil if the directory cannot be read or a file is not
//	        valid JSON
func LoadCatalog(dir string) ([]CatalogEntry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog directory: %w", err)
	}

	var entries []CatalogEntry
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, file.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog file %s: %w", path, err)
		}

		var parsed interface{}
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("catalog file %s is not valid JSON: %w", path, err)
		}

		switch val := parsed.(type) {
		case []interface{}:
			for _, elem := range val {
				entry, err := buildEntry(file.Name(), elem)
				if err != nil {
					return nil, fmt.Errorf("catalog file %s: %w", path, err)
				}
				entries = append(entries, entry)
			}
		default:
			entry, err := buildEntry(file.Name(), val)
			if err != nil {
				return nil, fmt.Errorf("catalog file %s: %w", path, err)
			}
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

func buildEntry(fileName string, obj interface{}) (CatalogEntry, error) {
	content, err := json.Marshal(obj)
	if err != nil {
		return CatalogEntry{}, fmt.Errorf("failed to re-encode product object: %w", err)
	}

	entry := CatalogEntry{
		Content:  string(content),
		FileName: fileName,
	}
	if m, ok := obj.(map[string]interface{}); ok {
		if url, ok := m["collection_url"].(string); ok {
			entry.CollectionURL = url
		}
	}
	return entry, nil
}

// Ingester writes catalog entries into the Weaviate catalog class.
type Ingester struct {
	client    *weaviate.Client
	className string
}

// NewIngester creates an Ingester bound to the catalog class.
func NewIngester(client *weaviate.Client, className string) (*Ingester, error) {
	if client == nil {
		return nil, fmt.Errorf("weaviate client cannot be nil")
	}
	if className == "" {
		return nil, fmt.Errorf("catalog class name cannot be empty")
	}
	return &Ingester{client: client, className: className}, nil
}

// Ingest ensures the catalog schema exists and writes every entry.
//
// # Description
//
//	Creates objects one at a time so a single malformed entry names its
//	source file in the error instead of failing a whole batch opaquely.
//	Returns the number of entries written.
func (i *Ingester) Ingest(ctx context.Context, entries []CatalogEntry) (int, error) {
	if err := datatypes.EnsureCatalogSchema(ctx, i.client, i.className); err != nil {
		return 0, err
	}

	ingestedAt := time.Now().UnixMilli()
	written := 0
	for _, entry := range entries {
		props := datatypes.CatalogProperties{
			Content:       entry.Content,
			FileName:      entry.FileName,
			CollectionURL: entry.CollectionURL,
			IngestedAt:    ingestedAt,
		}

		_, err := i.client.Data().Creator().
			WithClassName(i.className).
			WithProperties(props.ToMap()).
			Do(ctx)
		if err != nil {
			return written, fmt.Errorf("failed to ingest entry from %s: %w", entry.FileName, err)
		}
		written++
	}

	slog.Info("Catalog ingestion complete",
		"class", i.className,
		"entries", written)
	return written, nil
}
