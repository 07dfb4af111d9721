// Copyright (C) 2025 vkumar04
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// GetCatalogSchema returns the Weaviate class definition for catalog
// snippets. The class name is the configured index identifier, so multiple
// catalogs (staging, production) can share one Weaviate instance.
func GetCatalogSchema(className string) *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       className,
		Description: "A wheel catalog snippet with its source file and collection link.",
		Vectorizer:  "text2vec-openai",
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The snippet content, a serialized catalog record.",
				Tokenization: "word",
			},
			{
				Name:            "file_name",
				DataType:        []string{"text"},
				Description:     "The source file the snippet was ingested from.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "collection_url",
				DataType:        []string{"text"},
				Description:     "Canonical product collection URL for this record.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "ingested_at",
				DataType:        []string{"number"},
				Description:     "Timestamp (Unix ms) of when the snippet was ingested.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// EnsureCatalogSchema creates the catalog class when it does not exist yet.
// Existing classes are left untouched.
func EnsureCatalogSchema(ctx context.Context, client *weaviate.Client, className string) error {
	slog.Info("Checking schema", "class", className)

	_, err := client.Schema().ClassGetter().WithClassName(className).Do(ctx)
	if err == nil {
		slog.Info("Schema already exists", "class", className)
		return nil
	}

	slog.Info("Schema not found, creating it...", "class", className)
	class := GetCatalogSchema(className)
	if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create schema for class %s: %w", className, err)
	}
	slog.Info("Successfully created schema", "class", className)
	return nil
}

// CatalogProperties represents the properties for creating a catalog snippet
// object in Weaviate.
type CatalogProperties struct {
	Content       string `json:"content"`
	FileName      string `json:"file_name"`
	CollectionURL string `json:"collection_url"`
	IngestedAt    int64  `json:"ingested_at"`
}

// ToMap converts CatalogProperties to the map format required by the
// Weaviate client's WithProperties() method.
func (p *CatalogProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"content":        p.Content,
		"file_name":      p.FileName,
		"collection_url": p.CollectionURL,
		"ingested_at":    p.IngestedAt,
	}
}
