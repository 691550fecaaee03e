// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package semantic

import (
	"github.com/weaviate/weaviate/entities/models"
)

// classFor returns the class definition for the operational document index.
//
// Title and content are vectorized; the identity and filter fields skip
// vectorization so they do not pollute the embedding.
func classFor(name string) *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	indexSearchable := new(bool)
	*indexSearchable = true

	skip := map[string]interface{}{
		"text2vec-transformers": map[string]interface{}{
			"skip": true,
		},
	}

	return &models.Class{
		Class:       name,
		Description: "Operational documents served by the retrieval pipeline",
		Vectorizer:  "text2vec-transformers",
		ModuleConfig: map[string]interface{}{
			"text2vec-transformers": map[string]interface{}{
				"vectorizeClassName": false,
			},
		},
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "docId",
				DataType:        []string{"text"},
				Description:     "Adapter-scoped document identifier",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
				ModuleConfig:    skip,
			},
			{
				Name:            "title",
				DataType:        []string{"text"},
				Description:     "Document title",
				IndexSearchable: indexSearchable,
				Tokenization:    "word",
			},
			{
				Name:            "content",
				DataType:        []string{"text"},
				Description:     "Document body",
				IndexSearchable: indexSearchable,
				Tokenization:    "word",
			},
			{
				Name:            "category",
				DataType:        []string{"text"},
				Description:     "Operational role: runbook, procedure, decision_tree, guide, general",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
				ModuleConfig:    skip,
			},
			{
				Name:            "sourceName",
				DataType:        []string{"text"},
				Description:     "Name of the source the document came from",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
				ModuleConfig:    skip,
			},
			{
				Name:         "updatedAt",
				DataType:     []string{"date"},
				Description:  "When the source last changed the document",
				ModuleConfig: skip,
			},
		},
	}
}
