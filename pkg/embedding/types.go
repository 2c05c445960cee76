// Package embedding maintains the runtime's semantic vector index: normalized
// 768-dim embeddings over atoms, threads, and free text, persisted as JSON
// with a content-addressed cache so deletions rebuild without re-encoding.
package embedding

import (
	"context"
	"time"
)

// Dim is the embedding dimensionality produced by the sentence encoder.
const Dim = 768

// ContentType classifies indexed text for query-side filtering.
type ContentType string

const (
	ContentCode    ContentType = "code"
	ContentText    ContentType = "text"
	ContentConfig  ContentType = "config"
	ContentMemory  ContentType = "memory"
	ContentThread  ContentType = "thread"
	ContentGeneral ContentType = "general"
)

// Entry is the metadata stored alongside each vector. Metadata carries the
// back-reference (memory_id or thread_id) into the owning store. Hash is the
// content hash of the full prefixed input; Text may be truncated, so rebuilds
// key the cache by Hash.
type Entry struct {
	ID          string            `json:"id"`
	Text        string            `json:"text"`
	Hash        string            `json:"hash,omitempty"`
	ContentType ContentType       `json:"content_type"`
	CreatedAt   time.Time         `json:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Scored pairs an entry with its cosine similarity to a query.
type Scored struct {
	Entry Entry
	Score float32
}

// Item is one input to EmbedBatch.
type Item struct {
	Text        string
	ContentType ContentType
	Metadata    map[string]string
}

// Encoder produces raw (not necessarily normalized) embedding vectors.
// The production implementation calls an external sentence-encoder service;
// tests substitute a deterministic fake.
type Encoder interface {
	Encode(ctx context.Context, inputs []string) ([][]float32, error)
}
