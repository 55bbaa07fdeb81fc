// Package specialty validates free-text specialty requests ("heart doctor")
// against the canonical role and specialty labels actually present in the
// schedule data, using the LLM for fuzzy mapping and a literal membership
// check to keep it honest.
package specialty

import (
	"context"
	"fmt"
	"sync"
)

// VocabularySource supplies the distinct canonical labels. The scheduling
// store implements it.
type VocabularySource interface {
	DistinctSpecialtyLabels(ctx context.Context) ([]string, error)
}

// VocabularyCache memoizes the canonical label set for the life of the
// process. Schedule data changes rarely; Invalidate forces a reload.
type VocabularyCache struct {
	source VocabularySource

	mu     sync.Mutex
	labels []string
	loaded bool
}

func NewVocabularyCache(source VocabularySource) *VocabularyCache {
	return &VocabularyCache{source: source}
}

// Labels returns the cached label set, loading it on first use.
func (c *VocabularyCache) Labels(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded {
		return c.labels, nil
	}

	labels, err := c.source.DistinctSpecialtyLabels(ctx)
	if err != nil {
		return nil, fmt.Errorf("specialty: load vocabulary: %w", err)
	}
	c.labels = labels
	c.loaded = true
	return c.labels, nil
}

// Invalidate discards the cached labels so the next Labels call reloads.
func (c *VocabularyCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.labels = nil
	c.loaded = false
}
