// Package memory keeps entities in process for tests and local development.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

// Processor stores entities keyed by kind and slug, merging attributes on update.
type Processor struct {
	mu       sync.Mutex
	entities map[string]pipeline.Entity
}

var _ pipeline.EntityProcessor = (*Processor)(nil)

// NewProcessor creates an empty Processor.
func NewProcessor() *Processor {
	return &Processor{entities: make(map[string]pipeline.Entity)}
}

// Upsert inserts new entities and merges existing ones.
func (p *Processor) Upsert(ctx context.Context, entities []pipeline.Entity) (pipeline.UpsertResult, error) {
	var result pipeline.UpsertResult
	if err := ctx.Err(); err != nil {
		return result, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entities {
		if e.Kind == "" || e.Slug == "" {
			result.Failed = append(result.Failed, e.Slug)
			continue
		}
		key := e.Kind + "/" + e.Slug
		existing, ok := p.entities[key]
		if !ok {
			e.Attributes = maps.Clone(e.Attributes)
			p.entities[key] = e
			result.Created = append(result.Created, e.Slug)
			continue
		}
		merged := maps.Clone(existing.Attributes)
		if merged == nil {
			merged = map[string]any{}
		}
		maps.Copy(merged, e.Attributes)
		existing.Name = e.Name
		existing.Attributes = merged
		p.entities[key] = existing
		result.Updated = append(result.Updated, e.Slug)
	}
	return result, nil
}

// Get returns the stored entity for kind and slug.
func (p *Processor) Get(kind, slug string) (pipeline.Entity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entities[kind+"/"+slug]
	return e, ok
}

// All returns every stored entity ordered by kind then slug.
func (p *Processor) All() []pipeline.Entity {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pipeline.Entity, 0, len(p.entities))
	for _, e := range p.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Slug < out[j].Slug
	})
	return out
}
