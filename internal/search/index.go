// Package search maintains a bleve full-text index over tasks. The index
// is a derived view: it is rebuilt from the store on startup and may be
// deleted at any time without data loss.
package search

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/basket/taskgate/internal/task"
)

// taskDocument is the indexed projection of a task. Only text worth
// matching on goes in; everything else stays in the store.
type taskDocument struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	ReviewNotes string `json:"review_notes"`
	Status      string `json:"status"`
	OwnerID     string `json:"owner_id"`
}

// Index wraps a bleve index with owner scoping on every query.
type Index struct {
	mu    sync.RWMutex
	index bleve.Index
}

// Open opens or creates the bleve index at path.
func Open(path string) (*Index, error) {
	var idx bleve.Index
	var err error
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create search index: %w", err)
		}
	} else {
		idx, err = bleve.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open search index: %w", err)
		}
	}
	return &Index{index: idx}, nil
}

// OpenInMemory creates a transient index. Used in tests.
func OpenInMemory() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create in-memory search index: %w", err)
	}
	return &Index{index: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name

	keywordFieldMapping := bleve.NewKeywordFieldMapping()

	docMapping.AddFieldMappingsAt("title", textFieldMapping)
	docMapping.AddFieldMappingsAt("description", textFieldMapping)
	docMapping.AddFieldMappingsAt("review_notes", textFieldMapping)
	docMapping.AddFieldMappingsAt("status", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("owner_id", keywordFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = standard.Name
	return indexMapping
}

// Index adds or replaces one task in the index.
func (ix *Index) Index(t task.Task) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	doc := taskDocument{
		Title:       t.Title,
		Description: t.Description,
		ReviewNotes: t.ReviewNotes,
		Status:      string(t.Status),
		OwnerID:     t.CreatedByID,
	}
	if err := ix.index.Index(t.ID, doc); err != nil {
		return fmt.Errorf("index task: %w", err)
	}
	return nil
}

// Delete removes one task from the index. Deleting an unknown id is a
// no-op.
func (ix *Index) Delete(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.index.Delete(id); err != nil {
		return fmt.Errorf("delete from index: %w", err)
	}
	return nil
}

// Query runs a full-text match over the owner's tasks and returns
// matching task ids, best first.
func (ix *Index) Query(ownerID, q string, limit int) ([]string, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	matchQuery := bleve.NewMatchQuery(q)
	ownerQuery := bleve.NewTermQuery(ownerID)
	ownerQuery.SetField("owner_id")

	boolQuery := bleve.NewBooleanQuery()
	boolQuery.AddMust(matchQuery)
	boolQuery.AddMust(ownerQuery)

	req := bleve.NewSearchRequest(boolQuery)
	req.Size = limit

	result, err := ix.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	ids := make([]string, 0, len(result.Hits))
	for _, hit := range result.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Rebuild repopulates the index by streaming every task from source.
// Existing entries are overwritten in place.
func (ix *Index) Rebuild(ctx context.Context, source func(context.Context, func(task.Task) error) error) error {
	return source(ctx, func(t task.Task) error {
		return ix.Index(t)
	})
}

// DocCount returns the number of indexed tasks.
func (ix *Index) DocCount() (uint64, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.index.DocCount()
}

// Close releases the index.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.index.Close()
}
