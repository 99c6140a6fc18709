// Package discovery keeps a full-text index of registered agents so
// peers can find them by what they say they do, not only by exact
// capability tag.
package discovery

import (
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/rayrabbit/rayrabbit/errors"
	"github.com/rayrabbit/rayrabbit/logging"
	"github.com/rayrabbit/rayrabbit/registry"
)

// DefaultLimit caps Search results when no limit is given.
const DefaultLimit = 10

// document is what gets indexed for one agent.
type document struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Tags         string   `json:"tags"` // capabilities as words
}

// Hit is one search result.
type Hit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// SearchOptions narrows a search.
type SearchOptions struct {
	// Limit caps the result count. Default: DefaultLimit
	Limit int

	// Capability keeps only agents declaring this exact tag.
	Capability string
}

// Index is an in-memory bleve index of agent registrations.
type Index struct {
	mu  sync.RWMutex
	idx bleve.Index
	log logging.FieldLogger

	// indexed maps each document id to the registration it was built from.
	indexed map[string]time.Time
}

// New creates an empty index.
func New(log logging.FieldLogger) (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, errors.Wrap(err, "creating discovery index")
	}
	return &Index{
		idx:     idx,
		log:     logging.Component(log, "discovery"),
		indexed: make(map[string]time.Time),
	}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name

	keyword := bleve.NewKeywordFieldMapping()

	doc.AddFieldMappingsAt("name", text)
	doc.AddFieldMappingsAt("description", text)
	doc.AddFieldMappingsAt("tags", text)
	doc.AddFieldMappingsAt("capabilities", keyword)
	doc.AddFieldMappingsAt("id", keyword)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// Add indexes e, replacing any previous document for the same id.
func (x *Index) Add(e registry.Entry) error {
	doc := document{
		ID:           e.ID,
		Name:         e.Name,
		Description:  e.Description,
		Capabilities: e.Capabilities,
		Tags:         strings.ReplaceAll(strings.Join(e.Capabilities, " "), "_", " "),
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.idx.Index(e.ID, doc); err != nil {
		return errors.Wrap(err, "indexing agent", errors.WithAgentID(e.ID))
	}
	x.indexed[e.ID] = e.RegisteredAt
	return nil
}

// Remove drops id from the index. Removing an unknown id is not an error.
func (x *Index) Remove(id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.idx.Delete(id); err != nil {
		return errors.Wrap(err, "removing agent", errors.WithAgentID(id))
	}
	delete(x.indexed, id)
	return nil
}

// Len returns the number of indexed agents.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n, err := x.idx.DocCount()
	if err != nil {
		return 0
	}
	return int(n)
}

// Search finds agents whose name, description or capabilities match
// text, best match first. An empty text lists every agent that passes
// the capability filter.
func (x *Index) Search(text string, opts SearchOptions) ([]Hit, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}

	var q query.Query = bleve.NewMatchAllQuery()
	if text = strings.TrimSpace(text); text != "" {
		q = matchText(text)
	}
	if opts.Capability != "" {
		tag := bleve.NewTermQuery(opts.Capability)
		tag.SetField("capabilities")
		q = bleve.NewConjunctionQuery(q, tag)
	}

	req := bleve.NewSearchRequestOptions(q, opts.Limit, 0, false)

	x.mu.RLock()
	res, err := x.idx.Search(req)
	x.mu.RUnlock()
	if err != nil {
		return nil, errors.Wrap(err, "searching agents", errors.WithMetadata("query", text))
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{ID: h.ID, Score: h.Score})
	}
	return hits, nil
}

// matchText searches the text fields, weighting names highest.
func matchText(text string) query.Query {
	name := bleve.NewMatchQuery(text)
	name.SetField("name")
	name.SetBoost(2)

	desc := bleve.NewMatchQuery(text)
	desc.SetField("description")

	tags := bleve.NewMatchQuery(text)
	tags.SetField("tags")
	tags.SetBoost(1.5)

	exact := bleve.NewTermQuery(text)
	exact.SetField("capabilities")
	exact.SetBoost(3)

	return bleve.NewDisjunctionQuery(name, desc, tags, exact)
}

// Sync makes the index hold exactly entries. Entries already indexed
// from the same registration are left alone, and documents for agents
// missing from entries are removed.
func (x *Index) Sync(entries []registry.Entry) error {
	live := make(map[string]bool, len(entries))
	var stale []registry.Entry
	x.mu.RLock()
	for _, e := range entries {
		live[e.ID] = true
		if at, ok := x.indexed[e.ID]; !ok || !at.Equal(e.RegisteredAt) {
			stale = append(stale, e)
		}
	}
	var gone []string
	for id := range x.indexed {
		if !live[id] {
			gone = append(gone, id)
		}
	}
	x.mu.RUnlock()

	var errs []error
	for _, id := range gone {
		if err := x.Remove(id); err != nil {
			errs = append(errs, err)
		}
	}
	for _, e := range stale {
		if err := x.Add(e); err != nil {
			errs = append(errs, err)
		}
	}
	if len(gone)+len(stale) > 0 {
		x.log.Debug("index_synced", map[string]interface{}{
			"added":   len(stale),
			"removed": len(gone),
		})
	}
	return errors.Join(errs...)
}

// Close releases the index.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.idx.Close()
}
