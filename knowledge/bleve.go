package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"
)

// BleveConfig configures a BleveStore.
type BleveConfig struct {
	// Path is the index directory. Empty keeps the index in memory.
	Path string

	// MaxResults bounds the snippets returned by GetContext. Default: 5
	MaxResults int

	// TaskBoost weights entries from the querying task. Default: 2
	TaskBoost float64
}

// BleveStore is a full-text Store backed by a bleve index.
type BleveStore struct {
	mu     sync.RWMutex
	index  bleve.Index
	config BleveConfig
	now    func() time.Time
}

// NewBleveStore opens the index at cfg.Path, creating it if needed.
func NewBleveStore(cfg BleveConfig) (*BleveStore, error) {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.TaskBoost <= 0 {
		cfg.TaskBoost = 2
	}

	var (
		index bleve.Index
		err   error
	)
	switch {
	case cfg.Path == "":
		index, err = bleve.NewMemOnly(buildIndexMapping())
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create knowledge directory: %w", err)
		}
		if _, statErr := os.Stat(cfg.Path); os.IsNotExist(statErr) {
			index, err = bleve.New(cfg.Path, buildIndexMapping())
		} else {
			index, err = bleve.Open(cfg.Path)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge index: %w", err)
	}
	return &BleveStore{index: index, config: cfg, now: time.Now}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	text.Store = true

	keyword := bleve.NewKeywordFieldMapping()
	keyword.Store = true

	doc.AddFieldMappingsAt("content", text)
	doc.AddFieldMappingsAt("task_id", keyword)
	doc.AddFieldMappingsAt("created_at", bleve.NewDateTimeFieldMapping())

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// Remember indexes message under taskID.
func (s *BleveStore) Remember(_ context.Context, taskID, message string) error {
	if strings.TrimSpace(message) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := Entry{ID: uuid.New().String(), TaskID: taskID, Content: message, CreatedAt: s.now()}
	if err := s.index.Index(e.ID, e); err != nil {
		return fmt.Errorf("failed to index entry: %w", err)
	}
	return nil
}

// Search returns entries matching query. Entries of taskID score higher.
func (s *BleveStore) Search(_ context.Context, query, taskID string, limit int) ([]Entry, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = s.config.MaxResults
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	match := bleve.NewMatchQuery(query)
	match.SetField("content")
	q := bleve.NewBooleanQuery()
	q.AddMust(match)
	if taskID != "" {
		same := bleve.NewTermQuery(taskID)
		same.SetField("task_id")
		same.SetBoost(s.config.TaskBoost)
		q.AddShould(same)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.Fields = []string{"content", "task_id"}

	res, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	out := make([]Entry, 0, len(res.Hits))
	for _, hit := range res.Hits {
		e := Entry{ID: hit.ID}
		e.Content, _ = hit.Fields["content"].(string)
		e.TaskID, _ = hit.Fields["task_id"].(string)
		out = append(out, e)
	}
	return out, nil
}

// GetContext formats the best matches as a bullet list.
func (s *BleveStore) GetContext(ctx context.Context, query, taskID string) (string, error) {
	entries, err := s.Search(ctx, query, taskID, 0)
	if err != nil || len(entries) == 0 {
		return "", err
	}
	var b strings.Builder
	for _, e := range entries {
		b.WriteString("- ")
		b.WriteString(e.Content)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// Count returns the number of indexed entries.
func (s *BleveStore) Count() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.DocCount()
}

// Close closes the index.
func (s *BleveStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Close()
}
