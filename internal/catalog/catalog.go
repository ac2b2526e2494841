// Package catalog is the similarity store behind the transition sequencer:
// it maps a free-text vibe to the closest named transition of the editor.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"crabstack.local/projects/crab-cut/internal/transition"
)

const seedConcurrency = 4

type Entry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Document is the text that gets embedded and matched.
func (e Entry) Document() string {
	return e.Name + ": " + e.Description
}

type transitionRow struct {
	Name          string    `gorm:"primaryKey;size:191"`
	Description   string    `gorm:"type:text;not null"`
	EmbeddingJSON string    `gorm:"type:text"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (transitionRow) TableName() string {
	return "transitions"
}

type indexed struct {
	entry     Entry
	tokens    map[string]struct{}
	embedding []float64
}

// Catalog persists transitions in the database and answers queries from an
// in-memory index. Without an Embedder it ranks by token overlap.
type Catalog struct {
	db       *gorm.DB
	embedder Embedder
	logger   *zap.Logger

	mu    sync.RWMutex
	index []indexed
}

var _ transition.SimilarityStore = (*Catalog)(nil)

func New(ctx context.Context, db *gorm.DB, embedder Embedder, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&transitionRow{}); err != nil {
		return nil, fmt.Errorf("migrate transitions: %w", err)
	}
	c := &Catalog{db: db, embedder: embedder, logger: logger}
	if err := c.reload(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

// Seed upserts entries, embedding them concurrently when an Embedder is set.
func (c *Catalog) Seed(ctx context.Context, entries []Entry) (int, error) {
	rows := make([]transitionRow, len(entries))
	now := time.Now().UTC()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(seedConcurrency)
	for i, entry := range entries {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return 0, fmt.Errorf("entry %d has no name", i)
		}
		entry.Name = name
		rows[i] = transitionRow{Name: name, Description: strings.TrimSpace(entry.Description), UpdatedAt: now}
		if c.embedder == nil {
			continue
		}
		g.Go(func() error {
			vector, err := c.embedder.Embed(gctx, entry.Document())
			if err != nil {
				return fmt.Errorf("embed %q: %w", entry.Name, err)
			}
			encoded, err := json.Marshal(vector)
			if err != nil {
				return fmt.Errorf("encode embedding of %q: %w", entry.Name, err)
			}
			rows[i].EmbeddingJSON = string(encoded)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, UpdateAll: true}).
		Create(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("upsert transitions: %w", err)
	}
	c.logger.Info("transition catalog seeded", zap.Int("count", len(rows)), zap.Bool("embedded", c.embedder != nil))
	return len(rows), c.reload(ctx)
}

// Query returns the best match for descriptor. A descriptor that matches
// nothing yields a zero entry; an empty catalog yields transition.ErrNoMatch.
func (c *Catalog) Query(ctx context.Context, descriptor string) (transition.CatalogEntry, error) {
	c.mu.RLock()
	index := c.index
	c.mu.RUnlock()
	if len(index) == 0 {
		return transition.CatalogEntry{}, transition.ErrNoMatch
	}

	if c.embedder != nil && hasEmbeddings(index) {
		vector, err := c.embedder.Embed(ctx, descriptor)
		if err != nil {
			return transition.CatalogEntry{}, fmt.Errorf("embed query: %w", err)
		}
		return bestByCosine(index, toFloat64(vector)), nil
	}
	return bestByOverlap(index, tokenize(descriptor)), nil
}

func (c *Catalog) reload(ctx context.Context) error {
	var rows []transitionRow
	if err := c.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return fmt.Errorf("load transitions: %w", err)
	}
	index := make([]indexed, 0, len(rows))
	for _, row := range rows {
		entry := Entry{Name: row.Name, Description: row.Description}
		item := indexed{entry: entry, tokens: tokenize(entry.Document())}
		if row.EmbeddingJSON != "" {
			var vector []float32
			if err := json.Unmarshal([]byte(row.EmbeddingJSON), &vector); err != nil {
				c.logger.Warn("ignoring unreadable embedding", zap.String("transition", row.Name), zap.Error(err))
			} else {
				item.embedding = toFloat64(vector)
			}
		}
		index = append(index, item)
	}

	c.mu.Lock()
	c.index = index
	c.mu.Unlock()
	return nil
}

// LoadEntries reads a JSON object of transition name to description.
func LoadEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file %s: %w", path, err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode catalog file %s: %w", path, err)
	}
	entries := make([]Entry, 0, len(raw))
	for name, description := range raw {
		entries = append(entries, Entry{Name: name, Description: description})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func hasEmbeddings(index []indexed) bool {
	for _, item := range index {
		if len(item.embedding) > 0 {
			return true
		}
	}
	return false
}

func bestByCosine(index []indexed, query []float64) transition.CatalogEntry {
	best := transition.CatalogEntry{}
	bestScore := math.Inf(-1)
	for _, item := range index {
		if len(item.embedding) == 0 {
			continue
		}
		score := cosineSimilarity(query, item.embedding)
		if score > bestScore {
			bestScore = score
			best = transition.CatalogEntry{Name: item.entry.Name, Description: item.entry.Description, Score: score}
		}
	}
	return best
}

func bestByOverlap(index []indexed, query map[string]struct{}) transition.CatalogEntry {
	if len(query) == 0 {
		return transition.CatalogEntry{}
	}
	best := transition.CatalogEntry{}
	bestScore := 0.0
	for _, item := range index {
		matches := 0
		for token := range query {
			if _, ok := item.tokens[token]; ok {
				matches++
			}
		}
		score := float64(matches) / float64(len(query))
		if score > bestScore {
			bestScore = score
			best = transition.CatalogEntry{Name: item.entry.Name, Description: item.entry.Description, Score: score}
		}
	}
	return best
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "the": {}, "of": {}, "to": {}, "with": {}, "for": {}, "in": {}, "on": {},
}

func tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		if _, skip := stopwords[field]; skip {
			continue
		}
		out[field] = struct{}{}
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
