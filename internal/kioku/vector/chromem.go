package vector

import (
	"context"
	"fmt"
	"log/slog"

	chromem "github.com/philippgille/chromem-go"

	"github.com/bdobrica/kioku/internal/kioku/memory"
)

// DefaultCollection is the chromem collection memories are written to.
const DefaultCollection = "memories"

// ChromemStore keeps memories in an embedded chromem-go database, either
// purely in memory or persisted to a directory.
type ChromemStore struct {
	db     *chromem.DB
	col    *chromem.Collection
	logger *slog.Logger
}

var _ Store = (*ChromemStore)(nil)

// ChromemConfig configures a ChromemStore.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path string
	// Collection defaults to DefaultCollection.
	Collection string
	// Compress gzips persisted documents.
	Compress bool
}

// NewChromemStore opens the chromem database described by cfg. A nil logger
// uses slog.Default().
func NewChromemStore(cfg ChromemConfig, logger *slog.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("vector chromem: open %s: %w", cfg.Path, err)
		}
	}

	// Embeddings are always supplied by the caller, so no embedding func.
	col, err := db.GetOrCreateCollection(cfg.Collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector chromem: collection %s: %w", cfg.Collection, err)
	}

	logger.Debug("vector chromem: opened", "path", cfg.Path, "collection", cfg.Collection, "count", col.Count())
	return &ChromemStore{db: db, col: col, logger: logger}, nil
}

// Upsert implements Store.
func (s *ChromemStore) Upsert(ctx context.Context, rec memory.Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: rec.Embedding,
		Metadata:  rec.Metadata(),
	}
	if err := s.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("vector chromem: add document %s: %w", rec.ID, err)
	}
	return nil
}

// Exists implements Store.
func (s *ChromemStore) Exists(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	// GetByID only fails for an empty or unknown ID.
	if _, err := s.col.GetByID(ctx, id); err != nil {
		return false, nil
	}
	return true, nil
}

// Get implements Store.
func (s *ChromemStore) Get(ctx context.Context, id string) (memory.Record, error) {
	if id == "" {
		return memory.Record{}, fmt.Errorf("empty id: %w", ErrNotFound)
	}
	doc, err := s.col.GetByID(ctx, id)
	if err != nil {
		return memory.Record{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return recordFromMetadata(doc.ID, doc.Content, doc.Embedding, doc.Metadata)
}

// Search implements Store.
func (s *ChromemStore) Search(ctx context.Context, personaID string, query []float32, topK int) ([]Match, error) {
	if topK <= 0 || len(query) == 0 {
		return nil, nil
	}
	// chromem-go requires nResults <= collection size.
	if n := s.col.Count(); topK > n {
		topK = n
	}
	if topK == 0 {
		return nil, nil
	}

	var where map[string]string
	if personaID != "" {
		where = map[string]string{memory.MetaPersonaID: personaID}
	}
	results, err := s.col.QueryEmbedding(ctx, query, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vector chromem: query: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		rec, err := recordFromMetadata(r.ID, r.Content, r.Embedding, r.Metadata)
		if err != nil {
			s.logger.Warn("vector chromem: skip malformed document", "id", r.ID, "err", err)
			continue
		}
		matches = append(matches, Match{Record: rec, Score: float64(r.Similarity)})
	}
	return matches, nil
}

// Count implements Store.
func (s *ChromemStore) Count(context.Context) (int, error) {
	return s.col.Count(), nil
}

// Close implements Store. Persistent databases are written on every
// upsert, so there is nothing to flush.
func (s *ChromemStore) Close() error {
	return nil
}
