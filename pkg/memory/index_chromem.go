package memory

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemIndex keeps one chromem collection per (user, conversation)
// namespace, so a query can never see another namespace's vectors.
type ChromemIndex struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

// NewChromemIndex creates an in-memory index.
func NewChromemIndex() *ChromemIndex {
	return &ChromemIndex{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}
}

// NewPersistentChromemIndex persists collections under dir.
func NewPersistentChromemIndex(dir string, compress bool) (*ChromemIndex, error) {
	db, err := chromem.NewPersistentDB(dir, compress)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}
	return &ChromemIndex{
		db:          db,
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func namespaceName(userID, conversationID string) string {
	return fmt.Sprintf("ns_%d_%s_%s", len(userID), userID, conversationID)
}

func (x *ChromemIndex) collection(userID, conversationID string, create bool) (*chromem.Collection, error) {
	name := namespaceName(userID, conversationID)
	x.mu.RLock()
	col, ok := x.collections[name]
	x.mu.RUnlock()
	if ok {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if col, ok := x.collections[name]; ok {
		return col, nil
	}
	if !create {
		// Persistent collections from an earlier process are loaded lazily.
		col = x.db.GetCollection(name, nil)
		if col == nil {
			return nil, nil
		}
		x.collections[name] = col
		return col, nil
	}
	col, err := x.db.GetOrCreateCollection(name, map[string]string{
		"user_id":         userID,
		"conversation_id": conversationID,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	x.collections[name] = col
	return col, nil
}

func (x *ChromemIndex) Upsert(ctx context.Context, userID, conversationID string, ref ItemRef, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("index upsert %s: %w: empty vector", ref.Key(), ErrInvalidInput)
	}
	col, err := x.collection(userID, conversationID, true)
	if err != nil {
		return err
	}
	// chromem normalizes in place; hand it a copy.
	emb := append([]float32(nil), vector...)
	doc := chromem.Document{
		ID:        ref.Key(),
		Content:   ref.Key(),
		Embedding: emb,
		Metadata:  map[string]string{"kind": string(ref.Kind)},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index add document: %w", err)
	}
	return nil
}

func (x *ChromemIndex) Query(ctx context.Context, userID, conversationID string, vector []float32, topK int) ([]ScoredRef, error) {
	if topK <= 0 || len(vector) == 0 {
		return nil, nil
	}
	col, err := x.collection(userID, conversationID, false)
	if err != nil || col == nil {
		return nil, err
	}
	// chromem requires nResults <= collection size.
	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	if topK > n {
		topK = n
	}
	results, err := col.QueryEmbedding(ctx, append([]float32(nil), vector...), topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	out := make([]ScoredRef, 0, len(results))
	for _, r := range results {
		ref, err := ParseItemRef(r.ID)
		if err != nil {
			continue
		}
		out = append(out, ScoredRef{Ref: ref, Score: clampScore(float64(r.Similarity))})
	}
	return out, nil
}

func (x *ChromemIndex) Remove(ctx context.Context, userID, conversationID string, refs ...ItemRef) error {
	if len(refs) == 0 {
		return nil
	}
	col, err := x.collection(userID, conversationID, false)
	if err != nil || col == nil {
		return err
	}
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.Key())
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("chromem delete: %w", err)
	}
	return nil
}

func (x *ChromemIndex) DeleteNamespace(_ context.Context, userID, conversationID string) error {
	name := namespaceName(userID, conversationID)
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.collections, name)
	if x.db.GetCollection(name, nil) == nil {
		return nil
	}
	if err := x.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("chromem delete collection: %w", err)
	}
	return nil
}

func (x *ChromemIndex) Close() error { return nil }
