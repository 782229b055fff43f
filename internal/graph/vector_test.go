package graph

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"
)

func newTestIndex(t *testing.T, entries *[]vectorEntry) *vectorIndex {
	t.Helper()
	vi, err := newVectorIndex(func(ctx context.Context, groupID string) ([]vectorEntry, error) {
		return *entries, nil
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("newVectorIndex failed: %v", err)
	}
	t.Cleanup(vi.close)
	return vi
}

func TestVectorSearchOrdering(t *testing.T) {
	entries := []vectorEntry{
		{UUID: "far", Vector: []float32{0, 1}},
		{UUID: "close", Vector: []float32{0.8, 0.6}},
		{UUID: "exact", Vector: []float32{1, 0}},
	}
	vi := newTestIndex(t, &entries)

	scored, err := vi.search(context.Background(), "g", []float32{1, 0}, 10, 0.5)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(scored) != 2 {
		t.Fatalf("Expected 2 hits above 0.5, got %d", len(scored))
	}
	if scored[0].Node.UUID != "exact" || scored[1].Node.UUID != "close" {
		t.Errorf("Expected [exact close], got [%s %s]", scored[0].Node.UUID, scored[1].Node.UUID)
	}
	if scored[0].Score < 0.999 {
		t.Errorf("Expected exact match score ~1.0, got %f", scored[0].Score)
	}
}

func TestVectorSearchTopK(t *testing.T) {
	entries := []vectorEntry{
		{UUID: "a", Vector: []float32{1, 0}},
		{UUID: "b", Vector: []float32{1, 0}},
		{UUID: "c", Vector: []float32{1, 0}},
	}
	vi := newTestIndex(t, &entries)

	scored, err := vi.search(context.Background(), "g", []float32{1, 0}, 2, 0)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(scored) != 2 {
		t.Fatalf("Expected topK=2 hits, got %d", len(scored))
	}
	// Equal scores fall back to uuid order for stable results.
	if scored[0].Node.UUID != "a" || scored[1].Node.UUID != "b" {
		t.Errorf("Expected uuid tie-break [a b], got [%s %s]", scored[0].Node.UUID, scored[1].Node.UUID)
	}
}

func TestVectorSearchEmptyQuery(t *testing.T) {
	entries := []vectorEntry{{UUID: "a", Vector: []float32{1, 0}}}
	vi := newTestIndex(t, &entries)

	scored, err := vi.search(context.Background(), "g", nil, 10, 0)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(scored) != 0 {
		t.Errorf("Expected no hits for empty query, got %d", len(scored))
	}
}

func TestVectorIndexInvalidation(t *testing.T) {
	entries := []vectorEntry{{UUID: "old", Vector: []float32{1, 0}}}
	vi := newTestIndex(t, &entries)

	scored, err := vi.search(context.Background(), "g", []float32{1, 0}, 10, 0.9)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(scored) != 1 || scored[0].Node.UUID != "old" {
		t.Fatalf("Expected [old], got %v", scored)
	}

	// A write bumps the epoch; the stale matrix must not be served.
	entries = []vectorEntry{{UUID: "new", Vector: []float32{1, 0}}}
	vi.invalidate("g")

	scored, err = vi.search(context.Background(), "g", []float32{1, 0}, 10, 0.9)
	if err != nil {
		t.Fatalf("search after invalidate failed: %v", err)
	}
	if len(scored) != 1 || scored[0].Node.UUID != "new" {
		t.Fatalf("Expected [new] after invalidation, got %v", scored)
	}
}

func TestVectorIndexLoaderError(t *testing.T) {
	wantErr := errors.New("backend down")
	vi, err := newVectorIndex(func(ctx context.Context, groupID string) ([]vectorEntry, error) {
		return nil, wantErr
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("newVectorIndex failed: %v", err)
	}
	defer vi.close()

	if _, err := vi.search(context.Background(), "g", []float32{1}, 10, 0); !errors.Is(err, wantErr) {
		t.Errorf("Expected loader error, got %v", err)
	}
}

// hydrateStore returns full rows for a fixed uuid set.
type hydrateStore struct {
	UnimplementedStore
	rows map[string]*EntityNode
}

func (h *hydrateStore) FetchNodeByUUID(ctx context.Context, id string) (*EntityNode, error) {
	return h.rows[id], nil
}

func TestHydrateScoredDropsVanished(t *testing.T) {
	store := &hydrateStore{rows: map[string]*EntityNode{
		"kept": {UUID: "kept", Name: "Kept"},
	}}
	scored := []ScoredNode{
		{Node: &EntityNode{UUID: "kept"}, Score: 0.9},
		{Node: &EntityNode{UUID: "gone"}, Score: 0.8},
	}
	out, err := hydrateScored(context.Background(), store, scored)
	if err != nil {
		t.Fatalf("hydrateScored failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("Expected 1 surviving row, got %d", len(out))
	}
	if out[0].Node.Name != "Kept" || out[0].Score != 0.9 {
		t.Errorf("Expected hydrated row to keep score, got %+v", out[0])
	}
}

func TestItoa(t *testing.T) {
	cases := map[uint64]string{0: "0", 7: "7", 42: "42", 1000000: "1000000"}
	for n, want := range cases {
		if got := itoa(n); got != want {
			t.Errorf("itoa(%d) = %q, want %q", n, got, want)
		}
	}
}
