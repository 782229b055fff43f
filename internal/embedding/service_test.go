package embedding

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chronograph-engine/internal/fault"
)

func newTestServer(t *testing.T, dim int, failures *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failures != nil && failures.Add(-1) >= 0 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"embedding":[3.0, 4.0`))
		for i := 2; i < dim; i++ {
			w.Write([]byte(`, 0.0`))
		}
		w.Write([]byte(`]}`))
	}))
}

func TestEmbedNormalizes(t *testing.T) {
	srv := newTestServer(t, 4, nil)
	defer srv.Close()

	svc := New(Config{ProviderURL: srv.URL, Model: "test", Dimension: 4}, zaptest.NewLogger(t))
	vec, err := svc.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, vec, 4)

	// (3,4,0,0) normalizes to (0.6,0.8,0,0).
	assert.InDelta(t, 0.6, float64(vec[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(vec[1]), 1e-6)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
}

func TestEmbedRetriesTransientFailures(t *testing.T) {
	var failures atomic.Int32
	failures.Store(2)
	srv := newTestServer(t, 4, &failures)
	defer srv.Close()

	svc := New(Config{ProviderURL: srv.URL, Model: "test", Dimension: 4, MaxRetries: 3}, zaptest.NewLogger(t))
	vec, err := svc.Embed(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
}

func TestEmbedSurfacesTransientAfterRetries(t *testing.T) {
	var failures atomic.Int32
	failures.Store(100)
	srv := newTestServer(t, 4, &failures)
	defer srv.Close()

	svc := New(Config{ProviderURL: srv.URL, Model: "test", Dimension: 4, MaxRetries: 2}, zaptest.NewLogger(t))
	_, err := svc.Embed(context.Background(), "doomed")
	require.Error(t, err)
	assert.True(t, fault.IsTransient(err))
}

func TestEmbedDimensionMismatch(t *testing.T) {
	srv := newTestServer(t, 4, nil)
	defer srv.Close()

	svc := New(Config{ProviderURL: srv.URL, Model: "test", Dimension: 8, MaxRetries: 1}, zaptest.NewLogger(t))
	_, err := svc.Embed(context.Background(), "wrong dim")
	require.Error(t, err)
}

func TestEmbedBatchOrder(t *testing.T) {
	srv := newTestServer(t, 4, nil)
	defer srv.Close()

	svc := New(Config{ProviderURL: srv.URL, Model: "test", Dimension: 4}, zaptest.NewLogger(t))
	vecs, err := svc.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Len(t, v, 4)
	}
}

func TestCosine(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{1, 0, 0}
	c := []float32{0, 1, 0}

	assert.InDelta(t, 1.0, Cosine(a, b), 1e-9)
	assert.InDelta(t, 0.0, Cosine(a, c), 1e-9)
	assert.Equal(t, 0.0, Cosine(a, []float32{1, 2}))
	assert.Equal(t, 0.0, Cosine(nil, nil))

	// Un-normalized inputs still score by angle.
	assert.InDelta(t, 1.0, Cosine([]float32{2, 0, 0}, []float32{7, 0, 0}), 1e-9)
}

func TestNormalizeZeroVector(t *testing.T) {
	v := []float32{0, 0, 0}
	Normalize(v)
	assert.Equal(t, []float32{0, 0, 0}, v)
}
