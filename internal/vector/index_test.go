package vector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sentinel-auditor/internal/database"
)

type fakeEmbedder struct {
	err error
}

func (f fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text))}, nil
}

type fakeMatcher struct {
	byLen map[float32][]database.DocumentMatch
	calls int
}

func (f *fakeMatcher) MatchDocuments(_ context.Context, function string, emb []float32, threshold float64, count int) ([]database.DocumentMatch, error) {
	f.calls++
	return f.byLen[emb[0]], nil
}

func doc(id string, sim float64) database.DocumentMatch {
	return database.DocumentMatch{
		ID:         id,
		Content:    "text of " + id,
		Metadata:   map[string]interface{}{"policy_id": id},
		Similarity: sim,
	}
}

func TestSearchMergesAndRanks(t *testing.T) {
	m := &fakeMatcher{byLen: map[float32][]database.DocumentMatch{
		3: {doc("FIN-07", 0.6), doc("GEO-02", 0.5)},
		5: {doc("FIN-07", 0.9), doc("NET-01", 0.4)},
	}}
	ix := NewIndex(fakeEmbedder{}, m, "", 0.3)

	got, err := ix.Search(context.Background(), []string{"abc", "abcde", "  "}, 5)
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, "FIN-07", got[0].ID)
	assert.InDelta(t, 0.9, got[0].Similarity, 1e-9)
	assert.Equal(t, "GEO-02", got[1].ID)
	assert.Equal(t, "NET-01", got[2].ID)
	assert.Equal(t, 2, m.calls)
}

func TestSearchCapsTopK(t *testing.T) {
	m := &fakeMatcher{byLen: map[float32][]database.DocumentMatch{
		1: {doc("A", 0.9), doc("B", 0.8), doc("C", 0.7)},
	}}
	got, err := NewIndex(fakeEmbedder{}, m, "", 0.3).Search(context.Background(), []string{"x"}, 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSearchEmptyIsNotError(t *testing.T) {
	m := &fakeMatcher{byLen: map[float32][]database.DocumentMatch{}}
	got, err := NewIndex(fakeEmbedder{}, m, "", 0.3).Search(context.Background(), []string{"nothing"}, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchPropagatesEmbedFailure(t *testing.T) {
	boom := errors.New("embedding service down")
	_, err := NewIndex(fakeEmbedder{err: boom}, &fakeMatcher{}, "", 0.3).Search(context.Background(), []string{"x"}, 5)
	assert.ErrorIs(t, err, boom)
}

func TestHTTPEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"wire transfer policy"}, req.Input)
		assert.Equal(t, "all-MiniLM-L6-v2", req.Model)
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
	}))
	defer srv.Close()

	vec, err := NewHTTPEmbedder(srv.URL, "", "all-MiniLM-L6-v2", nil).Embed(context.Background(), "wire transfer policy")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestHTTPEmbedderBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPEmbedder(srv.URL, "", "m", nil).Embed(context.Background(), "x")
	assert.Error(t, err)
}
