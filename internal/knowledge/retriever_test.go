package knowledge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.vec, s.err
}

func TestRetrieveContextFormatting(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Insert(Chunk{
		Text:      "Internships typically last 2-6 months.",
		Category:  "internship",
		Embedding: vecWithSimilarity(0.95),
	}))
	require.NoError(t, s.Insert(Chunk{
		Text:      "Minimum CGPA requirement is 7.0.",
		Category:  "placement",
		Embedding: vecWithSimilarity(0.6),
	}))

	r := NewRetriever(s, &stubEmbedder{vec: []float32{1, 0}})
	result := r.RetrieveContext(context.Background(), "internship duration", 3)

	require.False(t, result.Degraded)
	assert.Equal(t,
		"Source 1 (internship): Internships typically last 2-6 months.\n\n"+
			"Source 2 (placement): Minimum CGPA requirement is 7.0.",
		result.Context)
}

func TestRetrieveContextDeterministic(t *testing.T) {
	s := NewStore()
	for _, cos := range []float64{0.9, 0.9, 0.5} {
		require.NoError(t, s.Insert(Chunk{Text: "passage", Category: "general", Embedding: vecWithSimilarity(cos)}))
	}

	r := NewRetriever(s, &stubEmbedder{vec: []float32{1, 0}})
	first := r.RetrieveContext(context.Background(), "q", 3)
	second := r.RetrieveContext(context.Background(), "q", 3)
	assert.Equal(t, first.Context, second.Context)
}

func TestRetrieveContextEmptyStore(t *testing.T) {
	r := NewRetriever(NewStore(), &stubEmbedder{vec: []float32{1, 0}})
	result := r.RetrieveContext(context.Background(), "anything", 3)

	assert.Empty(t, result.Context)
	assert.False(t, result.Degraded)
}

func TestRetrieveContextEmbedderFailureDegrades(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Insert(Chunk{Text: "passage", Embedding: vecWithSimilarity(0.9)}))

	r := NewRetriever(s, &stubEmbedder{err: errors.New("backend down")})
	result := r.RetrieveContext(context.Background(), "q", 3)

	assert.Empty(t, result.Context)
	assert.True(t, result.Degraded)
	require.Error(t, result.Reason)
}

func TestRetrieveContextDefaultsCategoryAndK(t *testing.T) {
	s := NewStore()
	for _, cos := range []float64{0.9, 0.8, 0.7, 0.6} {
		require.NoError(t, s.Insert(Chunk{Text: "p", Embedding: vecWithSimilarity(cos)}))
	}

	r := NewRetriever(s, &stubEmbedder{vec: []float32{1, 0}})
	// k <= 0 falls back to DefaultTopK.
	result := r.RetrieveContext(context.Background(), "q", 0)

	assert.Contains(t, result.Context, "Source 1 (general): p")
	assert.Contains(t, result.Context, "Source 3 (general): p")
	assert.NotContains(t, result.Context, "Source 4")
}
