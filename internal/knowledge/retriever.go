package knowledge

import (
	"context"
	"fmt"
	"strings"
)

// DefaultTopK is how many passages go into the prompt context by default.
const DefaultTopK = 3

// Embedder turns text into a fixed-length vector. The Gemini client
// implements this; tests substitute a deterministic stub.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Result is the outcome of a context retrieval. Degraded retrievals carry
// the reason so callers must handle the empty-context path explicitly
// instead of relying on a silently swallowed error.
type Result struct {
	Context  string
	Degraded bool
	Reason   error
}

// Retriever converts a query into a formatted context block of the most
// similar reference passages.
type Retriever struct {
	store    *Store
	embedder Embedder
}

func NewRetriever(store *Store, embedder Embedder) *Retriever {
	return &Retriever{store: store, embedder: embedder}
}

// RetrieveContext embeds the query and formats the top-k passages, in rank
// order, as "Source i (<category>): <text>" blocks joined by blank lines.
// Output is byte-identical across calls for the same query and store
// state. Embedding failure yields a degraded result with empty context;
// it never aborts the conversation turn.
func (r *Retriever) RetrieveContext(ctx context.Context, query string, k int) Result {
	if k <= 0 {
		k = DefaultTopK
	}

	if r.store.Len() == 0 {
		return Result{}
	}

	queryEmbedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return Result{Degraded: true, Reason: fmt.Errorf("failed to embed query: %w", err)}
	}

	results := r.store.Query(queryEmbedding, k)
	if len(results) == 0 {
		return Result{}
	}

	parts := make([]string, 0, len(results))
	for i, scored := range results {
		category := scored.Chunk.Category
		if category == "" {
			category = "general"
		}
		parts = append(parts, fmt.Sprintf("Source %d (%s): %s", i+1, category, scored.Chunk.Text))
	}

	return Result{Context: strings.Join(parts, "\n\n")}
}
