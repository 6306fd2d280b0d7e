package knowledge

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Chunk is one reference passage with its precomputed embedding. Chunks
// are immutable once inserted.
type Chunk struct {
	ID        int64
	Title     string
	Text      string
	Source    string
	Category  string
	Tags      []string
	Embedding []float32
}

type ScoredChunk struct {
	Chunk      Chunk
	Similarity float32
}

// Store holds reference chunks in memory and answers nearest-neighbor
// queries by cosine similarity. Writes are serialized; readers never
// observe a partially inserted chunk. The embedding dimension is fixed
// by the first inserted chunk.
type Store struct {
	mu     sync.RWMutex
	chunks []Chunk
	dim    int
	nextID int64
}

func NewStore() *Store {
	return &Store{nextID: 1}
}

// Insert stores a chunk, assigning an id when the caller left it zero.
func (s *Store) Insert(chunk Chunk) error {
	if len(chunk.Embedding) == 0 {
		return fmt.Errorf("chunk has no embedding")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dim == 0 {
		s.dim = len(chunk.Embedding)
	} else if len(chunk.Embedding) != s.dim {
		return fmt.Errorf("embedding dimension %d does not match store dimension %d", len(chunk.Embedding), s.dim)
	}

	if chunk.ID == 0 {
		chunk.ID = s.nextID
	}
	if chunk.ID >= s.nextID {
		s.nextID = chunk.ID + 1
	}

	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Query returns up to k chunks ranked by descending cosine similarity to
// queryEmbedding. Ties keep insertion order, so results are reproducible
// for a fixed store state. An empty or unusable store yields an empty
// result, never an error: retrieval degrades rather than blocks.
func (s *Store) Query(queryEmbedding []float32, k int) []ScoredChunk {
	if k <= 0 || len(queryEmbedding) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.chunks) == 0 {
		return nil
	}

	scored := make([]ScoredChunk, 0, len(s.chunks))
	for _, chunk := range s.chunks {
		similarity, err := CosineSimilarity(queryEmbedding, chunk.Embedding)
		if err != nil {
			log.Warnf("Skipping chunk %d in similarity scan: %v", chunk.ID, err)
			continue
		}
		scored = append(scored, ScoredChunk{Chunk: chunk, Similarity: similarity})
	}

	// Stable sort keeps insertion order for equal scores.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
