package store

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

func (s *SQLiteStore) CreateKnowledgeChunk(chunk *KnowledgeChunk) error {
	embeddingJSON, err := json.Marshal(chunk.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	tagsJSON, err := json.Marshal(chunk.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	res, err := s.db.Exec(
		"INSERT INTO knowledge_chunks (title, content, source, category, tags_json, embedding_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		chunk.Title, chunk.Content, chunk.Source, chunk.Category, string(tagsJSON), string(embeddingJSON), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert knowledge chunk: %w", err)
	}
	chunk.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) GetAllKnowledgeChunks() ([]KnowledgeChunk, error) {
	rows, err := s.db.Query(
		"SELECT id, title, content, source, category, tags_json, embedding_json, created_at FROM knowledge_chunks ORDER BY id ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge chunks: %w", err)
	}
	defer rows.Close()

	var chunks []KnowledgeChunk
	for rows.Next() {
		var chunk KnowledgeChunk
		var tagsJSON, embeddingJSON string
		if err := rows.Scan(&chunk.ID, &chunk.Title, &chunk.Content, &chunk.Source, &chunk.Category, &tagsJSON, &embeddingJSON, &chunk.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge chunk row: %w", err)
		}
		if tagsJSON != "" {
			if err := json.Unmarshal([]byte(tagsJSON), &chunk.Tags); err != nil {
				log.Warnf("Unreadable tags for chunk %d: %v", chunk.ID, err)
			}
		}
		if embeddingJSON != "" {
			if err := json.Unmarshal([]byte(embeddingJSON), &chunk.Embedding); err != nil {
				log.Warnf("Unreadable embedding for chunk %d (content: %.50s...): %v", chunk.ID, chunk.Content, err)
				chunk.Embedding = nil
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStore) ClearKnowledgeChunks() error {
	if _, err := s.db.Exec("DELETE FROM knowledge_chunks"); err != nil {
		return fmt.Errorf("failed to delete knowledge chunks: %w", err)
	}
	_, err := s.db.Exec("DELETE FROM sqlite_sequence WHERE name='knowledge_chunks'")
	if err != nil && !strings.Contains(err.Error(), "no such table") {
		log.Warnf("Could not reset sequence for knowledge_chunks: %v", err)
	}
	return nil
}

// IngestDataFromFile reads a Markdown table of knowledge entries
// (columns: title | text | source | category), embeds each row, and stores
// the chunks. Existing chunks are replaced wholesale.
func (s *SQLiteStore) IngestDataFromFile(filePath string, embedder func(string) ([]float32, error)) (int, error) {
	contentBytes, err := os.ReadFile(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to read data file %s: %w", filePath, err)
	}

	rawChunks := parseKnowledgeTable(string(contentBytes))
	if len(rawChunks) == 0 {
		log.Warn("No chunks parsed from data file. Expected a Markdown table with title | text | source | category columns.")
		return 0, nil
	}

	log.Infof("Parsed %d rows from table. Now embedding (this may take a while)...", len(rawChunks))

	if err := s.ClearKnowledgeChunks(); err != nil {
		return 0, fmt.Errorf("failed to clear existing knowledge chunks: %w", err)
	}

	count := 0

	ticker := time.NewTicker(40 * time.Millisecond) // stay under the embedding API rate limit
	defer ticker.Stop()

	for i := range rawChunks {
		<-ticker.C

		chunk := &rawChunks[i]
		embedding, err := embedder(chunk.Content)
		if err != nil {
			log.Warnf("Failed to embed chunk %d (%.50s...): %v. Skipping.", i+1, chunk.Content, err)
			continue
		}
		chunk.Embedding = embedding

		if err := s.CreateKnowledgeChunk(chunk); err != nil {
			log.Warnf("Failed to store chunk %d: %v. Skipping.", i+1, err)
			continue
		}
		count++
		if count%10 == 0 || count == len(rawChunks) {
			log.Infof("Ingested %d/%d chunks...", count, len(rawChunks))
		}
	}
	log.Infof("Successfully ingested %d chunks.", count)
	return count, nil
}

func parseKnowledgeTable(fileContent string) []KnowledgeChunk {
	var chunks []KnowledgeChunk

	for i, line := range strings.Split(fileContent, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || !strings.HasPrefix(trimmed, "|") || !strings.HasSuffix(trimmed, "|") {
			continue
		}
		// Skip header and separator rows.
		if strings.Contains(trimmed, "---") {
			continue
		}
		lower := strings.ToLower(trimmed)
		if i < 2 && strings.Contains(lower, "title") && strings.Contains(lower, "text") {
			continue
		}

		parts := strings.Split(trimmed, "|")
		// "| a | b | c | d |" splits into 6 parts with empty ends.
		if len(parts) < 6 {
			log.Warnf("Skipping malformed table row: %s", trimmed)
			continue
		}

		content := strings.TrimSpace(parts[2])
		if content == "" {
			continue
		}
		category := strings.TrimSpace(parts[4])
		if category == "" {
			category = "general"
		}

		chunks = append(chunks, KnowledgeChunk{
			Title:    strings.TrimSpace(parts[1]),
			Content:  content,
			Source:   strings.TrimSpace(parts[3]),
			Category: category,
		})
	}
	return chunks
}
