package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"aerocareers.in/chatbot/internal/analytics"
	"aerocareers.in/chatbot/internal/api"
	"aerocareers.in/chatbot/internal/config"
	"aerocareers.in/chatbot/internal/core"
	"aerocareers.in/chatbot/internal/knowledge"
	"aerocareers.in/chatbot/internal/ratelimit"
	"aerocareers.in/chatbot/internal/store"
)

func main() {
	config.LoadConfig()

	ingestDataFlag := flag.Bool("ingest", false, "Run knowledge ingestion from data.md and exit")
	flag.Parse()

	dbStore, err := store.NewSQLiteStore(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer dbStore.Close()

	llmService := core.NewLLMService()
	defer llmService.Close()

	if *ingestDataFlag {
		log.Info("Starting knowledge ingestion...")
		embedder := func(text string) ([]float32, error) {
			return llmService.Embed(context.Background(), text)
		}
		numIngested, err := dbStore.IngestDataFromFile("data.md", embedder)
		if err != nil {
			log.Fatalf("Knowledge ingestion failed: %v", err)
		}
		log.Infof("Knowledge ingestion complete. Ingested %d chunks. Exiting.", numIngested)
		os.Exit(0)
	}

	referenceStore, err := loadReferenceStore(dbStore)
	if err != nil {
		log.Fatalf("Failed to load reference store: %v", err)
	}

	retriever := knowledge.NewRetriever(referenceStore, llmService)
	limiter := ratelimit.NewLimiter(config.AppConfig.RateLimitPerMinute, config.AppConfig.RateLimitPerHour)
	sink := analytics.NewStoreSink(dbStore)
	sessions := core.NewSessionManager(dbStore)

	chatService := core.NewChatService(
		sessions,
		retriever,
		limiter,
		llmService,
		sink,
		core.GenerateOptions{
			Temperature: config.AppConfig.LLMTemperature,
			MaxTokens:   config.AppConfig.LLMMaxTokens,
		},
		config.AppConfig.MaxHistoryMessages,
	)

	apiHandler := api.NewAPIHandler(chatService, dbStore, sink)
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // LLM calls can take time
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Infof("Starting server on %s. Press Ctrl+C to quit.", serverAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", serverAddr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Info("Server exiting gracefully")
}

// loadReferenceStore fills the in-memory reference store from the
// persisted knowledge chunks. An empty store is allowed: retrieval then
// degrades to empty context instead of blocking conversations.
func loadReferenceStore(dbStore *store.SQLiteStore) (*knowledge.Store, error) {
	chunks, err := dbStore.GetAllKnowledgeChunks()
	if err != nil {
		return nil, err
	}

	referenceStore := knowledge.NewStore()
	loaded := 0
	for _, chunk := range chunks {
		if len(chunk.Embedding) == 0 {
			log.Warnf("Skipping chunk %d: no embedding (re-run ingestion?)", chunk.ID)
			continue
		}
		err := referenceStore.Insert(knowledge.Chunk{
			ID:        chunk.ID,
			Title:     chunk.Title,
			Text:      chunk.Content,
			Source:    chunk.Source,
			Category:  chunk.Category,
			Tags:      chunk.Tags,
			Embedding: chunk.Embedding,
		})
		if err != nil {
			log.Warnf("Skipping chunk %d: %v", chunk.ID, err)
			continue
		}
		loaded++
	}

	if loaded == 0 {
		log.Warn("Reference store is empty. Run with -ingest to load knowledge.")
	} else {
		log.Infof("Reference store loaded with %d chunks.", loaded)
	}
	return referenceStore, nil
}
