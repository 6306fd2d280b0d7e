package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"aerocareers.in/chatbot/internal/config"
)

const (
	defaultChatModelName      = "gemini-1.5-flash-latest"
	defaultEmbeddingModelName = "text-embedding-004"
	defaultTitleModelName     = "gemini-1.5-flash-latest"

	titleSystemInstruction = "You are a helpful assistant that generates concise titles for chat conversations. " +
		"The title should be 3-5 words maximum. Just return the title itself, nothing else."
)

// GenerateOptions carries per-call generation tuning.
type GenerateOptions struct {
	Temperature float32
	MaxTokens   int32
}

// Generator is the generation collaborator contract. The Gemini-backed
// LLMService implements it in production; tests substitute a stub.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
	SummarizeTitle(ctx context.Context, seed string) (string, error)
}

type LLMService struct {
	client *genai.Client
}

func NewLLMService() *LLMService {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(config.AppConfig.GeminiAPIKey))
	if err != nil {
		log.Fatalf("Failed to create GenAI client: %v", err)
	}

	return &LLMService{client: client}
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.Warnf("Error closing GenAI client: %v", err)
		}
	}
}

// Embed satisfies knowledge.Embedder.
func (s *LLMService) Embed(ctx context.Context, text string) ([]float32, error) {
	em := s.client.EmbeddingModel(defaultEmbeddingModelName)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}

	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("no embedding data received from gemini")
	}
	return res.Embedding.Values, nil
}

func (s *LLMService) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	model := s.client.GenerativeModel(defaultChatModelName)

	if opts.Temperature != 0 || opts.MaxTokens != 0 {
		cfg := genai.GenerationConfig{}
		if opts.Temperature != 0 {
			temp := opts.Temperature
			cfg.Temperature = &temp
		}
		if opts.MaxTokens != 0 {
			maxTokens := opts.MaxTokens
			cfg.MaxOutputTokens = &maxTokens
		}
		model.GenerationConfig = cfg
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generation request failed: %w", err)
	}

	text := collectText(resp)
	if text == "" {
		return "", fmt.Errorf("gemini returned an empty or non-text response")
	}
	return text, nil
}

func (s *LLMService) SummarizeTitle(ctx context.Context, seed string) (string, error) {
	model := s.client.GenerativeModel(defaultTitleModelName)

	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(titleSystemInstruction)},
	}

	temp := float32(0.3)
	maxTokens := int32(20)
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     &temp,
	}

	prompt := fmt.Sprintf("Generate a very concise title (3-5 words maximum) for a conversation that starts with or is about: \"%s\".", seed)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini title generation request failed: %w", err)
	}

	title := collectText(resp)
	if title == "" {
		return "", fmt.Errorf("LLM generated an empty title")
	}
	return strings.Trim(title, "\"'\n\r\t ."), nil
}

func collectText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		} else {
			log.Debugf("Gemini response part was not text: %T", part)
		}
	}
	return b.String()
}
