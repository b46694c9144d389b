// Package llm talks to the language-model providers crux depends on:
// chat completions, voice-note transcription, and image generation.
//
// Two providers are available: "openai" speaks the OpenAI-compatible REST API
// (OpenAI itself, OpenRouter, local gateways) and "gemini" uses the Google
// GenAI SDK.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn handed to Complete.
type Message struct {
	Role    Role
	Content string
}

// UserMessage is shorthand for a single user turn.
func UserMessage(content string) []Message {
	return []Message{{Role: RoleUser, Content: content}}
}

// Image is a generated image.
type Image struct {
	Data     []byte
	MimeType string
}

// Provider is the model surface the rest of crux uses.
type Provider interface {
	// Complete returns the model's reply to messages under system.
	Complete(ctx context.Context, system string, messages []Message) (string, error)

	// Transcribe converts audio bytes to text.
	Transcribe(ctx context.Context, audio []byte, filename, mimeType string) (string, error)

	// GenerateImage renders prompt into a single image.
	GenerateImage(ctx context.Context, prompt string) (*Image, error)
}

// Config selects and configures the provider.
type Config struct {
	// Provider is "openai" (default) or "gemini".
	Provider string `yaml:"provider"`

	// BaseURL is the OpenAI-compatible API root (default: https://api.openai.com/v1).
	// With the gemini provider a non-default value replaces the GenAI endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the provider (supports ${ENV_VAR}).
	APIKey string `yaml:"api_key"`

	// Model is the chat model (default: gpt-4.1-mini).
	Model string `yaml:"model"`

	// TranscriptionModel is the speech-to-text model (default: whisper-1).
	TranscriptionModel string `yaml:"transcription_model"`

	// ImageModel is the image generation model (default: dall-e-3).
	ImageModel string `yaml:"image_model"`

	// ImageSize is the requested image size (default: 1024x1024).
	ImageSize string `yaml:"image_size"`

	// MaxTokens caps completion length (0 = provider default).
	MaxTokens int `yaml:"max_tokens"`

	// Temperature for completions (default: 0.7).
	Temperature float64 `yaml:"temperature"`

	// Timeout bounds each HTTP request (default: 120s).
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default OpenAI configuration.
func DefaultConfig() Config {
	return Config{
		Provider:           "openai",
		BaseURL:            "https://api.openai.com/v1",
		Model:              "gpt-4.1-mini",
		TranscriptionModel: "whisper-1",
		ImageModel:         "dall-e-3",
		ImageSize:          "1024x1024",
		Temperature:        0.7,
		Timeout:            120 * time.Second,
	}
}

// New builds the configured provider.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key is required")
	}
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAI(cfg, logger), nil
	case "gemini":
		return NewGemini(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

// truncate shortens s to max bytes for logs and error messages.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
