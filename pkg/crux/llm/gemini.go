package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

// Gemini is a Provider backed by the Google GenAI SDK.
type Gemini struct {
	client     *genai.Client
	model      string
	imageModel string
	cfg        Config
	logger     *slog.Logger
}

// NewGemini creates a Gemini provider. Model defaults to gemini-2.5-flash and
// ImageModel to imagen-4.0-generate-001 unless the config names Gemini models.
func NewGemini(ctx context.Context, cfg Config, logger *slog.Logger) (*Gemini, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" && cfg.BaseURL != DefaultConfig().BaseURL {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: creating client: %w", err)
	}

	model := cfg.Model
	if !strings.HasPrefix(model, "gemini") {
		model = "gemini-2.5-flash"
	}
	imageModel := cfg.ImageModel
	if !strings.HasPrefix(imageModel, "imagen") {
		imageModel = "imagen-4.0-generate-001"
	}

	return &Gemini{
		client:     client,
		model:      model,
		imageModel: imageModel,
		cfg:        cfg,
		logger:     logger.With("component", "llm", "provider", "gemini"),
	}, nil
}

func (g *Gemini) generateConfig(system string) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{}
	if system != "" {
		gc.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if g.cfg.Temperature > 0 {
		t := float32(g.cfg.Temperature)
		gc.Temperature = &t
	}
	if g.cfg.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(g.cfg.MaxTokens)
	}
	return gc
}

// Complete runs GenerateContent over the conversation.
func (g *Gemini) Complete(ctx context.Context, system string, messages []Message) (string, error) {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, g.generateConfig(system))
	if err != nil {
		return "", wrapGenAIError("complete", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", &Error{Op: "complete", Kind: ErrorFatal, Body: "empty response from model"}
	}
	g.logger.Info("chat completion done", "model", g.model)
	return text, nil
}

// Transcribe sends the audio inline and asks the model for a verbatim
// transcript.
func (g *Gemini) Transcribe(ctx context.Context, audio []byte, filename, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", &Error{Op: "transcribe", Kind: ErrorBadRequest, Body: "empty audio"}
	}
	if mimeType == "" {
		mimeType = "audio/ogg"
	}
	parts := []*genai.Part{
		genai.NewPartFromText("Transcribe this audio verbatim. Reply with the transcript only."),
		genai.NewPartFromBytes(audio, mimeType),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", wrapGenAIError("transcribe", err)
	}
	text := strings.TrimSpace(resp.Text())
	g.logger.Debug("audio transcribed", "model", g.model, "file", filename, "chars", len(text))
	return text, nil
}

// GenerateImage renders one image with the Imagen model.
func (g *Gemini) GenerateImage(ctx context.Context, prompt string) (*Image, error) {
	resp, err := g.client.Models.GenerateImages(ctx, g.imageModel, prompt, &genai.GenerateImagesConfig{
		NumberOfImages: 1,
		OutputMIMEType: "image/png",
	})
	if err != nil {
		return nil, wrapGenAIError("image", err)
	}
	if len(resp.GeneratedImages) == 0 || resp.GeneratedImages[0].Image == nil {
		return nil, &Error{Op: "image", Kind: ErrorFatal, Body: "no image returned"}
	}
	img := resp.GeneratedImages[0].Image
	mime := img.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return &Image{Data: img.ImageBytes, MimeType: mime}, nil
}

// wrapGenAIError maps SDK errors onto the shared taxonomy.
func wrapGenAIError(op string, err error) error {
	if apiErr, ok := asAPIError(err); ok {
		return &Error{
			Op:         op,
			StatusCode: apiErr.Code,
			Body:       apiErr.Message,
			Kind:       classifyAPIError(apiErr.Code, apiErr.Status+" "+apiErr.Message),
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Kind: ErrorTimeout, Body: err.Error()}
	}
	return fmt.Errorf("gemini %s: %w", op, err)
}

func asAPIError(err error) (genai.APIError, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v, true
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return *p, true
	}
	return genai.APIError{}, false
}

var _ Provider = (*Gemini)(nil)
