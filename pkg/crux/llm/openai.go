package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// OpenAI is a Provider for OpenAI-compatible REST endpoints.
type OpenAI struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAI creates an OpenAI-compatible client. Empty fields in cfg fall
// back to DefaultConfig.
func NewOpenAI(cfg Config, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = def.TranscriptionModel
	}
	if cfg.ImageModel == "" {
		cfg.ImageModel = def.ImageModel
	}
	if cfg.ImageSize == "" {
		cfg.ImageSize = def.ImageSize
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	return &OpenAI{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "llm", "provider", "openai"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends a chat completion request and returns the reply text.
func (c *OpenAI) Complete(ctx context.Context, system string, messages []Message) (string, error) {
	msgs := make([]chatMessage, 0, len(messages)+1)
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	for _, m := range messages {
		msgs = append(msgs, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	reqBody := chatRequest{Model: c.cfg.Model, Messages: msgs, MaxTokens: c.cfg.MaxTokens}
	if c.cfg.Temperature > 0 {
		t := c.cfg.Temperature
		reqBody.Temperature = &t
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	start := time.Now()
	respBody, err := c.do(ctx, "complete", c.baseURL+"/chat/completions", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if chatResp.Error != nil {
		return "", &Error{Op: "complete", Kind: classifyAPIError(http.StatusOK, chatResp.Error.Message), Body: chatResp.Error.Message}
	}
	if len(chatResp.Choices) == 0 {
		return "", &Error{Op: "complete", Kind: ErrorFatal, Body: "no response from model"}
	}

	choice := chatResp.Choices[0]
	c.logger.Info("chat completion done",
		"model", c.cfg.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", chatResp.Usage.PromptTokens,
		"completion_tokens", chatResp.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
	)
	return strings.TrimSpace(choice.Message.Content), nil
}

// Transcribe posts audio to the /audio/transcriptions endpoint.
func (c *OpenAI) Transcribe(ctx context.Context, audio []byte, filename, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", &Error{Op: "transcribe", Kind: ErrorBadRequest, Body: "empty audio"}
	}
	if filename == "" {
		filename = "audio.ogg"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header.Set("Content-Type", mimeType)
	part, err := w.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("writing audio data: %w", err)
	}
	if err := w.WriteField("model", c.cfg.TranscriptionModel); err != nil {
		return "", fmt.Errorf("writing model field: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	respBody, err := c.do(ctx, "transcribe", c.baseURL+"/audio/transcriptions", w.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("parsing transcription response: %w", err)
	}
	text := strings.TrimSpace(result.Text)
	c.logger.Debug("audio transcribed", "model", c.cfg.TranscriptionModel, "bytes", len(audio), "chars", len(text))
	return text, nil
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
}

// GenerateImage calls /images/generations and returns the first image.
func (c *OpenAI) GenerateImage(ctx context.Context, prompt string) (*Image, error) {
	reqBody := imageRequest{Model: c.cfg.ImageModel, Prompt: prompt, N: 1, Size: c.cfg.ImageSize}
	// gpt-image models always return base64 and reject response_format.
	if !strings.HasPrefix(c.cfg.ImageModel, "gpt-image") {
		reqBody.ResponseFormat = "b64_json"
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling image request: %w", err)
	}

	respBody, err := c.do(ctx, "image", c.baseURL+"/images/generations", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var result imageResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parsing image response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, &Error{Op: "image", Kind: ErrorFatal, Body: "no image returned"}
	}

	first := result.Data[0]
	if first.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(first.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("decoding image: %w", err)
		}
		return &Image{Data: data, MimeType: http.DetectContentType(data)}, nil
	}
	if first.URL != "" {
		return c.fetchImage(ctx, first.URL)
	}
	return nil, &Error{Op: "image", Kind: ErrorFatal, Body: "image payload empty"}
}

func (c *OpenAI) fetchImage(ctx context.Context, url string) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating image download: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: "image", StatusCode: resp.StatusCode, Kind: classifyAPIError(resp.StatusCode, ""), Body: "image download failed"}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return &Image{Data: data, MimeType: mime}, nil
}

// do sends an authenticated POST and returns the body of a 200 response.
func (c *OpenAI) do(ctx context.Context, op, endpoint, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Op: op, Kind: ErrorTimeout, Body: err.Error()}
		}
		return nil, fmt.Errorf("llm %s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &Error{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			Kind:       classifyAPIError(resp.StatusCode, string(respBody)),
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
				apiErr.RetryAfterSec = sec
			}
		}
		c.logger.Error("API error", "op", op, "status", resp.StatusCode, "body", truncate(string(respBody), 500))
		return nil, apiErr
	}
	return respBody, nil
}

func escapeQuotes(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

var _ Provider = (*OpenAI)(nil)
