package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.APIKey = "sk-test"
	return NewOpenAI(cfg, nil)
}

func TestOpenAIComplete(t *testing.T) {
	var got chatRequest
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  hi there  "},"finish_reason":"stop"}]}`))
	})

	reply, err := c.Complete(context.Background(), "be brief", UserMessage("hello"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != "hi there" {
		t.Errorf("expected trimmed reply, got %q", reply)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "hello" {
		t.Errorf("unexpected messages: %+v", got.Messages)
	}
	if got.Model != "gpt-4.1-mini" {
		t.Errorf("expected default model, got %q", got.Model)
	}
}

func TestOpenAICompleteRateLimited(t *testing.T) {
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"Rate limit reached"}}`))
	})

	_, err := c.Complete(context.Background(), "", UserMessage("hello"))
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.Kind != ErrorRateLimit || apiErr.RetryAfterSec != 7 {
		t.Errorf("expected rate_limit with retry 7, got %s / %d", apiErr.Kind, apiErr.RetryAfterSec)
	}
	if KindOf(err) != ErrorRateLimit {
		t.Errorf("KindOf = %s", KindOf(err))
	}
}

func TestOpenAITranscribe(t *testing.T) {
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if model := r.FormValue("model"); model != "whisper-1" {
			t.Errorf("expected whisper-1, got %q", model)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if string(data) != "OggS-bytes" || hdr.Filename != "voice.ogg" {
			t.Errorf("unexpected upload %q (%s)", data, hdr.Filename)
		}
		w.Write([]byte(`{"text":" closing call with a prospect \n"}`))
	})

	text, err := c.Transcribe(context.Background(), []byte("OggS-bytes"), "voice.ogg", "audio/ogg")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "closing call with a prospect" {
		t.Errorf("unexpected transcript %q", text)
	}
}

func TestOpenAITranscribeEmpty(t *testing.T) {
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty audio")
	})
	_, err := c.Transcribe(context.Background(), nil, "voice.ogg", "audio/ogg")
	if KindOf(err) != ErrorBadRequest {
		t.Fatalf("expected bad_request, got %v", err)
	}
}

func TestOpenAIGenerateImage(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nrest-of-image")
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		var req imageRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ResponseFormat != "b64_json" || req.N != 1 {
			t.Errorf("unexpected image request %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(png)}},
		})
	})

	img, err := c.GenerateImage(context.Background(), "a lighthouse")
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if string(img.Data) != string(png) || img.MimeType != "image/png" {
		t.Errorf("unexpected image %q %s", img.Data, img.MimeType)
	}
}

func TestClassifyAPIError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status int
		body   string
		want   ErrorKind
	}{
		{400, `{"error":"context_length_exceeded"}`, ErrorContext},
		{402, "", ErrorBilling},
		{429, "", ErrorRateLimit},
		{403, "insufficient_quota", ErrorBilling},
		{529, "", ErrorOverloaded},
		{504, "", ErrorTimeout},
		{400, "bad field", ErrorBadRequest},
		{401, "invalid key", ErrorAuth},
		{503, "", ErrorRetryable},
		{404, "not found", ErrorFatal},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			if got := classifyAPIError(tt.status, tt.body); got != tt.want {
				t.Errorf("classifyAPIError(%d, %q) = %s, want %s", tt.status, tt.body, got, tt.want)
			}
		})
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(context.Background(), DefaultConfig(), nil); err == nil {
		t.Fatal("expected error without api key")
	}
	cfg := DefaultConfig()
	cfg.APIKey = "k"
	cfg.Provider = "mystery"
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
