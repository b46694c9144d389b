package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestGemini(t *testing.T, handler http.HandlerFunc) *Gemini {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig()
	cfg.Provider = "gemini"
	cfg.BaseURL = srv.URL
	cfg.APIKey = "g-test"
	g, err := NewGemini(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("NewGemini: %v", err)
	}
	return g
}

func TestGeminiComplete(t *testing.T) {
	var body struct {
		Contents []struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
		SystemInstruction *struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
	}
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-2.5-flash:generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if key := r.Header.Get("x-goog-api-key"); key != "g-test" {
			t.Errorf("unexpected api key header %q", key)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"  keep going  "}]},"finishReason":"STOP"}]}`))
	})

	reply, err := g.Complete(context.Background(), "be brief", []Message{
		{Role: RoleUser, Content: "hello"},
		{Role: RoleAssistant, Content: "hi"},
		{Role: RoleUser, Content: "what next?"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply != "keep going" {
		t.Errorf("expected trimmed reply, got %q", reply)
	}
	if len(body.Contents) != 3 || body.Contents[1].Role != "model" || body.Contents[2].Parts[0].Text != "what next?" {
		t.Errorf("unexpected contents: %+v", body.Contents)
	}
	if body.SystemInstruction == nil || body.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("system instruction not sent: %+v", body.SystemInstruction)
	}
}

func TestGeminiEmptyResponse(t *testing.T) {
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"   "}]}}]}`))
	})

	_, err := g.Complete(context.Background(), "", UserMessage("hello"))
	var llmErr *Error
	if !errors.As(err, &llmErr) || llmErr.Kind != ErrorFatal {
		t.Fatalf("expected fatal llm error, got %v", err)
	}
}

func TestGeminiRateLimited(t *testing.T) {
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"message":"Quota exceeded for requests per minute.","status":"RESOURCE_EXHAUSTED"}}`))
	})

	_, err := g.Complete(context.Background(), "", UserMessage("hello"))
	var llmErr *Error
	if !errors.As(err, &llmErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if llmErr.Kind != ErrorRateLimit || llmErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("kind=%s status=%d", llmErr.Kind, llmErr.StatusCode)
	}
	if !KindOf(err).Transient() {
		t.Error("rate limit should be transient")
	}
}

func TestGeminiTranscribeRejectsEmptyAudio(t *testing.T) {
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("empty audio must not reach the API")
	})
	if _, err := g.Transcribe(context.Background(), nil, "note.ogg", ""); KindOf(err) != ErrorBadRequest {
		t.Errorf("expected bad request, got %v", err)
	}
}
