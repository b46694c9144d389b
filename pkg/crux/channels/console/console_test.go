package console

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jholhewres/crux/pkg/crux/channels"
)

func TestParseLine(t *testing.T) {
	t.Parallel()
	c := New(Config{UserID: "u1", UserName: "Ana"}, nil)

	tests := []struct {
		name     string
		line     string
		wantNil  bool
		wantQuit bool
		wantType channels.MessageType
	}{
		{"blank", "   ", true, false, ""},
		{"quit", "/quit", true, true, ""},
		{"text", "!start", false, false, channels.MessageText},
		{"audio", "/audio ./call.mp3", false, false, channels.MessageAudio},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, quit := c.parseLine(tt.line)
			if quit != tt.wantQuit {
				t.Fatalf("quit = %v, want %v", quit, tt.wantQuit)
			}
			if (msg == nil) != tt.wantNil {
				t.Fatalf("msg nil = %v, want %v", msg == nil, tt.wantNil)
			}
			if msg == nil {
				return
			}
			if msg.Type != tt.wantType || msg.From != "u1" || msg.ChatID != ThreadID {
				t.Errorf("unexpected message %+v", msg)
			}
		})
	}
}

func TestParseLineAudioMedia(t *testing.T) {
	t.Parallel()
	c := New(Config{UserID: "u1"}, nil)
	msg, _ := c.parseLine("/audio /tmp/notes/call.mp3")
	if msg.Media == nil || msg.Media.Filename != "call.mp3" || msg.Media.URL != "/tmp/notes/call.mp3" {
		t.Fatalf("unexpected media %+v", msg.Media)
	}
	if msg.Media.MimeType != "audio/mpeg" {
		t.Errorf("expected audio/mpeg, got %q", msg.Media.MimeType)
	}
}

func TestMediaRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := New(Config{UserID: "u1", MediaDir: dir, Plain: true}, nil)
	var out bytes.Buffer
	c.out = &out

	if err := c.SendMedia(context.Background(), ThreadID, &channels.MediaMessage{
		Data: []byte("png"), Filename: "image.png", Caption: "here you go",
	}); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), "image.png") {
		t.Fatalf("expected one saved image, got %v", entries)
	}
	if !strings.Contains(out.String(), "here you go") {
		t.Errorf("caption not printed: %q", out.String())
	}

	path := filepath.Join(dir, entries[0].Name())
	data, mimeType, err := c.DownloadMedia(context.Background(), &channels.IncomingMessage{
		Media: &channels.MediaInfo{URL: path, MimeType: "image/png"},
	})
	if err != nil || string(data) != "png" || mimeType != "image/png" {
		t.Errorf("DownloadMedia = %q, %q, %v", data, mimeType, err)
	}
}

func TestThreads(t *testing.T) {
	t.Parallel()
	c := New(Config{}, nil)
	id, err := c.EnsureThread(context.Background(), "parent", c.UserID(), "AI – You")
	if err != nil || id != ThreadID {
		t.Fatalf("EnsureThread = %q, %v", id, err)
	}
	if !c.ThreadExists(context.Background(), ThreadID) || c.ThreadExists(context.Background(), "other") {
		t.Error("ThreadExists mismatch")
	}
	if !strings.HasPrefix(c.UserID(), "local-") {
		t.Errorf("expected generated local user id, got %q", c.UserID())
	}
}
