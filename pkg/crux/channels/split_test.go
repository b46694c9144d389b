package channels

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("line of coaching advice\n", 200)
	emoji := strings.Repeat("📆", 700) // 4 bytes each, no separators

	tests := []struct {
		name   string
		text   string
		maxLen int
		chunks int
	}{
		{"short", "hello", 2000, 1},
		{"exact", strings.Repeat("a", 2000), 2000, 1},
		{"newlines", long, 2000, 3},
		{"multibyte", emoji, 2000, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			chunks := SplitMessage(tt.text, tt.maxLen)
			if len(chunks) != tt.chunks {
				t.Fatalf("expected %d chunks, got %d", tt.chunks, len(chunks))
			}
			if got := strings.Join(chunks, ""); got != tt.text {
				t.Error("chunks do not reassemble to the original text")
			}
			for i, c := range chunks {
				if len(c) > tt.maxLen {
					t.Errorf("chunk %d is %d bytes, over %d", i, len(c), tt.maxLen)
				}
				if !utf8.ValidString(c) {
					t.Errorf("chunk %d splits a rune", i)
				}
			}
		})
	}
}

func TestSplitMessagePrefersNewline(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 1500) + "\n" + strings.Repeat("y", 1000)
	chunks := SplitMessage(text, 2000)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "\n") || strings.Contains(chunks[1], "x") {
		t.Errorf("expected cut at the newline, got %d/%d", len(chunks[0]), len(chunks[1]))
	}
}
