package channels

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageLength is Discord's per-message character ceiling.
const MaxMessageLength = 2000

// SplitMessage cuts text into chunks of at most maxLen bytes. It prefers to
// cut after a newline in the second half of a chunk, then after a space, and
// never cuts inside a UTF-8 sequence.
func SplitMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = MaxMessageLength
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		cutAt := maxLen
		for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
			cutAt--
		}
		if idx := strings.LastIndex(text[:cutAt], "\n"); idx >= maxLen/2 {
			cutAt = idx + 1
		} else if idx := strings.LastIndex(text[:cutAt], " "); idx >= maxLen/2 {
			cutAt = idx + 1
		}
		if cutAt == 0 {
			// A single rune wider than maxLen.
			_, size := utf8.DecodeRuneInString(text)
			cutAt = size
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}
