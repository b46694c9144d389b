package coaching

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/jholhewres/crux/pkg/crux/llm"
	"github.com/jholhewres/crux/pkg/crux/session"
)

// MemoryConfig holds memory refresh configuration.
type MemoryConfig struct {
	// MaxChars bounds the stored summary (default: 1500).
	MaxChars int `yaml:"max_chars"`

	// MaxWords is the length asked of the model (default: 200).
	MaxWords int `yaml:"max_words"`

	// Timeout bounds one background refresh.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultMemoryConfig returns the default memory configuration.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{MaxChars: 1500, MaxWords: 200, Timeout: time.Minute}
}

// Memory keeps each user's running summary. Every refresh replaces the
// stored summary outright.
type Memory struct {
	cfg      MemoryConfig
	provider llm.Provider
	store    session.Store
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewMemory creates a memory refresher.
func NewMemory(cfg MemoryConfig, provider llm.Provider, store session.Store, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultMemoryConfig()
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = def.MaxChars
	}
	if cfg.MaxWords <= 0 {
		cfg.MaxWords = def.MaxWords
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Memory{
		cfg:      cfg,
		provider: provider,
		store:    store,
		logger:   logger.With("component", "memory"),
	}
}

// Refresh condenses the current summary plus one exchange and stores the
// result in place of the old summary.
func (m *Memory) Refresh(ctx context.Context, userID, input, reply string) error {
	sess, err := m.store.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	out, err := m.provider.Complete(ctx, "You maintain short client notes for a business coach.",
		llm.UserMessage(summaryPrompt(sess.MemorySummary, input, reply, m.cfg.MaxWords)))
	if err != nil {
		return fmt.Errorf("condense summary: %w", err)
	}
	summary := Bound(strings.TrimSpace(out), m.cfg.MaxChars)
	if summary == "" {
		return nil
	}

	_, err = m.store.Mutate(ctx, userID, func(s *session.Session) error {
		s.MemorySummary = summary
		return nil
	})
	return err
}

// RefreshAsync runs Refresh in the background with its own timeout.
func (m *Memory) RefreshAsync(userID, input, reply string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
		defer cancel()
		if err := m.Refresh(ctx, userID, input, reply); err != nil {
			m.logger.Warn("memory refresh failed", "user", userID, "error", err)
		}
	}()
}

// Wait blocks until background refreshes finish.
func (m *Memory) Wait() { m.wg.Wait() }

// Bound cuts s to at most max runes, backing up to a word boundary when one
// is close.
func Bound(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	cut := max
	for i := max; i > max/2; i-- {
		if unicode.IsSpace(r[i]) {
			cut = i
			break
		}
	}
	return strings.TrimRightFunc(string(r[:cut]), unicode.IsSpace)
}
