// Package coaching produces every model-written reply: free conversation,
// call reviews, topic generators for marketing, faith, mindset and hiring,
// and the running memory summary kept on each session.
package coaching

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/crux/pkg/crux/llm"
	"github.com/jholhewres/crux/pkg/crux/session"
)

// SnippetChars is how much of a transcript is kept with a call review.
const SnippetChars = 500

// Config holds coaching configuration.
type Config struct {
	// Name is the coach persona name.
	Name string `yaml:"name"`

	// Timeout bounds each model call.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default coaching configuration.
func DefaultConfig() Config {
	return Config{
		Name:    "Crux AI Coach",
		Timeout: 2 * time.Minute,
	}
}

// Coach answers users through the language model.
type Coach struct {
	cfg      Config
	provider llm.Provider
	store    session.Store
	logger   *slog.Logger
	newID    func() string
}

// New creates a coach.
func New(cfg Config, provider llm.Provider, store session.Store, logger *slog.Logger) *Coach {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Coach{
		cfg:      cfg,
		provider: provider,
		store:    store,
		logger:   logger.With("component", "coaching"),
		newID:    uuid.NewString,
	}
}

func (c *Coach) complete(ctx context.Context, op, system, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	out, err := c.provider.Complete(ctx, system, llm.UserMessage(prompt))
	if err != nil {
		c.logger.Warn("completion failed", "op", op, "kind", llm.KindOf(err).String(), "error", err)
		return "", fmt.Errorf("%s: %w", op, err)
	}
	out = strings.TrimSpace(out)
	c.logger.Debug("completion done", "op", op, "chars", len(out), "duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

// Reply answers a conversational message.
func (c *Coach) Reply(ctx context.Context, sess *session.Session, text string) (string, error) {
	return c.complete(ctx, "reply", SystemPrompt(c.cfg.Name, sess), text)
}

// AnalyzeCall reviews a recorded call and keeps the review in the user's
// history.
func (c *Coach) AnalyzeCall(ctx context.Context, sess *session.Session, label, transcript string) (string, error) {
	feedback, err := c.complete(ctx, "call review", "You are an expert sales coach.", CallReviewPrompt(label, transcript, sess))
	if err != nil {
		return "", err
	}

	review := session.CallReview{
		ID:        c.newID(),
		UserID:    sess.UserID,
		Label:     label,
		Snippet:   snippet(transcript, SnippetChars),
		Feedback:  feedback,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.AddCallReview(ctx, review); err != nil {
		c.logger.Error("call review not saved", "user", sess.UserID, "error", err)
	}
	return feedback, nil
}

// Topic answers marketing and faith voice notes.
func (c *Coach) Topic(ctx context.Context, sess *session.Session, label, transcript string) (string, error) {
	system, prompt := TopicPrompt(label, transcript, sess)
	return c.complete(ctx, "topic "+label, system, prompt)
}

// Marketing generates marketing assets of kind.
func (c *Coach) Marketing(ctx context.Context, sess *session.Session, kind, details string) (string, error) {
	return c.complete(ctx, "marketing", "You generate marketing assets for an agency or coaching business.",
		MarketingPrompt(kind, details, sess))
}

// Mindset coaches through a mindset block.
func (c *Coach) Mindset(ctx context.Context, sess *session.Session, message string) (string, error) {
	return c.complete(ctx, "mindset", "You are a business mindset coach, not a therapist.", MindsetPrompt(message, sess))
}

// Hiring drafts hiring material.
func (c *Coach) Hiring(ctx context.Context, sess *session.Session, mode, role string) (string, error) {
	return c.complete(ctx, "hiring", "You are a hiring and training assistant.", HiringPrompt(mode, role, sess))
}

// DraftOffer writes an offer from the offer-builder answers. The raw reply
// is returned for the caller to parse.
func (c *Coach) DraftOffer(ctx context.Context, sess *session.Session, answers []session.Answer) (string, error) {
	return c.complete(ctx, "offer", "You are building a powerful offer for an agency or coaching business.",
		OfferPrompt(answers, sess))
}

// snippet returns the first n runes of s.
func snippet(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}
