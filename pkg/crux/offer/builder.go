// Package offer runs the offer builder: five questions about the client's
// offer, then a model-written offer stored on the session.
//
// Like onboarding, progress lives on the session so a restart resumes at the
// pending question. While a draft is open, plain text in the user's thread is
// consumed here.
package offer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/crux/pkg/crux/session"
)

// MaxAnswerLength caps a single wizard answer, in characters.
const MaxAnswerLength = 2000

var (
	// ErrBuilding is returned while the final draft is being written.
	ErrBuilding = errors.New("offer is still being written")

	errNoDraft = errors.New("no offer draft")
)

const (
	msgIntro     = "🧩 **Offer Builder**\nFive quick questions, then I'll write your offer. Send `!offer cancel` to stop."
	msgEmpty     = "I need an answer to continue."
	msgBuilding  = "⏳ I'm still writing your offer."
	msgSaved     = "✅ Offer saved. See it any time with `!offer status`."
	msgCancelled = "The offer builder was cancelled before your offer was saved."
)

// Question is one wizard question.
type Question struct {
	Key    string
	Prompt string
}

// Questions is the fixed wizard sequence.
var Questions = []Question{
	{Key: "avatar", Prompt: "1/5 Who is your target avatar? Be specific."},
	{Key: "problem", Prompt: "2/5 What painful problem do you solve for them?"},
	{Key: "promise", Prompt: "3/5 What outcome or transformation do you promise?"},
	{Key: "price_point", Prompt: "4/5 What is your current or ideal price point?"},
	{Key: "proof", Prompt: "5/5 What proof or case studies do you have (or can we create)?"},
}

// Drafter writes the offer from the answers.
type Drafter interface {
	DraftOffer(ctx context.Context, sess *session.Session, answers []session.Answer) (string, error)
}

// Config holds offer builder configuration.
type Config struct {
	// Enabled turns on the `offer` command (default: true).
	Enabled bool `yaml:"enabled"`

	// Timeout drops a draft left unanswered this long (default: 24h).
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default offer builder configuration.
func DefaultConfig() Config {
	return Config{Enabled: true, Timeout: 24 * time.Hour}
}

// Outcome is what a wizard step produced.
type Outcome struct {
	Replies []string

	// Offer is set when the final answer produced a saved offer.
	Offer *session.Offer
}

// Builder is the offer wizard.
type Builder struct {
	store   session.Store
	drafter Drafter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an offer builder.
func New(store session.Store, drafter Drafter, cfg Config, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Builder{
		store:   store,
		drafter: drafter,
		cfg:     cfg,
		logger:  logger.With("component", "offer"),
		now:     time.Now,
	}
}

// Active reports whether sess has an open draft.
func Active(sess *session.Session) bool {
	return sess != nil && sess.OfferDraft != nil
}

func (b *Builder) timestamp() time.Time {
	return b.now().UTC().Round(0)
}

func (b *Builder) stale(d *session.OfferDraft) bool {
	return b.now().Sub(d.UpdatedAt) > b.cfg.Timeout
}

// Start opens a new draft, discarding any earlier unfinished one.
func (b *Builder) Start(ctx context.Context, userID string) (*Outcome, error) {
	now := b.timestamp()
	_, err := b.store.Mutate(ctx, userID, func(s *session.Session) error {
		if d := s.OfferDraft; d != nil && d.Building && !b.stale(d) {
			return ErrBuilding
		}
		s.OfferDraft = &session.OfferDraft{UpdatedAt: now}
		return nil
	})
	if errors.Is(err, ErrBuilding) {
		return &Outcome{Replies: []string{msgBuilding}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("start offer builder: %w", err)
	}
	b.logger.Info("offer builder started", "user", userID)
	return &Outcome{Replies: []string{msgIntro, Questions[0].Prompt}}, nil
}

// Cancel drops an open draft. It reports false when there was none.
func (b *Builder) Cancel(ctx context.Context, userID string) (bool, error) {
	_, err := b.store.Mutate(ctx, userID, func(s *session.Session) error {
		if s.OfferDraft == nil {
			return errNoDraft
		}
		s.OfferDraft = nil
		return nil
	})
	if errors.Is(err, errNoDraft) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cancel offer builder: %w", err)
	}
	return true, nil
}

// HandleAnswer records text as the answer to the pending question. handled
// is false when no draft is open or the draft went stale, in which case text
// should be treated as an ordinary message. The last answer writes the offer;
// when that fails the draft stays on the last question so answering again
// retries.
func (b *Builder) HandleAnswer(ctx context.Context, userID, text string) (out *Outcome, handled bool, err error) {
	var (
		final    bool
		busy     bool
		answers  []session.Answer
		snapshot *session.Session
	)
	now := b.timestamp()
	out = &Outcome{}
	snapshot, err = b.store.Mutate(ctx, userID, func(s *session.Session) error {
		out.Replies, final, busy = nil, false, false
		d := s.OfferDraft
		if d == nil {
			return errNoDraft
		}
		if b.stale(d) {
			s.OfferDraft = nil
			return nil
		}
		if d.Building {
			busy = true
			return errNoDraft
		}

		if d.Step < 0 || d.Step >= len(Questions) {
			d.Step = len(Questions) - 1
		}
		q := Questions[d.Step]
		answer := strings.TrimSpace(text)
		switch {
		case answer == "":
			out.Replies = []string{msgEmpty, q.Prompt}
			return nil
		case utf8.RuneCountInString(answer) > MaxAnswerLength:
			out.Replies = []string{fmt.Sprintf("Please keep it under %d characters.", MaxAnswerLength), q.Prompt}
			return nil
		}

		d.Answers = setAnswer(d.Answers, q.Key, answer)
		d.UpdatedAt = now
		if d.Step+1 < len(Questions) {
			d.Step++
			out.Replies = []string{Questions[d.Step].Prompt}
			return nil
		}
		d.Building = true
		final = true
		answers = append([]session.Answer(nil), d.Answers...)
		return nil
	})
	switch {
	case busy:
		return &Outcome{Replies: []string{msgBuilding}}, true, nil
	case errors.Is(err, errNoDraft):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("record offer answer: %w", err)
	}
	if snapshot.OfferDraft == nil {
		b.logger.Info("stale offer draft dropped", "user", userID)
		return nil, false, nil
	}
	if !final {
		return out, true, nil
	}

	offer, err := b.build(ctx, snapshot, answers)
	if errors.Is(err, errNoDraft) {
		return &Outcome{Replies: []string{msgCancelled}}, true, nil
	}
	if err != nil {
		b.release(ctx, userID)
		return nil, true, err
	}
	return &Outcome{Replies: []string{Render(offer), msgSaved}, Offer: offer}, true, nil
}

// build drafts the offer and stores it in place of the draft.
func (b *Builder) build(ctx context.Context, sess *session.Session, answers []session.Answer) (*session.Offer, error) {
	raw, err := b.drafter.DraftOffer(ctx, sess, answers)
	if err != nil {
		return nil, fmt.Errorf("draft offer: %w", err)
	}
	offer, err := Parse(raw)
	if err != nil {
		b.logger.Warn("offer reply not structured, keeping the answers", "user", sess.UserID, "error", err)
		offer = fromAnswers(answers, raw)
	}
	offer.UpdatedAt = b.timestamp()

	_, err = b.store.Mutate(ctx, sess.UserID, func(s *session.Session) error {
		if s.OfferDraft == nil || !s.OfferDraft.Building {
			return errNoDraft
		}
		s.Offer = offer
		s.OfferDraft = nil
		return nil
	})
	if errors.Is(err, errNoDraft) {
		b.logger.Info("offer draft cancelled while writing", "user", sess.UserID)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("save offer: %w", err)
	}
	b.logger.Info("offer saved", "user", sess.UserID, "name", offer.Name)
	return offer, nil
}

// release reopens the last question after a failed draft.
func (b *Builder) release(ctx context.Context, userID string) {
	_, err := b.store.Mutate(ctx, userID, func(s *session.Session) error {
		if s.OfferDraft == nil || !s.OfferDraft.Building {
			return errNoDraft
		}
		s.OfferDraft.Building = false
		s.OfferDraft.Step = len(Questions) - 1
		s.OfferDraft.UpdatedAt = b.timestamp()
		return nil
	})
	if err != nil && !errors.Is(err, errNoDraft) {
		b.logger.Error("reopening offer draft failed", "user", userID, "error", err)
	}
}

func setAnswer(answers []session.Answer, key, answer string) []session.Answer {
	for i := range answers {
		if answers[i].Key == key {
			answers[i].Answer = answer
			return answers
		}
	}
	return append(answers, session.Answer{Key: key, Answer: answer})
}

func fromAnswers(answers []session.Answer, raw string) *session.Offer {
	o := &session.Offer{Summary: strings.TrimSpace(raw)}
	for _, a := range answers {
		switch a.Key {
		case "avatar":
			o.Avatar = a.Answer
		case "problem":
			o.Problem = a.Answer
		case "promise":
			o.Promise = a.Answer
		case "price_point":
			o.PricePoint = a.Answer
		}
	}
	return o
}
