// Package audio turns voice notes into coaching replies: transcribe,
// classify, then route to call analysis, a topic generator or the normal
// conversation path.
//
// Under the "confirm" policy the transcript is parked on the session and the
// user is asked whether it is a call or a question before routing. The parked
// transcript expires after a window; an expired one is dropped and the next
// message is handled as ordinary text.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/crux/pkg/crux/session"
)

// Policy selects how a transcript is routed.
type Policy string

const (
	// PolicyAuto classifies and routes immediately.
	PolicyAuto Policy = "auto"

	// PolicyConfirm asks the user whether the note is a call or a question.
	PolicyConfirm Policy = "confirm"
)

var (
	// ErrTranscription wraps transcription failures.
	ErrTranscription = errors.New("transcription failed")

	// ErrDisambiguationPending is returned when a new note arrives while the
	// previous one still waits for an answer.
	ErrDisambiguationPending = errors.New("a voice note is already waiting for confirmation")
)

const (
	msgAskKind  = "🎧 Got it. Is this a recorded **call** or a **question** for me? Reply `call` or `question`."
	msgAskAgain = "Please reply `call` or `question` so I know how to handle your voice note."
	msgWorking  = "⏳ I'm already working on that voice note."
	maxPreview  = 200
)

// Config holds audio pipeline configuration.
type Config struct {
	// Policy is "auto" (default) or "confirm".
	Policy Policy `yaml:"policy"`

	// Window is how long a parked transcript waits for the user's answer.
	Window time.Duration `yaml:"window"`

	// MaxBytes caps accepted voice notes.
	MaxBytes int64 `yaml:"max_bytes"`
}

// DefaultConfig returns the default audio configuration.
func DefaultConfig() Config {
	return Config{
		Policy:   PolicyAuto,
		Window:   10 * time.Minute,
		MaxBytes: 25 << 20,
	}
}

// Transcriber converts audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename, mimeType string) (string, error)
}

// Classifier labels a transcript.
type Classifier interface {
	Classify(ctx context.Context, transcript string) (Label, error)
}

// Responder produces the reply for each route.
type Responder interface {
	AnalyzeCall(ctx context.Context, sess *session.Session, label string, transcript string) (string, error)
	Topic(ctx context.Context, sess *session.Session, label string, transcript string) (string, error)
	Reply(ctx context.Context, sess *session.Session, text string) (string, error)
}

// MemoryRefresher updates the long-term summary in the background.
type MemoryRefresher interface {
	RefreshAsync(userID, input, reply string)
}

// Attachment is a downloaded voice note.
type Attachment struct {
	Data      []byte
	Filename  string
	MimeType  string
	MessageID string
}

// Result is what handling a note or an answer produced.
type Result struct {
	Replies    []string
	Transcript string
	Label      Label
	Route      Route

	// Awaiting is true when the transcript was parked for confirmation.
	Awaiting bool
}

// Pipeline runs voice notes through transcription, classification and routing.
type Pipeline struct {
	cfg         Config
	store       session.Store
	transcriber Transcriber
	classifier  Classifier
	responder   Responder
	memory      MemoryRefresher
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a pipeline. memory may be nil.
func New(cfg Config, store session.Store, transcriber Transcriber, classifier Classifier,
	responder Responder, memory MemoryRefresher, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	return &Pipeline{
		cfg:         cfg,
		store:       store,
		transcriber: transcriber,
		classifier:  classifier,
		responder:   responder,
		memory:      memory,
		logger:      logger.With("component", "audio"),
		now:         time.Now,
	}
}

// Policy returns the configured policy.
func (p *Pipeline) Policy() Policy { return p.cfg.Policy }

// MaxBytes returns the accepted voice note size.
func (p *Pipeline) MaxBytes() int64 { return p.cfg.MaxBytes }

func (p *Pipeline) load(ctx context.Context, userID string) (*session.Session, error) {
	sess, err := p.store.Get(ctx, userID)
	if errors.Is(err, session.ErrNotFound) {
		return &session.Session{UserID: userID}, nil
	}
	return sess, err
}

// HandleAudio transcribes a voice note and routes it, or parks it for
// confirmation under the confirm policy. A transcription failure leaves the
// session untouched.
func (p *Pipeline) HandleAudio(ctx context.Context, userID string, att Attachment) (*Result, error) {
	logger := p.logger.With("user", userID, "msg_id", att.MessageID)

	sess, err := p.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p.cfg.Policy == PolicyConfirm && sess.PendingAudioFresh(p.now(), p.cfg.Window) {
		return nil, ErrDisambiguationPending
	}

	transcript, err := p.transcriber.Transcribe(ctx, att.Data, att.Filename, att.MimeType)
	if err != nil {
		logger.Warn("transcription failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrTranscription, err)
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return nil, fmt.Errorf("%w: empty transcript", ErrTranscription)
	}
	logger.Info("voice note transcribed", "chars", len(transcript))

	if p.cfg.Policy == PolicyConfirm {
		return p.park(ctx, userID, att, transcript)
	}

	label, err := p.classifier.Classify(ctx, transcript)
	if err != nil {
		logger.Warn("classification failed, answering as a question", "error", err)
		label = LabelGeneralQuestion
	}
	logger.Info("voice note classified", "label", label, "route", RouteFor(label).String())
	return p.dispatch(ctx, sess, label, transcript)
}

// park stores the transcript and asks what it is.
func (p *Pipeline) park(ctx context.Context, userID string, att Attachment, transcript string) (*Result, error) {
	now := p.now().UTC().Round(0)
	_, err := p.store.Mutate(ctx, userID, func(s *session.Session) error {
		if s.PendingAudioFresh(now, p.cfg.Window) {
			return ErrDisambiguationPending
		}
		s.PendingAudio = &session.PendingAudio{
			Transcript: transcript,
			Filename:   att.Filename,
			MimeType:   att.MimeType,
			MessageID:  att.MessageID,
			CapturedAt: now,
		}
		s.AwaitingAudioDisambiguation = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Replies:    []string{preview(transcript), msgAskKind},
		Transcript: transcript,
		Awaiting:   true,
	}, nil
}

// decision is the user's answer to the call-or-question prompt.
type decision int

const (
	decisionUnknown decision = iota
	decisionCall
	decisionQuestion
)

func parseDecision(text string) decision {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.Trim(s, " .!?`*\"'")
	switch s {
	case "call", "c", "1", "a call", "recording", "call recording", "sales call", "📞":
		return decisionCall
	case "question", "q", "2", "a question", "❓":
		return decisionQuestion
	default:
		return decisionUnknown
	}
}

// HandleDisambiguation consumes text as the answer to a parked transcript.
// handled is false when nothing was parked or the parked note expired, in
// which case text should be treated as an ordinary message. A clear answer
// claims the note before routing; the note is cleared after routing succeeds
// and released for another answer when routing fails.
func (p *Pipeline) HandleDisambiguation(ctx context.Context, userID, text string) (res *Result, handled bool, err error) {
	current, err := p.store.Get(ctx, userID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !current.AwaitingAudioDisambiguation && current.PendingAudio == nil {
		return nil, false, nil
	}

	choice := parseDecision(text)
	now := p.now().UTC().Round(0)
	var (
		pending  *session.PendingAudio
		expired  bool
		busy     bool
		snapshot *session.Session
	)
	snapshot, err = p.store.Mutate(ctx, userID, func(s *session.Session) error {
		pending, expired, busy = nil, false, false
		if !s.AwaitingAudioDisambiguation && s.PendingAudio == nil {
			return nil
		}
		if !s.PendingAudioFresh(now, p.cfg.Window) {
			s.ClearPendingAudio()
			expired = true
			return nil
		}
		cp := *s.PendingAudio
		pending = &cp
		switch {
		case !cp.ClaimedAt.IsZero():
			busy = true
		case choice != decisionUnknown:
			s.PendingAudio.ClaimedAt = now
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if expired {
		p.logger.Info("parked voice note expired", "user", userID)
	}
	if pending == nil {
		return nil, false, nil
	}
	if busy {
		return &Result{Replies: []string{msgWorking}, Transcript: pending.Transcript}, true, nil
	}

	var label Label
	switch choice {
	case decisionCall:
		label = LabelSalesCall
	case decisionQuestion:
		label = LabelGeneralQuestion
	default:
		return &Result{Replies: []string{msgAskAgain}, Transcript: pending.Transcript, Awaiting: true}, true, nil
	}

	res, err = p.dispatch(ctx, snapshot, label, pending.Transcript)
	if err != nil {
		p.settle(ctx, userID, pending.CapturedAt, false)
		return nil, true, err
	}
	p.settle(ctx, userID, pending.CapturedAt, true)
	return res, true, nil
}

// settle clears the parked note captured at capturedAt once it was routed,
// or drops the claim on it so the user can answer again.
func (p *Pipeline) settle(ctx context.Context, userID string, capturedAt time.Time, routed bool) {
	_, err := p.store.Mutate(ctx, userID, func(s *session.Session) error {
		if s.PendingAudio == nil || !s.PendingAudio.CapturedAt.Equal(capturedAt) {
			return nil
		}
		if routed {
			s.ClearPendingAudio()
		} else {
			s.PendingAudio.ClaimedAt = time.Time{}
		}
		return nil
	})
	if err != nil {
		p.logger.Error("updating parked voice note failed", "user", userID, "routed", routed, "error", err)
	}
}

// dispatch routes transcript by label and runs the shared follow-ups.
func (p *Pipeline) dispatch(ctx context.Context, sess *session.Session, label Label, transcript string) (*Result, error) {
	route := RouteFor(label)

	var (
		reply string
		err   error
	)
	switch route {
	case RouteCallAnalysis:
		reply, err = p.responder.AnalyzeCall(ctx, sess, string(label), transcript)
	case RouteTopic:
		reply, err = p.responder.Topic(ctx, sess, string(label), transcript)
	default:
		reply, err = p.responder.Reply(ctx, sess, transcript)
	}
	if err != nil {
		return nil, fmt.Errorf("%s route: %w", route, err)
	}

	if p.memory != nil {
		p.memory.RefreshAsync(sess.UserID, transcript, reply)
	}
	if err := p.store.IncrementUsage(ctx, sess.UserID); err != nil {
		p.logger.Warn("usage counter not updated", "user", sess.UserID, "error", err)
	}

	replies := []string{reply}
	if route != RouteConversation {
		replies = append([]string{preview(transcript)}, replies...)
	}
	return &Result{Replies: replies, Transcript: transcript, Label: label, Route: route}, nil
}

// preview quotes the start of a transcript back to the user.
func preview(transcript string) string {
	r := []rune(transcript)
	if len(r) > maxPreview {
		transcript = string(r[:maxPreview]) + "…"
	}
	return "🎙️ _" + transcript + "_"
}
