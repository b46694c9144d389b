// Package onboarding drives the scripted question sequence every new user
// goes through before free coaching starts.
//
// Progress lives on the session, so a restart resumes at the same question.
// While a question is pending, every non-command message the user sends is
// consumed here.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/crux/pkg/crux/channels"
	"github.com/jholhewres/crux/pkg/crux/coaching"
	"github.com/jholhewres/crux/pkg/crux/projects"
	"github.com/jholhewres/crux/pkg/crux/session"
)

// ErrNotActive is returned by HandleAnswer when no question is pending.
var ErrNotActive = errors.New("onboarding is not in progress")

// errStale aborts a timeout whose question was already answered or reset.
var errStale = errors.New("stale onboarding timeout")

const (
	msgAlreadyDone = "Welcome back, you're already onboarded."
	msgResume      = "Picking up where we left off."
	msgTimeout     = "⏳ Timeout. Use `!start` to resume later."
	msgComplete    = "🎉 Onboarding complete! You may now talk to me normally."
	msgBoardReady  = "✅ Your program board is ready:\n%s"
	msgBoardFailed = "⚠️ I couldn't set up your program board automatically. Your coach will set it up for you."
	msgBoardDates  = "⚠️ %d task(s) on your board could not be dated. Your coach will fix them."
	msgBoardInvite = "⚠️ I couldn't invite %s to the board. Ask your coach for access."
)

func intro(name string) string {
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hey %s! 👋\nSTRICT ONBOARDING MODE.\nI will ask %d questions only. No coaching yet.", name, len(DefaultQuestions))
}

// Sender delivers the asynchronous timeout notice.
type Sender interface {
	Send(ctx context.Context, to string, message *channels.OutgoingMessage) error
}

// Provisioner creates the user's program board on completion.
type Provisioner interface {
	Provision(ctx context.Context, userID, displayName, contact string) (*projects.Result, error)
}

// Config holds onboarding configuration.
type Config struct {
	// Timeout is how long a question waits before the user is told to resume
	// later (default: 15m).
	Timeout time.Duration `yaml:"timeout"`

	// ProvisionTimeout bounds board creation after the last answer.
	ProvisionTimeout time.Duration `yaml:"provision_timeout"`

	// MaxSummaryChars bounds the memory summary seeded from the answers
	// (default: 1500).
	MaxSummaryChars int `yaml:"max_summary_chars"`
}

// DefaultConfig returns the default onboarding configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:          15 * time.Minute,
		ProvisionTimeout: 3 * time.Minute,
		MaxSummaryChars:  1500,
	}
}

// Outcome is what a transition produced.
type Outcome struct {
	// Replies are sent to the user's thread in order.
	Replies []string

	// Completed is true only on the transition into Complete.
	Completed bool

	// Project is set when a board was provisioned.
	Project *projects.Result

	Session *session.Session
}

// Machine is the onboarding state machine.
type Machine struct {
	store       session.Store
	sender      Sender
	provisioner Provisioner
	questions   []Question
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
	closed bool
}

// New creates a machine. provisioner may be nil when boards are disabled.
func New(store session.Store, sender Sender, provisioner Provisioner, cfg Config, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = def.ProvisionTimeout
	}
	if cfg.MaxSummaryChars <= 0 {
		cfg.MaxSummaryChars = def.MaxSummaryChars
	}
	return &Machine{
		store:       store,
		sender:      sender,
		provisioner: provisioner,
		questions:   DefaultQuestions,
		cfg:         cfg,
		logger:      logger.With("component", "onboarding"),
		now:         time.Now,
		timers:      make(map[string]*time.Timer),
	}
}

// Active reports whether sess is waiting on a question.
func Active(sess *session.Session) bool {
	if sess == nil {
		return false
	}
	_, ok := sess.OnboardingStage.QuestionIndex()
	return ok
}

// timestamp drops the monotonic reading so values compare equal after a
// round trip through the store.
func (m *Machine) timestamp() time.Time {
	return m.now().UTC().Round(0)
}

func (m *Machine) expired(s *session.Session) bool {
	return !s.QuestionAskedAt.IsZero() && m.now().Sub(s.QuestionAskedAt) > m.cfg.Timeout
}

// Begin starts onboarding, resumes it at the pending question, or reports
// that the user is already done. threadRef binds the user's thread when set.
func (m *Machine) Begin(ctx context.Context, userID, displayName, threadRef string) (*Outcome, error) {
	out := &Outcome{}
	sess, err := m.store.Mutate(ctx, userID, func(s *session.Session) error {
		out.Replies = nil
		if displayName != "" {
			s.DisplayName = displayName
		}
		if threadRef != "" {
			s.ThreadRef = threadRef
		}

		if s.OnboardingComplete() {
			out.Replies = []string{msgAlreadyDone}
			return nil
		}
		idx, active := s.OnboardingStage.QuestionIndex()
		if !active {
			idx = 0
			s.OnboardingStage = session.QuestionStage(0)
			out.Replies = []string{intro(s.DisplayName)}
		} else {
			out.Replies = []string{msgResume}
		}
		s.OnboardingPaused = false
		s.QuestionAskedAt = m.timestamp()
		out.Replies = append(out.Replies, m.questions[idx].Prompt)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("begin onboarding: %w", err)
	}

	out.Session = sess
	if Active(sess) {
		m.arm(sess)
		m.logger.Info("onboarding question sent", "user", userID, "stage", sess.OnboardingStage.String())
	}
	return out, nil
}

// HandleAnswer records text as the answer to the pending question. A paused
// or expired wait re-asks the same question without recording anything. The
// final answer completes onboarding exactly once and provisions the board.
func (m *Machine) HandleAnswer(ctx context.Context, userID, text string) (*Outcome, error) {
	out := &Outcome{}
	sess, err := m.store.Mutate(ctx, userID, func(s *session.Session) error {
		out.Replies = nil
		out.Completed = false

		idx, ok := s.OnboardingStage.QuestionIndex()
		if !ok || idx >= len(m.questions) {
			return ErrNotActive
		}
		q := m.questions[idx]

		if s.OnboardingPaused || m.expired(s) {
			s.OnboardingPaused = false
			s.QuestionAskedAt = m.timestamp()
			out.Replies = []string{msgResume, q.Prompt}
			return nil
		}

		answer, err := Validate(q, text)
		if err != nil {
			s.QuestionAskedAt = m.timestamp()
			out.Replies = []string{hint(err), q.Prompt}
			return nil
		}
		s.SetAnswer(q.Key, answer)

		if idx+1 == len(m.questions) {
			s.OnboardingStage = session.StageComplete
			s.QuestionAskedAt = time.Time{}
			s.MemorySummary = coaching.Bound(SeedSummary(m.questions, s.OnboardingAnswers), m.cfg.MaxSummaryChars)
			out.Completed = true
			return nil
		}
		s.OnboardingStage = session.QuestionStage(idx + 1)
		s.QuestionAskedAt = m.timestamp()
		out.Replies = []string{m.questions[idx+1].Prompt}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotActive) {
			return nil, ErrNotActive
		}
		return nil, fmt.Errorf("record answer: %w", err)
	}
	out.Session = sess

	if !out.Completed {
		m.arm(sess)
		return out, nil
	}

	m.disarm(userID)
	m.logger.Info("onboarding complete", "user", userID)
	m.finish(ctx, sess, out)
	return out, nil
}

// finish runs the post-onboarding actions. Board failures never undo
// completion.
func (m *Machine) finish(ctx context.Context, sess *session.Session, out *Outcome) {
	if m.provisioner != nil {
		contact := ""
		for _, q := range m.questions {
			if q.Contact {
				contact, _ = sess.AnswerFor(q.Key)
			}
		}

		pctx, cancel := context.WithTimeout(ctx, m.cfg.ProvisionTimeout)
		res, err := m.provisioner.Provision(pctx, sess.UserID, sess.DisplayName, contact)
		cancel()

		switch {
		case err != nil && (res == nil || res.ProjectRef == ""):
			m.logger.Error("board provisioning failed", "user", sess.UserID, "error", err)
			out.Replies = append(out.Replies, msgBoardFailed)
		default:
			if err != nil {
				m.logger.Warn("board provisioned with errors", "user", sess.UserID, "error", err)
			}
			out.Project = res
			out.Replies = append(out.Replies, fmt.Sprintf(msgBoardReady, res.URL))
			if n := len(res.Report.Failed); n > 0 {
				out.Replies = append(out.Replies, fmt.Sprintf(msgBoardDates, n))
			}
			if res.CollaboratorErr != nil {
				out.Replies = append(out.Replies, fmt.Sprintf(msgBoardInvite, contact))
			}
		}
	}
	out.Replies = append(out.Replies, msgComplete)
}

// arm (re)starts the timeout for the question sess is waiting on.
func (m *Machine) arm(sess *session.Session) {
	stage, askedAt, userID := sess.OnboardingStage, sess.QuestionAskedAt, sess.UserID

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.timers[userID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(m.cfg.Timeout, func() {
		m.mu.Lock()
		current := m.timers[userID] == timer
		if current {
			delete(m.timers, userID)
			m.wg.Add(1)
		}
		m.mu.Unlock()
		if !current {
			return
		}
		defer m.wg.Done()
		m.expire(userID, stage, askedAt)
	})
	m.timers[userID] = timer
}

// Forget drops the user's armed timeout. Call it when the user's records
// are deleted.
func (m *Machine) Forget(userID string) {
	m.disarm(userID)
}

func (m *Machine) disarm(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[userID]; ok {
		t.Stop()
		delete(m.timers, userID)
	}
}

// expire pauses onboarding when the same question is still unanswered and
// tells the user how to resume. The stage itself is left alone.
func (m *Machine) expire(userID string, stage session.Stage, askedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := m.store.Get(ctx, userID); err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			m.logger.Error("timeout check failed", "user", userID, "error", err)
		}
		return
	}

	sess, err := m.store.Mutate(ctx, userID, func(s *session.Session) error {
		if s.OnboardingStage != stage || !s.QuestionAskedAt.Equal(askedAt) || s.OnboardingPaused {
			return errStale
		}
		s.OnboardingPaused = true
		return nil
	})
	if errors.Is(err, errStale) {
		return
	}
	if err != nil {
		m.logger.Error("timeout update failed", "user", userID, "error", err)
		return
	}

	m.logger.Info("onboarding question timed out", "user", userID, "stage", stage.String())
	if sess.ThreadRef == "" || m.sender == nil {
		return
	}
	if err := m.sender.Send(ctx, sess.ThreadRef, channels.Text(msgTimeout)); err != nil {
		m.logger.Warn("timeout notice not delivered", "user", userID, "error", err)
	}
}

// Pending returns how many timeouts are armed.
func (m *Machine) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Close stops every armed timeout and waits for running ones to finish.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Questions returns the question sequence.
func (m *Machine) Questions() []Question { return m.questions }

// Summary describes the user's onboarding progress.
func Summary(sess *session.Session, questions []Question) string {
	switch {
	case sess == nil || sess.OnboardingStage == session.StageNotStarted:
		return "not started"
	case sess.OnboardingComplete():
		return "complete"
	}
	idx, _ := sess.OnboardingStage.QuestionIndex()
	state := fmt.Sprintf("question %d of %d", idx+1, len(questions))
	if sess.OnboardingPaused {
		state += " (paused)"
	}
	return state
}
