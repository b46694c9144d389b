// Package checkin sends every onboarded user one accountability message per
// civil day.
//
// A cron entry wakes the scheduler on a short interval. Wakes outside the
// configured local hour do nothing; inside it, every user whose check-in
// marker is behind today gets a message in their thread, and the marker is
// advanced only after delivery succeeds.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/crux/pkg/crux/channels"
	"github.com/jholhewres/crux/pkg/crux/session"
)

// ErrAlreadyRunning is returned when a pass is requested while one runs.
var ErrAlreadyRunning = errors.New("check-in pass already running")

// Config holds check-in configuration.
type Config struct {
	// Enabled turns scheduled check-ins on.
	Enabled bool `yaml:"enabled"`

	// Interval between wakes (default: 10m).
	Interval time.Duration `yaml:"interval"`

	// Hour is the local hour check-ins go out (default: 8).
	Hour int `yaml:"hour"`

	// Timezone is an IANA zone name (default: America/Chicago).
	Timezone string `yaml:"timezone"`

	// UTCOffsetHours is a fixed offset used when Timezone is empty.
	UTCOffsetHours *int `yaml:"utc_offset_hours"`

	// Concurrency bounds parallel deliveries (default: 8).
	Concurrency int `yaml:"concurrency"`

	// SendTimeout bounds one user's delivery.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// DefaultGoal is quoted when the user gave no goal.
	DefaultGoal string `yaml:"default_goal"`

	// TaskLimit caps the open tasks listed in the message.
	TaskLimit int `yaml:"task_limit"`
}

// DefaultConfig returns the default check-in configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		Interval:    10 * time.Minute,
		Hour:        8,
		Concurrency: 8,
		SendTimeout: 30 * time.Second,
		DefaultGoal: "Grow",
		TaskLimit:   3,
	}
}

// Sender delivers a message to a thread.
type Sender interface {
	Send(ctx context.Context, to string, message *channels.OutgoingMessage) error
}

// TaskSource lists a user's open board tasks. Optional.
type TaskSource interface {
	OpenTasks(ctx context.Context, projectRef, day string, limit int) ([]string, error)
}

// Report summarizes one pass.
type Report struct {
	Day     string `json:"day"`
	Users   int    `json:"users"`
	Sent    int    `json:"sent"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
}

// Scheduler runs the daily check-in.
type Scheduler struct {
	cfg     Config
	store   session.Store
	sender  Sender
	tasks   TaskSource
	goalKey string
	loc     *time.Location
	logger  *slog.Logger
	now     func() time.Time

	cron    *cron.Cron
	running atomic.Bool
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler. tasks may be nil. goalKey names the onboarding
// answer quoted as the user's goal.
func New(cfg Config, store session.Store, sender Sender, tasks TaskSource, goalKey string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Hour < 0 || cfg.Hour > 23 {
		return nil, fmt.Errorf("checkin: hour %d out of range", cfg.Hour)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.DefaultGoal == "" {
		cfg.DefaultGoal = def.DefaultGoal
	}
	if cfg.TaskLimit <= 0 {
		cfg.TaskLimit = def.TaskLimit
	}

	loc, err := ResolveLocation(cfg.Timezone, cfg.UTCOffsetHours)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		sender:  sender,
		tasks:   tasks,
		goalKey: goalKey,
		loc:     loc,
		logger:  logger.With("component", "checkin"),
		now:     time.Now,
	}, nil
}

// Location returns the check-in clock's location.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Start registers the wake entry and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(s.loc))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.cfg.Interval), s.wake); err != nil {
		s.cancel()
		return fmt.Errorf("checkin: schedule wake: %w", err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("check-in scheduler started",
		"interval", s.cfg.Interval.String(),
		"hour", s.cfg.Hour,
		"timezone", s.loc.String(),
	)
	return nil
}

// Stop halts the cron runner and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	done := c.Stop()
	select {
	case <-done.Done():
	case <-time.After(30 * time.Second):
		s.logger.Warn("check-in stop timed out, cancelling pass")
	}
	cancel()
	<-done.Done()
	s.logger.Info("check-in scheduler stopped")
}

func (s *Scheduler) wake() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("check-in wake panicked", "panic", r)
		}
	}()

	if _, err := s.Tick(ctx, s.now()); err != nil && !errors.Is(err, ErrAlreadyRunning) {
		s.logger.Error("check-in pass failed", "error", err)
	}
}

// Tick runs a pass only when now falls in the check-in hour.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (*Report, error) {
	local := now.In(s.loc)
	if local.Hour() != s.cfg.Hour {
		s.logger.Debug("outside check-in hour", "local", local.Format("15:04"))
		return &Report{Day: session.Day(local)}, nil
	}
	return s.RunOnce(ctx, now)
}

// RunOnce sends today's check-in to every eligible user regardless of the
// hour. Users already marked for today are skipped, so repeated passes send
// at most one message per user per day.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) (*Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer s.running.Store(false)

	today := session.Day(now.In(s.loc))
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	var sent, skipped, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, userID := range users {
		g.Go(func() error {
			switch s.deliver(gctx, userID, today) {
			case outcomeSent:
				sent.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{
		Day:     today,
		Users:   len(users),
		Sent:    int(sent.Load()),
		Skipped: int(skipped.Load()),
		Failed:  int(failed.Load()),
	}
	s.logger.Info("check-in pass done",
		"day", today, "users", report.Users, "sent", report.Sent,
		"skipped", report.Skipped, "failed", report.Failed)
	return report, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSkipped
	outcomeFailed
)

// deliver checks one user and sends their message. A failed send leaves the
// marker alone so the next wake retries.
func (s *Scheduler) deliver(ctx context.Context, userID, today string) outcome {
	logger := s.logger.With("user", userID)

	sess, err := s.store.Get(ctx, userID)
	if err != nil {
		logger.Warn("check-in session load failed", "error", err)
		return outcomeFailed
	}
	if !sess.OnboardingComplete() || sess.ThreadRef == "" {
		return outcomeSkipped
	}
	if sess.LastCheckinDate >= today {
		return outcomeSkipped
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()

	msg := s.Compose(ctx, sess, today)
	if err := s.sender.Send(ctx, sess.ThreadRef, channels.Text(msg)); err != nil {
		logger.Warn("check-in delivery failed, will retry next wake", "thread", sess.ThreadRef, "error", err)
		return outcomeFailed
	}

	marked, err := s.store.MarkCheckin(ctx, userID, today)
	if err != nil {
		logger.Error("check-in sent but marker not saved", "error", err)
		return outcomeSent
	}
	if !marked {
		logger.Debug("check-in marker already advanced elsewhere")
	}
	return outcomeSent
}

// Compose builds the check-in message, listing open board tasks when the
// project service answers.
func (s *Scheduler) Compose(ctx context.Context, sess *session.Session, today string) string {
	goal, _ := sess.AnswerFor(s.goalKey)
	if strings.TrimSpace(goal) == "" {
		goal = s.cfg.DefaultGoal
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📆 **Daily Check-In**\nGoal: **%s**\n\n", goal)
	b.WriteString("1) What you did yesterday\n2) Top 1–3 actions today\n3) Any blockers?")

	if s.tasks == nil || sess.ExternalProjectRef == "" {
		return b.String()
	}
	names, err := s.tasks.OpenTasks(ctx, sess.ExternalProjectRef, today, s.cfg.TaskLimit)
	if err != nil {
		s.logger.Warn("open task lookup failed, sending generic check-in", "user", sess.UserID, "error", err)
		return b.String()
	}
	if len(names) > 0 {
		b.WriteString("\n\n📋 Due on your board:")
		for _, n := range names {
			b.WriteString("\n• ")
			b.WriteString(n)
		}
	}
	return b.String()
}
