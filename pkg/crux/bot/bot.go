// Package bot is the crux orchestrator. It reads messages from the chat
// channel and hands each one to the right component.
//
// Message flow: receive → command check → thread check → onboarding (while a
// question is pending) → voice note → pending disambiguation → offer builder
// (while a draft is open) → coaching reply.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/crux/pkg/crux/audio"
	"github.com/jholhewres/crux/pkg/crux/channels"
	"github.com/jholhewres/crux/pkg/crux/checkin"
	"github.com/jholhewres/crux/pkg/crux/llm"
	"github.com/jholhewres/crux/pkg/crux/offer"
	"github.com/jholhewres/crux/pkg/crux/onboarding"
	"github.com/jholhewres/crux/pkg/crux/session"
)

// Config holds orchestrator configuration.
type Config struct {
	// Prefix starts every command (default: "!").
	Prefix string `yaml:"prefix"`

	// ThreadPrefix is prepended to the user's name for their thread.
	ThreadPrefix string `yaml:"thread_prefix"`

	// AdminIDs may run admin commands.
	AdminIDs []string `yaml:"admin_ids"`

	// AdminRoleID grants admin commands to holders of the role.
	AdminRoleID string `yaml:"admin_role_id"`

	// ImageDailyCap is the per-user daily image allowance (default: 50).
	ImageDailyCap int `yaml:"image_daily_cap"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:        "!",
		ThreadPrefix:  "AI – ",
		ImageDailyCap: 50,
	}
}

// Onboarding is the question sequence.
type Onboarding interface {
	Begin(ctx context.Context, userID, displayName, threadRef string) (*onboarding.Outcome, error)
	HandleAnswer(ctx context.Context, userID, text string) (*onboarding.Outcome, error)
	Forget(userID string)
}

// Audio handles voice notes and their confirmation answers.
type Audio interface {
	HandleAudio(ctx context.Context, userID string, att audio.Attachment) (*audio.Result, error)
	HandleDisambiguation(ctx context.Context, userID, text string) (*audio.Result, bool, error)
	MaxBytes() int64
}

// Coach writes the model replies.
type Coach interface {
	Reply(ctx context.Context, sess *session.Session, text string) (string, error)
	Marketing(ctx context.Context, sess *session.Session, kind, details string) (string, error)
	Mindset(ctx context.Context, sess *session.Session, message string) (string, error)
	Hiring(ctx context.Context, sess *session.Session, mode, role string) (string, error)
	AnalyzeCall(ctx context.Context, sess *session.Session, label, transcript string) (string, error)
}

// OfferBuilder is the offer wizard.
type OfferBuilder interface {
	Start(ctx context.Context, userID string) (*offer.Outcome, error)
	HandleAnswer(ctx context.Context, userID, text string) (*offer.Outcome, bool, error)
	Cancel(ctx context.Context, userID string) (bool, error)
}

// MemoryRefresher updates the running summary in the background.
type MemoryRefresher interface {
	RefreshAsync(userID, input, reply string)
}

// ImageGenerator renders images.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (*llm.Image, error)
}

// CheckinRunner forces a check-in pass.
type CheckinRunner interface {
	RunOnce(ctx context.Context, now time.Time) (*checkin.Report, error)
}

// Deps are the components the bot dispatches to. Memory, Images, Checkin and
// Offers may be nil.
type Deps struct {
	Store      session.Store
	Chat       channels.Chat
	Onboarding Onboarding
	Audio      Audio
	Coach      Coach
	Memory     MemoryRefresher
	Images     ImageGenerator
	Checkin    CheckinRunner
	Offers     OfferBuilder

	// Location is the clock image allowances reset on (default: UTC).
	Location *time.Location
}

// Bot is the main orchestrator.
type Bot struct {
	cfg        Config
	store      session.Store
	chat       channels.Chat
	onboarding Onboarding
	audio      Audio
	coach      Coach
	memory     MemoryRefresher
	images     ImageGenerator
	checkin    CheckinRunner
	offers     OfferBuilder
	loc        *time.Location
	logger     *slog.Logger
	now        func() time.Time
	started    time.Time

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a bot.
func New(cfg Config, deps Deps, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.ThreadPrefix == "" {
		cfg.ThreadPrefix = def.ThreadPrefix
	}
	if cfg.ImageDailyCap <= 0 {
		cfg.ImageDailyCap = def.ImageDailyCap
	}
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Bot{
		cfg:        cfg,
		store:      deps.Store,
		chat:       deps.Chat,
		onboarding: deps.Onboarding,
		audio:      deps.Audio,
		coach:      deps.Coach,
		memory:     deps.Memory,
		images:     deps.Images,
		checkin:    deps.Checkin,
		offers:     deps.Offers,
		loc:        loc,
		logger:     logger.With("component", "bot"),
		now:        time.Now,
	}
}

// Start begins processing messages from the chat channel.
func (b *Bot) Start(ctx context.Context) error {
	if b.chat == nil || b.store == nil {
		return errors.New("bot: chat and store are required")
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started = b.now()

	b.wg.Add(1)
	go b.messageLoop()

	b.logger.Info("bot started", "channel", b.chat.Name(), "prefix", b.cfg.Prefix)
	return nil
}

// Stop stops the message loop and waits for in-flight messages.
func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.logger.Info("bot stopped")
}

// messageLoop starts one goroutine per incoming message so a slow model call
// for one user never delays another.
func (b *Bot) messageLoop() {
	defer b.wg.Done()
	for {
		select {
		case msg, ok := <-b.chat.Receive():
			if !ok {
				return
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleMessage(b.ctx, msg)
			}()
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *channels.IncomingMessage) {
	start := b.now()
	logger := b.logger.With("user", msg.From, "channel", msg.ChatID, "msg_id", msg.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("message handler panicked", "panic", r)
			b.send(ctx, msg.ChatID, noticeGeneric)
		}
	}()

	if b.isCommand(msg.Content) {
		b.handleCommand(ctx, msg, logger)
		logger.Info("command processed", "duration_ms", b.now().Sub(start).Milliseconds())
		return
	}

	sess, err := b.store.Get(ctx, msg.From)
	if errors.Is(err, session.ErrNotFound) {
		return
	}
	if err != nil {
		logger.Error("session load failed", "error", err)
		return
	}

	// Free text is only answered inside the user's own thread.
	if sess.ThreadRef == "" || sess.ThreadRef != msg.ChatID {
		return
	}

	switch {
	case onboarding.Active(sess):
		b.handleOnboardingAnswer(ctx, msg, logger)
	case !sess.OnboardingComplete():
		b.send(ctx, msg.ChatID, fmt.Sprintf(msgNeedStart, b.cfg.Prefix))
	case msg.Type == channels.MessageAudio:
		b.handleAudio(ctx, msg, logger)
	default:
		b.handleText(ctx, msg, sess, logger)
	}
	logger.Info("message processed", "duration_ms", b.now().Sub(start).Milliseconds())
}

func (b *Bot) handleOnboardingAnswer(ctx context.Context, msg *channels.IncomingMessage, logger *slog.Logger) {
	out, err := b.onboarding.HandleAnswer(ctx, msg.From, msg.Content)
	if err != nil {
		logger.Error("onboarding answer failed", "error", err)
		b.send(ctx, msg.ChatID, Notice(err))
		return
	}
	b.sendAll(ctx, msg.ChatID, out.Replies)
}

func (b *Bot) handleAudio(ctx context.Context, msg *channels.IncomingMessage, logger *slog.Logger) {
	if msg.Media == nil {
		return
	}
	if max := b.audio.MaxBytes(); max > 0 && msg.Media.FileSize > uint64(max) {
		b.send(ctx, msg.ChatID, Notice(channels.ErrMediaTooLarge))
		return
	}

	b.typing(ctx, msg.ChatID)
	data, mimeType, err := b.chat.DownloadMedia(ctx, msg)
	if err != nil {
		logger.Warn("voice note download failed", "error", err)
		b.send(ctx, msg.ChatID, Notice(err))
		return
	}
	if mimeType == "" {
		mimeType = msg.Media.MimeType
	}

	res, err := b.audio.HandleAudio(ctx, msg.From, audio.Attachment{
		Data:      data,
		Filename:  msg.Media.Filename,
		MimeType:  mimeType,
		MessageID: msg.ID,
	})
	if err != nil {
		logger.Warn("voice note failed", "error", err)
		b.send(ctx, msg.ChatID, Notice(err))
		return
	}
	logger.Info("voice note handled", "label", string(res.Label), "route", res.Route.String(), "awaiting", res.Awaiting)
	b.sendAll(ctx, msg.ChatID, res.Replies)
}

func (b *Bot) handleText(ctx context.Context, msg *channels.IncomingMessage, sess *session.Session, logger *slog.Logger) {
	text := strings.TrimSpace(msg.Content)

	if b.audio != nil {
		res, handled, err := b.audio.HandleDisambiguation(ctx, msg.From, text)
		if err != nil {
			logger.Warn("voice note confirmation failed", "error", err)
			b.send(ctx, msg.ChatID, Notice(err))
			return
		}
		if handled {
			b.sendAll(ctx, msg.ChatID, res.Replies)
			return
		}
	}
	if b.offers != nil && offer.Active(sess) {
		if b.handleOfferAnswer(ctx, msg, text, logger) {
			return
		}
	}
	if text == "" {
		return
	}

	b.typing(ctx, msg.ChatID)
	reply, err := b.coach.Reply(ctx, sess, text)
	if err != nil {
		logger.Warn("reply failed", "kind", llm.KindOf(err).String(), "error", err)
		b.send(ctx, msg.ChatID, Notice(err))
		return
	}
	b.send(ctx, msg.ChatID, reply)

	if b.memory != nil {
		b.memory.RefreshAsync(msg.From, text, reply)
	}
	if err := b.store.IncrementUsage(ctx, msg.From); err != nil {
		logger.Warn("usage counter not updated", "error", err)
	}
}

// handleOfferAnswer feeds text to an open offer draft. It reports whether the
// message was consumed.
func (b *Bot) handleOfferAnswer(ctx context.Context, msg *channels.IncomingMessage, text string, logger *slog.Logger) bool {
	b.typing(ctx, msg.ChatID)
	out, handled, err := b.offers.HandleAnswer(ctx, msg.From, text)
	if err != nil {
		logger.Warn("offer answer failed", "kind", llm.KindOf(err).String(), "error", err)
		b.send(ctx, msg.ChatID, Notice(err))
		return true
	}
	if !handled {
		return false
	}
	b.sendAll(ctx, msg.ChatID, out.Replies)
	if out.Offer != nil {
		logger.Info("offer saved", "name", out.Offer.Name)
		if err := b.store.IncrementUsage(ctx, msg.From); err != nil {
			logger.Warn("usage counter not updated", "error", err)
		}
	}
	return true
}

func (b *Bot) isCommand(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), b.cfg.Prefix)
}

func (b *Bot) typing(ctx context.Context, to string) {
	if err := b.chat.SendTyping(ctx, to); err != nil {
		b.logger.Debug("typing indicator failed", "to", to, "error", err)
	}
}

func (b *Bot) send(ctx context.Context, to, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	if err := b.chat.Send(ctx, to, channels.Text(content)); err != nil {
		b.logger.Error("failed to send reply", "to", to, "error", err)
	}
}

func (b *Bot) sendAll(ctx context.Context, to string, replies []string) {
	for _, r := range replies {
		b.send(ctx, to, r)
	}
}

// today is the civil date image allowances are counted against.
func (b *Bot) today() string {
	return session.Day(b.now().In(b.loc))
}
