package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jholhewres/crux/pkg/crux/audio"
	"github.com/jholhewres/crux/pkg/crux/channels"
	"github.com/jholhewres/crux/pkg/crux/checkin"
	"github.com/jholhewres/crux/pkg/crux/coaching"
	"github.com/jholhewres/crux/pkg/crux/llm"
	"github.com/jholhewres/crux/pkg/crux/offer"
	"github.com/jholhewres/crux/pkg/crux/onboarding"
	"github.com/jholhewres/crux/pkg/crux/session"
)

const (
	reviewsShown   = 5
	reviewPreview  = 300
	msgDenied      = "Permission denied."
	msgUnknown     = "Unknown command. Try `%shelp`."
	msgThreadReady = "Your private AI thread: <#%s>"
)

// parseCommand splits "!name arg arg" into a lowercase name and the raw
// argument text.
func parseCommand(prefix, content string) (name, args string) {
	content = strings.TrimPrefix(strings.TrimSpace(content), prefix)
	name, args, _ = strings.Cut(content, " ")
	return strings.ToLower(strings.TrimSpace(name)), strings.TrimSpace(args)
}

// isAdmin reports whether the sender is a configured admin or holds the
// admin role.
func (b *Bot) isAdmin(msg *channels.IncomingMessage) bool {
	if slices.Contains(b.cfg.AdminIDs, msg.From) {
		return true
	}
	return b.cfg.AdminRoleID != "" && slices.Contains(msg.Roles, b.cfg.AdminRoleID)
}

// handleCommand runs a command. Commands start with the configured prefix
// ("!" by default) and bypass onboarding and the voice-note pipeline:
//
//	!start                       - Create or reuse your private thread and begin onboarding
//	!image <prompt>              - Generate an image (daily cap)
//	!pushmode [off|normal|strong|extreme] - Accountability tone
//	!faith [off|light|strong]    - Faith references in coaching
//	!memory                      - Show what the coach remembers about you
//	!reviews                     - Recent call reviews
//	!salesreview <transcript>    - Review a pasted sales call transcript
//	!offer [start|status|cancel] - Offer builder wizard
//	!marketing <kind> [details]  - Marketing assets (hooks, emails, ads...)
//	!mindset <message>           - Work through a mindset block
//	!hiring <jd|interview|sop> <role> - Hiring material
//	!help                        - Show available commands
//
// Admin only:
//
//	!status [user]               - Bot or user status
//	!reset <user>                - Delete every record for a user
//	!checkin                     - Run a check-in pass now
func (b *Bot) handleCommand(ctx context.Context, msg *channels.IncomingMessage, logger *slog.Logger) {
	name, args := parseCommand(b.cfg.Prefix, msg.Content)
	logger = logger.With("command", name)

	var resp string
	switch name {
	case "start":
		b.cmdStart(ctx, msg, logger)
		return
	case "help":
		resp = b.helpText(b.isAdmin(msg))
	case "image":
		b.cmdImage(ctx, msg, args, logger)
		return
	case "pushmode":
		resp = b.cmdMode(ctx, msg.From, args, "Push mode", coaching.PushModes, func(s *session.Session) *string { return &s.PushMode })
	case "faith":
		resp = b.cmdMode(ctx, msg.From, args, "Faith mode", coaching.FaithModes, func(s *session.Session) *string { return &s.FaithMode })
	case "memory":
		resp = b.cmdMemory(ctx, msg.From)
	case "reviews":
		resp = b.cmdReviews(ctx, msg.From)
	case "salesreview":
		b.cmdSalesReview(ctx, msg, args, logger)
		return
	case "offer":
		b.cmdOffer(ctx, msg, args, logger)
		return
	case "marketing", "mindset", "hiring":
		b.cmdGenerate(ctx, msg, name, args, logger)
		return
	case "status":
		if !b.isAdmin(msg) {
			resp = msgDenied
			break
		}
		resp = b.cmdStatus(ctx, args)
	case "reset":
		if !b.isAdmin(msg) {
			resp = msgDenied
			break
		}
		resp = b.cmdReset(ctx, msg.From, args, logger)
	case "checkin":
		if !b.isAdmin(msg) {
			resp = msgDenied
			break
		}
		resp = b.cmdCheckin(ctx, msg.From, logger)
	default:
		resp = fmt.Sprintf(msgUnknown, b.cfg.Prefix)
	}
	b.send(ctx, msg.ChatID, resp)
}

// --- User commands ---

func (b *Bot) cmdStart(ctx context.Context, msg *channels.IncomingMessage, logger *slog.Logger) {
	sess, err := b.store.Get(ctx, msg.From)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		logger.Error("session load failed", "error", err)
		b.send(ctx, msg.ChatID, noticeGeneric)
		return
	}

	thread := ""
	if sess != nil && sess.ThreadRef != "" && b.chat.ThreadExists(ctx, sess.ThreadRef) {
		thread = sess.ThreadRef
	} else {
		name := msg.FromName
		if name == "" {
			name = msg.From
		}
		thread, err = b.chat.EnsureThread(ctx, msg.ChatID, msg.From, b.cfg.ThreadPrefix+name)
		if err != nil {
			logger.Error("thread creation failed", "error", err)
			b.send(ctx, msg.ChatID, "⚠️ I couldn't create your private thread. Please try again.")
			return
		}
		logger.Info("thread bound", "thread", thread)
	}
	if thread != msg.ChatID {
		b.send(ctx, msg.ChatID, fmt.Sprintf(msgThreadReady, thread))
	}

	out, err := b.onboarding.Begin(ctx, msg.From, msg.FromName, thread)
	if err != nil {
		logger.Error("onboarding start failed", "error", err)
		b.send(ctx, thread, Notice(err))
		return
	}
	b.sendAll(ctx, thread, out.Replies)
}

// onboarded returns the session when the user finished onboarding, or the
// reply to send instead.
func (b *Bot) onboarded(ctx context.Context, userID string) (*session.Session, string) {
	sess, err := b.store.Get(ctx, userID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Sprintf(msgNeedStart, b.cfg.Prefix)
	}
	if err != nil {
		b.logger.Error("session load failed", "user", userID, "error", err)
		return nil, noticeGeneric
	}
	if !sess.OnboardingComplete() {
		return nil, noticeNotOnboarded
	}
	return sess, ""
}

func (b *Bot) cmdImage(ctx context.Context, msg *channels.IncomingMessage, prompt string, logger *slog.Logger) {
	if prompt == "" {
		b.send(ctx, msg.ChatID, fmt.Sprintf("Usage: `%simage <prompt>`", b.cfg.Prefix))
		return
	}
	if b.images == nil {
		b.send(ctx, msg.ChatID, "Image generation is disabled.")
		return
	}
	if _, reply := b.onboarded(ctx, msg.From); reply != "" {
		b.send(ctx, msg.ChatID, reply)
		return
	}

	day := b.today()
	used, err := b.store.IncrementImageCount(ctx, msg.From, day, b.cfg.ImageDailyCap)
	if err != nil {
		if !errors.Is(err, session.ErrImageCapReached) {
			logger.Error("image allowance check failed", "error", err)
		}
		b.send(ctx, msg.ChatID, Notice(err))
		return
	}

	refund := func() {
		if err := b.store.RefundImage(ctx, msg.From, day); err != nil {
			logger.Warn("image refund failed", "error", err)
		}
	}

	b.typing(ctx, msg.ChatID)
	img, err := b.images.GenerateImage(ctx, prompt)
	if err != nil {
		logger.Warn("image generation failed", "error", err)
		refund()
		b.send(ctx, msg.ChatID, Notice(err))
		return
	}

	err = b.chat.SendMedia(ctx, msg.ChatID, &channels.MediaMessage{
		Type:     channels.MessageImage,
		Data:     img.Data,
		MimeType: img.MimeType,
		Filename: "image" + imageExt(img.MimeType),
		Caption:  fmt.Sprintf("🖼️ %d/%d today", used, b.cfg.ImageDailyCap),
	})
	if err != nil {
		logger.Error("image delivery failed", "error", err)
		refund()
		b.send(ctx, msg.ChatID, noticeGeneric)
		return
	}
	logger.Info("image sent", "used", used, "cap", b.cfg.ImageDailyCap)
}

func imageExt(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// cmdMode shows or sets one of the tone settings stored on the session.
func (b *Bot) cmdMode(ctx context.Context, userID, arg, label string, allowed []string, field func(*session.Session) *string) string {
	sess, err := b.store.Get(ctx, userID)
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Sprintf(msgNeedStart, b.cfg.Prefix)
	}
	if err != nil {
		b.logger.Error("session load failed", "user", userID, "error", err)
		return noticeGeneric
	}

	arg = strings.ToLower(arg)
	if arg == "" {
		current := *field(sess)
		if current == "" {
			current = allowed[0]
		}
		return fmt.Sprintf("%s: **%s** (options: %s)", label, current, strings.Join(allowed, ", "))
	}
	if !slices.Contains(allowed, arg) {
		return fmt.Sprintf("Options: %s", strings.Join(allowed, ", "))
	}
	if _, err := b.store.Mutate(ctx, userID, func(s *session.Session) error {
		*field(s) = arg
		return nil
	}); err != nil {
		b.logger.Error("mode update failed", "user", userID, "error", err)
		return noticeGeneric
	}
	return fmt.Sprintf("✅ %s set to **%s**.", label, arg)
}

func (b *Bot) cmdMemory(ctx context.Context, userID string) string {
	sess, reply := b.onboarded(ctx, userID)
	if reply != "" {
		return reply
	}
	if sess.MemorySummary == "" {
		return "🧠 I don't have any notes about you yet."
	}
	return "🧠 **What I remember about you**\n" + sess.MemorySummary
}

func (b *Bot) cmdReviews(ctx context.Context, userID string) string {
	reviews, err := b.store.ListCallReviews(ctx, userID, reviewsShown)
	if err != nil {
		b.logger.Error("call reviews load failed", "user", userID, "error", err)
		return noticeGeneric
	}
	if len(reviews) == 0 {
		return "📞 No call reviews yet. Send a recording of a call as a voice note."
	}

	var sb strings.Builder
	sb.WriteString("📞 **Recent call reviews**")
	for i, r := range reviews {
		fmt.Fprintf(&sb, "\n\n**%d. %s** (%s)\n%s", i+1,
			strings.ReplaceAll(r.Label, "_", " "),
			session.Day(r.CreatedAt.In(b.loc)),
			clip(r.Feedback, reviewPreview))
	}
	return sb.String()
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}

func (b *Bot) cmdGenerate(ctx context.Context, msg *channels.IncomingMessage, name, args string, logger *slog.Logger) {
	sess, reply := b.onboarded(ctx, msg.From)
	if reply != "" {
		b.send(ctx, msg.ChatID, reply)
		return
	}

	var run func() (string, error)
	switch name {
	case "marketing":
		kind, details, _ := strings.Cut(args, " ")
		if kind == "" {
			b.send(ctx, msg.ChatID, fmt.Sprintf("Usage: `%smarketing <hooks|emails|ads|posts> [details]`", b.cfg.Prefix))
			return
		}
		run = func() (string, error) { return b.coach.Marketing(ctx, sess, kind, strings.TrimSpace(details)) }
	case "mindset":
		if args == "" {
			b.send(ctx, msg.ChatID, fmt.Sprintf("Usage: `%smindset <what's holding you back>`", b.cfg.Prefix))
			return
		}
		run = func() (string, error) { return b.coach.Mindset(ctx, sess, args) }
	case "hiring":
		mode, role, _ := strings.Cut(args, " ")
		mode = strings.ToLower(mode)
		if !slices.Contains([]string{coaching.HiringJD, coaching.HiringInterview, coaching.HiringSOP}, mode) || strings.TrimSpace(role) == "" {
			b.send(ctx, msg.ChatID, fmt.Sprintf("Usage: `%shiring <jd|interview|sop> <role>`", b.cfg.Prefix))
			return
		}
		run = func() (string, error) { return b.coach.Hiring(ctx, sess, mode, strings.TrimSpace(role)) }
	}

	b.typing(ctx, msg.ChatID)
	out, err := run()
	if err != nil {
		logger.Warn("generation failed", "error", err)
		b.send(ctx, msg.ChatID, Notice(err))
		return
	}
	b.send(ctx, msg.ChatID, out)
	if err := b.store.IncrementUsage(ctx, msg.From); err != nil {
		logger.Warn("usage counter not updated", "error", err)
	}
}

func (b *Bot) cmdSalesReview(ctx context.Context, msg *channels.IncomingMessage, transcript string, logger *slog.Logger) {
	if transcript == "" {
		b.send(ctx, msg.ChatID, fmt.Sprintf("Usage: `%ssalesreview <call transcript>`", b.cfg.Prefix))
		return
	}
	sess, reply := b.onboarded(ctx, msg.From)
	if reply != "" {
		b.send(ctx, msg.ChatID, reply)
		return
	}

	b.typing(ctx, msg.ChatID)
	feedback, err := b.coach.AnalyzeCall(ctx, sess, string(audio.LabelSalesCall), transcript)
	if err != nil {
		logger.Warn("sales review failed", "kind", llm.KindOf(err).String(), "error", err)
		b.send(ctx, msg.ChatID, Notice(err))
		return
	}
	b.send(ctx, msg.ChatID, feedback)
	if err := b.store.IncrementUsage(ctx, msg.From); err != nil {
		logger.Warn("usage counter not updated", "error", err)
	}
}

func (b *Bot) cmdOffer(ctx context.Context, msg *channels.IncomingMessage, args string, logger *slog.Logger) {
	if b.offers == nil {
		b.send(ctx, msg.ChatID, "The offer builder is disabled.")
		return
	}
	sess, reply := b.onboarded(ctx, msg.From)
	if reply != "" {
		b.send(ctx, msg.ChatID, reply)
		return
	}

	switch strings.ToLower(args) {
	case "", "start":
		// Answers are read from the user's thread only.
		to := sess.ThreadRef
		if to == "" {
			to = msg.ChatID
		}
		if to != msg.ChatID {
			b.send(ctx, msg.ChatID, fmt.Sprintf(msgThreadReady, to))
		}
		out, err := b.offers.Start(ctx, msg.From)
		if err != nil {
			logger.Error("offer builder start failed", "error", err)
			b.send(ctx, msg.ChatID, Notice(err))
			return
		}
		b.sendAll(ctx, to, out.Replies)
	case "status":
		if offer.Active(sess) {
			b.send(ctx, msg.ChatID, fmt.Sprintf("🧩 Offer builder in progress, question %d/%d.", sess.OfferDraft.Step+1, len(offer.Questions)))
		}
		if sess.Offer == nil {
			b.send(ctx, msg.ChatID, fmt.Sprintf("No offer yet. Build one with `%soffer start`.", b.cfg.Prefix))
			return
		}
		b.send(ctx, msg.ChatID, offer.Render(sess.Offer))
	case "cancel":
		ok, err := b.offers.Cancel(ctx, msg.From)
		switch {
		case err != nil:
			logger.Error("offer builder cancel failed", "error", err)
			b.send(ctx, msg.ChatID, noticeGeneric)
		case ok:
			b.send(ctx, msg.ChatID, "Offer builder cancelled.")
		default:
			b.send(ctx, msg.ChatID, "No offer builder in progress.")
		}
	default:
		b.send(ctx, msg.ChatID, fmt.Sprintf("Usage: `%soffer [start|status|cancel]`", b.cfg.Prefix))
	}
}

func (b *Bot) helpText(isAdmin bool) string {
	p := b.cfg.Prefix
	var sb strings.Builder
	sb.WriteString("**Crux Commands**\n\n")
	fmt.Fprintf(&sb, "`%sstart` - Your private thread and onboarding\n", p)
	fmt.Fprintf(&sb, "`%simage <prompt>` - Generate an image (%d per day)\n", p, b.cfg.ImageDailyCap)
	fmt.Fprintf(&sb, "`%spushmode <%s>` - Accountability tone\n", p, strings.Join(coaching.PushModes, "|"))
	fmt.Fprintf(&sb, "`%sfaith <%s>` - Faith references\n", p, strings.Join(coaching.FaithModes, "|"))
	fmt.Fprintf(&sb, "`%smemory` - What I remember about you\n", p)
	fmt.Fprintf(&sb, "`%sreviews` - Recent call reviews\n", p)
	fmt.Fprintf(&sb, "`%ssalesreview <transcript>` - Review a sales call\n", p)
	if b.offers != nil {
		fmt.Fprintf(&sb, "`%soffer [start|status|cancel]` - Build your offer\n", p)
	}
	fmt.Fprintf(&sb, "`%smarketing <kind> [details]` - Marketing assets\n", p)
	fmt.Fprintf(&sb, "`%smindset <message>` - Mindset coaching\n", p)
	fmt.Fprintf(&sb, "`%shiring <jd|interview|sop> <role>` - Hiring material\n", p)
	if isAdmin {
		sb.WriteString("\n**Admin**\n")
		fmt.Fprintf(&sb, "`%sstatus [user]` - Bot or user status\n", p)
		fmt.Fprintf(&sb, "`%sreset <user>` - Delete every record for a user\n", p)
		fmt.Fprintf(&sb, "`%scheckin` - Run a check-in pass now\n", p)
	}
	fmt.Fprintf(&sb, "`%shelp` - Show this message", p)
	return sb.String()
}

// --- Admin commands ---

// parseUserRef accepts a raw id or a mention like <@123> / <@!123>.
func parseUserRef(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<@") && strings.HasSuffix(s, ">") {
		s = strings.TrimPrefix(strings.TrimSuffix(s[2:], ">"), "!")
	}
	return s
}

func (b *Bot) cmdStatus(ctx context.Context, args string) string {
	if target := parseUserRef(args); target != "" {
		return b.userStatus(ctx, target)
	}

	users, err := b.store.ListUsers(ctx)
	if err != nil {
		b.logger.Error("list users failed", "error", err)
		return noticeGeneric
	}
	health := b.chat.Health()
	state := "disconnected"
	if health.Connected {
		state = "connected"
	}

	var sb strings.Builder
	sb.WriteString("**Crux Status**\n\n")
	fmt.Fprintf(&sb, "Users: %d\n", len(users))
	fmt.Fprintf(&sb, "Uptime: %s\n", b.now().Sub(b.started).Truncate(time.Second))
	fmt.Fprintf(&sb, "Channel %s: %s (errors: %d)", b.chat.Name(), state, health.ErrorCount)
	return sb.String()
}

func (b *Bot) userStatus(ctx context.Context, userID string) string {
	sess, err := b.store.Get(ctx, userID)
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Sprintf("No session for %s.", userID)
	}
	if err != nil {
		b.logger.Error("session load failed", "user", userID, "error", err)
		return noticeGeneric
	}

	orDash := func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "**%s** (%s)\n", orDash(sess.DisplayName), userID)
	fmt.Fprintf(&sb, "Onboarding: %s\n", onboarding.Summary(sess, onboarding.DefaultQuestions))
	fmt.Fprintf(&sb, "Thread: %s\n", orDash(sess.ThreadRef))
	fmt.Fprintf(&sb, "Board: %s\n", orDash(sess.ExternalProjectRef))
	fmt.Fprintf(&sb, "Images today: %d/%d\n", sess.ImagesUsed(b.today()), b.cfg.ImageDailyCap)
	fmt.Fprintf(&sb, "Interactions: %d\n", sess.UsageCount)
	fmt.Fprintf(&sb, "Last check-in: %s", orDash(sess.LastCheckinDate))
	return sb.String()
}

func (b *Bot) cmdReset(ctx context.Context, actorID, args string, logger *slog.Logger) string {
	target := parseUserRef(args)
	if target == "" {
		return fmt.Sprintf("Usage: `%sreset <user>`", b.cfg.Prefix)
	}
	if err := b.store.DeleteAll(ctx, target); err != nil {
		logger.Error("reset failed", "target", target, "error", err)
		return noticeGeneric
	}
	b.onboarding.Forget(target)
	b.audit(ctx, actorID, target, "reset", "")
	logger.Info("user reset", "target", target)
	return fmt.Sprintf("🧹 Reset every record for %s.", target)
}

func (b *Bot) cmdCheckin(ctx context.Context, actorID string, logger *slog.Logger) string {
	if b.checkin == nil {
		return "Check-ins are disabled."
	}
	report, err := b.checkin.RunOnce(ctx, b.now())
	if errors.Is(err, checkin.ErrAlreadyRunning) {
		return "A check-in pass is already running."
	}
	if err != nil {
		logger.Error("forced check-in failed", "error", err)
		return noticeGeneric
	}
	details := fmt.Sprintf("sent=%d skipped=%d failed=%d", report.Sent, report.Skipped, report.Failed)
	b.audit(ctx, actorID, "", "checkin", details)
	return fmt.Sprintf("✅ Check-in pass for %s: %d sent, %d skipped, %d failed.",
		report.Day, report.Sent, report.Skipped, report.Failed)
}

func (b *Bot) audit(ctx context.Context, actorID, targetID, action, details string) {
	err := b.store.AppendAdminLog(ctx, session.AdminLogRecord{
		ID:           uuid.NewString(),
		ActorID:      actorID,
		TargetUserID: targetID,
		Action:       action,
		Details:      details,
		CreatedAt:    b.now().UTC(),
	})
	if err != nil {
		b.logger.Warn("admin log write failed", "action", action, "error", err)
	}
}
