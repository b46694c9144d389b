package bot

import (
	"errors"

	"github.com/jholhewres/crux/pkg/crux/audio"
	"github.com/jholhewres/crux/pkg/crux/channels"
	"github.com/jholhewres/crux/pkg/crux/llm"
	"github.com/jholhewres/crux/pkg/crux/onboarding"
	"github.com/jholhewres/crux/pkg/crux/session"
)

const (
	noticeGeneric      = "⚠️ Something went wrong on my side. Please try again."
	noticeTranscribe   = "❌ Couldn't transcribe that voice note. Please try again."
	noticePending      = "⏳ I'm still waiting to hear whether your last voice note is a `call` or a `question`."
	noticeImageCap     = "🚫 You've reached today's image limit. It resets tomorrow."
	noticeTooLarge     = "📦 That file is too large for me to process."
	noticeDownload     = "❌ I couldn't download that attachment. Please send it again."
	noticeBusy         = "⏳ The AI is busy right now. Try again in a minute."
	noticeSlow         = "⌛ The AI took too long to answer. Please try again."
	noticeUnavailable  = "⚠️ The AI service is unavailable right now. Your coach has been notified."
	noticeTooLong      = "✂️ That was too long for me to handle in one go. Try a shorter message."
	noticeNotOnboarded = "Finish onboarding first: use `!start`."

	msgNeedStart = "Use `%sstart` to begin onboarding."
)

// Notice maps an error to the short message the user sees. Raw errors are
// only logged.
func Notice(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, audio.ErrTranscription):
		return noticeTranscribe
	case errors.Is(err, audio.ErrDisambiguationPending):
		return noticePending
	case errors.Is(err, session.ErrImageCapReached):
		return noticeImageCap
	case errors.Is(err, channels.ErrMediaTooLarge):
		return noticeTooLarge
	case errors.Is(err, channels.ErrMediaDownloadFailed):
		return noticeDownload
	case errors.Is(err, onboarding.ErrNotActive):
		return noticeNotOnboarded
	}

	var llmErr *llm.Error
	if !errors.As(err, &llmErr) && llm.KindOf(err) != llm.ErrorTimeout {
		return noticeGeneric
	}
	switch llm.KindOf(err) {
	case llm.ErrorRateLimit, llm.ErrorOverloaded, llm.ErrorRetryable:
		return noticeBusy
	case llm.ErrorTimeout:
		return noticeSlow
	case llm.ErrorAuth, llm.ErrorBilling:
		return noticeUnavailable
	case llm.ErrorContext:
		return noticeTooLong
	default:
		return noticeGeneric
	}
}
