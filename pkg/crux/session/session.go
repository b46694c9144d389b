// Package session holds the per-user coaching state and the store that
// persists it. All writes go through Store.Mutate or one of the atomic
// counter operations, so two events for the same user never interleave a
// read-modify-write.
package session

import (
	"fmt"
	"time"
)

// DateLayout is the civil-date format used for image days and check-ins.
const DateLayout = "2006-01-02"

// Day formats t as a civil date in t's location.
func Day(t time.Time) string {
	return t.Format(DateLayout)
}

// Stage is the onboarding position. The zero value is NotStarted; question i
// is stored as i+1 so a fresh session never looks mid-onboarding.
type Stage int

const (
	StageNotStarted Stage = 0
	StageComplete   Stage = -1
)

// QuestionStage returns the stage for the zero-based question index i.
func QuestionStage(i int) Stage {
	return Stage(i + 1)
}

// QuestionIndex returns the zero-based question index when the stage is
// waiting on a question.
func (s Stage) QuestionIndex() (int, bool) {
	if s > 0 {
		return int(s) - 1, true
	}
	return 0, false
}

// String returns a human-readable label for the stage.
func (s Stage) String() string {
	switch {
	case s == StageNotStarted:
		return "not_started"
	case s == StageComplete:
		return "complete"
	case s > 0:
		return fmt.Sprintf("question_%d", int(s))
	default:
		return "unknown"
	}
}

// Answer is one recorded onboarding answer.
type Answer struct {
	Key    string `json:"key"`
	Answer string `json:"answer"`
}

// PendingAudio is a transcript waiting for the user to say what it is.
type PendingAudio struct {
	Transcript string    `json:"transcript"`
	Filename   string    `json:"filename,omitempty"`
	MimeType   string    `json:"mime_type,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	CapturedAt time.Time `json:"captured_at"`

	// ClaimedAt is set while an answer is being routed so a duplicate
	// answer cannot route the same note twice.
	ClaimedAt time.Time `json:"claimed_at,omitempty"`
}

// OfferDraft is an offer-builder wizard in progress. Step indexes the
// pending question; Building is set while the final draft is being written.
type OfferDraft struct {
	Step      int       `json:"step"`
	Answers   []Answer  `json:"answers,omitempty"`
	Building  bool      `json:"building,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Offer is the client's offer as written by the offer builder.
type Offer struct {
	Name             string    `json:"name,omitempty"`
	Avatar           string    `json:"avatar,omitempty"`
	Problem          string    `json:"problem,omitempty"`
	Promise          string    `json:"promise,omitempty"`
	PricePoint       string    `json:"price_point,omitempty"`
	UniqueMechanism  string    `json:"unique_mechanism,omitempty"`
	ProgramStructure string    `json:"program_structure,omitempty"`
	Guarantees       string    `json:"guarantees,omitempty"`
	BackendSystems   string    `json:"backend_systems,omitempty"`
	Summary          string    `json:"summary,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Session is the full per-user state.
//
// ImageDay, DailyImageCount, LastCheckinDate and UsageCount are column-backed
// counters: they are reported by Get and Mutate but only changed through the
// store's atomic operations. Edits made to them inside a Mutate callback are
// discarded.
type Session struct {
	UserID      string `json:"-"`
	DisplayName string `json:"display_name,omitempty"`
	ThreadRef   string `json:"thread_ref,omitempty"`

	OnboardingStage   Stage     `json:"onboarding_stage"`
	OnboardingAnswers []Answer  `json:"onboarding_answers,omitempty"`
	QuestionAskedAt   time.Time `json:"question_asked_at,omitempty"`
	OnboardingPaused  bool      `json:"onboarding_paused,omitempty"`

	MemorySummary string `json:"memory_summary,omitempty"`

	PendingAudio                *PendingAudio `json:"pending_audio,omitempty"`
	AwaitingAudioDisambiguation bool          `json:"awaiting_audio_disambiguation,omitempty"`

	OfferDraft *OfferDraft `json:"offer_draft,omitempty"`
	Offer      *Offer      `json:"offer,omitempty"`

	PushMode           string `json:"push_mode,omitempty"`
	FaithMode          string `json:"faith_mode,omitempty"`
	ExternalProjectRef string `json:"external_project_ref,omitempty"`

	ImageDay        string `json:"-"`
	DailyImageCount int    `json:"-"`
	LastCheckinDate string `json:"-"`
	UsageCount      int64  `json:"-"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// OnboardingComplete reports whether the user finished onboarding.
func (s *Session) OnboardingComplete() bool {
	return s.OnboardingStage == StageComplete
}

// AnswerFor returns the recorded answer for key.
func (s *Session) AnswerFor(key string) (string, bool) {
	for _, a := range s.OnboardingAnswers {
		if a.Key == key {
			return a.Answer, true
		}
	}
	return "", false
}

// SetAnswer records an answer, replacing an earlier one for the same key.
func (s *Session) SetAnswer(key, answer string) {
	for i := range s.OnboardingAnswers {
		if s.OnboardingAnswers[i].Key == key {
			s.OnboardingAnswers[i].Answer = answer
			return
		}
	}
	s.OnboardingAnswers = append(s.OnboardingAnswers, Answer{Key: key, Answer: answer})
}

// PendingAudioFresh reports whether a disambiguation is outstanding and still
// inside its window.
func (s *Session) PendingAudioFresh(now time.Time, window time.Duration) bool {
	if !s.AwaitingAudioDisambiguation || s.PendingAudio == nil {
		return false
	}
	return now.Sub(s.PendingAudio.CapturedAt) <= window
}

// ClearPendingAudio drops the pending transcript and its flag together.
func (s *Session) ClearPendingAudio() {
	s.PendingAudio = nil
	s.AwaitingAudioDisambiguation = false
}

// ImagesUsed returns the image count for day, zero if the stored count
// belongs to an earlier day.
func (s *Session) ImagesUsed(day string) int {
	if s.ImageDay != day {
		return 0
	}
	return s.DailyImageCount
}

// CallReview is a stored call-analysis result.
type CallReview struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Label     string    `json:"label"`
	Snippet   string    `json:"snippet"`
	Feedback  string    `json:"feedback"`
	CreatedAt time.Time `json:"created_at"`
}

// AdminLogRecord is an audit entry for an administrative action.
type AdminLogRecord struct {
	ID           string    `json:"id"`
	ActorID      string    `json:"actor_id"`
	TargetUserID string    `json:"target_user_id,omitempty"`
	Action       string    `json:"action"`
	Details      string    `json:"details,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
