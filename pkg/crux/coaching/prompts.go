package coaching

import (
	"fmt"
	"strings"

	"github.com/jholhewres/crux/pkg/crux/session"
)

// Push modes set how hard the coach holds the user to their commitments.
const (
	PushOff     = "off"
	PushNormal  = "normal"
	PushStrong  = "strong"
	PushExtreme = "extreme"
)

// PushModes lists the accepted push modes.
var PushModes = []string{PushOff, PushNormal, PushStrong, PushExtreme}

// Faith modes control whether replies may use faith-based encouragement.
const (
	FaithOff    = "off"
	FaithLight  = "light"
	FaithStrong = "strong"
)

// FaithModes lists the accepted faith modes.
var FaithModes = []string{FaithOff, FaithLight, FaithStrong}

// RedFlags is the fixed taxonomy every call review is checked against.
var RedFlags = []string{
	"Talking more than the prospect",
	"Pitching before the pain is clear",
	"No budget or decision-maker qualification",
	"Objection skipped or argued with",
	"Discounting to close",
	"No clear next step booked",
}

func pushInstruction(mode string) string {
	switch mode {
	case PushNormal:
		return "Be a little more direct than usual and remind the user of the goals and commitments they set."
	case PushStrong:
		return "Coach with tough love: point out where actions and goals don't line up and push firmly, while staying respectful."
	case PushExtreme:
		return "Coach with maximum directness: challenge every excuse head-on, but never insult or belittle the user."
	default:
		return "Keep the tone supportive and kind, but direct."
	}
}

func faithInstruction(mode string) string {
	switch mode {
	case FaithLight:
		return "Light references to Christian values are welcome when they fit; keep them optional and brief."
	case FaithStrong:
		return "Christian encouragement and scripture are welcome, as long as the advice stays practical for the business."
	default:
		return "Do not bring faith or religion into the answer."
	}
}

// profile renders what the coach knows about the user.
func profile(sess *session.Session) string {
	var b strings.Builder
	if len(sess.OnboardingAnswers) == 0 {
		b.WriteString("- onboarding answers: none yet\n")
	}
	for _, a := range sess.OnboardingAnswers {
		fmt.Fprintf(&b, "- %s: %s\n", a.Key, a.Answer)
	}
	if o := sess.Offer; o != nil {
		fmt.Fprintf(&b, "- current offer: %s (avatar: %s; promise: %s; price: %s)\n", o.Name, o.Avatar, o.Promise, o.PricePoint)
	}
	if sess.MemorySummary != "" {
		b.WriteString("\nWhat you remember about them:\n")
		b.WriteString(sess.MemorySummary)
		b.WriteString("\n")
	}
	return b.String()
}

// SystemPrompt is the coaching persona for free conversation.
func SystemPrompt(name string, sess *session.Session) string {
	return fmt.Sprintf(`You are %s, a done-with-you business coach for agency owners and coaches.
You help them grow toward $100k/month with strategy, execution plans, accountability,
sales training, marketing, offers, hiring and mindset.

Stay on business, execution, sales and mindset. Never give medical or psychological diagnoses.

Client profile:
%s
%s
%s
Answer with clear, actionable steps. Use bullet points when they help.`,
		name, profile(sess), faithInstruction(sess.FaithMode), pushInstruction(sess.PushMode))
}

// CallReviewPrompt asks for a scored review of a recorded call.
func CallReviewPrompt(label, transcript string, sess *session.Session) string {
	kind := strings.ReplaceAll(label, "_", " ")
	return fmt.Sprintf(`Review this %s transcript for the client below.

Transcript:
%s

Client profile:
%s
Produce these sections with headings:
1) Scores from 1 to 10 for rapport, discovery, offer positioning, objection handling and closing.
2) What went well (5 to 10 bullets).
3) What to improve (5 to 10 bullets).
4) Red flags: for each of the following, say "present" or "not present" with one line of evidence:
%s
5) A tighter script outline for this offer and audience.
6) Word-for-word answers to the 5 most likely objections.`,
		kind, transcript, profile(sess), bulletList(RedFlags))
}

// TopicPrompt is the single-pass generator for marketing and faith notes.
func TopicPrompt(label, transcript string, sess *session.Session) (system, prompt string) {
	switch label {
	case "faith_question":
		return "You are a business coach who shares the client's Christian faith.",
			fmt.Sprintf(`The client asked a faith question in a voice note:

%s

Client profile:
%s
Answer warmly and briefly, connect it to how they lead and run their business,
and end with one practical step for this week. Scripture is welcome where it fits.`, transcript, profile(sess))
	default:
		return "You generate marketing ideas and assets for an agency or coaching business.",
			MarketingPrompt("marketing ideas", transcript, sess)
	}
}

// MarketingPrompt asks for ready-to-use marketing assets of kind.
func MarketingPrompt(kind, details string, sess *session.Session) string {
	if details == "" {
		details = "none"
	}
	return fmt.Sprintf(`Write high-converting %s for this agency/coaching business.

Client profile:
%s
Extra instructions: %s

Number every asset and label the sections. Make them copy-paste ready and skip filler:
only what will actually bring in leads and sales.`, kind, profile(sess), details)
}

// MindsetPrompt coaches through a mindset block.
func MindsetPrompt(message string, sess *session.Session) string {
	return fmt.Sprintf(`The client is stuck on a mindset issue (procrastination, fear, imposter syndrome,
money beliefs or avoiding bold moves).

Their message:
%s

Client profile:
%s
%s

Briefly reflect how they feel, reframe the belief at the identity level,
then give 3 to 5 concrete next actions. No therapy language or diagnoses.`,
		message, profile(sess), faithInstruction(sess.FaithMode))
}

// OfferPrompt asks for a complete offer built from the wizard answers. The
// reply carries a readable summary and a JSON block after [OFFER_JSON].
func OfferPrompt(answers []session.Answer, sess *session.Session) string {
	var b strings.Builder
	for _, a := range answers {
		fmt.Fprintf(&b, "- %s: %s\n", a.Key, a.Answer)
	}
	return fmt.Sprintf(`Design a compelling, differentiated offer for this agency or coach.

Wizard answers:
%s
Client profile:
%s
Create:
- Offer name
- Core promise (one sentence)
- Unique mechanism
- Program structure (modules, calls, community, support)
- Guarantees (if appropriate)
- Backend systems required (CRM automations, onboarding, etc.)

Return exactly this layout:

[SUMMARY]
A short readable summary of the offer.

[OFFER_JSON]
{"offerName": "...", "avatar": "...", "problem": "...", "promise": "...", "pricePoint": "...",
 "uniqueMechanism": "...", "programStructure": "...", "guarantees": "...", "backendSystems": "..."}`,
		b.String(), profile(sess))
}

// Hiring modes.
const (
	HiringJD        = "jd"
	HiringInterview = "interview"
	HiringSOP       = "sop"
)

// HiringPrompt drafts hiring material for role.
func HiringPrompt(mode, role string, sess *session.Session) string {
	var task string
	switch mode {
	case HiringInterview:
		task = "Write an interview script with questions and a scoring rubric."
	case HiringSOP:
		task = "Write an SOP outline and an onboarding checklist for the hire."
	default:
		task = "Write a job description with responsibilities, requirements and preferred traits."
	}
	return fmt.Sprintf(`You help an agency/coaching business hire and train people.

Role: %s

Client profile:
%s
%s
Use headings and bullet points.`, role, profile(sess), task)
}

// summaryPrompt condenses the old summary plus one exchange.
func summaryPrompt(old, input, reply string, maxWords int) string {
	if old == "" {
		old = "(empty)"
	}
	return fmt.Sprintf(`Update this coaching-client summary in under %d words.
Keep their niche, offer, goals, pain points and recurring patterns. Drop small talk.

CURRENT SUMMARY:
%s

CLIENT SAID:
%s

COACH REPLIED:
%s

Return only the new summary.`, maxWords, old, input, reply)
}

func bulletList(items []string) string {
	var b strings.Builder
	for _, it := range items {
		b.WriteString("   - ")
		b.WriteString(it)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
