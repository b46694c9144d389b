package audio

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/crux/pkg/crux/llm"
)

// Label is the purpose of a voice note.
type Label string

const (
	LabelGeneralQuestion   Label = "general_question"
	LabelSalesCall         Label = "sales_call"
	LabelSetterCall        Label = "setter_call"
	LabelDiscoveryCall     Label = "discovery_call"
	LabelMarketingIdeation Label = "marketing_ideation"
	LabelFaithQuestion     Label = "faith_question"
	LabelPersonalMessage   Label = "personal_message"
	LabelOther             Label = "other"
)

// Labels is the closed label set, in prompt order.
var Labels = []Label{
	LabelGeneralQuestion,
	LabelSalesCall,
	LabelSetterCall,
	LabelDiscoveryCall,
	LabelMarketingIdeation,
	LabelFaithQuestion,
	LabelPersonalMessage,
	LabelOther,
}

// ParseLabel maps a model answer onto the label set. Anything it cannot
// match exactly is a general question.
func ParseLabel(raw string) Label {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Trim(s, " \t\n\"'`.*")
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	for _, l := range Labels {
		if s == string(l) {
			return l
		}
	}
	return LabelGeneralQuestion
}

// Route is where a label is answered.
type Route int

const (
	RouteConversation Route = iota
	RouteCallAnalysis
	RouteTopic
)

func (r Route) String() string {
	switch r {
	case RouteCallAnalysis:
		return "call_analysis"
	case RouteTopic:
		return "topic"
	default:
		return "conversation"
	}
}

// RouteFor returns the route that handles label.
func RouteFor(label Label) Route {
	switch label {
	case LabelSalesCall, LabelSetterCall, LabelDiscoveryCall:
		return RouteCallAnalysis
	case LabelMarketingIdeation, LabelFaithQuestion:
		return RouteTopic
	default:
		return RouteConversation
	}
}

// IsCall reports whether label is one of the recorded-call labels.
func (l Label) IsCall() bool { return RouteFor(l) == RouteCallAnalysis }

const classifySystem = "You label voice notes sent to a business coach. Answer with the label only."

func classifyPrompt(transcript string) string {
	names := make([]string, len(Labels))
	for i, l := range Labels {
		names[i] = string(l)
	}
	return fmt.Sprintf(`Classify the purpose of this voice note transcript.

Labels:
- general_question: a question or update for the coach
- sales_call: a recorded sales/closing call
- setter_call: a recorded appointment-setting call
- discovery_call: a recorded discovery/qualification call
- marketing_ideation: thinking out loud about content, ads or marketing
- faith_question: a question about faith, purpose or spiritual life
- personal_message: personal news or feelings, not a question
- other: none of the above

Reply with exactly one of: %s

Transcript:
%s`, strings.Join(names, ", "), transcript)
}

// LLMClassifier labels transcripts with a short completion.
type LLMClassifier struct {
	provider llm.Provider

	// MaxChars caps how much of the transcript is sent.
	MaxChars int
}

// NewLLMClassifier creates a classifier over provider.
func NewLLMClassifier(provider llm.Provider) *LLMClassifier {
	return &LLMClassifier{provider: provider, MaxChars: 6000}
}

// Classify returns the transcript's label.
func (c *LLMClassifier) Classify(ctx context.Context, transcript string) (Label, error) {
	if r := []rune(transcript); c.MaxChars > 0 && len(r) > c.MaxChars {
		transcript = string(r[:c.MaxChars])
	}
	out, err := c.provider.Complete(ctx, classifySystem, llm.UserMessage(classifyPrompt(transcript)))
	if err != nil {
		return "", err
	}
	return ParseLabel(out), nil
}
