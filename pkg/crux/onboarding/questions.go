package onboarding

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/jholhewres/crux/pkg/crux/session"
)

// MaxAnswerLength caps a single onboarding answer, in characters.
const MaxAnswerLength = 2000

// Question is one scripted onboarding question.
type Question struct {
	// Key is the answer key stored on the session.
	Key string

	// Label names the answer in the memory seed.
	Label string

	// Prompt is the text sent to the user.
	Prompt string

	// Contact marks the answer used to invite the user to their board.
	Contact bool
}

// DefaultQuestions is the fixed onboarding sequence.
var DefaultQuestions = []Question{
	{Key: "niche", Label: "Niche", Prompt: "1️⃣ Who do you serve?"},
	{Key: "offer", Label: "Offer", Prompt: "2️⃣ What is your core offer?"},
	{Key: "revenue", Label: "Revenue", Prompt: "3️⃣ What's your current monthly revenue + profit?"},
	{Key: "goal", Label: "Goal", Prompt: "4️⃣ Your 5–6 month target?"},
	{Key: "bottleneck", Label: "Bottleneck", Prompt: "5️⃣ Your biggest bottleneck?"},
	{Key: "email", Label: "Email", Prompt: "6️⃣ Best email for your program board?", Contact: true},
}

// GoalKey is the answer quoted in daily check-ins.
const GoalKey = "goal"

var (
	ErrEmptyAnswer   = errors.New("answer is empty")
	ErrAnswerTooLong = errors.New("answer is too long")
	ErrInvalidEmail  = errors.New("answer is not an email address")
)

// Validate normalizes an answer for q or explains why it was rejected.
func Validate(q Question, text string) (string, error) {
	answer := strings.TrimSpace(text)
	if answer == "" {
		return "", ErrEmptyAnswer
	}
	if utf8.RuneCountInString(answer) > MaxAnswerLength {
		return "", ErrAnswerTooLong
	}
	if !q.Contact {
		return answer, nil
	}

	addr, err := mail.ParseAddress(answer)
	if err != nil {
		return "", ErrInvalidEmail
	}
	_, domain, _ := strings.Cut(addr.Address, "@")
	if !strings.Contains(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", ErrInvalidEmail
	}
	return addr.Address, nil
}

// hint is the short re-prompt shown for a rejected answer.
func hint(err error) string {
	switch {
	case errors.Is(err, ErrEmptyAnswer):
		return "I need an answer to continue."
	case errors.Is(err, ErrAnswerTooLong):
		return fmt.Sprintf("Please keep it under %d characters.", MaxAnswerLength)
	case errors.Is(err, ErrInvalidEmail):
		return "That doesn't look like an email address (e.g. name@example.com)."
	default:
		return "Let's try that again."
	}
}

// SeedSummary turns the answer set into the initial memory summary.
func SeedSummary(questions []Question, answers []session.Answer) string {
	labels := make(map[string]string, len(questions))
	for _, q := range questions {
		labels[q.Key] = q.Label
	}

	var b strings.Builder
	b.WriteString("Client profile from onboarding:\n")
	for _, a := range answers {
		label := labels[a.Key]
		if label == "" {
			label = a.Key
		}
		fmt.Fprintf(&b, "- %s: %s\n", label, a.Answer)
	}
	return strings.TrimRight(b.String(), "\n")
}
