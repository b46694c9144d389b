package coaching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/jholhewres/crux/pkg/crux/llm"
	"github.com/jholhewres/crux/pkg/crux/session"
	"github.com/jholhewres/crux/pkg/crux/session/sessiontest"
)

type fakeProvider struct {
	mu      sync.Mutex
	reply   func(prompt string) string
	err     error
	systems []string
	prompts []string
}

func (f *fakeProvider) Complete(_ context.Context, system string, msgs []llm.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.systems = append(f.systems, system)
	f.prompts = append(f.prompts, msgs[len(msgs)-1].Content)
	if f.err != nil {
		return "", f.err
	}
	if f.reply != nil {
		return f.reply(msgs[len(msgs)-1].Content), nil
	}
	return "ok", nil
}

func (f *fakeProvider) Transcribe(context.Context, []byte, string, string) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeProvider) GenerateImage(context.Context, string) (*llm.Image, error) {
	return nil, errors.New("not used")
}

func TestSystemPromptTone(t *testing.T) {
	t.Parallel()
	tests := []struct {
		push, faith string
		want        []string
	}{
		{"", "", []string{"supportive and kind", "Do not bring faith"}},
		{PushStrong, FaithLight, []string{"tough love", "Light references"}},
		{PushExtreme, FaithStrong, []string{"maximum directness", "scripture"}},
	}
	for _, tt := range tests {
		sess := &session.Session{
			PushMode:          tt.push,
			FaithMode:         tt.faith,
			OnboardingAnswers: []session.Answer{{Key: "niche", Answer: "roofers"}},
			MemorySummary:     "Wants to hire a setter.",
		}
		got := SystemPrompt("Coach", sess)
		for _, w := range append(tt.want, "roofers", "Wants to hire a setter.") {
			if !strings.Contains(got, w) {
				t.Errorf("push=%q faith=%q: prompt missing %q", tt.push, tt.faith, w)
			}
		}
	}
}

func TestAnalyzeCallStoresReview(t *testing.T) {
	t.Parallel()
	store := sessiontest.NewStore(t)
	prov := &fakeProvider{reply: func(string) string { return "Scores: 7/10" }}
	c := New(Config{}, prov, store, nil)
	c.newID = func() string { return "review-1" }

	transcript := strings.Repeat("they said the price is too high. ", 40)
	sess := &session.Session{UserID: "u1"}
	out, err := c.AnalyzeCall(context.Background(), sess, "discovery_call", transcript)
	if err != nil || out != "Scores: 7/10" {
		t.Fatalf("AnalyzeCall = %q, %v", out, err)
	}
	if !strings.Contains(prov.prompts[0], "discovery call") || !strings.Contains(prov.prompts[0], RedFlags[0]) {
		t.Errorf("review prompt missing label or red flags")
	}

	reviews, err := store.ListCallReviews(context.Background(), "u1", 10)
	if err != nil || len(reviews) != 1 {
		t.Fatalf("ListCallReviews = %v, %v", reviews, err)
	}
	r := reviews[0]
	if r.ID != "review-1" || r.Label != "discovery_call" || utf8.RuneCountInString(r.Snippet) != SnippetChars {
		t.Errorf("unexpected review %+v", r)
	}
}

func TestAnalyzeCallFailureStoresNothing(t *testing.T) {
	t.Parallel()
	store := sessiontest.NewStore(t)
	c := New(Config{}, &fakeProvider{err: &llm.Error{Kind: llm.ErrorRateLimit}}, store, nil)

	_, err := c.AnalyzeCall(context.Background(), &session.Session{UserID: "u1"}, "sales_call", "hi")
	if llm.KindOf(err) != llm.ErrorRateLimit {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	reviews, _ := store.ListCallReviews(context.Background(), "u1", 10)
	if len(reviews) != 0 {
		t.Errorf("no review should be stored, got %d", len(reviews))
	}
}

func TestTopicPrompts(t *testing.T) {
	t.Parallel()
	prov := &fakeProvider{}
	c := New(Config{}, prov, sessiontest.NewStore(t), nil)
	sess := &session.Session{UserID: "u1"}
	ctx := context.Background()

	c.Topic(ctx, sess, "faith_question", "how do I trust God with payroll?")
	c.Topic(ctx, sess, "marketing_ideation", "ideas for a webinar")
	c.Hiring(ctx, sess, HiringInterview, "appointment setter")
	c.Mindset(ctx, sess, "I keep putting off outreach")

	checks := []string{"faith question", "marketing ideas", "interview script", "3 to 5 concrete next actions"}
	for i, want := range checks {
		if !strings.Contains(prov.prompts[i], want) {
			t.Errorf("prompt %d missing %q", i, want)
		}
	}
}

func TestDraftOfferPrompt(t *testing.T) {
	t.Parallel()
	prov := &fakeProvider{}
	c := New(Config{}, prov, sessiontest.NewStore(t), nil)
	sess := &session.Session{
		UserID: "u1",
		Offer:  &session.Offer{Name: "Old Offer", Promise: "more calls"},
	}

	if _, err := c.DraftOffer(context.Background(), sess, []session.Answer{{Key: "avatar", Answer: "roofers"}}); err != nil {
		t.Fatalf("DraftOffer: %v", err)
	}
	prompt := prov.prompts[0]
	for _, want := range []string{"- avatar: roofers", "[OFFER_JSON]", "current offer: Old Offer"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBound(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"one two three four", 12, "one two"},
		{"abcdefghijklmnop", 8, "abcdefgh"},
		{"olá mundo ótimo", 10, "olá mundo"},
	}
	for _, tt := range tests {
		if got := Bound(tt.in, tt.max); got != tt.want {
			t.Errorf("Bound(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestMemoryStaysBounded(t *testing.T) {
	t.Parallel()
	store := sessiontest.NewStore(t)
	sessiontest.Seed(t, store, "u1", func(s *session.Session) { s.MemorySummary = "seed" })

	// The fake model grows the summary on every turn.
	prov := &fakeProvider{reply: func(prompt string) string {
		_, old, _ := strings.Cut(prompt, "CURRENT SUMMARY:\n")
		old, _, _ = strings.Cut(old, "\n\nCLIENT SAID:")
		return old + " and another detail"
	}}
	m := NewMemory(MemoryConfig{MaxChars: 300}, prov, store, nil)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if err := m.Refresh(ctx, "u1", fmt.Sprintf("message %d", i), "reply"); err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
	}
	sess, _ := store.Get(ctx, "u1")
	if n := utf8.RuneCountInString(sess.MemorySummary); n > 300 || n == 0 {
		t.Errorf("summary length %d outside (0, 300]", n)
	}
	if strings.Count(sess.MemorySummary, "seed") != 1 {
		t.Errorf("summary should be a single replacement value: %q", sess.MemorySummary)
	}
}

func TestRefreshAsyncFailureKeepsSummary(t *testing.T) {
	t.Parallel()
	store := sessiontest.NewStore(t)
	sessiontest.Seed(t, store, "u1", func(s *session.Session) { s.MemorySummary = "keep me" })
	m := NewMemory(MemoryConfig{}, &fakeProvider{err: errors.New("boom")}, store, nil)

	m.RefreshAsync("u1", "hi", "hello")
	m.Wait()

	sess, _ := store.Get(context.Background(), "u1")
	if sess.MemorySummary != "keep me" {
		t.Errorf("summary changed after failed refresh: %q", sess.MemorySummary)
	}
}
