package offer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/jholhewres/crux/pkg/crux/session"
	"github.com/jholhewres/crux/pkg/crux/session/sessiontest"
)

const structuredReply = `[SUMMARY]
A done-for-you ads program for agency owners.

[OFFER_JSON]
{"offerName":"Pipeline Sprint","avatar":"agency owners","problem":"no leads","promise":"30 calls in 30 days","pricePoint":"$5k","uniqueMechanism":"ad engine","programStructure":"6 weeks","guarantees":"calls or refund","backendSystems":"CRM"}`

type fakeDrafter struct {
	calls   atomic.Int32
	reply   string
	err     error
	hold    chan struct{}
	mu      sync.Mutex
	answers []session.Answer
}

func (f *fakeDrafter) DraftOffer(_ context.Context, _ *session.Session, answers []session.Answer) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.answers = answers
	f.mu.Unlock()
	if f.hold != nil {
		<-f.hold
	}
	return f.reply, f.err
}

var wizardAnswers = []string{"agency owners", "no leads", "30 calls in 30 days", "$5k", "two case studies"}

func newBuilder(t *testing.T, d Drafter) (*Builder, session.Store) {
	t.Helper()
	store := sessiontest.NewStore(t)
	sessiontest.Seed(t, store, "u1", func(s *session.Session) { s.DisplayName = "Ana" })
	return New(store, d, Config{}, nil), store
}

func answer(t *testing.T, b *Builder, text string) *Outcome {
	t.Helper()
	out, handled, err := b.HandleAnswer(context.Background(), "u1", text)
	if err != nil {
		t.Fatalf("HandleAnswer(%q): %v", text, err)
	}
	if !handled {
		t.Fatalf("HandleAnswer(%q) not handled", text)
	}
	return out
}

func TestWizardSavesOffer(t *testing.T) {
	t.Parallel()
	d := &fakeDrafter{reply: structuredReply}
	b, store := newBuilder(t, d)
	ctx := context.Background()

	out, err := b.Start(ctx, "u1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if diff := cmp.Diff([]string{msgIntro, Questions[0].Prompt}, out.Replies); diff != "" {
		t.Errorf("start replies (-want +got):\n%s", diff)
	}

	for i, a := range wizardAnswers[:len(wizardAnswers)-1] {
		out := answer(t, b, a)
		if diff := cmp.Diff([]string{Questions[i+1].Prompt}, out.Replies); diff != "" {
			t.Errorf("after answer %d (-want +got):\n%s", i, diff)
		}
	}
	out = answer(t, b, wizardAnswers[len(wizardAnswers)-1])
	if out.Offer == nil || out.Offer.Name != "Pipeline Sprint" {
		t.Fatalf("offer = %+v", out.Offer)
	}
	if len(out.Replies) != 2 || !strings.Contains(out.Replies[0], "Pipeline Sprint") || out.Replies[1] != msgSaved {
		t.Errorf("final replies %q", out.Replies)
	}

	var keys []string
	for _, a := range d.answers {
		keys = append(keys, a.Key)
	}
	if diff := cmp.Diff([]string{"avatar", "problem", "promise", "price_point", "proof"}, keys); diff != "" {
		t.Errorf("drafted answers (-want +got):\n%s", diff)
	}

	sess, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.OfferDraft != nil {
		t.Errorf("draft left behind: %+v", sess.OfferDraft)
	}
	want := &session.Offer{
		Name: "Pipeline Sprint", Avatar: "agency owners", Problem: "no leads",
		Promise: "30 calls in 30 days", PricePoint: "$5k", UniqueMechanism: "ad engine",
		ProgramStructure: "6 weeks", Guarantees: "calls or refund", BackendSystems: "CRM",
		Summary: "A done-for-you ads program for agency owners.",
	}
	if diff := cmp.Diff(want, sess.Offer, cmpopts.IgnoreFields(session.Offer{}, "UpdatedAt")); diff != "" {
		t.Errorf("stored offer (-want +got):\n%s", diff)
	}

	if _, handled, _ := b.HandleAnswer(ctx, "u1", "thanks"); handled {
		t.Error("text after completion was consumed by the wizard")
	}
}

func TestWizardRepromptsBadAnswers(t *testing.T) {
	t.Parallel()
	b, store := newBuilder(t, &fakeDrafter{reply: structuredReply})
	if _, err := b.Start(context.Background(), "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, tt := range []struct {
		name string
		text string
		want string
	}{
		{"blank", "   ", msgEmpty},
		{"too long", strings.Repeat("é", MaxAnswerLength+1), "under 2000"},
	} {
		out := answer(t, b, tt.text)
		if len(out.Replies) != 2 || !strings.Contains(out.Replies[0], tt.want) || out.Replies[1] != Questions[0].Prompt {
			t.Errorf("%s: replies %q", tt.name, out.Replies)
		}
	}

	sess, _ := store.Get(context.Background(), "u1")
	if sess.OfferDraft == nil || sess.OfferDraft.Step != 0 || len(sess.OfferDraft.Answers) != 0 {
		t.Errorf("draft moved on a rejected answer: %+v", sess.OfferDraft)
	}
}

func TestWizardRetriesAfterDraftFailure(t *testing.T) {
	t.Parallel()
	d := &fakeDrafter{err: errors.New("model down")}
	b, store := newBuilder(t, d)
	ctx := context.Background()
	if _, err := b.Start(ctx, "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, a := range wizardAnswers[:len(wizardAnswers)-1] {
		answer(t, b, a)
	}

	_, handled, err := b.HandleAnswer(ctx, "u1", "proof v1")
	if err == nil || !handled {
		t.Fatalf("handled=%v err=%v, want handled failure", handled, err)
	}
	sess, _ := store.Get(ctx, "u1")
	if d := sess.OfferDraft; d == nil || d.Building || d.Step != len(Questions)-1 {
		t.Fatalf("draft not reopened: %+v", sess.OfferDraft)
	}

	d.err = nil
	d.reply = "No structure here, just prose."
	out := answer(t, b, "proof v2")
	if out.Offer == nil || out.Offer.Avatar != "agency owners" || out.Offer.Summary != "No structure here, just prose." {
		t.Errorf("fallback offer = %+v", out.Offer)
	}
	if got := d.answers[len(d.answers)-1].Answer; got != "proof v2" {
		t.Errorf("last answer = %q, want the retried one", got)
	}
	if len(d.answers) != len(Questions) {
		t.Errorf("answers duplicated on retry: %d", len(d.answers))
	}
}

func TestWizardBusyWhileWriting(t *testing.T) {
	t.Parallel()
	d := &fakeDrafter{reply: structuredReply, hold: make(chan struct{})}
	b, _ := newBuilder(t, d)
	ctx := context.Background()
	if _, err := b.Start(ctx, "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, a := range wizardAnswers[:len(wizardAnswers)-1] {
		answer(t, b, a)
	}

	done := make(chan *Outcome, 1)
	go func() {
		out, _, _ := b.HandleAnswer(ctx, "u1", "proof")
		done <- out
	}()
	for d.calls.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	busy := answer(t, b, "proof again")
	if diff := cmp.Diff([]string{msgBuilding}, busy.Replies); diff != "" {
		t.Errorf("second answer (-want +got):\n%s", diff)
	}
	restart, err := b.Start(ctx, "u1")
	if err != nil || restart.Replies[0] != msgBuilding {
		t.Errorf("Start while writing = %+v, %v", restart, err)
	}

	close(d.hold)
	if out := <-done; out == nil || out.Offer == nil {
		t.Errorf("first answer outcome = %+v", out)
	}
	if n := d.calls.Load(); n != 1 {
		t.Errorf("drafter called %d times", n)
	}
}

func TestCancelDuringWritingDiscardsOffer(t *testing.T) {
	t.Parallel()
	d := &fakeDrafter{reply: structuredReply, hold: make(chan struct{})}
	b, store := newBuilder(t, d)
	ctx := context.Background()
	if _, err := b.Start(ctx, "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, a := range wizardAnswers[:len(wizardAnswers)-1] {
		answer(t, b, a)
	}

	done := make(chan *Outcome, 1)
	go func() {
		out, _, _ := b.HandleAnswer(ctx, "u1", "proof")
		done <- out
	}()
	for d.calls.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if ok, err := b.Cancel(ctx, "u1"); err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	close(d.hold)

	out := <-done
	if diff := cmp.Diff([]string{msgCancelled}, out.Replies); diff != "" {
		t.Errorf("replies (-want +got):\n%s", diff)
	}
	if sess, _ := store.Get(ctx, "u1"); sess.Offer != nil {
		t.Errorf("offer saved after cancel: %+v", sess.Offer)
	}
}

func TestStaleDraftFallsThrough(t *testing.T) {
	t.Parallel()
	b, store := newBuilder(t, &fakeDrafter{reply: structuredReply})
	ctx := context.Background()
	now := time.Now()
	b.now = func() time.Time { return now }
	if _, err := b.Start(ctx, "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	b.now = func() time.Time { return now.Add(25 * time.Hour) }
	if _, handled, err := b.HandleAnswer(ctx, "u1", "agency owners"); handled || err != nil {
		t.Errorf("stale draft: handled=%v err=%v", handled, err)
	}
	if sess, _ := store.Get(ctx, "u1"); sess.OfferDraft != nil {
		t.Errorf("stale draft kept: %+v", sess.OfferDraft)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	b, store := newBuilder(t, &fakeDrafter{})
	ctx := context.Background()

	if ok, err := b.Cancel(ctx, "u1"); ok || err != nil {
		t.Errorf("Cancel without draft = %v, %v", ok, err)
	}
	if _, err := b.Start(ctx, "u1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ok, err := b.Cancel(ctx, "u1"); !ok || err != nil {
		t.Errorf("Cancel = %v, %v", ok, err)
	}
	if sess, _ := store.Get(ctx, "u1"); Active(sess) {
		t.Error("draft still active after cancel")
	}
	if _, handled, _ := b.HandleAnswer(ctx, "u1", "hello"); handled {
		t.Error("answer consumed after cancel")
	}
	if ok, _ := b.Cancel(ctx, "ghost"); ok {
		t.Error("Cancel reported a draft for an unknown user")
	}
	if users, _ := store.ListUsers(ctx); len(users) != 1 {
		t.Errorf("users = %d, want 1", len(users))
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		name        string
		raw         string
		wantName    string
		wantSummary string
		wantErr     bool
	}{
		{name: "structured", raw: structuredReply, wantName: "Pipeline Sprint", wantSummary: "A done-for-you ads program for agency owners."},
		{name: "fenced json", raw: "[SUMMARY]\nShort.\n[OFFER_JSON]\n```json\n{\"offerName\":\"X\"}\n```", wantName: "X", wantSummary: "Short."},
		{name: "no summary marker", raw: "Plain intro\n[OFFER_JSON]{\"offerName\":\"Y\"}", wantName: "Y", wantSummary: "Plain intro"},
		{name: "no json marker", raw: "just prose", wantErr: true},
		{name: "broken json", raw: "[OFFER_JSON] {\"offerName\": }", wantErr: true},
		{name: "no braces", raw: "[OFFER_JSON] nothing", wantErr: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			o, err := Parse(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrNoOfferJSON) {
					t.Errorf("err = %v, want ErrNoOfferJSON", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if o.Name != tt.wantName || o.Summary != tt.wantSummary {
				t.Errorf("got name=%q summary=%q", o.Name, o.Summary)
			}
		})
	}
}

func TestRender(t *testing.T) {
	t.Parallel()
	got := Render(&session.Offer{Promise: "more calls", PricePoint: "$5k", Summary: "Short."})
	want := "💼 **Your offer**\n_more calls_\n**Price:** $5k\n\nShort."
	if got != want {
		t.Errorf("Render =\n%s\nwant\n%s", got, want)
	}
}
