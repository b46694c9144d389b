package audio

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/crux/pkg/crux/llm"
	"github.com/jholhewres/crux/pkg/crux/session"
	"github.com/jholhewres/crux/pkg/crux/session/sessiontest"
)

type fakeTranscriber struct {
	text string
	err  error
}

func (f fakeTranscriber) Transcribe(context.Context, []byte, string, string) (string, error) {
	return f.text, f.err
}

type fakeClassifier struct {
	label Label
	err   error
}

func (f fakeClassifier) Classify(context.Context, string) (Label, error) { return f.label, f.err }

type fakeResponder struct {
	mu    sync.Mutex
	calls []string
	err   error

	// hold, when set, blocks AnalyzeCall until it is closed.
	hold chan struct{}
}

func (f *fakeResponder) record(route, label string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, route+":"+label)
	if f.err != nil {
		return "", f.err
	}
	return route + " reply", nil
}

func (f *fakeResponder) AnalyzeCall(_ context.Context, _ *session.Session, label, _ string) (string, error) {
	if f.hold != nil {
		<-f.hold
	}
	return f.record("call", label)
}

func (f *fakeResponder) Topic(_ context.Context, _ *session.Session, label, _ string) (string, error) {
	return f.record("topic", label)
}

func (f *fakeResponder) Reply(context.Context, *session.Session, string) (string, error) {
	return f.record("reply", "")
}

type fakeMemory struct {
	mu    sync.Mutex
	count int
}

func (f *fakeMemory) RefreshAsync(string, string, string) {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()
}

func newPipeline(t *testing.T, policy Policy, tr Transcriber, cl Classifier) (*Pipeline, *fakeResponder, *fakeMemory, session.Store) {
	t.Helper()
	store := sessiontest.NewStore(t)
	resp := &fakeResponder{}
	mem := &fakeMemory{}
	p := New(Config{Policy: policy}, store, tr, cl, resp, mem, nil)
	return p, resp, mem, store
}

func TestParseLabel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want Label
	}{
		{"sales_call", LabelSalesCall},
		{"  Discovery Call.", LabelDiscoveryCall},
		{"`marketing_ideation`", LabelMarketingIdeation},
		{"setter-call", LabelSetterCall},
		{"other", LabelOther},
		{"I think this is a sales call", LabelGeneralQuestion},
		{"banana", LabelGeneralQuestion},
		{"", LabelGeneralQuestion},
	}
	for _, tt := range tests {
		if got := ParseLabel(tt.raw); got != tt.want {
			t.Errorf("ParseLabel(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestRouteFor(t *testing.T) {
	t.Parallel()
	want := map[Label]Route{
		LabelGeneralQuestion:   RouteConversation,
		LabelSalesCall:         RouteCallAnalysis,
		LabelSetterCall:        RouteCallAnalysis,
		LabelDiscoveryCall:     RouteCallAnalysis,
		LabelMarketingIdeation: RouteTopic,
		LabelFaithQuestion:     RouteTopic,
		LabelPersonalMessage:   RouteConversation,
		LabelOther:             RouteConversation,
	}
	for _, l := range Labels {
		if got := RouteFor(l); got != want[l] {
			t.Errorf("RouteFor(%s) = %s, want %s", l, got, want[l])
		}
	}
}

func TestAutoPolicyRoutes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		label Label
		call  string
	}{
		{"sales", LabelSalesCall, "call:sales_call"},
		{"discovery", LabelDiscoveryCall, "call:discovery_call"},
		{"marketing", LabelMarketingIdeation, "topic:marketing_ideation"},
		{"faith", LabelFaithQuestion, "topic:faith_question"},
		{"question", LabelGeneralQuestion, "reply:"},
		{"unrecognized", ParseLabel("weather_report"), "reply:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, resp, mem, store := newPipeline(t, PolicyAuto, fakeTranscriber{text: "hello coach"}, fakeClassifier{label: tt.label})

			res, err := p.HandleAudio(context.Background(), "u1", Attachment{Data: []byte("ogg"), Filename: "voice.ogg"})
			if err != nil {
				t.Fatalf("HandleAudio: %v", err)
			}
			if len(resp.calls) != 1 || resp.calls[0] != tt.call {
				t.Errorf("responder calls = %v, want [%s]", resp.calls, tt.call)
			}
			if res.Label != tt.label || res.Awaiting {
				t.Errorf("unexpected result %+v", res)
			}
			if mem.count != 1 {
				t.Errorf("memory refreshed %d times, want 1", mem.count)
			}
			sess, err := store.Get(context.Background(), "u1")
			if err != nil || sess.UsageCount != 1 {
				t.Errorf("usage not incremented: %+v, %v", sess, err)
			}
		})
	}
}

func TestClassifierFailureFallsBackToConversation(t *testing.T) {
	t.Parallel()
	p, resp, _, _ := newPipeline(t, PolicyAuto, fakeTranscriber{text: "hi"}, fakeClassifier{err: errors.New("rate limited")})

	res, err := p.HandleAudio(context.Background(), "u1", Attachment{})
	if err != nil {
		t.Fatalf("HandleAudio: %v", err)
	}
	if res.Route != RouteConversation || resp.calls[0] != "reply:" {
		t.Errorf("expected conversation route, got %+v %v", res, resp.calls)
	}
}

func TestTranscriptionFailureLeavesSessionUntouched(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		tr   fakeTranscriber
	}{
		{"error", fakeTranscriber{err: &llm.Error{Kind: llm.ErrorTimeout}}},
		{"empty", fakeTranscriber{text: "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, resp, mem, store := newPipeline(t, PolicyConfirm, tt.tr, fakeClassifier{})

			_, err := p.HandleAudio(context.Background(), "u1", Attachment{})
			if !errors.Is(err, ErrTranscription) {
				t.Fatalf("expected ErrTranscription, got %v", err)
			}
			if len(resp.calls) != 0 || mem.count != 0 {
				t.Error("nothing should be routed after a failed transcription")
			}
			if _, err := store.Get(context.Background(), "u1"); !errors.Is(err, session.ErrNotFound) {
				t.Errorf("session should not exist, got %v", err)
			}
		})
	}
}

func TestConfirmPolicyParksAndRoutes(t *testing.T) {
	t.Parallel()
	p, resp, mem, store := newPipeline(t, PolicyConfirm, fakeTranscriber{text: "prospect said it's too expensive"}, fakeClassifier{})
	ctx := context.Background()

	res, err := p.HandleAudio(ctx, "u1", Attachment{Filename: "call.mp3", MessageID: "m1"})
	if err != nil {
		t.Fatalf("HandleAudio: %v", err)
	}
	if !res.Awaiting || len(resp.calls) != 0 {
		t.Fatalf("expected parked transcript, got %+v", res)
	}
	sess, _ := store.Get(ctx, "u1")
	if !sess.AwaitingAudioDisambiguation || sess.PendingAudio == nil || sess.PendingAudio.MessageID != "m1" {
		t.Fatalf("pending audio not stored: %+v", sess)
	}

	// A second note while the first is waiting is rejected.
	if _, err := p.HandleAudio(ctx, "u1", Attachment{}); !errors.Is(err, ErrDisambiguationPending) {
		t.Errorf("expected ErrDisambiguationPending, got %v", err)
	}

	// An unclear answer re-prompts and keeps the transcript.
	res, handled, err := p.HandleDisambiguation(ctx, "u1", "maybe?")
	if err != nil || !handled || !res.Awaiting {
		t.Fatalf("unclear answer: %+v handled=%v err=%v", res, handled, err)
	}

	res, handled, err = p.HandleDisambiguation(ctx, "u1", "Call")
	if err != nil || !handled {
		t.Fatalf("call answer: handled=%v err=%v", handled, err)
	}
	if res.Label != LabelSalesCall || resp.calls[0] != "call:sales_call" || mem.count != 1 {
		t.Errorf("expected call analysis, got %+v %v", res, resp.calls)
	}

	sess, _ = store.Get(ctx, "u1")
	if sess.AwaitingAudioDisambiguation || sess.PendingAudio != nil {
		t.Error("pending audio should be cleared after routing")
	}
	if _, handled, _ := p.HandleDisambiguation(ctx, "u1", "question"); handled {
		t.Error("nothing is pending any more")
	}
}

func TestConfirmRouteFailureKeepsPending(t *testing.T) {
	t.Parallel()
	p, resp, _, store := newPipeline(t, PolicyConfirm, fakeTranscriber{text: "how do I price?"}, fakeClassifier{})
	ctx := context.Background()

	if _, err := p.HandleAudio(ctx, "u1", Attachment{}); err != nil {
		t.Fatalf("HandleAudio: %v", err)
	}
	resp.err = errors.New("llm down")
	if _, handled, err := p.HandleDisambiguation(ctx, "u1", "question"); err == nil || !handled {
		t.Fatalf("expected routed failure, got handled=%v err=%v", handled, err)
	}
	sess, _ := store.Get(ctx, "u1")
	if sess.PendingAudio == nil {
		t.Fatal("pending audio should survive a failed route")
	}
	if !sess.PendingAudio.ClaimedAt.IsZero() {
		t.Fatal("a failed route must release its claim")
	}

	resp.err = nil
	res, handled, err := p.HandleDisambiguation(ctx, "u1", "question")
	if err != nil || !handled || res.Route != RouteConversation {
		t.Errorf("retry: %+v handled=%v err=%v", res, handled, err)
	}
}

func TestDuplicateAnswerRoutesOnce(t *testing.T) {
	t.Parallel()
	p, resp, _, store := newPipeline(t, PolicyConfirm, fakeTranscriber{text: "closing call with a prospect"}, fakeClassifier{})
	ctx := context.Background()

	if _, err := p.HandleAudio(ctx, "u1", Attachment{MessageID: "m1"}); err != nil {
		t.Fatalf("HandleAudio: %v", err)
	}
	resp.hold = make(chan struct{})

	type outcome struct {
		res     *Result
		handled bool
		err     error
	}
	first := make(chan outcome, 1)
	go func() {
		res, handled, err := p.HandleDisambiguation(ctx, "u1", "call")
		first <- outcome{res, handled, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		sess, err := store.Get(ctx, "u1")
		if err == nil && sess.PendingAudio != nil && !sess.PendingAudio.ClaimedAt.IsZero() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first answer never claimed the note")
		}
		time.Sleep(5 * time.Millisecond)
	}

	res, handled, err := p.HandleDisambiguation(ctx, "u1", "call")
	if err != nil || !handled || res.Replies[0] != msgWorking {
		t.Fatalf("duplicate answer: %+v handled=%v err=%v", res, handled, err)
	}

	close(resp.hold)
	got := <-first
	if got.err != nil || !got.handled || got.res.Label != LabelSalesCall {
		t.Fatalf("first answer: %+v", got)
	}
	if len(resp.calls) != 1 {
		t.Errorf("note routed %d times: %v", len(resp.calls), resp.calls)
	}
	sess, _ := store.Get(ctx, "u1")
	if sess.PendingAudio != nil || sess.AwaitingAudioDisambiguation {
		t.Error("note should be cleared after routing")
	}
}

func TestExpiredDisambiguationFallsThrough(t *testing.T) {
	t.Parallel()
	p, resp, _, store := newPipeline(t, PolicyConfirm, fakeTranscriber{text: "old note"}, fakeClassifier{})
	ctx := context.Background()

	now := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	if _, err := p.HandleAudio(ctx, "u1", Attachment{}); err != nil {
		t.Fatalf("HandleAudio: %v", err)
	}

	now = now.Add(11 * time.Minute)
	res, handled, err := p.HandleDisambiguation(ctx, "u1", "call")
	if err != nil || handled || res != nil {
		t.Fatalf("expired note must fall through, got %+v handled=%v err=%v", res, handled, err)
	}
	if len(resp.calls) != 0 {
		t.Error("expired note must not be routed")
	}
	sess, _ := store.Get(ctx, "u1")
	if sess.AwaitingAudioDisambiguation || sess.PendingAudio != nil {
		t.Error("expired note should be cleared")
	}

	// A new note after expiry is accepted.
	if res, err := p.HandleAudio(ctx, "u1", Attachment{}); err != nil || !res.Awaiting {
		t.Errorf("new note after expiry: %+v, %v", res, err)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("é", 300)
	got := preview(long)
	if !strings.HasSuffix(got, "…_") || strings.Count(got, "é") != maxPreview {
		t.Errorf("unexpected preview %q", got)
	}
}
