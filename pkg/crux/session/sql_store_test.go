package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/jholhewres/crux/pkg/crux/database"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	cfg := database.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "sessions.db")

	db, err := database.Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewSQLStore(db, nil)
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMutateCreatesAndPersists(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Mutate(ctx, "u1", func(s *Session) error {
		s.DisplayName = "Ana"
		s.ThreadRef = "thread-1"
		s.OnboardingStage = QuestionStage(0)
		s.SetAnswer("niche", "coaches")
		s.PendingAudio = &PendingAudio{Transcript: "hello", CapturedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
		s.AwaitingAudioDisambiguation = true
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	got, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := &Session{
		UserID:                      "u1",
		DisplayName:                 "Ana",
		ThreadRef:                   "thread-1",
		OnboardingStage:             QuestionStage(0),
		OnboardingAnswers:           []Answer{{Key: "niche", Answer: "coaches"}},
		PendingAudio:                &PendingAudio{Transcript: "hello", CapturedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		AwaitingAudioDisambiguation: true,
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Session{}, "CreatedAt", "UpdatedAt")); diff != "" {
		t.Errorf("session mismatch (-want +got):\n%s", diff)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}
}

func TestMutateErrorAbortsWrite(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	boom := errors.New("boom")
	_, err := store.Mutate(ctx, "u1", func(s *Session) error {
		s.DisplayName = "ignored"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if _, err := store.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no session after aborted mutate, got %v", err)
	}
}

func TestMutateConcurrentNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	const writers = 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Mutate(ctx, "u1", func(s *Session) error {
				s.SetAnswer(fmt.Sprintf("k%02d", i), "v")
				return nil
			})
			if err != nil {
				t.Errorf("Mutate %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.OnboardingAnswers) != writers {
		t.Errorf("expected %d answers, got %d", writers, len(got.OnboardingAnswers))
	}
	if n := store.locks.size(); n != 0 {
		t.Errorf("expected lock table to drain, %d entries left", n)
	}
}

func TestMutateCannotClobberCounters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.IncrementImageCount(ctx, "u1", "2026-03-01", 50); err != nil {
		t.Fatalf("IncrementImageCount: %v", err)
	}
	got, err := store.Mutate(ctx, "u1", func(s *Session) error {
		s.DailyImageCount = 0
		s.LastCheckinDate = "2099-01-01"
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if got.DailyImageCount != 1 || got.LastCheckinDate != "" {
		t.Errorf("counters changed through Mutate: count=%d checkin=%q", got.DailyImageCount, got.LastCheckinDate)
	}
}

func TestIncrementImageCountCap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	const limit = 5

	// Concurrent callers at the boundary: exactly `limit` succeed.
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for i := 0; i < limit+4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.IncrementImageCount(ctx, "u1", "2026-03-01", limit)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrImageCapReached):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != limit || rejected != 4 {
		t.Fatalf("expected %d accepted / 4 rejected, got %d / %d", limit, accepted, rejected)
	}

	// A new day starts from one.
	n, err := store.IncrementImageCount(ctx, "u1", "2026-03-02", limit)
	if err != nil || n != 1 {
		t.Fatalf("new day: count=%d err=%v", n, err)
	}

	// Refund after a failed generation frees the slot again.
	if err := store.RefundImage(ctx, "u1", "2026-03-02"); err != nil {
		t.Fatalf("RefundImage: %v", err)
	}
	got, _ := store.Get(ctx, "u1")
	if got.ImagesUsed("2026-03-02") != 0 {
		t.Errorf("expected 0 images after refund, got %d", got.ImagesUsed("2026-03-02"))
	}
}

func TestMarkCheckinForwardOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.Mutate(ctx, "u1", func(s *Session) error { s.DisplayName = "Ana"; return nil }); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		day  string
		want bool
	}{
		{"2026-03-01", true},
		{"2026-03-01", false},
		{"2026-02-28", false},
		{"2026-03-02", true},
	}
	for _, st := range steps {
		got, err := store.MarkCheckin(ctx, "u1", st.day)
		if err != nil {
			t.Fatalf("MarkCheckin(%s): %v", st.day, err)
		}
		if got != st.want {
			t.Errorf("MarkCheckin(%s) = %v, want %v", st.day, got, st.want)
		}
	}

	sess, _ := store.Get(ctx, "u1")
	if sess.LastCheckinDate != "2026-03-02" {
		t.Errorf("expected last checkin 2026-03-02, got %q", sess.LastCheckinDate)
	}
}

func TestNoopMutateDoesNotCreate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sess, err := store.Mutate(ctx, "ghost", func(s *Session) error {
		// Reads only, as a stale timer callback would.
		_ = s.OnboardingStage
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if sess.UserID != "ghost" || sess.OnboardingStage != StageNotStarted {
		t.Errorf("unexpected snapshot %+v", sess)
	}
	if err := store.IncrementUsage(ctx, "ghost"); err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}
	if _, err := store.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no row, got %v", err)
	}
	if users, _ := store.ListUsers(ctx); len(users) != 0 {
		t.Errorf("expected no users, got %v", users)
	}

	// Any real change still creates the session.
	if _, err := store.Mutate(ctx, "ghost", func(s *Session) error { s.PushMode = "strong"; return nil }); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "ghost"); err != nil {
		t.Errorf("expected row after change, got %v", err)
	}
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, u := range []string{"u1", "u2"} {
		if _, err := store.Mutate(ctx, u, func(s *Session) error { s.MemorySummary = "x"; return nil }); err != nil {
			t.Fatal(err)
		}
		if err := store.AddCallReview(ctx, CallReview{ID: u + "-r", UserID: u, Label: "sales_call", Feedback: "ok"}); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.DeleteAll(ctx, "u1"); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if _, err := store.Get(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected u1 gone, got %v", err)
	}
	if reviews, _ := store.ListCallReviews(ctx, "u1", 0); len(reviews) != 0 {
		t.Errorf("expected u1 reviews gone, got %d", len(reviews))
	}

	users, err := store.ListUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"u2"}, users); diff != "" {
		t.Errorf("users mismatch (-want +got):\n%s", diff)
	}

	// Subsequent interactions start from NotStarted.
	sess, err := store.Mutate(ctx, "u1", func(s *Session) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if sess.OnboardingStage != StageNotStarted || sess.MemorySummary != "" {
		t.Errorf("expected fresh session, got stage=%s summary=%q", sess.OnboardingStage, sess.MemorySummary)
	}
}

func TestCallReviewsTrimmed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < MaxCallReviews+5; i++ {
		err := store.AddCallReview(ctx, CallReview{
			ID:        fmt.Sprintf("r%02d", i),
			UserID:    "u1",
			Label:     "sales_call",
			Feedback:  "fb",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AddCallReview %d: %v", i, err)
		}
	}

	reviews, err := store.ListCallReviews(ctx, "u1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(reviews) != MaxCallReviews {
		t.Fatalf("expected %d reviews, got %d", MaxCallReviews, len(reviews))
	}
	if reviews[0].ID != fmt.Sprintf("r%02d", MaxCallReviews+4) {
		t.Errorf("expected newest first, got %s", reviews[0].ID)
	}
	if reviews[len(reviews)-1].ID != "r05" {
		t.Errorf("expected oldest kept r05, got %s", reviews[len(reviews)-1].ID)
	}
}

func TestAdminLog(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.AppendAdminLog(ctx, AdminLogRecord{ID: "a1", ActorID: "admin", TargetUserID: "u1", Action: "reset"})
	if err != nil {
		t.Fatal(err)
	}
	recs, err := store.ListAdminLog(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Action != "reset" || recs[0].TargetUserID != "u1" {
		t.Errorf("unexpected admin log: %+v", recs)
	}
}

func TestStage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		stage   Stage
		label   string
		index   int
		waiting bool
	}{
		{StageNotStarted, "not_started", 0, false},
		{StageComplete, "complete", 0, false},
		{QuestionStage(0), "question_1", 0, true},
		{QuestionStage(5), "question_6", 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			t.Parallel()
			if tt.stage.String() != tt.label {
				t.Errorf("String() = %q, want %q", tt.stage.String(), tt.label)
			}
			idx, ok := tt.stage.QuestionIndex()
			if ok != tt.waiting || idx != tt.index {
				t.Errorf("QuestionIndex() = (%d, %v), want (%d, %v)", idx, ok, tt.index, tt.waiting)
			}
		})
	}
}

func TestPendingAudioFresh(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{
		PendingAudio:                &PendingAudio{Transcript: "t", CapturedAt: now.Add(-5 * time.Minute)},
		AwaitingAudioDisambiguation: true,
	}
	if !s.PendingAudioFresh(now, 10*time.Minute) {
		t.Error("expected fresh inside window")
	}
	if s.PendingAudioFresh(now, 2*time.Minute) {
		t.Error("expected stale outside window")
	}
	s.ClearPendingAudio()
	if s.PendingAudio != nil || s.AwaitingAudioDisambiguation {
		t.Error("ClearPendingAudio left state behind")
	}
}
