package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jholhewres/crux/pkg/crux/checkin"
	"github.com/jholhewres/crux/pkg/crux/onboarding"
	"github.com/jholhewres/crux/pkg/crux/session"
)

// apiActor is recorded in the admin log for API actions.
const apiActor = "admin-api"

// JSON writes v as a JSON response.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// UserView is the API representation of a session.
type UserView struct {
	UserID             string           `json:"user_id"`
	DisplayName        string           `json:"display_name,omitempty"`
	ThreadRef          string           `json:"thread_ref,omitempty"`
	Onboarding         string           `json:"onboarding"`
	Answers            []session.Answer `json:"answers,omitempty"`
	MemorySummary      string           `json:"memory_summary,omitempty"`
	Offer              *session.Offer   `json:"offer,omitempty"`
	AwaitingAudio      bool             `json:"awaiting_audio"`
	PushMode           string           `json:"push_mode,omitempty"`
	FaithMode          string           `json:"faith_mode,omitempty"`
	ExternalProjectRef string           `json:"external_project_ref,omitempty"`
	ImageDay           string           `json:"image_day,omitempty"`
	DailyImageCount    int              `json:"daily_image_count"`
	LastCheckinDate    string           `json:"last_checkin_date,omitempty"`
	UsageCount         int64            `json:"usage_count"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

func viewOf(sess *session.Session, detailed bool) UserView {
	v := UserView{
		UserID:             sess.UserID,
		DisplayName:        sess.DisplayName,
		ThreadRef:          sess.ThreadRef,
		Onboarding:         onboarding.Summary(sess, onboarding.DefaultQuestions),
		AwaitingAudio:      sess.AwaitingAudioDisambiguation,
		PushMode:           sess.PushMode,
		FaithMode:          sess.FaithMode,
		ExternalProjectRef: sess.ExternalProjectRef,
		ImageDay:           sess.ImageDay,
		DailyImageCount:    sess.DailyImageCount,
		LastCheckinDate:    sess.LastCheckinDate,
		UsageCount:         sess.UsageCount,
		CreatedAt:          sess.CreatedAt,
		UpdatedAt:          sess.UpdatedAt,
	}
	if detailed {
		v.Answers = sess.OnboardingAnswers
		v.MemorySummary = sess.MemorySummary
		v.Offer = sess.Offer
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	status := http.StatusOK
	if s.db != nil {
		h := s.db.Health(r.Context())
		resp["database"] = h
		if !h.Healthy {
			resp["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	JSON(w, status, resp)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.logger.Error("list users failed", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list users")
		return
	}

	users := make([]UserView, 0, len(ids))
	for _, id := range ids {
		sess, err := s.store.Get(r.Context(), id)
		if errors.Is(err, session.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Error("session load failed", "user", id, "error", err)
			Error(w, http.StatusInternalServerError, "failed to load user")
			return
		}
		users = append(users, viewOf(sess, false))
	}
	JSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.Get(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		Error(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		s.logger.Error("session load failed", "user", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	JSON(w, http.StatusOK, viewOf(sess, true))
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteAll(r.Context(), id); err != nil {
		s.logger.Error("reset failed", "user", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to reset user")
		return
	}
	for _, fn := range s.onReset {
		fn(id)
	}
	s.audit(r, id, "reset", "")
	s.logger.Info("user reset", "user", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := session.MaxCallReviews
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	reviews, err := s.store.ListCallReviews(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("call reviews load failed", "user", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load reviews")
		return
	}
	if reviews == nil {
		reviews = []session.CallReview{}
	}
	JSON(w, http.StatusOK, map[string]any{"reviews": reviews})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListAdminLog(r.Context(), 100)
	if err != nil {
		s.logger.Error("admin log load failed", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load admin log")
		return
	}
	if records == nil {
		records = []session.AdminLogRecord{}
	}
	JSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleRunCheckin(w http.ResponseWriter, r *http.Request) {
	if s.checkin == nil {
		Error(w, http.StatusServiceUnavailable, "check-ins are disabled")
		return
	}
	report, err := s.checkin.RunOnce(r.Context(), s.now())
	if errors.Is(err, checkin.ErrAlreadyRunning) {
		Error(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("forced check-in failed", "error", err)
		Error(w, http.StatusInternalServerError, "check-in pass failed")
		return
	}
	s.audit(r, "", "checkin", "")
	JSON(w, http.StatusOK, report)
}

func (s *Server) audit(r *http.Request, target, action, details string) {
	err := s.store.AppendAdminLog(r.Context(), session.AdminLogRecord{
		ID:           uuid.NewString(),
		ActorID:      apiActor,
		TargetUserID: target,
		Action:       action,
		Details:      details,
		CreatedAt:    s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn("admin log write failed", "action", action, "error", err)
	}
}
