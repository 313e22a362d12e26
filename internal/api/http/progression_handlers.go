package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	auth "github.com/learnhall/learnhall-lms/internal/auth/middleware"
	"github.com/learnhall/learnhall-lms/internal/progression"
)

// TrackProgressHandler records a playback heartbeat for the authenticated
// learner.
func TrackProgressHandler(svc *progression.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CourseID            string `json:"course_id"`
			ModuleID            string `json:"module_id"`
			WatchedSeconds      int    `json:"watched_seconds"`
			DurationEstimateSec int    `json:"duration_estimate_sec"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", 400)
			return
		}
		userID := auth.SubjectFromContext(r.Context())
		err := svc.TrackVideoProgress(r.Context(), userID, req.CourseID, req.ModuleID, req.WatchedSeconds, req.DurationEstimateSec)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func MarkCompleteHandler(svc *progression.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CourseID string `json:"course_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", 400)
			return
		}
		userID := auth.SubjectFromContext(r.Context())
		res, err := svc.MarkVideoComplete(r.Context(), userID, req.CourseID)
		if err != nil {
			writeErr(w, err)
			return
		}
		_ = json.NewEncoder(w).Encode(res)
	}
}

func SubmitExamHandler(svc *progression.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ModuleID     string `json:"module_id"`
			LessonID     string `json:"lesson_id"`
			CourseID     string `json:"course_id"`
			Answers      []int  `json:"answers"`
			TimeSpentSec int    `json:"time_spent_sec"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", 400)
			return
		}
		userID := auth.SubjectFromContext(r.Context())
		res, err := svc.SubmitExam(r.Context(), userID, req.ModuleID, req.LessonID, req.CourseID, req.Answers, req.TimeSpentSec)
		if err != nil {
			writeErr(w, err)
			return
		}
		_ = json.NewEncoder(w).Encode(res)
	}
}

// PracticeExamHandler grades without recording: no attempt, no points.
func PracticeExamHandler(svc *progression.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ModuleID string `json:"module_id"`
			LessonID string `json:"lesson_id"`
			CourseID string `json:"course_id"`
			Answers  []int  `json:"answers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", 400)
			return
		}
		res, err := svc.GradePractice(r.Context(), req.ModuleID, req.LessonID, req.CourseID, req.Answers)
		if err != nil {
			writeErr(w, err)
			return
		}
		_ = json.NewEncoder(w).Encode(res)
	}
}

func SubmitQuizHandler(svc *progression.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ModuleID string `json:"module_id"`
			Score    int    `json:"score"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", 400)
			return
		}
		userID := auth.SubjectFromContext(r.Context())
		res, err := svc.SubmitQuiz(r.Context(), userID, req.ModuleID, req.Score)
		if err != nil {
			writeErr(w, err)
			return
		}
		_ = json.NewEncoder(w).Encode(res)
	}
}

// GetCourseProgressHandler returns the record, or JSON null when the learner
// has not started the course.
func GetCourseProgressHandler(svc *progression.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		courseID := chi.URLParam(r, "courseID")
		userID := requestedUser(r)
		p, err := svc.GetCourseProgress(r.Context(), userID, courseID)
		if err != nil {
			writeErr(w, err)
			return
		}
		_ = json.NewEncoder(w).Encode(p)
	}
}

func GetModuleProgressHandler(svc *progression.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		moduleID := chi.URLParam(r, "moduleID")
		userID := requestedUser(r)
		e, err := svc.GetModuleProgress(r.Context(), userID, moduleID)
		if err != nil {
			writeErr(w, err)
			return
		}
		_ = json.NewEncoder(w).Encode(e)
	}
}

// UpsertExamHandler stores an exam definition (instructor path).
func UpsertExamHandler(svc *progression.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ex progression.Exam
		if err := json.NewDecoder(r.Body).Decode(&ex); err != nil {
			http.Error(w, "bad json", 400)
			return
		}
		ex.ID = chi.URLParam(r, "examID")
		if err := svc.UpsertExam(r.Context(), &ex); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func PointsHandler(svc *progression.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := requestedUser(r)
		total, recent, err := svc.PointsSummary(r.Context(), userID, 20)
		if err != nil {
			writeErr(w, err)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"user_id": userID,
			"total":   total,
			"recent":  recent,
		})
	}
}

// requestedUser resolves the target of a read: the authenticated subject by
// default, or ?user_id= when an instructor looks at another learner.
// RequestIsForSelf backs the RequireOwnerOr route guard.
func requestedUser(r *http.Request) string {
	if u := r.URL.Query().Get("user_id"); u != "" {
		return u
	}
	return auth.SubjectFromContext(r.Context())
}

func RequestIsForSelf(r *http.Request) bool {
	u := r.URL.Query().Get("user_id")
	return u == "" || u == auth.SubjectFromContext(r.Context())
}
