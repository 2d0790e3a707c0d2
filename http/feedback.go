package http

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/programme-lv/grader/feedback"
	"github.com/programme-lv/grader/httpjson"
	"github.com/programme-lv/grader/logger"
	"github.com/programme-lv/grader/srvcerror"
)

func (httpserver *HttpServer) listStudents(w http.ResponseWriter, r *http.Request) {
	type studentResponse struct {
		Student     string `json:"student"`
		DisplayName string `json:"display_name,omitempty"`
		Indexed     bool   `json:"indexed"`
	}

	graded, err := httpserver.app.Feedback.ListStudents(r.Context())
	if err != nil {
		httpjson.HandleError(logger.FromContext(r.Context()), w, err)
		return
	}
	seen := make(map[string]bool)
	res := []studentResponse{}
	for _, student := range httpserver.app.Registry.Students() {
		seen[student] = true
		item := studentResponse{Student: student, Indexed: true}
		if subm, _, err := httpserver.app.Registry.Latest(student); err == nil {
			item.DisplayName = subm.DisplayName
		}
		res = append(res, item)
	}
	for _, student := range graded {
		if !seen[student] {
			res = append(res, studentResponse{Student: student})
		}
	}
	httpjson.WriteSuccessJson(w, res)
}

func (httpserver *HttpServer) listStudentFeedback(w http.ResponseWriter, r *http.Request) {
	entries, err := httpserver.app.Feedback.ListByStudent(r.Context(), chi.URLParam(r, "student"))
	if err != nil {
		httpjson.HandleError(logger.FromContext(r.Context()), w, err)
		return
	}
	httpjson.WriteSuccessJson(w, entries)
}

func (httpserver *HttpServer) getFeedback(w http.ResponseWriter, r *http.Request) {
	entry, err := httpserver.app.Feedback.Get(r.Context(),
		chi.URLParam(r, "student"), chi.URLParam(r, "exercise"))
	if err != nil {
		httpjson.HandleError(logger.FromContext(r.Context()), w, err)
		return
	}
	httpjson.WriteSuccessJson(w, entry)
}

func (httpserver *HttpServer) putFeedback(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	type putFeedbackRequest struct {
		Comment          string                   `json:"comment" validate:"max=20000"`
		Codes            []feedback.CodeSelection `json:"codes" validate:"dive"`
		ManualAdjustment float64                  `json:"manual_adjustment"`
		BaseRevision     int                      `json:"base_revision" validate:"gte=0"`
		Grader           string                   `json:"grader" validate:"max=100"`
		Status           string                   `json:"status"`
	}

	var req putFeedbackRequest
	if err := httpjson.DecodeJson(r, httpserver.validate, &req); err != nil {
		httpjson.HandleError(log, w, err)
		return
	}

	entry, err := httpserver.app.Feedback.Upsert(r.Context(), feedback.UpsertParams{
		Student:          chi.URLParam(r, "student"),
		Exercise:         chi.URLParam(r, "exercise"),
		Comment:          req.Comment,
		Codes:            req.Codes,
		ManualAdjustment: req.ManualAdjustment,
		BaseRevision:     req.BaseRevision,
		Grader:           req.Grader,
		Status:           feedback.Status(req.Status),
	})
	if err != nil {
		httpjson.HandleError(log, w, err)
		return
	}
	httpjson.WriteSuccessJson(w, entry)
}

func (httpserver *HttpServer) getFeedbackHistory(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			httpjson.HandleError(log, w, srvcerror.ErrInvalidInput("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	revisions := []feedback.Entry{}
	history := httpserver.app.Feedback.History(r.Context(),
		chi.URLParam(r, "student"), chi.URLParam(r, "exercise"))
	for entry, err := range history {
		if err != nil {
			httpjson.HandleError(log, w, err)
			return
		}
		revisions = append(revisions, entry)
		if limit > 0 && len(revisions) >= limit {
			break
		}
	}
	httpjson.WriteSuccessJson(w, revisions)
}

func (httpserver *HttpServer) getProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := httpserver.app.Progress(r.Context())
	if err != nil {
		httpjson.HandleError(logger.FromContext(r.Context()), w, err)
		return
	}
	httpjson.WriteSuccessJson(w, progress)
}
