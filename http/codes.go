package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/programme-lv/grader/catalog"
	"github.com/programme-lv/grader/feedback"
	"github.com/programme-lv/grader/httpjson"
	"github.com/programme-lv/grader/logger"
	"github.com/programme-lv/grader/srvcerror"
)

func (httpserver *HttpServer) listCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := httpserver.app.Catalog.List(r.Context())
	if err != nil {
		httpjson.HandleError(logger.FromContext(r.Context()), w, err)
		return
	}
	httpjson.WriteSuccessJson(w, codes)
}

func (httpserver *HttpServer) createCode(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	type createCodeRequest struct {
		ID           string  `json:"id" validate:"required,codeid"`
		Label        string  `json:"label" validate:"required,max=120"`
		Description  string  `json:"description" validate:"max=4000"`
		DefaultDelta float64 `json:"default_delta"`
		Comment      string  `json:"comment"`
	}

	var req createCodeRequest
	if err := httpjson.DecodeJson(r, httpserver.validate, &req); err != nil {
		httpjson.HandleError(log, w, err)
		return
	}

	code, err := httpserver.app.Catalog.Add(r.Context(), catalog.ErrorCode{
		ID:           req.ID,
		Label:        req.Label,
		Description:  req.Description,
		DefaultDelta: req.DefaultDelta,
		Comment:      req.Comment,
	})
	if err != nil {
		httpjson.HandleError(log, w, err)
		return
	}
	httpjson.WriteJson(w, http.StatusCreated, code)
}

func (httpserver *HttpServer) getCode(w http.ResponseWriter, r *http.Request) {
	code, err := httpserver.app.Catalog.Get(r.Context(), chi.URLParam(r, "codeId"))
	if err != nil {
		httpjson.HandleError(logger.FromContext(r.Context()), w, err)
		return
	}
	httpjson.WriteSuccessJson(w, code)
}

func (httpserver *HttpServer) updateCode(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	type updateCodeRequest struct {
		Label        *string  `json:"label" validate:"omitempty,max=120"`
		Description  *string  `json:"description" validate:"omitempty,max=4000"`
		DefaultDelta *float64 `json:"default_delta"`
		Comment      *string  `json:"comment" validate:"omitempty,max=4000"`
	}

	var req updateCodeRequest
	if err := httpjson.DecodeJson(r, httpserver.validate, &req); err != nil {
		httpjson.HandleError(log, w, err)
		return
	}
	code, err := httpserver.app.Catalog.Update(r.Context(), chi.URLParam(r, "codeId"), catalog.Fields{
		Label:        req.Label,
		Description:  req.Description,
		DefaultDelta: req.DefaultDelta,
		Comment:      req.Comment,
	})
	if err != nil {
		httpjson.HandleError(log, w, err)
		return
	}
	httpjson.WriteSuccessJson(w, code)
}

func (httpserver *HttpServer) deleteCode(w http.ResponseWriter, r *http.Request) {
	if err := httpserver.app.Catalog.Remove(r.Context(), chi.URLParam(r, "codeId")); err != nil {
		httpjson.HandleError(logger.FromContext(r.Context()), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (httpserver *HttpServer) migrateCode(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	type migrateRequest struct {
		To     string `json:"to" validate:"omitempty,codeid"`
		Grader string `json:"grader" validate:"max=100"`
	}
	type migrationFailure struct {
		Student  string `json:"student"`
		Exercise string `json:"exercise"`
		Code     string `json:"code,omitempty"`
		Message  string `json:"message"`
	}
	type migrateResponse struct {
		Migrated []feedback.Key    `json:"migrated"`
		Failed   []migrationFailure `json:"failed"`
	}

	var req migrateRequest
	if err := httpjson.DecodeJson(r, httpserver.validate, &req); err != nil {
		httpjson.HandleError(log, w, err)
		return
	}
	res, err := httpserver.app.Feedback.MigrateCode(r.Context(), chi.URLParam(r, "codeId"), req.To, req.Grader)
	if err != nil {
		httpjson.HandleError(log, w, err)
		return
	}

	response := migrateResponse{Migrated: res.Migrated, Failed: []migrationFailure{}}
	for _, f := range res.Failed {
		response.Failed = append(response.Failed, migrationFailure{
			Student:  f.Key.Student,
			Exercise: f.Key.Exercise,
			Code:     srvcerror.Code(f.Err),
			Message:  f.Err.Error(),
		})
	}
	httpjson.WriteSuccessJson(w, response)
}
