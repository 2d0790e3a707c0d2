package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/programme-lv/grader/httpjson"
	"github.com/programme-lv/grader/logger"
	"github.com/programme-lv/grader/srvcerror"
)

type exportFailure struct {
	Student string `json:"student"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func mapFailure(student string, err error) exportFailure {
	return exportFailure{Student: student, Code: srvcerror.Code(err), Message: err.Error()}
}

// postBatchExport renders the listed students, or every student with
// feedback, and stores each document. Failures do not stop the batch.
func (httpserver *HttpServer) postBatchExport(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	type batchRequest struct {
		Students []string `json:"students" validate:"dive,required"`
	}
	type exported struct {
		Student  string `json:"student"`
		Location string `json:"location"`
	}
	type batchResponse struct {
		Exported []exported     `json:"exported"`
		Failures []exportFailure `json:"failures"`
	}

	var req batchRequest
	if err := httpjson.DecodeJson(r, httpserver.validate, &req); err != nil {
		httpjson.HandleError(log, w, err)
		return
	}
	students := req.Students
	if len(students) == 0 {
		all, err := httpserver.app.Feedback.ListStudents(r.Context())
		if err != nil {
			httpjson.HandleError(log, w, err)
			return
		}
		students = all
	}

	batch := httpserver.app.Pipeline.RenderBatch(r.Context(), students)
	res := batchResponse{Exported: []exported{}, Failures: []exportFailure{}}
	for _, result := range batch.Results {
		location, err := httpserver.app.Sink.Store(r.Context(), result)
		if err != nil {
			log.Error("failed to store export", "student", result.Student, "error", err)
			res.Failures = append(res.Failures, mapFailure(result.Student, err))
			continue
		}
		res.Exported = append(res.Exported, exported{Student: result.Student, Location: location})
	}
	for _, f := range batch.Failures {
		res.Failures = append(res.Failures, mapFailure(f.Student, f.Err))
	}
	httpjson.WriteSuccessJson(w, res)
}

func (httpserver *HttpServer) postExportJob(w http.ResponseWriter, r *http.Request) {
	job := httpserver.app.Jobs.Submit(chi.URLParam(r, "student"))
	httpjson.WriteJson(w, http.StatusAccepted, job)
}

func (httpserver *HttpServer) getExportJob(w http.ResponseWriter, r *http.Request) {
	job, err := httpserver.app.Jobs.Get(chi.URLParam(r, "jobId"))
	if err != nil {
		httpjson.HandleError(logger.FromContext(r.Context()), w, err)
		return
	}
	httpjson.WriteSuccessJson(w, job)
}

func (httpserver *HttpServer) cancelExportJob(w http.ResponseWriter, r *http.Request) {
	job, err := httpserver.app.Jobs.Cancel(chi.URLParam(r, "jobId"))
	if err != nil {
		httpjson.HandleError(logger.FromContext(r.Context()), w, err)
		return
	}
	httpjson.WriteSuccessJson(w, job)
}
