package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/programme-lv/grader/archive"
	"github.com/programme-lv/grader/httpjson"
	"github.com/programme-lv/grader/indexer"
	"github.com/programme-lv/grader/logger"
)

type archiveResponse struct {
	archive.Extraction
	Students []string `json:"students"`
}

func (httpserver *HttpServer) mapArchive(ext archive.Extraction) archiveResponse {
	res := archiveResponse{Extraction: ext, Students: []string{}}
	if ix, ok := httpserver.app.Registry.Get(ext.Checksum); ok {
		res.Students = ix.Students()
	}
	return res
}

func (httpserver *HttpServer) postArchive(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	limit := httpserver.app.Config.Archive.MaxArchiveBytes
	body := r.Body
	if limit > 0 {
		body = http.MaxBytesReader(w, r.Body, limit)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpjson.HandleError(log, w, archive.ErrArchiveTooLarge("archive size", limit))
			return
		}
		httpjson.HandleError(log, w, err)
		return
	}

	ingested, err := httpserver.app.Ingest(r.Context(), archive.Upload{
		Data:    data,
		Student: r.URL.Query().Get("student"),
	})
	if err != nil {
		httpjson.HandleError(log, w, err)
		return
	}
	httpserver.cache.Delete(ingested.Extraction.Checksum)

	type ingestResponse struct {
		archiveResponse
		Unrecognized []indexer.Entry `json:"unrecognized"`
	}
	res := ingestResponse{archiveResponse: httpserver.mapArchive(ingested.Extraction)}
	res.Unrecognized = ingested.Index.Unrecognized
	if res.Unrecognized == nil {
		res.Unrecognized = []indexer.Entry{}
	}
	httpjson.WriteJson(w, http.StatusCreated, res)
}

func (httpserver *HttpServer) listArchives(w http.ResponseWriter, r *http.Request) {
	exts, err := httpserver.app.Extractor.List()
	if err != nil {
		httpjson.HandleError(logger.FromContext(r.Context()), w, err)
		return
	}
	res := make([]archiveResponse, 0, len(exts))
	for _, ext := range exts {
		res = append(res, httpserver.mapArchive(ext))
	}
	httpjson.WriteSuccessJson(w, res)
}

func (httpserver *HttpServer) deleteArchive(w http.ResponseWriter, r *http.Request) {
	checksum := chi.URLParam(r, "checksum")
	if err := httpserver.app.RemoveArchive(r.Context(), checksum); err != nil {
		httpjson.HandleError(logger.FromContext(r.Context()), w, err)
		return
	}
	httpserver.cache.Delete(checksum)
	w.WriteHeader(http.StatusNoContent)
}

func (httpserver *HttpServer) getArchiveIndex(w http.ResponseWriter, r *http.Request) {
	checksum := chi.URLParam(r, "checksum")
	if cached, found := httpserver.cache.Get(checksum); found {
		httpjson.WriteSuccessJson(w, cached)
		return
	}

	res, err, _ := httpserver.sfGroup.Do("index:"+checksum, func() (interface{}, error) {
		ix, ok := httpserver.app.Registry.Get(checksum)
		if !ok {
			return nil, archive.ErrArchiveNotFound(checksum)
		}
		httpserver.cache.Set(checksum, ix, 0) // Use default expiration time
		return ix, nil
	})
	if err != nil {
		httpjson.HandleError(logger.FromContext(r.Context()), w, err)
		return
	}
	httpjson.WriteSuccessJson(w, res)
}

func (httpserver *HttpServer) postArchiveMarks(w http.ResponseWriter, r *http.Request) {
	checksum := chi.URLParam(r, "checksum")
	n, err := httpserver.app.WriteMarks(r.Context(), checksum)
	if err != nil {
		httpjson.HandleError(logger.FromContext(r.Context()), w, err)
		return
	}
	httpjson.WriteSuccessJson(w, map[string]int{"updated": n})
}
