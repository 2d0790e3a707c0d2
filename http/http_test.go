package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/programme-lv/grader/app"
	"github.com/programme-lv/grader/archive/archivetest"
	"github.com/programme-lv/grader/catalog"
	"github.com/programme-lv/grader/conf"
	"github.com/programme-lv/grader/export"
	"github.com/programme-lv/grader/feedback"
	srvhttp "github.com/programme-lv/grader/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope[T any] struct {
	Status  string `json:"status"`
	Data    T      `json:"data"`
	ErrCode string `json:"code"`
	ErrMsg  string `json:"message"`
}

type testServer struct {
	t   *testing.T
	app *app.App
	srv *srvhttp.HttpServer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &conf.Config{
		DataDir: t.TempDir(),
		Storage: conf.StorageMemory,
		Archive: conf.ArchiveLimits{
			MaxArchiveBytes: 1 << 20,
			MaxTotalBytes:   1 << 22,
			MaxFileBytes:    1 << 20,
			MaxEntries:      100,
		},
		Index: conf.IndexConfig{Layout: "student-major", DefaultMaxPoints: 10},
		Export: conf.ExportConfig{
			Workers:         2,
			JobTTL:          time.Minute,
			ExcerptMaxLines: 10,
		},
	}
	fakePDF := export.TypesetFunc(func(ctx context.Context, markup []byte) ([]byte, error) {
		return []byte("%PDF-1.4 fake"), nil
	})
	a, err := app.New(context.Background(), cfg, app.WithTypesetter(fakePDF))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return &testServer{t: t, app: a, srv: srvhttp.NewHttpServer(a, srvhttp.Options{})}
}

func (s *testServer) do(method, path string, body []byte) *httptest.ResponseRecorder {
	s.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.srv.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) doJson(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	data, err := json.Marshal(body)
	require.NoError(s.t, err)
	return s.do(method, path, data)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) envelope[T] {
	t.Helper()
	var env envelope[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

var cohort = map[string]string{
	"cohort/alice/ex1/main.py": "print('a1')\n",
	"cohort/alice/ex2/main.py": "print('a2')\n",
	"cohort/bob/ex1/main.py":   "print('b1')\n",
}

func TestHttpGradingFlow(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/archives", archivetest.TarGz(t, cohort))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ingested := decode[struct {
		Checksum string   `json:"checksum"`
		Students []string `json:"students"`
	}](t, rec)
	assert.Equal(t, []string{"alice", "bob"}, ingested.Data.Students)

	rec = s.do(http.MethodGet, "/archives/"+ingested.Data.Checksum+"/index", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	index := decode[struct {
		Exercises []string `json:"exercises"`
	}](t, rec)
	assert.Equal(t, []string{"ex1", "ex2"}, index.Data.Exercises)

	rec = s.do(http.MethodGet, "/archives/0000/index", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.doJson(http.MethodPost, "/codes", map[string]any{
		"id": "E1", "label": "Off-by-one", "default_delta": -2,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.doJson(http.MethodPost, "/codes", map[string]any{"id": "bad id", "label": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.doJson(http.MethodPut, "/codes/E1", map[string]any{"description": "Loop bound is off."})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	code := decode[catalog.ErrorCode](t, rec)
	assert.Equal(t, "Off-by-one", code.Data.Label)
	assert.Equal(t, 2, code.Data.Version)

	rec = s.doJson(http.MethodPut, "/feedback/alice/ex1", map[string]any{
		"comment":           "good",
		"codes":             []map[string]any{{"code_id": "E1"}},
		"manual_adjustment": 1,
		"base_revision":     0,
		"status":            "FINAL_MARK",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	entry := decode[feedback.Entry](t, rec)
	assert.Equal(t, 9.0, entry.Data.TotalPoints)
	assert.Equal(t, 1, entry.Data.Revision)

	rec = s.doJson(http.MethodPut, "/feedback/alice/ex1", map[string]any{"base_revision": 0})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, feedback.ErrCodeConflictingRevision, decode[any](t, rec).ErrCode)

	rec = s.doJson(http.MethodPut, "/feedback/alice/ex1", map[string]any{"base_revision": 1, "status": "DONE"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodDelete, "/codes/E1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	failed := decode[any](t, rec)
	assert.Equal(t, catalog.ErrCodeCodeInUse, failed.ErrCode)
	assert.Contains(t, failed.ErrMsg, "alice/ex1")

	rec = s.do(http.MethodGet, "/feedback/alice/ex1/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]feedback.Entry](t, rec).Data, 1)

	rec = s.do(http.MethodGet, "/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	progress := decode[feedback.Progress](t, rec)
	assert.Equal(t, 3, progress.Data.Total)
	assert.Equal(t, 1, progress.Data.Corrected)
}

func TestHttpExports(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	rec := s.do(http.MethodPost, "/archives", archivetest.TarGz(t, cohort))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	_, err := s.app.Catalog.Add(ctx, catalog.ErrorCode{ID: "E1", Label: "Off-by-one", DefaultDelta: -2})
	require.NoError(t, err)
	_, err = s.app.Feedback.Upsert(ctx, feedback.UpsertParams{
		Student:  "alice",
		Exercise: "ex1",
		Codes:    []feedback.CodeSelection{{CodeID: "E1"}},
	})
	require.NoError(t, err)

	rec = s.doJson(http.MethodPost, "/exports", map[string]any{"students": []string{"alice", "bob"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	batch := decode[struct {
		Exported []struct {
			Student  string `json:"student"`
			Location string `json:"location"`
		} `json:"exported"`
		Failures []struct {
			Student string `json:"student"`
			Code    string `json:"code"`
		} `json:"failures"`
	}](t, rec)
	require.Len(t, batch.Data.Exported, 1)
	assert.Equal(t, "alice", batch.Data.Exported[0].Student)
	assert.True(t, strings.HasSuffix(batch.Data.Exported[0].Location, "feedback.pdf"))
	require.Len(t, batch.Data.Failures, 1)
	assert.Equal(t, "bob", batch.Data.Failures[0].Student)
	assert.Equal(t, export.ErrCodeNoFeedback, batch.Data.Failures[0].Code)

	rec = s.do(http.MethodPost, "/exports/alice", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := decode[export.Job](t, rec)
	s.app.Jobs.Wait()

	rec = s.do(http.MethodGet, "/exports/jobs/"+job.Data.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, export.JobDone, decode[export.Job](t, rec).Data.State)

	rec = s.do(http.MethodGet, "/exports/jobs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
