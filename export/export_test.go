package export_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/programme-lv/grader/catalog"
	"github.com/programme-lv/grader/export"
	"github.com/programme-lv/grader/feedback"
	"github.com/programme-lv/grader/indexer"
	"github.com/programme-lv/grader/memrepo"
	"github.com/programme-lv/grader/sheet"
	"github.com/programme-lv/grader/srvcerror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubs struct {
	dir string
}

func (f fakeSubs) Latest(student string) (indexer.Submission, *indexer.Index, error) {
	return indexer.Submission{Student: student, DisplayName: strings.ToUpper(student)}, nil, nil
}

func (f fakeSubs) Locate(student, exercise, file string) (string, error) {
	return filepath.Join(f.dir, student, exercise, file), nil
}

type fixture struct {
	repo    *memrepo.Repo
	catalog *catalog.Catalog
	store   *feedback.Store
	sheet   *sheet.Sheet
	subs    fakeSubs
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	s, err := sheet.Parse([]byte(`
name = "Sheet 3"

[[exercise]]
name = "ex1"
title = "Sorting"
max_points = 10

[[exercise]]
name = "ex2"
max_points = 5
`))
	require.NoError(t, err)
	repo := memrepo.New()
	cat := catalog.New(repo)
	store := feedback.NewStore(repo, cat, s)
	for _, c := range []catalog.ErrorCode{
		{ID: "E1", Label: "Off-by-one", Description: "Loop bound is off by one.", DefaultDelta: -2},
		{ID: "E2", Label: "Missing test", DefaultDelta: -1},
		{ID: "E3", Label: "Wrong | pipe", DefaultDelta: -0.5},
	} {
		_, err := cat.Add(ctx, c)
		require.NoError(t, err)
	}
	return fixture{repo: repo, catalog: cat, store: store, sheet: s, subs: fakeSubs{dir: t.TempDir()}}
}

func (f fixture) upsert(t *testing.T, student, exercise string, manual float64, codes ...feedback.CodeSelection) {
	t.Helper()
	_, err := f.store.Upsert(context.Background(), feedback.UpsertParams{
		Student:          student,
		Exercise:         exercise,
		Comment:          "Comment for " + student,
		Codes:            codes,
		ManualAdjustment: manual,
	})
	require.NoError(t, err)
}

func (f fixture) pipeline(ts export.Typesetter, opts ...export.Option) *export.Pipeline {
	opts = append([]export.Option{
		export.WithSheet(f.sheet.Name, f.sheet),
		export.WithRetryDelay(time.Millisecond),
	}, opts...)
	return export.NewPipeline(f.store, f.catalog, f.subs, ts, opts...)
}

var echoTypesetter = export.TypesetFunc(func(ctx context.Context, markup []byte) ([]byte, error) {
	return append([]byte("PDF:"), markup...), nil
})

func TestRenderMarkup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upsert(t, "alice", "ex1", 1, feedback.CodeSelection{CodeID: "E1"})
	f.upsert(t, "alice", "ex2", 0, feedback.CodeSelection{CodeID: "E2", Count: 2}, feedback.CodeSelection{CodeID: "E3"})

	p := f.pipeline(echoTypesetter)
	res, err := p.Render(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Student)
	assert.Equal(t, export.MediaTypePDF, res.MediaType)
	assert.Equal(t, append([]byte("PDF:"), res.Markup...), res.Document)

	md := string(res.Markup)
	assert.True(t, strings.HasPrefix(md, "---\ntitle: \"Feedback: ALICE\"\nstudent: \"alice\"\nsheet: \"Sheet 3\"\n---\n"))
	assert.Contains(t, md, "## ex1: Sorting\n")
	assert.Contains(t, md, "| E1 | Off-by-one | 1 | -2 |\n")
	assert.Contains(t, md, "Loop bound is off by one.")
	assert.Contains(t, md, "**Manual adjustment:** +1\n")
	assert.Contains(t, md, "**Points:** 9 / 10  \n")
	assert.Contains(t, md, "## ex2\n")
	assert.Contains(t, md, "| E2 | Missing test | 2 | -2 |\n")
	assert.Contains(t, md, `| E3 | Wrong \| pipe | 1 | -0.5 |`)
	assert.Contains(t, md, "**Points:** 2.5 / 5  \n**Running total:** 11.5 / 15\n")
	assert.True(t, strings.HasSuffix(md, "# Total: 11.5 / 15\n"))
	assert.Less(t, strings.Index(md, "## ex1"), strings.Index(md, "## ex2"))

	again, err := p.Render(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, res.Markup, again.Markup, "markup must be byte-identical")
}

func TestRenderIncludesSourceExcerpts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := filepath.Join(f.subs.dir, "alice", "ex1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	src := "def sort(xs):\n    for i in range(len(xs) + 1):\n        pass\n    return xs\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sort.py"), []byte(src), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob.bin"), []byte{0x00, 0x01, 0x02, 0xff, 0x00}, 0o644))

	f.upsert(t, "alice", "ex1", 0,
		feedback.CodeSelection{CodeID: "E1", Source: &feedback.SourceRef{File: "sort.py", StartLine: 2, EndLine: 4}},
		feedback.CodeSelection{CodeID: "E2", Source: &feedback.SourceRef{File: "blob.bin", StartLine: 1, EndLine: 1}},
	)

	res, err := f.pipeline(echoTypesetter, export.WithExcerptLines(2)).Render(ctx, "alice")
	require.NoError(t, err)
	md := string(res.Markup)
	assert.Contains(t, md, "`sort.py`, lines 2-4:\n\n```python\n    for i in range(len(xs) + 1):\n        pass\n...\n```\n")
	assert.NotContains(t, md, "return xs")
	assert.Contains(t, md, "`blob.bin`, lines 1-1:\n\n_Source excerpt unavailable._\n")
}

func TestRenderBatchCollectsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.catalog.Add(ctx, catalog.ErrorCode{ID: "E9", Label: "Gone soon", DefaultDelta: -1})
	require.NoError(t, err)

	f.upsert(t, "alice", "ex1", 0, feedback.CodeSelection{CodeID: "E1"})
	f.upsert(t, "bob", "ex1", 0, feedback.CodeSelection{CodeID: "E2"})
	f.upsert(t, "carol", "ex1", 0, feedback.CodeSelection{CodeID: "E9"})
	f.repo.ForceDeleteCode("E9")

	batch := f.pipeline(echoTypesetter, export.WithWorkers(2)).RenderBatch(ctx, []string{"alice", "bob", "carol"})
	require.Len(t, batch.Results, 2)
	assert.Equal(t, "alice", batch.Results[0].Student)
	assert.Equal(t, "bob", batch.Results[1].Student)
	require.Len(t, batch.Failures, 1)
	assert.Equal(t, "carol", batch.Failures[0].Student)
	assert.True(t, srvcerror.HasCode(batch.Failures[0].Err, export.ErrCodeExportIncomplete))
	assert.Contains(t, batch.Failures[0].Err.Error(), "E9")
}

func TestRenderRetriesTypesetterOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upsert(t, "alice", "ex1", 0)

	var calls atomic.Int32
	flaky := export.TypesetFunc(func(ctx context.Context, markup []byte) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("xelatex: font cache busy")
		}
		return []byte("%PDF"), nil
	})
	res, err := f.pipeline(flaky).Render(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF"), res.Document)
	assert.Equal(t, int32(2), calls.Load())

	calls.Store(0)
	broken := export.TypesetFunc(func(ctx context.Context, markup []byte) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("xelatex: undefined control sequence")
	})
	_, err = f.pipeline(broken).Render(ctx, "alice")
	require.Error(t, err)
	assert.True(t, srvcerror.HasCode(err, export.ErrCodeToolchainError))
	assert.Equal(t, int32(2), calls.Load(), "retried exactly once")

	calls.Store(0)
	missing := export.TypesetFunc(func(ctx context.Context, markup []byte) ([]byte, error) {
		calls.Add(1)
		return nil, export.Permanent(errors.New("pandoc is not installed"))
	})
	_, err = f.pipeline(missing).Render(ctx, "alice")
	assert.True(t, srvcerror.HasCode(err, export.ErrCodeToolchainError))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRenderWithoutFeedback(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline(echoTypesetter).Render(context.Background(), "nobody")
	assert.True(t, srvcerror.HasCode(err, export.ErrCodeNoFeedback))
}

func TestFormatPoints(t *testing.T) {
	cases := map[float64]string{
		0:      "0",
		9:      "9",
		10:     "10",
		8.5:    "8.5",
		3.75:   "3.75",
		1.0001: "1",
		-2:     "-2",
		-0.001: "0",
	}
	for in, want := range cases {
		assert.Equal(t, want, export.FormatPoints(in), "FormatPoints(%v)", in)
	}
}

func TestFSSink(t *testing.T) {
	dir := t.TempDir()
	sink := export.FSSink{Dir: dir}
	ctx := context.Background()

	loc, err := sink.Store(ctx, export.Result{
		Student:   "alice",
		Markup:    []byte("# md"),
		Document:  []byte("%PDF"),
		MediaType: export.MediaTypePDF,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "alice", "feedback.pdf"), loc)
	md, err := os.ReadFile(filepath.Join(dir, "alice", "feedback.md"))
	require.NoError(t, err)
	assert.Equal(t, "# md", string(md))

	for _, bad := range []string{"", "..", "../x", "a/b"} {
		_, err := sink.Store(ctx, export.Result{Student: bad})
		assert.True(t, srvcerror.HasCode(err, srvcerror.ErrCodeInvalidInput), "student %q", bad)
	}
}

func TestUpdateMarks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marks.csv")
	original := "submissionid,group,sheet,exercise,points,status\n" +
		"EMAYT2PGG4YMY,Person 1 + Person 2,3,1,,SUBMITTED\n" +
		"QX7,Carol,3,1\n"
	require.NoError(t, os.WriteFile(path, []byte(original), 0o644))

	err := export.UpdateMarks(path, map[string]export.Mark{
		"EMAYT2PGG4YMY": {Points: 8.5, Status: feedback.StatusFinal},
		"QX7":           {Points: 10, Status: feedback.StatusProvisional},
	})
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "submissionid,group,sheet,exercise,points,status\n"+
		"EMAYT2PGG4YMY,Person 1 + Person 2,3,1,8.5,FINAL_MARK\n"+
		"QX7,Carol,3,1,10,PROVISIONAL_MARK\n", string(got))

	err = export.UpdateMarks(path, map[string]export.Mark{
		"QX7":  {Points: 1, Status: feedback.StatusFinal},
		"NOPE": {Points: 1, Status: feedback.StatusFinal},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOPE")
	unchanged, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, got, unchanged)
}

func TestJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upsert(t, "alice", "ex1", 0)

	dir := t.TempDir()
	p := f.pipeline(echoTypesetter)
	jobs := export.NewJobs(ctx, p.Render, export.FSSink{Dir: dir}, time.Minute, 2)

	ok := jobs.Submit("alice")
	assert.Equal(t, export.JobQueued, ok.State)
	failed := jobs.Submit("nobody")
	jobs.Wait()

	got, err := jobs.Get(ok.ID)
	require.NoError(t, err)
	assert.Equal(t, export.JobDone, got.State)
	assert.Equal(t, filepath.Join(dir, "alice", "feedback.pdf"), got.Location)
	assert.NotNil(t, got.FinishedAt)

	got, err = jobs.Get(failed.ID)
	require.NoError(t, err)
	assert.Equal(t, export.JobFailed, got.State)
	assert.Equal(t, export.ErrCodeNoFeedback, got.ErrorCode)

	_, err = jobs.Get("missing")
	assert.True(t, srvcerror.HasCode(err, export.ErrCodeJobNotFound))
}

func TestJobsCancel(t *testing.T) {
	started := make(chan struct{})
	block := func(ctx context.Context, student string) (export.Result, error) {
		close(started)
		<-ctx.Done()
		return export.Result{}, ctx.Err()
	}
	jobs := export.NewJobs(context.Background(), block, nil, time.Minute, 1)

	job := jobs.Submit("alice")
	<-started
	got, err := jobs.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, export.JobCancelled, got.State)
	jobs.Wait()

	got, err = jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, export.JobCancelled, got.State)
}
