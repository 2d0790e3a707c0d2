package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/programme-lv/grader/app"
	"github.com/programme-lv/grader/archive"
	"github.com/programme-lv/grader/archive/archivetest"
	"github.com/programme-lv/grader/conf"
	"github.com/programme-lv/grader/export"
	"github.com/programme-lv/grader/feedback"
	"github.com/programme-lv/grader/indexer"
	"github.com/programme-lv/grader/srvcerror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *conf.Config {
	t.Helper()
	cfg := &conf.Config{
		DataDir: t.TempDir(),
		Storage: conf.StorageBolt,
		Archive: conf.ArchiveLimits{
			MaxArchiveBytes: 1 << 20,
			MaxTotalBytes:   1 << 22,
			MaxFileBytes:    1 << 20,
			MaxEntries:      100,
		},
		Index: conf.IndexConfig{
			Layout:           "student-major",
			DefaultMaxPoints: 10,
		},
		Export: conf.ExportConfig{
			Workers:         2,
			JobTTL:          time.Minute,
			ExcerptMaxLines: 10,
		},
	}
	return cfg
}

var fakePDF = export.TypesetFunc(func(ctx context.Context, markup []byte) ([]byte, error) {
	return []byte("%PDF-1.4 fake"), nil
})

func newApp(t *testing.T, cfg *conf.Config) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, app.WithTypesetter(fakePDF))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

var cohort = map[string]string{
	"cohort/alice/ex1/main.py": "print('a1')\n",
	"cohort/alice/ex2/main.py": "print('a2')\n",
	"cohort/bob/ex1/main.py":   "print('b1')\n",
}

func TestIngestGradeExport(t *testing.T) {
	cfg := testConfig(t)
	a := newApp(t, cfg)
	ctx := context.Background()

	got, err := a.Ingest(ctx, archive.Upload{Data: archivetest.TarGz(t, cohort)})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, got.Index.Students())
	assert.Equal(t, []string{"alice", "bob"}, a.Registry.Students())

	_, err = a.Catalog.Add(ctx, catalogCode("E1", -2))
	require.NoError(t, err)
	e, err := a.Feedback.Upsert(ctx, feedback.UpsertParams{
		Student:          "alice",
		Exercise:         "ex1",
		Comment:          "good",
		Codes:            []feedback.CodeSelection{{CodeID: "E1", Source: &feedback.SourceRef{File: "main.py", StartLine: 1, EndLine: 1}}},
		ManualAdjustment: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 9.0, e.TotalPoints)

	_, err = a.Feedback.Upsert(ctx, feedback.UpsertParams{Student: "alice", Exercise: "ex7"})
	assert.True(t, srvcerror.HasCode(err, feedback.ErrCodeUnknownExercise))

	p, err := a.Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 1, p.Corrected)

	res, err := a.Pipeline.Render(ctx, "alice")
	require.NoError(t, err)
	assert.Contains(t, string(res.Markup), "print('a1')")

	job := a.Jobs.Submit("alice")
	require.Eventually(t, func() bool {
		j, err := a.Jobs.Get(job.ID)
		return err == nil && j.State.Final()
	}, 5*time.Second, 10*time.Millisecond)
	j, err := a.Jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, export.JobDone, j.State)
	assert.FileExists(t, filepath.Join(cfg.ExportsDir(), "alice", "feedback.pdf"))
}

func TestReopenKeepsStateAndReindexes(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := app.New(ctx, cfg, app.WithTypesetter(fakePDF))
	require.NoError(t, err)
	got, err := a.Ingest(ctx, archive.Upload{Data: archivetest.TarGz(t, cohort)})
	require.NoError(t, err)
	_, err = a.Catalog.Add(ctx, catalogCode("E1", -2))
	require.NoError(t, err)
	_, err = a.Feedback.Upsert(ctx, feedback.UpsertParams{Student: "bob", Exercise: "ex1"})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// a lost index file is rebuilt from the extraction
	require.NoError(t, os.Remove(filepath.Join(got.Extraction.Dir, ".index.json")))

	b := newApp(t, cfg)
	assert.Equal(t, []string{"alice", "bob"}, b.Registry.Students())
	e, err := b.Feedback.Get(ctx, "bob", "ex1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, e.TotalPoints)
	codes, err := b.Catalog.List(ctx)
	require.NoError(t, err)
	assert.Len(t, codes, 1)
}

func TestRemoveArchive(t *testing.T) {
	a := newApp(t, testConfig(t))
	ctx := context.Background()

	got, err := a.Ingest(ctx, archive.Upload{Data: archivetest.TarGz(t, cohort)})
	require.NoError(t, err)
	require.NoError(t, a.RemoveArchive(ctx, got.Extraction.Checksum))
	assert.Empty(t, a.Registry.Students())
	_, err = a.Extractor.Get(got.Extraction.Checksum)
	assert.True(t, srvcerror.HasCode(err, archive.ErrCodeArchiveNotFound))

	err = a.RemoveArchive(ctx, got.Extraction.Checksum)
	assert.True(t, srvcerror.HasCode(err, archive.ErrCodeArchiveNotFound))
}

func TestWriteMarks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage = conf.StorageMemory
	cfg.Index.Layout = "exercise-major"
	cfg.Index.ExercisePrefixes = []string{"exercise-"}
	a := newApp(t, cfg)
	ctx := context.Background()

	got, err := a.Ingest(ctx, archive.Upload{Data: archivetest.TarGz(t, map[string]string{
		"marks.csv": "submissionid,group,sheet,exercise,points,status\n" +
			"QX7,Carol,3,1,,SUBMITTED\n" +
			"ZZ9,Dave,3,1,,SUBMITTED\n",
		"Exercise-1/Carol_QX7/solution.py": "print(1)\n",
		"Exercise-1/Dave_ZZ9/solution.py":  "print(2)\n",
	})})
	require.NoError(t, err)
	assert.Equal(t, []string{"QX7", "ZZ9"}, got.Index.Students())

	_, err = a.Feedback.Upsert(ctx, feedback.UpsertParams{
		Student:          "QX7",
		Exercise:         "Exercise-1",
		ManualAdjustment: -1.5,
		Status:           feedback.StatusFinal,
	})
	require.NoError(t, err)

	n, err := a.WriteMarks(ctx, got.Extraction.Checksum)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	marks, err := os.ReadFile(filepath.Join(got.Index.Root, "marks.csv"))
	require.NoError(t, err)
	assert.Equal(t, "submissionid,group,sheet,exercise,points,status\n"+
		"QX7,Carol,3,1,8.5,FINAL_MARK\n"+
		"ZZ9,Dave,3,1,,SUBMITTED\n", string(marks))
}

func TestIngestSameBundleForTwoStudents(t *testing.T) {
	a := newApp(t, testConfig(t))
	ctx := context.Background()
	bundle := archivetest.TarGz(t, map[string]string{"ex1/main.py": "print('same')\n"})

	first, err := a.Ingest(ctx, archive.Upload{Data: bundle, Student: "alice"})
	require.NoError(t, err)
	second, err := a.Ingest(ctx, archive.Upload{Data: bundle, Student: "bob"})
	require.NoError(t, err)

	assert.NotEqual(t, first.Extraction.Checksum, second.Extraction.Checksum)
	assert.Equal(t, "bob", second.Extraction.Student)
	assert.Equal(t, []string{"bob"}, second.Index.Students())
	assert.Equal(t, []string{"alice", "bob"}, a.Registry.Students())

	subm, _, err := a.Registry.Latest("bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", subm.Student)
}

func TestIngestRejectedArchiveLeavesNothingBehind(t *testing.T) {
	a := newApp(t, testConfig(t))
	ctx := context.Background()

	_, err := a.Ingest(ctx, archive.Upload{Data: archivetest.TarGz(t, map[string]string{"readme.txt": "hello\n"})})
	assert.True(t, srvcerror.HasCode(err, indexer.ErrCodeIndexingError), "got %v", err)

	exts, err := a.Extractor.List()
	require.NoError(t, err)
	assert.Empty(t, exts)
	entries, err := os.ReadDir(a.Config.ArchivesDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, a.Registry.Students())
}

func TestProgressSkipsMissingExercises(t *testing.T) {
	a := newApp(t, testConfig(t))
	ctx := context.Background()

	_, err := a.Ingest(ctx, archive.Upload{Data: archivetest.TarGz(t, cohort)})
	require.NoError(t, err)

	p, err := a.Progress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 3, p.ByStatus[feedback.StatusNotStarted])
}
