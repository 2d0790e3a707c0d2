package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/programme-lv/grader/archive"
	"github.com/programme-lv/grader/boltrepo"
	"github.com/programme-lv/grader/catalog"
	"github.com/programme-lv/grader/conf"
	"github.com/programme-lv/grader/export"
	"github.com/programme-lv/grader/feedback"
	"github.com/programme-lv/grader/indexer"
	"github.com/programme-lv/grader/logger"
	"github.com/programme-lv/grader/memrepo"
	"github.com/programme-lv/grader/pgrepo"
	"github.com/programme-lv/grader/s3bucket"
	"github.com/programme-lv/grader/sheet"
	"github.com/programme-lv/grader/srvcerror"
)

// Repo is a storage backend for both the catalog and feedback.
type Repo interface {
	catalog.Repo
	feedback.Repo
}

// App wires the grading components around one data directory.
type App struct {
	Config    *conf.Config
	Sheet     *sheet.Sheet
	Extractor *archive.Extractor
	Indexer   *indexer.Indexer
	Registry  *indexer.Registry
	Catalog   *catalog.Catalog
	Feedback  *feedback.Store
	Pipeline  *export.Pipeline
	Sink      export.Sink
	Jobs      *export.Jobs

	closeRepo func() error
	cancel    context.CancelFunc
}

type options struct {
	repo       Repo
	typesetter export.Typesetter
	sink       export.Sink
}

type Option func(*options)

// WithRepo replaces the configured storage backend.
func WithRepo(repo Repo) Option {
	return func(o *options) { o.repo = repo }
}

// WithTypesetter replaces pandoc.
func WithTypesetter(ts export.Typesetter) Option {
	return func(o *options) { o.typesetter = ts }
}

func WithSink(sink export.Sink) Option {
	return func(o *options) { o.sink = sink }
}

func New(ctx context.Context, cfg *conf.Config, opts ...Option) (*App, error) {
	log := logger.FromContext(ctx)
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	var sh *sheet.Sheet
	if cfg.Index.SheetFile != "" {
		var err error
		sh, err = sheet.Read(cfg.Index.SheetFile)
		if err != nil {
			return nil, err
		}
		log.Info("loaded exercise sheet", "name", sh.Name, "exercises", len(sh.Exercises))
	}

	layout, err := indexer.ParseLayout(cfg.Index.Layout)
	if err != nil {
		return nil, err
	}
	matcher, err := indexer.NewMatcher(cfg.Index.ExercisePattern, cfg.Index.ExercisePrefixes)
	if err != nil {
		return nil, err
	}
	var students *regexp.Regexp
	if cfg.Index.StudentPattern != "" {
		students, err = regexp.Compile(cfg.Index.StudentPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid student pattern: %w", err)
		}
	}
	ix := indexer.New(indexer.Config{Layout: layout, Exercises: matcher, Students: students, Sheet: sh})

	repo, closeRepo, err := openRepo(ctx, cfg, o.repo)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:    cfg,
		Sheet:     sh,
		Indexer:   ix,
		Registry:  indexer.NewRegistry(cfg.ArchivesDir()),
		Catalog:   catalog.New(repo),
		closeRepo: closeRepo,
	}
	a.Extractor = archive.NewExtractor(cfg.ArchivesDir(), archive.Limits{
		MaxArchiveBytes: cfg.Archive.MaxArchiveBytes,
		MaxTotalBytes:   cfg.Archive.MaxTotalBytes,
		MaxFileBytes:    cfg.Archive.MaxFileBytes,
		MaxEntries:      cfg.Archive.MaxEntries,
	},
		archive.WithRootDetection(ix.IsCohortRoot, ix.IsStudentDir),
		archive.WithCommitCheck(func(ctx context.Context, staged archive.Extraction) error {
			_, err := indexStaged(ctx, ix, staged)
			return err
		}))

	exercises := exerciseSource{sheet: sh, registry: a.Registry, defaultMax: cfg.Index.DefaultMaxPoints}
	a.Feedback = feedback.NewStore(repo, a.Catalog, exercises)

	ts := o.typesetter
	if ts == nil {
		ts = export.PandocTypesetter{
			Bin:       cfg.Export.PandocBin,
			PdfEngine: cfg.Export.PdfEngine,
			MainFont:  cfg.Export.MainFont,
			MonoFont:  cfg.Export.MonoFont,
			Timeout:   cfg.Export.Timeout,
		}
	}
	sheetName := ""
	if sh != nil {
		sheetName = sh.Name
	}
	a.Pipeline = export.NewPipeline(a.Feedback, a.Catalog, a.Registry, ts,
		export.WithSheet(sheetName, exercises),
		export.WithExcerptLines(cfg.Export.ExcerptMaxLines),
		export.WithWorkers(cfg.Export.Workers))

	sink := o.sink
	if sink == nil {
		sink, err = newSink(ctx, cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	a.Sink = sink
	base, cancel := context.WithCancel(logger.WithLogger(context.Background(), log))
	a.cancel = cancel
	a.Jobs = export.NewJobs(base, a.Pipeline.Render, sink, cfg.Export.JobTTL, cfg.Export.Workers)

	if err := a.Registry.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.indexUnregistered(ctx); err != nil {
		a.Close()
		return nil, err
	}
	log.Info("grader ready",
		"data_dir", cfg.DataDir, "storage", cfg.Storage, "layout", layout, "students", len(a.Registry.Students()))
	return a, nil
}

func openRepo(ctx context.Context, cfg *conf.Config, given Repo) (Repo, func() error, error) {
	if given != nil {
		return given, func() error { return nil }, nil
	}
	switch cfg.Storage {
	case conf.StorageMemory:
		return memrepo.New(), func() error { return nil }, nil
	case conf.StoragePostgres:
		connStr, err := conf.GetPgConnStrFromEnv()
		if err != nil {
			return nil, nil, err
		}
		repo, err := pgrepo.Open(ctx, connStr)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	default:
		repo, err := boltrepo.Open(cfg.BoltPath())
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	}
}

func newSink(ctx context.Context, cfg *conf.Config) (export.Sink, error) {
	if cfg.Export.S3Bucket == "" {
		return export.FSSink{Dir: cfg.ExportsDir()}, nil
	}
	bucket, err := s3bucket.NewS3Bucket(ctx, cfg.Export.S3Region, cfg.Export.S3Bucket)
	if err != nil {
		return nil, err
	}
	return export.S3Sink{Bucket: bucket, Prefix: "exports"}, nil
}

// indexUnregistered indexes extractions left without an index file.
func (a *App) indexUnregistered(ctx context.Context) error {
	exts, err := a.Extractor.List()
	if err != nil {
		return err
	}
	for _, ext := range exts {
		if _, ok := a.Registry.Get(ext.Checksum); ok {
			continue
		}
		if _, err := a.register(ctx, ext); err != nil {
			logger.FromContext(ctx).Warn("failed to index extraction", "checksum", ext.Checksum, "error", err)
		}
	}
	return nil
}

func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
		a.Jobs.Wait()
	}
	return a.closeRepo()
}

type Ingested struct {
	Extraction archive.Extraction `json:"extraction"`
	Index      *indexer.Index     `json:"index"`
}

// Ingest extracts an uploaded archive, indexes it and makes its
// submissions the latest of their students.
func (a *App) Ingest(ctx context.Context, up archive.Upload) (Ingested, error) {
	ext, err := a.Extractor.Extract(ctx, up)
	if err != nil {
		return Ingested{}, err
	}
	ix, err := a.register(ctx, ext)
	if err != nil {
		return Ingested{}, err
	}
	return Ingested{Extraction: ext, Index: ix}, nil
}

// indexStaged indexes the first root of an extraction. Archives that fail
// here are rejected before they are committed.
func indexStaged(ctx context.Context, ix *indexer.Indexer, ext archive.Extraction) (*indexer.Index, error) {
	if len(ext.Roots) == 0 {
		return nil, indexer.ErrIndexing("extraction has no root")
	}
	return ix.Index(ctx, ext.Roots[0], ext.Checksum)
}

func (a *App) register(ctx context.Context, ext archive.Extraction) (*indexer.Index, error) {
	ix, err := indexStaged(ctx, a.Indexer, ext)
	if err != nil {
		return nil, err
	}
	if err := a.Registry.Put(ctx, ix, ext.CreatedAt); err != nil {
		return nil, err
	}
	return ix, nil
}

// RemoveArchive forgets an archive's index and deletes its files.
func (a *App) RemoveArchive(ctx context.Context, checksum string) error {
	if _, err := a.Extractor.Get(checksum); err != nil {
		return err
	}
	a.Registry.Remove(checksum)
	return a.Extractor.Purge(ctx, checksum)
}

// Progress covers every submitted (student, exercise) pair of the latest
// submissions.
func (a *App) Progress(ctx context.Context) (feedback.Progress, error) {
	pairs := a.Registry.Pairs()
	keys := make([]feedback.Key, 0, len(pairs))
	for _, p := range pairs {
		keys = append(keys, feedback.Key{Student: p.Student, Exercise: p.Exercise})
	}
	return a.Feedback.Progress(ctx, keys)
}

// WriteMarks copies the feedback totals of an archive's submissions into
// its marks.csv. Submissions without feedback or without a roster row are
// left out.
func (a *App) WriteMarks(ctx context.Context, checksum string) (int, error) {
	ix, ok := a.Registry.Get(checksum)
	if !ok {
		return 0, archive.ErrArchiveNotFound(checksum)
	}
	path := filepath.Join(ix.Root, indexer.RosterFileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return 0, srvcerror.ErrInvalidInput("archive has no " + indexer.RosterFileName)
	}
	roster, err := indexer.ReadRoster(path)
	if err != nil {
		return 0, err
	}

	marks := make(map[string]export.Mark)
	for _, sub := range ix.Submissions {
		if _, ok := roster[sub.Student]; !ok {
			continue
		}
		entries, err := a.Feedback.ListByStudent(ctx, sub.Student)
		if err != nil {
			return 0, err
		}
		if len(entries) == 0 {
			continue
		}
		marks[sub.Student] = summarize(entries)
	}
	if len(marks) == 0 {
		return 0, nil
	}
	if err := export.UpdateMarks(path, marks); err != nil {
		return 0, err
	}
	logger.FromContext(ctx).Info("marks written", "checksum", checksum, "rows", len(marks))
	return len(marks), nil
}

// summarize adds up a student's totals. The status is shared by all
// entries, or PROVISIONAL_MARK when they differ.
func summarize(entries []feedback.Entry) export.Mark {
	m := export.Mark{Status: entries[0].Status}
	for _, e := range entries {
		m.Points += e.TotalPoints
		if e.Status != m.Status {
			m.Status = feedback.StatusProvisional
		}
	}
	return m
}

// exerciseSource uses the sheet when it defines exercises. Otherwise any
// indexed exercise is gradable out of defaultMax points.
type exerciseSource struct {
	sheet      *sheet.Sheet
	registry   *indexer.Registry
	defaultMax float64
}

func (s exerciseSource) Exercise(name string) (sheet.Exercise, bool) {
	if s.sheet.HasDefinitions() {
		return s.sheet.Exercise(name)
	}
	if s.registry.HasExercise(name) {
		return sheet.Exercise{Name: name, MaxPoints: s.defaultMax}, true
	}
	return sheet.Exercise{}, false
}
