package export

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/programme-lv/grader/catalog"
	"github.com/programme-lv/grader/feedback"
	"github.com/programme-lv/grader/indexer"
	"github.com/programme-lv/grader/logger"
	"github.com/programme-lv/grader/srvcerror"
	"github.com/wailsapp/mimetype"
	"golang.org/x/sync/errgroup"
)

const (
	MediaTypePDF      = "application/pdf"
	MediaTypeMarkdown = "text/markdown"
)

type Entries interface {
	ListByStudent(ctx context.Context, student string) ([]feedback.Entry, error)
}

type Codes interface {
	Get(ctx context.Context, id string) (catalog.ErrorCode, error)
}

// Submissions resolves display names and submitted files; *indexer.Registry
// satisfies it.
type Submissions interface {
	Latest(student string) (indexer.Submission, *indexer.Index, error)
	Locate(student, exercise, file string) (string, error)
}

type Result struct {
	Student   string `json:"student"`
	Markup    []byte `json:"-"`
	Document  []byte `json:"-"`
	MediaType string `json:"media_type"`
}

type Pipeline struct {
	entries    Entries
	codes      Codes
	subs       Submissions
	typesetter Typesetter

	sheet        string
	exercises    feedback.Exercises
	excerptLines int
	retryDelay   time.Duration
	workers      int
	mediaType    string
}

type Option func(*Pipeline)

// WithSheet titles the document and its sections.
func WithSheet(name string, exercises feedback.Exercises) Option {
	return func(p *Pipeline) {
		p.sheet = name
		p.exercises = exercises
	}
}

func WithExcerptLines(n int) Option {
	return func(p *Pipeline) { p.excerptLines = n }
}

func WithRetryDelay(d time.Duration) Option {
	return func(p *Pipeline) { p.retryDelay = d }
}

func WithWorkers(n int) Option {
	return func(p *Pipeline) { p.workers = n }
}

// WithMediaType sets the media type of typeset documents.
func WithMediaType(mt string) Option {
	return func(p *Pipeline) { p.mediaType = mt }
}

func NewPipeline(entries Entries, codes Codes, subs Submissions, ts Typesetter, opts ...Option) *Pipeline {
	p := &Pipeline{
		entries:      entries,
		codes:        codes,
		subs:         subs,
		typesetter:   ts,
		excerptLines: 40,
		retryDelay:   time.Second,
		workers:      4,
		mediaType:    MediaTypePDF,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers < 1 {
		p.workers = 1
	}
	return p
}

// Document gathers the student's feedback with the current catalog labels.
// A code that no longer exists fails the export with ExportIncomplete.
func (p *Pipeline) Document(ctx context.Context, student string) (Document, error) {
	entries, err := p.entries.ListByStudent(ctx, student)
	if err != nil {
		return Document{}, fmt.Errorf("failed to list feedback of %s: %w", student, err)
	}
	if len(entries) == 0 {
		return Document{}, ErrNoFeedback(student)
	}

	doc := Document{Student: student, DisplayName: student, Sheet: p.sheet}
	if p.subs != nil {
		if sub, _, err := p.subs.Latest(student); err == nil && sub.DisplayName != "" {
			doc.DisplayName = sub.DisplayName
		}
	}

	for _, e := range entries {
		s := Section{
			Exercise:         e.Exercise,
			Title:            e.Exercise,
			Status:           e.Status,
			Comment:          e.Comment,
			ManualAdjustment: e.ManualAdjustment,
			Points:           e.TotalPoints,
			MaxPoints:        e.MaxPoints,
		}
		if p.exercises != nil {
			if def, ok := p.exercises.Exercise(e.Exercise); ok && def.Title != "" {
				s.Title = def.Title
			}
		}
		for _, applied := range e.Codes {
			code, err := p.codes.Get(ctx, applied.CodeID)
			if err != nil {
				if srvcerror.HasCode(err, catalog.ErrCodeCodeNotFound) {
					return Document{}, ErrExportIncomplete(student, e.Exercise, applied.CodeID)
				}
				return Document{}, fmt.Errorf("failed to resolve error code %s: %w", applied.CodeID, err)
			}
			line := CodeLine{
				ID:          code.ID,
				Label:       code.Label,
				Description: code.Description,
				Delta:       applied.Delta,
				Count:       max(applied.Count, 1),
			}
			if applied.Source != nil {
				line.Excerpt = p.excerpt(student, e.Exercise, *applied.Source)
			}
			s.Codes = append(s.Codes, line)
		}
		doc.Points += e.TotalPoints
		doc.MaxPoints += e.MaxPoints
		s.RunningPoints = doc.Points
		s.RunningMax = doc.MaxPoints
		doc.Sections = append(doc.Sections, s)
	}
	return doc, nil
}

// Render builds the student's document and typesets it. A failing
// typesetter is retried once unless the error is Permanent.
func (p *Pipeline) Render(ctx context.Context, student string) (Result, error) {
	log := logger.FromContext(ctx).With("student", student)

	doc, err := p.Document(ctx, student)
	if err != nil {
		return Result{}, err
	}
	markup := doc.Markdown()

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.retryDelay), 1), ctx)
	out, err := backoff.RetryNotifyWithData(func() ([]byte, error) {
		return p.typesetter.Typeset(ctx, markup)
	}, policy, func(err error, wait time.Duration) {
		log.Warn("typesetting failed, retrying", "error", err, "wait", wait)
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		log.Error("typesetting failed", "error", err)
		return Result{}, ErrToolchain(student).SetDebug(err)
	}
	log.Info("feedback exported", "markup_bytes", len(markup), "document_bytes", len(out))
	return Result{Student: student, Markup: markup, Document: out, MediaType: p.mediaType}, nil
}

type Failure struct {
	Student string `json:"student"`
	Err     error  `json:"-"`
}

type BatchResult struct {
	Results  []Result  `json:"results"`
	Failures []Failure `json:"failures"`
}

// RenderBatch renders every student on a bounded worker pool. One failing
// student does not stop the others; results keep the input order.
func (p *Pipeline) RenderBatch(ctx context.Context, students []string) BatchResult {
	results := make([]*Result, len(students))
	failures := make([]error, len(students))

	var g errgroup.Group
	g.SetLimit(p.workers)
	for i, student := range students {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				failures[i] = err
				return nil
			}
			res, err := p.Render(ctx, student)
			if err != nil {
				failures[i] = err
				return nil
			}
			results[i] = &res
			return nil
		})
	}
	g.Wait()

	batch := BatchResult{Results: []Result{}, Failures: []Failure{}}
	for i, student := range students {
		if failures[i] != nil {
			batch.Failures = append(batch.Failures, Failure{Student: student, Err: failures[i]})
			continue
		}
		batch.Results = append(batch.Results, *results[i])
	}
	logger.FromContext(ctx).Info("batch export finished",
		"students", len(students), "succeeded", len(batch.Results), "failed", len(batch.Failures))
	return batch
}

func (p *Pipeline) excerpt(student, exercise string, ref feedback.SourceRef) *Excerpt {
	ex := &Excerpt{File: ref.File, StartLine: ref.StartLine, EndLine: ref.EndLine, Missing: true}
	if p.subs == nil {
		return ex
	}
	abs, err := p.subs.Locate(student, exercise, ref.File)
	if err != nil {
		return ex
	}
	if !isText(abs) {
		return ex
	}
	lines, truncated, err := readLines(abs, ref.StartLine, ref.EndLine, p.excerptLines)
	if err != nil || len(lines) == 0 {
		return ex
	}
	ex.Lines, ex.Truncated, ex.Missing = lines, truncated, false
	return ex
}

func isText(path string) bool {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return false
	}
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// readLines returns lines start..end (1-based, inclusive), at most limit of
// them.
func readLines(path string, start, end, limit int) ([]string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	last := end
	truncated := false
	if limit > 0 && end-start+1 > limit {
		last = start + limit - 1
		truncated = true
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var lines []string
	for n := 1; sc.Scan(); n++ {
		if n < start {
			continue
		}
		if n > last {
			break
		}
		lines = append(lines, sc.Text())
	}
	return lines, truncated, sc.Err()
}
