package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/programme-lv/grader/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

// IndexFileName is written next to the extraction meta of each archive.
const IndexFileName = ".index.json"

type storedIndex struct {
	IndexedAt time.Time `json:"indexed_at"`
	Index     *Index    `json:"index"`
}

type latestRef struct {
	checksum string
	at       time.Time
}

// Registry holds the index of every extracted archive and resolves each
// student to their most recently indexed submission.
type Registry struct {
	archivesDir string

	byChecksum *xsync.MapOf[string, storedIndex]
	latest     *xsync.MapOf[string, latestRef]
}

func NewRegistry(archivesDir string) *Registry {
	return &Registry{
		archivesDir: archivesDir,
		byChecksum:  xsync.NewMapOf[string, storedIndex](),
		latest:      xsync.NewMapOf[string, latestRef](),
	}
}

// Put persists ix and makes it the current index of its archive. at orders
// submissions of the same student across archives.
func (r *Registry) Put(ctx context.Context, ix *Index, at time.Time) error {
	stored := storedIndex{IndexedAt: at.UTC(), Index: ix}
	content, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	dir := filepath.Join(r.archivesDir, ix.Checksum)
	tmp, err := os.CreateTemp(dir, IndexFileName+".*")
	if err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, IndexFileName)); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}

	r.store(stored)
	logger.FromContext(ctx).Debug("index registered", "checksum", ix.Checksum)
	return nil
}

func (r *Registry) store(stored storedIndex) {
	ix := stored.Index
	r.byChecksum.Store(ix.Checksum, stored)
	for _, s := range ix.Submissions {
		r.latest.Compute(s.Student, func(old latestRef, loaded bool) (latestRef, bool) {
			if loaded && old.checksum != ix.Checksum && old.at.After(stored.IndexedAt) {
				return old, false
			}
			return latestRef{checksum: ix.Checksum, at: stored.IndexedAt}, false
		})
	}
}

// Load reads every persisted index below the archives directory.
func (r *Registry) Load(ctx context.Context) error {
	log := logger.FromContext(ctx)
	dirs, err := os.ReadDir(r.archivesDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to list archives: %w", err)
	}
	loaded := 0
	for _, de := range dirs {
		if !de.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(r.archivesDir, de.Name(), IndexFileName))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read index of %s: %w", de.Name(), err)
		}
		var stored storedIndex
		if err := json.Unmarshal(content, &stored); err != nil || stored.Index == nil {
			log.Warn("skipping unreadable index", "checksum", de.Name(), "error", err)
			continue
		}
		r.store(stored)
		loaded++
	}
	log.Info("loaded submission indexes", "count", loaded)
	return nil
}

func (r *Registry) Get(checksum string) (*Index, bool) {
	stored, ok := r.byChecksum.Load(checksum)
	if !ok {
		return nil, false
	}
	return stored.Index, true
}

// Remove forgets an archive's index and re-resolves affected students.
func (r *Registry) Remove(checksum string) {
	stored, ok := r.byChecksum.LoadAndDelete(checksum)
	if !ok {
		return
	}
	for _, s := range stored.Index.Submissions {
		var best latestRef
		r.byChecksum.Range(func(cs string, other storedIndex) bool {
			if _, has := other.Index.Submission(s.Student); has && other.IndexedAt.After(best.at) {
				best = latestRef{checksum: cs, at: other.IndexedAt}
			}
			return true
		})
		r.latest.Compute(s.Student, func(old latestRef, loaded bool) (latestRef, bool) {
			if loaded && old.checksum != checksum {
				return old, false
			}
			return best, best.checksum == ""
		})
	}
}

// Latest returns the student's most recently indexed submission.
func (r *Registry) Latest(student string) (Submission, *Index, error) {
	ref, ok := r.latest.Load(student)
	if !ok {
		return Submission{}, nil, ErrSubmissionNotFound(student)
	}
	ix, ok := r.Get(ref.checksum)
	if !ok {
		return Submission{}, nil, ErrSubmissionNotFound(student)
	}
	subm, ok := ix.Submission(student)
	if !ok {
		return Submission{}, nil, ErrSubmissionNotFound(student)
	}
	return subm, ix, nil
}

func (r *Registry) Students() []string {
	res := make([]string, 0, r.latest.Size())
	r.latest.Range(func(student string, _ latestRef) bool {
		res = append(res, student)
		return true
	})
	sort.Strings(res)
	return res
}

// Pair is one gradable (student, exercise) combination.
type Pair struct {
	Student  string `json:"student"`
	Exercise string `json:"exercise"`
}

// Pairs lists every submitted (student, exercise) of the latest
// submissions. Exercises missing from a submission are left out.
func (r *Registry) Pairs() []Pair {
	var res []Pair
	for _, student := range r.Students() {
		subm, _, err := r.Latest(student)
		if err != nil {
			continue
		}
		for _, ex := range subm.Exercises {
			if !ex.Present {
				continue
			}
			res = append(res, Pair{Student: student, Exercise: ex.Name})
		}
	}
	return res
}

// HasExercise reports whether any registered index contains the exercise.
func (r *Registry) HasExercise(name string) bool {
	found := false
	r.byChecksum.Range(func(_ string, stored storedIndex) bool {
		for _, ex := range stored.Index.Exercises {
			if ex == name {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// Locate resolves a file of the student's latest submission to an absolute
// path. Only files recorded in the index are resolvable.
func (r *Registry) Locate(student, exercise, file string) (string, error) {
	subm, ix, err := r.Latest(student)
	if err != nil {
		return "", err
	}
	ex, ok := subm.Exercise(exercise)
	if !ok || !ex.Present {
		return "", ErrFileNotInSubmission(student, exercise, file)
	}
	for _, f := range ex.Files {
		if f.Path != file {
			continue
		}
		if ex.IsFile {
			return filepath.Join(ix.Root, filepath.FromSlash(ex.Path)), nil
		}
		return filepath.Join(ix.Root, filepath.FromSlash(path.Join(ex.Path, f.Path))), nil
	}
	return "", ErrFileNotInSubmission(student, exercise, file)
}
