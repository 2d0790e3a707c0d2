package feedback

import (
	"context"
	"sync"
	"time"

	"github.com/programme-lv/grader/logger"
	"github.com/programme-lv/grader/srvcerror"
	decorator "github.com/programme-lv/grader/srvccqs"
	"github.com/puzpuzpuz/xsync/v3"
)

// Store owns the lifecycle of feedback entries. Writes to one
// (student, exercise) key are serialized in-process and checked against
// the stored revision by the Repo.
type Store struct {
	repo      Repo
	codes     CodeSource
	exercises Exercises

	locks  *xsync.MapOf[string, *sync.Mutex]
	upsert UpsertCmd
	now    func() time.Time
}

type StoreOption func(*Store)

// WithClock replaces time.Now for UpdatedAt stamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(repo Repo, codes CodeSource, exercises Exercises, opts ...StoreOption) *Store {
	s := &Store{
		repo:      repo,
		codes:     codes,
		exercises: exercises,
		locks:     xsync.NewMapOf[string, *sync.Mutex](),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upsert = decorator.LoggedQuery[UpsertParams, Entry]("feedback.upsert", NewUpsertCmd(
		s.getEntry,
		codes.Get,
		exercises.Exercise,
		repo.SaveEntry,
		func() time.Time { return s.now() },
	))
	return s
}

func (s *Store) lock(key Key) func() {
	mu, _ := s.locks.LoadOrCompute(key.String(), func() *sync.Mutex {
		return &sync.Mutex{}
	})
	mu.Lock()
	return mu.Unlock
}

func (s *Store) getEntry(ctx context.Context, key Key) (Entry, bool, error) {
	e, err := s.repo.GetEntry(ctx, key)
	if err != nil {
		if srvcerror.HasCode(err, ErrCodeEntryNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	return e, true, nil
}

// Upsert validates and stores a new revision of the entry. A write based on
// a stale revision fails with ConflictingRevision.
func (s *Store) Upsert(ctx context.Context, p UpsertParams) (Entry, error) {
	unlock := s.lock(Key{Student: p.Student, Exercise: p.Exercise})
	defer unlock()
	return s.upsert.Handle(ctx, p)
}

func (s *Store) Get(ctx context.Context, student, exercise string) (Entry, error) {
	e, err := s.repo.GetEntry(ctx, Key{Student: student, Exercise: exercise})
	if err != nil {
		return Entry{}, err
	}
	e.Recompute()
	return e, nil
}

func (s *Store) ListByStudent(ctx context.Context, student string) ([]Entry, error) {
	entries, err := s.repo.ListEntries(ctx, student)
	if err != nil {
		return nil, err
	}
	return recomputeAll(entries), nil
}

func (s *Store) ListStudents(ctx context.Context) ([]string, error) {
	return s.repo.ListStudents(ctx)
}

func (s *Store) ListAll(ctx context.Context) ([]Entry, error) {
	entries, err := s.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return recomputeAll(entries), nil
}

func recomputeAll(entries []Entry) []Entry {
	for i := range entries {
		entries[i].Recompute()
	}
	return entries
}

// Progress summarizes grading over the gradable (student, exercise) pairs;
// pairs without an entry count as NOT_STARTED.
func (s *Store) Progress(ctx context.Context, pairs []Key) (Progress, error) {
	entries, err := s.repo.ListAll(ctx)
	if err != nil {
		return Progress{}, err
	}
	p := ComputeProgress(entries, pairs)
	logger.FromContext(ctx).Debug("computed progress", "total", p.Total, "corrected", p.Corrected)
	return p, nil
}
