package feedback_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/programme-lv/grader/catalog"
	"github.com/programme-lv/grader/feedback"
	"github.com/programme-lv/grader/memrepo"
	"github.com/programme-lv/grader/sheet"
	"github.com/programme-lv/grader/srvcerror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	repo    *memrepo.Repo
	catalog *catalog.Catalog
	store   *feedback.Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s, err := sheet.Parse([]byte(`
[[exercise]]
name = "ex1"
max_points = 10

[[exercise]]
name = "ex2"
max_points = 4
`))
	require.NoError(t, err)
	repo := memrepo.New()
	cat := catalog.New(repo)
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := feedback.NewStore(repo, cat, s, feedback.WithClock(func() time.Time { return clock }))

	ctx := context.Background()
	_, err = cat.Add(ctx, catalog.ErrorCode{ID: "E1", Label: "Off-by-one", DefaultDelta: -2})
	require.NoError(t, err)
	_, err = cat.Add(ctx, catalog.ErrorCode{ID: "E2", Label: "Missing test", DefaultDelta: -1})
	require.NoError(t, err)
	return fixture{repo: repo, catalog: cat, store: store}
}

func ptr[T any](v T) *T { return &v }

func TestUpsert_TotalExample(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.store.Upsert(ctx, feedback.UpsertParams{
		Student:          "alice",
		Exercise:         "ex1",
		Comment:          "good",
		Codes:            []feedback.CodeSelection{{CodeID: "E1"}},
		ManualAdjustment: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 9.0, e.TotalPoints)
	assert.Equal(t, 1, e.Revision)
	assert.Equal(t, 10.0, e.MaxPoints)
	assert.Equal(t, feedback.StatusProvisional, e.Status)

	got, err := f.store.Get(ctx, "alice", "ex1")
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestUpsert_ClampsAndCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.store.Upsert(ctx, feedback.UpsertParams{
		Student:  "bob",
		Exercise: "ex2",
		Codes: []feedback.CodeSelection{
			{CodeID: "E1", Count: 2},
			{CodeID: "E2"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, e.TotalPoints, "4 - 2*2 - 1 clamps to 0")

	e, err = f.store.Upsert(ctx, feedback.UpsertParams{
		Student:          "bob",
		Exercise:         "ex2",
		ManualAdjustment: 3,
		BaseRevision:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, 4.0, e.TotalPoints, "bonus never exceeds max points")

	e, err = f.store.Upsert(ctx, feedback.UpsertParams{
		Student:      "bob",
		Exercise:     "ex2",
		Codes:        []feedback.CodeSelection{{CodeID: "E2", DeltaOverride: ptr(-0.25)}},
		BaseRevision: 2,
		Status:       feedback.StatusFinal,
	})
	require.NoError(t, err)
	assert.Equal(t, 3.75, e.TotalPoints)
	assert.True(t, e.Codes[0].Overridden)
	assert.Equal(t, feedback.StatusFinal, e.Status)
}

func TestUpsert_RejectsUnknownReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Upsert(ctx, feedback.UpsertParams{
		Student:  "alice",
		Exercise: "ex1",
		Codes:    []feedback.CodeSelection{{CodeID: "E1"}, {CodeID: "NOPE"}},
	})
	assert.True(t, srvcerror.HasCode(err, feedback.ErrCodeUnknownErrorCode), "got %v", err)

	_, err = f.store.Upsert(ctx, feedback.UpsertParams{Student: "alice", Exercise: "ex9"})
	assert.True(t, srvcerror.HasCode(err, feedback.ErrCodeUnknownExercise), "got %v", err)

	_, err = f.store.Upsert(ctx, feedback.UpsertParams{
		Student:  "alice",
		Exercise: "ex1",
		Codes:    []feedback.CodeSelection{{CodeID: "E1"}, {CodeID: "E1"}},
	})
	assert.True(t, srvcerror.HasCode(err, srvcerror.ErrCodeInvalidInput), "got %v", err)

	_, err = f.store.Get(ctx, "alice", "ex1")
	assert.True(t, srvcerror.HasCode(err, feedback.ErrCodeEntryNotFound), "failed writes leave no entry")
}

func TestUpsert_StaleRevisionIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Upsert(ctx, feedback.UpsertParams{Student: "alice", Exercise: "ex1", Comment: "v1"})
	require.NoError(t, err)

	// both reviewers read revision 1
	_, err = f.store.Upsert(ctx, feedback.UpsertParams{Student: "alice", Exercise: "ex1", Comment: "A", BaseRevision: 1})
	require.NoError(t, err)
	_, err = f.store.Upsert(ctx, feedback.UpsertParams{Student: "alice", Exercise: "ex1", Comment: "B", BaseRevision: 1})
	require.Error(t, err)
	assert.True(t, srvcerror.HasCode(err, feedback.ErrCodeConflictingRevision))
	assert.Contains(t, err.Error(), "current revision is 2")

	got, err := f.store.Get(ctx, "alice", "ex1")
	require.NoError(t, err)
	assert.Equal(t, "A", got.Comment)

	_, err = f.store.Upsert(ctx, feedback.UpsertParams{Student: "carol", Exercise: "ex1", BaseRevision: 3})
	assert.True(t, srvcerror.HasCode(err, feedback.ErrCodeConflictingRevision))
}

func TestUpsert_ConcurrentWritersOnSameKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.store.Upsert(ctx, feedback.UpsertParams{
				Student:  "alice",
				Exercise: "ex1",
				Codes:    []feedback.CodeSelection{{CodeID: "E1"}},
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.True(t, srvcerror.HasCode(err, feedback.ErrCodeConflictingRevision))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded, "only one writer may create revision 1")
	revisions := 0
	for _, err := range f.store.History(ctx, "alice", "ex1") {
		require.NoError(t, err)
		revisions++
	}
	assert.Equal(t, 1, revisions)
}

func TestCatalogUpdateDoesNotChangeExistingTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Upsert(ctx, feedback.UpsertParams{
		Student:  "alice",
		Exercise: "ex1",
		Codes:    []feedback.CodeSelection{{CodeID: "E1"}},
	})
	require.NoError(t, err)

	_, err = f.catalog.Update(ctx, "E1", catalog.Fields{DefaultDelta: ptr(-5.0)})
	require.NoError(t, err)

	got, err := f.store.Get(ctx, "alice", "ex1")
	require.NoError(t, err)
	assert.Equal(t, 8.0, got.TotalPoints)

	// re-saving keeps the captured delta
	got, err = f.store.Upsert(ctx, feedback.UpsertParams{
		Student:      "alice",
		Exercise:     "ex1",
		Comment:      "typo fixed",
		Codes:        []feedback.CodeSelection{{CodeID: "E1"}},
		BaseRevision: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, -2.0, got.Codes[0].Delta)
	assert.Equal(t, 8.0, got.TotalPoints)

	// a newly applied entry captures the new default
	bob, err := f.store.Upsert(ctx, feedback.UpsertParams{
		Student:  "bob",
		Exercise: "ex1",
		Codes:    []feedback.CodeSelection{{CodeID: "E1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 5.0, bob.TotalPoints)

	all, err := f.store.ListAll(ctx)
	require.NoError(t, err)
	for _, e := range all {
		assert.Equal(t, feedback.Total(e.Codes, e.ManualAdjustment, e.MaxPoints), e.TotalPoints)
	}
}

func TestRemoveReferencedCodeFailsUntilMigrated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Upsert(ctx, feedback.UpsertParams{
		Student:  "alice",
		Exercise: "ex1",
		Codes:    []feedback.CodeSelection{{CodeID: "E1"}},
	})
	require.NoError(t, err)

	err = f.catalog.Remove(ctx, "E1")
	require.Error(t, err)
	assert.True(t, srvcerror.HasCode(err, catalog.ErrCodeCodeInUse))
	assert.Contains(t, err.Error(), "alice/ex1")

	_, err = f.store.Upsert(ctx, feedback.UpsertParams{
		Student:      "alice",
		Exercise:     "ex1",
		Codes:        []feedback.CodeSelection{},
		BaseRevision: 1,
	})
	require.NoError(t, err)
	require.NoError(t, f.catalog.Remove(ctx, "E1"))
}

func TestMigrateCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Upsert(ctx, feedback.UpsertParams{
		Student:  "alice",
		Exercise: "ex1",
		Codes:    []feedback.CodeSelection{{CodeID: "E1"}, {CodeID: "E2"}},
	})
	require.NoError(t, err)
	_, err = f.store.Upsert(ctx, feedback.UpsertParams{
		Student:  "bob",
		Exercise: "ex2",
		Codes:    []feedback.CodeSelection{{CodeID: "E1", DeltaOverride: ptr(-0.5)}},
	})
	require.NoError(t, err)

	_, err = f.store.MigrateCode(ctx, "E1", "NOPE", "")
	assert.True(t, srvcerror.HasCode(err, feedback.ErrCodeUnknownErrorCode))

	res, err := f.store.MigrateCode(ctx, "E1", "E2", "grader-2")
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []feedback.Key{{Student: "alice", Exercise: "ex1"}, {Student: "bob", Exercise: "ex2"}}, res.Migrated)

	alice, err := f.store.Get(ctx, "alice", "ex1")
	require.NoError(t, err)
	require.Len(t, alice.Codes, 1)
	assert.Equal(t, "E2", alice.Codes[0].CodeID)
	assert.Equal(t, 2, alice.Codes[0].Count)
	assert.Equal(t, 8.0, alice.TotalPoints)
	assert.Equal(t, 2, alice.Revision)
	assert.Equal(t, "grader-2", alice.Grader)

	bob, err := f.store.Get(ctx, "bob", "ex2")
	require.NoError(t, err)
	assert.Equal(t, -0.5, bob.Codes[0].Delta, "overrides survive migration")

	require.NoError(t, f.catalog.Remove(ctx, "E1"))

	res, err = f.store.MigrateCode(ctx, "E2", "", "")
	require.NoError(t, err)
	assert.Len(t, res.Migrated, 2)
	require.NoError(t, f.catalog.Remove(ctx, "E2"))
}

func TestHistoryIsLazyAndRestartable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const revisions = 120
	for i := 0; i < revisions; i++ {
		_, err := f.store.Upsert(ctx, feedback.UpsertParams{
			Student:          "alice",
			Exercise:         "ex1",
			ManualAdjustment: -float64(i % 10),
			BaseRevision:     i,
		})
		require.NoError(t, err)
	}

	hist := f.store.History(ctx, "alice", "ex1")
	collect := func() []int {
		var revs []int
		for e, err := range hist {
			require.NoError(t, err)
			assert.Equal(t, feedback.Total(e.Codes, e.ManualAdjustment, e.MaxPoints), e.TotalPoints)
			revs = append(revs, e.Revision)
		}
		return revs
	}
	first := collect()
	require.Len(t, first, revisions)
	assert.Equal(t, 1, first[0])
	assert.Equal(t, revisions, first[revisions-1])
	assert.Equal(t, first, collect())

	taken := 0
	for range hist {
		taken++
		if taken == 3 {
			break
		}
	}
	assert.Equal(t, 3, taken)

	empty := 0
	for range f.store.History(ctx, "nobody", "ex1") {
		empty++
	}
	assert.Zero(t, empty)
}

func TestProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, p := range []feedback.UpsertParams{
		{Student: "alice", Exercise: "ex1", Status: feedback.StatusFinal},
		{Student: "alice", Exercise: "ex2"},
		{Student: "bob", Exercise: "ex1", Status: feedback.StatusSick},
	} {
		_, err := f.store.Upsert(ctx, p)
		require.NoError(t, err)
	}

	var pairs []feedback.Key
	for _, student := range []string{"alice", "bob", "carol"} {
		for _, ex := range []string{"ex1", "ex2"} {
			pairs = append(pairs, feedback.Key{Student: student, Exercise: ex})
		}
	}
	p, err := f.store.Progress(ctx, pairs)
	require.NoError(t, err)
	assert.Equal(t, 6, p.Total)
	assert.Equal(t, 2, p.Corrected)
	assert.InDelta(t, 33.33, p.Percent, 0.01)
	assert.Equal(t, 1, p.ByStatus[feedback.StatusFinal])
	assert.Equal(t, 1, p.ByStatus[feedback.StatusProvisional])
	assert.Equal(t, 1, p.ByStatus[feedback.StatusSick])
	assert.Equal(t, 3, p.ByStatus[feedback.StatusNotStarted])

	students, err := f.store.ListStudents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, students)

	alice, err := f.store.ListByStudent(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, "ex1", alice[0].Exercise)
}

func TestProgressCountsUngradedPairsBesideStaleEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// dave's archive is gone but his entry stays
	for _, p := range []feedback.UpsertParams{
		{Student: "alice", Exercise: "ex1", Status: feedback.StatusFinal},
		{Student: "dave", Exercise: "ex1", Status: feedback.StatusFinal},
	} {
		_, err := f.store.Upsert(ctx, p)
		require.NoError(t, err)
	}

	pairs := []feedback.Key{
		{Student: "alice", Exercise: "ex1"},
		{Student: "alice", Exercise: "ex2"},
		{Student: "bob", Exercise: "ex1"},
		{Student: "bob", Exercise: "ex2"},
	}
	p, err := f.store.Progress(ctx, pairs)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Total)
	assert.Equal(t, 2, p.Corrected)
	assert.Equal(t, 3, p.ByStatus[feedback.StatusNotStarted])
	assert.Equal(t, 2, p.ByStatus[feedback.StatusFinal])
}
