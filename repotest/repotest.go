// Package repotest holds the behaviour every catalog and feedback storage
// backend must share.
package repotest

import (
	"context"
	"testing"
	"time"

	"github.com/programme-lv/grader/catalog"
	"github.com/programme-lv/grader/feedback"
	"github.com/programme-lv/grader/srvcerror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Repo interface {
	catalog.Repo
	feedback.Repo
}

func Run(t *testing.T, newRepo func(t *testing.T) Repo) {
	t.Run("Codes", func(t *testing.T) { testCodes(t, newRepo(t)) })
	t.Run("Revisions", func(t *testing.T) { testRevisions(t, newRepo(t)) })
	t.Run("ReferentialIntegrity", func(t *testing.T) { testReferences(t, newRepo(t)) })
	t.Run("Listing", func(t *testing.T) { testListing(t, newRepo(t)) })
	t.Run("History", func(t *testing.T) { testHistory(t, newRepo(t)) })
}

var stamp = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func code(id string, delta float64) catalog.ErrorCode {
	return catalog.ErrorCode{ID: id, Label: "label " + id, DefaultDelta: delta, Version: 1, UpdatedAt: stamp}
}

func entry(student, exercise string, rev int, codes ...string) feedback.Entry {
	e := feedback.Entry{
		Student:   student,
		Exercise:  exercise,
		Comment:   "rev",
		MaxPoints: 10,
		Status:    feedback.StatusProvisional,
		Revision:  rev,
		UpdatedAt: stamp,
		Codes:     []feedback.AppliedCode{},
	}
	for _, id := range codes {
		e.Codes = append(e.Codes, feedback.AppliedCode{CodeID: id, Delta: -1, Count: 1})
	}
	e.Recompute()
	return e
}

func testCodes(t *testing.T, r Repo) {
	ctx := context.Background()
	require.NoError(t, r.CreateCode(ctx, code("E2", -1)))
	require.NoError(t, r.CreateCode(ctx, code("E1", -2)))

	err := r.CreateCode(ctx, code("E1", 0))
	assert.True(t, srvcerror.HasCode(err, catalog.ErrCodeCodeExists), "got %v", err)

	got, err := r.GetCode(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, code("E1", -2), got)

	updated, err := r.UpdateCode(ctx, "E1", func(c *catalog.ErrorCode) error {
		c.DefaultDelta = -3
		c.Version++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, -3.0, updated.DefaultDelta)
	assert.Equal(t, 2, updated.Version)

	_, err = r.UpdateCode(ctx, "E1", func(c *catalog.ErrorCode) error {
		c.DefaultDelta = 100
		return srvcerror.ErrInvalidInput("rejected")
	})
	require.Error(t, err)
	got, err = r.GetCode(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, -3.0, got.DefaultDelta, "a rejected update must not be stored")

	list, err := r.ListCodes(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "E1", list[0].ID)
	assert.Equal(t, "E2", list[1].ID)

	require.NoError(t, r.DeleteCode(ctx, "E2"))
	_, err = r.GetCode(ctx, "E2")
	assert.True(t, srvcerror.HasCode(err, catalog.ErrCodeCodeNotFound))
	err = r.DeleteCode(ctx, "E2")
	assert.True(t, srvcerror.HasCode(err, catalog.ErrCodeCodeNotFound))
	_, err = r.UpdateCode(ctx, "E2", func(*catalog.ErrorCode) error { return nil })
	assert.True(t, srvcerror.HasCode(err, catalog.ErrCodeCodeNotFound))
}

func testRevisions(t *testing.T, r Repo) {
	ctx := context.Background()
	key := feedback.Key{Student: "alice", Exercise: "ex1"}

	_, err := r.GetEntry(ctx, key)
	assert.True(t, srvcerror.HasCode(err, feedback.ErrCodeEntryNotFound))

	require.NoError(t, r.SaveEntry(ctx, entry("alice", "ex1", 1), 0))
	err = r.SaveEntry(ctx, entry("alice", "ex1", 1), 0)
	assert.True(t, srvcerror.HasCode(err, feedback.ErrCodeConflictingRevision), "got %v", err)

	require.NoError(t, r.SaveEntry(ctx, entry("alice", "ex1", 2), 1))
	err = r.SaveEntry(ctx, entry("alice", "ex1", 2), 1)
	assert.True(t, srvcerror.HasCode(err, feedback.ErrCodeConflictingRevision))

	got, err := r.GetEntry(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, entry("alice", "ex1", 2), got)
}

func testReferences(t *testing.T, r Repo) {
	ctx := context.Background()
	require.NoError(t, r.CreateCode(ctx, code("E1", -2)))

	err := r.SaveEntry(ctx, entry("alice", "ex1", 1, "E1", "E9"), 0)
	assert.True(t, srvcerror.HasCode(err, feedback.ErrCodeUnknownErrorCode), "got %v", err)
	_, err = r.GetEntry(ctx, feedback.Key{Student: "alice", Exercise: "ex1"})
	assert.True(t, srvcerror.HasCode(err, feedback.ErrCodeEntryNotFound))

	require.NoError(t, r.SaveEntry(ctx, entry("alice", "ex1", 1, "E1"), 0))
	require.NoError(t, r.SaveEntry(ctx, entry("bob", "ex1", 1, "E1"), 0))

	users, err := r.CodeUsers(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, []feedback.Key{{Student: "alice", Exercise: "ex1"}, {Student: "bob", Exercise: "ex1"}}, users)

	err = r.DeleteCode(ctx, "E1")
	require.Error(t, err)
	assert.True(t, srvcerror.HasCode(err, catalog.ErrCodeCodeInUse))
	assert.Contains(t, err.Error(), "alice/ex1")

	require.NoError(t, r.SaveEntry(ctx, entry("alice", "ex1", 2), 1))
	require.NoError(t, r.SaveEntry(ctx, entry("bob", "ex1", 2), 1))
	users, err = r.CodeUsers(ctx, "E1")
	require.NoError(t, err)
	assert.Empty(t, users, "only current revisions count as references")
	require.NoError(t, r.DeleteCode(ctx, "E1"))
}

func testListing(t *testing.T, r Repo) {
	ctx := context.Background()
	for _, e := range []feedback.Entry{
		entry("bob", "ex2", 1),
		entry("alice", "ex2", 1),
		entry("alice", "ex1", 1),
		entry("alice2", "ex1", 1),
	} {
		require.NoError(t, r.SaveEntry(ctx, e, 0))
	}

	students, err := r.ListStudents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "alice2", "bob"}, students)

	alice, err := r.ListEntries(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, alice, 2)
	assert.Equal(t, "ex1", alice[0].Exercise)
	assert.Equal(t, "ex2", alice[1].Exercise)

	none, err := r.ListEntries(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := r.ListAll(ctx)
	require.NoError(t, err)
	keys := make([]string, len(all))
	for i, e := range all {
		keys[i] = e.Key().String()
	}
	assert.Equal(t, []string{"alice/ex1", "alice/ex2", "alice2/ex1", "bob/ex2"}, keys)
}

func testHistory(t *testing.T, r Repo) {
	ctx := context.Background()
	key := feedback.Key{Student: "alice", Exercise: "ex1"}
	for rev := 1; rev <= 7; rev++ {
		require.NoError(t, r.SaveEntry(ctx, entry("alice", "ex1", rev), rev-1))
	}
	require.NoError(t, r.SaveEntry(ctx, entry("alice", "ex10", 1), 0))

	page, err := r.ListRevisions(ctx, key, 0, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, 1, page[0].Revision)
	assert.Equal(t, 3, page[2].Revision)

	page, err = r.ListRevisions(ctx, key, 3, 10)
	require.NoError(t, err)
	require.Len(t, page, 4)
	assert.Equal(t, 4, page[0].Revision)
	assert.Equal(t, 7, page[3].Revision)

	page, err = r.ListRevisions(ctx, key, 7, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}
