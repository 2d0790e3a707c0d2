package indexer_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/programme-lv/grader/indexer"
	"github.com/programme-lv/grader/srvcerror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexArchive(t *testing.T, archives, sum string, files map[string]string) *indexer.Index {
	t.Helper()
	root := filepath.Join(archives, sum)
	writeTree(t, root, files)
	res, err := indexer.New(indexer.Config{}).Index(context.Background(), root, sum)
	require.NoError(t, err)
	return res
}

func TestRegistry_LatestSubmissionWins(t *testing.T) {
	ctx := context.Background()
	archives := t.TempDir()
	reg := indexer.NewRegistry(archives)

	older := indexArchive(t, archives, "aaaa", map[string]string{
		"alice/ex1/main.py": "v1",
		"bob/ex1/main.py":   "b",
	})
	newer := indexArchive(t, archives, "bbbb", map[string]string{
		"alice/ex1/main.py": "v2",
	})
	t0 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	// registration order must not matter
	require.NoError(t, reg.Put(ctx, newer, t0.Add(time.Hour)))
	require.NoError(t, reg.Put(ctx, older, t0))

	subm, ix, err := reg.Latest("alice")
	require.NoError(t, err)
	assert.Equal(t, "bbbb", ix.Checksum)
	assert.Equal(t, indexer.SubmissionID("bbbb", "alice"), subm.ID)

	_, ix, err = reg.Latest("bob")
	require.NoError(t, err)
	assert.Equal(t, "aaaa", ix.Checksum)

	assert.Equal(t, []string{"alice", "bob"}, reg.Students())
	assert.Len(t, reg.Pairs(), 2)
	assert.True(t, reg.HasExercise("ex1"))
	assert.False(t, reg.HasExercise("ex9"))

	p, err := reg.Locate("alice", "ex1", "main.py")
	require.NoError(t, err)
	content, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(content))

	_, err = reg.Locate("alice", "ex1", "../../bob/ex1/main.py")
	assert.True(t, srvcerror.HasCode(err, indexer.ErrCodeFileNotInSubmission))

	reg.Remove("bbbb")
	_, ix, err = reg.Latest("alice")
	require.NoError(t, err)
	assert.Equal(t, "aaaa", ix.Checksum)

	reg.Remove("aaaa")
	_, _, err = reg.Latest("alice")
	assert.True(t, srvcerror.HasCode(err, indexer.ErrCodeSubmissionNotFound))
	assert.Empty(t, reg.Students())
}

func TestRegistry_LoadRestoresPersistedIndexes(t *testing.T) {
	ctx := context.Background()
	archives := t.TempDir()
	ix := indexArchive(t, archives, "cccc", map[string]string{
		"alice/ex1/main.py": "x",
		"alice/ex2.py":      "y",
	})
	require.NoError(t, indexer.NewRegistry(archives).Put(ctx, ix, time.Now()))

	reloaded := indexer.NewRegistry(archives)
	require.NoError(t, reloaded.Load(ctx))

	got, ok := reloaded.Get("cccc")
	require.True(t, ok)
	assert.Equal(t, ix, got)

	p, err := reloaded.Locate("alice", "ex2", "ex2.py")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(archives, "cccc", "alice", "ex2.py"), p)

	// the persisted index must not show up when the tree is indexed again
	again, err := indexer.New(indexer.Config{}).Index(ctx, filepath.Join(archives, "cccc"), "cccc")
	require.NoError(t, err)
	assert.Equal(t, ix, again)
}

func TestRegistry_LoadWithoutArchives(t *testing.T) {
	reg := indexer.NewRegistry(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, reg.Load(context.Background()))
	assert.Empty(t, reg.Students())
}

func TestRegistry_PairsSkipMissingExercises(t *testing.T) {
	archives := t.TempDir()
	reg := indexer.NewRegistry(archives)
	ix := indexArchive(t, archives, "dddd", map[string]string{
		"alice/ex1/main.py": "a1",
		"alice/ex2/main.py": "a2",
		"bob/ex1/main.py":   "b1",
	})
	require.NoError(t, reg.Put(context.Background(), ix, time.Now()))

	assert.ElementsMatch(t, []indexer.Pair{
		{Student: "alice", Exercise: "ex1"},
		{Student: "alice", Exercise: "ex2"},
		{Student: "bob", Exercise: "ex1"},
	}, reg.Pairs())
}
