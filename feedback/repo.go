package feedback

import (
	"context"

	"github.com/programme-lv/grader/catalog"
	"github.com/programme-lv/grader/sheet"
)

// Repo persists entries with their revision history. SaveEntry must, in one
// transaction, verify that the stored revision equals expectedRev (0 for a
// new entry) and that every applied code exists, then store e and append it
// to the history.
type Repo interface {
	GetEntry(ctx context.Context, key Key) (Entry, error)
	SaveEntry(ctx context.Context, e Entry, expectedRev int) error
	ListEntries(ctx context.Context, student string) ([]Entry, error)
	ListStudents(ctx context.Context) ([]string, error)
	ListAll(ctx context.Context) ([]Entry, error)
	// ListRevisions returns up to limit revisions newer than afterRev,
	// oldest first.
	ListRevisions(ctx context.Context, key Key, afterRev int, limit int) ([]Entry, error)
	// CodeUsers lists the keys whose current revision applies codeID.
	CodeUsers(ctx context.Context, codeID string) ([]Key, error)
}

type CodeSource interface {
	Get(ctx context.Context, id string) (catalog.ErrorCode, error)
}

// Exercises resolves exercise definitions; *sheet.Sheet satisfies it.
type Exercises interface {
	Exercise(name string) (sheet.Exercise, bool)
}
