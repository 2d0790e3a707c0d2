package feedback

import (
	"context"
	"iter"
)

const historyPageSize = 50

// History yields every stored revision of the entry, oldest first. Revisions
// are fetched page by page as the caller ranges; ranging again restarts
// from the first revision.
func (s *Store) History(ctx context.Context, student, exercise string) iter.Seq2[Entry, error] {
	key := Key{Student: student, Exercise: exercise}
	return func(yield func(Entry, error) bool) {
		after := 0
		for {
			page, err := s.repo.ListRevisions(ctx, key, after, historyPageSize)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			for _, e := range page {
				e.Recompute()
				if !yield(e, nil) {
					return
				}
				after = e.Revision
			}
			if len(page) < historyPageSize {
				return
			}
		}
	}
}
