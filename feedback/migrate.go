package feedback

import (
	"context"
	"fmt"

	"github.com/programme-lv/grader/logger"
)

type MigrationFailure struct {
	Key Key   `json:"key"`
	Err error `json:"-"`
}

type MigrationResult struct {
	Migrated []Key             `json:"migrated"`
	Failed   []MigrationFailure `json:"failed,omitempty"`
}

// MigrateCode replaces fromID with toID in every entry that applies it, or
// drops it when toID is empty. Each entry is rewritten atomically as a new
// revision; one failing entry does not stop the others.
func (s *Store) MigrateCode(ctx context.Context, fromID, toID, grader string) (MigrationResult, error) {
	log := logger.FromContext(ctx)
	if toID != "" {
		if _, err := s.codes.Get(ctx, toID); err != nil {
			return MigrationResult{}, ErrUnknownErrorCode(toID).SetDebug(err)
		}
	}
	keys, err := s.repo.CodeUsers(ctx, fromID)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("failed to find entries using %s: %w", fromID, err)
	}

	res := MigrationResult{Migrated: []Key{}}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.migrateEntry(ctx, key, fromID, toID, grader); err != nil {
			log.Warn("failed to migrate entry", "key", key.String(), "from", fromID, "to", toID, "error", err)
			res.Failed = append(res.Failed, MigrationFailure{Key: key, Err: err})
			continue
		}
		res.Migrated = append(res.Migrated, key)
	}
	log.Info("error code migrated",
		"from", fromID, "to", toID, "migrated", len(res.Migrated), "failed", len(res.Failed))
	return res, nil
}

func (s *Store) migrateEntry(ctx context.Context, key Key, fromID, toID, grader string) error {
	unlock := s.lock(key)
	defer unlock()

	e, err := s.repo.GetEntry(ctx, key)
	if err != nil {
		return err
	}
	if !e.References(fromID) {
		return nil
	}

	sel := make([]CodeSelection, 0, len(e.Codes))
	index := make(map[string]int, len(e.Codes))
	for _, c := range e.Codes {
		id := c.CodeID
		if id == fromID {
			if toID == "" {
				continue
			}
			id = toID
		}
		if i, ok := index[id]; ok {
			sel[i].Count += max(c.Count, 1)
			continue
		}
		cs := CodeSelection{CodeID: id, Count: max(c.Count, 1), Source: c.Source}
		if c.Overridden {
			delta := c.Delta
			cs.DeltaOverride = &delta
		}
		index[id] = len(sel)
		sel = append(sel, cs)
	}

	if grader == "" {
		grader = e.Grader
	}
	_, err = s.upsert.Handle(ctx, UpsertParams{
		Student:          e.Student,
		Exercise:         e.Exercise,
		Comment:          e.Comment,
		Codes:            sel,
		ManualAdjustment: e.ManualAdjustment,
		BaseRevision:     e.Revision,
		Grader:           grader,
		Status:           e.Status,
	})
	return err
}
