package pgrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/programme-lv/grader/catalog"
	"github.com/programme-lv/grader/feedback"
	"github.com/programme-lv/grader/logger"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Repo stores the catalog and feedback in Postgres. Revision and reference
// checks run inside one transaction with row locks on the entry and the
// referenced codes.
type Repo struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// Open migrates the database and connects a pool to it.
func Open(ctx context.Context, connStr string) (*Repo, error) {
	if err := Migrate(connStr); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &Repo{pool: pool}, nil
}

func (r *Repo) Close() error {
	r.pool.Close()
	return nil
}

func pgErrCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

const codeColumns = `id, label, description, default_delta, comment, version, updated_at`

func scanCode(row pgx.Row) (catalog.ErrorCode, error) {
	var c catalog.ErrorCode
	err := row.Scan(&c.ID, &c.Label, &c.Description, &c.DefaultDelta, &c.Comment, &c.Version, &c.UpdatedAt)
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, err
}

func (r *Repo) CreateCode(ctx context.Context, code catalog.ErrorCode) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO error_codes (`+codeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		code.ID, code.Label, code.Description, code.DefaultDelta, code.Comment, code.Version, code.UpdatedAt)
	if err != nil {
		if pgErrCode(err) == uniqueViolation {
			return catalog.ErrCodeExists(code.ID)
		}
		return fmt.Errorf("failed to insert error code: %w", err)
	}
	return nil
}

func (r *Repo) UpdateCode(ctx context.Context, id string, update func(*catalog.ErrorCode) error) (catalog.ErrorCode, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return catalog.ErrorCode{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	code, err := scanCode(tx.QueryRow(ctx,
		`SELECT `+codeColumns+` FROM error_codes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.ErrorCode{}, catalog.ErrCodeNotFound(id)
		}
		return catalog.ErrorCode{}, fmt.Errorf("failed to select error code: %w", err)
	}
	if err := update(&code); err != nil {
		return catalog.ErrorCode{}, err
	}
	code.ID = id
	_, err = tx.Exec(ctx, `
		UPDATE error_codes
		SET label = $2, description = $3, default_delta = $4, comment = $5, version = $6, updated_at = $7
		WHERE id = $1`,
		code.ID, code.Label, code.Description, code.DefaultDelta, code.Comment, code.Version, code.UpdatedAt)
	if err != nil {
		return catalog.ErrorCode{}, fmt.Errorf("failed to update error code: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return catalog.ErrorCode{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	code.UpdatedAt = code.UpdatedAt.UTC()
	return code, nil
}

func (r *Repo) DeleteCode(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var found string
	err = tx.QueryRow(ctx, `SELECT id FROM error_codes WHERE id = $1 FOR UPDATE`, id).Scan(&found)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.ErrCodeNotFound(id)
		}
		return fmt.Errorf("failed to select error code: %w", err)
	}
	users, err := codeUsers(ctx, tx, id)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		refs := make([]string, len(users))
		for i, k := range users {
			refs[i] = k.String()
		}
		return catalog.ErrCodeInUse(id, refs)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM error_codes WHERE id = $1`, id); err != nil {
		if pgErrCode(err) == foreignKeyViolation {
			return catalog.ErrCodeInUse(id, nil)
		}
		return fmt.Errorf("failed to delete error code: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *Repo) GetCode(ctx context.Context, id string) (catalog.ErrorCode, error) {
	code, err := scanCode(r.pool.QueryRow(ctx,
		`SELECT `+codeColumns+` FROM error_codes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.ErrorCode{}, catalog.ErrCodeNotFound(id)
		}
		return catalog.ErrorCode{}, fmt.Errorf("failed to select error code: %w", err)
	}
	return code, nil
}

func (r *Repo) ListCodes(ctx context.Context) ([]catalog.ErrorCode, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+codeColumns+` FROM error_codes ORDER BY id COLLATE "C"`)
	if err != nil {
		return nil, fmt.Errorf("failed to list error codes: %w", err)
	}
	defer rows.Close()
	res := []catalog.ErrorCode{}
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan error code: %w", err)
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r *Repo) GetEntry(ctx context.Context, key feedback.Key) (feedback.Entry, error) {
	entries, err := r.loadEntries(ctx, `WHERE student = $1 AND exercise = $2`, key.Student, key.Exercise)
	if err != nil {
		return feedback.Entry{}, err
	}
	if len(entries) == 0 {
		return feedback.Entry{}, feedback.ErrEntryNotFound(key)
	}
	return entries[0], nil
}

func (r *Repo) SaveEntry(ctx context.Context, e feedback.Entry, expectedRev int) error {
	log := logger.FromContext(ctx)
	key := e.Key()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current := 0
	err = tx.QueryRow(ctx, `
		SELECT revision FROM feedback_entries
		WHERE student = $1 AND exercise = $2
		FOR UPDATE`, key.Student, key.Exercise).Scan(&current)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to lock entry: %w", err)
	}
	if current != expectedRev {
		return feedback.ErrConflictingRevision(key, expectedRev, current)
	}

	if err := lockCodes(ctx, tx, e.Codes); err != nil {
		return err
	}

	args := []any{key.Student, key.Exercise, e.Comment, e.ManualAdjustment, e.MaxPoints,
		e.TotalPoints, string(e.Status), e.Grader, e.Revision, e.UpdatedAt}
	if expectedRev == 0 {
		_, err = tx.Exec(ctx, `
			INSERT INTO feedback_entries (
				student, exercise, comment, manual_adjustment, max_points,
				total_points, status, grader, revision, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, args...)
		if pgErrCode(err) == uniqueViolation {
			return feedback.ErrConflictingRevision(key, expectedRev, expectedRev+1)
		}
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE feedback_entries
			SET comment = $3, manual_adjustment = $4, max_points = $5, total_points = $6,
				status = $7, grader = $8, revision = $9, updated_at = $10
			WHERE student = $1 AND exercise = $2`, args...)
	}
	if err != nil {
		return fmt.Errorf("failed to store entry: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM feedback_entry_codes WHERE student = $1 AND exercise = $2`,
		key.Student, key.Exercise); err != nil {
		return fmt.Errorf("failed to clear applied codes: %w", err)
	}
	for i, c := range e.Codes {
		var file *string
		var start, end *int
		if c.Source != nil {
			file, start, end = &c.Source.File, &c.Source.StartLine, &c.Source.EndLine
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO feedback_entry_codes (
				student, exercise, position, code_id, delta, overridden, count,
				source_file, source_start, source_end
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			key.Student, key.Exercise, i, c.CodeID, c.Delta, c.Overridden, c.Count, file, start, end)
		if err != nil {
			if pgErrCode(err) == foreignKeyViolation {
				return feedback.ErrUnknownErrorCode(c.CodeID)
			}
			return fmt.Errorf("failed to store applied code: %w", err)
		}
	}

	doc, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode revision: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO feedback_history (student, exercise, revision, entry)
		VALUES ($1, $2, $3, $4)`, key.Student, key.Exercise, e.Revision, doc); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		log.Debug("failed to commit entry", "key", key.String(), "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// lockCodes verifies that every applied code exists and keeps it from being
// deleted until the transaction ends.
func lockCodes(ctx context.Context, tx pgx.Tx, codes []feedback.AppliedCode) error {
	if len(codes) == 0 {
		return nil
	}
	ids := make([]string, len(codes))
	for i, c := range codes {
		ids[i] = c.CodeID
	}
	rows, err := tx.Query(ctx, `SELECT id FROM error_codes WHERE id = ANY($1) FOR SHARE`, ids)
	if err != nil {
		return fmt.Errorf("failed to lock error codes: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("failed to lock error codes: %w", err)
	}
	exists := make(map[string]bool, len(found))
	for _, id := range found {
		exists[id] = true
	}
	for _, id := range ids {
		if !exists[id] {
			return feedback.ErrUnknownErrorCode(id)
		}
	}
	return nil
}

func (r *Repo) ListEntries(ctx context.Context, student string) ([]feedback.Entry, error) {
	return r.loadEntries(ctx, `WHERE student = $1`, student)
}

func (r *Repo) ListStudents(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT student COLLATE "C" AS s FROM feedback_entries ORDER BY s`)
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}
	res, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan students: %w", err)
	}
	if res == nil {
		res = []string{}
	}
	return res, nil
}

func (r *Repo) ListAll(ctx context.Context) ([]feedback.Entry, error) {
	return r.loadEntries(ctx, ``)
}

func (r *Repo) ListRevisions(ctx context.Context, key feedback.Key, afterRev int, limit int) ([]feedback.Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT entry FROM feedback_history
		WHERE student = $1 AND exercise = $2 AND revision > $3
		ORDER BY revision
		LIMIT NULLIF($4::int, 0)`, key.Student, key.Exercise, afterRev, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	docs, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to scan revisions: %w", err)
	}
	res := make([]feedback.Entry, 0, len(docs))
	for _, doc := range docs {
		var e feedback.Entry
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, fmt.Errorf("failed to decode revision: %w", err)
		}
		res = append(res, e)
	}
	return res, nil
}

func (r *Repo) CodeUsers(ctx context.Context, codeID string) ([]feedback.Key, error) {
	return codeUsers(ctx, r.pool, codeID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func codeUsers(ctx context.Context, q querier, codeID string) ([]feedback.Key, error) {
	rows, err := q.Query(ctx, `
		SELECT DISTINCT student COLLATE "C" AS s, exercise COLLATE "C" AS e
		FROM feedback_entry_codes
		WHERE code_id = $1
		ORDER BY s, e`, codeID)
	if err != nil {
		return nil, fmt.Errorf("failed to find entries using %s: %w", codeID, err)
	}
	res, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (feedback.Key, error) {
		var k feedback.Key
		err := row.Scan(&k.Student, &k.Exercise)
		return k, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan entry keys: %w", err)
	}
	if res == nil {
		res = []feedback.Key{}
	}
	return res, nil
}

// loadEntries reads the entries matching where together with their applied
// codes, ordered by student and exercise.
func (r *Repo) loadEntries(ctx context.Context, where string, args ...any) ([]feedback.Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT student, exercise, comment, manual_adjustment, max_points, total_points,
			status, grader, revision, updated_at
		FROM feedback_entries `+where+`
		ORDER BY student COLLATE "C", exercise COLLATE "C"`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (feedback.Entry, error) {
		var e feedback.Entry
		var status string
		err := row.Scan(&e.Student, &e.Exercise, &e.Comment, &e.ManualAdjustment, &e.MaxPoints,
			&e.TotalPoints, &status, &e.Grader, &e.Revision, &e.UpdatedAt)
		e.Status = feedback.Status(status)
		e.UpdatedAt = e.UpdatedAt.UTC()
		e.Codes = []feedback.AppliedCode{}
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan entries: %w", err)
	}
	if len(entries) == 0 {
		return []feedback.Entry{}, nil
	}

	index := make(map[feedback.Key]int, len(entries))
	for i, e := range entries {
		index[e.Key()] = i
	}
	codeRows, err := r.pool.Query(ctx, `
		SELECT student, exercise, code_id, delta, overridden, count,
			source_file, source_start, source_end
		FROM feedback_entry_codes `+where+`
		ORDER BY student, exercise, position`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select applied codes: %w", err)
	}
	defer codeRows.Close()
	for codeRows.Next() {
		var k feedback.Key
		var c feedback.AppliedCode
		var file *string
		var start, end *int
		if err := codeRows.Scan(&k.Student, &k.Exercise, &c.CodeID, &c.Delta, &c.Overridden, &c.Count,
			&file, &start, &end); err != nil {
			return nil, fmt.Errorf("failed to scan applied code: %w", err)
		}
		if file != nil && start != nil && end != nil {
			c.Source = &feedback.SourceRef{File: *file, StartLine: *start, EndLine: *end}
		}
		if i, ok := index[k]; ok {
			entries[i].Codes = append(entries[i].Codes, c)
		}
	}
	return entries, codeRows.Err()
}
