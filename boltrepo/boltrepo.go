package boltrepo

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/programme-lv/grader/catalog"
	"github.com/programme-lv/grader/feedback"
	bolt "go.etcd.io/bbolt"
)

var (
	codesBucket   = []byte("codes")
	entriesBucket = []byte("entries")
	historyBucket = []byte("history")
)

// Repo stores the catalog and feedback in a single bbolt file. Every write
// runs in one bolt transaction, so reference and revision checks cannot
// interleave with other writers.
type Repo struct {
	db *bolt.DB
}

func Open(path string) (*Repo, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{codesBucket, entriesBucket, historyBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() error {
	return r.db.Close()
}

func entryKey(k feedback.Key) []byte {
	b := make([]byte, 0, len(k.Student)+len(k.Exercise)+1)
	b = append(b, k.Student...)
	b = append(b, 0)
	return append(b, k.Exercise...)
}

func historyPrefix(k feedback.Key) []byte {
	return append(entryKey(k), 0)
}

func historyKey(k feedback.Key, rev int) []byte {
	return binary.BigEndian.AppendUint64(historyPrefix(k), uint64(rev))
}

func (r *Repo) CreateCode(ctx context.Context, code catalog.ErrorCode) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(codesBucket)
		if b.Get([]byte(code.ID)) != nil {
			return catalog.ErrCodeExists(code.ID)
		}
		return put(b, []byte(code.ID), code)
	})
}

func (r *Repo) UpdateCode(ctx context.Context, id string, update func(*catalog.ErrorCode) error) (catalog.ErrorCode, error) {
	var code catalog.ErrorCode
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(codesBucket)
		raw := b.Get([]byte(id))
		if raw == nil {
			return catalog.ErrCodeNotFound(id)
		}
		if err := json.Unmarshal(raw, &code); err != nil {
			return fmt.Errorf("failed to decode code %s: %w", id, err)
		}
		if err := update(&code); err != nil {
			return err
		}
		code.ID = id
		return put(b, []byte(id), code)
	})
	if err != nil {
		return catalog.ErrorCode{}, err
	}
	return code, nil
}

func (r *Repo) DeleteCode(ctx context.Context, id string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(codesBucket)
		if b.Get([]byte(id)) == nil {
			return catalog.ErrCodeNotFound(id)
		}
		users, err := codeUsers(tx, id)
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
		return b.Delete([]byte(id))
	})
}

func (r *Repo) GetCode(ctx context.Context, id string) (catalog.ErrorCode, error) {
	var code catalog.ErrorCode
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(codesBucket).Get([]byte(id))
		if raw == nil {
			return catalog.ErrCodeNotFound(id)
		}
		return json.Unmarshal(raw, &code)
	})
	return code, err
}

func (r *Repo) ListCodes(ctx context.Context) ([]catalog.ErrorCode, error) {
	res := []catalog.ErrorCode{}
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(codesBucket).ForEach(func(_, v []byte) error {
			var code catalog.ErrorCode
			if err := json.Unmarshal(v, &code); err != nil {
				return err
			}
			res = append(res, code)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list codes: %w", err)
	}
	return res, nil
}

func (r *Repo) GetEntry(ctx context.Context, key feedback.Key) (feedback.Entry, error) {
	var e feedback.Entry
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(entriesBucket).Get(entryKey(key))
		if raw == nil {
			return feedback.ErrEntryNotFound(key)
		}
		return json.Unmarshal(raw, &e)
	})
	return e, err
}

func (r *Repo) SaveEntry(ctx context.Context, e feedback.Entry, expectedRev int) error {
	key := e.Key()
	return r.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(entriesBucket)
		current := 0
		if raw := entries.Get(entryKey(key)); raw != nil {
			var prev feedback.Entry
			if err := json.Unmarshal(raw, &prev); err != nil {
				return fmt.Errorf("failed to decode entry %s: %w", key, err)
			}
			current = prev.Revision
		}
		if current != expectedRev {
			return feedback.ErrConflictingRevision(key, expectedRev, current)
		}
		codes := tx.Bucket(codesBucket)
		for _, c := range e.Codes {
			if codes.Get([]byte(c.CodeID)) == nil {
				return feedback.ErrUnknownErrorCode(c.CodeID)
			}
		}
		if err := put(entries, entryKey(key), e); err != nil {
			return err
		}
		return put(tx.Bucket(historyBucket), historyKey(key, e.Revision), e)
	})
}

func (r *Repo) ListEntries(ctx context.Context, student string) ([]feedback.Entry, error) {
	prefix := append([]byte(student), 0)
	res := []feedback.Entry{}
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e feedback.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			res = append(res, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list entries of %s: %w", student, err)
	}
	return res, nil
}

func (r *Repo) ListStudents(ctx context.Context) ([]string, error) {
	res := []string{}
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, _ []byte) error {
			student := string(k[:bytes.IndexByte(k, 0)])
			if len(res) == 0 || res[len(res)-1] != student {
				res = append(res, student)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}
	return res, nil
}

func (r *Repo) ListAll(ctx context.Context) ([]feedback.Entry, error) {
	res := []feedback.Entry{}
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(_, v []byte) error {
			var e feedback.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			res = append(res, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return res, nil
}

func (r *Repo) ListRevisions(ctx context.Context, key feedback.Key, afterRev int, limit int) ([]feedback.Entry, error) {
	prefix := historyPrefix(key)
	res := []feedback.Entry{}
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(historyBucket).Cursor()
		for k, v := c.Seek(historyKey(key, afterRev+1)); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if len(k) != len(prefix)+8 {
				continue
			}
			if limit > 0 && len(res) >= limit {
				break
			}
			var e feedback.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			res = append(res, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions of %s: %w", key, err)
	}
	return res, nil
}

func (r *Repo) CodeUsers(ctx context.Context, codeID string) ([]feedback.Key, error) {
	var res []feedback.Key
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		res, err = codeUsers(tx, codeID)
		return err
	})
	return res, err
}

func codeUsers(tx *bolt.Tx, codeID string) ([]feedback.Key, error) {
	res := []feedback.Key{}
	err := tx.Bucket(entriesBucket).ForEach(func(_, v []byte) error {
		var e feedback.Entry
		if err := json.Unmarshal(v, &e); err != nil {
			return err
		}
		if e.References(codeID) {
			res = append(res, e.Key())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan entries: %w", err)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].String() < res[j].String() })
	return res, nil
}

func put(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}
