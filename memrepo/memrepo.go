package memrepo

import (
	"context"
	"sort"
	"sync"

	"github.com/programme-lv/grader/catalog"
	"github.com/programme-lv/grader/feedback"
)

// Repo keeps the catalog and feedback entries in memory. One lock guards
// both so reference checks and writes are atomic.
type Repo struct {
	lock    sync.RWMutex
	codes   map[string]catalog.ErrorCode
	entries map[feedback.Key]feedback.Entry
	history map[feedback.Key][]feedback.Entry
}

func New() *Repo {
	return &Repo{
		codes:   make(map[string]catalog.ErrorCode),
		entries: make(map[feedback.Key]feedback.Entry),
		history: make(map[feedback.Key][]feedback.Entry),
	}
}

func (m *Repo) CreateCode(ctx context.Context, code catalog.ErrorCode) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.codes[code.ID]; ok {
		return catalog.ErrCodeExists(code.ID)
	}
	m.codes[code.ID] = code
	return nil
}

func (m *Repo) UpdateCode(ctx context.Context, id string, update func(*catalog.ErrorCode) error) (catalog.ErrorCode, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	code, ok := m.codes[id]
	if !ok {
		return catalog.ErrorCode{}, catalog.ErrCodeNotFound(id)
	}
	if err := update(&code); err != nil {
		return catalog.ErrorCode{}, err
	}
	code.ID = id
	m.codes[id] = code
	return code, nil
}

func (m *Repo) DeleteCode(ctx context.Context, id string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if _, ok := m.codes[id]; !ok {
		return catalog.ErrCodeNotFound(id)
	}
	if refs := m.codeUsers(id); len(refs) > 0 {
		names := make([]string, 0, len(refs))
		for _, k := range refs {
			names = append(names, k.String())
		}
		return catalog.ErrCodeInUse(id, names)
	}
	delete(m.codes, id)
	return nil
}

func (m *Repo) GetCode(ctx context.Context, id string) (catalog.ErrorCode, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	code, ok := m.codes[id]
	if !ok {
		return catalog.ErrorCode{}, catalog.ErrCodeNotFound(id)
	}
	return code, nil
}

func (m *Repo) ListCodes(ctx context.Context) ([]catalog.ErrorCode, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	res := make([]catalog.ErrorCode, 0, len(m.codes))
	for _, c := range m.codes {
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// ForceDeleteCode removes a code without the reference check. It exists to
// simulate an inconsistent catalog in tests.
func (m *Repo) ForceDeleteCode(id string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.codes, id)
}

func (m *Repo) GetEntry(ctx context.Context, key feedback.Key) (feedback.Entry, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return feedback.Entry{}, feedback.ErrEntryNotFound(key)
	}
	return clone(e), nil
}

func (m *Repo) SaveEntry(ctx context.Context, e feedback.Entry, expectedRev int) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	key := e.Key()
	current := m.entries[key].Revision
	if current != expectedRev {
		return feedback.ErrConflictingRevision(key, expectedRev, current)
	}
	for _, c := range e.Codes {
		if _, ok := m.codes[c.CodeID]; !ok {
			return feedback.ErrUnknownErrorCode(c.CodeID)
		}
	}
	m.entries[key] = clone(e)
	m.history[key] = append(m.history[key], clone(e))
	return nil
}

func (m *Repo) ListEntries(ctx context.Context, student string) ([]feedback.Entry, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	res := []feedback.Entry{}
	for k, e := range m.entries {
		if k.Student == student {
			res = append(res, clone(e))
		}
	}
	sortEntries(res)
	return res, nil
}

func (m *Repo) ListStudents(ctx context.Context) ([]string, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	seen := make(map[string]bool)
	res := []string{}
	for k := range m.entries {
		if !seen[k.Student] {
			seen[k.Student] = true
			res = append(res, k.Student)
		}
	}
	sort.Strings(res)
	return res, nil
}

func (m *Repo) ListAll(ctx context.Context) ([]feedback.Entry, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	res := make([]feedback.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		res = append(res, clone(e))
	}
	sortEntries(res)
	return res, nil
}

func (m *Repo) ListRevisions(ctx context.Context, key feedback.Key, afterRev int, limit int) ([]feedback.Entry, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	res := []feedback.Entry{}
	for _, e := range m.history[key] {
		if e.Revision <= afterRev {
			continue
		}
		if limit > 0 && len(res) >= limit {
			break
		}
		res = append(res, clone(e))
	}
	return res, nil
}

func (m *Repo) CodeUsers(ctx context.Context, codeID string) ([]feedback.Key, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.codeUsers(codeID), nil
}

func (m *Repo) codeUsers(codeID string) []feedback.Key {
	res := []feedback.Key{}
	for k, e := range m.entries {
		if e.References(codeID) {
			res = append(res, k)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].String() < res[j].String() })
	return res
}

func sortEntries(entries []feedback.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Student != entries[j].Student {
			return entries[i].Student < entries[j].Student
		}
		return entries[i].Exercise < entries[j].Exercise
	})
}

func clone(e feedback.Entry) feedback.Entry {
	codes := make([]feedback.AppliedCode, len(e.Codes))
	for i, c := range e.Codes {
		if c.Source != nil {
			src := *c.Source
			c.Source = &src
		}
		codes[i] = c
	}
	e.Codes = codes
	return e
}
