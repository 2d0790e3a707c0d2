package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/google/uuid"
	"github.com/programme-lv/grader/logger"
	"github.com/programme-lv/grader/sheet"
	"github.com/thoas/go-funk"
	"github.com/wailsapp/mimetype"
)

type Layout string

const (
	LayoutStudentMajor  Layout = "student-major"
	LayoutExerciseMajor Layout = "exercise-major"
)

func ParseLayout(s string) (Layout, error) {
	switch Layout(s) {
	case "", LayoutStudentMajor:
		return LayoutStudentMajor, nil
	case LayoutExerciseMajor:
		return LayoutExerciseMajor, nil
	}
	return "", fmt.Errorf("unknown layout %q", s)
}

type File struct {
	Path string `json:"path"` // relative to the exercise directory
	Size int64  `json:"size"`
	Mime string `json:"mime"`
}

// Exercise is one exercise instance inside a submission. A missing exercise
// is recorded with Present=false and no files.
type Exercise struct {
	Name         string   `json:"name"`
	Path         string   `json:"path,omitempty"` // relative to the index root
	Present      bool     `json:"present"`
	IsFile       bool     `json:"is_file,omitempty"`
	Files        []File   `json:"files"`
	MissingFiles []string `json:"missing_files,omitempty"`
}

type Submission struct {
	ID          uuid.UUID  `json:"id"`
	Student     string     `json:"student"`
	DisplayName string     `json:"display_name,omitempty"`
	Checksum    string     `json:"checksum"`
	Path        string     `json:"path,omitempty"`
	Exercises   []Exercise `json:"exercises"`
}

func (s Submission) Exercise(name string) (Exercise, bool) {
	for _, ex := range s.Exercises {
		if ex.Name == name {
			return ex, true
		}
	}
	return Exercise{}, false
}

type Index struct {
	Checksum     string       `json:"checksum"`
	Root         string       `json:"root"`
	Layout       Layout       `json:"layout"`
	Exercises    []string     `json:"exercises"`
	Submissions  []Submission `json:"submissions"`
	Unrecognized []Entry      `json:"unrecognized,omitempty"`
}

func (ix *Index) Submission(student string) (Submission, bool) {
	i := sort.Search(len(ix.Submissions), func(i int) bool {
		return ix.Submissions[i].Student >= student
	})
	if i < len(ix.Submissions) && ix.Submissions[i].Student == student {
		return ix.Submissions[i], true
	}
	return Submission{}, false
}

func (ix *Index) Students() []string {
	res := make([]string, 0, len(ix.Submissions))
	for _, s := range ix.Submissions {
		res = append(res, s.Student)
	}
	return res
}

// SubmissionID derives a stable id from the archive checksum and student.
func SubmissionID(checksum, student string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(checksum+"/"+student))
}

type Config struct {
	Layout    Layout
	Exercises Matcher
	// Students optionally restricts which directory names are students.
	Students *regexp.Regexp
	Sheet    *sheet.Sheet
}

type Indexer struct {
	layout   Layout
	matcher  Matcher
	students *regexp.Regexp
	sheet    *sheet.Sheet
}

func New(cfg Config) *Indexer {
	ix := &Indexer{
		layout:   cfg.Layout,
		matcher:  cfg.Exercises,
		students: cfg.Students,
		sheet:    cfg.Sheet,
	}
	if ix.layout == "" {
		ix.layout = LayoutStudentMajor
	}
	if ix.matcher == nil {
		ix.matcher, _ = NewRegexpMatcher(DefaultExercisePattern)
	}
	return ix
}

// Index walks root and builds the submission index of one archive.
func (ix *Indexer) Index(ctx context.Context, root string, checksum string) (*Index, error) {
	log := logger.FromContext(ctx)

	entries, err := ix.Classify(root)
	if err != nil {
		return nil, err
	}
	roster, err := ReadRoster(filepath.Join(root, RosterFileName))
	if err != nil {
		return nil, ErrIndexing(RosterFileName + " is malformed").SetDebug(err)
	}

	type studentInfo struct {
		path      string
		group     string
		exercises map[string]Entry
	}
	students := make(map[string]*studentInfo)
	ensure := func(student string) *studentInfo {
		si, ok := students[student]
		if !ok {
			si = &studentInfo{exercises: make(map[string]Entry)}
			students[student] = si
		}
		return si
	}

	res := &Index{
		Checksum: checksum,
		Root:     root,
		Layout:   ix.layout,
	}
	var discovered []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch e.Kind {
		case KindStudentDir:
			ensure(e.Student).path = e.Path
		case KindExerciseDir:
			si := ensure(e.Student)
			si.exercises[e.Exercise] = e
			if si.group == "" {
				si.group = e.Group
			}
			discovered = append(discovered, e.Exercise)
		default:
			res.Unrecognized = append(res.Unrecognized, e)
		}
	}
	if len(students) == 0 {
		return nil, ErrIndexing(fmt.Sprintf("no student directories found in %s", filepath.Base(root)))
	}

	if ix.sheet.HasDefinitions() {
		res.Exercises = ix.sheet.Names()
	} else {
		res.Exercises = funk.UniqString(discovered)
		sort.Strings(res.Exercises)
	}

	names := make([]string, 0, len(students))
	for name := range students {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, student := range names {
		si := students[student]
		subm := Submission{
			ID:          SubmissionID(checksum, student),
			Student:     student,
			DisplayName: roster[student],
			Checksum:    checksum,
			Path:        si.path,
			Exercises:   make([]Exercise, 0, len(res.Exercises)),
		}
		if subm.DisplayName == "" {
			subm.DisplayName = si.group
		}
		for _, exName := range res.Exercises {
			e, found := si.exercises[exName]
			ex, err := ix.buildExercise(root, exName, e, found)
			if err != nil {
				return nil, err
			}
			subm.Exercises = append(subm.Exercises, ex)
		}
		res.Submissions = append(res.Submissions, subm)
	}

	sort.Slice(res.Unrecognized, func(i, j int) bool {
		return res.Unrecognized[i].Path < res.Unrecognized[j].Path
	})
	log.Info("indexed archive",
		"checksum", checksum,
		"students", len(res.Submissions),
		"exercises", len(res.Exercises),
		"unrecognized", len(res.Unrecognized))
	return res, nil
}

func (ix *Indexer) buildExercise(root, name string, e Entry, found bool) (Exercise, error) {
	ex := Exercise{Name: name, Files: []File{}}
	def, _ := ix.sheet.Exercise(name)
	if !found {
		ex.MissingFiles = append([]string(nil), def.ExpectedFiles...)
		return ex, nil
	}
	ex.Present = true
	ex.Path = e.Path
	ex.IsFile = e.IsFile

	abs := filepath.Join(root, filepath.FromSlash(e.Path))
	if e.IsFile {
		f, err := describeFile(abs, path.Base(e.Path))
		if err != nil {
			return Exercise{}, err
		}
		ex.Files = append(ex.Files, f)
	} else {
		err := filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p == abs {
				return nil
			}
			if skipName(d.Name()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(abs, p)
			if err != nil {
				return err
			}
			f, err := describeFile(p, filepath.ToSlash(rel))
			if err != nil {
				return err
			}
			ex.Files = append(ex.Files, f)
			return nil
		})
		if err != nil {
			return Exercise{}, ErrIndexing("failed to walk " + e.Path).SetDebug(err)
		}
	}
	sort.Slice(ex.Files, func(i, j int) bool { return ex.Files[i].Path < ex.Files[j].Path })

	for _, want := range def.ExpectedFiles {
		if !hasFile(ex.Files, want) {
			ex.MissingFiles = append(ex.MissingFiles, want)
		}
	}
	return ex, nil
}

func describeFile(abs, rel string) (File, error) {
	mtype, err := mimetype.DetectFile(abs)
	if err != nil {
		return File{}, ErrIndexing("unreadable file " + rel).SetDebug(err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return File{}, ErrIndexing("unreadable file " + rel).SetDebug(err)
	}
	return File{Path: rel, Size: info.Size(), Mime: mtype.String()}, nil
}

// hasFile matches an expected file by relative path or by base name.
func hasFile(files []File, want string) bool {
	for _, f := range files {
		if f.Path == want || path.Base(f.Path) == want {
			return true
		}
	}
	return false
}
