package indexer

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/programme-lv/grader/archive"
)

type EntryKind int

const (
	KindUnrecognized EntryKind = iota
	KindStudentDir
	KindExerciseDir
)

var kindNames = map[EntryKind]string{
	KindUnrecognized: "unrecognized",
	KindStudentDir:   "student",
	KindExerciseDir:  "exercise",
}

func (k EntryKind) String() string {
	return kindNames[k]
}

func (k EntryKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *EntryKind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown entry kind %q", text)
}

// Entry is one classified path below the index root. Downstream indexing
// only ever looks at classified entries.
type Entry struct {
	Kind     EntryKind `json:"kind"`
	Path     string    `json:"path"`
	Student  string    `json:"student,omitempty"`
	Exercise string    `json:"exercise,omitempty"`
	Group    string    `json:"group,omitempty"`
	IsFile   bool      `json:"is_file,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

func unrecognized(rel, reason string) Entry {
	return Entry{Kind: KindUnrecognized, Path: rel, Reason: reason}
}

// metadata files that may sit next to the student directories
var rootFiles = map[string]bool{
	RosterFileName: true,
	"sheet.toml":   true,
}

func skipName(name string) bool {
	return archive.IsJunk(name) || strings.HasPrefix(name, ".")
}

// Classify tags every top-level and second-level path below root.
// os.ReadDir returns names sorted, so the result is independent of
// file-system iteration order.
func (ix *Indexer) Classify(root string) ([]Entry, error) {
	children, err := os.ReadDir(root)
	if err != nil {
		return nil, ErrIndexing("root is not readable").SetDebug(err)
	}
	if ix.layout == LayoutExerciseMajor {
		return ix.classifyExerciseMajor(root, children)
	}
	return ix.classifyStudentMajor(root, children)
}

func (ix *Indexer) classifyStudentMajor(root string, children []fs.DirEntry) ([]Entry, error) {
	var out []Entry
	for _, de := range children {
		name := de.Name()
		if skipName(name) || rootFiles[name] {
			continue
		}
		if !de.IsDir() {
			out = append(out, unrecognized(name, "file outside any student directory"))
			continue
		}
		if ix.students != nil && !ix.students.MatchString(name) {
			out = append(out, unrecognized(name, "name does not match the student pattern"))
			continue
		}
		out = append(out, Entry{Kind: KindStudentDir, Path: name, Student: name})

		sub, err := os.ReadDir(filepath.Join(root, name))
		if err != nil {
			return nil, ErrIndexing("student directory is not readable: " + name).SetDebug(err)
		}
		seen := make(map[string]bool)
		for _, c := range sub {
			if skipName(c.Name()) {
				continue
			}
			rel := path.Join(name, c.Name())
			if c.Type()&fs.ModeSymlink != 0 {
				out = append(out, unrecognized(rel, "symbolic link"))
				continue
			}
			stem := c.Name()
			if !c.IsDir() {
				stem = strings.TrimSuffix(stem, path.Ext(stem))
			}
			ex, reason := ix.matchExercise(stem)
			if reason == "" && seen[ex] {
				reason = "duplicate of exercise " + ex
			}
			if reason != "" {
				out = append(out, unrecognized(rel, reason))
				continue
			}
			seen[ex] = true
			out = append(out, Entry{
				Kind:     KindExerciseDir,
				Path:     rel,
				Student:  name,
				Exercise: ex,
				IsFile:   !c.IsDir(),
			})
		}
	}
	return out, nil
}

// classifyExerciseMajor handles <exercise>/<group>_<submissionid>/ trees.
func (ix *Indexer) classifyExerciseMajor(root string, children []fs.DirEntry) ([]Entry, error) {
	var out []Entry
	for _, de := range children {
		name := de.Name()
		if skipName(name) || rootFiles[name] {
			continue
		}
		if !de.IsDir() {
			out = append(out, unrecognized(name, "file outside any exercise directory"))
			continue
		}
		ex, reason := ix.matchExercise(name)
		if reason != "" {
			out = append(out, unrecognized(name, reason))
			continue
		}

		sub, err := os.ReadDir(filepath.Join(root, name))
		if err != nil {
			return nil, ErrIndexing("exercise directory is not readable: " + name).SetDebug(err)
		}
		seen := make(map[string]bool)
		for _, c := range sub {
			if skipName(c.Name()) {
				continue
			}
			rel := path.Join(name, c.Name())
			if !c.IsDir() {
				out = append(out, unrecognized(rel, "file outside any submission directory"))
				continue
			}
			group, student := splitSubmissionDir(c.Name())
			switch {
			case student == "":
				out = append(out, unrecognized(rel, "no submission id in directory name"))
			case ix.students != nil && !ix.students.MatchString(student):
				out = append(out, unrecognized(rel, "submission id does not match the student pattern"))
			case seen[student]:
				out = append(out, unrecognized(rel, "duplicate submission "+student))
			default:
				seen[student] = true
				out = append(out, Entry{
					Kind:     KindExerciseDir,
					Path:     rel,
					Student:  student,
					Exercise: ex,
					Group:    group,
				})
			}
		}
	}
	return out, nil
}

// matchExercise returns the exercise name or a reason for rejecting it.
func (ix *Indexer) matchExercise(name string) (string, string) {
	ex, ok := ix.matcher.Match(name)
	if !ok {
		return "", "not an exercise"
	}
	if ix.sheet.HasDefinitions() {
		if _, ok := ix.sheet.Exercise(ex); !ok {
			return "", fmt.Sprintf("exercise %s is not defined in the sheet", ex)
		}
	}
	return ex, ""
}

// splitSubmissionDir splits "Person1_Person2_EMAYT2PGG4YMY" into the group
// part and the submission id after the last underscore.
func splitSubmissionDir(name string) (group, id string) {
	i := strings.LastIndex(name, "_")
	if i < 0 {
		return "", name
	}
	return strings.ReplaceAll(name[:i], "_", " "), name[i+1:]
}

// IsCohortRoot reports whether dir looks like the top of a cohort tree.
func (ix *Indexer) IsCohortRoot(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, RosterFileName)); err == nil {
		return true
	}
	children, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, de := range children {
		if !de.IsDir() || skipName(de.Name()) {
			continue
		}
		if ix.layout == LayoutExerciseMajor {
			if _, ok := ix.matcher.Match(de.Name()); ok {
				return true
			}
			continue
		}
		if ix.IsStudentDir(filepath.Join(dir, de.Name())) {
			return true
		}
	}
	return false
}

// IsStudentDir reports whether dir directly contains an exercise.
func (ix *Indexer) IsStudentDir(dir string) bool {
	children, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, de := range children {
		if skipName(de.Name()) {
			continue
		}
		stem := de.Name()
		if !de.IsDir() {
			stem = strings.TrimSuffix(stem, path.Ext(stem))
		}
		if _, ok := ix.matcher.Match(stem); ok {
			return true
		}
	}
	return false
}
