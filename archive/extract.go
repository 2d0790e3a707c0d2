package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/programme-lv/grader/logger"
	"github.com/programme-lv/grader/srvcerror"
	"golang.org/x/sync/singleflight"
)

// MetaFileName is written at the top of every extraction directory.
const MetaFileName = ".extraction.json"

var checksumRegexp = regexp.MustCompile(`^[0-9a-f]{64}$`)

// junk entries produced by archivers and file managers
var junkNames = map[string]bool{
	"__MACOSX":  true,
	".DS_Store": true,
	"Thumbs.db": true,
}

// IsJunk reports whether name is archiver or file-manager debris.
func IsJunk(name string) bool {
	return junkNames[name] || strings.HasPrefix(name, "._")
}

type Limits struct {
	MaxArchiveBytes int64
	MaxTotalBytes   int64
	MaxFileBytes    int64
	MaxEntries      int
}

// Upload is an archive handed over by the upload collaborator. A non-empty
// Student marks a single student's bundle.
type Upload struct {
	Data    []byte
	Student string
}

// Extraction is a committed archive. Checksum keys the extraction: the
// SHA-256 of the archive bytes for cohort uploads, and of the student id
// and the bytes for single-student bundles.
type Extraction struct {
	Checksum  string    `json:"checksum"`
	Dir       string    `json:"-"`
	Roots     []string  `json:"-"`
	RelRoots  []string  `json:"roots"`
	Student   string    `json:"student,omitempty"`
	Format    string    `json:"format"`
	Files     int       `json:"files"`
	Bytes     int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// LevelFunc reports whether dir is a meaningful level of the submission
// tree, at which unwrapping of single wrapper directories stops.
type LevelFunc func(dir string) bool

type Extractor struct {
	baseDir string
	limits  Limits
	sfGroup singleflight.Group

	isCohortRoot LevelFunc
	isStudentDir LevelFunc
	check        CheckFunc
}

// CheckFunc inspects a staged extraction before it is committed. An error
// discards the extraction.
type CheckFunc func(ctx context.Context, staged Extraction) error

type Option func(*Extractor)

// WithRootDetection enables unwrapping of wrapper directories. Without it
// the extraction directory itself is the root.
func WithRootDetection(isCohortRoot, isStudentDir LevelFunc) Option {
	return func(e *Extractor) {
		e.isCohortRoot = isCohortRoot
		e.isStudentDir = isStudentDir
	}
}

// WithCommitCheck runs check on every new extraction before it is renamed
// into place.
func WithCommitCheck(check CheckFunc) Option {
	return func(e *Extractor) {
		e.check = check
	}
}

func NewExtractor(baseDir string, limits Limits, opts ...Option) *Extractor {
	e := &Extractor{baseDir: baseDir, limits: limits}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Key returns the checksum the upload is extracted under. The same bytes
// uploaded for two students are two extractions.
func Key(up Upload) string {
	if up.Student == "" {
		return Checksum(up.Data)
	}
	h := sha256.New()
	h.Write([]byte(up.Student))
	h.Write([]byte{0})
	h.Write(up.Data)
	return hex.EncodeToString(h.Sum(nil))
}

// Extract unpacks the upload into <baseDir>/<checksum>. Extracting a
// checksum that is already present returns the stored extraction.
// Concurrent extracts of one checksum share a single unpack that outlives
// the cancellation of any one caller.
func (e *Extractor) Extract(ctx context.Context, up Upload) (Extraction, error) {
	log := logger.FromContext(ctx)

	if len(up.Data) == 0 {
		return Extraction{}, ErrMalformedArchive("archive is empty")
	}
	if e.limits.MaxArchiveBytes > 0 && int64(len(up.Data)) > e.limits.MaxArchiveBytes {
		return Extraction{}, ErrArchiveTooLarge("archive size", e.limits.MaxArchiveBytes)
	}
	if up.Student != "" && !isSafeName(up.Student) {
		return Extraction{}, srvcerror.ErrInvalidInput(
			fmt.Sprintf("student identifier '%s' is not a valid directory name", up.Student))
	}

	checksum := Key(up)
	log.Debug("extracting archive", "checksum", checksum, "bytes", len(up.Data), "student", up.Student)

	shareCtx := context.WithoutCancel(ctx)
	ch := e.sfGroup.DoChan(checksum, func() (interface{}, error) {
		return e.extractOnce(shareCtx, checksum, up)
	})
	select {
	case <-ctx.Done():
		return Extraction{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Extraction{}, res.Err
		}
		if res.Shared {
			log.Debug("extraction shared with concurrent caller", "checksum", checksum)
		}
		return res.Val.(Extraction), nil
	}
}

func (e *Extractor) extractOnce(ctx context.Context, checksum string, up Upload) (Extraction, error) {
	log := logger.FromContext(ctx)
	finalDir := filepath.Join(e.baseDir, checksum)

	existing, err := e.Get(checksum)
	if err == nil {
		log.Info("archive already extracted", "checksum", checksum)
		return existing, nil
	}
	if !srvcerror.HasCode(err, ErrCodeArchiveNotFound) {
		return Extraction{}, err
	}

	format, err := detectFormat(up.Data)
	if err != nil {
		return Extraction{}, ErrMalformedArchive("unrecognized format").SetDebug(err)
	}

	if err := os.MkdirAll(e.baseDir, 0o755); err != nil {
		return Extraction{}, fmt.Errorf("failed to create archives dir: %w", err)
	}
	tmpDir, err := os.MkdirTemp(e.baseDir, ".tmp-"+checksum[:12]+"-")
	if err != nil {
		return Extraction{}, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(tmpDir)
		}
	}()

	stageDir := tmpDir
	if up.Student != "" {
		stageDir = filepath.Join(tmpDir, ".stage")
		if err := os.Mkdir(stageDir, 0o755); err != nil {
			return Extraction{}, fmt.Errorf("failed to create stage dir: %w", err)
		}
	}

	files, total, err := e.unpack(ctx, format, up.Data, stageDir)
	if err != nil {
		return Extraction{}, err
	}

	var relRoot string
	if up.Student != "" {
		inner, err := unwrapSingleDirs(stageDir, e.isStudentDir)
		if err != nil {
			return Extraction{}, err
		}
		if err := os.Rename(filepath.Join(stageDir, inner), filepath.Join(tmpDir, up.Student)); err != nil {
			return Extraction{}, fmt.Errorf("failed to place student bundle: %w", err)
		}
		if err := os.RemoveAll(stageDir); err != nil {
			return Extraction{}, fmt.Errorf("failed to remove stage dir: %w", err)
		}
		relRoot = "."
	} else {
		relRoot, err = unwrapSingleDirs(tmpDir, e.isCohortRoot)
		if err != nil {
			return Extraction{}, err
		}
	}

	ext := Extraction{
		Checksum:  checksum,
		RelRoots:  []string{filepath.ToSlash(relRoot)},
		Student:   up.Student,
		Format:    format,
		Files:     files,
		Bytes:     total,
		CreatedAt: time.Now().UTC(),
	}
	meta, err := json.MarshalIndent(ext, "", "  ")
	if err != nil {
		return Extraction{}, fmt.Errorf("failed to marshal extraction meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, MetaFileName), meta, 0o644); err != nil {
		return Extraction{}, fmt.Errorf("failed to write extraction meta: %w", err)
	}

	if e.check != nil {
		staged := ext
		staged.Dir = tmpDir
		staged.Roots = absRoots(tmpDir, ext.RelRoots)
		if err := e.check(ctx, staged); err != nil {
			log.Info("extraction rejected", "checksum", checksum, "error", err)
			return Extraction{}, err
		}
	}

	if err := os.Rename(tmpDir, finalDir); err != nil {
		// another process may have won the race for the same checksum
		if existing, getErr := e.Get(checksum); getErr == nil {
			return existing, nil
		}
		return Extraction{}, fmt.Errorf("failed to commit extraction: %w", err)
	}
	committed = true

	log.Info("archive extracted",
		"checksum", checksum, "format", format, "files", files, "bytes", total)
	return e.Get(checksum)
}

func (e *Extractor) unpack(ctx context.Context, format string, data []byte, dest string) (int, int64, error) {
	log := logger.FromContext(ctx)

	entries, err := openEntries(format, data)
	if err != nil {
		return 0, 0, ErrMalformedArchive("unreadable container").SetDebug(err)
	}
	defer entries.close()

	var files, count int
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		ent, err := entries.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, 0, ErrMalformedArchive("corrupt entry").SetDebug(err)
		}
		count++
		if e.limits.MaxEntries > 0 && count > e.limits.MaxEntries {
			return 0, 0, ErrArchiveTooLarge("entry count", int64(e.limits.MaxEntries))
		}

		rel, err := sanitizeEntryName(ent.name)
		if err != nil {
			return 0, 0, ErrMalformedArchive(err.Error())
		}
		if rel == "" {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))

		switch ent.kind {
		case kindDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return 0, 0, ErrMalformedArchive("conflicting entry " + rel).SetDebug(err)
			}
		case kindFile:
			if e.limits.MaxFileBytes > 0 && ent.size > e.limits.MaxFileBytes {
				return 0, 0, ErrArchiveTooLarge("file "+rel, e.limits.MaxFileBytes)
			}
			n, err := e.writeFile(ent, target, e.limits.MaxTotalBytes-total)
			if err != nil {
				return 0, 0, err
			}
			total += n
			files++
		case kindSymlink, kindHardlink:
			if err := checkLink(rel, ent); err != nil {
				return 0, 0, ErrMalformedArchive(err.Error())
			}
			log.Debug("skipping link entry", "name", rel, "target", ent.linkname)
		default:
			log.Debug("skipping special entry", "name", rel, "mode", ent.mode.String())
		}
	}
	return files, total, nil
}

func (e *Extractor) writeFile(ent entry, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, ErrMalformedArchive("conflicting entry " + ent.name).SetDebug(err)
	}
	rc, err := ent.open()
	if err != nil {
		return 0, ErrMalformedArchive("unreadable entry " + ent.name).SetDebug(err)
	}
	defer rc.Close()

	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, ErrMalformedArchive("conflicting entry " + ent.name).SetDebug(err)
	}
	defer f.Close()

	limit, limited := e.limits.MaxFileBytes, e.limits.MaxFileBytes > 0
	if e.limits.MaxTotalBytes > 0 && (!limited || budget < limit) {
		limit, limited = max(budget, 0), true
	}
	var src io.Reader = rc
	if limited {
		src = io.LimitReader(rc, limit+1)
	}
	n, err := io.Copy(f, src)
	if err != nil {
		return 0, ErrMalformedArchive("truncated entry " + ent.name).SetDebug(err)
	}
	if limited && n > limit {
		if e.limits.MaxFileBytes > 0 && n > e.limits.MaxFileBytes {
			return 0, ErrArchiveTooLarge("file "+ent.name, e.limits.MaxFileBytes)
		}
		return 0, ErrArchiveTooLarge("extracted size", e.limits.MaxTotalBytes)
	}
	return n, nil
}

// Get loads a committed extraction by checksum.
func (e *Extractor) Get(checksum string) (Extraction, error) {
	if !checksumRegexp.MatchString(checksum) {
		return Extraction{}, ErrArchiveNotFound(checksum)
	}
	dir := filepath.Join(e.baseDir, checksum)
	raw, err := os.ReadFile(filepath.Join(dir, MetaFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Extraction{}, ErrArchiveNotFound(checksum)
		}
		return Extraction{}, fmt.Errorf("failed to read extraction meta: %w", err)
	}
	var ext Extraction
	if err := json.Unmarshal(raw, &ext); err != nil {
		return Extraction{}, fmt.Errorf("failed to parse extraction meta: %w", err)
	}
	ext.Dir = dir
	ext.Roots = absRoots(dir, ext.RelRoots)
	return ext, nil
}

func absRoots(dir string, rel []string) []string {
	res := make([]string, 0, len(rel))
	for _, r := range rel {
		res = append(res, filepath.Join(dir, filepath.FromSlash(r)))
	}
	return res
}

// List returns all committed extractions ordered by creation time.
func (e *Extractor) List() ([]Extraction, error) {
	dirEntries, err := os.ReadDir(e.baseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Extraction{}, nil
		}
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}
	res := make([]Extraction, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.IsDir() || !checksumRegexp.MatchString(de.Name()) {
			continue
		}
		ext, err := e.Get(de.Name())
		if err != nil {
			continue
		}
		res = append(res, ext)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].Checksum < res[j].Checksum
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

// Purge removes a superseded extraction.
func (e *Extractor) Purge(ctx context.Context, checksum string) error {
	if _, err := e.Get(checksum); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(e.baseDir, checksum)); err != nil {
		return fmt.Errorf("failed to purge archive: %w", err)
	}
	logger.FromContext(ctx).Info("archive purged", "checksum", checksum)
	return nil
}

func sanitizeEntryName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" {
		return "", nil
	}
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) || hasVolume(name) {
		return "", fmt.Errorf("absolute path %q", name)
	}
	clean := path.Clean(name)
	if clean == "." {
		return "", nil
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q escapes the destination", name)
	}
	return clean, nil
}

func hasVolume(name string) bool {
	return len(name) >= 2 && name[1] == ':' &&
		((name[0] >= 'a' && name[0] <= 'z') || (name[0] >= 'A' && name[0] <= 'Z'))
}

// checkLink rejects links whose target leaves the archive tree.
func checkLink(rel string, ent entry) error {
	target := strings.ReplaceAll(ent.linkname, "\\", "/")
	if target == "" {
		return fmt.Errorf("link %q has an empty target", rel)
	}
	if strings.HasPrefix(target, "/") || hasVolume(target) {
		return fmt.Errorf("link %q points to absolute path %q", rel, ent.linkname)
	}
	var resolved string
	if ent.kind == kindHardlink {
		resolved = path.Clean(target)
	} else {
		resolved = path.Join(path.Dir(rel), target)
	}
	if resolved == ".." || strings.HasPrefix(resolved, "../") {
		return fmt.Errorf("link %q escapes the destination via %q", rel, ent.linkname)
	}
	return nil
}

const maxUnwrapDepth = 4

// unwrapSingleDirs descends through directories that are the only
// meaningful entry of their parent until isLevel accepts the current one.
// It returns the path relative to dir; a nil isLevel disables unwrapping.
func unwrapSingleDirs(dir string, isLevel LevelFunc) (string, error) {
	rel := "."
	if isLevel == nil {
		return rel, nil
	}
	for depth := 0; depth < maxUnwrapDepth; depth++ {
		if isLevel(filepath.Join(dir, rel)) {
			return rel, nil
		}
		entries, err := os.ReadDir(filepath.Join(dir, rel))
		if err != nil {
			return "", fmt.Errorf("failed to read extracted dir: %w", err)
		}
		var meaningful []fs.DirEntry
		for _, de := range entries {
			if IsJunk(de.Name()) || de.Name() == MetaFileName {
				continue
			}
			meaningful = append(meaningful, de)
		}
		if len(meaningful) != 1 || !meaningful[0].IsDir() {
			return rel, nil
		}
		rel = filepath.Join(rel, meaningful[0].Name())
	}
	return rel, nil
}

func isSafeName(name string) bool {
	if name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.ContainsAny(name, `/\:`) && len(name) <= 128
}
