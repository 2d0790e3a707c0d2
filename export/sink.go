package export

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/programme-lv/grader/s3bucket"
	"github.com/programme-lv/grader/srvcerror"
)

// Sink stores rendered feedback and returns where the document went.
type Sink interface {
	Store(ctx context.Context, res Result) (string, error)
}

func documentName(mediaType string) string {
	if mediaType == MediaTypePDF {
		return "feedback.pdf"
	}
	return "feedback.out"
}

func checkStudent(student string) error {
	if student == "" || !filepath.IsLocal(student) || strings.ContainsAny(student, `/\`) {
		return srvcerror.ErrInvalidInput(fmt.Sprintf("'%s' cannot be used as an export name", student))
	}
	return nil
}

// FSSink writes <Dir>/<student>/feedback.md and the typeset document.
type FSSink struct {
	Dir string
}

func (s FSSink) Store(ctx context.Context, res Result) (string, error) {
	if err := checkStudent(res.Student); err != nil {
		return "", err
	}
	dir := filepath.Join(s.Dir, res.Student)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export dir: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, "feedback.md"), res.Markup); err != nil {
		return "", err
	}
	target := filepath.Join(dir, documentName(res.MediaType))
	if err := writeAtomic(target, res.Document); err != nil {
		return "", err
	}
	return target, nil
}

func writeAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", target, err)
	}
	return nil
}

// S3Sink uploads under <Prefix>/<student>/.
type S3Sink struct {
	Bucket *s3bucket.S3Bucket
	Prefix string
}

func (s S3Sink) Store(ctx context.Context, res Result) (string, error) {
	if err := checkStudent(res.Student); err != nil {
		return "", err
	}
	base := path.Join(s.Prefix, res.Student)
	if _, err := s.Bucket.Upload(ctx, res.Markup, path.Join(base, "feedback.md"), MediaTypeMarkdown); err != nil {
		return "", err
	}
	return s.Bucket.Upload(ctx, res.Document, path.Join(base, documentName(res.MediaType)), res.MediaType)
}
