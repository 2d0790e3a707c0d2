package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/programme-lv/grader/logger"
)

// Typesetter turns Markdown into the final document.
type Typesetter interface {
	Typeset(ctx context.Context, markup []byte) ([]byte, error)
}

type TypesetFunc func(ctx context.Context, markup []byte) ([]byte, error)

func (f TypesetFunc) Typeset(ctx context.Context, markup []byte) ([]byte, error) {
	return f(ctx, markup)
}

// Permanent marks a typesetting error that must not be retried.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// PandocTypesetter renders PDF through pandoc and a LaTeX engine.
type PandocTypesetter struct {
	Bin       string
	PdfEngine string
	MainFont  string
	MonoFont  string
	Timeout   time.Duration
}

func (p PandocTypesetter) args(in, out string) []string {
	args := []string{
		in,
		"--from=markdown",
		"--output=" + out,
		"--pdf-engine=" + p.PdfEngine,
		"-V", "geometry:margin=2.5cm",
		"-V", "fontsize=12pt",
	}
	if p.MainFont != "" {
		args = append(args, "-V", "mainfont="+p.MainFont)
	}
	if p.MonoFont != "" {
		args = append(args, "-V", "monofont="+p.MonoFont)
	}
	return args
}

func (p PandocTypesetter) Typeset(ctx context.Context, markup []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "grader-export-")
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to create work dir: %w", err))
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "feedback.md")
	out := filepath.Join(dir, "feedback.pdf")
	if err := os.WriteFile(in, markup, 0o600); err != nil {
		return nil, Permanent(fmt.Errorf("failed to write markup: %w", err))
	}

	runCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, p.Bin, p.args(in, out)...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	logger.FromContext(ctx).Debug("ran typesetter",
		"bin", p.Bin, "engine", p.PdfEngine, "duration", time.Since(start), "error", err)
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		switch {
		case errors.Is(err, exec.ErrNotFound):
			return nil, Permanent(fmt.Errorf("%s is not installed: %w", p.Bin, err))
		case ctx.Err() != nil:
			return nil, Permanent(ctx.Err())
		case runCtx.Err() != nil:
			return nil, fmt.Errorf("%s timed out after %s", p.Bin, p.Timeout)
		default:
			return nil, fmt.Errorf("%s failed: %w: %s", p.Bin, err, msg)
		}
	}

	pdf, err := os.ReadFile(out)
	if err != nil {
		return nil, Permanent(fmt.Errorf("%s produced no output: %w", p.Bin, err))
	}
	return pdf, nil
}
