package feedback

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/programme-lv/grader/catalog"
	"github.com/programme-lv/grader/logger"
	"github.com/programme-lv/grader/sheet"
	decorator "github.com/programme-lv/grader/srvccqs"
	"github.com/programme-lv/grader/srvcerror"
)

// CodeSelection is one code the reviewer applies. A nil DeltaOverride keeps
// the captured delta (or captures the catalog default for a new code).
type CodeSelection struct {
	CodeID        string     `json:"code_id" validate:"required"`
	DeltaOverride *float64   `json:"delta_override,omitempty"`
	Count         int        `json:"count,omitempty" validate:"gte=0,lte=1000"`
	Source        *SourceRef `json:"source,omitempty"`
}

type UpsertParams struct {
	Student          string
	Exercise         string
	Comment          string
	Codes            []CodeSelection
	ManualAdjustment float64
	// BaseRevision is the revision the reviewer edited; 0 creates the entry.
	BaseRevision int
	Grader       string
	// Status defaults to the previous status, or PROVISIONAL_MARK.
	Status Status
}

type UpsertCmd decorator.QueryHandler[UpsertParams, Entry]

func NewUpsertCmd(
	getEntry func(ctx context.Context, key Key) (Entry, bool, error),
	getCode func(ctx context.Context, id string) (catalog.ErrorCode, error),
	getExercise func(name string) (sheet.Exercise, bool),
	saveEntry func(ctx context.Context, e Entry, expectedRev int) error,
	now func() time.Time,
) UpsertCmd {
	return upsertHandler{
		getEntry:    getEntry,
		getCode:     getCode,
		getExercise: getExercise,
		saveEntry:   saveEntry,
		now:         now,
	}
}

type upsertHandler struct {
	getEntry    func(ctx context.Context, key Key) (Entry, bool, error)
	getCode     func(ctx context.Context, id string) (catalog.ErrorCode, error)
	getExercise func(name string) (sheet.Exercise, bool)
	saveEntry   func(ctx context.Context, e Entry, expectedRev int) error
	now         func() time.Time
}

func (h upsertHandler) Handle(ctx context.Context, p UpsertParams) (Entry, error) {
	if err := validateParams(p); err != nil {
		return Entry{}, err
	}
	key := Key{Student: p.Student, Exercise: p.Exercise}

	def, ok := h.getExercise(p.Exercise)
	if !ok {
		return Entry{}, ErrUnknownExercise(p.Exercise)
	}

	prev, exists, err := h.getEntry(ctx, key)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to load entry: %w", err)
	}
	if p.BaseRevision != prev.Revision {
		return Entry{}, ErrConflictingRevision(key, p.BaseRevision, prev.Revision)
	}

	codes, err := h.captureCodes(ctx, prev, p.Codes)
	if err != nil {
		return Entry{}, err
	}

	status := p.Status
	if status == "" {
		status = StatusProvisional
		if exists {
			status = prev.Status
		}
	}

	e := Entry{
		Student:          p.Student,
		Exercise:         p.Exercise,
		Comment:          p.Comment,
		Codes:            codes,
		ManualAdjustment: p.ManualAdjustment,
		MaxPoints:        def.MaxPoints,
		Status:           status,
		Grader:           p.Grader,
		Revision:         prev.Revision + 1,
		UpdatedAt:        h.now().UTC(),
	}
	e.Recompute()

	if err := h.saveEntry(ctx, e, prev.Revision); err != nil {
		return Entry{}, err
	}
	logger.FromContext(ctx).Info("feedback saved",
		"student", e.Student,
		"exercise", e.Exercise,
		"revision", e.Revision,
		"total_points", e.TotalPoints)
	return e, nil
}

// captureCodes resolves every selection against the catalog. Codes carried
// over from the previous revision keep their captured delta.
func (h upsertHandler) captureCodes(ctx context.Context, prev Entry, sel []CodeSelection) ([]AppliedCode, error) {
	captured := make(map[string]AppliedCode, len(prev.Codes))
	for _, c := range prev.Codes {
		captured[c.CodeID] = c
	}

	res := make([]AppliedCode, 0, len(sel))
	for _, s := range sel {
		code, err := h.getCode(ctx, s.CodeID)
		if err != nil {
			if srvcerror.HasCode(err, catalog.ErrCodeCodeNotFound) {
				return nil, ErrUnknownErrorCode(s.CodeID)
			}
			return nil, fmt.Errorf("failed to resolve error code %s: %w", s.CodeID, err)
		}
		applied := AppliedCode{
			CodeID: code.ID,
			Delta:  code.DefaultDelta,
			Count:  max(s.Count, 1),
			Source: s.Source,
		}
		if s.DeltaOverride != nil {
			applied.Delta = *s.DeltaOverride
			applied.Overridden = true
		} else if old, ok := captured[s.CodeID]; ok && !old.Overridden {
			applied.Delta = old.Delta
		}
		res = append(res, applied)
	}
	return res, nil
}

func validateParams(p UpsertParams) error {
	if strings.TrimSpace(p.Student) == "" || strings.TrimSpace(p.Exercise) == "" {
		return srvcerror.ErrInvalidInput("student and exercise are required")
	}
	if p.BaseRevision < 0 {
		return srvcerror.ErrInvalidInput("base revision must not be negative")
	}
	if !finite(p.ManualAdjustment) {
		return srvcerror.ErrInvalidInput("manual adjustment must be a finite number")
	}
	if p.Status != "" {
		if _, err := ParseStatus(string(p.Status)); err != nil {
			return srvcerror.ErrInvalidInput(err.Error())
		}
	}
	seen := make(map[string]bool, len(p.Codes))
	for _, s := range p.Codes {
		if s.CodeID == "" {
			return srvcerror.ErrInvalidInput("applied code without an identifier")
		}
		if seen[s.CodeID] {
			return srvcerror.ErrInvalidInput(
				fmt.Sprintf("error code '%s' is applied twice; use count instead", s.CodeID))
		}
		seen[s.CodeID] = true
		if s.Count < 0 {
			return srvcerror.ErrInvalidInput("code count must not be negative")
		}
		if s.DeltaOverride != nil && !finite(*s.DeltaOverride) {
			return srvcerror.ErrInvalidInput("delta override must be a finite number")
		}
		if s.Source != nil && (s.Source.File == "" || s.Source.StartLine < 1 || s.Source.EndLine < s.Source.StartLine) {
			return srvcerror.ErrInvalidInput(
				fmt.Sprintf("source reference of '%s' must name a file and a line range", s.CodeID))
		}
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
