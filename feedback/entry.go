package feedback

import (
	"fmt"
	"math"
	"time"
)

type Status string

const (
	StatusNotStarted  Status = "NOT_STARTED"
	StatusSubmitted   Status = "SUBMITTED"
	StatusProvisional Status = "PROVISIONAL_MARK"
	StatusFinal       Status = "FINAL_MARK"
	StatusResubmitted Status = "RESUBMITTED"
	StatusAbsent      Status = "ABSENT"
	StatusSick        Status = "SICK"
)

var Statuses = []Status{
	StatusNotStarted,
	StatusSubmitted,
	StatusProvisional,
	StatusFinal,
	StatusResubmitted,
	StatusAbsent,
	StatusSick,
}

func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Corrected reports whether a reviewer has marked the exercise.
func (s Status) Corrected() bool {
	return s == StatusFinal || s == StatusProvisional
}

type Key struct {
	Student  string `json:"student"`
	Exercise string `json:"exercise"`
}

func (k Key) String() string {
	return k.Student + "/" + k.Exercise
}

// SourceRef points an applied code at lines of a submitted file.
type SourceRef struct {
	File      string `json:"file"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// AppliedCode is a catalog code attached to an entry. Delta is captured when
// the code is first applied (or overridden) and never follows later catalog
// edits.
type AppliedCode struct {
	CodeID     string     `json:"code_id"`
	Delta      float64    `json:"delta"`
	Overridden bool       `json:"overridden,omitempty"`
	Count      int        `json:"count"`
	Source     *SourceRef `json:"source,omitempty"`
}

type Entry struct {
	Student          string        `json:"student"`
	Exercise         string        `json:"exercise"`
	Comment          string        `json:"comment"`
	Codes            []AppliedCode `json:"codes"`
	ManualAdjustment float64       `json:"manual_adjustment"`
	MaxPoints        float64       `json:"max_points"`
	TotalPoints      float64       `json:"total_points"`
	Status           Status        `json:"status"`
	Grader           string        `json:"grader,omitempty"`
	Revision         int           `json:"revision"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func (e Entry) Key() Key {
	return Key{Student: e.Student, Exercise: e.Exercise}
}

// Recompute derives TotalPoints from the entry's inputs.
func (e *Entry) Recompute() {
	e.TotalPoints = Total(e.Codes, e.ManualAdjustment, e.MaxPoints)
}

// References reports whether the entry applies codeID.
func (e Entry) References(codeID string) bool {
	for _, c := range e.Codes {
		if c.CodeID == codeID {
			return true
		}
	}
	return false
}

// Total awards max points and applies the code deltas and the manual
// adjustment on top: clamp(max + sum(delta*count) + manual, 0, max), rounded
// to 1/10000 of a point.
func Total(codes []AppliedCode, manual, max float64) float64 {
	sum := max + manual
	for _, c := range codes {
		count := c.Count
		if count <= 0 {
			count = 1
		}
		sum += c.Delta * float64(count)
	}
	sum = math.Round(sum*1e4) / 1e4
	if sum < 0 {
		return 0
	}
	if sum > max {
		return max
	}
	return sum
}
