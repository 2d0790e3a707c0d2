package export

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/programme-lv/grader/feedback"
)

// Document is the intermediate form of one student's feedback.
type Document struct {
	Student     string
	DisplayName string
	Sheet       string
	Sections    []Section
	Points      float64
	MaxPoints   float64
}

type Section struct {
	Exercise         string
	Title            string
	Status           feedback.Status
	Comment          string
	Codes            []CodeLine
	ManualAdjustment float64
	Points           float64
	MaxPoints        float64
	RunningPoints    float64
	RunningMax       float64
}

type CodeLine struct {
	ID          string
	Label       string
	Description string
	Delta       float64
	Count       int
	Excerpt     *Excerpt
}

// Excerpt is a slice of a submitted file. Missing is set when the file
// could not be read as text; Lines is then empty.
type Excerpt struct {
	File      string
	StartLine int
	EndLine   int
	Lines     []string
	Truncated bool
	Missing   bool
}

// FormatPoints prints points with at most two decimals and no trailing
// zeros.
func FormatPoints(p float64) string {
	text := strconv.FormatFloat(p, 'f', 2, 64)
	text = strings.TrimRight(text, "0")
	text = strings.TrimSuffix(text, ".")
	if text == "" || text == "-0" {
		return "0"
	}
	return text
}

func formatDelta(d float64) string {
	s := FormatPoints(d)
	if d > 0 && s != "0" {
		return "+" + s
	}
	return s
}

var fenceLangs = map[string]string{
	".py":   "python",
	".go":   "go",
	".java": "java",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".hpp":  "cpp",
	".js":   "javascript",
	".ts":   "typescript",
	".rs":   "rust",
	".sh":   "bash",
	".sql":  "sql",
	".hs":   "haskell",
	".tex":  "latex",
	".md":   "markdown",
}

// Markdown renders d. The output depends only on d.
func (d Document) Markdown() []byte {
	var b strings.Builder

	b.WriteString("---\n")
	fmt.Fprintf(&b, "title: %s\n", strconv.Quote("Feedback: "+d.DisplayName))
	fmt.Fprintf(&b, "student: %s\n", strconv.Quote(d.Student))
	if d.Sheet != "" {
		fmt.Fprintf(&b, "sheet: %s\n", strconv.Quote(d.Sheet))
	}
	b.WriteString("---\n\n")

	if d.Sheet != "" {
		fmt.Fprintf(&b, "# %s: %s\n\n", d.Sheet, d.DisplayName)
	} else {
		fmt.Fprintf(&b, "# %s\n\n", d.DisplayName)
	}

	for _, s := range d.Sections {
		writeSection(&b, s)
	}

	fmt.Fprintf(&b, "# Total: %s / %s\n", FormatPoints(d.Points), FormatPoints(d.MaxPoints))
	return []byte(b.String())
}

func writeSection(b *strings.Builder, s Section) {
	if s.Title != "" && s.Title != s.Exercise {
		fmt.Fprintf(b, "## %s: %s\n\n", s.Exercise, s.Title)
	} else {
		fmt.Fprintf(b, "## %s\n\n", s.Exercise)
	}
	fmt.Fprintf(b, "**Status:** %s\n\n", s.Status)

	comment := strings.TrimSpace(s.Comment)
	if comment == "" {
		comment = "_No comments._"
	}
	b.WriteString(comment)
	b.WriteString("\n\n")

	if len(s.Codes) > 0 {
		b.WriteString("| Code | Error | Count | Points |\n")
		b.WriteString("|------|-------|------:|-------:|\n")
		for _, c := range s.Codes {
			fmt.Fprintf(b, "| %s | %s | %d | %s |\n",
				cell(c.ID), cell(c.Label), c.Count, formatDelta(c.Delta*float64(c.Count)))
		}
		b.WriteString("\n")
		for _, c := range s.Codes {
			if c.Description == "" && c.Excerpt == nil {
				continue
			}
			fmt.Fprintf(b, "### %s: %s\n\n", c.ID, c.Label)
			if c.Description != "" {
				b.WriteString(strings.TrimSpace(c.Description))
				b.WriteString("\n\n")
			}
			if c.Excerpt != nil {
				writeExcerpt(b, *c.Excerpt)
			}
		}
	}

	if s.ManualAdjustment != 0 {
		fmt.Fprintf(b, "**Manual adjustment:** %s\n\n", formatDelta(s.ManualAdjustment))
	}
	fmt.Fprintf(b, "**Points:** %s / %s  \n", FormatPoints(s.Points), FormatPoints(s.MaxPoints))
	fmt.Fprintf(b, "**Running total:** %s / %s\n\n", FormatPoints(s.RunningPoints), FormatPoints(s.RunningMax))
	b.WriteString("---\n\n")
}

func writeExcerpt(b *strings.Builder, e Excerpt) {
	fmt.Fprintf(b, "`%s`, lines %d-%d:\n\n", e.File, e.StartLine, e.EndLine)
	if e.Missing {
		b.WriteString("_Source excerpt unavailable._\n\n")
		return
	}
	fence := "```"
	for _, l := range e.Lines {
		if strings.Contains(l, "```") {
			fence = "~~~~"
			break
		}
	}
	b.WriteString(fence)
	b.WriteString(fenceLangs[strings.ToLower(path.Ext(e.File))])
	b.WriteString("\n")
	for _, l := range e.Lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
	if e.Truncated {
		b.WriteString("...\n")
	}
	b.WriteString(fence)
	b.WriteString("\n\n")
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}
