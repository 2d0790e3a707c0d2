package sheet

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Exercise is the shared, read-only definition of one exercise.
type Exercise struct {
	Name          string   `toml:"name" json:"name"`
	Title         string   `toml:"title" json:"title,omitempty"`
	MaxPoints     float64  `toml:"max_points" json:"max_points"`
	ExpectedFiles []string `toml:"expected_files" json:"expected_files,omitempty"`
}

// Sheet is an exercise sheet read from sheet.toml:
//
//	name = "Sheet 1"
//
//	[[exercise]]
//	name = "ex1"
//	title = "Linked lists"
//	max_points = 10
//	expected_files = ["list.c"]
type Sheet struct {
	Name      string     `toml:"name" json:"name"`
	Exercises []Exercise `toml:"exercise" json:"exercises"`

	byName map[string]int
}

func Read(path string) (*Sheet, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading sheet file: %w", err)
	}
	s, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}
	return s, nil
}

func Parse(content []byte) (*Sheet, error) {
	var s Sheet
	if err := toml.Unmarshal(content, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sheet: %w", err)
	}
	s.byName = make(map[string]int, len(s.Exercises))
	for i, ex := range s.Exercises {
		ex.Name = strings.TrimSpace(ex.Name)
		if ex.Name == "" {
			return nil, fmt.Errorf("exercise #%d has no name", i+1)
		}
		if ex.MaxPoints < 0 {
			return nil, fmt.Errorf("exercise %s has negative max_points", ex.Name)
		}
		if _, dup := s.byName[ex.Name]; dup {
			return nil, fmt.Errorf("exercise %s is defined twice", ex.Name)
		}
		s.Exercises[i] = ex
		s.byName[ex.Name] = i
	}
	return &s, nil
}

// HasDefinitions reports whether the sheet restricts the set of exercises.
func (s *Sheet) HasDefinitions() bool {
	return s != nil && len(s.Exercises) > 0
}

func (s *Sheet) Exercise(name string) (Exercise, bool) {
	if s == nil {
		return Exercise{}, false
	}
	i, ok := s.byName[name]
	if !ok {
		return Exercise{}, false
	}
	return s.Exercises[i], true
}

// Names lists exercise names in definition order.
func (s *Sheet) Names() []string {
	if s == nil {
		return nil
	}
	res := make([]string, 0, len(s.Exercises))
	for _, ex := range s.Exercises {
		res = append(res, ex.Name)
	}
	return res
}
