package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/programme-lv/grader/feedback"
	"github.com/programme-lv/grader/srvcerror"
)

const (
	marksPointsCol = 4
	marksStatusCol = 5
)

type Mark struct {
	Points float64
	Status feedback.Status
}

// UpdateMarks writes points and status into the rows of marks.csv whose
// submission id is a key of marks. Either every row is updated or the file
// is left untouched.
func UpdateMarks(path string, marks map[string]Mark) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read marks: %w", err)
	}
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return srvcerror.ErrInvalidInput(fmt.Sprintf("marks file is not valid csv: %v", err))
	}

	updated := make(map[string]bool, len(marks))
	for i, row := range rows {
		if len(row) == 0 || (i == 0 && strings.EqualFold(strings.TrimSpace(row[0]), "submissionid")) {
			continue
		}
		id := strings.TrimSpace(row[0])
		m, ok := marks[id]
		if !ok {
			continue
		}
		for len(row) <= marksStatusCol {
			row = append(row, "")
		}
		row[marksPointsCol] = FormatPoints(m.Points)
		row[marksStatusCol] = string(m.Status)
		rows[i] = row
		updated[id] = true
	}

	var missing []string
	for id := range marks {
		if !updated[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return srvcerror.ErrInvalidInput(
			fmt.Sprintf("marks file has no row for submission %s", strings.Join(missing, ", ")))
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to encode marks: %w", err)
	}
	return writeAtomic(path, buf.Bytes())
}
