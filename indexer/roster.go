package indexer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

// RosterFileName is the course platform's marks export, one row per
// submission: submissionid,group,sheet,exercise,points,status.
const RosterFileName = "marks.csv"

// Roster maps submission ids to group display names.
type Roster map[string]string

// ReadRoster parses marks.csv. A missing file yields an empty roster.
func ReadRoster(path string) (Roster, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Roster{}, nil
		}
		return nil, fmt.Errorf("failed to open roster: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	res := Roster{}
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse roster: %w", err)
		}
		if len(row) < 2 || strings.EqualFold(row[0], "submissionid") {
			continue
		}
		id := strings.TrimSpace(row[0])
		if id == "" {
			continue
		}
		if _, dup := res[id]; !dup {
			res[id] = strings.TrimSpace(row[1])
		}
	}
	return res, nil
}
