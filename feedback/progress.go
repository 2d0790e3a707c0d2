package feedback

type Progress struct {
	Total     int            `json:"total"`
	Corrected int            `json:"corrected"`
	Percent   float64        `json:"percent"`
	ByStatus  map[Status]int `json:"by_status"`
}

// ComputeProgress counts entries per status over the gradable pairs. Pairs
// without an entry are NOT_STARTED. Entries for pairs that are no longer
// gradable still count towards the total.
func ComputeProgress(entries []Entry, pairs []Key) Progress {
	p := Progress{ByStatus: make(map[Status]int, len(Statuses))}
	for _, st := range Statuses {
		p.ByStatus[st] = 0
	}
	graded := make(map[Key]bool, len(entries))
	for _, e := range entries {
		graded[e.Key()] = true
		p.ByStatus[e.Status]++
		if e.Status.Corrected() {
			p.Corrected++
		}
	}
	p.Total = len(entries)
	seen := make(map[Key]bool, len(pairs))
	for _, k := range pairs {
		if graded[k] || seen[k] {
			continue
		}
		seen[k] = true
		p.ByStatus[StatusNotStarted]++
		p.Total++
	}
	if p.Total > 0 {
		p.Percent = float64(p.Corrected) * 100 / float64(p.Total)
	}
	return p
}
