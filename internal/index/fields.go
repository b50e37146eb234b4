package index

import "strings"

// Fields is the structured view of an entry description.
type Fields struct {
	Date      string // reference time, YYYYMMDDHH
	Var       string // variable code, e.g. "APTMP"
	Level     string // vertical level, e.g. "2 m above ground"
	TimeRange string // forecast time clause, e.g. "6-12 hour max fcst"
	Details   string // remaining clauses joined with ":"
}

// Fields splits the description into its named parts.
// Missing trailing parts are left empty.
func (e Entry) Fields() Fields {
	parts := strings.Split(e.Description, ":")
	get := func(i int) string {
		if i < len(parts) {
			return strings.TrimSpace(parts[i])
		}
		return ""
	}

	f := Fields{
		Date:      strings.TrimPrefix(get(0), "d="),
		Var:       get(1),
		Level:     get(2),
		TimeRange: get(3),
	}
	if len(parts) > 4 {
		f.Details = strings.Join(parts[4:], ":")
	}
	return f
}

// Rebase returns copies of entries with offsets rewritten for a file that
// contains only those messages laid out back to back. sizes[i] is the byte
// length of entries[i] in that file. Message numbers are renumbered from 1.
func Rebase(entries []Entry, sizes []int64) []Entry {
	out := make([]Entry, 0, len(entries))
	var offset int64
	for i, e := range entries {
		out = append(out, Entry{
			Message:     i + 1,
			Offset:      offset,
			Description: e.Description,
		})
		if i < len(sizes) {
			offset += sizes[i]
		}
	}
	return out
}
