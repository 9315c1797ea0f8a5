package rel

import (
	"fmt"
	"regexp"
	"strings"
)

var notIdentChar = regexp.MustCompile(`[^a-z0-9_]+`)

// sanitize lowercases an annotation and strips anything that isn't a valid
// SQL bare identifier character, so annotations like "%Owner-Id" become
// "owner_id".
func sanitize(annot string) string {
	s := strings.ToLower(annot)
	s = notIdentChar.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "_"
	}
	return s
}

// pathName joins accumulated pair-field segments into one dotted name
// (spec §4.2 "nested annotations become column-name prefixes dotted with
// '.'").
func pathName(prefix []string) string { return strings.Join(prefix, ".") }

// MaxIdentifierLength is PostgreSQL's default NAMEDATALEN-1 limit. Synth
// returns a NameTooLongError for any table or column name that exceeds it,
// before any DDL is rendered, per spec §4.2 "Failure modes".
const MaxIdentifierLength = 63

// NameTooLongError is the fatal configuration error spec §4.2 describes:
// "surfaced as a fatal configuration error."
type NameTooLongError struct {
	Kind string // "table" or "column"
	Name string
}

func (e *NameTooLongError) Error() string {
	return fmt.Sprintf("rel: %s name %q (%d bytes) exceeds PostgreSQL's %d byte identifier limit",
		e.Kind, e.Name, len(e.Name), MaxIdentifierLength)
}

// nameRegistry dedupes identifiers "preserving insertion order" (spec
// §4.2 "Naming"): the first use of a name keeps it; every subsequent
// collision gets a numeric suffix in the order it was encountered.
type nameRegistry struct {
	seen map[string]int
}

func newNameRegistry() *nameRegistry { return &nameRegistry{seen: map[string]int{}} }

func (r *nameRegistry) unique(name string) string {
	r.seen[name]++
	if n := r.seen[name]; n > 1 {
		return fmt.Sprintf("%s_%d", name, n)
	}
	return name
}

// checkIdentifierLengths validates every table and column name in a
// RelModel against MaxIdentifierLength, returning the first violation.
func checkIdentifierLengths(m *RelModel) error {
	for _, t := range m.Tables {
		if len(t.Name) > MaxIdentifierLength {
			return &NameTooLongError{Kind: "table", Name: t.Name}
		}
		for _, c := range t.Columns {
			if len(c.Name) > MaxIdentifierLength {
				return &NameTooLongError{Kind: "column", Name: c.Name}
			}
		}
	}
	return nil
}
