package artifact

import (
	"fmt"
	"slices"
	"strings"
)

// TableScope is the set of tables an artifact or request covers. The empty
// scope means every table. Entries are "db.table" or "db.*".
type TableScope []string

// All returns the unrestricted scope.
func All() TableScope { return nil }

// ParseTableScope parses a comma separated list of table patterns.
func ParseTableScope(s string) (TableScope, error) {
	var out TableScope
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "*" || part == "*.*" {
			return All(), nil
		}
		db, table, ok := strings.Cut(part, ".")
		if !ok || db == "" || table == "" || db == "*" {
			return nil, fmt.Errorf("table pattern %q must be db.table or db.*", part)
		}
		out = append(out, part)
	}
	return NewTableScope(out...), nil
}

// NewTableScope returns a sorted, de-duplicated scope.
func NewTableScope(tables ...string) TableScope {
	if len(tables) == 0 {
		return nil
	}
	out := slices.Clone(tables)
	slices.Sort(out)
	return slices.Compact(out)
}

// IsAll reports whether s is unrestricted.
func (s TableScope) IsAll() bool { return len(s) == 0 }

// Equal reports whether both scopes name the same tables.
func (s TableScope) Equal(other TableScope) bool {
	return slices.Equal(NewTableScope(s...), NewTableScope(other...))
}

// Covers reports whether s is a superset of other.
func (s TableScope) Covers(other TableScope) bool {
	if s.IsAll() {
		return true
	}
	if other.IsAll() {
		return false
	}
	for _, want := range other {
		if !s.matches(want) {
			return false
		}
	}
	return true
}

func (s TableScope) matches(pattern string) bool {
	wantDB, wantTable, _ := strings.Cut(pattern, ".")
	for _, have := range s {
		db, table, _ := strings.Cut(have, ".")
		if db != wantDB {
			continue
		}
		if table == "*" || table == wantTable {
			return true
		}
	}
	return false
}

// Databases returns the distinct database names referenced by s.
func (s TableScope) Databases() []string {
	var dbs []string
	for _, t := range s {
		db, _, _ := strings.Cut(t, ".")
		dbs = append(dbs, db)
	}
	slices.Sort(dbs)
	return slices.Compact(dbs)
}

func (s TableScope) String() string {
	if s.IsAll() {
		return "*"
	}
	return strings.Join(s, ",")
}
