package analytics

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrMethodOnRollup is returned when a method filter reaches a rollup tier.
// Source selection routes method filters to raw, so this marks a caller bug.
var ErrMethodOnRollup = errors.New("analytics: method filter is only valid on the raw tier")

// FilterSet narrows an analytic question. Zero values mean "unconstrained".
type FilterSet struct {
	Start    *time.Time
	End      *time.Time
	Service  string
	Endpoint string
	Method   string
}

// WithoutMethod returns a copy with the method filter cleared.
func (f FilterSet) WithoutMethod() FilterSet {
	f.Method = ""
	return f
}

// WhereOptions tunes predicate rendering.
type WhereOptions struct {
	// TimeColumn overrides the tier's time column.
	TimeColumn string
	// Qualifier prefixes every column, e.g. "r" renders r.service.
	Qualifier string
	// ArgOffset shifts placeholder numbering; the first clause uses $ArgOffset+1.
	ArgOffset int
}

// BuildWhere renders f as a WHERE clause with positional placeholders for the
// given tier. It returns an empty clause and no args when f is empty.
func BuildWhere(f FilterSet, tier Tier, opts WhereOptions) (string, []any, error) {
	if f.Method != "" && tier != TierRaw {
		return "", nil, ErrMethodOnRollup
	}
	timeCol := opts.TimeColumn
	if timeCol == "" {
		timeCol = tier.TimeColumn()
	}
	col := func(name string) string {
		if opts.Qualifier == "" {
			return name
		}
		return opts.Qualifier + "." + name
	}

	var (
		clauses []string
		args    []any
	)
	add := func(column, op string, value any) {
		args = append(args, value)
		clauses = append(clauses, col(column)+" "+op+" $"+strconv.Itoa(opts.ArgOffset+len(args)))
	}
	if f.Start != nil {
		add(timeCol, ">=", f.Start.UTC())
	}
	if f.End != nil {
		add(timeCol, "<=", f.End.UTC())
	}
	if f.Service != "" {
		add("service", "=", f.Service)
	}
	if f.Endpoint != "" {
		add("endpoint", "=", f.Endpoint)
	}
	if f.Method != "" {
		add("method", "=", f.Method)
	}
	if len(clauses) == 0 {
		return "", nil, nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args, nil
}
