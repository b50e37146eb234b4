// Package selector decides which inventory messages a product wants.
package selector

import (
	"fmt"
	"regexp"

	"github.com/withObsrvr/grib-fetcher/internal/index"
)

// Selector chooses messages for one forecast hour.
type Selector interface {
	Match(fhr int, e index.Entry) bool
}

// Func adapts a plain function to Selector.
type Func func(fhr int, e index.Entry) bool

// Match calls f.
func (f Func) Match(fhr int, e index.Entry) bool {
	return f(fhr, e)
}

// Patterns matches entries whose description matches any expression.
// Descriptions start with "d=YYYYMMDDHH", so anchors such as
// ":TMP:2 m above ground:" match the variable and level fields.
type Patterns struct {
	exprs []*regexp.Regexp
}

// NewPatterns compiles the given expressions.
func NewPatterns(exprs ...string) (*Patterns, error) {
	p := &Patterns{}
	for _, s := range exprs {
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", s, err)
		}
		p.exprs = append(p.exprs, re)
	}
	return p, nil
}

// Match reports whether any expression matches the entry's description.
func (p *Patterns) Match(_ int, e index.Entry) bool {
	for _, re := range p.exprs {
		if re.MatchString(e.Description) {
			return true
		}
	}
	return false
}

// Len returns the number of expressions.
func (p *Patterns) Len() int {
	return len(p.exprs)
}
