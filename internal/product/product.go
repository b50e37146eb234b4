// Package product describes the model products the fetcher knows about:
// where their files live, which forecast hours and members exist, which
// messages to keep and how outputs are named.
package product

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/withObsrvr/grib-fetcher/internal/cycle"
	"github.com/withObsrvr/grib-fetcher/internal/index"
	"github.com/withObsrvr/grib-fetcher/internal/selector"
)

var (
	// ErrUnknownProduct is returned when a product name is not registered.
	ErrUnknownProduct = errors.New("unknown product")

	// ErrInvalidDefinition is returned for an incomplete product definition.
	ErrInvalidDefinition = errors.New("invalid product definition")
)

// PolicyNBMQMD selects messages with the NBM QMD hour policy.
const PolicyNBMQMD = "nbm-qmd"

// OptionWarmApparentTemp makes the NBM QMD policy also select apparent
// temperature exceedance probabilities.
const OptionWarmApparentTemp = "warm_apparent_temp"

// Hours describes forecast hours as an inclusive stepped range, an explicit
// list, or both.
type Hours struct {
	From int   `yaml:"from"`
	To   int   `yaml:"to"`
	Step int   `yaml:"step"`
	List []int `yaml:"list"`
}

// Expand returns the forecast hours in ascending order without duplicates.
func (h Hours) Expand() []int {
	seen := make(map[int]bool)
	var out []int
	add := func(v int) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}

	if h.To > 0 || h.From > 0 {
		step := h.Step
		if step <= 0 {
			step = 1
		}
		for v := h.From; v <= h.To; v += step {
			add(v)
		}
	}
	for _, v := range h.List {
		add(v)
	}

	sort.Ints(out)
	return out
}

// Definition is the configuration form of a product.
type Definition struct {
	Name          string                `yaml:"name"`
	Cycles        []int                 `yaml:"cycles"`
	Lag           time.Duration         `yaml:"lag"`
	CycleLag      map[int]time.Duration `yaml:"cycle_lag"`
	FHRWidth      int                   `yaml:"fhr_width"`
	Hours         Hours                 `yaml:"hours"`
	Members       []string              `yaml:"members"`
	URLs          []string              `yaml:"urls"`
	IndexExt      string                `yaml:"index_ext"`
	Output        string                `yaml:"output"`
	Patterns      []string              `yaml:"patterns"`
	Policy        string                `yaml:"policy"`
	PolicyOptions []string              `yaml:"policy_options"`
	Vars          map[string]string     `yaml:"vars"`
	Disabled      bool                  `yaml:"disabled"`
}

// Unit is one artifact to produce: a run, a forecast hour and optionally an
// ensemble member.
type Unit struct {
	Run    cycle.Run
	FHR    int
	Member string
}

// Key identifies the unit in logs and file names.
func (u Unit) Key() string {
	k := fmt.Sprintf("%s/%s/f%03d", u.Run.Product, u.Run.Time().Format("2006010215"), u.FHR)
	if u.Member != "" {
		k += "/" + u.Member
	}
	return k
}

// Product is a compiled, immutable product definition.
type Product struct {
	name     string
	schedule cycle.Schedule
	width    int
	hours    []int
	members  []string
	vars     map[string]string
	indexExt string
	urls     []*template.Template
	output   *template.Template
	patterns *selector.Patterns
	policy   string
	warmAPT  bool
}

// templateData is exposed to URL and output templates.
type templateData struct {
	Date    string // YYYYMMDD
	Cycle   string // two digits
	FHR     string // zero padded to the product width
	Hour    int
	Member  string
	Product string
	Vars    map[string]string
}

// Compile validates a definition and builds a Product.
func Compile(def Definition) (*Product, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidDefinition)
	}
	if len(def.URLs) == 0 {
		return nil, fmt.Errorf("%w: %s has no url templates", ErrInvalidDefinition, def.Name)
	}
	if def.Output == "" {
		return nil, fmt.Errorf("%w: %s has no output template", ErrInvalidDefinition, def.Name)
	}

	sched, err := cycle.NewSchedule(def.Cycles, def.Lag)
	if err != nil {
		return nil, fmt.Errorf("product %s: %w", def.Name, err)
	}
	if sched, err = sched.WithCycleLags(def.CycleLag); err != nil {
		return nil, fmt.Errorf("product %s: %w", def.Name, err)
	}

	p := &Product{
		name:     def.Name,
		schedule: sched,
		width:    def.FHRWidth,
		hours:    def.Hours.Expand(),
		members:  append([]string(nil), def.Members...),
		vars:     make(map[string]string, len(def.Vars)),
		indexExt: def.IndexExt,
		policy:   def.Policy,
	}
	if p.width <= 0 {
		p.width = 3
	}
	if p.indexExt == "" {
		p.indexExt = ".idx"
	}
	for k, v := range def.Vars {
		p.vars[k] = v
	}

	for i, u := range def.URLs {
		t, err := template.New(fmt.Sprintf("%s-url-%d", def.Name, i)).Option("missingkey=error").Parse(u)
		if err != nil {
			return nil, fmt.Errorf("product %s url template %d: %w", def.Name, i, err)
		}
		p.urls = append(p.urls, t)
	}
	if p.output, err = template.New(def.Name + "-output").Option("missingkey=error").Parse(def.Output); err != nil {
		return nil, fmt.Errorf("product %s output template: %w", def.Name, err)
	}

	switch def.Policy {
	case "":
		if len(def.Patterns) == 0 {
			return nil, fmt.Errorf("%w: %s needs patterns or a policy", ErrInvalidDefinition, def.Name)
		}
		if len(p.hours) == 0 {
			return nil, fmt.Errorf("%w: %s has no forecast hours", ErrInvalidDefinition, def.Name)
		}
	case PolicyNBMQMD:
		for _, c := range sched.Cycles() {
			if _, err := selector.HoursFor(c); err != nil {
				return nil, fmt.Errorf("product %s: %w", def.Name, err)
			}
		}
	default:
		return nil, fmt.Errorf("%w: %s has unknown policy %q", ErrInvalidDefinition, def.Name, def.Policy)
	}

	for _, opt := range def.PolicyOptions {
		if def.Policy != PolicyNBMQMD || opt != OptionWarmApparentTemp {
			return nil, fmt.Errorf("%w: %s has unknown policy option %q", ErrInvalidDefinition, def.Name, opt)
		}
		p.warmAPT = true
	}

	if len(def.Patterns) > 0 {
		if p.patterns, err = selector.NewPatterns(def.Patterns...); err != nil {
			return nil, fmt.Errorf("product %s: %w", def.Name, err)
		}
	}

	// Render once so template mistakes surface at startup.
	probe := Unit{Run: cycle.NewRun(def.Name, time.Unix(0, 0), sched.Cycles()[0]), FHR: 1}
	if len(p.members) > 0 {
		probe.Member = p.members[0]
	}
	if _, err := p.URLs(probe); err != nil {
		return nil, err
	}
	if _, err := p.OutputName(probe); err != nil {
		return nil, err
	}

	return p, nil
}

// Name returns the product name.
func (p *Product) Name() string {
	return p.name
}

// Schedule returns the product's cycle schedule.
func (p *Product) Schedule() cycle.Schedule {
	return p.schedule
}

// Members returns the ensemble members, empty for deterministic products.
func (p *Product) Members() []string {
	return append([]string(nil), p.members...)
}

// Hours returns the forecast hours wanted for a cycle.
func (p *Product) Hours(cyc int) ([]int, error) {
	if p.policy == PolicyNBMQMD {
		pol, err := selector.HoursFor(cyc)
		if err != nil {
			return nil, err
		}
		hours := pol.Hours()
		if len(p.hours) > 0 {
			hours = intersect(hours, p.hours)
		}
		return hours, nil
	}
	return append([]int(nil), p.hours...), nil
}

// Selector returns the message selector for a cycle. A policy and patterns
// combine with OR.
func (p *Product) Selector(cyc int) (selector.Selector, error) {
	if p.policy == PolicyNBMQMD {
		pol, err := selector.HoursFor(cyc)
		if err != nil {
			return nil, err
		}
		if p.warmAPT {
			pol = pol.WithWarmApparentTemp()
		}
		if p.patterns == nil {
			return pol, nil
		}
		pats := p.patterns
		return selector.Func(func(fhr int, e index.Entry) bool {
			return pol.Match(fhr, e) || pats.Match(fhr, e)
		}), nil
	}
	return p.patterns, nil
}

// Units expands a run into one unit per forecast hour and member.
func (p *Product) Units(run cycle.Run, hours []int) []Unit {
	var units []Unit
	for _, h := range hours {
		if len(p.members) == 0 {
			units = append(units, Unit{Run: run, FHR: h})
			continue
		}
		for _, m := range p.members {
			units = append(units, Unit{Run: run, FHR: h, Member: m})
		}
	}
	return units
}

func (p *Product) data(u Unit) templateData {
	return templateData{
		Date:    u.Run.YMD(),
		Cycle:   u.Run.CC(),
		FHR:     fmt.Sprintf("%0*d", p.width, u.FHR),
		Hour:    u.FHR,
		Member:  u.Member,
		Product: p.name,
		Vars:    p.vars,
	}
}

func render(t *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// URLs renders the candidate GRIB URLs in priority order.
func (p *Product) URLs(u Unit) ([]string, error) {
	d := p.data(u)
	out := make([]string, 0, len(p.urls))
	for _, t := range p.urls {
		s, err := render(t, d)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// IndexURL returns the sidecar index URL for a GRIB URL.
func (p *Product) IndexURL(gribURL string) string {
	return IndexURL(gribURL, p.indexExt)
}

// IndexURL appends ext to the path of gribURL, keeping any query string.
func IndexURL(gribURL, ext string) string {
	if i := strings.IndexByte(gribURL, '?'); i >= 0 {
		return gribURL[:i] + ext + gribURL[i:]
	}
	return gribURL + ext
}

// OutputName renders the artifact file name.
func (p *Product) OutputName(u Unit) (string, error) {
	name, err := render(p.output, p.data(u))
	if err != nil {
		return "", err
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: output name %q for %s", ErrInvalidDefinition, name, u.Key())
	}
	return name, nil
}

// RunDir returns the directory holding a run's artifacts under root.
func RunDir(root string, run cycle.Run) string {
	return filepath.Join(root, run.Product, run.YMD(), run.CC())
}

// OutputPath returns the artifact path under root.
func (p *Product) OutputPath(root string, u Unit) (string, error) {
	name, err := p.OutputName(u)
	if err != nil {
		return "", err
	}
	return filepath.Join(RunDir(root, u.Run), name), nil
}

// intersect returns the values of a that are also in b, in a's order.
func intersect(a, b []int) []int {
	in := make(map[int]bool, len(b))
	for _, v := range b {
		in[v] = true
	}
	var out []int
	for _, v := range a {
		if in[v] {
			out = append(out, v)
		}
	}
	return out
}
