package product

import (
	"fmt"
	"sort"
	"time"
)

const (
	nbmBucket  = "https://noaa-nbm-para-pds.s3.amazonaws.com"
	nbmOpsBase = "https://noaa-nbm-pds.s3.amazonaws.com"
	rrfsBucket = "https://noaa-rrfs-pds.s3.amazonaws.com"
	nomadsHREF = "https://nomads.ncep.noaa.gov/pub/data/nccf/com/href/prod"
)

// Builtin returns the products known without any configuration.
func Builtin() []Definition {
	return []Definition{
		{
			Name:     "nbm-qmd",
			Cycles:   []int{0, 6, 12, 18},
			FHRWidth: 3,
			Policy:   PolicyNBMQMD,
			Vars:     map[string]string{"domain": "co"},
			URLs: []string{
				nbmBucket + "/blend.{{.Date}}/{{.Cycle}}/qmd/blend.t{{.Cycle}}z.qmd.f{{.FHR}}.{{.Vars.domain}}.grib2",
				nbmOpsBase + "/blend.{{.Date}}/{{.Cycle}}/qmd/blend.t{{.Cycle}}z.qmd.f{{.FHR}}.{{.Vars.domain}}.grib2",
			},
			Output: "blend.t{{.Cycle}}z.qmd.f{{.FHR}}.{{.Vars.domain}}.subset.grib2",
		},
		{
			Name:     "rrfs",
			Cycles:   []int{0, 6, 12, 18},
			FHRWidth: 3,
			Hours:    Hours{From: 0, To: 36},
			URLs: []string{
				rrfsBucket + "/rrfs_a/rrfs.{{.Date}}/{{.Cycle}}/rrfs.t{{.Cycle}}z.prslev.3km.f{{.FHR}}.conus.grib2",
			},
			Patterns: []string{
				`:REFC:`,
				`:UGRD:10 m above ground:`,
				`:VGRD:10 m above ground:`,
			},
			Output: "rrfs.{{.Date}}t{{.Cycle}}z.f{{.FHR}}.conus.grib2",
		},
		{
			Name:     "refs",
			Cycles:   []int{0, 6, 12, 18},
			FHRWidth: 2,
			Hours:    Hours{From: 1, To: 48},
			URLs: []string{
				rrfsBucket + "/rrfs_a/refs.{{.Date}}/{{.Cycle}}/enspost_timelag/refs.t{{.Cycle}}z.conus.pmmn.f{{.FHR}}.grib2",
			},
			Patterns: []string{
				`:REFC:`,
				`:UGRD:10 m above ground:`,
				`:VGRD:10 m above ground:`,
			},
			Output: "refs.{{.Date}}t{{.Cycle}}z.f{{printf \"%03d\" .Hour}}.conus.grib2",
		},
		{
			Name:     "href",
			Cycles:   []int{0, 6, 12, 18},
			CycleLag: map[int]time.Duration{18: time.Hour},
			FHRWidth: 2,
			Hours:    Hours{From: 1, To: 48},
			URLs: []string{
				nomadsHREF + "/href.{{.Date}}/ensprod/href.t{{.Cycle}}z.conus.prob.f{{.FHR}}.grib2",
			},
			Patterns: []string{
				`:10 m above ground:`,
				`:5000-2000 m above ground:`,
				`:90-0 mb above ground:`,
				`:surface:`,
				`:entire atmosphere \(considered as a single layer\):`,
			},
			Output: "href.{{.Date}}t{{.Cycle}}z.conus.prob.f{{.FHR}}.subset.grib2",
		},
	}
}

// Registry holds compiled products by name.
type Registry struct {
	products map[string]*Product
}

// NewRegistry compiles the built-in products, then applies overrides.
// An override replaces the built-in with the same name; a disabled override
// removes it.
func NewRegistry(overrides []Definition) (*Registry, error) {
	defs := make(map[string]Definition)
	for _, d := range Builtin() {
		defs[d.Name] = d
	}
	for _, d := range overrides {
		if d.Name == "" {
			return nil, fmt.Errorf("%w: product override without a name", ErrInvalidDefinition)
		}
		if d.Disabled {
			delete(defs, d.Name)
			continue
		}
		defs[d.Name] = d
	}

	r := &Registry{products: make(map[string]*Product, len(defs))}
	for name, d := range defs {
		p, err := Compile(d)
		if err != nil {
			return nil, err
		}
		r.products[name] = p
	}
	return r, nil
}

// Get returns the named product.
func (r *Registry) Get(name string) (*Product, error) {
	p, ok := r.products[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownProduct, name, r.Names())
	}
	return p, nil
}

// Names returns the registered product names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.products))
	for n := range r.products {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
