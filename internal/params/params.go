// Package params validates isochrone requests and derives their cache
// fingerprint. A Set is immutable once built; every check runs offline
// against the embedded form schema.
package params

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Kind selects what the service computes.
type Kind string

const (
	// Single is one isochrone at one age and metallicity.
	Single Kind = "single"
	// AgeGrid is a sequence of isochrones at fixed Z over a log-age range.
	AgeGrid Kind = "age-grid"
	// MetallicityGrid is a sequence of isochrones at fixed age over a Z range.
	MetallicityGrid Kind = "metallicity-grid"
)

// isocVal is the service's isoc_val code for k.
func (k Kind) isocVal() string {
	switch k {
	case AgeGrid:
		return "1"
	case MetallicityGrid:
		return "2"
	default:
		return "0"
	}
}

// ParseKind accepts the kind names plus the service's numeric codes.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "single", "0":
		return Single, nil
	case "age-grid", "age", "1":
		return AgeGrid, nil
	case "metallicity-grid", "metallicity", "z", "2":
		return MetallicityGrid, nil
	}
	return "", fmt.Errorf("unknown isochrone kind %q", s)
}

// PhotSystem names a filter set; the supported set is the schema's
// photsys_file choices.
type PhotSystem string

const (
	UBVRIJHK    PhotSystem = "ubvrijhk"
	Bessell     PhotSystem = "bessell"
	TwoMass     PhotSystem = "2mass"
	Sloan       PhotSystem = "sloan"
	Gaia        PhotSystem = "gaia"
	HSTACSWFC   PhotSystem = "acs_wfc"
	HSTWFC3UVIS PhotSystem = "wfc3_uvis"
	PanSTARRS1  PhotSystem = "panstarrs1"
	TwoMassIRAC PhotSystem = "2mass_spitzer"
	LSST        PhotSystem = "lsst"
	DECam       PhotSystem = "decam"
	HSTWFC3IR   PhotSystem = "wfc3_ir"
)

// maxGridCount caps how many isochrones one grid request may ask for.
const maxGridCount = 400

// Fields is caller input. Zero values mean "not given"; fields that do not
// apply to Kind must be left zero.
type Fields struct {
	Kind         Kind    `json:"kind" yaml:"kind" validate:"required,oneof=single age-grid metallicity-grid"`
	Age          float64 `json:"age" yaml:"age" validate:"gte=0"`
	Metallicity  float64 `json:"metallicity" yaml:"metallicity" validate:"gte=0"`
	LogAgeMin    float64 `json:"log_age_min" yaml:"log_age_min" validate:"gte=0"`
	LogAgeMax    float64 `json:"log_age_max" yaml:"log_age_max" validate:"gte=0"`
	LogAgeStep   float64 `json:"log_age_step" yaml:"log_age_step" validate:"gte=0"`
	ZMin         float64 `json:"z_min" yaml:"z_min" validate:"gte=0"`
	ZMax         float64 `json:"z_max" yaml:"z_max" validate:"gte=0"`
	ZStep        float64 `json:"z_step" yaml:"z_step" validate:"gte=0"`
	PhotSystem   string  `json:"photometric_system" yaml:"photometric_system" validate:"required"`
	Model        string  `json:"model" yaml:"model"`
	ExtinctionAV float64 `json:"extinction_av" yaml:"extinction_av" validate:"gte=0"`

	// Settings sets any other form field by name or alias, e.g. "carbon" or
	// "imf_file". Fields covered above cannot be set here.
	Settings map[string]string `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// ownFields are the form fields Fields sets directly.
var ownFields = map[string]bool{
	"isoc_kind": true, "photsys_file": true, "isoc_val": true, "extinction_av": true,
	"isoc_age": true, "isoc_zeta": true,
	"isoc_zeta0": true, "isoc_lage0": true, "isoc_lage1": true, "isoc_dlage": true,
	"isoc_age0": true, "isoc_z0": true, "isoc_z1": true, "isoc_dz": true,
}

// Option sets one field. Options may be given in any order.
type Option func(*Fields)

func WithKind(k Kind) Option             { return func(f *Fields) { f.Kind = k } }
func WithAge(years float64) Option       { return func(f *Fields) { f.Age = years } }
func WithMetallicity(z float64) Option   { return func(f *Fields) { f.Metallicity = z } }
func WithPhotSystem(p PhotSystem) Option { return func(f *Fields) { f.PhotSystem = string(p) } }
func WithModel(m string) Option          { return func(f *Fields) { f.Model = m } }
func WithExtinction(av float64) Option   { return func(f *Fields) { f.ExtinctionAV = av } }
func WithSetting(key, value string) Option {
	return func(f *Fields) {
		if f.Settings == nil {
			f.Settings = map[string]string{}
		}
		f.Settings[key] = value
	}
}
func WithLogAgeRange(lo, hi, step float64) Option {
	return func(f *Fields) { f.LogAgeMin, f.LogAgeMax, f.LogAgeStep = lo, hi, step }
}
func WithMetallicityRange(lo, hi, step float64) Option {
	return func(f *Fields) { f.ZMin, f.ZMax, f.ZStep = lo, hi, step }
}

// Set is a validated request.
type Set struct {
	fields      Fields
	form        url.Values
	canonical   string
	fingerprint string
}

// New builds a Set from options using the default domain.
func New(opts ...Option) (*Set, error) {
	var f Fields
	for _, o := range opts {
		o(&f)
	}
	return FromFields(f)
}

// FromFields validates f against the default domain.
func FromFields(f Fields) (*Set, error) {
	d, err := Default()
	if err != nil {
		return nil, err
	}
	return d.Build(f)
}

func normalize(f Fields) Fields {
	if f.Kind == "" {
		f.Kind = Single
	} else if k, err := ParseKind(string(f.Kind)); err == nil {
		f.Kind = k
	}
	f.PhotSystem = strings.ToLower(strings.TrimSpace(f.PhotSystem))
	f.Model = strings.TrimSpace(f.Model)
	if len(f.Settings) > 0 {
		m := make(map[string]string, len(f.Settings))
		for k, v := range f.Settings {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		f.Settings = m
	}
	return f
}

func newSet(s *Schema, f Fields) *Set {
	form := s.Defaults()
	set := func(key, raw string) {
		name, _ := s.Resolve(key)
		form.Set(name, s.Render(name, raw))
	}

	set("isoc_val", f.Kind.isocVal())
	switch f.Kind {
	case Single:
		set("isoc_age", formatFloat(f.Age))
		set("isoc_zeta", formatFloat(f.Metallicity))
	case AgeGrid:
		set("isoc_zeta0", formatFloat(f.Metallicity))
		set("isoc_lage0", formatFloat(f.LogAgeMin))
		set("isoc_lage1", formatFloat(f.LogAgeMax))
		set("isoc_dlage", formatFloat(f.LogAgeStep))
	case MetallicityGrid:
		set("isoc_age0", formatFloat(f.Age))
		set("isoc_z0", formatFloat(f.ZMin))
		set("isoc_z1", formatFloat(f.ZMax))
		set("isoc_dz", formatFloat(f.ZStep))
	}
	set("photsys_file", f.PhotSystem)
	if f.Model != "" {
		set("isoc_kind", f.Model)
	}
	set("extinction_av", formatFloat(f.ExtinctionAV))
	set("output_evstage", evstage(form.Get("isoc_kind")))

	keys := make([]string, 0, len(f.Settings))
	for k := range f.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		raw := f.Settings[k]
		if name, _ := s.Resolve(k); s.Fields[name].Kind == FieldRange {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				raw = formatFloat(v)
			}
		}
		set(k, raw)
	}

	canonical := form.Encode()
	sum := sha256.Sum256([]byte(canonical))
	return &Set{
		fields:      f,
		form:        form,
		canonical:   canonical,
		fingerprint: hex.EncodeToString(sum[:]),
	}
}

// Canonical is the sorted key=value serialization of the full form.
func (s *Set) Canonical() string { return s.canonical }

// Fingerprint is the hex SHA-256 of Canonical; it is the cache key.
func (s *Set) Fingerprint() string { return s.fingerprint }

// Form returns a copy of the form to submit.
func (s *Set) Form() url.Values {
	out := make(url.Values, len(s.form))
	for k, v := range s.form {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (s *Set) Kind() Kind             { return s.fields.Kind }
func (s *Set) PhotSystem() PhotSystem { return PhotSystem(s.fields.PhotSystem) }
func (s *Set) ExtinctionAV() float64  { return s.fields.ExtinctionAV }

// Model is the evolution track set, resolved to the schema default if unset.
func (s *Set) Model() string { return s.form.Get("isoc_kind") }

// Age is the fixed age in years; zero for age grids.
func (s *Set) Age() float64 {
	if s.fields.Kind == AgeGrid {
		return 0
	}
	return s.fields.Age
}

// Metallicity is the fixed Z; zero for metallicity grids.
func (s *Set) Metallicity() float64 {
	if s.fields.Kind == MetallicityGrid {
		return 0
	}
	return s.fields.Metallicity
}

// Ages lists the ages in years the request expands to, ascending.
func (s *Set) Ages() []float64 {
	if s.fields.Kind != AgeGrid {
		return []float64{s.fields.Age}
	}
	logs := steps(s.fields.LogAgeMin, s.fields.LogAgeMax, s.fields.LogAgeStep)
	out := make([]float64, len(logs))
	for i, la := range logs {
		out[i] = math.Pow(10, la)
	}
	return out
}

// Metallicities lists the Z values the request expands to, ascending.
func (s *Set) Metallicities() []float64 {
	if s.fields.Kind != MetallicityGrid {
		return []float64{s.fields.Metallicity}
	}
	return steps(s.fields.ZMin, s.fields.ZMax, s.fields.ZStep)
}

// Len is the number of isochrones the request expands to.
func (s *Set) Len() int {
	switch s.fields.Kind {
	case AgeGrid:
		return gridCount(s.fields.LogAgeMin, s.fields.LogAgeMax, s.fields.LogAgeStep)
	case MetallicityGrid:
		return gridCount(s.fields.ZMin, s.fields.ZMax, s.fields.ZStep)
	default:
		return 1
	}
}

func (s *Set) String() string {
	return fmt.Sprintf("%s %s %s", s.fields.Kind, s.fields.PhotSystem, s.fingerprint[:12])
}

// evstage asks for evolutionary stage labels, which only PARSEC tracks carry.
func evstage(model string) string {
	if strings.Contains(strings.ToLower(model), "parsec") {
		return "1"
	}
	return "0"
}

// gridCount tolerates float error so that lo + n*step == hi counts hi.
func gridCount(lo, hi, step float64) int {
	if step <= 0 || hi < lo {
		return 0
	}
	return int(math.Floor((hi-lo)/step+1e-9)) + 1
}

func steps(lo, hi, step float64) []float64 {
	n := gridCount(lo, hi, step)
	out := make([]float64, n)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}
