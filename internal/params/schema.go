package params

import (
	_ "embed"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed schema/cmd.toml
var defaultSchemaTOML []byte

// Field kinds in the form schema.
const (
	FieldStatic  = "static"
	FieldChoices = "choices"
	FieldRange   = "range"
)

// FieldSpec describes one form field accepted by the service.
type FieldSpec struct {
	Kind    string    `toml:"kind"`
	Alias   string    `toml:"alias"`
	Default string    `toml:"default"`
	Format  string    `toml:"format"`
	Choices []string  `toml:"choices"`
	Range   []float64 `toml:"range"`
}

// Schema is the versioned form contract with the remote service. Any change
// in the service's accepted field set is made in the TOML file, not in code.
type Schema struct {
	Version string               `toml:"version"`
	Fields  map[string]FieldSpec `toml:"fields"`

	aliases map[string]string
}

// ParseSchema decodes and self-checks a TOML schema.
func ParseSchema(b []byte) (*Schema, error) {
	var s Schema
	if err := toml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if len(s.Fields) == 0 {
		return nil, fmt.Errorf("schema %q has no fields", s.Version)
	}
	s.aliases = make(map[string]string)
	for name, f := range s.Fields {
		if f.Alias != "" {
			if prev, ok := s.aliases[f.Alias]; ok {
				return nil, fmt.Errorf("schema: alias %q used by %s and %s", f.Alias, prev, name)
			}
			s.aliases[f.Alias] = name
		}
		if err := s.Check(name, f.Default); err != nil {
			return nil, fmt.Errorf("schema default: %w", err)
		}
	}
	return &s, nil
}

// DefaultSchema returns the schema embedded in the binary.
func DefaultSchema() (*Schema, error) {
	return ParseSchema(defaultSchemaTOML)
}

// Resolve maps a field name or alias to the form field name.
func (s *Schema) Resolve(key string) (string, bool) {
	if _, ok := s.Fields[key]; ok {
		return key, true
	}
	name, ok := s.aliases[key]
	return name, ok
}

// Check validates a raw (unformatted) value for key.
func (s *Schema) Check(key, raw string) error {
	name, ok := s.Resolve(key)
	if !ok {
		return fmt.Errorf("unknown field %q", key)
	}
	f := s.Fields[name]
	switch f.Kind {
	case FieldStatic:
		if raw != f.Default {
			return fmt.Errorf("%s: cannot override static value %q", name, f.Default)
		}
	case FieldChoices:
		for _, c := range f.Choices {
			if c == raw {
				return nil
			}
		}
		return fmt.Errorf("%s: %q is not one of %s", name, raw, strings.Join(f.Choices, ", "))
	case FieldRange:
		if len(f.Range) != 2 {
			return fmt.Errorf("%s: range needs two bounds", name)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("%s: %q is not a number", name, raw)
		}
		if v < f.Range[0] || v > f.Range[1] {
			return fmt.Errorf("%s: %s outside %s", name, raw, s.rangeText(name))
		}
	default:
		return fmt.Errorf("%s: unknown kind %q", name, f.Kind)
	}
	return nil
}

// Bounds returns the numeric domain of a range field.
func (s *Schema) Bounds(key string) (lo, hi float64, ok bool) {
	name, found := s.Resolve(key)
	if !found {
		return 0, 0, false
	}
	f := s.Fields[name]
	if f.Kind != FieldRange || len(f.Range) != 2 {
		return 0, 0, false
	}
	return f.Range[0], f.Range[1], true
}

// Choices returns the allowed values of a choices field.
func (s *Schema) Choices(key string) []string {
	name, ok := s.Resolve(key)
	if !ok {
		return nil
	}
	return append([]string(nil), s.Fields[name].Choices...)
}

// Default returns the raw default of key.
func (s *Schema) Default(key string) string {
	name, _ := s.Resolve(key)
	return s.Fields[name].Default
}

// Render applies the field's format to a raw value.
func (s *Schema) Render(name, raw string) string {
	f := s.Fields[name]
	if f.Format == "" {
		return raw
	}
	return strings.ReplaceAll(f.Format, "{v}", raw)
}

// Defaults returns every field at its rendered default.
func (s *Schema) Defaults() url.Values {
	out := make(url.Values, len(s.Fields))
	for _, name := range s.names() {
		out.Set(name, s.Render(name, s.Fields[name].Default))
	}
	return out
}

func (s *Schema) names() []string {
	out := make([]string, 0, len(s.Fields))
	for k := range s.Fields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Schema) rangeText(name string) string {
	r := s.Fields[name].Range
	return formatFloat(r[0]) + ".." + formatFloat(r[1])
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
