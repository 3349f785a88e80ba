package params

import (
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"isochrone/internal/errs"
)

// Domain validates Fields against one schema.
type Domain struct {
	schema *Schema
	v      *validator.Validate
	trans  ut.Translator
}

var defaultDomain = sync.OnceValues(func() (*Domain, error) {
	s, err := DefaultSchema()
	if err != nil {
		return nil, err
	}
	return NewDomain(s), nil
})

// Default returns the domain for the embedded schema. It is read-only and
// built on first use.
func Default() (*Domain, error) { return defaultDomain() }

// NewDomain builds a validator bound to s.
func NewDomain(s *Schema) *Domain {
	enLoc := en.New()
	uni := ut.New(enLoc, enLoc)
	trans, _ := uni.GetTranslator("en")

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		tag := fld.Tag.Get("json")
		if idx := strings.Index(tag, ","); idx >= 0 {
			tag = tag[:idx]
		}
		if tag == "" || tag == "-" {
			return fld.Name
		}
		return tag
	})
	_ = en_translations.RegisterDefaultTranslations(v, trans)

	d := &Domain{schema: s, v: v, trans: trans}
	v.RegisterStructValidation(d.checkKind, Fields{})

	registerMessage(v, trans, "range", "{0} must be within {1}")
	registerMessage(v, trans, "choice", "{0} must be one of {1}")
	registerMessage(v, trans, "unused", "{0} does not apply to {1} requests")
	registerMessage(v, trans, "max_isochrones", "{0} expands to more than {1} isochrones")
	registerMessage(v, trans, "unknown_setting", "{0} is not a field of the service form")
	registerMessage(v, trans, "own_field", "{0} is set through its own request field")
	registerMessage(v, trans, "duplicate_setting", "{0} names the same field as {1}")
	registerMessage(v, trans, "static", "{0} is fixed at {1}")
	return d
}

// Schema returns the form schema the domain checks against.
func (d *Domain) Schema() *Schema { return d.schema }

// Build validates f and returns the immutable Set.
func (d *Domain) Build(f Fields) (*Set, error) {
	f = normalize(f)
	if err := d.v.Struct(f); err != nil {
		return nil, d.toError(err)
	}
	return newSet(d.schema, f), nil
}

func (d *Domain) toError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		constraint := fe.Tag()
		if fe.Param() != "" {
			constraint += "=" + fe.Param()
		}
		return errs.Validation(fe.Field(), constraint, fe.Translate(d.trans))
	}
	return errs.Validation("", "invalid", err.Error())
}

// checkKind applies the rules that depend on Kind and on the schema domain.
func (d *Domain) checkKind(sl validator.StructLevel) {
	f := sl.Current().Interface().(Fields)

	switch f.Kind {
	case Single:
		d.within(sl, f.Age, "age", "Age", "isoc_age")
		d.within(sl, f.Metallicity, "metallicity", "Metallicity", "isoc_zeta")
		d.unused(sl, f, "log_age_min", "LogAgeMin", f.LogAgeMin)
		d.unused(sl, f, "log_age_max", "LogAgeMax", f.LogAgeMax)
		d.unused(sl, f, "log_age_step", "LogAgeStep", f.LogAgeStep)
		d.unused(sl, f, "z_min", "ZMin", f.ZMin)
		d.unused(sl, f, "z_max", "ZMax", f.ZMax)
		d.unused(sl, f, "z_step", "ZStep", f.ZStep)
	case AgeGrid:
		d.within(sl, f.Metallicity, "metallicity", "Metallicity", "isoc_zeta0")
		d.within(sl, f.LogAgeMin, "log_age_min", "LogAgeMin", "isoc_lage0")
		d.within(sl, f.LogAgeMax, "log_age_max", "LogAgeMax", "isoc_lage1")
		d.within(sl, f.LogAgeStep, "log_age_step", "LogAgeStep", "isoc_dlage")
		d.ordered(sl, f.LogAgeMin, f.LogAgeMax, f.LogAgeStep, "log_age_max", "LogAgeMax", "log_age_min")
		d.unused(sl, f, "age", "Age", f.Age)
		d.unused(sl, f, "z_min", "ZMin", f.ZMin)
		d.unused(sl, f, "z_max", "ZMax", f.ZMax)
		d.unused(sl, f, "z_step", "ZStep", f.ZStep)
	case MetallicityGrid:
		d.within(sl, f.Age, "age", "Age", "isoc_age0")
		d.within(sl, f.ZMin, "z_min", "ZMin", "isoc_z0")
		d.within(sl, f.ZMax, "z_max", "ZMax", "isoc_z1")
		d.within(sl, f.ZStep, "z_step", "ZStep", "isoc_dz")
		d.ordered(sl, f.ZMin, f.ZMax, f.ZStep, "z_max", "ZMax", "z_min")
		d.unused(sl, f, "metallicity", "Metallicity", f.Metallicity)
		d.unused(sl, f, "log_age_min", "LogAgeMin", f.LogAgeMin)
		d.unused(sl, f, "log_age_max", "LogAgeMax", f.LogAgeMax)
		d.unused(sl, f, "log_age_step", "LogAgeStep", f.LogAgeStep)
	default:
		return
	}

	if f.PhotSystem != "" {
		d.choice(sl, f.PhotSystem, "photometric_system", "PhotSystem", "photsys_file")
	}
	if f.Model != "" {
		d.choice(sl, f.Model, "model", "Model", "isoc_kind")
	}
	d.within(sl, f.ExtinctionAV, "extinction_av", "ExtinctionAV", "extinction_av")
	d.settings(sl, f.Settings)
}

// settings checks each extra form field against the schema. Keys are visited
// in sorted order so the reported error does not depend on map order.
func (d *Domain) settings(sl validator.StructLevel, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seen := make(map[string]string, len(keys))
	for _, key := range keys {
		raw := m[key]
		name, ok := d.schema.Resolve(key)
		switch {
		case !ok:
			sl.ReportError(raw, key, "Settings", "unknown_setting", "")
			continue
		case ownFields[name]:
			sl.ReportError(raw, key, "Settings", "own_field", "")
			continue
		}
		if prev, dup := seen[name]; dup {
			sl.ReportError(raw, key, "Settings", "duplicate_setting", prev)
			continue
		}
		seen[name] = key

		if err := d.schema.Check(name, raw); err == nil {
			continue
		}
		switch d.schema.Fields[name].Kind {
		case FieldRange:
			lo, hi, _ := d.schema.Bounds(name)
			sl.ReportError(raw, key, "Settings", "range", formatFloat(lo)+".."+formatFloat(hi))
		case FieldChoices:
			sl.ReportError(raw, key, "Settings", "choice", strings.Join(d.schema.Choices(name), " "))
		default:
			sl.ReportError(raw, key, "Settings", "static", d.schema.Default(name))
		}
	}
}

// within requires v to be set (except for extinction, where 0 is valid) and
// inside the schema bounds of key.
func (d *Domain) within(sl validator.StructLevel, v float64, name, structName, key string) {
	lo, hi, ok := d.schema.Bounds(key)
	if !ok {
		return
	}
	if v == 0 && lo > 0 {
		sl.ReportError(v, name, structName, "required", "")
		return
	}
	if v < lo || v > hi {
		sl.ReportError(v, name, structName, "range", formatFloat(lo)+".."+formatFloat(hi))
	}
}

func (d *Domain) choice(sl validator.StructLevel, v, name, structName, key string) {
	if err := d.schema.Check(key, v); err != nil {
		sl.ReportError(v, name, structName, "choice", strings.Join(d.schema.Choices(key), " "))
	}
}

func (d *Domain) ordered(sl validator.StructLevel, lo, hi, step float64, name, structName, other string) {
	if hi < lo {
		sl.ReportError(hi, name, structName, "gtefield", other)
		return
	}
	if step > 0 && gridCount(lo, hi, step) > maxGridCount {
		sl.ReportError(step, name, structName, "max_isochrones", formatFloat(maxGridCount))
	}
}

func (d *Domain) unused(sl validator.StructLevel, f Fields, name, structName string, v float64) {
	if v != 0 {
		sl.ReportError(v, name, structName, "unused", string(f.Kind))
	}
}

func registerMessage(v *validator.Validate, trans ut.Translator, tag, text string) {
	_ = v.RegisterTranslation(tag, trans,
		func(ut ut.Translator) error {
			return ut.Add(tag, text, true)
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			msg, _ := ut.T(tag, fe.Field(), fe.Param())
			return msg
		},
	)
}
