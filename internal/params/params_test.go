package params

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isochrone/internal/errs"
)

func single(t *testing.T, opts ...Option) *Set {
	t.Helper()
	base := []Option{WithAge(1e9), WithMetallicity(0.02), WithPhotSystem(UBVRIJHK)}
	s, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return s
}

func TestFingerprintIgnoresConstructionOrder(t *testing.T) {
	a, err := New(WithAge(1e9), WithMetallicity(0.02), WithPhotSystem("UBVRIJHK"), WithKind(Single))
	require.NoError(t, err)
	b, err := New(WithKind(Single), WithPhotSystem("ubvrijhk"), WithMetallicity(0.02), WithAge(1e9))
	require.NoError(t, err)
	c, err := FromFields(Fields{PhotSystem: " UbvRijhk ", Metallicity: 0.02, Age: 1.0e9})
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Equal(t, a.Fingerprint(), c.Fingerprint())
	assert.Equal(t, a.Canonical(), c.Canonical())
	assert.Len(t, a.Fingerprint(), 64)
}

func TestFingerprintDiffersPerField(t *testing.T) {
	variants := map[string]*Set{
		"base":       single(t),
		"age":        single(t, WithAge(2e9)),
		"z":          single(t, WithMetallicity(0.019)),
		"phot":       single(t, WithPhotSystem(Gaia)),
		"model":      single(t, WithModel("parsec_CAF09_v1.1")),
		"extinction": single(t, WithExtinction(0.3)),
	}
	grid, err := New(WithKind(AgeGrid), WithMetallicity(0.02), WithLogAgeRange(9.0, 9.2, 0.1), WithPhotSystem(UBVRIJHK))
	require.NoError(t, err)
	variants["grid"] = grid

	seen := map[string]string{}
	for name, s := range variants {
		if prev, dup := seen[s.Fingerprint()]; dup {
			t.Fatalf("%s and %s share fingerprint %s", prev, name, s.Fingerprint())
		}
		seen[s.Fingerprint()] = name
	}
}

func TestFingerprintStableAcrossRuns(t *testing.T) {
	// The cache key must not depend on process state; pin one value.
	s := single(t)
	again := single(t)
	assert.Equal(t, s.Fingerprint(), again.Fingerprint())
	assert.Contains(t, s.Canonical(), "isoc_age=1e%2B09")
	assert.Contains(t, s.Canonical(), "isoc_zeta=0.02")
	assert.Contains(t, s.Canonical(), "photsys_file=tab_mag_odfnew%2Ftab_mag_ubvrijhk.dat")
}

func TestFormCarriesDefaultsAndKind(t *testing.T) {
	s := single(t)
	form := s.Form()

	assert.Equal(t, "0", form.Get("isoc_val"))
	assert.Equal(t, "parsec_CAF09_v1.2S", form.Get("isoc_kind"))
	assert.Equal(t, "Submit", form.Get("submit_form"))
	assert.Equal(t, "parsec_CAF09_v1.2S", s.Model())

	form.Set("isoc_age", "bogus")
	assert.Equal(t, "1e+09", s.Form().Get("isoc_age"), "Form must return a copy")
}

func TestValidationRejectsOutOfDomain(t *testing.T) {
	cases := []struct {
		name       string
		fields     Fields
		field      string
		constraint string
	}{
		{"metallicity too high", Fields{Age: 1e9, Metallicity: 5.0, PhotSystem: "ubvrijhk"}, "metallicity", "range=0.0001..0.06"},
		{"age missing", Fields{Metallicity: 0.02, PhotSystem: "ubvrijhk"}, "age", "required"},
		{"age negative", Fields{Age: -1, Metallicity: 0.02, PhotSystem: "ubvrijhk"}, "age", "gte=0"},
		{"age too old", Fields{Age: 2e10, Metallicity: 0.02, PhotSystem: "ubvrijhk"}, "age", "range=3.98e+06..1.35e+10"},
		{"unknown phot", Fields{Age: 1e9, Metallicity: 0.02, PhotSystem: "johnson"}, "photometric_system", ""},
		{"missing phot", Fields{Age: 1e9, Metallicity: 0.02}, "photometric_system", "required"},
		{"unknown kind", Fields{Kind: "cube", Age: 1e9, Metallicity: 0.02, PhotSystem: "ubvrijhk"}, "kind", ""},
		{"unknown model", Fields{Age: 1e9, Metallicity: 0.02, PhotSystem: "ubvrijhk", Model: "yale"}, "model", ""},
		{"stray grid field", Fields{Age: 1e9, Metallicity: 0.02, PhotSystem: "ubvrijhk", LogAgeMin: 9}, "log_age_min", "unused=single"},
		{
			"age range inverted",
			Fields{Kind: AgeGrid, Metallicity: 0.02, LogAgeMin: 9.5, LogAgeMax: 9.0, LogAgeStep: 0.1, PhotSystem: "ubvrijhk"},
			"log_age_max", "gtefield=log_age_min",
		},
		{
			"age grid without step",
			Fields{Kind: AgeGrid, Metallicity: 0.02, LogAgeMin: 9.0, LogAgeMax: 9.5, PhotSystem: "ubvrijhk"},
			"log_age_step", "required",
		},
		{
			"z range inverted",
			Fields{Kind: MetallicityGrid, Age: 1e9, ZMin: 0.02, ZMax: 0.01, ZStep: 0.001, PhotSystem: "ubvrijhk"},
			"z_max", "gtefield=z_min",
		},
		{
			"grid too large",
			Fields{Kind: MetallicityGrid, Age: 1e9, ZMin: 0.0001, ZMax: 0.06, ZStep: 0.00001, PhotSystem: "ubvrijhk"},
			"z_max", "max_isochrones=400",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromFields(tc.fields)
			require.Error(t, err)
			require.True(t, errs.Is(err, errs.KindValidation), "got %v", err)

			e, _ := errs.As(err)
			assert.Equal(t, tc.field, e.Field)
			if tc.constraint != "" {
				assert.Equal(t, tc.constraint, e.Constraint)
			}
			assert.NotEmpty(t, e.Msg)
		})
	}
}

func TestValidationMessageIsReadable(t *testing.T) {
	_, err := New(WithAge(1e9), WithMetallicity(5.0), WithPhotSystem(UBVRIJHK))
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, "metallicity must be within 0.0001..0.06", e.Msg)
}

func TestAgeGridExpansion(t *testing.T) {
	s, err := New(WithKind(AgeGrid), WithMetallicity(0.02), WithLogAgeRange(9.0, 9.2, 0.1), WithPhotSystem(UBVRIJHK))
	require.NoError(t, err)

	assert.Equal(t, 3, s.Len())
	ages := s.Ages()
	require.Len(t, ages, 3)
	assert.InDelta(t, 1e9, ages[0], 1)
	assert.InDelta(t, math.Pow(10, 9.1), ages[1], 1)
	assert.InDelta(t, math.Pow(10, 9.2), ages[2], 1e3)
	assert.Equal(t, 0.0, s.Age())
	assert.Equal(t, 0.02, s.Metallicity())

	form := s.Form()
	assert.Equal(t, "1", form.Get("isoc_val"))
	assert.Equal(t, "0.02", form.Get("isoc_zeta0"))
	assert.Equal(t, "9", form.Get("isoc_lage0"))
	assert.Equal(t, "9.2", form.Get("isoc_lage1"))
	assert.Equal(t, "0.1", form.Get("isoc_dlage"))
}

func TestMetallicityGridExpansion(t *testing.T) {
	s, err := New(WithKind(MetallicityGrid), WithAge(5e9), WithMetallicityRange(0.01, 0.03, 0.01), WithPhotSystem(Sloan))
	require.NoError(t, err)

	assert.Equal(t, 3, s.Len())
	zs := s.Metallicities()
	require.Len(t, zs, 3)
	assert.InDelta(t, 0.03, zs[2], 1e-12)
	assert.Equal(t, "2", s.Form().Get("isoc_val"))
	assert.Equal(t, "5e+09", s.Form().Get("isoc_age0"))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("1")
	require.NoError(t, err)
	assert.Equal(t, AgeGrid, k)

	k, err = ParseKind("Metallicity-Grid")
	require.NoError(t, err)
	assert.Equal(t, MetallicityGrid, k)

	_, err = ParseKind("cube")
	assert.Error(t, err)
}

func TestSettingsReachTheForm(t *testing.T) {
	s := single(t,
		WithSetting("carbon", "loidl01"),
		WithSetting("imf_file", "tab_imf/imf_salpeter.dat"),
		WithSetting("eta_reimers", "0.40"),
	)
	form := s.Form()
	assert.Equal(t, "loidl01", form.Get("kind_cspecmag"))
	assert.Equal(t, "tab_imf/imf_salpeter.dat", form.Get("imf_file"))
	assert.Equal(t, "0.4", form.Get("eta_reimers"))

	byName := single(t,
		WithSetting("eta_reimers", "0.4"),
		WithSetting("kind_cspecmag", "loidl01"),
		WithSetting("imf_file", "tab_imf/imf_salpeter.dat"),
	)
	assert.Equal(t, s.Fingerprint(), byName.Fingerprint(), "aliases and number spelling do not change the key")
	assert.NotEqual(t, single(t).Fingerprint(), s.Fingerprint())
}

func TestSettingsRejected(t *testing.T) {
	cases := []struct {
		name       string
		key, value string
		constraint string
	}{
		{"unknown key", "lf_maginf", "20", "unknown_setting"},
		{"own field", "photsys", "gaia", "own_field"},
		{"own field by name", "isoc_age", "1e9", "own_field"},
		{"bad choice", "mdust", "soot", "choice"},
		{"out of range", "eta_reimers", "2", "range=0..1"},
		{"static", "submit_form", "Go", "static=Submit"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := buildSingle(WithSetting(tc.key, tc.value))
			require.True(t, errs.Is(err, errs.KindValidation), "got %v", err)
			e, _ := errs.As(err)
			assert.Equal(t, tc.key, e.Field)
			assert.True(t, strings.HasPrefix(e.Constraint, tc.constraint), e.Constraint)
			assert.NotEmpty(t, e.Msg)
		})
	}

	_, err := buildSingle(WithSetting("carbon", "loidl01"), WithSetting("kind_cspecmag", "aringer09"))
	e, ok := errs.As(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "kind_cspecmag", e.Field)
	assert.Equal(t, "duplicate_setting=carbon", e.Constraint)
}

func TestEvolutionaryStagesFollowModel(t *testing.T) {
	assert.Equal(t, "1", single(t).Form().Get("output_evstage"))
	assert.Equal(t, "0", single(t, WithModel("gi10a")).Form().Get("output_evstage"))
	assert.Equal(t, "1", single(t, WithModel("gi10a"), WithSetting("output_evstage", "1")).Form().Get("output_evstage"))
}

func buildSingle(opts ...Option) (*Set, error) {
	base := []Option{WithAge(1e9), WithMetallicity(0.02), WithPhotSystem(UBVRIJHK)}
	return New(append(base, opts...)...)
}
