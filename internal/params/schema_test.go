package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSchemaLoads(t *testing.T) {
	s, err := DefaultSchema()
	require.NoError(t, err)
	assert.Equal(t, "cmd_2.7", s.Version)

	name, ok := s.Resolve("photsys")
	require.True(t, ok)
	assert.Equal(t, "photsys_file", name)

	lo, hi, ok := s.Bounds("metallicity")
	require.True(t, ok)
	assert.Equal(t, 0.0001, lo)
	assert.Equal(t, 0.06, hi)

	assert.Equal(t, "tab_mag_odfnew/tab_mag_ubvrijhk.dat", s.Defaults().Get("photsys_file"))
}

func TestSchemaCheck(t *testing.T) {
	s, err := DefaultSchema()
	require.NoError(t, err)

	assert.NoError(t, s.Check("isoc_zeta", "0.02"))
	assert.Error(t, s.Check("isoc_zeta", "5"))
	assert.Error(t, s.Check("isoc_zeta", "abc"))
	assert.NoError(t, s.Check("model", "gi10a"))
	assert.Error(t, s.Check("model", "yale"))
	assert.Error(t, s.Check("submit_form", "Go"), "static fields cannot be overridden")
	assert.Error(t, s.Check("no_such_field", "1"))
}

func TestParseSchemaRejectsBadDefaults(t *testing.T) {
	_, err := ParseSchema([]byte(`
version = "x"
[fields.isoc_zeta]
kind = "range"
default = "1.0"
range = [0.0001, 0.06]
`))
	assert.Error(t, err)

	_, err = ParseSchema([]byte(`
version = "x"
[fields.a]
kind = "static"
alias = "dup"
default = "1"
[fields.b]
kind = "static"
alias = "dup"
default = "1"
`))
	assert.Error(t, err)

	_, err = ParseSchema([]byte(`version = "empty"`))
	assert.Error(t, err)
}
