package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isochrone/internal/params"
	"isochrone/internal/table"
)

const fakeTable = `# fake CMD output
#	Isochrone  Z = 0.02000	Age = 1.0000e+09 yr
# Zini Mini logL
0.02 0.1 -1.5
0.02 0.2 -1.1
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestFingerprintCommand(t *testing.T) {
	set, err := params.New(params.WithAge(1e9), params.WithMetallicity(0.02), params.WithPhotSystem(params.UBVRIJHK))
	require.NoError(t, err)

	out, err := run(t, "fingerprint", "--age", "1e9", "--z", "0.02", "--canonical")
	require.NoError(t, err)
	assert.Equal(t, set.Fingerprint()+"\n"+set.Canonical()+"\n", out)

	_, err = run(t, "fingerprint", "--age", "1e9", "--z", "5")
	assert.Error(t, err)

	_, err = run(t, "fingerprint", "--kind", "sideways")
	assert.Error(t, err)
}

func TestFingerprintWithSettings(t *testing.T) {
	set, err := params.New(params.WithAge(1e9), params.WithMetallicity(0.02), params.WithPhotSystem(params.UBVRIJHK),
		params.WithSetting("carbon", "loidl01"), params.WithSetting("imf_file", "tab_imf/imf_salpeter.dat"))
	require.NoError(t, err)

	out, err := run(t, "fingerprint", "--age", "1e9", "--z", "0.02",
		"--set", "carbon=loidl01", "--set", "imf_file=tab_imf/imf_salpeter.dat")
	require.NoError(t, err)
	assert.Equal(t, set.Fingerprint()+"\n", out)

	_, err = run(t, "fingerprint", "--age", "1e9", "--z", "0.02", "--set", "photsys=gaia")
	assert.Error(t, err)
}

func TestJSONEncodesNonFiniteCellsAsNull(t *testing.T) {
	tables := []*table.Table{{
		Columns: []string{"Mini", "logL"},
		Rows:    [][]float64{{0.1, math.NaN()}, {0.2, math.Inf(1)}},
		Meta:    map[string]any{table.MetaAge: 1e9, table.MetaLogAge: math.Inf(-1), table.MetaModel: "gi10a"},
	}}
	b, err := json.Marshal(jsonTables(tables))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"columns":["Mini","logL"],"rows":[[0.1,null],[0.2,null]],
		"meta":{"age":1e9,"log_age":null,"model":"gi10a"}}]`, string(b))
}

// newFakeCMD serves one canned table and counts form submissions.
func newFakeCMD(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var submits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/cmd", func(w http.ResponseWriter, _ *http.Request) {
		submits.Add(1)
		fmt.Fprint(w, `<a href="../~lgirardi/tmp/output42.dat">output42.dat</a>`)
	})
	mux.HandleFunc("/~lgirardi/tmp/output42.dat", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, fakeTable)
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, &submits
}

func TestGetAndCacheCommands(t *testing.T) {
	ts, submits := newFakeCMD(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "isochrone.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
cache:
  dir: %s
remote:
  baseURL: %s
  minInterval: 0s
logging:
  level: disabled
`, filepath.Join(dir, "cache"), ts.URL)), 0o600))

	args := []string{"--config", cfgPath, "get", "--age", "1e9", "--z", "0.02"}
	out, err := run(t, args...)
	require.NoError(t, err)
	assert.Equal(t, "# age=1e+09 Z=0.02 photsys=ubvrijhk rows=2\nZini\tMini\tlogL\n0.02\t0.1\t-1.5\n0.02\t0.2\t-1.1\n", out)

	_, err = run(t, append(args, "--format", "json")...)
	require.NoError(t, err)
	assert.Equal(t, int32(1), submits.Load(), "second get is served from the cache")

	out, err = run(t, "--config", cfgPath, "cache", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	fp := strings.Fields(lines[1])[0]
	assert.Len(t, fp, 64)

	out, err = run(t, "--config", cfgPath, "cache", "show", fp)
	require.NoError(t, err)
	assert.Equal(t, fakeTable, out)

	_, err = run(t, "--config", cfgPath, "cache", "evict", fp)
	require.NoError(t, err)
	_, err = run(t, "--config", cfgPath, "cache", "show", fp)
	assert.Error(t, err)

	_, err = run(t, append(args, "--refresh")...)
	require.NoError(t, err)
	assert.Equal(t, int32(2), submits.Load())
}
