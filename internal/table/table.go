// Package table turns CMD isochrone payloads into typed, annotated tables.
package table

// Metadata keys present on every parsed Table.
const (
	MetaAge         = "age"
	MetaMetallicity = "metallicity"
	MetaPhotSystem  = "photometric_system"
	MetaLogAge      = "log_age"
	MetaModel       = "model"
	MetaExtinction  = "extinction_av"
	MetaComments    = "comments"
	MetaBlock       = "block"
)

// Table is one isochrone. Column names are the service's own, unchanged.
type Table struct {
	Columns []string       `json:"columns"`
	Rows    [][]float64    `json:"rows"`
	Meta    map[string]any `json:"meta"`
}

// Len is the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// ColumnIndex returns the position of name, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column returns a copy of the named column.
func (t *Table) Column(name string) ([]float64, bool) {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return nil, false
	}
	out := make([]float64, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r[idx]
	}
	return out, true
}

// Row maps column names to the values of row i.
func (t *Table) Row(i int) map[string]float64 {
	if i < 0 || i >= len(t.Rows) {
		return nil
	}
	out := make(map[string]float64, len(t.Columns))
	for j, c := range t.Columns {
		out[c] = t.Rows[i][j]
	}
	return out
}

func (t *Table) Age() float64         { return t.float(MetaAge) }
func (t *Table) Metallicity() float64 { return t.float(MetaMetallicity) }

func (t *Table) PhotSystem() string {
	s, _ := t.Meta[MetaPhotSystem].(string)
	return s
}

// Comments are the payload's global header lines followed by any comment
// lines found inside this block.
func (t *Table) Comments() []string {
	c, _ := t.Meta[MetaComments].([]string)
	return c
}

func (t *Table) float(key string) float64 {
	v, _ := t.Meta[key].(float64)
	return v
}
