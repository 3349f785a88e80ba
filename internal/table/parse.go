package table

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"isochrone/internal/errs"
	"isochrone/internal/params"
)

// Parse failure reasons.
const (
	ReasonEmpty        = "empty-response"
	ReasonNoBlocks     = "no-blocks"
	ReasonBadHeader    = "bad-block-header"
	ReasonMalformedRow = "malformed-row"
)

// blockMarker opens each isochrone, e.g.
//
//	#	Isochrone  Z = 0.01520	Age =  1.0000e+09 yr
const blockMarker = "#\tIsochrone"

type line struct {
	no   int // 1-based position in the payload
	text string
}

type rawBlock struct {
	index    int
	marker   line
	columns  []string
	comments []string
	rows     []line
}

// Parse splits payload into its isochrone blocks, in payload order. set, when
// non-nil, supplies the photometric system and model recorded in each table's
// metadata. Any malformed block fails the whole payload.
func Parse(payload []byte, set *params.Set) ([]*Table, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, errs.Parse(ReasonEmpty, 0, 0, "payload is empty")
	}

	header, blocks := split(payload)
	if len(blocks) == 0 {
		return nil, errs.Parse(ReasonNoBlocks, 0, 0, "no isochrone block marker found")
	}

	out := make([]*Table, 0, len(blocks))
	for _, b := range blocks {
		t, err := b.parse(header, set)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// split groups lines into the global header and raw blocks. Column names are
// the first '#' line after a marker; later '#' lines are block comments.
func split(payload []byte) ([]string, []*rawBlock) {
	text := strings.ReplaceAll(string(payload), "\r\n", "\n")

	var (
		header []string
		blocks []*rawBlock
		cur    *rawBlock
	)
	for i, raw := range strings.Split(text, "\n") {
		ln := line{no: i + 1, text: strings.TrimRight(raw, " \t\r")}
		if strings.TrimSpace(ln.text) == "" {
			continue
		}
		switch {
		case strings.HasPrefix(ln.text, blockMarker):
			cur = &rawBlock{index: len(blocks), marker: ln}
			blocks = append(blocks, cur)
		case cur == nil:
			header = append(header, strings.TrimSpace(strings.TrimPrefix(ln.text, "#")))
		case strings.HasPrefix(ln.text, "#"):
			body := strings.TrimPrefix(ln.text, "#")
			if cur.columns == nil && len(cur.rows) == 0 {
				cur.columns = strings.Fields(body)
				continue
			}
			cur.comments = append(cur.comments, strings.TrimSpace(body))
		default:
			cur.rows = append(cur.rows, ln)
		}
	}
	return header, blocks
}

func (b *rawBlock) parse(header []string, set *params.Set) (*Table, error) {
	z, age, err := b.spec()
	if err != nil {
		return nil, err
	}

	if len(b.rows) > 0 && len(b.columns) == 0 {
		return nil, errs.Parse(ReasonBadHeader, b.index, b.rows[0].no, "data row before column header")
	}

	rows := make([][]float64, 0, len(b.rows))
	for _, ln := range b.rows {
		tokens := strings.Fields(ln.text)
		if len(tokens) != len(b.columns) {
			return nil, errs.Parse(ReasonMalformedRow, b.index, ln.no,
				fmt.Sprintf("got %d values, header has %d columns", len(tokens), len(b.columns)))
		}
		row := make([]float64, len(tokens))
		for i, tok := range tokens {
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return nil, errs.Parse(ReasonMalformedRow, b.index, ln.no,
					fmt.Sprintf("column %s: %q is not numeric", b.columns[i], tok))
			}
			row[i] = v
		}
		rows = append(rows, row)
	}

	comments := make([]string, 0, len(header)+len(b.comments))
	comments = append(comments, header...)
	comments = append(comments, b.comments...)

	meta := map[string]any{
		MetaAge:         age,
		MetaMetallicity: z,
		MetaLogAge:      math.Log10(age),
		MetaComments:    comments,
		MetaBlock:       b.index,
		MetaPhotSystem:  "",
	}
	if set != nil {
		meta[MetaPhotSystem] = string(set.PhotSystem())
		meta[MetaModel] = set.Model()
		meta[MetaExtinction] = set.ExtinctionAV()
	}

	return &Table{
		Columns: append([]string(nil), b.columns...),
		Rows:    rows,
		Meta:    meta,
	}, nil
}

// spec reads Z and age from the marker line. Its whitespace-split form is
// "# Isochrone Z = <z> Age = <age> yr".
func (b *rawBlock) spec() (z, age float64, err error) {
	f := strings.Fields(b.marker.text)
	if len(f) < 8 || f[2] != "Z" || f[5] != "Age" {
		return 0, 0, errs.Parse(ReasonBadHeader, b.index, b.marker.no, "unrecognised isochrone marker")
	}
	if z, err = strconv.ParseFloat(f[4], 64); err != nil {
		return 0, 0, errs.Parse(ReasonBadHeader, b.index, b.marker.no, fmt.Sprintf("metallicity %q", f[4]))
	}
	if age, err = strconv.ParseFloat(f[7], 64); err != nil || age <= 0 {
		return 0, 0, errs.Parse(ReasonBadHeader, b.index, b.marker.no, fmt.Sprintf("age %q", f[7]))
	}
	return z, age, nil
}
