package results

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/banshee-data/dtm.report/internal/metrics"
	"github.com/banshee-data/dtm.report/internal/tilekey"
)

// Column names of the summary table.
const (
	ColFolder      = "Folder"
	ColFile        = "File"
	ColPhotons     = "nPhotons"
	ColNoise       = "Noise"
	ColRMSE        = "RMSE"
	ColR2          = "R2"
	ColBias        = "Bias"
	ColCanopyMean  = "Mean_Canopy_cover"
	ColCanopyStd   = "Std_dev_Canopy_cover"
	ColSlopeMean   = "Mean_slope"
	ColSlopeStd    = "Std_dev_slope"
	ColNoDataCount = "NoData_count"
	ColDataCount   = "Data_count"
)

// Columns returns the summary table column order. The slope pair follows
// the canopy pair when withSlope is set.
func Columns(withSlope bool) []string {
	cols := []string{ColFolder, ColFile, ColPhotons, ColNoise, ColRMSE, ColR2, ColBias, ColCanopyMean, ColCanopyStd}
	if withSlope {
		cols = append(cols, ColSlopeMean, ColSlopeStd)
	}
	return append(cols, ColNoDataCount, ColDataCount)
}

// ColumnCount is the length of one column.
type ColumnCount struct {
	Name string
	Len  int
}

// ColumnLengthError reports columns that drifted apart. It means an upstream
// component appended to some columns and not others, and the run must stop.
type ColumnLengthError struct {
	Counts []ColumnCount
}

func (e *ColumnLengthError) Error() string {
	parts := make([]string, len(e.Counts))
	for i, c := range e.Counts {
		parts[i] = fmt.Sprintf("%s=%d", c.Name, c.Len)
	}
	return "results: column lengths differ: " + strings.Join(parts, " ")
}

// SchemaError reports an input table that cannot be interpreted.
type SchemaError struct {
	Column string
	Row    int // 1-based data row, 0 for the header
	Value  string
	Err    error
}

func (e *SchemaError) Error() string {
	if e.Row == 0 {
		return fmt.Sprintf("results: column %q: %v", e.Column, e.Err)
	}
	return fmt.Sprintf("results: row %d column %q value %q: %v", e.Row, e.Column, e.Value, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

var errMissingColumn = errors.New("missing column")

// Table holds equal-length columns keyed by name, in a fixed order.
type Table struct {
	columns []string
	cells   map[string][]string
}

// NewTable returns an empty summary table.
func NewTable(withSlope bool) *Table {
	return newTable(Columns(withSlope))
}

func newTable(cols []string) *Table {
	t := &Table{columns: append([]string(nil), cols...), cells: make(map[string][]string, len(cols))}
	for _, c := range cols {
		t.cells[c] = nil
	}
	return t
}

// Columns returns the column names in output order.
func (t *Table) Columns() []string { return append([]string(nil), t.columns...) }

// HasColumn reports whether name is one of t's columns.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.cells[name]
	return ok
}

// Column returns the cells of one column.
func (t *Table) Column(name string) []string { return t.cells[name] }

// Append adds r as a new row. Columns the record does not describe receive
// an empty cell.
func (t *Table) Append(r Record) {
	vals := r.cells()
	for _, c := range t.columns {
		t.cells[c] = append(t.cells[c], vals[c])
	}
}

// AppendAll adds every record in order.
func (t *Table) AppendAll(rs []Record) {
	for _, r := range rs {
		t.Append(r)
	}
}

// Verify returns a *ColumnLengthError if the columns differ in length.
func (t *Table) Verify() error {
	if len(t.columns) == 0 {
		return nil
	}
	want := len(t.cells[t.columns[0]])
	for _, c := range t.columns[1:] {
		if len(t.cells[c]) != want {
			e := &ColumnLengthError{}
			for _, name := range t.columns {
				e.Counts = append(e.Counts, ColumnCount{Name: name, Len: len(t.cells[name])})
			}
			return e
		}
	}
	return nil
}

// Len returns the number of rows, or 0 for an inconsistent table.
func (t *Table) Len() int {
	if len(t.columns) == 0 || t.Verify() != nil {
		return 0
	}
	return len(t.cells[t.columns[0]])
}

// Row returns row i in column order.
func (t *Table) Row(i int) []string {
	row := make([]string, len(t.columns))
	for j, c := range t.columns {
		row[j] = t.cells[c][i]
	}
	return row
}

func (r Record) cells() map[string]string {
	rmse, r2, bias, nodata, data := r.metricValues()
	cm, cs := r.statValues(r.Canopy)
	sm, ss := r.statValues(r.Slope)
	return map[string]string{
		ColFolder:      r.Folder,
		ColFile:        r.File,
		ColPhotons:     strconv.Itoa(r.Condition.Photons),
		ColNoise:       strconv.Itoa(r.Condition.Noise),
		ColRMSE:        formatFloat(rmse),
		ColR2:          formatFloat(r2),
		ColBias:        formatFloat(bias),
		ColCanopyMean:  formatFloat(cm),
		ColCanopyStd:   formatFloat(cs),
		ColSlopeMean:   formatFloat(sm),
		ColSlopeStd:    formatFloat(ss),
		ColNoDataCount: formatFloat(nodata),
		ColDataCount:   formatFloat(data),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteCSV writes t with a header row. The table is verified first.
func (t *Table) WriteCSV(w io.Writer) error {
	if err := t.Verify(); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(t.columns); err != nil {
		return err
	}
	for i := 0; i < t.Len(); i++ {
		if err := cw.Write(t.Row(i)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV reads a table written by WriteCSV or by an earlier version of the
// scripts. Extra columns are kept as-is.
func ReadCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &SchemaError{Column: "", Err: errors.New("empty table")}
		}
		return nil, err
	}
	seen := map[string]bool{}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if seen[h] {
			return nil, &SchemaError{Column: h, Err: errors.New("duplicate column")}
		}
		seen[h] = true
		header[i] = h
	}
	t := newTable(header)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		for i, c := range header {
			t.cells[c] = append(t.cells[c], row[i])
		}
	}
	return t, nil
}

// Merge concatenates tables in order. Every table must carry the same set of
// column names; the first table's order is used.
func Merge(tables ...*Table) (*Table, error) {
	if len(tables) == 0 {
		return NewTable(false), nil
	}
	out := newTable(tables[0].columns)
	for i, t := range tables {
		if err := t.Verify(); err != nil {
			return nil, fmt.Errorf("merge table %d: %w", i, err)
		}
		if len(t.columns) != len(out.columns) {
			return nil, &SchemaError{Err: fmt.Errorf("table %d has %d columns, want %d", i, len(t.columns), len(out.columns))}
		}
		for _, c := range out.columns {
			col, ok := t.cells[c]
			if !ok {
				return nil, &SchemaError{Column: c, Err: fmt.Errorf("table %d: %w", i, errMissingColumn)}
			}
			out.cells[c] = append(out.cells[c], col...)
		}
	}
	return out, nil
}

// Records parses every row back into a Record. Sentinel values are mapped
// back to statuses and nil attribution.
func (t *Table) Records() ([]Record, error) {
	if err := t.Verify(); err != nil {
		return nil, err
	}
	for _, c := range Columns(false) {
		if !t.HasColumn(c) {
			return nil, &SchemaError{Column: c, Err: errMissingColumn}
		}
	}
	slope := t.HasColumn(ColSlopeMean) && t.HasColumn(ColSlopeStd)

	out := make([]Record, 0, t.Len())
	for i := 0; i < t.Len(); i++ {
		p := rowParser{t: t, row: i}
		r := Record{
			Folder: t.cells[ColFolder][i],
			File:   t.cells[ColFile][i],
			Condition: tilekey.Condition{
				Photons: p.intAt(ColPhotons),
				Noise:   p.intAt(ColNoise),
			},
			RMSE: p.floatAt(ColRMSE),
			R2:   p.floatAt(ColR2),
			Bias: p.floatAt(ColBias),
		}
		canopy := Stat{Mean: p.floatAt(ColCanopyMean), Std: p.floatAt(ColCanopyStd)}
		var slopeStat Stat
		if slope {
			slopeStat = Stat{Mean: p.floatAt(ColSlopeMean), Std: p.floatAt(ColSlopeStd)}
		}
		nodata := p.floatAt(ColNoDataCount)
		data := p.floatAt(ColDataCount)
		if p.err != nil {
			return nil, p.err
		}

		switch {
		case r.RMSE == Sentinel && r.R2 == Sentinel && r.Bias == Sentinel:
			r.Status = metrics.StatusShapeMismatch
			r.RMSE, r.R2, r.Bias = 0, 0, 0
		case canopy.Mean == DegradedMarker:
			r.Status = metrics.StatusDegraded
			r.DataCount, r.NoDataCount = int(data), int(nodata)
		default:
			r.DataCount, r.NoDataCount = int(data), int(nodata)
			r.Canopy = statOrNil(canopy)
			if slope {
				r.Slope = statOrNil(slopeStat)
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func statOrNil(s Stat) *Stat {
	if s.Mean == Sentinel {
		return nil
	}
	return &s
}

type rowParser struct {
	t   *Table
	row int
	err error
}

func (p *rowParser) floatAt(col string) float64 {
	if p.err != nil {
		return 0
	}
	s := strings.TrimSpace(p.t.cells[col][p.row])
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.err = &SchemaError{Column: col, Row: p.row + 1, Value: s, Err: err}
		return 0
	}
	return v
}

func (p *rowParser) intAt(col string) int {
	v := p.floatAt(col)
	if p.err == nil && v != float64(int(v)) {
		p.err = &SchemaError{Column: col, Row: p.row + 1, Value: p.t.cells[col][p.row], Err: errors.New("not an integer")}
	}
	return int(v)
}
