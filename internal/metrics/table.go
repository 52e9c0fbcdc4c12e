package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Row is one processed frame. Values are aligned with Table.Columns; a nil
// entry means the metric could not be computed for this frame.
type Row struct {
	FrameIndex int        `json:"frame_idx"`
	Time       float64    `json:"time_s"`
	Values     []*float64 `json:"values"`
}

// Table holds one row per processed frame.
type Table struct {
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Column returns the values of one metric in row order.
func (t *Table) Column(name string) ([]*float64, bool) {
	if t == nil {
		return nil, false
	}
	idx := -1
	for i, c := range t.Columns {
		if c == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	col := make([]*float64, len(t.Rows))
	for i, r := range t.Rows {
		if idx < len(r.Values) {
			col[i] = r.Values[idx]
		}
	}
	return col, true
}

// WriteCSV writes frame_idx, time_s and every metric column. Missing values
// are empty cells.
func (t *Table) WriteCSV(w io.Writer) error {
	if t == nil {
		t = &Table{}
	}
	cw := csv.NewWriter(w)

	header := append([]string{"frame_idx", "time_s"}, t.Columns...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	record := make([]string, len(header))
	for _, r := range t.Rows {
		record[0] = strconv.Itoa(r.FrameIndex)
		record[1] = strconv.FormatFloat(r.Time, 'f', 6, 64)
		for i := range t.Columns {
			record[i+2] = ""
			if i < len(r.Values) && r.Values[i] != nil {
				record[i+2] = strconv.FormatFloat(*r.Values[i], 'f', -1, 64)
			}
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write row %d: %w", r.FrameIndex, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// ColumnSummary describes the non-null values of one column.
type ColumnSummary struct {
	Name   string  `json:"name"`
	Valid  int     `json:"valid"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// Summary returns per-column statistics. Columns without any value report
// Valid 0 and zero statistics.
func (t *Table) Summary() []ColumnSummary {
	if t == nil {
		return []ColumnSummary{}
	}
	out := make([]ColumnSummary, 0, len(t.Columns))
	for _, name := range t.Columns {
		col, _ := t.Column(name)
		vals := present(col)

		s := ColumnSummary{Name: name, Valid: len(vals)}
		if len(vals) > 0 {
			s.Min = floats.Min(vals)
			s.Max = floats.Max(vals)
			s.Mean = stat.Mean(vals, nil)
		}
		if len(vals) > 1 {
			s.StdDev = stat.StdDev(vals, nil)
		}
		out = append(out, s)
	}
	return out
}

func present(col []*float64) []float64 {
	vals := make([]float64, 0, len(col))
	for _, v := range col {
		if v != nil {
			vals = append(vals, *v)
		}
	}
	return vals
}
