package affinity

import (
	"math"
	"strconv"
	"strings"

	"github.com/turtacn/ic50bert/pkg/errors"
)

// Dataset is the record projection of a Table. Columns are resolved and every
// target parsed when the Dataset is built, so At is a pure lookup.
type Dataset struct {
	records []Record
	columns Columns
}

// NewDataset binds cols against the table header. A missing column is a
// schema error; an unparseable or non-finite target is reported with its row.
func NewDataset(t *Table, cols Columns) (*Dataset, error) {
	if t == nil {
		return nil, errors.SchemaError("nil table")
	}
	idx := make(map[string]int, 3)
	var missing []string
	for _, name := range []string{cols.Ligand, cols.Protein, cols.Target} {
		i := t.ColumnIndex(name)
		if i < 0 {
			missing = append(missing, strconv.Quote(name))
			continue
		}
		idx[name] = i
	}
	if len(missing) > 0 {
		return nil, errors.SchemaError("expected column not found").
			WithDetailf("missing %s; header is %s", strings.Join(missing, ", "), strings.Join(t.Header, "|"))
	}

	li, pi, ti := idx[cols.Ligand], idx[cols.Protein], idx[cols.Target]
	records := make([]Record, len(t.Rows))
	for row, cells := range t.Rows {
		target, err := strconv.ParseFloat(strings.TrimSpace(cells[ti]), 64)
		if err != nil || math.IsNaN(target) || math.IsInf(target, 0) {
			return nil, errors.New(errors.ErrCodeTargetNotNumeric, "target value is not numeric").
				WithDetailf("row %d column %q value %q", row, cols.Target, cells[ti])
		}
		records[row] = Record{Ligand: cells[li], Protein: cells[pi], Target: target}
	}
	return &Dataset{records: records, columns: cols}, nil
}

// FromRecords builds a Dataset directly, mainly for tests and synthetic runs.
func FromRecords(records []Record) *Dataset {
	out := make([]Record, len(records))
	copy(out, records)
	return &Dataset{records: out}
}

// Len is the number of rows of the backing table.
func (d *Dataset) Len() int { return len(d.records) }

// At returns the record at position i in [0, Len()).
func (d *Dataset) At(i int) (Record, error) {
	if i < 0 || i >= len(d.records) {
		return Record{}, errors.IndexError(i, len(d.records))
	}
	return d.records[i], nil
}

// Columns reports the column binding the Dataset was built with.
func (d *Dataset) Columns() Columns { return d.columns }
