package affinity

import (
	"context"
	"encoding/csv"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/turtacn/ic50bert/pkg/errors"
)

// Table is a header plus string cells, as read from a delimited file.
type Table struct {
	Header []string
	Rows   [][]string
}

// ColumnIndex returns the position of name in the header, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, h := range t.Header {
		if h == name {
			return i
		}
	}
	return -1
}

// ReadTable parses a delimited stream whose first record is the header.
// Every row must have as many fields as the header.
func ReadTable(r io.Reader, delimiter rune) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = delimiter
	cr.LazyQuotes = true
	cr.ReuseRecord = false
	// Field count is checked below so the error carries our code.
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if stderrors.Is(err, io.EOF) {
		return nil, errors.SchemaError("input table is empty")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTableRead, "read header")
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	t := &Table{Header: header}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if stderrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeTableRead, fmt.Sprintf("read line %d", line))
		}
		if len(rec) == 1 && rec[0] == "" {
			continue
		}
		if len(rec) != len(header) {
			return nil, errors.SchemaError("row width differs from header").
				WithDetailf("line %d has %d fields, header has %d", line, len(rec), len(header))
		}
		t.Rows = append(t.Rows, rec)
	}
	return t, nil
}

// Opener opens remote table locations such as s3://bucket/key.
type Opener interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// IsRemote reports whether location names an object store path.
func IsRemote(location string) bool {
	return strings.HasPrefix(location, "s3://")
}

// OpenTable reads a table from a local path, or through remote when location
// is an object store path.
func OpenTable(ctx context.Context, location string, delimiter rune, remote Opener) (*Table, error) {
	var rc io.ReadCloser
	if IsRemote(location) {
		if remote == nil {
			return nil, errors.New(errors.ErrCodeTableRead, "no object store configured").WithDetail(location)
		}
		r, err := remote.Open(ctx, location)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeTableRead, "open "+location)
		}
		rc = r
	} else {
		f, err := os.Open(location)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeTableRead, "open "+location)
		}
		rc = f
	}
	defer rc.Close()
	return ReadTable(rc, delimiter)
}

// ParseDelimiter turns a configured delimiter into a rune. "\t" and "tab"
// both mean TAB.
func ParseDelimiter(s string) (rune, error) {
	switch s {
	case "", "\t", `\t`, "tab", "TAB":
		return '\t', nil
	case ",", "comma":
		return ',', nil
	case ";":
		return ';', nil
	case "|":
		return '|', nil
	}
	r := []rune(s)
	if len(r) != 1 || r[0] == '"' || r[0] == '\n' || r[0] == '\r' {
		return 0, errors.InvalidParam(fmt.Sprintf("unsupported delimiter %q", s))
	}
	return r[0], nil
}
