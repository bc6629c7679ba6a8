// Package annotation loads and writes polygon annotation tables.
//
// A table is one CSV file per source image with at least the columns
// "Image File", "Designator" and "Vertices". Other columns are carried through
// untouched. Empty, NA and NaN cells are treated as missing values.
package annotation

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"

	"github.com/menta2k/patch-tiler/internal/utils"
)

// Column names every annotation table must carry.
const (
	ColumnImageFile  = "Image File"
	ColumnDesignator = "Designator"
	ColumnVertices   = "Vertices"
)

var (
	// ErrAmbiguousImageReference is returned when a table does not reference
	// exactly one source image.
	ErrAmbiguousImageReference = errors.New("ambiguous image reference")
	// ErrMissingColumn is returned when a required column is absent.
	ErrMissingColumn = errors.New("missing column")
)

// missing lists the cell values read as missing.
var missing = []string{"", "NA", "NaN", "nan", "<NA>", "<nil>", "null"}

const naCell = "NaN"

// Row is one annotation instance.
type Row struct {
	Index      int
	ImageFile  string
	Designator string
	// Labeled is false when the designator cell is missing.
	Labeled  bool
	Vertices string
}

// Table is an annotation table backed by a dataframe of string columns.
type Table struct {
	Name    string
	columns []string
	df      dataframe.DataFrame
	rows    int
}

// Load reads the annotation table at path.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open annotation file")
	}
	defer f.Close()

	return Read(f, path)
}

// Read parses an annotation table from r. name is used in error messages.
func Read(r io.Reader, name string) (*Table, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", name)
	}
	if len(records) == 0 {
		return nil, errors.Wrapf(ErrMissingColumn, "%s has no header", name)
	}

	// spreadsheet exports often start with a byte order mark
	records[0][0] = strings.TrimPrefix(records[0][0], "\ufeff")
	header := records[0]
	for _, col := range []string{ColumnImageFile, ColumnDesignator, ColumnVertices} {
		if !contains(header, col) {
			return nil, errors.Wrapf(ErrMissingColumn, "%s: %q", name, col)
		}
	}

	t := &Table{
		Name:    name,
		columns: append([]string(nil), header...),
		rows:    len(records) - 1,
	}
	if t.rows == 0 {
		return t, nil
	}

	t.df = dataframe.LoadRecords(records,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String),
		dataframe.NaNValues(missing),
	)
	if t.df.Err != nil {
		return nil, errors.Wrapf(t.df.Err, "load %s", name)
	}
	// blank or repeated headers come back renamed
	t.columns = t.df.Names()
	return t, nil
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return t.rows
}

// Columns returns the column names in file order.
func (t *Table) Columns() []string {
	return append([]string(nil), t.columns...)
}

// Rows returns every row in file order.
func (t *Table) Rows() []Row {
	if t.rows == 0 {
		return nil
	}

	images := t.df.Col(ColumnImageFile)
	designators := t.df.Col(ColumnDesignator)
	vertices := t.df.Col(ColumnVertices)

	rows := make([]Row, t.rows)
	for i := range rows {
		rows[i] = Row{
			Index:      i,
			ImageFile:  cell(images.Elem(i)),
			Designator: cell(designators.Elem(i)),
			Labeled:    !designators.Elem(i).IsNA(),
			Vertices:   cell(vertices.Elem(i)),
		}
	}
	return rows
}

// ImageReference returns the single source image named by the table. Rows
// with a missing image file cell are ignored.
func (t *Table) ImageReference() (string, error) {
	if t.rows == 0 {
		return "", errors.Wrapf(ErrAmbiguousImageReference, "%s has no rows", t.Name)
	}

	seen := map[string]struct{}{}
	var refs []string
	for _, e := range t.df.Col(ColumnImageFile).Records() {
		if e == naCell {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		refs = append(refs, e)
	}

	switch len(refs) {
	case 0:
		return "", errors.Wrapf(ErrAmbiguousImageReference, "%s has no image file", t.Name)
	case 1:
		return refs[0], nil
	default:
		return "", errors.Wrapf(ErrAmbiguousImageReference, "%s references %d images %q", t.Name, len(refs), refs)
	}
}

// Patch returns a new table holding the given rows, with their vertices and
// image file cells replaced. vertices and imageFiles are parallel to rows.
func (t *Table) Patch(rows []int, vertices, imageFiles []string) (*Table, error) {
	if len(rows) == 0 {
		return nil, errors.New("patch table needs at least one row")
	}
	if len(vertices) != len(rows) || len(imageFiles) != len(rows) {
		return nil, errors.Errorf("patch table: %d rows, %d vertices, %d image files",
			len(rows), len(vertices), len(imageFiles))
	}

	df := t.df.Subset(rows).
		Mutate(series.New(vertices, series.String, ColumnVertices)).
		Mutate(series.New(imageFiles, series.String, ColumnImageFile))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "subset %s", t.Name)
	}

	return &Table{
		Name:    t.Name,
		columns: t.Columns(),
		df:      df,
		rows:    len(rows),
	}, nil
}

// Records returns the header followed by every row, missing cells empty.
func (t *Table) Records() [][]string {
	records := make([][]string, 0, t.rows+1)
	records = append(records, t.Columns())
	if t.rows == 0 {
		return records
	}

	cols := make([][]string, len(t.columns))
	for i, name := range t.columns {
		cols[i] = t.df.Col(name).Records()
	}
	for r := 0; r < t.rows; r++ {
		rec := make([]string, len(cols))
		for c := range cols {
			if v := cols[c][r]; v != naCell {
				rec[c] = v
			}
		}
		records = append(records, rec)
	}
	return records
}

// Write encodes the table as CSV.
func (t *Table) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(t.Records()); err != nil {
		return errors.Wrap(err, "write csv")
	}
	return nil
}

// Save writes the table to path atomically.
func (t *Table) Save(path string) error {
	return utils.WriteFileAtomic(path, t.Write)
}

func cell(e series.Element) string {
	if e.IsNA() {
		return ""
	}
	return e.String()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
