package fetcher

import (
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// CSVOptions configures taxonomy CSV decoding.
type CSVOptions struct {
	Delimiter  rune   // zero means comma
	Charset    string // IANA name for legacy encodings; empty means UTF-8
	SkipHeader bool
}

// ReadCSV decodes taxonomy rows from r, trimming whitespace per field.
// Rows may have varying widths; section headings keep their row.
func ReadCSV(r io.Reader, opts CSVOptions) ([][]string, error) {
	if opts.Charset != "" {
		enc, err := htmlindex.Get(opts.Charset)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: charset %q", opts.Charset)
		}
		r = transform.NewReader(r, enc.NewDecoder())
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	if opts.Delimiter != 0 {
		cr.Comma = opts.Delimiter
	}

	records, err := cr.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: read csv")
	}
	if opts.SkipHeader && len(records) > 0 {
		records = records[1:]
	}
	for _, rec := range records {
		for i, field := range rec {
			rec[i] = strings.TrimSpace(field)
		}
	}
	return records, nil
}

// ReadXLSX returns the rows of the workbook's first sheet as strings,
// skipping the first skip rows. Taxonomy workbooks carry their codes on
// the first sheet.
func ReadXLSX(path string, skip int) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open workbook %s", path)
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("fetcher: workbook %s has no sheets", path)
	}

	sheet := f.Sheets[0]
	var rows [][]string
	for i, row := range sheet.Rows {
		if i < skip {
			continue
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// DecodeXMLElements collects every element named name from r into T
// values. The decoder honors the document's declared charset, so legacy
// ISO-8859-1 exports decode without caller help.
func DecodeXMLElements[T any](r io.Reader, name string) ([]T, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: xml charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}

	var items []T
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return items, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: read xml")
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != name {
			continue
		}
		var item T
		if err := dec.DecodeElement(&item, &se); err != nil {
			return nil, eris.Wrapf(err, "fetcher: decode %s element", name)
		}
		items = append(items, item)
	}
}

// DecodeJSON decodes a single JSON document from r.
func DecodeJSON[T any](r io.Reader) (*T, error) {
	var doc T
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "fetcher: decode json")
	}
	return &doc, nil
}
