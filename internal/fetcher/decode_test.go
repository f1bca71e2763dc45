package fetcher

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/charmap"
)

type taxonomyEntry struct {
	Code string `xml:"code" json:"code"`
	Name string `xml:"name" json:"name"`
}

func TestReadCSV_Defaults(t *testing.T) {
	rows, err := ReadCSV(strings.NewReader(
		"41.200,Construction of buildings\n43.910,Roofing activities\n"), CSVOptions{})
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"41.200", "Construction of buildings"},
		{"43.910", "Roofing activities"},
	}, rows)
}

func TestReadCSV_SkipHeaderAndTrim(t *testing.T) {
	rows, err := ReadCSV(strings.NewReader(
		"code,description\n 41.200 , Construction of buildings \n"), CSVOptions{SkipHeader: true})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"41.200", "Construction of buildings"}, rows[0])
}

func TestReadCSV_LegacyCharsetAndDelimiter(t *testing.T) {
	enc := charmap.ISO8859_1.NewEncoder()
	raw, err := enc.String("41.200;Oppføring av bygninger\n")
	require.NoError(t, err)

	rows, err := ReadCSV(strings.NewReader(raw), CSVOptions{
		Delimiter: ';',
		Charset:   "iso-8859-1",
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Oppføring av bygninger", rows[0][1])
}

func TestReadCSV_UnknownCharset(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("a,b\n"), CSVOptions{Charset: "klingon-8"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "charset")
}

func TestReadCSV_Malformed(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("\"unterminated\n41.200,x\n"), CSVOptions{})
	assert.Error(t, err)
}

func TestReadXLSX_SkipsHeaderRows(t *testing.T) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("SN2007")
	require.NoError(t, err)
	for _, rowData := range [][]string{
		{"code", "description"},
		{"F", "Construction"},
		{"41.200", "Construction of buildings"},
	} {
		row := sheet.AddRow()
		for _, v := range rowData {
			row.AddCell().SetString(v)
		}
	}
	path := filepath.Join(t.TempDir(), "sn2007.xlsx")
	require.NoError(t, f.Save(path))

	rows, err := ReadXLSX(path, 1)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"F", "Construction"},
		{"41.200", "Construction of buildings"},
	}, rows)
}

func TestReadXLSX_MissingFile(t *testing.T) {
	_, err := ReadXLSX(filepath.Join(t.TempDir(), "nope.xlsx"), 0)
	assert.Error(t, err)
}

func TestDecodeXMLElements(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<classification>
  <classificationItem><code>41.200</code><name>Construction of buildings</name></classificationItem>
  <classificationItem><code>43.910</code><name>Roofing activities</name></classificationItem>
</classification>`

	items, err := DecodeXMLElements[taxonomyEntry](strings.NewReader(doc), "classificationItem")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, taxonomyEntry{Code: "41.200", Name: "Construction of buildings"}, items[0])
	assert.Equal(t, "43.910", items[1].Code)
}

func TestDecodeXMLElements_DeclaredCharset(t *testing.T) {
	enc := charmap.ISO8859_1.NewEncoder()
	doc, err := enc.String(`<?xml version="1.0" encoding="ISO-8859-1"?>
<classification>
  <classificationItem><code>41.200</code><name>Oppføring av bygninger</name></classificationItem>
</classification>`)
	require.NoError(t, err)

	items, err := DecodeXMLElements[taxonomyEntry](strings.NewReader(doc), "classificationItem")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Oppføring av bygninger", items[0].Name)
}

func TestDecodeXMLElements_IgnoresOtherElements(t *testing.T) {
	doc := `<classification>
  <version>2007</version>
  <classificationItem><code>25.110</code><name>Metal structures</name></classificationItem>
</classification>`

	items, err := DecodeXMLElements[taxonomyEntry](strings.NewReader(doc), "classificationItem")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "25.110", items[0].Code)
}

func TestDecodeXMLElements_Malformed(t *testing.T) {
	_, err := DecodeXMLElements[taxonomyEntry](strings.NewReader("<classification><classificationItem>"), "classificationItem")
	assert.Error(t, err)
}

func TestDecodeJSON(t *testing.T) {
	type classification struct {
		Items []taxonomyEntry `json:"classificationItems"`
	}

	doc, err := DecodeJSON[classification](strings.NewReader(
		`{"classificationItems":[{"code":"41.200","name":"Construction of buildings"}]}`))
	require.NoError(t, err)
	require.Len(t, doc.Items, 1)
	assert.Equal(t, "41.200", doc.Items[0].Code)
}

func TestDecodeJSON_Malformed(t *testing.T) {
	_, err := DecodeJSON[map[string]any](strings.NewReader(`{"classificationItems":`))
	assert.Error(t, err)
}
