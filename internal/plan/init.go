package plan

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/harvest-cli/internal/fetcher"
)

// InitOptions configures plan generation from registry taxonomy files.
type InitOptions struct {
	Name    string
	Sources []string // http(s)://, ftp:// or local paths; xlsx, csv, xml, json, or zip
	Regions []string

	MaxPages int
	YearFrom int
	YearTo   int

	// Charset names the taxonomy file encoding for CSV sources, e.g.
	// "iso-8859-1" for legacy registry dumps. Empty means UTF-8.
	Charset string
	// Delimiter for CSV sources. Zero means comma.
	Delimiter rune
}

// Init downloads the taxonomy sources, extracts the industry codes, and
// crosses them with the requested regions into a segment plan. Sources
// are fetched and parsed in parallel; the merged code set is
// deduplicated and sorted so regeneration is stable.
func Init(ctx context.Context, opts InitOptions) (*Plan, error) {
	if len(opts.Sources) == 0 {
		return nil, eris.New("plan: no taxonomy source")
	}
	if len(opts.Regions) == 0 {
		return nil, eris.New("plan: no regions")
	}

	var mu sync.Mutex
	codes := make(map[string]struct{})

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range opts.Sources {
		g.Go(func() error {
			found, err := extractCodes(gctx, src, opts)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, c := range found {
				codes[c] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		return nil, eris.New("plan: taxonomy sources yielded no industry codes")
	}

	sorted := make([]string, 0, len(codes))
	for c := range codes {
		sorted = append(sorted, c)
	}
	sort.Strings(sorted)

	p := &Plan{
		Name:     opts.Name,
		MaxPages: opts.MaxPages,
		YearFrom: opts.YearFrom,
		YearTo:   opts.YearTo,
		Segments: make([]Segment, 0, len(sorted)*len(opts.Regions)),
	}
	for _, code := range sorted {
		for _, region := range opts.Regions {
			p.Segments = append(p.Segments, Segment{IndustryCode: code, Region: region})
		}
	}
	return p, nil
}

// extractCodes materializes one source locally and pulls the industry
// codes out of its first column.
func extractCodes(ctx context.Context, src string, opts InitOptions) ([]string, error) {
	path, cleanup, err := materialize(ctx, src)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip":
		return codesFromZIP(path, src, opts)
	default:
		return codesFromFile(path, src, opts)
	}
}

// codesFromZIP extracts the archive's single payload file and parses it
// by its own extension.
func codesFromZIP(path, src string, opts InitOptions) ([]string, error) {
	dir, err := os.MkdirTemp("", "taxonomy-zip-")
	if err != nil {
		return nil, eris.Wrap(err, "plan: temp dir")
	}
	defer os.RemoveAll(dir)

	inner, err := fetcher.ExtractSingle(path, dir)
	if err != nil {
		return nil, eris.Wrapf(err, "plan: taxonomy %s", src)
	}
	if strings.EqualFold(filepath.Ext(inner), ".zip") {
		return nil, eris.Errorf("plan: taxonomy %s: nested archive", src)
	}
	return codesFromFile(inner, src, opts)
}

func codesFromFile(path, src string, opts InitOptions) ([]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		rows, err := fetcher.ReadXLSX(path, 1)
		if err != nil {
			return nil, eris.Wrapf(err, "plan: taxonomy %s", src)
		}
		return codesFromRows(rows), nil
	case ".xml":
		return codesFromXML(path, src)
	case ".json":
		return codesFromJSON(path, src)
	default:
		return codesFromCSV(path, src, opts)
	}
}

// classificationItem is one taxonomy entry as published by the registry's
// classification API (XML and JSON renditions share the shape).
type classificationItem struct {
	Code string `xml:"code" json:"code"`
	Name string `xml:"name" json:"name"`
}

func codesFromXML(path, src string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "plan: open taxonomy %s", src)
	}
	defer f.Close()

	items, err := fetcher.DecodeXMLElements[classificationItem](f, "classificationItem")
	if err != nil {
		return nil, eris.Wrapf(err, "plan: parse taxonomy %s", src)
	}
	rows := make([][]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, []string{item.Code, item.Name})
	}
	return codesFromRows(rows), nil
}

func codesFromJSON(path, src string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "plan: open taxonomy %s", src)
	}
	defer f.Close()

	type classification struct {
		Items []classificationItem `json:"classificationItems"`
	}
	doc, err := fetcher.DecodeJSON[classification](f)
	if err != nil {
		return nil, eris.Wrapf(err, "plan: parse taxonomy %s", src)
	}
	rows := make([][]string, 0, len(doc.Items))
	for _, item := range doc.Items {
		rows = append(rows, []string{item.Code, item.Name})
	}
	return codesFromRows(rows), nil
}

// materialize returns a local file path for the source, downloading
// remote URLs to a temp file.
func materialize(ctx context.Context, src string) (string, func(), error) {
	noop := func() {}
	if !strings.Contains(src, "://") {
		if _, err := os.Stat(src); err != nil {
			return "", noop, eris.Wrapf(err, "plan: taxonomy %s", src)
		}
		return src, noop, nil
	}

	source, err := fetcher.ForURL(src)
	if err != nil {
		return "", noop, eris.Wrapf(err, "plan: taxonomy %s", src)
	}

	tmp, err := os.CreateTemp("", "taxonomy-*"+filepath.Ext(src))
	if err != nil {
		return "", noop, eris.Wrap(err, "plan: temp file")
	}
	path := tmp.Name()
	tmp.Close()
	cleanup := func() { os.Remove(path) }

	if err := source.Fetch(ctx, src, path); err != nil {
		cleanup()
		return "", noop, eris.Wrapf(err, "plan: fetch taxonomy %s", src)
	}
	return path, cleanup, nil
}

func codesFromCSV(path, src string, opts InitOptions) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "plan: open taxonomy %s", src)
	}
	defer f.Close()

	rows, err := fetcher.ReadCSV(f, fetcher.CSVOptions{
		Delimiter:  opts.Delimiter,
		Charset:    opts.Charset,
		SkipHeader: true,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "plan: parse taxonomy %s", src)
	}
	return codesFromRows(rows), nil
}

// codesFromRows keeps first-column values that look like industry codes.
// Taxonomy files interleave section headings ("C Manufacturing") with
// code rows ("25.110 Manufacture of metal structures"); only rows whose
// code starts with a digit survive.
func codesFromRows(rows [][]string) []string {
	var codes []string
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		code := strings.TrimSpace(row[0])
		if code == "" || !unicode.IsDigit(rune(code[0])) {
			continue
		}
		codes = append(codes, code)
	}
	return codes
}
