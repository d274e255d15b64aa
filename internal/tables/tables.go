// Package tables pulls tables out of converted documents and exports them to XLSX.
package tables

import (
	"bytes"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// Table is a header row plus data rows. Headers is empty when no header row
// could be identified.
type Table struct {
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// Columns returns the widest row length, header included.
func (t Table) Columns() int {
	n := len(t.Headers)
	for _, r := range t.Rows {
		n = max(n, len(r))
	}
	return n
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

// FromMarkdown returns the GFM pipe tables in src followed by any HTML <table>
// elements embedded in it, each group in document order.
func FromMarkdown(src string) []Table {
	if strings.TrimSpace(src) == "" {
		return nil
	}
	source := []byte(src)
	var out []Table

	doc := markdown.Parser().Parse(text.NewReader(source))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if tbl, ok := n.(*extast.Table); ok {
			if t, ok := readPipeTable(tbl, source); ok {
				out = append(out, t)
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	if strings.Contains(strings.ToLower(src), "<table") {
		out = append(out, FromHTML(src)...)
	}
	return out
}

func readPipeTable(tbl *extast.Table, source []byte) (Table, bool) {
	var t Table
	for child := tbl.FirstChild(); child != nil; child = child.NextSibling() {
		row := cellTexts(child, source)
		switch child.(type) {
		case *extast.TableHeader:
			t.Headers = row
		case *extast.TableRow:
			if !isBlank(row) {
				t.Rows = append(t.Rows, row)
			}
		}
	}
	return t, len(t.Headers) > 0 || len(t.Rows) > 0
}

func cellTexts(row ast.Node, source []byte) []string {
	var cells []string
	for c := row.FirstChild(); c != nil; c = c.NextSibling() {
		if _, ok := c.(*extast.TableCell); ok {
			cells = append(cells, nodeText(c, source))
		}
	}
	return cells
}

func nodeText(n ast.Node, source []byte) string {
	var b bytes.Buffer
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(source))
			if t.SoftLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// FromHTML extracts every <table> in an HTML fragment. An explicit thead
// supplies the header; otherwise the first row becomes the header when it
// differs from the second.
func FromHTML(fragment string) []Table {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return nil
	}

	var out []Table
	doc.Find("table").Each(func(_ int, s *goquery.Selection) {
		if t, ok := readHTMLTable(s); ok {
			out = append(out, t)
		}
	})
	return out
}

func readHTMLTable(s *goquery.Selection) (Table, bool) {
	var headers []string
	s.Find("thead tr").First().Find("th,td").Each(func(_ int, cell *goquery.Selection) {
		headers = append(headers, normalize(cell.Text()))
	})

	var rows [][]string
	s.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		if tr.ParentsFiltered("thead").Length() > 0 {
			return
		}
		// nested tables are read on their own
		if tr.ParentsFiltered("table").First().Get(0) != s.Get(0) {
			return
		}
		var row []string
		tr.ChildrenFiltered("th,td").Each(func(_ int, cell *goquery.Selection) {
			row = append(row, normalize(cell.Text()))
		})
		if !isBlank(row) {
			rows = append(rows, row)
		}
	})

	if len(headers) == 0 {
		headers, rows = SplitHeader(rows)
	}
	if len(headers) == 0 && len(rows) == 0 {
		return Table{}, false
	}
	return Table{Headers: headers, Rows: rows}, true
}

// SplitHeader promotes the first row to a header when there is a second row
// and the two differ.
func SplitHeader(rows [][]string) ([]string, [][]string) {
	if len(rows) < 2 || slices.Equal(rows[0], rows[1]) {
		return nil, rows
	}
	return rows[0], rows[1:]
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isBlank(row []string) bool {
	for _, c := range row {
		if c != "" {
			return false
		}
	}
	return true
}
