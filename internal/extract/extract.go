// Package extract turns fetched HTML into raw table rows.
//
// Disclosure pages are uncontrolled markup. Extraction never fails: a page
// with no recognizable table yields no rows, and the caller decides what an
// empty result means.
package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Rows returns the data rows of the first table matched by selectors, in
// document order, as the text of each row's td cells. Selectors are tried in
// order; when none matches, the first table containing a row is used. The
// first row is treated as a header and dropped.
func Rows(markup string, selectors []string) [][]string {
	if strings.TrimSpace(markup) == "" {
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil
	}

	table := findTable(doc, selectors)
	if table == nil {
		return nil
	}

	rows := tableRows(table)
	if len(rows) <= 1 {
		return nil
	}
	return rows[1:]
}

// Tables reports how many table elements the markup contains.
func Tables(markup string) int {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return 0
	}
	return doc.Find("table").Length()
}

func findTable(doc *goquery.Document, selectors []string) *goquery.Selection {
	for _, sel := range selectors {
		sel = strings.TrimSpace(sel)
		if sel == "" {
			continue
		}
		if t := firstTableWithRows(doc.Find(sel)); t != nil {
			return t
		}
	}
	return firstTableWithRows(doc.Find("table"))
}

func firstTableWithRows(candidates *goquery.Selection) *goquery.Selection {
	var found *goquery.Selection
	candidates.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !s.Is("table") {
			return true
		}
		if len(ownRows(s).Nodes) > 0 {
			found = s
			return false
		}
		return true
	})
	return found
}

// ownRows returns the tr elements that belong to table itself, excluding
// rows of nested tables.
func ownRows(table *goquery.Selection) *goquery.Selection {
	return table.Find("tr").FilterFunction(func(_ int, tr *goquery.Selection) bool {
		return tr.Closest("table").IsSelection(table)
	})
}

func tableRows(table *goquery.Selection) [][]string {
	var rows [][]string
	ownRows(table).Each(func(_ int, tr *goquery.Selection) {
		cells := tr.ChildrenFiltered("td")
		row := make([]string, 0, cells.Length())
		cells.Each(func(_ int, td *goquery.Selection) {
			row = append(row, collapse(td.Text()))
		})
		rows = append(rows, row)
	})
	return rows
}

func collapse(s string) string {
	s = strings.NewReplacer("\u00a0", " ", "\u200b", "", "\ufeff", "").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
