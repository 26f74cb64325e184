package extract

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func render(rows [][]string) []byte {
	var b strings.Builder
	for _, row := range rows {
		b.WriteString(strings.Join(row, " | "))
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func readPage(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "pages", name))
	require.NoError(t, err)
	return string(data)
}

func TestRows_Golden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	tests := []struct {
		name      string
		page      string
		selectors []string
	}{
		{"abeokuta", "abeokuta.html", []string{"table.allocations"}},
		{"generic", "generic.html", []string{"table.allocations"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := Rows(readPage(t, tt.page), tt.selectors)
			g.Assert(t, tt.name, render(rows))
		})
	}
}

func TestRows_Empty(t *testing.T) {
	tests := []struct {
		name   string
		markup string
	}{
		{"empty", ""},
		{"whitespace", "  \n\t "},
		{"no table", "<html><body><p>Nothing here</p></body></html>"},
		{"table without rows", "<table></table>"},
		{"header only", "<table><tr><th>Period</th><th>Amount</th></tr></table>"},
		{"not html", "%PDF-1.7 binary garbage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, Rows(tt.markup, []string{"table.allocations"}))
		})
	}
}

func TestRows_SelectorOrder(t *testing.T) {
	markup := `
<table class="summary"><tr><td>h</td></tr><tr><td>summary</td></tr></table>
<table class="allocations"><tr><td>h</td></tr><tr><td>Jan 2024</td><td>1</td><td>Ifo</td></tr></table>`

	rows := Rows(markup, []string{"table.missing", "table.allocations"})
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"Jan 2024", "1", "Ifo"}, rows[0])

	// Without a matching selector the first table wins.
	rows = Rows(markup, []string{"table.missing"})
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"summary"}, rows[0])
}

func TestRows_NestedTablesIgnored(t *testing.T) {
	markup := `
<table class="allocations">
  <tr><td>Period</td><td>Amount</td><td>LGA</td></tr>
  <tr><td>Jan 2024</td><td><table><tr><td>inner</td></tr></table>5</td><td>Ifo</td></tr>
</table>`

	rows := Rows(markup, []string{"table.allocations"})
	require.Len(t, rows, 1)
	assert.Len(t, rows[0], 3)
	assert.Equal(t, "Ifo", rows[0][2])
}

func TestTables(t *testing.T) {
	assert.Equal(t, 2, Tables(readPage(t, "abeokuta.html")))
	assert.Equal(t, 0, Tables("<p>none</p>"))
}
