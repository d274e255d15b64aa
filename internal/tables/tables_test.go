package tables

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const sampleMarkdown = `# Results

Intro paragraph.

| Arm | N | ORR |
|-----|---|-----|
| Drug A | 120 | 45% |
| Placebo | 118 | 12% |

Some text between tables.

<table>
  <tr><td>Dose</td><td>AE rate</td></tr>
  <tr><td>10 mg</td><td>3%</td></tr>
  <tr><td>20 mg</td><td>7%</td></tr>
</table>
`

func TestFromMarkdown_PipeAndHTMLTables(t *testing.T) {
	got := FromMarkdown(sampleMarkdown)
	require.Len(t, got, 2)

	assert.Equal(t, []string{"Arm", "N", "ORR"}, got[0].Headers)
	assert.Equal(t, [][]string{{"Drug A", "120", "45%"}, {"Placebo", "118", "12%"}}, got[0].Rows)

	assert.Equal(t, []string{"Dose", "AE rate"}, got[1].Headers)
	assert.Equal(t, [][]string{{"10 mg", "3%"}, {"20 mg", "7%"}}, got[1].Rows)
}

func TestFromMarkdown_NoTables(t *testing.T) {
	assert.Empty(t, FromMarkdown(""))
	assert.Empty(t, FromMarkdown("just a paragraph\n\nand another"))
}

func TestFromMarkdown_InlineFormattingInCells(t *testing.T) {
	md := "| Name | Value |\n|---|---|\n| **bold** | `code` |\n"
	got := FromMarkdown(md)
	require.Len(t, got, 1)
	assert.Equal(t, [][]string{{"bold", "code"}}, got[0].Rows)
}

func TestFromHTML_THead(t *testing.T) {
	html := `<table>
<thead><tr><th>Gene</th><th>Fold change</th></tr></thead>
<tbody><tr><td>TP53</td><td> 2.1 </td></tr></tbody>
</table>`
	got := FromHTML(html)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"Gene", "Fold change"}, got[0].Headers)
	assert.Equal(t, [][]string{{"TP53", "2.1"}}, got[0].Rows)
}

func TestSplitHeader(t *testing.T) {
	t.Run("distinct first row becomes header", func(t *testing.T) {
		h, rows := SplitHeader([][]string{{"a", "b"}, {"1", "2"}})
		assert.Equal(t, []string{"a", "b"}, h)
		assert.Equal(t, [][]string{{"1", "2"}}, rows)
	})
	t.Run("identical rows keep no header", func(t *testing.T) {
		h, rows := SplitHeader([][]string{{"x"}, {"x"}})
		assert.Nil(t, h)
		assert.Len(t, rows, 2)
	})
	t.Run("single row is data", func(t *testing.T) {
		h, rows := SplitHeader([][]string{{"only"}})
		assert.Nil(t, h)
		assert.Len(t, rows, 1)
	})
}

func TestTableColumns(t *testing.T) {
	tbl := Table{Headers: []string{"a"}, Rows: [][]string{{"1", "2", "3"}, {"4"}}}
	assert.Equal(t, 3, tbl.Columns())
}

func TestWriteXLSX(t *testing.T) {
	data, err := WriteXLSX(FromMarkdown(sampleMarkdown))
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Table_1", "Table_2"}, f.GetSheetList())

	v, err := f.GetCellValue("Table_1", "A1")
	require.NoError(t, err)
	assert.Equal(t, "Arm", v)

	v, err = f.GetCellValue("Table_1", "C3")
	require.NoError(t, err)
	assert.Equal(t, "12%", v)

	v, err = f.GetCellValue("Table_2", "B2")
	require.NoError(t, err)
	assert.Equal(t, "3%", v)
}

func TestWriteXLSX_Empty(t *testing.T) {
	data, err := WriteXLSX(nil)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"Table_1"}, f.GetSheetList())
}
