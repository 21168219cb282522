package docingest

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// sharedStringsXML mirrors the subset of xl/sharedStrings.xml this package
// reads: an ordered list of <si><t>...</t></si> entries, referenced by
// index from worksheet cells with t="s".
type sharedStringsXML struct {
	Items []sharedStringItem `xml:"si"`
}

type sharedStringItem struct {
	Text  string      `xml:"t"`
	Runs  []sharedRun `xml:"r"`
}

type sharedRun struct {
	Text string `xml:"t"`
}

func (i sharedStringItem) resolved() string {
	if i.Text != "" {
		return i.Text
	}
	var sb strings.Builder
	for _, r := range i.Runs {
		sb.WriteString(r.Text)
	}
	return sb.String()
}

type worksheetXML struct {
	Rows []worksheetRow `xml:"sheetData>row"`
}

type worksheetRow struct {
	Cells []worksheetCell `xml:"c"`
}

type worksheetCell struct {
	Type  string `xml:"t,attr"`
	Value string `xml:"v"`
}

// ExtractXLSX returns the text content of every cell on the first
// worksheet, in row-major order, one cell's text per returned string
// (callers join as needed). Shared strings (the common case for any
// non-numeric cell) are resolved against xl/sharedStrings.xml.
func ExtractXLSX(data []byte) ([]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("docingest: open xlsx zip: %w", err)
	}

	shared, err := loadSharedStrings(zr)
	if err != nil {
		return nil, err
	}

	sheet, err := findFirstWorksheet(zr)
	if err != nil {
		return nil, err
	}
	rc, err := sheet.Open()
	if err != nil {
		return nil, fmt.Errorf("docingest: open worksheet: %w", err)
	}
	defer rc.Close()

	var ws worksheetXML
	if err := xml.NewDecoder(rc).Decode(&ws); err != nil {
		return nil, fmt.Errorf("docingest: parse worksheet: %w", err)
	}

	var cells []string
	for _, row := range ws.Rows {
		for _, c := range row.Cells {
			cells = append(cells, resolveCellText(c, shared))
		}
	}
	return cells, nil
}

func resolveCellText(c worksheetCell, shared []string) string {
	if c.Type == "s" {
		idx, err := strconv.Atoi(c.Value)
		if err != nil || idx < 0 || idx >= len(shared) {
			return ""
		}
		return shared[idx]
	}
	return c.Value
}

func loadSharedStrings(zr *zip.Reader) ([]string, error) {
	f, err := findZipFile(zr, "xl/sharedStrings.xml")
	if err != nil {
		// Not every workbook has shared strings (e.g. all-numeric sheets).
		return nil, nil
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("docingest: open sharedStrings.xml: %w", err)
	}
	defer rc.Close()

	var parsed sharedStringsXML
	if err := xml.NewDecoder(rc).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("docingest: parse sharedStrings.xml: %w", err)
	}
	out := make([]string, len(parsed.Items))
	for i, item := range parsed.Items {
		out[i] = item.resolved()
	}
	return out, nil
}

func findFirstWorksheet(zr *zip.Reader) (*zip.File, error) {
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "xl/worksheets/sheet") && strings.HasSuffix(f.Name, ".xml") {
			return f, nil
		}
	}
	return nil, fmt.Errorf("docingest: no worksheet found in archive")
}
