package docingest

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestExtractDOCX_RoundTrip(t *testing.T) {
	documentXML := `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Hello world</w:t></w:r></w:p>
    <w:p><w:r><w:t>Second paragraph</w:t></w:r></w:p>
  </w:body>
</w:document>`
	data := buildZip(t, map[string]string{"word/document.xml": documentXML})

	text, err := ExtractDOCX(data)
	if err != nil {
		t.Fatalf("ExtractDOCX: %v", err)
	}
	for _, token := range []string{"Hello world", "Second paragraph"} {
		if !strings.Contains(text, token) {
			t.Fatalf("expected extracted text to contain %q, got %q", token, text)
		}
	}
}

func TestExtractDOCX_MissingDocumentXML(t *testing.T) {
	data := buildZip(t, map[string]string{"other.xml": "<x/>"})
	if _, err := ExtractDOCX(data); err == nil {
		t.Fatal("expected error for missing word/document.xml")
	}
}

func TestExtractXLSX_RoundTrip(t *testing.T) {
	sharedStrings := `<?xml version="1.0"?>
<sst xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main">
  <si><t>Name</t></si>
  <si><t>Revenue</t></si>
</sst>`
	sheet := `<?xml version="1.0"?>
<worksheet xmlns="http://schemas.openxmlformats.org/spreadsheetml/2006/main">
  <sheetData>
    <row r="1">
      <c r="A1" t="s"><v>0</v></c>
      <c r="B1" t="s"><v>1</v></c>
    </row>
    <row r="2">
      <c r="A1"><v>42</v></c>
    </row>
  </sheetData>
</worksheet>`
	data := buildZip(t, map[string]string{
		"xl/sharedStrings.xml":    sharedStrings,
		"xl/worksheets/sheet1.xml": sheet,
	})

	cells, err := ExtractXLSX(data)
	if err != nil {
		t.Fatalf("ExtractXLSX: %v", err)
	}
	want := []string{"Name", "Revenue", "42"}
	if len(cells) != len(want) {
		t.Fatalf("expected %d cells, got %d: %v", len(want), len(cells), cells)
	}
	for i, w := range want {
		if cells[i] != w {
			t.Fatalf("cell %d: expected %q, got %q", i, w, cells[i])
		}
	}
}

func TestProcessPDF_RoundTrip(t *testing.T) {
	original := []byte("%PDF-1.4\n...fake pdf bytes...\n%%EOF")
	encoded := ProcessPDF(original)
	decoded, err := DecodePDF(encoded)
	if err != nil {
		t.Fatalf("DecodePDF: %v", err)
	}
	if !bytes.Equal(decoded, original) {
		t.Fatalf("round trip mismatch: got %q, want %q", decoded, original)
	}
}
