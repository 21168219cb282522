package ingestion

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/mira-run/mira/internal/auth"
	"github.com/mira-run/mira/internal/ingest/blobstore"
)

func userCtx() context.Context {
	return auth.WithIdentity(context.Background(), auth.Identity{UserID: "user-1"})
}

func newTool(t *testing.T) *Tool {
	t.Helper()
	store, err := blobstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	return New(store)
}

func runTool(t *testing.T, tool *Tool, a args) (string, error) {
	t.Helper()
	raw, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return tool.Run(userCtx(), raw)
}

func buildTestDOCX(t *testing.T, text string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("create document.xml: %v", err)
	}
	doc := `<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p><w:r><w:t>` + text + `</w:t></w:r></w:p></w:body></w:document>`
	if _, err := w.Write([]byte(doc)); err != nil {
		t.Fatalf("write document.xml: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func encodeTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestRunExtractsDOCXText(t *testing.T) {
	tool := newTool(t)
	docx := buildTestDOCX(t, "quarterly budget notes")

	out, err := runTool(t, tool, args{
		Filename:  "notes.docx",
		MediaType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		Data:      base64.StdEncoding.EncodeToString(docx),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out, "quarterly budget notes") {
		t.Fatalf("extracted output missing document text: %q", out)
	}
}

func TestRunStoresImageRenditions(t *testing.T) {
	tool := newTool(t)
	src := encodeTestPNG(t, 1600, 1200)

	out, err := runTool(t, tool, args{
		Filename:  "photo.png",
		MediaType: "image/png",
		Data:      base64.StdEncoding.EncodeToString(src),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out, "inference rendition") || !strings.Contains(out, "storage rendition") {
		t.Fatalf("output missing rendition URIs: %q", out)
	}
}

func TestRunRejectsUnsupportedMediaType(t *testing.T) {
	tool := newTool(t)
	_, err := runTool(t, tool, args{
		Filename:  "a.bin",
		MediaType: "application/octet-stream",
		Data:      base64.StdEncoding.EncodeToString([]byte("xx")),
	})
	if err == nil {
		t.Fatal("unsupported media type accepted")
	}
}

func TestRunRequiresAmbientUser(t *testing.T) {
	tool := newTool(t)
	raw, _ := json.Marshal(args{Filename: "a.png", MediaType: "image/png", Data: "aGk="})
	if _, err := tool.Run(context.Background(), raw); err == nil {
		t.Fatal("run without ambient user context must fail")
	}
}
