// Package ingestion implements the ingest_document tool: the entry point
// through which uploaded documents and images reach the pipeline. DOCX and
// XLSX payloads are extracted to text the model can read immediately; PDFs
// are stored whole for provider-native document handling; images are
// compressed into their two renditions and stored, with the blob URIs
// returned so the orchestrator can reference them later.
package ingestion

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mira-run/mira/internal/auth"
	"github.com/mira-run/mira/internal/ingest/blobstore"
	"github.com/mira-run/mira/internal/ingest/docingest"
	"github.com/mira-run/mira/internal/ingest/image"
	"github.com/mira-run/mira/internal/tools"
)

// maxPayloadBytes bounds a single upload after base64 decoding.
const maxPayloadBytes = 32 << 20

// Tool ingests one uploaded file for the ambient user.
type Tool struct {
	Blobs blobstore.Store
}

func New(blobs blobstore.Store) *Tool {
	return &Tool{Blobs: blobs}
}

func (t *Tool) Name() string { return "ingest_document" }

func (t *Tool) Description() string {
	return "Ingest an uploaded file: extracts text from DOCX/XLSX, stores PDFs and images, and returns what was extracted or where the file was stored."
}

func (t *Tool) Schema() json.RawMessage {
	return tools.GenerateSchema[args]()
}

func (t *Tool) IsAvailable(_ context.Context, _ string) (bool, error) { return true, nil }

type args struct {
	Filename  string `json:"filename" jsonschema:"required,description=Original filename of the upload."`
	MediaType string `json:"media_type" jsonschema:"required,description=MIME type of the upload (e.g. image/png or application/pdf)."`
	Data      string `json:"data" jsonschema:"required,description=Base64-encoded file contents."`
}

func (t *Tool) Run(ctx context.Context, raw json.RawMessage) (string, error) {
	userID, err := auth.RequireUser(ctx)
	if err != nil {
		return "", err
	}
	var a args
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", fmt.Errorf("ingestion: invalid arguments: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return "", fmt.Errorf("ingestion: data is not valid base64: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("ingestion: empty payload")
	}
	if len(data) > maxPayloadBytes {
		return "", fmt.Errorf("ingestion: payload exceeds %d bytes", maxPayloadBytes)
	}

	switch normalizeMediaType(a.MediaType) {
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		text, err := docingest.ExtractDOCX(data)
		if err != nil {
			return "", fmt.Errorf("ingestion: extract docx: %w", err)
		}
		return fmt.Sprintf("Extracted text from %s:\n%s", a.Filename, text), nil

	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		cells, err := docingest.ExtractXLSX(data)
		if err != nil {
			return "", fmt.Errorf("ingestion: extract xlsx: %w", err)
		}
		return fmt.Sprintf("Extracted %d cells from %s:\n%s", len(cells), a.Filename, strings.Join(cells, "\n")), nil

	case "application/pdf":
		blobID := fmt.Sprintf("%s/documents/%s", userID, uuid.NewString())
		uri, err := blobstore.PutBytes(ctx, t.Blobs, blobID, []byte(docingest.ProcessPDF(data)), blobstore.PutOptions{
			MimeType: "application/pdf",
			Metadata: map[string]string{"filename": a.Filename},
		})
		if err != nil {
			return "", fmt.Errorf("ingestion: store pdf: %w", err)
		}
		return fmt.Sprintf("Stored PDF %s at %s for document-native handling.", a.Filename, uri), nil

	case "image/png", "image/jpeg", "image/gif", "image/webp":
		blobID := fmt.Sprintf("%s/images/%s", userID, uuid.NewString())
		saved, err := image.SaveTiers(ctx, t.Blobs, blobID, data)
		if err != nil {
			return "", fmt.Errorf("ingestion: compress and store image: %w", err)
		}
		return fmt.Sprintf("Stored image %s: inference rendition at %s, storage rendition at %s.", a.Filename, saved.InferenceURI, saved.StorageURI), nil

	default:
		return "", fmt.Errorf("ingestion: unsupported media type %q", a.MediaType)
	}
}

func normalizeMediaType(mt string) string {
	return strings.ToLower(strings.TrimSpace(strings.Split(mt, ";")[0]))
}
