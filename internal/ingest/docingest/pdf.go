package docingest

import "encoding/base64"

// ProcessPDF prepares a PDF for the message pipeline as an opaque
// container_upload content block rather than attempting text extraction:
// PDF text layout (cross-reference tables, stream compression filters,
// font encodings) has no faithful stdlib or pack-grounded parser, so MIRA
// forwards the original bytes to the LLM provider's native document
// support instead of a lossy local extraction (spec.md §8's testable
// property is exactly this round trip: "base64 decode of processed output
// equals the original bytes").
func ProcessPDF(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodePDF reverses ProcessPDF, for tests and for any caller that needs
// the original bytes back (e.g. re-attaching the document to a tool call).
func DecodePDF(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}
