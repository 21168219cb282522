package postgres

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// encodeVector converts []float32 to the pgvector text format: [0.1,0.2,...]
func encodeVector(v []float32) sql.NullString {
	if len(v) == 0 {
		return sql.NullString{}
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sql.NullString{String: sb.String(), Valid: true}
}

// decodeVector parses the pgvector text format back into []float32.
func decodeVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("postgres: decode vector component %q: %w", p, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
