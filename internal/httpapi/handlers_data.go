package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
)

// DataType enumerates the read views spec.md §6 names ("data read endpoint
// supporting type=history|memories|user").
type DataType string

const (
	DataTypeHistory   DataType = "history"
	DataTypeMemories  DataType = "memories"
	DataTypeUser      DataType = "user"
)

// Page is the pagination request every data type accepts.
type Page struct {
	Limit  int
	Offset int
}

// DataPage is what a DataReader returns: the page's items plus enough
// bookkeeping for the response's pagination meta.
type DataPage struct {
	Items      []any
	TotalCount int
}

// DataReader serves the read-only data endpoint's three views. Concrete
// implementations read continuum history, ltmemory search/listing, and
// user profile respectively.
type DataReader interface {
	Read(ctx context.Context, userID string, dataType DataType, page Page) (DataPage, error)
}

const defaultPageLimit = 50

func handleData(reader DataReader, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFromContext(r.Context())

		q := r.URL.Query()
		dataType := DataType(q.Get("type"))
		switch dataType {
		case DataTypeHistory, DataTypeMemories, DataTypeUser:
		default:
			writeError(w, requestID, http.StatusBadRequest, "invalid_type", "type must be one of history, memories, user")
			return
		}

		page := Page{Limit: defaultPageLimit}
		if v := q.Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				page.Limit = n
			}
		}
		if v := q.Get("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				page.Offset = n
			}
		}

		userID, err := requireUser(r)
		if err != nil {
			writeError(w, requestID, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}

		result, err := reader.Read(r.Context(), userID, dataType, page)
		if err != nil {
			log.Error("data read failed", "type", dataType, "error", err)
			writeError(w, requestID, http.StatusInternalServerError, "server_error", "internal error")
			return
		}

		writeSuccess(w, requestID, map[string]any{
			"items": result.Items,
			"meta": map[string]any{
				"total":  result.TotalCount,
				"limit":  page.Limit,
				"offset": page.Offset,
			},
		})
	}
}
