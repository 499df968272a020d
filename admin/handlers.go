package admin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lauditd/lauditd/changelog"
	"github.com/lauditd/lauditd/exporter"
	"github.com/rs/zerolog/log"
)

// Maximum request body accepted by the record ingestion endpoint
const maxAppendBytes = 8 << 20

// StatusProvider exposes the export loop snapshot
type StatusProvider interface {
	Status() exporter.Status
}

// ChangelogStore is the subset of changelog.Log served over HTTP
type ChangelogStore interface {
	Append(device string, records []changelog.Record) error
	Register(device string) (string, error)
	Deregister(device, consumer string) error
	Users(device string) ([]changelog.User, error)
	LastIndex(device string) uint64
}

// AdminHandlers handles admin API endpoints
type AdminHandlers struct {
	store    ChangelogStore
	exporter StatusProvider
}

// NewAdminHandlers creates a new AdminHandlers instance. Either argument
// may be nil; the matching endpoints then answer 503.
func NewAdminHandlers(store ChangelogStore, exp StatusProvider) *AdminHandlers {
	return &AdminHandlers{
		store:    store,
		exporter: exp,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	response := map[string]interface{}{
		"error": message,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// decodeRecords accepts either a JSON array of records or one JSON record
// per line
func decodeRecords(w http.ResponseWriter, r *http.Request) ([]changelog.Record, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAppendBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	body = bytes.TrimSpace(body)

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	var records []changelog.Record
	if len(body) > 0 && body[0] == '[' {
		if err := dec.Decode(&records); err != nil {
			return nil, fmt.Errorf("invalid record array: %w", err)
		}
	} else {
		for dec.More() {
			var rec changelog.Record
			if err := dec.Decode(&rec); err != nil {
				return nil, fmt.Errorf("invalid record %d: %w", len(records)+1, err)
			}
			records = append(records, rec)
		}
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("no records in request body")
	}
	return records, nil
}
