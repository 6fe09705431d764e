package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/sparkplug-core/internal/sparkplug"
	"github.com/nerrad567/sparkplug-core/internal/sparkplug/store"
)

// Error is the JSON body of every non-2xx response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeConflict    = "conflict"
	ErrCodeInternal    = "internal_error"
	ErrCodeUnavailable = "unavailable"
)

var codeForStatus = map[int]string{
	http.StatusBadRequest:          ErrCodeBadRequest,
	http.StatusNotFound:            ErrCodeNotFound,
	http.StatusConflict:            ErrCodeConflict,
	http.StatusServiceUnavailable:  ErrCodeUnavailable,
	http.StatusInternalServerError: ErrCodeInternal,
}

// statusForError lists engine and store sentinels in match order. Anything
// unlisted is a 500.
var statusForError = []struct {
	target error
	status int
}{
	{sparkplug.ErrInvalidIdentity, http.StatusBadRequest},
	{sparkplug.ErrInvalidMetric, http.StatusBadRequest},
	{sparkplug.ErrUnknownMetric, http.StatusNotFound},
	{store.ErrNotFound, http.StatusNotFound},
	{sparkplug.ErrProtocolOrdering, http.StatusConflict},
	{sparkplug.ErrConnection, http.StatusServiceUnavailable},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck // client may have gone
	}
}

func writeStatus(w http.ResponseWriter, status int, message string) {
	code, ok := codeForStatus[status]
	if !ok {
		code = ErrCodeInternal
	}
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeStatus(w, http.StatusBadRequest, message)
}

func writeUnavailable(w http.ResponseWriter, message string) {
	writeStatus(w, http.StatusServiceUnavailable, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeStatus(w, http.StatusInternalServerError, message)
}

// writeSparkplugError picks the status for an engine or store error.
func writeSparkplugError(w http.ResponseWriter, err error) {
	for _, m := range statusForError {
		if errors.Is(err, m.target) {
			writeStatus(w, m.status, err.Error())
			return
		}
	}
	writeInternalError(w, err.Error())
}
