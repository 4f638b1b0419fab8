package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/harvester/internal/common"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteEnvelope writes the standard response envelope with one named payload field
func WriteEnvelope(w http.ResponseWriter, statusCode int, message string, key string, value interface{}) error {
	body := map[string]interface{}{
		"success": statusCode < 400,
		"message": message,
	}
	if key != "" {
		body[key] = value
	}
	return WriteJSON(w, statusCode, body)
}

// WriteData writes a success envelope carrying a data payload
func WriteData(w http.ResponseWriter, statusCode int, message string, data interface{}) error {
	return WriteEnvelope(w, statusCode, message, "data", data)
}

// WriteItems writes a success envelope carrying a list payload
func WriteItems(w http.ResponseWriter, message string, items interface{}) error {
	return WriteEnvelope(w, http.StatusOK, message, "items", items)
}

// WriteSuccess writes a success envelope with no payload
func WriteSuccess(w http.ResponseWriter, message string) error {
	return WriteEnvelope(w, http.StatusOK, message, "", nil)
}

// WriteError writes an error envelope
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteEnvelope(w, statusCode, message, "", nil)
}

// WriteServiceError classifies a service error into the response envelope
func WriteServiceError(w http.ResponseWriter, err error) error {
	var validationErr *common.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, common.ErrNotFound):
		return WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, common.ErrAlreadyRunning), errors.Is(err, common.ErrNotRunning):
		return WriteError(w, http.StatusBadRequest, err.Error())
	default:
		return WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// DecodeJSONBody decodes the request body into v
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// PathSegments splits the request path after a prefix into its segments.
// "/api/tasks/12/execute" with prefix "/api/tasks/" yields ["12", "execute"].
func PathSegments(r *http.Request, prefix string) []string {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

// ParseID parses a numeric path segment as an entity id
func ParseID(w http.ResponseWriter, segment string) (uint64, bool) {
	id, err := strconv.ParseUint(segment, 10, 64)
	if err != nil || id == 0 {
		WriteError(w, http.StatusBadRequest, "Invalid id: "+segment)
		return 0, false
	}
	return id, true
}
