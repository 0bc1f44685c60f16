package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
)

const apiVersion = "v1"

// envelope is the versioned response shape. Legacy /api routes unwrap it.
type envelope struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
	Meta    meta       `json:"meta"`
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type meta struct {
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	RequestID string `json:"requestId"`
}

func newMeta(r *http.Request) meta {
	return meta{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   apiVersion,
		RequestID: RequestID(r.Context()),
	}
}

// writeJSON writes a body with the given status.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// respond writes a success response: the v1 envelope, or the flat data body
// on legacy routes.
func respond(w http.ResponseWriter, r *http.Request, code int, data any) {
	if isLegacy(r) {
		if data == nil {
			data = map[string]bool{"success": true}
		}
		writeJSON(w, code, data)
		return
	}
	writeJSON(w, code, envelope{Success: true, Data: data, Meta: newMeta(r)})
}

// respondMessage writes a success envelope with a human message and no data.
func respondMessage(w http.ResponseWriter, r *http.Request, code int, msg string) {
	if isLegacy(r) {
		writeJSON(w, code, map[string]any{"success": true, "message": msg})
		return
	}
	writeJSON(w, code, envelope{Success: true, Message: msg, Meta: newMeta(r)})
}

// respondError maps an error to its HTTP status and shape. Internal causes
// are logged and never leak to the body.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.From(err)
	status := apperr.HTTPStatus(ae.Code)
	if status >= 500 {
		log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	} else {
		log.Ctx(r.Context()).Debug().Str("code", string(ae.Code)).Str("path", r.URL.Path).Msg("request rejected")
	}

	if isLegacy(r) {
		writeJSON(w, status, map[string]any{"error": ae.Message, "code": string(ae.Code)})
		return
	}
	writeJSON(w, status, envelope{
		Success: false,
		Error:   &errorBody{Code: string(ae.Code), Message: ae.Message, Fields: ae.Fields},
		Meta:    newMeta(r),
	})
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.New(apperr.CodeValidation, "malformed request body")
	}
	return nil
}

// queryBool parses an optional boolean query parameter.
func queryBool(r *http.Request, key string) *bool {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

// parseLimit parses a limit query param with default and max.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
