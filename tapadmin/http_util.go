package tapadmin

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/peterbourgon/tap"
)

const maxRequestBodySizeBytes = 64 * 1024

// RequestHasContentType returns true if the request's Content-Type header
// includes any of the acceptable media types.
func RequestHasContentType(r *http.Request, acceptable ...string) bool {
	return hasMediaType(parseHeaderMediaTypes(r, "content-type"), acceptable...)
}

// RequestExplicitlyAccepts returns true if the request's Accept header
// includes any of the acceptable media types. Wildcards don't count.
func RequestExplicitlyAccepts(r *http.Request, acceptable ...string) bool {
	return hasMediaType(parseHeaderMediaTypes(r, "accept"), acceptable...)
}

func hasMediaType(have map[string]map[string]string, acceptable ...string) bool {
	for _, want := range acceptable {
		if _, ok := have[want]; ok {
			return true
		}
	}
	return false
}

func parseHeaderMediaTypes(r *http.Request, header string) map[string]map[string]string {
	mediaTypes := map[string]map[string]string{} // type: params
	for _, val := range strings.Split(r.Header.Get(header), ",") {
		mediaType, params, err := mime.ParseMediaType(val)
		if err != nil {
			continue
		}
		mediaTypes[mediaType] = params
	}
	return mediaTypes
}

// errorResponse is the body of every rejected request.
type errorResponse struct {
	Error      string `json:"error"`
	StatusCode int    `json:"status_code"`
	StatusText string `json:"status_text"`
}

func respondError(w http.ResponseWriter, err error, code int) {
	respondJSON(w, code, errorResponse{
		Error:      err.Error(),
		StatusCode: code,
		StatusText: http.StatusText(code),
	})
}

func respondJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	enc.Encode(data)
}

// statusCode maps registry errors to HTTP status codes.
func statusCode(err error) int {
	switch {
	case errors.Is(err, tap.ErrMalformedRequest):
		return http.StatusBadRequest
	case errors.Is(err, tap.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tap.ErrAlreadyAttached):
		return http.StatusConflict
	case errors.Is(err, tap.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// statusError is the inverse of statusCode, used by the client.
func statusError(code int) error {
	switch code {
	case http.StatusBadRequest:
		return tap.ErrMalformedRequest
	case http.StatusNotFound:
		return tap.ErrNotFound
	case http.StatusConflict:
		return tap.ErrAlreadyAttached
	case http.StatusServiceUnavailable:
		return tap.ErrClosed
	default:
		return nil
	}
}
