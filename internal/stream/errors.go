package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ContentTypeJSONAPI is the media type of error documents.
const ContentTypeJSONAPI = "application/vnd.api+json"

// RequestError rejects a stream request before any frame is written.
type RequestError struct {
	Status int
	Detail string
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Detail)
}

// IsRequestError reports whether err is a RequestError.
func IsRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}

func badRequest(format string, args ...any) *RequestError {
	return &RequestError{Status: http.StatusBadRequest, Detail: fmt.Sprintf(format, args...)}
}

func errInternal(detail string) *RequestError {
	return &RequestError{Status: http.StatusInternalServerError, Detail: detail}
}

func errUnavailable(detail string) *RequestError {
	return &RequestError{Status: http.StatusServiceUnavailable, Detail: detail}
}

func errNoResources() *RequestError {
	return badRequest("You have not specified any resources to stream changes for.")
}

func errUnknownResources(names []string) *RequestError {
	return badRequest("The following resources do not exist: %s", strings.Join(names, ", "))
}

type errorObject struct {
	Status string `json:"status"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

type errorDocument struct {
	Errors []errorObject `json:"errors"`
}

// encodeError renders err as a JSON-API error document.
func encodeError(err *RequestError) []byte {
	doc := errorDocument{Errors: []errorObject{{
		Status: fmt.Sprint(err.Status),
		Title:  http.StatusText(err.Status),
		Detail: err.Detail,
	}}}
	data, _ := json.Marshal(doc) // only strings; cannot fail
	return data
}

// writeError sends err as a JSON-API error response.
func writeError(w http.ResponseWriter, err *RequestError) {
	w.Header().Set("Content-Type", ContentTypeJSONAPI)
	w.WriteHeader(err.Status)
	_, _ = w.Write(encodeError(err))
}
