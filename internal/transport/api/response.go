// Package api defines the response envelope shared by every handler and
// middleware. Success and failure both wrap in the same shape so clients
// branch on one field.
package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/render"

	"dlnkd/internal/errs"
	"dlnkd/internal/infrastructure"
)

// Envelope is the uniform response body.
type Envelope struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the wire form of a tagged error. Message always comes
// from the fixed catalog; causes never leak.
type ErrorBody struct {
	Kind              string `json:"kind"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after,omitempty"`
	TraceID           string `json:"trace_id,omitempty"`
}

// OK writes a success envelope.
func OK(w http.ResponseWriter, r *http.Request, data any) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, Envelope{OK: true, Data: data})
}

// Created writes a success envelope with 201.
func Created(w http.ResponseWriter, r *http.Request, data any) {
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, Envelope{OK: true, Data: data})
}

// Err maps a tagged error to its status code and fixed message. Untagged
// errors become Internal and pick up the request trace id.
func Err(w http.ResponseWriter, r *http.Request, err error) {
	e := errs.AsError(err)

	body := &ErrorBody{
		Kind:    string(e.Kind),
		Message: e.Message(),
	}
	if e.RetryAfter > 0 {
		secs := int(e.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		body.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if e.Kind == errs.KindInternal {
		body.TraceID = infrastructure.GetTraceID(r.Context())
	}

	render.Status(r, e.HTTPStatus())
	render.JSON(w, r, Envelope{OK: false, Error: body})
}
