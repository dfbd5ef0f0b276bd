package adminapi

import (
	"net/http"

	"github.com/go-chi/render"
)

// envelope is the success envelope: {"data": ...}, matching the teacher's
// transport/rest/response package.
type envelope struct {
	Data any `json:"data,omitempty"`
}

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Meta      map[string]string `json:"meta,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	render.Status(r, status)
	render.JSON(w, r, v)
}

func data(w http.ResponseWriter, r *http.Request, status int, payload any) {
	writeJSON(w, r, status, envelope{Data: payload})
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message, requestID string) {
	writeJSON(w, r, status, errorBody{Error: errorPayload{Code: code, Message: message, RequestID: requestID}})
}
