package server

import (
	"net/http"

	"websetdedup/internal/api"
)

// writeMiddlewareError normalises rate-limit rejections to the same API JSON
// error shape handlers use, so a client can't tell from the response body
// whether a request died in that middleware or in a handler. CORS rejections
// do not go through it; they answer with a plain-text body.
func writeMiddlewareError(w http.ResponseWriter, status int, message string) {
	api.WriteError(w, status, api.RequestError{Status: status, Message: message})
}
