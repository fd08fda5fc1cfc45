package stream

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// Path is the change stream route below the base URL.
const Path = "/changes/stream"

// RegisterRoutes mounts the change stream under baseURL.
func RegisterRoutes(router *mux.Router, baseURL string, h *Handler) {
	router.Handle(JoinPath(baseURL, Path), h).Methods(http.MethodGet)
}

// JoinPath joins a base URL prefix and a route, tolerating empty or
// slash-terminated bases.
func JoinPath(baseURL, route string) string {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return base + route
}
