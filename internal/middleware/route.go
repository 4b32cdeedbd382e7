package middleware

import (
	"net/http"

	"github.com/gorilla/mux"
)

// routeLabel returns the matched route template so metrics labels stay bounded
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
