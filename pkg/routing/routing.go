// Package routing provides the HTTP request router of the service.
package routing

import (
	"net/http"
	"path"
	"strings"
)

// RouteProvider is a handler serving a fixed set of route patterns.
type RouteProvider interface {
	http.Handler
	GetRoutes() []string
}

// NormalizedServeMux is an http.ServeMux that cleans up request paths with
// repeated or trailing slashes before dispatching them.
type NormalizedServeMux struct {
	*http.ServeMux
}

func NewNormalizedServeMux() *NormalizedServeMux {
	return &NormalizedServeMux{http.NewServeMux()}
}

// Mount registers every route of provider on the mux.
func (nm *NormalizedServeMux) Mount(provider RouteProvider) {
	for _, route := range provider.GetRoutes() {
		nm.Handle(route, provider)
	}
}

func (nm *NormalizedServeMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	if strings.Contains(p, "//") || (len(p) > 1 && strings.HasSuffix(p, "/")) {
		r.URL.Path = path.Clean(p)
	}

	nm.ServeMux.ServeHTTP(w, r)
}
