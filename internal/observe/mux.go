// Package observe wires HTTP telemetry into the server mux.
package observe

import (
	"net/http"
	"slices"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Multiplexer interface {
	Handle(pattern string, handler http.Handler)
	http.Handler
}

// Mux wraps a multiplexer so every registered handler carries OTel HTTP
// instrumentation tagged with its route.
type Mux struct {
	wrapped Multiplexer
}

func NewMux(wrapped Multiplexer) *Mux {
	return &Mux{wrapped: wrapped}
}

func (m *Mux) Handle(pattern string, handler http.Handler) {
	m.wrapped.Handle(pattern, otelhttp.NewHandler(handler, routeTag(pattern)))
}

func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.wrapped.ServeHTTP(w, r)
}

var methods = []string{
	http.MethodConnect,
	http.MethodDelete,
	http.MethodGet,
	http.MethodHead,
	http.MethodOptions,
	http.MethodPatch,
	http.MethodPost,
	http.MethodPut,
	http.MethodTrace,
}

// routeTag strips the method prefix from a ServeMux pattern so the telemetry
// route is just the path.
func routeTag(pattern string) string {
	method, resource, hasMethod := strings.Cut(pattern, " ")
	if hasMethod && slices.Contains(methods, method) {
		return resource
	}
	return pattern
}
