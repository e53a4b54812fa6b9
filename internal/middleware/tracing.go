package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Tracing starts a server span per request. Once chi has matched the route
// the span is named "METHOD pattern", keeping order numbers out of span names.
func Tracing(opts ...otelhttp.Option) func(http.Handler) http.Handler {
	opts = append([]otelhttp.Option{otelhttp.WithSpanNameFormatter(routeSpanName)}, opts...)
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "http.request", opts...)
	}
}

func routeSpanName(operation string, r *http.Request) string {
	if r.Pattern != "" {
		return r.Method + " " + r.Pattern
	}
	return operation
}
