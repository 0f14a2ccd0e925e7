package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promhttpHandler serves metrics scraped from the default Prometheus
// registry, which the otel prometheus exporter registers itself against.
func promhttpHandler() http.Handler {
	return promhttp.Handler()
}
