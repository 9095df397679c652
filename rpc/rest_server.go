package rpc

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"

	"github.com/alphabill-org/gpbft/logger"
)

const (
	headerAccept      = "Accept"
	headerContentType = "Content-Type"
	applicationJson   = "application/json"
	applicationCBOR   = "application/cbor"

	metricsScopeRESTAPI = "rest_api"
)

var allowedCORSHeaders = []string{headerAccept, "Accept-Language", "Content-Language", "Origin", headerContentType}

type (
	// Registrar registers new HTTP handlers for given router.
	Registrar interface {
		Register(r *mux.Router)
	}

	// RegistrarFunc type is an adapter to allow the use of ordinary function as Registrar.
	RegistrarFunc func(r *mux.Router)

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		// PrometheusRegisterer returns nil when metrics are not exported to Prometheus.
		PrometheusRegisterer() prometheus.Registerer
		Logger() *slog.Logger
	}
)

/*
NewRESTHandler creates HTTP handler serving the endpoints of the "registrars"
under the "/api/v1" path prefix. When observability has Prometheus registerer
the metrics are exposed on the "/metrics" path.
*/
func NewRESTHandler(obs Observability, registrars ...Registrar) http.Handler {
	log := obs.Logger()
	mtr := obs.Meter(metricsScopeRESTAPI)

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(notFound)
	apiV1Router := r.PathPrefix("/api/v1").Subrouter()
	apiV1Router.Use(handlers.CORS(handlers.AllowedHeaders(allowedCORSHeaders)), instrumentHTTP(mtr, log))

	for _, registrar := range registrars {
		registrar.Register(apiV1Router)
	}

	if pr := obs.PrometheusRegisterer(); pr != nil {
		if g, ok := pr.(prometheus.Gatherer); ok {
			r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{MaxRequestsInFlight: 1})).Methods(http.MethodGet)
		}
	}

	return r
}

func (f RegistrarFunc) Register(r *mux.Router) {
	f(r)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, "404 not found", http.StatusNotFound, nil)
}

func writeError(w http.ResponseWriter, msg string, statusCode int, log *slog.Logger) {
	w.Header().Set(headerContentType, applicationJson)
	w.WriteHeader(statusCode)
	err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{msg})
	if err != nil && log != nil {
		log.Warn("failed to encode error message", logger.Error(err))
	}
}

/*
writeResponse encodes "data" as CBOR when the client accepts it, JSON
otherwise.
*/
func writeResponse(w http.ResponseWriter, r *http.Request, data any, log *slog.Logger) {
	if r.Header.Get(headerAccept) == applicationCBOR {
		w.Header().Set(headerContentType, applicationCBOR)
		if err := cbor.NewEncoder(w).Encode(data); err != nil {
			log.WarnContext(r.Context(), "failed to write CBOR response", logger.Error(err))
		}
		return
	}
	w.Header().Set(headerContentType, applicationJson)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		log.WarnContext(r.Context(), "failed to write JSON response", logger.Error(err))
	}
}
