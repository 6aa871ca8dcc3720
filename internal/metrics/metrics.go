package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gustycube/netbox-import/internal/health"
)

var (
	APIRequests       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "netbox_import_api_requests_total", Help: "NetBox API requests by HTTP status (\"error\" for transport failures)"}, []string{"status"})
	Records           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "netbox_import_records_total", Help: "raw records seen, by resource and filter outcome"}, []string{"resource", "outcome"})
	Rows              = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "netbox_import_rows_total", Help: "flat rows produced"}, []string{"resource"})
	ResolveLookups    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "netbox_import_resolve_lookups_total", Help: "reference resolutions by cache result"}, []string{"result"})
	FlattenCollisions = prometheus.NewCounter(prometheus.CounterOpts{Name: "netbox_import_flatten_collisions_total", Help: "flattened keys overwritten by a later value"})
	EmitBatches       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "netbox_import_emit_batches_total", Help: "result sets posted to the ingest endpoint"}, []string{"result"})
	QueuePushed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "netbox_import_queue_rows_pushed_total", Help: "rows pushed to the redis hand-off list"})
	Runs              = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "netbox_import_runs_total", Help: "pipeline runs by result"}, []string{"result"})
)

func init() {
	prometheus.MustRegister(APIRequests, Records, Rows, ResolveLookups, FlattenCollisions, EmitBatches, QueuePushed, Runs)
}

// NewMux returns a mux carrying /metrics and the health endpoints. Callers
// may register further handlers on it.
func NewMux(healthHandler *health.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler.HealthHandler)
	mux.HandleFunc("/ready", healthHandler.ReadinessHandler)
	mux.HandleFunc("/live", healthHandler.LivenessHandler)
	return mux
}

func ServeWithHealth(addr string, healthHandler *health.Handler, log *zap.SugaredLogger) {
	if err := http.ListenAndServe(addr, NewMux(healthHandler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warnw("metrics server stopped", "err", err)
	}
}
