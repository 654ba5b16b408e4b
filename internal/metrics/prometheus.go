package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gopipe"

// Register exposes the collector's counters on reg.  The values are
// read on scrape, so the hot path stays on plain atomics.
func (c *Collector) Register(reg prometheus.Registerer) error {
	if c == nil {
		return nil
	}

	counter := func(name, help string, fn func() int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn()) })
	}
	gauge := func(name, help string, fn func() int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn()) })
	}

	collectors := []prometheus.Collector{
		gauge("leases_active", "Relays currently leased to a client.", c.leasesActive.Load),
		counter("leases_total", "Relay leases started.", c.leasesTotal.Load),
		counter("relays_created_total", "Relays constructed by the pool.", c.relaysCreated.Load),
		counter("relays_destroyed_total", "Relays destroyed by the pool.", c.relaysDestroyed.Load),
		counter("chunks_forwarded_total", "Chunks handed to client sinks.", c.chunksForwarded.Load),
		counter("bytes_forwarded_total", "Bytes handed to client sinks.", c.bytesForwarded.Load),
		counter("bytes_sent_total", "Bytes written to upstream transports.", c.bytesSent.Load),
		counter("setup_failures_total", "Relay initializations that failed.", c.setupFailures.Load),
		counter("errors_total", "Unexpected relay errors.", c.errorsTotal.Load),
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves reg in the Prometheus text format at /metrics and the
// JSON snapshot at /json.
func (c *Collector) Handler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(c.JSON())) //nolint:errcheck
	})
	return mux
}
