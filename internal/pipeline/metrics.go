package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the pipeline. All series carry the pipeline name so
// the live and backfill pipelines can coexist in one registry.
type Metrics struct {
	Published   prometheus.Counter
	Dropped     prometheus.Counter
	Batches     prometheus.Counter
	BatchEvents prometheus.Counter
	Flushes     prometheus.Counter
	SinkErrors  prometheus.Counter
	BusErrors   prometheus.Counter
	QueueDepth  prometheus.Gauge
}

// NewMetrics registers pipeline metrics on the given registerer.
func NewMetrics(name string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"pipeline": name}

	m := &Metrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrun_pipeline_published_total", Help: "Events accepted by Publish.", ConstLabels: labels,
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrun_pipeline_dropped_total", Help: "Events discarded by the drop-oldest policy.", ConstLabels: labels,
		}),
		Batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrun_pipeline_batches_total", Help: "Batches handed to the sink.", ConstLabels: labels,
		}),
		BatchEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrun_pipeline_batch_events_total", Help: "Events written to the sink.", ConstLabels: labels,
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrun_pipeline_flushes_total", Help: "Sink flushes.", ConstLabels: labels,
		}),
		SinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrun_pipeline_sink_errors_total", Help: "Terminal sink errors.", ConstLabels: labels,
		}),
		BusErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrun_pipeline_bus_errors_total", Help: "Best-effort bus publish failures.", ConstLabels: labels,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedrun_pipeline_queue_depth", Help: "Events currently queued.", ConstLabels: labels,
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Published, m.Dropped, m.Batches, m.BatchEvents,
			m.Flushes, m.SinkErrors, m.BusErrors, m.QueueDepth)
	}
	return m
}
