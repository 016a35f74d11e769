package stats

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics exports pipeline lifecycle events to Prometheus.
type Metrics struct {
	ItemsFetchedTotal prometheus.Counter
	StageEventsTotal  *prometheus.CounterVec
	StageErrorsTotal  *prometheus.CounterVec
	InFlight          prometheus.Gauge
}

// NewMetrics registers the expense_* metrics once per process and returns
// the shared instance.
//
// Metrics:
//   - expense_items_fetched_total - items returned by the source
//   - expense_stage_events_total{stage,type} - successful lifecycle steps
//   - expense_stage_errors_total{stage} - failed lifecycle steps
//   - expense_items_in_flight - items fetched but not yet finished
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			ItemsFetchedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "expense_items_fetched_total",
				Help: "Total number of unread items fetched from the source",
			}),
			StageEventsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "expense_stage_events_total",
					Help: "Total number of completed item lifecycle steps",
				},
				[]string{"stage", "type"},
			),
			StageErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "expense_stage_errors_total",
					Help: "Total number of failed item lifecycle steps",
				},
				[]string{"stage"},
			),
			InFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "expense_items_in_flight",
				Help: "Items fetched in the current run that have not finished",
			}),
		}
	})
	return globalMetrics
}

// Observe records one event.
func (m *Metrics) Observe(evt Event) {
	switch evt.Type {
	case EventTypeFetched:
		m.ItemsFetchedTotal.Add(float64(evt.Count))
		m.InFlight.Add(float64(evt.Count))
	case EventTypeError:
		m.StageErrorsTotal.WithLabelValues(string(evt.Stage)).Inc()
		if evt.ItemID != "" {
			m.InFlight.Dec()
		}
	default:
		m.StageEventsTotal.WithLabelValues(string(evt.Stage), string(evt.Type)).Inc()
		if evt.Type == EventTypeAcknowledged {
			m.InFlight.Dec()
		}
	}
}

// Subscriber feeds every event of a run into the metrics.
func (m *Metrics) Subscriber(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			m.Observe(evt)
		}
	}
}
