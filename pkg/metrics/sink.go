package metrics

import (
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the capability handle threaded to components that record
// point-in-time captures of orchestrator telemetry.
type Sink interface {
	Snapshot() ([]byte, error)
}

// PrometheusSink snapshots the default registry into a flat JSON document
// of metric name to value, suitable for the metrics_snapshots table.
type PrometheusSink struct {
	gatherer prometheus.Gatherer
}

// NewPrometheusSink returns a sink over the default gatherer.
func NewPrometheusSink() *PrometheusSink {
	return &PrometheusSink{gatherer: prometheus.DefaultGatherer}
}

func (s *PrometheusSink) Snapshot() ([]byte, error) {
	families, err := s.gatherer.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics: %w", err)
	}

	flat := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, lp := range m.GetLabel() {
				name += fmt.Sprintf(",%s=%s", lp.GetName(), lp.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				flat[name] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				flat[name] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				flat[name+",stat=count"] = float64(m.GetHistogram().GetSampleCount())
				flat[name+",stat=sum"] = m.GetHistogram().GetSampleSum()
			}
		}
	}
	return json.Marshal(flat)
}
