package metrics

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Snapshot is a point-in-time read of every gatecore_* series in the
// registry, flattened to name{labels} → value. Operational tooling consumes
// this as JSON without needing a Prometheus scrape cycle.
type Snapshot map[string]float64

// Gather reads the default registry and returns a Snapshot of gatecore
// metrics. Histograms are reported as _count and _sum pairs.
func Gather() (Snapshot, error) {
	return gatherFrom(prometheus.DefaultGatherer)
}

func gatherFrom(g prometheus.Gatherer) (Snapshot, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	snap := make(Snapshot)
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, "gatecore_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			series := name + labelSuffix(m)
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				snap[series] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				snap[series] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				h := m.GetHistogram()
				snap[series+"_count"] = float64(h.GetSampleCount())
				snap[series+"_sum"] = h.GetSampleSum()
			}
		}
	}
	return snap, nil
}

func labelSuffix(m *dto.Metric) string {
	if len(m.GetLabel()) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		parts = append(parts, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
