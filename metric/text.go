package metric

import (
	"io"
	"strings"

	"github.com/prometheus/common/expfmt"

	"github.com/c360/depthgraph/errors"
)

// WriteText writes every depthgraph_* family in the Prometheus text format.
// The Go runtime and process collectors are left out.
func WriteText(w io.Writer, r *MetricsRegistry) error {
	if r == nil {
		return nil
	}
	families, err := r.prometheusRegistry.Gather()
	if err != nil {
		return errors.Wrap(err, "MetricsRegistry", "WriteText", "gather")
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), Namespace+"_") {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return errors.Wrap(err, "MetricsRegistry", "WriteText", mf.GetName())
		}
	}
	return nil
}
