package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const metricName = "ome_publisher_events_total"

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler exposes Metrics in Prometheus' text exposition format as a
// single counter family with an `event` label.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Publisher session and transport event counters.\n", metricName)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", metricName)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", metricName, labelEscaper.Replace(k), snap[k])
		}
	})
}
