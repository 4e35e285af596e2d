package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

const namespace = "consult_signal"

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// dropReasons are the counters exported as consult_signal_dropped_total.
var dropReasons = map[string]bool{
	DropReasonRateLimited:   true,
	DropReasonSendOverflow:  true,
	DropReasonMalformed:     true,
	DropReasonUnauthorized:  true,
	DropReasonUnknownSender: true,
}

// Gauge is a point-in-time reading taken on every scrape.
type Gauge struct {
	Name  string // without the namespace prefix
	Help  string
	Value func() int64
}

// PrometheusHandler writes the counters in the text exposition format, split
// into three families: route outcomes, dropped frames, and everything else.
// Gauges follow the counters.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		routes := map[string]uint64{}
		drops := map[string]uint64{}
		events := map[string]uint64{}
		for k, v := range m.Snapshot() {
			switch {
			case strings.HasPrefix(k, RoutePrefix):
				routes[strings.TrimPrefix(k, RoutePrefix)] = v
			case dropReasons[k]:
				drops[k] = v
			default:
				events[k] = v
			}
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		writeCounterFamily(w, "routes_total", "Signals routed, by outcome.", "outcome", routes)
		writeCounterFamily(w, "dropped_total", "Inbound frames dropped, by reason.", "reason", drops)
		writeCounterFamily(w, "events_total", "Connection and call lifecycle events.", "event", events)
		for _, g := range gauges {
			name := namespace + "_" + g.Name
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, g.Help, name, name, g.Value())
		}
	})
}

func writeCounterFamily(w io.Writer, name, help, label string, values map[string]uint64) {
	if len(values) == 0 {
		return
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	name = namespace + "_" + name
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n", name, help, name)
	for _, k := range keys {
		fmt.Fprintf(w, "%s{%s=\"%s\"} %d\n", name, label, labelEscaper.Replace(k), values[k])
	}
}
