// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for the poissonq demos. It deliberately avoids the
// prometheus/client_golang package so the binaries stay small with no
// additional dependencies.
//
// Every counter is keyed by category label, so a single sync.Map per
// counter holds all label combinations without map nesting. Calling
// Registry.Handler() returns an http.Handler that renders all counters in
// the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map
// and atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all poissonq application metrics. The zero value is ready
// for use. The per-category methods line up with the composite queue's
// observer hook and the scheduler's evict hook, so a Registry can be
// attached to both directly.
type Registry struct {
	// Per-category counters. key = category label.
	Fires       labelCounter // action triggers
	Evictions   labelCounter // categories removed after a failing trigger
	Transfers   labelCounter // items moved from the shared input to a processor
	Processed   labelCounter // items a processor function accepted
	Failures    labelCounter // items a processor function rejected
	ZombieItems labelCounter // items recovered by zombie cleanup
}

// Fired records one action trigger for the category.
func (r *Registry) Fired(category string) { r.Fires.Inc(category) }

// Evicted records the removal of a category after its action failed.
func (r *Registry) Evicted(category string) { r.Evictions.Inc(category) }

// Transferred records one item handed to the category's processor.
func (r *Registry) Transferred(category string) { r.Transfers.Inc(category) }

// ItemProcessed records one successfully processed item.
func (r *Registry) ItemProcessed(category string) { r.Processed.Inc(category) }

// ItemFailed records one rejected item (the processor becomes a zombie).
func (r *Registry) ItemFailed(category string) { r.Failures.Inc(category) }

// ItemsRecovered records items returned to the shared input by cleanup.
func (r *Registry) ItemsRecovered(category string, n int64) {
	r.ZombieItems.Add(category, n)
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the
// Prometheus plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, r.render())
	})
}

func (r *Registry) render() string {
	var b strings.Builder

	families := []struct {
		name    string
		help    string
		counter *labelCounter
	}{
		{"poissonq_fires_total", "Total action triggers per category", &r.Fires},
		{"poissonq_evictions_total", "Total categories evicted after a failing trigger", &r.Evictions},
		{"poissonq_transfers_total", "Total items transferred to processors per category", &r.Transfers},
		{"poissonq_items_processed_total", "Total items accepted by processor functions", &r.Processed},
		{"poissonq_items_failed_total", "Total items rejected by processor functions", &r.Failures},
		{"poissonq_items_recovered_total", "Total items returned to the shared input by zombie cleanup", &r.ZombieItems},
	}
	for _, f := range families {
		writeFamily(&b, f.name, f.help, "counter", func(fn func(labels, val string)) {
			f.counter.Each(func(key string, val int64) {
				fn(fmt.Sprintf(`category=%q`, key), fmt.Sprintf("%d", val))
			})
		})
	}
	return b.String()
}

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value
// lines; families with no samples are skipped entirely.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}
