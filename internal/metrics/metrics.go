// Package metrics exposes model.DB counters in Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"

	vm "github.com/VictoriaMetrics/metrics"

	"github.com/roach88/rowmap/internal/model"
)

// Source supplies the counters to export.
type Source interface {
	Stats() model.Stats
}

// Registry is a metric set reading its values from a Source at write time.
// Each write takes one Stats snapshot that every gauge reads.
type Registry struct {
	set *vm.Set
	src Source

	mu   sync.Mutex
	snap model.Stats
}

// New registers gauges for every counter of src. Models must be registered
// on the database before New for their live-instance gauges to appear.
func New(src Source) *Registry {
	r := &Registry{set: vm.NewSet(), src: src}

	stat := func(name string, get func(model.Stats) uint64) {
		r.set.NewGauge(name, func() float64 {
			return float64(get(r.snap))
		})
	}
	stat("rowmap_inserts_total", func(s model.Stats) uint64 { return s.Inserts })
	stat("rowmap_updates_total", func(s model.Stats) uint64 { return s.Updates })
	stat("rowmap_deletes_total", func(s model.Stats) uint64 { return s.Deletes })
	stat("rowmap_save_failures_total", func(s model.Stats) uint64 { return s.SaveFailures })
	stat("rowmap_save_refusals_total", func(s model.Stats) uint64 { return s.Refusals })
	stat("rowmap_reloads_total", func(s model.Stats) uint64 { return s.Reloads })
	stat("rowmap_conflicts_total", func(s model.Stats) uint64 { return s.Conflicts })
	stat("rowmap_raw_writes_total", func(s model.Stats) uint64 { return s.RawWrites })
	stat("rowmap_notifications_published_total", func(s model.Stats) uint64 { return s.Published })
	stat("rowmap_notifications_dropped_total", func(s model.Stats) uint64 { return s.Dropped })
	stat("rowmap_cache_hits_total", func(s model.Stats) uint64 { return s.Cache.Hits })
	stat("rowmap_cache_misses_total", func(s model.Stats) uint64 { return s.Cache.Misses })
	stat("rowmap_cache_computes_total", func(s model.Stats) uint64 { return s.Cache.Computes })
	stat("rowmap_cache_purges_total", func(s model.Stats) uint64 { return s.Cache.Purges })
	r.set.NewGauge("rowmap_cache_entries", func() float64 {
		return float64(r.snap.Cache.Entries)
	})

	live := src.Stats().LiveInstances
	names := make([]string, 0, len(live))
	for name := range live {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r.set.NewGauge(fmt.Sprintf(`rowmap_live_instances{model=%q}`, name), func() float64 {
			return float64(r.snap.LiveInstances[name])
		})
	}
	return r
}

// WritePrometheus writes every metric in Prometheus exposition format.
func (r *Registry) WritePrometheus(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap = r.src.Stats()
	r.set.WritePrometheus(w)
}
