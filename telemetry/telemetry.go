// Package telemetry is Aero's structured counter registry: the tiers
// and AeroGPU never surface their internal bookkeeping as host errors
// (architectural faults go through the guest's IDTR, device errors
// latch into guest-visible registers), so the only place that activity
// becomes observable from outside the guest is here, as Prometheus
// collectors an embedder can scrape.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector Aero's tiers and devices report
// into. A nil *Registry method receiver is never expected; use New or
// NewUnregistered to obtain one.
type Registry struct {
	TraceCompiles   prometheus.Counter
	TraceInvalidate prometheus.Counter
	BlockCompiles   prometheus.Counter
	CacheEvictions  prometheus.Counter
	Assists         *prometheus.CounterVec
	DispatchSteps   *prometheus.CounterVec

	GPUIRQStatus   prometheus.Gauge
	GPUErrorCount  prometheus.Counter
	GPURingAdvance prometheus.Counter
}

// NewUnregistered builds a Registry without registering its collectors
// with any prometheus.Registerer, for tests and for embedders that want
// to pick their own registry instance.
func NewUnregistered() *Registry {
	return &Registry{
		TraceCompiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aero_trace_compiles_total",
			Help: "Tier-2 traces successfully built.",
		}),
		TraceInvalidate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aero_trace_invalidations_total",
			Help: "Trace executions that bailed out on a stale page guard.",
		}),
		BlockCompiles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aero_block_compiles_total",
			Help: "Tier-1 blocks successfully compiled.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aero_codecache_evictions_total",
			Help: "Code cache handles evicted, by LRU pressure or page invalidation.",
		}),
		Assists: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aero_assists_total",
			Help: "Tier-0 assists handled, by reason.",
		}, []string{"reason"}),
		DispatchSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aero_dispatch_steps_total",
			Help: "Dispatcher steps, by which tier serviced them.",
		}, []string{"tier"}),
		GPUIRQStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aerogpu_irq_status",
			Help: "Current AeroGPU IRQ_STATUS register value.",
		}),
		GPUErrorCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aerogpu_errors_total",
			Help: "AeroGPU ring/descriptor errors latched.",
		}),
		GPURingAdvance: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aerogpu_ring_entries_processed_total",
			Help: "AeroGPU submit-ring entries successfully processed.",
		}),
	}
}

// New builds a Registry and registers every collector with reg.
func New(reg prometheus.Registerer) *Registry {
	r := NewUnregistered()

	reg.MustRegister(
		r.TraceCompiles,
		r.TraceInvalidate,
		r.BlockCompiles,
		r.CacheEvictions,
		r.Assists,
		r.DispatchSteps,
		r.GPUIRQStatus,
		r.GPUErrorCount,
		r.GPURingAdvance,
	)

	return r
}
