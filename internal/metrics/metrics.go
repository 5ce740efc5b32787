// Package metrics exposes Prometheus counters for the asset engine.
// Everything is observer-driven: Register subscribes to the bus topics
// the registries and scheduler already fire, so no engine component
// needs to know metrics exist.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openlist/assetengine/internal/observerbus"
	"github.com/openlist/assetengine/internal/scheduler"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	AssetsUpdated   prometheus.Counter
	AssetsFailed    prometheus.Counter
	SourcesAdded    prometheus.Counter
	CyclesFinished  prometheus.Counter
	UpdatedPerCycle prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AssetsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetengine_assets_updated_total",
			Help: "Assets whose cached content changed (full refresh or diff patch).",
		}),
		AssetsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetengine_asset_updates_failed_total",
			Help: "Asset refresh attempts that failed on every candidate URL.",
		}),
		SourcesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetengine_builtin_sources_added_total",
			Help: "Built-in source entries added by assets.json reingests.",
		}),
		CyclesFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assetengine_update_cycles_total",
			Help: "Completed update cycles.",
		}),
		UpdatedPerCycle: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "assetengine_assets_updated_per_cycle",
			Help:    "Assets changed per completed update cycle.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
	reg.MustRegister(m.AssetsUpdated, m.AssetsFailed, m.SourcesAdded, m.CyclesFinished, m.UpdatedPerCycle)
	return m
}

// Register subscribes the collectors to bus. The observer never returns
// a value, so it cannot interfere with veto semantics on any topic.
func (m *Metrics) Register(bus *observerbus.Bus) {
	bus.Add(func(_ context.Context, details any) any {
		ev, ok := details.(observerbus.Event)
		if !ok {
			return nil
		}
		switch ev.Topic {
		case "after-asset-updated":
			m.AssetsUpdated.Inc()
		case "asset-update-failed":
			m.AssetsFailed.Inc()
		case "builtin-asset-source-added":
			m.SourcesAdded.Inc()
		case "after-assets-updated":
			m.CyclesFinished.Inc()
			if payload, ok := ev.Details.(scheduler.AfterAssetsUpdatedEvent); ok {
				m.UpdatedPerCycle.Observe(float64(len(payload.Updated)))
			}
		}
		return nil
	})
}
