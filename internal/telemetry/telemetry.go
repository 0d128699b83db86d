// Package telemetry exposes Prometheus metrics for the paged KV cache
// and layer window cores. Each constructor takes its own
// *prometheus.Registry rather than registering against the global
// DefaultRegisterer, so the metrics are safe to construct more than
// once per process (e.g. once per test).
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AllocatorMetrics tracks block-allocator activity.
type AllocatorMetrics struct {
	FreeBlocks     prometheus.Gauge
	AllocateTotal  prometheus.Counter
	FreeTotal      prometheus.Counter
	IncRefTotal    prometheus.Counter
	ExhaustedTotal prometheus.Counter
}

// NewAllocatorMetrics registers allocator metrics against reg.
func NewAllocatorMetrics(reg *prometheus.Registry) *AllocatorMetrics {
	f := promauto.With(reg)
	return &AllocatorMetrics{
		FreeBlocks: f.NewGauge(prometheus.GaugeOpts{
			Name: "pagedkv_allocator_free_blocks",
			Help: "Number of physical blocks currently on the free list.",
		}),
		AllocateTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pagedkv_allocator_allocate_total",
			Help: "Total number of successful allocate() calls.",
		}),
		FreeTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pagedkv_allocator_free_total",
			Help: "Total number of free() calls.",
		}),
		IncRefTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pagedkv_allocator_inc_ref_total",
			Help: "Total number of inc_ref() calls.",
		}),
		ExhaustedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pagedkv_allocator_exhausted_total",
			Help: "Total number of allocate() calls that failed with NoFreeBlocks.",
		}),
	}
}

// WindowMetrics tracks layer-window tier assignment and swap activity.
type WindowMetrics struct {
	GPUTierLayers     prometheus.Gauge
	CPUTierLayers     prometheus.Gauge
	DiskTierLayers    prometheus.Gauge
	WindowSize        prometheus.Gauge
	SwapToGPUTotal    prometheus.Counter
	SwapToCPUTotal    prometheus.Counter
	DiskLoadSeconds   prometheus.Histogram
	DiskLoadErrors    prometheus.Counter
	CacheEvictedTotal prometheus.Counter
}

// NewWindowMetrics registers layer-window metrics against reg.
func NewWindowMetrics(reg *prometheus.Registry) *WindowMetrics {
	f := promauto.With(reg)
	return &WindowMetrics{
		GPUTierLayers: f.NewGauge(prometheus.GaugeOpts{
			Name: "layerwindow_gpu_tier_layers",
			Help: "Number of layers permanently resident on GPU.",
		}),
		CPUTierLayers: f.NewGauge(prometheus.GaugeOpts{
			Name: "layerwindow_cpu_tier_layers",
			Help: "Number of layers in the CPU tier (windowed).",
		}),
		DiskTierLayers: f.NewGauge(prometheus.GaugeOpts{
			Name: "layerwindow_disk_tier_layers",
			Help: "Number of layers in the disk tier.",
		}),
		WindowSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "layerwindow_size",
			Help: "Window size from the last auto-detection, in layers.",
		}),
		SwapToGPUTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "layerwindow_swap_to_gpu_total",
			Help: "Total number of layers bound into a GPU staging slot (swap_layer_to_gpu swaps and stage_disk_layer calls).",
		}),
		SwapToCPUTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "layerwindow_swap_to_cpu_total",
			Help: "Total number of swap_layer_to_cpu calls that performed a swap.",
		}),
		DiskLoadSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "layerwindow_disk_load_seconds",
			Help:    "Duration of load_layer_from_disk calls.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		DiskLoadErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "layerwindow_disk_load_errors_total",
			Help: "Total number of short reads or I/O errors during disk load.",
		}),
		CacheEvictedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "layerwindow_cpu_cache_evicted_total",
			Help: "Total number of CPU-cache entries evicted by LRU.",
		}),
	}
}
