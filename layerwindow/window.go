package layerwindow

import (
	"fmt"
	"unsafe"

	"github.com/databloom/pagedkv-layerwindow/internal/logging"
	"github.com/databloom/pagedkv-layerwindow/internal/telemetry"
	"github.com/databloom/pagedkv-layerwindow/stagingpool"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrStagingAllocFailed wraps a staging-pool allocation failure. Per
// spec §7, this is fatal at initialization time.
type ErrStagingAllocFailed struct{ Err error }

func (e *ErrStagingAllocFailed) Error() string {
	return fmt.Sprintf("layerwindow: staging allocation failed: %v", e.Err)
}
func (e *ErrStagingAllocFailed) Unwrap() error { return e.Err }

// savedPointer is one entry of a staged layer's saved-pointer list:
// the tensor node (identity never changes) plus its original data
// address and buffer handle, used to restore state on eviction.
type savedPointer struct {
	tensor   Tensor
	origData unsafe.Pointer
	origBuf  BufferHandle
}

// Entry is one layer's tier assignment, transfer state, and (if
// staged) saved pointer triples used to restore state on eviction.
// Mirrors llama_layer_window_entry.
type Entry struct {
	Index       int
	Tier        Tier
	State       TransferState
	WeightBytes int
	StagingSlot int // -1 if not staged, 0 or 1

	savedPtrs []savedPointer
}

// Window is the per-model layer-tier manager (spec §4.3).
//
// Not safe for concurrent use by itself; synchronization between the
// main compute thread and a background loader is the caller's
// responsibility, following the happens-before contract in spec §5.
type Window struct {
	cfg Config

	entries []Entry
	nLayer  int
	nWindow int

	nGPUStatic int
	nCPU       int
	nDisk      int

	staging    *stagingpool.Pool
	activeSlot int
	backend    GPUBackend

	log     *logging.Logger
	metrics *telemetry.WindowMetrics
}

// Option configures a Window at construction.
type Option func(*Window)

// WithMetrics registers window metrics against reg.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(w *Window) { w.metrics = telemetry.NewWindowMetrics(reg) }
}

// WithLogger overrides the default logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Window) { w.log = l }
}

// New creates a Window with the given config. Call Init to populate
// per-layer entries.
func New(cfg Config, opts ...Option) *Window {
	w := &Window{cfg: cfg, log: logging.Default}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Init creates nLayer default entries: tier = CPU, state = IDLE.
func (w *Window) Init(nLayer int) {
	w.nLayer = nLayer
	w.entries = make([]Entry, nLayer)
	for i := range w.entries {
		w.entries[i] = Entry{
			Index:       i,
			Tier:        TierCPU,
			State:       StateIdle,
			StagingSlot: -1,
		}
	}
}

// NumLayers returns the total layer count.
func (w *Window) NumLayers() int { return w.nLayer }

// Entry returns a copy of layer il's current entry.
func (w *Window) Entry(il int) Entry { return w.entries[il] }

// ComputeLayerSizes fills each entry's WeightBytes by summing the byte
// size of all tensors belonging to that layer.
func (w *Window) ComputeLayerSizes(model Model) {
	layers := model.Layers()
	for _, layer := range layers {
		il := layer.Index()
		if il < 0 || il >= w.nLayer {
			continue
		}
		total := 0
		layer.ForEachTensor(func(t Tensor) {
			total += t.NBytes()
		})
		w.entries[il].WeightBytes = total
	}
}

// AutoDetectTiers classifies each layer into GPU/CPU/DISK.
//
// Algorithm (verbatim from llama_layer_window::auto_detect_tiers):
// query free bytes summed across all GPU/IGPU devices, subtract the
// safety margin to get gpu_budget; do the same for cpuAvailable to get
// cpu_budget. Iterate layers from last to first (output layers benefit
// most from GPU residency); greedy-fit into gpu_budget, overflow into
// cpu_budget, the rest into DISK.
func (w *Window) AutoDetectTiers(devices []Device, cpuAvailable uint64) {
	var gpuFree uint64
	for _, d := range devices {
		if d.Kind() == DeviceGPU || d.Kind() == DeviceIGPU {
			free, _ := d.Memory()
			gpuFree += free
		}
	}

	margin := uint64(w.cfg.SafetyMargin)
	gpuBudget := subtractMargin(gpuFree, margin)
	cpuBudget := subtractMargin(cpuAvailable, margin)

	w.nGPUStatic, w.nCPU, w.nDisk = 0, 0, 0

	for il := w.nLayer - 1; il >= 0; il-- {
		size := uint64(w.entries[il].WeightBytes)
		switch {
		case size <= gpuBudget:
			w.entries[il].Tier = TierGPU
			gpuBudget -= size
			w.nGPUStatic++
		case size <= cpuBudget:
			w.entries[il].Tier = TierCPU
			cpuBudget -= size
			w.nCPU++
		default:
			w.entries[il].Tier = TierDisk
			w.nDisk++
		}
	}

	if w.metrics != nil {
		w.metrics.GPUTierLayers.Set(float64(w.nGPUStatic))
		w.metrics.CPUTierLayers.Set(float64(w.nCPU))
		w.metrics.DiskTierLayers.Set(float64(w.nDisk))
	}
	w.log.Info("layerwindow: tier assignment",
		"gpu", w.nGPUStatic, "cpu", w.nCPU, "disk", w.nDisk)
}

func subtractMargin(v, margin uint64) uint64 {
	if v > margin {
		return v - margin
	}
	return 0
}

// TierStats returns the layer counts per tier from the last
// AutoDetectTiers call.
func (w *Window) TierStats() (gpu, cpu, disk int) {
	return w.nGPUStatic, w.nCPU, w.nDisk
}

// AutoDetectWindow computes the window size from available VRAM.
//
// available = freeVRAM - kvCacheSize - activationSize - safetyMargin.
// If <= 0, windowing is disabled (returns 0). Otherwise n_window =
// clamp(available / (2*maxLayer), 1, nCPUTier); the factor 2 reserves
// one staging pair per in-flight layer.
func (w *Window) AutoDetectWindow(freeVRAM, kvCacheSize, activationSize uint64) int32 {
	margin := uint64(w.cfg.SafetyMargin)
	reserved := kvCacheSize + activationSize + margin

	if freeVRAM <= reserved {
		w.log.Warn("layerwindow: VRAM too small for window, disabling",
			"free_vram", freeVRAM, "reserved", reserved)
		w.nWindow = 0
		if w.metrics != nil {
			w.metrics.WindowSize.Set(0)
		}
		return 0
	}
	available := freeVRAM - reserved

	var maxLayer uint64
	var nCPU int32
	for _, e := range w.entries {
		if e.Tier == TierCPU {
			if uint64(e.WeightBytes) > maxLayer {
				maxLayer = uint64(e.WeightBytes)
			}
			nCPU++
		}
	}
	if maxLayer == 0 || nCPU == 0 {
		w.nWindow = 0
		return 0
	}

	n := int32(available / (2 * maxLayer))
	if n < 1 {
		n = 1
	}
	if n > nCPU {
		n = nCPU
	}
	w.nWindow = int(n)

	if w.metrics != nil {
		w.metrics.WindowSize.Set(float64(n))
	}
	w.log.Info("layerwindow: auto-detected window size",
		"n_window", n, "available_bytes", available, "max_layer_bytes", maxLayer, "n_cpu_tier", nCPU)
	return n
}

// resolvedWindow returns the effective window size honoring a manual
// NWindow override from Config.
func (w *Window) resolvedWindow() int {
	switch {
	case w.cfg.NWindow > 0:
		return int(w.cfg.NWindow)
	case w.cfg.NWindow == 0:
		return 0
	default:
		return w.nWindow
	}
}

// AllocateStagingBuffers allocates two host buffers and two device
// buffers, each sized to the largest layer that will ever rotate
// through staging — every CPU-tier layer (windowed in and out
// continuously) and every DISK-tier layer (staged in once it is
// prefetched from disk). Sizes are read from each entry's WeightBytes,
// as filled by ComputeLayerSizes; when all of them are zero nothing is
// allocated and nil is returned.
func (w *Window) AllocateStagingBuffers(backend GPUBackend) error {
	var maxLayer int
	for _, e := range w.entries {
		if (e.Tier == TierCPU || e.Tier == TierDisk) && e.WeightBytes > maxLayer {
			maxLayer = e.WeightBytes
		}
	}
	if maxLayer == 0 {
		w.log.Warn("layerwindow: no CPU- or disk-tier layer with non-zero weight bytes, skipping staging allocation")
		return nil
	}

	pool, err := stagingpool.Allocate(backend, maxLayer)
	if err != nil {
		return &ErrStagingAllocFailed{Err: err}
	}
	w.staging = pool
	w.backend = backend
	return nil
}

// GetWindowRange returns the half-open layer interval [start, end) that
// should be resident on GPU for currentIl, centered and clamped to
// [0, n_layer). When windowing is disabled, returns [0, n_layer).
func (w *Window) GetWindowRange(currentIl int) (start, end int) {
	n := w.resolvedWindow()
	if n <= 0 || n >= w.nLayer {
		return 0, w.nLayer
	}

	half := n / 2
	start = currentIl - half
	end = start + n

	if start < 0 {
		start = 0
		end = min(n, w.nLayer)
	}
	if end > w.nLayer {
		end = w.nLayer
		start = max(0, end-n)
	}
	return start, end
}

// IsOnGPU reports whether layer il's weights are presently accessible
// on the accelerator.
func (w *Window) IsOnGPU(il int) bool {
	if il < 0 || il >= w.nLayer {
		return false
	}
	e := &w.entries[il]
	return e.Tier == TierGPU || e.StagingSlot >= 0
}

// SwapLayerToGPU rebinds layer's tensor data/buffer pointers into the
// active staging slot. No-op if the layer is GPU-tier or already
// staged. The tensor descriptor identities are never touched — only
// their data/buffer fields.
func (w *Window) SwapLayerToGPU(il int, layer Layer) error {
	e := &w.entries[il]
	if e.Tier == TierGPU || e.StagingSlot >= 0 {
		return nil
	}
	if w.staging == nil {
		return fmt.Errorf("layerwindow: swap_layer_to_gpu called before staging buffers were allocated")
	}

	slot := w.activeSlot
	e.StagingSlot = slot
	e.savedPtrs = e.savedPtrs[:0]

	dst := w.staging.Slot(slot).Device
	base := dst.Base()
	offset := 0

	layer.ForEachTensor(func(t Tensor) {
		e.savedPtrs = append(e.savedPtrs, savedPointer{
			tensor:   t,
			origData: t.DataPtr(),
			origBuf:  t.Buffer(),
		})
		t.SetDataPtr(addOffset(base, offset))
		t.SetBuffer(dst)
		offset += t.NBytes()
	})

	if w.metrics != nil {
		w.metrics.SwapToGPUTotal.Inc()
	}
	return nil
}

// SwapLayerToCPU restores every tensor's saved data/buffer pointer and
// clears the saved list. No-op if the layer is GPU-tier or not staged.
func (w *Window) SwapLayerToCPU(il int, layer Layer) {
	e := &w.entries[il]
	if e.Tier == TierGPU || e.StagingSlot < 0 {
		return
	}

	for _, sp := range e.savedPtrs {
		sp.tensor.SetDataPtr(sp.origData)
		sp.tensor.SetBuffer(sp.origBuf)
	}
	e.savedPtrs = e.savedPtrs[:0]
	e.StagingSlot = -1

	if w.metrics != nil {
		w.metrics.SwapToCPUTotal.Inc()
	}
}

// AdvanceSlot flips the active/prefetch staging roles after a layer
// advance, and keeps the window's own notion of the active slot (used
// by SwapLayerToGPU) in sync with the staging pool's.
func (w *Window) AdvanceSlot() {
	if w.staging != nil {
		w.staging.Advance()
	}
	w.activeSlot = 1 - w.activeSlot
}

// Close releases the staging pool, if allocated.
func (w *Window) Close() {
	if w.staging != nil {
		w.staging.Close()
		w.staging = nil
	}
}
