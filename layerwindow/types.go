// Package layerwindow places model weight layers across three storage
// tiers (GPU, CPU, DISK) and rotates CPU-tier layers through a pair of
// GPU-resident staging buffers, so that an inference pass touching
// layer i finds i's weights already present on the accelerator.
//
// Rotation rebinds data pointers inside pre-existing tensor
// descriptors — it never edits the compute graph. Grounded on
// _examples/original_source/src/llama-layer-window.{h,cpp}.
package layerwindow

import (
	"unsafe"

	"github.com/databloom/pagedkv-layerwindow/stagingpool"
)

// Tier is the storage class of a layer's weights.
type Tier int

const (
	TierGPU  Tier = iota // permanently resident on the accelerator
	TierCPU              // windowed into GPU staging as needed
	TierDisk             // paged in on demand from disk
)

func (t Tier) String() string {
	switch t {
	case TierGPU:
		return "gpu"
	case TierCPU:
		return "cpu"
	case TierDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// TransferState is a layer entry's position in the IDLE → LOADING →
// READY state machine (spec §4.3).
type TransferState int

const (
	StateIdle TransferState = iota
	StateLoading
	StateReady
)

func (s TransferState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// DeviceKind classifies a Device.
type DeviceKind int

const (
	DeviceCPU DeviceKind = iota
	DeviceGPU
	DeviceIGPU
)

// Tensor is the upstream tensor-descriptor interface this package
// depends on (spec §6 "Tensor enumeration per layer"). Implementations
// wrap whatever the compute engine's native tensor node type is.
type Tensor interface {
	// ID identifies the tensor for logging/diagnostics.
	ID() string
	// NBytes is the tensor's total byte size.
	NBytes() int
	// DataPtr returns the tensor's current data address.
	DataPtr() unsafe.Pointer
	// SetDataPtr rebinds the tensor's data address. The descriptor
	// identity itself is never touched.
	SetDataPtr(unsafe.Pointer)
	// Buffer returns the tensor's current backing buffer handle.
	Buffer() BufferHandle
	// SetBuffer rebinds the tensor's backing buffer handle.
	SetBuffer(BufferHandle)
}

// Layer is one model layer's tensor set, visited through an explicit
// iterator rather than a contiguous-field walk (spec §9 Design Notes,
// Open Questions: "the abstract interface is preferred").
type Layer interface {
	Index() int
	ForEachTensor(func(Tensor))
}

// Model enumerates a model's layers in order.
type Model interface {
	Layers() []Layer
}

// Device describes one compute device's kind and current memory
// occupancy.
type Device interface {
	Kind() DeviceKind
	// Memory returns (free, total) bytes.
	Memory() (free, total uint64)
}

// BufferHandle is an opaque handle to a device (or pinned host) buffer.
// It is an alias of stagingpool.DeviceBuffer so tensors can carry
// either a staging buffer or a permanent GPU-tier buffer through the
// same field without an import cycle between the two packages.
type BufferHandle = stagingpool.DeviceBuffer

// GPUBackend allocates and frees device buffers of a requested size.
type GPUBackend = stagingpool.DeviceBufferAllocator

// Config configures the layer window (spec §6).
type Config struct {
	// NWindow: -1 auto-detect, 0 disabled, >0 manual window size.
	NWindow int32
	// PrefetchEnabled toggles asynchronous background prefetch.
	PrefetchEnabled bool
	// CPUCacheBudget is the disk tier's CPU cache budget, in bytes.
	// layerwindow does not read it; the bound is enforced by the
	// diskstore.Config.CPUCacheBudget the disk tier is built with.
	CPUCacheBudget int64
	// SafetyMargin is reserved off free device/host memory during
	// auto-detection.
	SafetyMargin int64
	// BlockSize is the paged KV cache's block size; layerwindow does
	// not use it directly but it rides along in the shared config
	// struct the surrounding runtime passes to both cores.
	BlockSize uint32
}

// DefaultSafetyMargin is 256 MiB, per spec §4.3/§4.4.
const DefaultSafetyMargin = 256 << 20

// DefaultConfig returns a Config with auto-detected window size,
// prefetch enabled, and the default 256 MiB safety margin.
func DefaultConfig() Config {
	return Config{
		NWindow:         -1,
		PrefetchEnabled: true,
		SafetyMargin:    DefaultSafetyMargin,
		BlockSize:       32,
	}
}

func addOffset(base unsafe.Pointer, off int) unsafe.Pointer {
	return unsafe.Add(base, off)
}
