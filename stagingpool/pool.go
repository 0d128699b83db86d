// Package stagingpool implements the double-buffered host+device
// staging areas that layerwindow rotates CPU-tier layers through.
//
// Grounded on _examples/original_source/src/llama-layer-window.h
// (llama_layer_window::staging_buffer, staging_gpu_buffer).
package stagingpool

import (
	"fmt"
	"unsafe"
)

// HostBuffer is a host-memory staging buffer, the source of
// host→device copies.
type HostBuffer struct {
	ptr    unsafe.Pointer
	size   int
	pinned bool
}

// Base returns the buffer's base address.
func (b *HostBuffer) Base() unsafe.Pointer { return b.ptr }

// Size returns the buffer's byte size.
func (b *HostBuffer) Size() int { return b.size }

// Pinned reports whether the host allocation is pinned (page-locked)
// memory. This implementation always allocates plain Go memory, so
// Pinned is always false — mirroring the original's fallback path
// ("TODO: use ggml_backend_dev_host_buffer_type() for pinned memory").
func (b *HostBuffer) Pinned() bool { return b.pinned }

// Bytes exposes the host buffer as a byte slice so a disk loader can
// write directly into it without an intermediate copy.
func (b *HostBuffer) Bytes() []byte {
	if b.size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(b.ptr), b.size)
}

// DeviceCopier uploads host-staged bytes into a device buffer. Backends
// that can issue an async host-to-device copy implement this in
// addition to DeviceBufferAllocator; layerwindow's prefetch path uses
// it to get a layer from the idle staging slot onto the accelerator.
type DeviceCopier interface {
	CopyHostToDevice(dst DeviceBuffer, src []byte) error
}

// DeviceBufferAllocator matches layerwindow.GPUBackend structurally so
// stagingpool has no import-cycle dependency on layerwindow.
type DeviceBufferAllocator interface {
	AllocBuffer(size int) (DeviceBuffer, error)
	FreeBuffer(DeviceBuffer)
}

// DeviceBuffer is an opaque device buffer handle.
type DeviceBuffer interface {
	Base() unsafe.Pointer
	Size() int
}

// Slot is one of the two parallel (host, device) staging buffer pairs.
type Slot struct {
	Host   *HostBuffer
	Device DeviceBuffer
}

// Pool holds the two staging slots and tracks which one is currently
// being consumed by compute (ActiveSlot) versus which is the prefetch
// target (1 - ActiveSlot).
type Pool struct {
	slots      [2]Slot
	activeSlot int
	backend    DeviceBufferAllocator
}

// ErrAllocFailed is returned when a staging buffer could not be
// allocated. Per spec §4.3/§7, this is fatal at initialization time —
// the caller is expected to treat it as such.
type ErrAllocFailed struct {
	Which string
	Err   error
}

func (e *ErrAllocFailed) Error() string {
	return fmt.Sprintf("stagingpool: failed to allocate %s staging buffer: %v", e.Which, e.Err)
}

func (e *ErrAllocFailed) Unwrap() error { return e.Err }

// Allocate creates two host buffers and two device buffers, each sized
// to maxLayerBytes (the largest layer that rotates through staging).
func Allocate(backend DeviceBufferAllocator, maxLayerBytes int) (*Pool, error) {
	p := &Pool{backend: backend}

	for i := 0; i < 2; i++ {
		buf := make([]byte, maxLayerBytes)
		var ptr unsafe.Pointer
		if maxLayerBytes > 0 {
			ptr = unsafe.Pointer(&buf[0])
		}
		p.slots[i].Host = &HostBuffer{ptr: ptr, size: maxLayerBytes, pinned: false}

		dev, err := backend.AllocBuffer(maxLayerBytes)
		if err != nil {
			return nil, &ErrAllocFailed{Which: fmt.Sprintf("device[%d]", i), Err: err}
		}
		p.slots[i].Device = dev
	}

	return p, nil
}

// ActiveSlot returns the slot index currently being consumed by
// compute.
func (p *Pool) ActiveSlot() int { return p.activeSlot }

// PrefetchSlot returns the slot index currently idle (the prefetch
// target).
func (p *Pool) PrefetchSlot() int { return 1 - p.activeSlot }

// Advance flips the active/prefetch roles, called after each layer
// advance (spec §4.5).
func (p *Pool) Advance() { p.activeSlot = 1 - p.activeSlot }

// Slot returns the slot at index i (0 or 1).
func (p *Pool) Slot(i int) Slot { return p.slots[i] }

// Close releases both device buffers. Host buffers are garbage
// collected normally.
func (p *Pool) Close() {
	for i := range p.slots {
		if p.slots[i].Device != nil {
			p.backend.FreeBuffer(p.slots[i].Device)
			p.slots[i].Device = nil
		}
	}
}
