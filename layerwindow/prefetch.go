package layerwindow

import (
	"context"
	"fmt"

	"github.com/databloom/pagedkv-layerwindow/diskstore"
	"github.com/databloom/pagedkv-layerwindow/stagingpool"
)

// ErrLoadNotReady is returned by WaitReady when a layer's background
// load has not completed within the caller's context deadline.
var ErrLoadNotReady = fmt.Errorf("layerwindow: layer not ready")

// PrefetchDisk asks the disk tier's background loader to begin staging
// layer il, marking its entry LOADING. It is a no-op for GPU/CPU-tier
// layers, which never need a disk round trip, and when
// Config.PrefetchEnabled is false (WaitReady then loads inline).
//
// Synchronization follows spec §5: the main thread only calls this
// ahead of the compute step that will need il, and later calls
// WaitReady before touching the layer's tensors.
func (w *Window) PrefetchDisk(il int, store *diskstore.Store) {
	e := &w.entries[il]
	if !w.cfg.PrefetchEnabled || e.Tier != TierDisk || e.State != StateIdle {
		return
	}
	e.State = StateLoading
	if !store.Submit(il) {
		w.log.Warn("layerwindow: disk prefetch queue full, will load synchronously", "layer", il)
		e.State = StateIdle
	}
}

// WaitReady blocks until the disk tier reports layer il cached (i.e.
// its background load completed), or ctx is done. If the layer was
// never submitted for prefetch it loads synchronously instead.
func (w *Window) WaitReady(ctx context.Context, il int, store *diskstore.Store) error {
	e := &w.entries[il]
	if e.Tier != TierDisk {
		return nil
	}

	for !store.Has(il) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: layer %d: %v", ErrLoadNotReady, il, ctx.Err())
		default:
		}
		if e.State != StateLoading {
			// Nobody is loading it (queue was full); do it inline.
			buf := make([]byte, store.LayerByteLen(il))
			if err := store.LoadLayerFromDisk(il, buf); err != nil {
				return err
			}
			store.Put(il, buf)
			break
		}
	}
	e.State = StateReady
	return nil
}

// StageDiskLayer copies a disk-tier layer's cached bytes into the
// prefetch staging slot's host buffer, then into its device buffer
// (when the backend supports DeviceCopier), and rebinds layer's tensor
// pointers into that slot — mirroring SwapLayerToGPU but targeting the
// prefetch slot rather than the active one, so compute can keep using
// the active slot undisturbed while this upload runs.
func (w *Window) StageDiskLayer(il int, layer Layer, store *diskstore.Store) error {
	e := &w.entries[il]
	if e.Tier != TierDisk {
		return nil
	}
	if w.staging == nil {
		return fmt.Errorf("layerwindow: stage_disk_layer called before staging buffers were allocated")
	}

	data, ok, err := store.Get(il)
	if err != nil {
		return fmt.Errorf("layerwindow: reading cached layer %d: %w", il, err)
	}
	if !ok {
		return fmt.Errorf("layerwindow: layer %d not cached, call WaitReady first", il)
	}

	slot := w.staging.PrefetchSlot()
	target := w.staging.Slot(slot)
	hostBytes := target.Host.Bytes()
	if len(data) > len(hostBytes) {
		return fmt.Errorf("layerwindow: layer %d (%d bytes) exceeds staging buffer (%d bytes)", il, len(data), len(hostBytes))
	}
	copy(hostBytes, data)

	if copier, ok := w.backendCopier(); ok {
		if err := copier.CopyHostToDevice(target.Device, hostBytes[:len(data)]); err != nil {
			return fmt.Errorf("layerwindow: uploading layer %d to device: %w", il, err)
		}
	}

	e.StagingSlot = slot
	e.savedPtrs = e.savedPtrs[:0]
	base := target.Device.Base()
	offset := 0
	layer.ForEachTensor(func(t Tensor) {
		e.savedPtrs = append(e.savedPtrs, savedPointer{
			tensor:   t,
			origData: t.DataPtr(),
			origBuf:  t.Buffer(),
		})
		t.SetDataPtr(addOffset(base, offset))
		t.SetBuffer(target.Device)
		offset += t.NBytes()
	})

	if w.metrics != nil {
		w.metrics.SwapToGPUTotal.Inc()
	}
	return nil
}

func (w *Window) backendCopier() (stagingpool.DeviceCopier, bool) {
	c, ok := w.backend.(stagingpool.DeviceCopier)
	return c, ok
}
