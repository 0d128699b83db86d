package main

import (
	"fmt"
	"unsafe"

	"github.com/spf13/cobra"

	"github.com/databloom/pagedkv-layerwindow/layerwindow"
)

// fakeDevice is a minimal layerwindow.Device for CLI demo purposes —
// no real accelerator is queried here, only synthetic free/total
// figures supplied on the command line.
type fakeDevice struct {
	kind        layerwindow.DeviceKind
	free, total uint64
}

func (d *fakeDevice) Kind() layerwindow.DeviceKind { return d.kind }
func (d *fakeDevice) Memory() (uint64, uint64)      { return d.free, d.total }

// fakeTensor, fakeLayer and fakeModel let the CLI synthesize a model
// shape without any real tensor backend, so ComputeLayerSizes can be
// exercised the same way it would be against a real Model.
type fakeTensor struct {
	nbytes int
	data   unsafe.Pointer
	buf    layerwindow.BufferHandle
}

func (t *fakeTensor) ID() string                              { return "layer-tensor" }
func (t *fakeTensor) NBytes() int                              { return t.nbytes }
func (t *fakeTensor) DataPtr() unsafe.Pointer                   { return t.data }
func (t *fakeTensor) SetDataPtr(p unsafe.Pointer)               { t.data = p }
func (t *fakeTensor) Buffer() layerwindow.BufferHandle          { return t.buf }
func (t *fakeTensor) SetBuffer(b layerwindow.BufferHandle)      { t.buf = b }

type fakeLayer struct {
	index  int
	tensor *fakeTensor
}

func (l *fakeLayer) Index() int { return l.index }
func (l *fakeLayer) ForEachTensor(fn func(layerwindow.Tensor)) { fn(l.tensor) }

type fakeModel struct{ layers []layerwindow.Layer }

func (m *fakeModel) Layers() []layerwindow.Layer { return m.layers }

func newTierCmd() *cobra.Command {
	var nLayer int
	var bytesPerLayer int64
	var gpuFreeMiB, cpuFreeMiB int64

	cmd := &cobra.Command{
		Use:   "tier-demo",
		Short: "Classify synthetic layers into GPU/CPU/DISK tiers given memory budgets",
		RunE: func(cmd *cobra.Command, args []string) error {
			layers := make([]layerwindow.Layer, nLayer)
			for i := range layers {
				layers[i] = &fakeLayer{index: i, tensor: &fakeTensor{nbytes: int(bytesPerLayer)}}
			}
			model := &fakeModel{layers: layers}

			w := layerwindow.New(layerwindow.DefaultConfig())
			w.Init(nLayer)
			w.ComputeLayerSizes(model)

			devices := []layerwindow.Device{
				&fakeDevice{kind: layerwindow.DeviceGPU, free: uint64(gpuFreeMiB) << 20},
			}
			w.AutoDetectTiers(devices, uint64(cpuFreeMiB)<<20)

			gpu, cpu, disk := w.TierStats()
			fmt.Printf("tiers: gpu=%d cpu=%d disk=%d (of %d layers)\n", gpu, cpu, disk, nLayer)
			return nil
		},
	}
	cmd.Flags().IntVar(&nLayer, "layers", 32, "total model layers")
	cmd.Flags().Int64Var(&bytesPerLayer, "layer-bytes", 200<<20, "bytes per layer")
	cmd.Flags().Int64Var(&gpuFreeMiB, "gpu-free-mib", 1280, "free GPU memory in MiB")
	cmd.Flags().Int64Var(&cpuFreeMiB, "cpu-free-mib", 2304, "free CPU (pinned host) memory in MiB")
	return cmd
}
