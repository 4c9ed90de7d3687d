package gpu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.trai.ch/zerr"
	"go.uber.org/zap"

	"github.com/Faultbox/normalsynth/internal/logger"
	"github.com/Faultbox/normalsynth/internal/parallel"
)

// Invocation identifies one kernel invocation inside a dispatch.
type Invocation struct {
	GlobalID    [3]uint32
	WorkgroupID [3]uint32
	LocalID     [3]uint32
}

// Kernel is the Go body of a compute entry point. bindings holds the words of
// each bound buffer in binding order.
type Kernel func(inv Invocation, bindings [][]uint32)

// KernelRegistry is implemented by devices that execute Go kernels.
type KernelRegistry interface {
	RegisterKernel(entryPoint string, workgroup [3]uint32, k Kernel)
}

type kernel struct {
	entry     string
	workgroup [3]uint32
	fn        Kernel
}

// SoftwareDevice runs compute pipelines on the CPU. A pipeline's entry point
// selects a kernel from those registered with RegisterKernel; the SPIR-V
// module is checked but not interpreted.
type SoftwareDevice struct {
	ctx   sync.Mutex // device context lock
	state sync.RWMutex

	log  *zap.Logger
	pool *parallel.Pool

	kernels   map[string]kernel
	modules   map[ShaderModuleID]string
	pipelines map[PipelineID]kernel
	buffers   map[BufferID][]uint32

	nextID atomic.Uint64
	lost   atomic.Bool
}

// NewSoftwareDevice creates a device whose dispatches spread workgroups over
// pool. A nil pool runs them on one goroutine.
func NewSoftwareDevice(log *zap.Logger, pool *parallel.Pool) *SoftwareDevice {
	return &SoftwareDevice{
		log:       logger.OrNop(log),
		pool:      pool,
		kernels:   make(map[string]kernel),
		modules:   make(map[ShaderModuleID]string),
		pipelines: make(map[PipelineID]kernel),
		buffers:   make(map[BufferID][]uint32),
	}
}

func (d *SoftwareDevice) Lock()   { d.ctx.Lock() }
func (d *SoftwareDevice) Unlock() { d.ctx.Unlock() }

// Name returns "software".
func (d *SoftwareDevice) Name() string { return "software" }

// MaxWorkgroupSize returns the limits the kernels are written against.
func (d *SoftwareDevice) MaxWorkgroupSize() [3]uint32 { return [3]uint32{256, 256, 64} }

// RegisterKernel makes k available to pipelines created for entryPoint.
func (d *SoftwareDevice) RegisterKernel(entryPoint string, workgroup [3]uint32, k Kernel) {
	for i := range workgroup {
		if workgroup[i] == 0 {
			workgroup[i] = 1
		}
	}
	d.state.Lock()
	d.kernels[entryPoint] = kernel{entry: entryPoint, workgroup: workgroup, fn: k}
	d.state.Unlock()
}

// Lose simulates a device reset. Every later call fails with ErrDeviceLost.
func (d *SoftwareDevice) Lose() {
	if d.lost.CompareAndSwap(false, true) {
		d.log.Error("device lost", zap.String("device", d.Name()))
	}
}

func (d *SoftwareDevice) id() uint64 { return d.nextID.Add(1) }

func (d *SoftwareDevice) CreateShaderModule(spirv []uint32, label string) (ShaderModuleID, error) {
	if d.lost.Load() {
		return 0, ErrDeviceLost
	}
	if len(spirv) < 5 || spirv[0] != SPIRVMagic {
		return 0, zerr.With(zerr.Wrap(ErrInvalidResource, "not a SPIR-V module"), "label", label)
	}
	id := ShaderModuleID(d.id())
	d.state.Lock()
	d.modules[id] = label
	d.state.Unlock()
	return id, nil
}

func (d *SoftwareDevice) DestroyShaderModule(id ShaderModuleID) {
	d.state.Lock()
	delete(d.modules, id)
	d.state.Unlock()
}

func (d *SoftwareDevice) CreateComputePipeline(module ShaderModuleID, entryPoint string) (PipelineID, error) {
	if d.lost.Load() {
		return 0, ErrDeviceLost
	}
	d.state.Lock()
	defer d.state.Unlock()
	if _, ok := d.modules[module]; !ok {
		return 0, zerr.With(zerr.Wrap(ErrInvalidResource, "unknown shader module"), "module", uint64(module))
	}
	k, ok := d.kernels[entryPoint]
	if !ok {
		return 0, zerr.With(zerr.Wrap(ErrUnsupported, "no kernel for entry point"), "entry_point", entryPoint)
	}
	id := PipelineID(d.id())
	d.pipelines[id] = k
	return id, nil
}

func (d *SoftwareDevice) DestroyComputePipeline(id PipelineID) {
	d.state.Lock()
	delete(d.pipelines, id)
	d.state.Unlock()
}

func (d *SoftwareDevice) CreateBuffer(words int, usage BufferUsage) (BufferID, error) {
	if d.lost.Load() {
		return 0, ErrDeviceLost
	}
	if words <= 0 {
		return 0, zerr.With(zerr.Wrap(ErrInvalidResource, "empty buffer"), "words", words)
	}
	id := BufferID(d.id())
	d.state.Lock()
	d.buffers[id] = make([]uint32, words)
	d.state.Unlock()
	return id, nil
}

func (d *SoftwareDevice) DestroyBuffer(id BufferID) {
	d.state.Lock()
	delete(d.buffers, id)
	d.state.Unlock()
}

func (d *SoftwareDevice) buffer(id BufferID) ([]uint32, error) {
	d.state.RLock()
	defer d.state.RUnlock()
	b, ok := d.buffers[id]
	if !ok {
		return nil, zerr.With(zerr.Wrap(ErrInvalidResource, "unknown buffer"), "buffer", uint64(id))
	}
	return b, nil
}

func (d *SoftwareDevice) WriteBuffer(id BufferID, offset int, data []uint32) error {
	if d.lost.Load() {
		return ErrDeviceLost
	}
	b, err := d.buffer(id)
	if err != nil {
		return err
	}
	if offset < 0 || offset+len(data) > len(b) {
		return zerr.With(zerr.Wrap(ErrInvalidResource, "write out of bounds"), "buffer", uint64(id))
	}
	copy(b[offset:], data)
	return nil
}

func (d *SoftwareDevice) ReadBuffer(id BufferID, offset, words int) ([]uint32, error) {
	if d.lost.Load() {
		return nil, ErrDeviceLost
	}
	b, err := d.buffer(id)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset+words > len(b) {
		return nil, zerr.With(zerr.Wrap(ErrInvalidResource, "read out of bounds"), "buffer", uint64(id))
	}
	return append([]uint32(nil), b[offset:offset+words]...), nil
}

func (d *SoftwareDevice) Dispatch(pipeline PipelineID, bindings []BufferID, groups [3]uint32) (*Fence, error) {
	if d.lost.Load() {
		return nil, ErrDeviceLost
	}
	d.state.RLock()
	k, ok := d.pipelines[pipeline]
	d.state.RUnlock()
	if !ok {
		return nil, zerr.With(zerr.Wrap(ErrInvalidResource, "unknown pipeline"), "pipeline", uint64(pipeline))
	}

	bound := make([][]uint32, len(bindings))
	for i, id := range bindings {
		b, err := d.buffer(id)
		if err != nil {
			return nil, err
		}
		bound[i] = b
	}

	fence := NewFence()
	go d.run(k, bound, groups, fence)
	return fence, nil
}

func (d *SoftwareDevice) run(k kernel, bound [][]uint32, groups [3]uint32, fence *Fence) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = zerr.With(zerr.Wrap(ErrDeviceLost, fmt.Sprintf("kernel panic: %v", r)), "entry_point", k.entry)
		}
		if err == nil && d.lost.Load() {
			err = ErrDeviceLost
		}
		fence.Signal(err)
	}()

	total := int(groups[0] * groups[1] * groups[2])
	runGroups := func(begin, end int) {
		for g := begin; g < end; g++ {
			wg := [3]uint32{
				uint32(g) % groups[0],
				(uint32(g) / groups[0]) % groups[1],
				uint32(g) / (groups[0] * groups[1]),
			}
			d.runWorkgroup(k, bound, wg)
		}
	}
	if d.pool == nil {
		runGroups(0, total)
		return
	}

	// Panics inside pool workers are caught per chunk and re-raised here.
	var failed atomic.Value
	d.pool.For(total, 1, func(begin, end int) {
		defer func() {
			if r := recover(); r != nil {
				failed.Store(fmt.Sprint(r))
			}
		}()
		runGroups(begin, end)
	})
	if msg, ok := failed.Load().(string); ok {
		panic(msg)
	}
}

func (d *SoftwareDevice) runWorkgroup(k kernel, bound [][]uint32, wg [3]uint32) {
	size := k.workgroup
	for z := uint32(0); z < size[2]; z++ {
		for y := uint32(0); y < size[1]; y++ {
			for x := uint32(0); x < size[0]; x++ {
				k.fn(Invocation{
					GlobalID:    [3]uint32{wg[0]*size[0] + x, wg[1]*size[1] + y, wg[2]*size[2] + z},
					WorkgroupID: wg,
					LocalID:     [3]uint32{x, y, z},
				}, bound)
			}
		}
	}
}
