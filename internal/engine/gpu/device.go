// Package gpu declares the graphics device collaborator used by the compute
// path of the rasterizer, plus a software implementation that executes
// registered Go kernels.
//
// Device calls are not thread-safe. Callers hold the device lock (or run on
// the serialized GPU lane) around every call.
package gpu

import (
	"go.trai.ch/zerr"
)

var (
	// ErrDeviceLost is returned by every call once the device is gone.
	ErrDeviceLost = zerr.New("gpu device lost")
	// ErrUnsupported is returned when a pipeline entry point has no kernel.
	ErrUnsupported = zerr.New("gpu feature unsupported")
	// ErrInvalidResource is returned for unknown or destroyed resource IDs.
	ErrInvalidResource = zerr.New("invalid gpu resource")
)

// Resource IDs. The zero value is never a valid resource.
type (
	BufferID       uint64
	ShaderModuleID uint64
	PipelineID     uint64
)

// BufferUsage is a bitmask describing how a buffer is bound.
type BufferUsage uint32

const (
	BufferUsageCopySrc BufferUsage = 1 << 2
	BufferUsageCopyDst BufferUsage = 1 << 3
	BufferUsageUniform BufferUsage = 1 << 6
	BufferUsageStorage BufferUsage = 1 << 7
)

// SPIRVMagic is the first word of every SPIR-V module.
const SPIRVMagic uint32 = 0x07230203

// Device is the subset of a compute-capable graphics device this pipeline
// needs. Buffers are addressed in 32-bit words.
type Device interface {
	// Lock and Unlock guard the device context.
	Lock()
	Unlock()

	// Name identifies the device in logs.
	Name() string

	// MaxWorkgroupSize returns the maximum workgroup size per dimension.
	MaxWorkgroupSize() [3]uint32

	// CreateShaderModule creates a module from SPIR-V words.
	CreateShaderModule(spirv []uint32, label string) (ShaderModuleID, error)
	DestroyShaderModule(id ShaderModuleID)

	// CreateComputePipeline binds a module entry point into a pipeline.
	CreateComputePipeline(module ShaderModuleID, entryPoint string) (PipelineID, error)
	DestroyComputePipeline(id PipelineID)

	// CreateBuffer allocates a zeroed buffer of words 32-bit words.
	CreateBuffer(words int, usage BufferUsage) (BufferID, error)
	DestroyBuffer(id BufferID)
	WriteBuffer(id BufferID, offset int, data []uint32) error
	ReadBuffer(id BufferID, offset, words int) ([]uint32, error)

	// Dispatch runs groups[0]*groups[1]*groups[2] workgroups with the given
	// buffers bound at consecutive binding slots. The returned fence is
	// signaled when the work has finished.
	Dispatch(pipeline PipelineID, bindings []BufferID, groups [3]uint32) (*Fence, error)
}
