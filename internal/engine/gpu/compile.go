package gpu

import (
	"encoding/binary"

	"github.com/gogpu/naga"
	"go.trai.ch/zerr"
)

// Compiler turns WGSL source into SPIR-V words.
type Compiler func(wgsl string) ([]uint32, error)

// CompileWGSL compiles WGSL with naga.
func CompileWGSL(wgsl string) ([]uint32, error) {
	spirv, err := naga.Compile(wgsl)
	if err != nil {
		return nil, zerr.Wrap(err, "failed to compile shader")
	}
	return Words(spirv)
}

// Words converts little-endian SPIR-V bytes to words.
func Words(spirv []byte) ([]uint32, error) {
	if len(spirv)%4 != 0 {
		return nil, zerr.With(zerr.New("spir-v size not a multiple of 4"), "bytes", len(spirv))
	}
	words := make([]uint32, len(spirv)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirv[i*4:])
	}
	return words, nil
}
