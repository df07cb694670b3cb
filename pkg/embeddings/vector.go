package embeddings

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SerializeFloat32 encodes a vector as little-endian IEEE-754 float32
// bytes, the layout sqlite-vec expects for float[] columns.
func SerializeFloat32(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DeserializeFloat32 decodes a blob written by SerializeFloat32.
func DeserializeFloat32(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
