package loaders

import (
	"encoding/binary"
	"fmt"
	"os"
)

// SPIR-V magic number, first word of every module.
const spirvMagic = 0x07230203

// LoadBinary reads a compiled shader or any other opaque blob from disk.
func LoadBinary(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("binary %s is empty", path)
	}
	return data, nil
}

/**
 * @brief Reinterprets little endian SPIR-V bytes as 32 bit words, the layout
 * vkCreateShaderModule expects.
 */
func BytesToBytecode(b []byte) ([]uint32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("bytecode size %d is not a multiple of 4", len(b))
	}
	byteCode := make([]uint32, len(b)/4)
	for i := range byteCode {
		byteCode[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return byteCode, nil
}

// IsSPIRV reports whether b starts with the SPIR-V magic number.
func IsSPIRV(b []byte) bool {
	return len(b) >= 4 && binary.LittleEndian.Uint32(b) == spirvMagic
}
