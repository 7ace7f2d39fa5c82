package conv

import (
	"fmt"
	"math"
)

// Int64ToUint32 converts int64 to uint32 safely.
// Embedding tables persist keys as 8-byte integers; tables configured for the
// narrow key representation must reject keys outside the uint32 range instead
// of silently truncating them.
func Int64ToUint32(v int64) (uint32, error) {
	if v < 0 {
		return 0, fmt.Errorf("integer overflow: %d cannot be converted to uint32 (negative)", v)
	}
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("integer overflow: %d cannot be converted to uint32 (too large)", v)
	}
	return uint32(v), nil
}

// Uint64ToInt converts uint64 to int safely.
func Uint64ToInt(v uint64) (int, error) {
	if v > uint64(math.MaxInt) {
		return 0, fmt.Errorf("integer overflow: %d cannot be converted to int (too large)", v)
	}
	return int(v), nil
}

// IntToInt64 converts int to int64. Always safe, present for symmetry at the
// loader's narrowing boundary.
func IntToInt64(v int) int64 {
	return int64(v)
}
