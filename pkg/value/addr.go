package value

import "fmt"

// addrKey gives a stable per-process identity string for heap objects
// that fall back to pointer-identity equality as set/map keys (arrays,
// functions, and so on). Only used by EncodeKey.
func addrKey(o HeapObject) string {
	return fmt.Sprintf("%p", o)
}
