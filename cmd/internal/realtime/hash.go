package realtime

import "unicode/utf16"

// ContentHash returns a stable non-negative id for message text:
// h = 31*h + c over UTF-16 code units with 32-bit wraparound, then absolute value.
// It only needs to be stable within a session; it is not collision resistant.
func ContentHash(s string) int64 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = 31*h + int32(c)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return v
}
