package region

// FirstDiff returns the first offset at which old and cur differ, or -1
// when they are equal. Lengths are expected to match; a length mismatch
// counts as a difference at the shorter length.
func FirstDiff(old, cur []byte) int {
	n := min(len(old), len(cur))

	for i := range n {
		if old[i] != cur[i] {
			return i
		}
	}

	if len(old) != len(cur) {
		return n
	}

	return -1
}

// Preview returns up to max bytes of b starting at the page-independent
// offset start, clamped to the slice. The result aliases b.
func Preview(b []byte, start, max int) []byte {
	if start < 0 {
		start = 0
	}

	if start >= len(b) {
		start = 0
	}

	end := min(start+max, len(b))

	return b[start:end]
}

// CaptureSlice applies a capture budget to b: CaptureNone yields nil,
// CaptureFull the whole slice, N>0 the first N bytes. The result
// aliases b.
func CaptureSlice(b []byte, capture int) []byte {
	switch {
	case capture == CaptureNone:
		return nil
	case capture == CaptureFull || capture >= len(b):
		return b
	default:
		return b[:capture]
	}
}
