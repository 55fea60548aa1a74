package region

import (
	"bytes"
	"testing"
)

func TestFirstDiff(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		old  []byte
		cur  []byte
		want int
	}{
		{"equal", []byte("hello"), []byte("hello"), -1},
		{"first byte", []byte("hello"), []byte("Jello"), 0},
		{"middle", []byte("hello"), []byte("heXlo"), 2},
		{"last byte", []byte("hello"), []byte("hellO"), 4},
		{"both empty", nil, nil, -1},
		{"length mismatch", []byte("hel"), []byte("hello"), 3},
	}

	for _, tc := range cases {
		got := FirstDiff(tc.old, tc.cur)
		if got != tc.want {
			t.Errorf("%s: FirstDiff = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestPreviewBounds(t *testing.T) {
	t.Parallel()

	b := bytes.Repeat([]byte{0xAB}, 1000)

	if got := Preview(b, 0, 256); len(got) != 256 {
		t.Errorf("expected 256 bytes, got %d", len(got))
	}

	if got := Preview(b, 900, 256); len(got) != 100 {
		t.Errorf("tail preview: expected 100 bytes, got %d", len(got))
	}

	// Out-of-range start falls back to the front.
	if got := Preview(b, 5000, 256); len(got) != 256 {
		t.Errorf("clamped preview: expected 256 bytes, got %d", len(got))
	}

	if got := Preview(b[:10], 0, 256); len(got) != 10 {
		t.Errorf("short slice: expected 10 bytes, got %d", len(got))
	}
}

func TestCaptureSlice(t *testing.T) {
	t.Parallel()

	b := []byte("0123456789")

	if got := CaptureSlice(b, CaptureNone); got != nil {
		t.Errorf("CaptureNone: expected nil, got %q", got)
	}

	if got := CaptureSlice(b, CaptureFull); len(got) != 10 {
		t.Errorf("CaptureFull: expected 10 bytes, got %d", len(got))
	}

	if got := CaptureSlice(b, 4); string(got) != "0123" {
		t.Errorf("truncated: got %q", got)
	}

	if got := CaptureSlice(b, 100); len(got) != 10 {
		t.Errorf("over-budget: expected 10 bytes, got %d", len(got))
	}
}
