package memwatch

import "github.com/calvinalkan/memwatch/internal/region"

// CaptureMode controls how much of a region's contents is carried per
// change event: nothing, a truncated prefix, or the full contents.
type CaptureMode int

// Predefined capture modes. Use CaptureBytes for a truncated prefix.
const (
	CaptureNone CaptureMode = region.CaptureNone
	CaptureFull CaptureMode = region.CaptureFull
)

// CaptureBytes returns a mode that captures up to n bytes per event.
func CaptureBytes(n int) CaptureMode {
	return CaptureMode(n)
}

// Where locates the mutation site. FaultIP is always populated (0 when
// the platform's fault mechanism does not deliver an instruction
// pointer, and in polling mode); the rest only when a resolver is
// registered for the region's adapter.
type Where struct {
	FaultIP  uintptr  `json:"fault_ip"`
	File     string   `json:"file,omitempty"`
	Function string   `json:"function,omitempty"`
	Line     int      `json:"line,omitempty"`
	Stack    []string `json:"stack,omitempty"`
}

// ChangeEvent is the user-visible record of one observed mutation. It is
// valid for the duration of the callback; callers that retain it must
// copy the byte slices.
type ChangeEvent struct {
	Seq         uint64 `json:"seq"`
	TimestampNS int64  `json:"timestamp_ns"`
	AdapterID   uint32 `json:"adapter_id"`
	RegionID    uint64 `json:"region_id"`

	VariableID   uint64 `json:"variable_id,omitempty"`
	VariableName string `json:"variable_name,omitempty"`

	Where Where `json:"where"`

	// Size is the region length in bytes.
	Size int `json:"size"`

	// Previews are bounded windows starting at the first differing
	// offset; always present.
	OldPreview []byte `json:"old_preview"`
	NewPreview []byte `json:"new_preview"`

	// Full values, present iff the capture mode permits and the region
	// fits the inline threshold. Larger values go to the value store and
	// are referenced by the storage keys instead.
	OldValue []byte `json:"old_value,omitempty"`
	NewValue []byte `json:"new_value,omitempty"`

	StorageKeyOld string `json:"storage_key_old,omitempty"`
	StorageKeyNew string `json:"storage_key_new,omitempty"`

	// Metadata is the owner-supplied bag, carried verbatim.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Callback receives change events on the worker goroutine. A slow
// callback back-pressures later events but never blocks mutating
// threads.
type Callback func(ChangeEvent)

// Resolver maps a fault instruction pointer to source-level location
// info for one adapter. Registered per adapter id via
// [Engine.SetResolver].
type Resolver func(faultIP uintptr, adapterID uint32) Where

// Stats is a snapshot of engine counters.
type Stats struct {
	NumTrackedRegions int    `json:"num_tracked_regions"`
	NumTrackedPages   int    `json:"num_tracked_pages"`
	RingCapacity      int    `json:"ring_capacity"`
	RingUsed          int    `json:"ring_used"`
	DroppedEvents     uint64 `json:"dropped_events"`
	EventsEmitted     uint64 `json:"events_emitted"`
	CallbackErrors    uint64 `json:"callback_errors"`
	StoreErrors       uint64 `json:"store_errors"`
	NativeMemoryBytes int64  `json:"native_memory_bytes"`
	Mode              string `json:"mode"`
}

// WatchOptions carries the optional fields of a watch.
type WatchOptions struct {
	// AdapterID tags the owning binding; 0 for direct library use.
	AdapterID uint32
	// Label is the human-readable name attached to events as
	// variable_name.
	Label string
	// Capture controls per-event value capture; the zero value captures
	// nothing.
	Capture CaptureMode
	// Metadata is carried verbatim into every event for this region.
	Metadata map[string]string
	// MetadataRef is an opaque owner-side handle. It also pins the
	// watched object for the lifetime of the watch.
	MetadataRef any
	// OverlapSafe permits this span to overlap live regions of the same
	// adapter; each overlapping region is reported independently.
	OverlapSafe bool
}
