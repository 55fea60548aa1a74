package memwatch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// The serialized event form is a stable contract consumed by bindings
// and log pipelines; field names must not drift.
func TestChangeEventSerializedForm(t *testing.T) {
	t.Parallel()

	ev := ChangeEvent{
		Seq:          7,
		TimestampNS:  123456789,
		AdapterID:    2,
		RegionID:     9,
		VariableName: "counter",
		Where: Where{
			FaultIP:  0xdeadbeef,
			File:     "main.py",
			Function: "update",
			Line:     42,
			Stack:    []string{"update", "main"},
		},
		Size:          16,
		OldPreview:    []byte{1},
		NewPreview:    []byte{2},
		OldValue:      []byte{1},
		NewValue:      []byte{2},
		StorageKeyOld: "k1",
		StorageKeyNew: "k2",
		Metadata:      map[string]string{"type": "bytearray"},
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var raw map[string]any

	require.NoError(t, json.Unmarshal(data, &raw))

	for _, key := range []string{
		"seq", "timestamp_ns", "adapter_id", "region_id",
		"variable_name", "where", "size",
		"old_preview", "new_preview", "old_value", "new_value",
		"storage_key_old", "storage_key_new", "metadata",
	} {
		require.Contains(t, raw, key, "stable field %q missing", key)
	}

	where, ok := raw["where"].(map[string]any)
	require.True(t, ok, "where must serialize as an object")

	for _, key := range []string{"fault_ip", "file", "function", "line", "stack"} {
		require.Contains(t, where, key)
	}

	// Optional fields stay out of the wire form when absent.
	minimal, err := json.Marshal(ChangeEvent{Seq: 1, Size: 4})
	require.NoError(t, err)

	var rawMin map[string]any

	require.NoError(t, json.Unmarshal(minimal, &rawMin))
	require.NotContains(t, rawMin, "variable_name")
	require.NotContains(t, rawMin, "old_value")
	require.NotContains(t, rawMin, "storage_key_old")
}

func TestStatsSerializedForm(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Stats{Mode: "fault"})
	require.NoError(t, err)

	var raw map[string]any

	require.NoError(t, json.Unmarshal(data, &raw))

	for _, key := range []string{
		"num_tracked_regions", "num_tracked_pages",
		"ring_capacity", "ring_used",
		"dropped_events", "events_emitted",
		"callback_errors", "store_errors",
		"native_memory_bytes", "mode",
	} {
		require.Contains(t, raw, key, "stats key %q missing", key)
	}
}
