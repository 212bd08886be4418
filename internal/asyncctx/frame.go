// Package asyncctx implements the async-context frame model: immutable
// copy-on-write frames mapping opaque storage keys to values, a per-
// execution-context current-frame holder, storage handles, and captured
// scopes for re-entering earlier frames.
package asyncctx

// slotKey identifies one logical storage slot. Keys compare by pointer
// identity, so only the Storage that allocated a key can ever present it.
type slotKey struct {
	label string
}

// absent is the tombstone type Exit stores for a slot. It is unexported and
// non-zero-size: zero-size allocations can share an address, so a caller's
// *struct{} could otherwise compare equal to the sentinel.
type absent struct{ _ byte }

// absentMark is the value Exit stores for a slot. Get treats a slot holding
// absentMark exactly like a slot that was never set.
var absentMark = &absent{}

// Frame is an immutable snapshot of all active slot-to-value associations.
// A Frame never changes after construction; "modifying" a frame produces a
// new one. The zero-entry root frame is shared process-wide.
type Frame struct {
	entries map[*slotKey]interface{}
}

var rootFrame = &Frame{}

// Root returns the distinguished empty frame, the ancestor of every frame.
func Root() *Frame {
	return rootFrame
}

// newFrame builds a child of parent with key set to value. The parent's
// entries are copied in full, so lookups never walk a parent chain.
func newFrame(parent *Frame, key *slotKey, value interface{}) *Frame {
	entries := make(map[*slotKey]interface{}, len(parent.entries)+1)
	for k, v := range parent.entries {
		entries[k] = v
	}
	entries[key] = value
	return &Frame{entries: entries}
}

// get returns the frame's own entry for key, if any.
func (f *Frame) get(key *slotKey) (interface{}, bool) {
	v, ok := f.entries[key]
	return v, ok
}

// Size returns the number of distinct slots in the frame.
func (f *Frame) Size() int {
	return len(f.entries)
}
