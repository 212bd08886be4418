package asyncctx

import "sync/atomic"

// Holder is the current-frame slot for one execution context. Each
// independent execution context (an event loop, a test) owns its own Holder;
// the model assumes one logical "current" frame at a time per context.
//
// The holder is the only mutable piece of shared state in the model, and it
// is only ever touched through Exchange, never read-modify-write, so nested
// run calls on the same logical thread cannot lose updates.
type Holder struct {
	current atomic.Pointer[Frame]
}

// NewHolder creates a holder whose current frame is the root frame.
func NewHolder() *Holder {
	h := &Holder{}
	h.current.Store(rootFrame)
	return h
}

// Current returns the frame presently active for this execution context.
// It never fails; at minimum it returns the root frame.
func (h *Holder) Current() *Frame {
	return h.current.Load()
}

// Exchange atomically replaces the current frame with next, returning the
// prior frame. This is the sole mutation point for the holder.
func (h *Holder) Exchange(next *Frame) *Frame {
	return h.current.Swap(next)
}
