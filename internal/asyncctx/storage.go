package asyncctx

// Storage owns one opaque storage slot. Two Storage instances never observe
// each other's values: the slot key is allocated per instance and never
// leaves the package.
type Storage struct {
	key *slotKey
}

// NewStorage allocates a storage handle with a fresh slot key. The label is
// only used for tracing and diagnostics.
func NewStorage(label string) *Storage {
	return &Storage{key: &slotKey{label: label}}
}

// Label returns the diagnostic label given at construction.
func (s *Storage) Label() string {
	return s.key.label
}

// Run installs a child of the holder's current frame with this storage's
// slot set to value, invokes fn, and restores the prior frame on every exit
// path, panics included. fn's result and error pass through unchanged.
func (s *Storage) Run(h *Holder, value interface{}, fn func() (interface{}, error)) (interface{}, error) {
	next := newFrame(h.Current(), s.key, value)
	prior := h.Exchange(next)
	defer h.Exchange(prior)
	return fn()
}

// Exit runs fn with this storage's slot cleared: Get reports absent for the
// duration of fn, indistinguishable from a slot that was never set. The
// prior frame is restored exactly as in Run.
func (s *Storage) Exit(h *Holder, fn func() (interface{}, error)) (interface{}, error) {
	return s.Run(h, absentMark, fn)
}

// Get returns the value stored for this handle in the holder's current
// frame. The second result is false when no value is set, or when the
// nearest enclosing Exit cleared the slot.
func (s *Storage) Get(h *Holder) (interface{}, bool) {
	v, ok := h.Current().get(s.key)
	if !ok || v == absentMark {
		return nil, false
	}
	return v, true
}
