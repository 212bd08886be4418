package asyncctx

// Scope captures the frame current at construction time so the same frame
// can be re-entered later: when a deferred callable finally runs, it should
// see the context that was active when it was registered, not whatever is
// current at call time.
//
// A scope is tied to the holder it captured from; re-entry always targets
// that holder's slot.
type Scope struct {
	holder *Holder
	frame  *Frame
	label  string
}

// NewScope captures the holder's current frame. The label has no behavioral
// effect; it is carried for tracing only.
func NewScope(h *Holder, label string) *Scope {
	return &Scope{holder: h, frame: h.Current(), label: label}
}

// Label returns the diagnostic label given at construction.
func (c *Scope) Label() string {
	return c.label
}

// Frame returns the captured frame. It never changes after construction.
func (c *Scope) Frame() *Frame {
	return c.frame
}

// Run installs the captured frame, invokes fn, and restores the prior frame
// on every exit path. No new frame is created: this is a pure re-entry.
func (c *Scope) Run(fn func() (interface{}, error)) (interface{}, error) {
	prior := c.holder.Exchange(c.frame)
	defer c.holder.Exchange(prior)
	return fn()
}

// Bind wraps fn so every invocation runs under the captured frame. The
// wrapper may be called any number of times; each call independently
// performs the install/restore sequence against the same frame.
func (c *Scope) Bind(fn func(args ...interface{}) (interface{}, error)) func(args ...interface{}) (interface{}, error) {
	return func(args ...interface{}) (interface{}, error) {
		return c.Run(func() (interface{}, error) {
			return fn(args...)
		})
	}
}

// Bind captures the holder's current frame and returns fn bound to it.
// Equivalent to NewScope(h, label).Bind(fn).
func Bind(h *Holder, label string, fn func(args ...interface{}) (interface{}, error)) func(args ...interface{}) (interface{}, error) {
	return NewScope(h, label).Bind(fn)
}
