package loop

import "errors"

// ErrLoopClosed is returned when work is submitted to a shut-down loop.
var ErrLoopClosed = errors.New("loop: shut down")
