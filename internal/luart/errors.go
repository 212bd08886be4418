package luart

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// luaError carries a Lua value through Go error plumbing (future
// rejections, callback failures) without stringifying it.
type luaError struct {
	value lua.LValue
}

func (e luaError) Error() string {
	return fmt.Sprintf("lua error: %v", e.value)
}
