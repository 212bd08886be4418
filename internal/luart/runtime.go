// Package luart embeds a Lua VM as the engine's scripting surface. Each
// Runtime owns one Lua state bound to one event loop, so all script
// execution happens on a single goroutine with one logical current frame.
//
// Host APIs (async_context, timers, futures, events) are reachable only
// through require(); nothing is installed as an ambient global.
package luart

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/zot/context-engine/internal/config"
	"github.com/zot/context-engine/internal/loop"
)

// Runtime is a Lua VM plus the event loop that drives it.
type Runtime struct {
	State         *lua.LState
	loop          *loop.Loop
	loadedModules *lua.LTable // unified load tracker, keyed by module name
	scriptDir     string
	config        *config.Config
	hotLoader     *HotLoader

	// hostModules maps importable host module names to their builders.
	// Built lazily on first require and cached in loadedModules.
	hostModules map[string]func() *lua.LTable
}

// NewRuntime creates a Lua runtime with its own event loop. scriptDir is
// the base directory for require() lookups.
func NewRuntime(cfg *config.Config, scriptDir string) (*Runtime, error) {
	L := lua.NewState()

	r := &Runtime{
		State:         L,
		loop:          loop.New(),
		loadedModules: L.NewTable(),
		scriptDir:     scriptDir,
		config:        cfg,
	}

	// Load standard libraries
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	r.hostModules = map[string]func() *lua.LTable{
		"async_context": r.buildAsyncContextModule,
		"timers":        r.buildTimersModule,
		"futures":       r.buildFuturesModule,
		"events":        r.buildEventsModule,
	}

	r.registerRequire()
	r.registerStorageMetatable()
	r.registerScopeMetatable()
	r.registerFutureMetatable()
	r.registerEmitterMetatable()

	return r, nil
}

// Log logs a message via the config.
func (r *Runtime) Log(level int, format string, args ...interface{}) {
	if r.config != nil {
		r.config.Log(level, format, args...)
	}
}

// Loop returns the runtime's event loop.
func (r *Runtime) Loop() *loop.Loop {
	return r.loop
}

// registerRequire adds a custom require() that resolves host modules first,
// then Lua files under scriptDir. Handles circular dependencies by marking
// a module loaded before executing it.
func (r *Runtime) registerRequire() {
	L := r.State
	loaded := r.loadedModules

	requireFn := L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		// Check if already loaded (handles circularity)
		if cached := L.GetField(loaded, modName); cached != lua.LNil {
			L.Push(cached)
			return 1
		}

		// Host modules take priority over script files.
		if build, ok := r.hostModules[modName]; ok {
			mod := build()
			L.SetField(loaded, modName, mod)
			L.Push(mod)
			return 1
		}

		// Convert module name to filename (e.g., "foo.bar" -> "foo/bar.lua")
		filename := strings.ReplaceAll(modName, ".", string(filepath.Separator)) + ".lua"

		// Mark as loaded BEFORE executing (handles circular dependencies)
		L.SetField(loaded, modName, lua.LTrue)

		result, err := r.loadScriptFile(filename)
		if err != nil {
			// Unmark on error (allows retry)
			L.SetField(loaded, modName, lua.LNil)
			L.RaiseError("error loading module '%s': %v", modName, err)
			return 0
		}

		L.SetField(loaded, modName, result)
		L.Push(result)
		return 1
	})

	L.SetGlobal("require", requireFn)

	// Also expose package.loaded for compatibility
	pkg := L.NewTable()
	L.SetField(pkg, "loaded", loaded)
	L.SetGlobal("package", pkg)
}

// loadScriptFile loads and runs a Lua file relative to scriptDir, returning
// the module's return value (LTrue when the module returns nothing).
func (r *Runtime) loadScriptFile(filename string) (lua.LValue, error) {
	L := r.State
	path := filepath.Join(r.scriptDir, filename)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("module file not found: %s", path)
	}

	fn, err := L.LoadFile(path)
	if err != nil {
		return nil, err
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, err
	}
	result := L.Get(-1)
	L.Pop(1)
	if result == lua.LNil {
		result = lua.LTrue
	}
	return result, nil
}

// Eval runs code as a macrotask on the loop and returns the script's first
// return value converted to Go.
func (r *Runtime) Eval(code string) (interface{}, error) {
	return r.loop.Submit("eval", func() (interface{}, error) {
		L := r.State
		fn, err := L.LoadString(code)
		if err != nil {
			return nil, err
		}
		L.Push(fn)
		if err := L.PCall(0, 1, nil); err != nil {
			return nil, err
		}
		result := L.Get(-1)
		L.Pop(1)
		return LuaToGo(result), nil
	})
}

// EvalFile runs a script file as a macrotask on the loop.
func (r *Runtime) EvalFile(path string) error {
	_, err := r.loop.Submit("file:"+filepath.Base(path), func() (interface{}, error) {
		return nil, r.State.DoFile(path)
	})
	return err
}

// Invalidate removes a module from the load tracker so the next require()
// re-runs it. Used by the hot loader.
func (r *Runtime) Invalidate(modName string) {
	r.loop.Post("invalidate:"+modName, func() {
		r.State.SetField(r.loadedModules, modName, lua.LNil)
	})
}

// EnableHotReload starts watching the script directory, re-running changed
// modules.
func (r *Runtime) EnableHotReload() error {
	if r.hotLoader != nil {
		return nil
	}
	h, err := NewHotLoader(r.config, r.scriptDir, r)
	if err != nil {
		return err
	}
	if err := h.Start(); err != nil {
		return err
	}
	r.hotLoader = h
	return nil
}

// WaitIdle blocks until the loop has no pending tasks, microtasks, or
// armed timers.
func (r *Runtime) WaitIdle() {
	r.loop.WaitIdle()
}

// Shutdown stops the hot loader and the loop, then closes the Lua state.
func (r *Runtime) Shutdown() {
	if r.hotLoader != nil {
		r.hotLoader.Stop()
	}
	r.loop.Shutdown()
	r.State.Close()
}

// raise re-raises a Go error inside Lua. Errors that originated as Lua
// values propagate unchanged; anything else surfaces as a string error.
func (r *Runtime) raise(L *lua.LState, err error) int {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		L.Error(apiErr.Object, 1)
	} else {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

// callLua invokes a Lua function with args, returning all results. The
// stack is restored to its prior depth on every path.
func (r *Runtime) callLua(fn *lua.LFunction, args []lua.LValue) ([]lua.LValue, error) {
	L := r.State
	base := L.GetTop()
	L.Push(fn)
	for _, a := range args {
		L.Push(a)
	}
	if err := L.PCall(len(args), lua.MultRet, nil); err != nil {
		L.SetTop(base)
		return nil, err
	}
	nret := L.GetTop() - base
	rets := make([]lua.LValue, nret)
	for i := 0; i < nret; i++ {
		rets[i] = L.Get(base + 1 + i)
	}
	L.SetTop(base)
	return rets, nil
}

// checkArgs collects every stack value from index first upward.
func checkArgs(L *lua.LState, first int) []lua.LValue {
	top := L.GetTop()
	if top < first {
		return nil
	}
	args := make([]lua.LValue, 0, top-first+1)
	for i := first; i <= top; i++ {
		args = append(args, L.Get(i))
	}
	return args
}
