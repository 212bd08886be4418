package luart

import (
	"errors"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/zot/context-engine/internal/asyncctx"
	"github.com/zot/context-engine/internal/event"
	"github.com/zot/context-engine/internal/loop"
)

const (
	storageTypeName = "ctxengine.storage"
	scopeTypeName   = "ctxengine.scope"
	futureTypeName  = "ctxengine.future"
	emitterTypeName = "ctxengine.emitter"
)

// buildAsyncContextModule creates the async_context host module: the only
// way scripts can reach the Storage and Scope constructors.
func (r *Runtime) buildAsyncContextModule() *lua.LTable {
	L := r.State
	mod := L.NewTable()

	storageTbl := L.NewTable()
	L.SetField(storageTbl, "new", L.NewFunction(func(L *lua.LState) int {
		label := L.OptString(1, "")
		ud := L.NewUserData()
		ud.Value = asyncctx.NewStorage(label)
		L.SetMetatable(ud, L.GetTypeMetatable(storageTypeName))
		L.Push(ud)
		return 1
	}))
	L.SetField(mod, "Storage", storageTbl)

	scopeTbl := L.NewTable()
	L.SetField(scopeTbl, "new", L.NewFunction(func(L *lua.LState) int {
		label := L.OptString(1, "")
		ud := L.NewUserData()
		ud.Value = asyncctx.NewScope(r.loop.Holder(), label)
		L.SetMetatable(ud, L.GetTypeMetatable(scopeTypeName))
		L.Push(ud)
		return 1
	}))
	L.SetField(mod, "Scope", scopeTbl)

	// async_context.bind(fn, label?) captures the current frame and returns
	// the bound wrapper, without exposing the intermediate scope.
	L.SetField(mod, "bind", L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		label := L.OptString(2, "")
		scope := asyncctx.NewScope(r.loop.Holder(), label)
		L.Push(r.boundFunction(scope, fn, nil))
		return 1
	}))

	return mod
}

func (r *Runtime) registerStorageMetatable() {
	L := r.State
	mt := L.NewTypeMetatable(storageTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"run":  r.storageRun,
		"exit": r.storageExit,
		"get":  r.storageGet,
	}))
}

func (r *Runtime) checkStorage(L *lua.LState) *asyncctx.Storage {
	ud := L.CheckUserData(1)
	if s, ok := ud.Value.(*asyncctx.Storage); ok {
		return s
	}
	L.ArgError(1, "storage expected")
	return nil
}

// storageRun implements storage:run(value, fn, ...): installs value for the
// duration of fn and returns fn's results. Errors raised by fn propagate
// unchanged after the prior frame is restored.
func (r *Runtime) storageRun(L *lua.LState) int {
	s := r.checkStorage(L)
	value := L.Get(2)
	fn := L.CheckFunction(3)
	args := checkArgs(L, 4)

	res, err := s.Run(r.loop.Holder(), value, func() (interface{}, error) {
		rets, err := r.callLua(fn, args)
		if err != nil {
			return nil, err
		}
		return rets, nil
	})
	if err != nil {
		return r.raise(L, err)
	}
	return pushValues(L, res)
}

// storageExit implements storage:exit(fn, ...): runs fn with the slot
// cleared.
func (r *Runtime) storageExit(L *lua.LState) int {
	s := r.checkStorage(L)
	fn := L.CheckFunction(2)
	args := checkArgs(L, 3)

	res, err := s.Exit(r.loop.Holder(), func() (interface{}, error) {
		rets, err := r.callLua(fn, args)
		if err != nil {
			return nil, err
		}
		return rets, nil
	})
	if err != nil {
		return r.raise(L, err)
	}
	return pushValues(L, res)
}

// storageGet implements storage:get() -> value, present.
func (r *Runtime) storageGet(L *lua.LState) int {
	s := r.checkStorage(L)
	v, ok := s.Get(r.loop.Holder())
	if !ok {
		L.Push(lua.LNil)
		L.Push(lua.LFalse)
		return 2
	}
	L.Push(v.(lua.LValue))
	L.Push(lua.LTrue)
	return 2
}

func (r *Runtime) registerScopeMetatable() {
	L := r.State
	mt := L.NewTypeMetatable(scopeTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"run":  r.scopeRun,
		"bind": r.scopeBind,
	}))
}

func (r *Runtime) checkScope(L *lua.LState) *asyncctx.Scope {
	ud := L.CheckUserData(1)
	if c, ok := ud.Value.(*asyncctx.Scope); ok {
		return c
	}
	L.ArgError(1, "scope expected")
	return nil
}

// scopeRun implements scope:run(fn, ...): re-enters the captured frame for
// the duration of fn.
func (r *Runtime) scopeRun(L *lua.LState) int {
	c := r.checkScope(L)
	fn := L.CheckFunction(2)
	args := checkArgs(L, 3)

	res, err := c.Run(func() (interface{}, error) {
		rets, err := r.callLua(fn, args)
		if err != nil {
			return nil, err
		}
		return rets, nil
	})
	if err != nil {
		return r.raise(L, err)
	}
	return pushValues(L, res)
}

// scopeBind implements scope:bind(fn, ...) -> wrapper. Arguments given at
// bind time are prepended to arguments given at call time; every call
// independently re-enters the captured frame.
func (r *Runtime) scopeBind(L *lua.LState) int {
	c := r.checkScope(L)
	fn := L.CheckFunction(2)
	bound := checkArgs(L, 3)
	L.Push(r.boundFunction(c, fn, bound))
	return 1
}

// boundFunction builds the Lua wrapper for a scope-bound callable.
func (r *Runtime) boundFunction(c *asyncctx.Scope, fn *lua.LFunction, bound []lua.LValue) *lua.LFunction {
	return r.State.NewFunction(func(L *lua.LState) int {
		later := checkArgs(L, 1)
		args := make([]lua.LValue, 0, len(bound)+len(later))
		args = append(args, bound...)
		args = append(args, later...)

		res, err := c.Run(func() (interface{}, error) {
			rets, err := r.callLua(fn, args)
			if err != nil {
				return nil, err
			}
			return rets, nil
		})
		if err != nil {
			return r.raise(L, err)
		}
		return pushValues(L, res)
	})
}

// buildTimersModule creates the timers host module.
func (r *Runtime) buildTimersModule() *lua.LTable {
	L := r.State
	mod := L.NewTable()

	// timers.setTimeout(fn, ms, ...) -> id
	L.SetField(mod, "setTimeout", L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		ms := L.CheckNumber(2)
		args := checkArgs(L, 3)

		id := r.loop.SetTimeout(time.Duration(float64(ms)*float64(time.Millisecond)), "setTimeout", func() {
			if _, err := r.callLua(fn, args); err != nil {
				r.Log(0, "timer callback error: %v", err)
			}
		})
		L.Push(lua.LNumber(id))
		return 1
	}))

	// timers.clearTimeout(id)
	L.SetField(mod, "clearTimeout", L.NewFunction(func(L *lua.LState) int {
		id := L.CheckNumber(1)
		r.loop.ClearTimeout(loop.TimerID(id))
		return 0
	}))

	// timers.queueMicrotask(fn, ...)
	L.SetField(mod, "queueMicrotask", L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		args := checkArgs(L, 2)
		r.loop.QueueMicrotask(func() {
			if _, err := r.callLua(fn, args); err != nil {
				r.Log(0, "microtask error: %v", err)
			}
		})
		return 0
	}))

	return mod
}

// buildFuturesModule creates the futures host module.
func (r *Runtime) buildFuturesModule() *lua.LTable {
	L := r.State
	mod := L.NewTable()

	// futures.new(label?) -> future, resolve, reject
	L.SetField(mod, "new", L.NewFunction(func(L *lua.LState) int {
		label := L.OptString(1, "")
		f, resolve, reject := r.loop.NewFuture(label)

		L.Push(r.wrapFuture(f))
		L.Push(L.NewFunction(func(L *lua.LState) int {
			resolve(L.Get(1))
			return 0
		}))
		L.Push(L.NewFunction(func(L *lua.LState) int {
			reject(luaError{value: L.Get(1)})
			return 0
		}))
		return 3
	}))

	return mod
}

func (r *Runtime) wrapFuture(f *loop.Future) *lua.LUserData {
	L := r.State
	ud := L.NewUserData()
	ud.Value = f
	L.SetMetatable(ud, L.GetTypeMetatable(futureTypeName))
	return ud
}

func (r *Runtime) registerFutureMetatable() {
	L := r.State
	mt := L.NewTypeMetatable(futureTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"next":    r.futureNext,
		"catch":   r.futureCatch,
		"settled": r.futureSettled,
	}))
}

func (r *Runtime) checkFuture(L *lua.LState) *loop.Future {
	ud := L.CheckUserData(1)
	if f, ok := ud.Value.(*loop.Future); ok {
		return f
	}
	L.ArgError(1, "future expected")
	return nil
}

// futureNext implements future:next(onValue, onError?) -> future. Handlers
// run as microtasks under the frame captured at this call.
func (r *Runtime) futureNext(L *lua.LState) int {
	f := r.checkFuture(L)
	var onValue, onError *lua.LFunction
	if v := L.Get(2); v != lua.LNil {
		onValue = L.CheckFunction(2)
	}
	if v := L.Get(3); v != lua.LNil {
		onError = L.CheckFunction(3)
	}
	child := f.Then(r.valueHandler(onValue), r.errorHandler(onError))
	L.Push(r.wrapFuture(child))
	return 1
}

// futureSettled implements future:settled() -> bool.
func (r *Runtime) futureSettled(L *lua.LState) int {
	f := r.checkFuture(L)
	L.Push(lua.LBool(f.Settled()))
	return 1
}

// futureCatch implements future:catch(onError) -> future.
func (r *Runtime) futureCatch(L *lua.LState) int {
	f := r.checkFuture(L)
	onError := L.CheckFunction(2)
	child := f.Then(nil, r.errorHandler(onError))
	L.Push(r.wrapFuture(child))
	return 1
}

func (r *Runtime) valueHandler(fn *lua.LFunction) func(interface{}) (interface{}, error) {
	if fn == nil {
		return nil
	}
	return func(v interface{}) (interface{}, error) {
		rets, err := r.callLua(fn, []lua.LValue{toLuaValue(r.State, v)})
		if err != nil {
			return nil, err
		}
		if len(rets) == 0 {
			return lua.LNil, nil
		}
		return rets[0], nil
	}
}

func (r *Runtime) errorHandler(fn *lua.LFunction) func(error) (interface{}, error) {
	if fn == nil {
		return nil
	}
	return func(err error) (interface{}, error) {
		rets, cerr := r.callLua(fn, []lua.LValue{errorToLua(r.State, err)})
		if cerr != nil {
			return nil, cerr
		}
		if len(rets) == 0 {
			return lua.LNil, nil
		}
		return rets[0], nil
	}
}

// buildEventsModule creates the events host module.
func (r *Runtime) buildEventsModule() *lua.LTable {
	L := r.State
	mod := L.NewTable()

	// events.new() -> emitter
	L.SetField(mod, "new", L.NewFunction(func(L *lua.LState) int {
		L.Push(r.wrapEmitter(event.NewEmitter()))
		return 1
	}))

	// events.rejections() -> the loop's emitter, carrying
	// unhandledRejection and rejectionHandled events.
	L.SetField(mod, "rejections", L.NewFunction(func(L *lua.LState) int {
		L.Push(r.wrapEmitter(r.loop.Events()))
		return 1
	}))

	return mod
}

func (r *Runtime) wrapEmitter(e *event.Emitter) *lua.LUserData {
	L := r.State
	ud := L.NewUserData()
	ud.Value = e
	L.SetMetatable(ud, L.GetTypeMetatable(emitterTypeName))
	return ud
}

func (r *Runtime) registerEmitterMetatable() {
	L := r.State
	mt := L.NewTypeMetatable(emitterTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"on":   r.emitterOn,
		"once": r.emitterOnce,
		"off":  r.emitterOff,
		"emit": r.emitterEmit,
	}))
}

func (r *Runtime) checkEmitter(L *lua.LState) *event.Emitter {
	ud := L.CheckUserData(1)
	if e, ok := ud.Value.(*event.Emitter); ok {
		return e
	}
	L.ArgError(1, "emitter expected")
	return nil
}

// luaListener wraps a Lua function as an event listener. Listener errors
// are logged, not propagated: dispatch must reach every listener.
func (r *Runtime) luaListener(fn *lua.LFunction) event.Listener {
	return func(args ...interface{}) {
		largs := make([]lua.LValue, len(args))
		for i, a := range args {
			largs[i] = toLuaValue(r.State, a)
		}
		if _, err := r.callLua(fn, largs); err != nil {
			r.Log(0, "event listener error: %v", err)
		}
	}
}

func (r *Runtime) emitterOn(L *lua.LState) int {
	e := r.checkEmitter(L)
	name := L.CheckString(2)
	fn := L.CheckFunction(3)
	L.Push(lua.LNumber(e.On(name, r.luaListener(fn))))
	return 1
}

func (r *Runtime) emitterOnce(L *lua.LState) int {
	e := r.checkEmitter(L)
	name := L.CheckString(2)
	fn := L.CheckFunction(3)
	L.Push(lua.LNumber(e.Once(name, r.luaListener(fn))))
	return 1
}

func (r *Runtime) emitterOff(L *lua.LState) int {
	e := r.checkEmitter(L)
	name := L.CheckString(2)
	id := L.CheckNumber(3)
	e.Off(name, int64(id))
	return 0
}

// emitterEmit dispatches synchronously on the calling frame: emit never
// alters the current frame, so listeners see whatever is current unless
// they were bound via scope:bind.
func (r *Runtime) emitterEmit(L *lua.LState) int {
	e := r.checkEmitter(L)
	name := L.CheckString(2)
	args := checkArgs(L, 3)
	gargs := make([]interface{}, len(args))
	for i, a := range args {
		gargs[i] = a
	}
	L.Push(lua.LNumber(e.Emit(name, gargs...)))
	return 1
}

// pushValues pushes a []lua.LValue result set and returns its length.
func pushValues(L *lua.LState, res interface{}) int {
	rets, ok := res.([]lua.LValue)
	if !ok {
		return 0
	}
	for _, v := range rets {
		L.Push(v)
	}
	return len(rets)
}

// toLuaValue converts a value crossing from Go into Lua. Values that are
// already Lua values pass through untouched.
func toLuaValue(L *lua.LState, v interface{}) lua.LValue {
	switch x := v.(type) {
	case lua.LValue:
		return x
	case error:
		return errorToLua(L, x)
	default:
		return GoToLua(L, v)
	}
}

// errorToLua converts a Go error to the Lua value scripts should see: the
// original Lua error value when there is one, a message string otherwise.
func errorToLua(L *lua.LState, err error) lua.LValue {
	var lerr luaError
	if errors.As(err, &lerr) {
		return lerr.value
	}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		return apiErr.Object
	}
	return lua.LString(err.Error())
}
