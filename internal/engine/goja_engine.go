package engine

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/relaytest/karate-go/internal/value"
)

// gojaEngine adapts a goja.Runtime to the Engine interface. One instance
// per scenario: goja.Runtime is not safe for concurrent use, matching the
// spec's "not assumed reentrant" rule for the script engine.
type gojaEngine struct {
	vm *goja.Runtime
}

// NewGoja constructs a fresh goja-backed Engine.
func NewGoja() Engine {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	return &gojaEngine{vm: vm}
}

func (e *gojaEngine) Eval(src string) (value.Value, error) {
	v, err := e.vm.RunString(src)
	if err != nil {
		return value.Null, err
	}
	return e.fromGoja(v), nil
}

func (e *gojaEngine) Put(name string, v value.Value) {
	_ = e.vm.Set(name, e.toGoja(v))
}

func (e *gojaEngine) PutRootBinding(name string, v value.Value) {
	// goja has a single global object per runtime; root bindings and
	// ordinary bindings share it, since each ScenarioRuntime owns one
	// private goja.Runtime (isolation comes from never sharing the VM).
	_ = e.vm.Set(name, e.toGoja(v))
}

func (e *gojaEngine) Get(name string) value.Value {
	v := e.vm.Get(name)
	if v == nil {
		return value.Null
	}
	return e.fromGoja(v)
}

func (e *gojaEngine) GetBindings() map[string]value.Value {
	out := make(map[string]value.Value)
	obj := e.vm.GlobalObject()
	for _, k := range obj.Keys() {
		out[k] = e.fromGoja(obj.Get(k))
	}
	return out
}

func (e *gojaEngine) Call(fn value.Value, args []value.Value) (value.Value, error) {
	callable, ok := goja.AssertFunction(e.toGoja(fn))
	if !ok {
		return value.Null, fmt.Errorf("value is not callable")
	}
	gargs := make([]goja.Value, len(args))
	for i, a := range args {
		gargs[i] = e.toGoja(a)
	}
	res, err := callable(goja.Undefined(), gargs...)
	if err != nil {
		return value.Null, err
	}
	return e.fromGoja(res), nil
}

func (e *gojaEngine) Interrupt(reason string) {
	e.vm.Interrupt(reason)
}

func (e *gojaEngine) toGoja(v value.Value) goja.Value {
	switch v.Kind {
	case value.KindNull:
		return goja.Null()
	case value.KindBool:
		return e.vm.ToValue(v.Bool)
	case value.KindNum:
		return e.vm.ToValue(v.Num)
	case value.KindStr:
		return e.vm.ToValue(v.Str)
	case value.KindBytes:
		return e.vm.ToValue(v.Bytes)
	case value.KindList:
		items := make([]interface{}, len(v.List))
		for i, e2 := range v.List {
			items[i] = e.toGoja(e2)
		}
		return e.vm.NewArray(items...)
	case value.KindMap:
		obj := e.vm.NewObject()
		for k, e2 := range v.Map {
			_ = obj.Set(k, e.toGoja(e2))
		}
		return obj
	case value.KindCallable:
		fn := v.Callable
		return e.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			args := make([]value.Value, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = e.fromGoja(a)
			}
			res, err := fn(args)
			if err != nil {
				panic(e.vm.ToValue(err.Error()))
			}
			return e.toGoja(res)
		})
	default:
		return e.vm.ToValue(v.Foreign)
	}
}

func (e *gojaEngine) fromGoja(v goja.Value) value.Value {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return value.Null
	}
	// A script-side function must round-trip as KindCallable rather than
	// through Export()/FromNative's generic path, so bridge functions that
	// take a callback (map/filter/forEach/sort/repeat) can invoke it
	// directly as a value.Callable without going back through the engine.
	if callable, ok := goja.AssertFunction(v); ok {
		return value.Fn(func(args []value.Value) (value.Value, error) {
			gargs := make([]goja.Value, len(args))
			for i, a := range args {
				gargs[i] = e.toGoja(a)
			}
			res, err := callable(goja.Undefined(), gargs...)
			if err != nil {
				return value.Null, err
			}
			return e.fromGoja(res), nil
		})
	}
	exported := v.Export()
	return value.FromNative(exported)
}
