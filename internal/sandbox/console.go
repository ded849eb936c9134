package sandbox

import (
	"context"
	"strings"

	"github.com/dop251/goja"

	"github.com/conneroisu/hotswap/internal/logging"
)

// NewConsole returns a console object whose methods write to logger.
func NewConsole(vm *goja.Runtime, logger logging.Logger) *goja.Object {
	ctx := context.Background()
	console := vm.NewObject()
	stringify, _ := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	format := func(args []goja.Value) string {
		return formatArgs(args, stringify)
	}

	info := func(call goja.FunctionCall) goja.Value {
		logger.Info(ctx, format(call.Arguments))
		return goja.Undefined()
	}
	_ = console.Set("log", info)
	_ = console.Set("info", info)
	_ = console.Set("debug", func(call goja.FunctionCall) goja.Value {
		logger.Debug(ctx, format(call.Arguments))
		return goja.Undefined()
	})
	_ = console.Set("warn", func(call goja.FunctionCall) goja.Value {
		logger.Warn(ctx, nil, format(call.Arguments))
		return goja.Undefined()
	})
	_ = console.Set("error", func(call goja.FunctionCall) goja.Value {
		logger.Error(ctx, nil, format(call.Arguments))
		return goja.Undefined()
	})

	return console
}

// formatArgs joins console arguments the way node prints them: strings
// verbatim, plain objects as JSON.
func formatArgs(args []goja.Value, stringify goja.Callable) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case arg == nil || goja.IsUndefined(arg):
			parts = append(parts, "undefined")
		case goja.IsNull(arg):
			parts = append(parts, "null")
		case isPlainObject(arg) && stringify != nil:
			out, err := stringify(goja.Undefined(), arg)
			if err != nil || goja.IsUndefined(out) {
				parts = append(parts, arg.String())
				continue
			}
			parts = append(parts, out.String())
		default:
			parts = append(parts, arg.String())
		}
	}
	return strings.Join(parts, " ")
}

func isPlainObject(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	if !ok {
		return false
	}
	switch obj.ClassName() {
	case "Object", "Array":
		return true
	default:
		return false
	}
}
