package jsbridge

import (
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/dop251/goja"
)

// NativeModules returns the built-in modules programs may require besides
// the framework.
func NativeModules() map[string]any {
	return map[string]any{
		"path": NativeModule(pathModule),
		"util": NativeModule(utilModule),
	}
}

func pathModule(vm *goja.Runtime) goja.Value {
	mod := vm.NewObject()
	_ = mod.Set("sep", "/")
	_ = mod.Set("delimiter", ":")
	_ = mod.Set("join", func(call goja.FunctionCall) goja.Value {
		parts := stringArgs(call.Arguments)
		if len(parts) == 0 {
			return vm.ToValue(".")
		}
		return vm.ToValue(path.Join(parts...))
	})
	_ = mod.Set("resolve", func(call goja.FunctionCall) goja.Value {
		resolved := ""
		for _, p := range stringArgs(call.Arguments) {
			if path.IsAbs(p) {
				resolved = p
				continue
			}
			resolved = path.Join(resolved, p)
		}
		if !path.IsAbs(resolved) {
			wd, _ := os.Getwd()
			resolved = path.Join(wd, resolved)
		}
		return vm.ToValue(path.Clean(resolved))
	})
	_ = mod.Set("normalize", func(p string) string { return path.Clean(p) })
	_ = mod.Set("isAbsolute", func(p string) bool { return path.IsAbs(p) })
	_ = mod.Set("dirname", func(p string) string { return path.Dir(p) })
	_ = mod.Set("extname", func(p string) string { return path.Ext(p) })
	_ = mod.Set("basename", func(call goja.FunctionCall) goja.Value {
		base := path.Base(call.Argument(0).String())
		if ext := call.Argument(1); !goja.IsUndefined(ext) {
			base = strings.TrimSuffix(base, ext.String())
		}
		return vm.ToValue(base)
	})
	return mod
}

func utilModule(vm *goja.Runtime) goja.Value {
	stringify, _ := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	inspect := func(v goja.Value) string {
		if !isObject(v) || stringify == nil {
			return v.String()
		}
		out, err := stringify(goja.Undefined(), v)
		if err != nil || goja.IsUndefined(out) {
			return v.String()
		}
		return out.String()
	}

	mod := vm.NewObject()
	_ = mod.Set("inspect", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(inspect(call.Argument(0)))
	})
	_ = mod.Set("format", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue("")
		}
		return vm.ToValue(formatVerbs(call.Arguments, inspect))
	})
	return mod
}

// formatVerbs implements the %s %d %i %j %o placeholders of util.format.
// Leftover arguments are appended separated by spaces.
func formatVerbs(args []goja.Value, inspect func(goja.Value) string) string {
	format := args[0].String()
	rest := args[1:]
	if !isString(args[0]) {
		format = ""
		rest = args
	}

	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 == len(format) {
			b.WriteByte(c)
			continue
		}
		verb := format[i+1]
		if verb == '%' {
			b.WriteByte('%')
			i++
			continue
		}
		if !strings.ContainsRune("sdijo", rune(verb)) || len(rest) == 0 {
			b.WriteByte(c)
			continue
		}
		arg := rest[0]
		rest = rest[1:]
		i++
		switch verb {
		case 's':
			b.WriteString(arg.String())
		case 'd':
			b.WriteString(arg.ToNumber().String())
		case 'i':
			b.WriteString(strconv.FormatInt(arg.ToInteger(), 10))
		default:
			b.WriteString(inspect(arg))
		}
	}

	for _, arg := range rest {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(inspect(arg))
	}
	return b.String()
}

func isString(v goja.Value) bool {
	_, ok := v.Export().(string)
	return ok
}

func stringArgs(args []goja.Value) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if s := a.String(); s != "" {
			out = append(out, s)
		}
	}
	return out
}
