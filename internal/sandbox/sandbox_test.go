package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/hotswap/internal/logging"
)

func newTestSandbox(t *testing.T) (*Sandbox, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := logging.NewLogger(&logging.LoggerConfig{
		Level:  logging.LevelDebug,
		Format: "json",
		Output: &buf,
	})
	return New(NewLoop(), Options{Env: map[string]string{"PORT": "4000"}, Logger: logger}), &buf
}

func TestRunExportsAndEnv(t *testing.T) {
	sb, _ := newTestSandbox(t)

	result, err := sb.Run(context.Background(), "server.js", `
		module.exports = { port: process.env.PORT, answer: 6 * 7 };
	`, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Runtime)

	exports := result.Exports.ToObject(result.Runtime)
	assert.Equal(t, "4000", exports.Get("port").String())
	assert.Equal(t, int64(42), exports.Get("answer").ToInteger())
}

func TestRunRequireResolution(t *testing.T) {
	sb, _ := newTestSandbox(t)

	var asked []string
	resolve := func(vm *goja.Runtime, name string) (goja.Value, error) {
		asked = append(asked, name)
		if name == "greeting" {
			return vm.ToValue(map[string]interface{}{"text": "hello"}), nil
		}
		return nil, fmt.Errorf("cannot find module '%s'", name)
	}

	result, err := sb.Run(context.Background(), "server.js", `
		exports.text = require("greeting").text;
	`, resolve)
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Exports.ToObject(result.Runtime).Get("text").String())
	assert.Equal(t, []string{"greeting"}, asked)

	_, err = sb.Run(context.Background(), "server.js", `require("missing")`, resolve)
	require.Error(t, err)
	var evalErr *EvalError
	require.ErrorAs(t, err, &evalErr)
	assert.Contains(t, evalErr.Message, "cannot find module 'missing'")
}

func TestRunFreshRuntimePerCall(t *testing.T) {
	sb, _ := newTestSandbox(t)

	_, err := sb.Run(context.Background(), "a.js", `globalThis.leak = 1;`, nil)
	require.NoError(t, err)

	result, err := sb.Run(context.Background(), "b.js", `module.exports = typeof leak;`, nil)
	require.NoError(t, err)
	assert.Equal(t, "undefined", result.Exports.String())
}

func TestRunThrows(t *testing.T) {
	sb, _ := newTestSandbox(t)

	_, err := sb.Run(context.Background(), "server.js", `throw new TypeError("boom")`, nil)
	require.Error(t, err)

	var evalErr *EvalError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, "server.js", evalErr.Program)
	assert.Equal(t, "TypeError: boom", evalErr.Message)
	assert.Contains(t, err.Error(), "evaluating server.js")
}

func TestRunSyntaxError(t *testing.T) {
	sb, _ := newTestSandbox(t)

	_, err := sb.Run(context.Background(), "broken.js", `module.exports = {`, nil)
	require.Error(t, err)
	var evalErr *EvalError
	assert.ErrorAs(t, err, &evalErr)
}

func TestRunInterruptedByContext(t *testing.T) {
	sb, _ := newTestSandbox(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := sb.Run(ctx, "spin.js", `for (;;) {}`, nil)
	require.Error(t, err)
	var evalErr *EvalError
	require.ErrorAs(t, err, &evalErr)
	assert.Contains(t, evalErr.Message, "interrupted")
}

func TestConsoleWritesToLogger(t *testing.T) {
	sb, buf := newTestSandbox(t)

	_, err := sb.Run(context.Background(), "server.js", `
		console.log("listening on", 3000, { ok: true });
		console.error("bad", null, undefined);
	`, nil)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `listening on 3000 {\"ok\":true}`)
	assert.Contains(t, out, "bad null undefined")
	assert.Contains(t, out, `"component":"console"`)
}

func TestLoopSerializes(t *testing.T) {
	loop := NewLoop()
	var active, maxActive int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Do(func() {
				n := atomic.AddInt32(&active, 1)
				if n > atomic.LoadInt32(&maxActive) {
					atomic.StoreInt32(&maxActive, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive)
}
