package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/hotswap/internal/build"
	"github.com/conneroisu/hotswap/internal/config"
	"github.com/conneroisu/hotswap/internal/errors"
	"github.com/conneroisu/hotswap/internal/webapp"
)

// programCompiler hands out one compilation per call, repeating the last.
type programCompiler struct {
	mu    sync.Mutex
	comps []*build.Compilation
	next  int
}

func (p *programCompiler) Compile(context.Context) *build.Compilation {
	p.mu.Lock()
	defer p.mu.Unlock()
	comp := p.comps[p.next]
	if p.next < len(p.comps)-1 {
		p.next++
	}
	return comp
}

func (p *programCompiler) Close() {}

func program(payload string) *build.Compilation {
	src := fmt.Sprintf(`
const express = require("express");
const app = express();
app.use(express.json());
app.get("/", (req, res) => res.json(%s));
app.get("/users/:id", (req, res) => res.send("user " + req.params.id));
app.listen(0, () => console.log("listening"));
`, payload)
	return &build.Compilation{
		ID:     payload,
		Name:   "server.js",
		Hash:   payload,
		Assets: []build.Asset{{Path: "/dist/server.js", Source: []byte(src)}},
	}
}

func broken() *build.Compilation {
	return &build.Compilation{
		Name: "server.js",
		Errors: []errors.BuildError{{
			File: "src/server.ts", Line: 2, Column: 7,
			Message:  `Expected ";" but found "}"`,
			Severity: errors.ErrorSeverityError,
		}},
	}
}

func newServer(t *testing.T, comps ...*build.Compilation) *DevServer {
	t.Helper()
	s, err := New(Options{
		Builds:   &config.BuildConfigs{Server: &config.BuildConfig{Target: config.TargetNode, Entry: config.EntryList{"src/server.ts"}}},
		Compiler: &programCompiler{comps: comps},
		NoWatch:  true,
	})
	require.NoError(t, err)
	return s
}

func run(t *testing.T, s *DevServer) (string, chan error, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = s.Shutdown(context.Background())
	})

	var base string
	require.Eventually(t, func() bool {
		app := s.Interceptor().Application()
		if app == nil || app.Addr() == nil {
			return false
		}
		base = fmt.Sprintf("http://127.0.0.1:%d", app.Addr().(*net.TCPAddr).Port)
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return base, errCh, cancel
}

func body(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func TestDevServerSwapsHandlers(t *testing.T) {
	s := newServer(t, program(`{ v: 1 }`), program(`{ v: 2 }`))
	base, _, _ := run(t, s)
	addr := s.Interceptor().Application().Addr().String()

	code, got := body(t, base+"/")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"v":1}`, got)

	s.Trigger()
	require.Eventually(t, func() bool {
		_, got := body(t, base+"/")
		return got == `{"v":2}`
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, addr, s.Interceptor().Application().Addr().String())
	assert.Equal(t, 2, s.Interceptor().State().RebuildCount())

	code, got = body(t, base+"/users/7")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "user 7", got)
}

func TestDevServerKeepsServingAfterCompileError(t *testing.T) {
	s := newServer(t, program(`{ v: 1 }`), broken())
	base, errCh, _ := run(t, s)

	state := s.Interceptor().State()
	before := state.Snapshot()
	require.Equal(t, 3, before.Slots)
	routers := make([]*webapp.Router, before.Slots)
	for i := range routers {
		routers[i] = state.Slot(i).Router()
		require.NotNil(t, routers[i])
	}

	s.Trigger()
	require.Eventually(t, func() bool { return len(s.Errors()) == 1 }, 5*time.Second, 10*time.Millisecond)

	_, got := body(t, base+"/")
	assert.JSONEq(t, `{"v":1}`, got)
	assert.Equal(t, before, state.Snapshot())
	for i, rt := range routers {
		assert.Same(t, rt, state.Slot(i).Router(), "slot %d", i)
	}
	assert.Nil(t, state.Slot(before.Slots))
	assert.Equal(t, int64(1), s.Metrics().GetSnapshot().FailedBuilds)

	select {
	case err := <-errCh:
		t.Fatalf("Run stopped: %v", err)
	default:
	}
}

func TestDevServerLaterCloseKeepsListener(t *testing.T) {
	closing := program(`{ v: 2 }`)
	closing.Assets = append(closing.Assets, build.Asset{
		Path:   "/dist/close.js",
		Source: []byte(`const srv = app.listen(0); module.exports.port = srv.address().port; srv.close();`),
	})

	s := newServer(t, program(`{ v: 1 }`), closing)
	base, errCh, _ := run(t, s)
	addr := s.Interceptor().Application().Addr().String()

	s.Trigger()
	require.Eventually(t, func() bool {
		_, got := body(t, base+"/")
		return got == `{"v":2}`
	}, 5*time.Second, 10*time.Millisecond)

	code, got := body(t, base+"/users/3")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "user 3", got)
	assert.Equal(t, addr, s.Interceptor().Application().Addr().String())

	select {
	case err := <-errCh:
		t.Fatalf("Run stopped: %v", err)
	default:
	}
}

func TestDevServerStopsOnEvaluationError(t *testing.T) {
	bad := program(`{ v: 1 }`)
	bad.Assets = append(bad.Assets, build.Asset{Path: "/dist/tail.js", Source: []byte(`undefinedFunction();`)})

	s := newServer(t, program(`{ v: 1 }`), bad)
	_, errCh, _ := run(t, s)

	s.Trigger()
	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.ErrCodeEvalFailed))
		assert.Contains(t, err.Error(), "undefinedFunction")
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestDevServerDevEndpoints(t *testing.T) {
	s := newServer(t, program(`{ v: 1 }`))
	base, _, _ := run(t, s)

	require.Eventually(t, func() bool { return s.Metrics().GetSnapshot().SuccessfulBuilds == 1 }, 5*time.Second, 10*time.Millisecond)

	code, got := body(t, base+"/__hotswap/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, got, "<h1>hotswap</h1>")
	assert.Contains(t, got, "<th>Rebuilds</th><td>1</td>")

	code, got = body(t, base+"/__hotswap/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, got, `hotswap_rebuild_cycles_total{result="success"} 1`)
	assert.Contains(t, got, "go_goroutines")

	code, _ = body(t, base+"/__hotswap_hmr")
	assert.Equal(t, http.StatusNotFound, code, "no client build means no hot channel")
}

func TestNewRequiresServerBuild(t *testing.T) {
	_, err := New(Options{Builds: &config.BuildConfigs{}})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNoServerConfig))
}

func TestStatusPageEscapes(t *testing.T) {
	var sb strings.Builder
	st := Status{
		Version: "dev",
		Errors: []errors.BuildError{{
			File: "a.ts", Line: 1, Column: 1, Message: "<script>", Severity: errors.ErrorSeverityError,
		}},
	}
	require.NoError(t, StatusPage(st).Render(context.Background(), &sb))
	assert.Contains(t, sb.String(), "&lt;script&gt;")
	assert.Contains(t, sb.String(), "Compile errors")
}
