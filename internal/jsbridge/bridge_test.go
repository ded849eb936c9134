package jsbridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/hotswap/internal/sandbox"
	"github.com/conneroisu/hotswap/internal/webapp"
)

type harness struct {
	sandbox  *sandbox.Sandbox
	resolver *Resolver
	apps     []*webapp.App
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{}
	loop := sandbox.NewLoop()
	h.sandbox = sandbox.New(loop, sandbox.Options{Env: map[string]string{}})

	natives := NativeModules()
	h.resolver = NewResolver(loop, func(name string) (any, error) {
		if name == "express" {
			return webapp.Constructor(func() (webapp.Application, error) {
				app := webapp.New(webapp.Options{})
				h.apps = append(h.apps, app)
				return app, nil
			}), nil
		}
		if mod, ok := natives[name]; ok {
			return mod, nil
		}
		return nil, fmt.Errorf("cannot find module '%s'", name)
	}, nil)

	t.Cleanup(func() {
		for _, app := range h.apps {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = app.Close(ctx)
			cancel()
		}
	})
	return h
}

func (h *harness) run(t *testing.T, source string) {
	t.Helper()
	_, err := h.sandbox.Run(context.Background(), "server.js", source, h.resolver.Require)
	require.NoError(t, err)
}

func (h *harness) request(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	require.NotEmpty(t, h.apps)
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.apps[len(h.apps)-1].ServeHTTP(rec, req)
	return rec
}

func TestExpressRoutes(t *testing.T) {
	h := newHarness(t)
	h.run(t, `
		const express = require("express");
		const app = express();
		app.get("/", (req, res) => res.json({ v: 1 }));
		app.post("/users/:id", (req, res) => {
			res.status(201).json({ id: req.params.id, q: req.query.q });
		});
		app.get("/text", (req, res) => res.send("<b>hi</b>"));
		app.get("/status", (req, res) => res.sendStatus(204));
	`)

	rec := h.request(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"v":1}`, rec.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	rec = h.request(t, http.MethodPost, "/users/7?q=x", "")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"id":"7","q":"x"}`, rec.Body.String())

	rec = h.request(t, http.MethodGet, "/text", "")
	assert.Equal(t, "<b>hi</b>", rec.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusNoContent, h.request(t, http.MethodGet, "/status", "").Code)
	assert.Equal(t, http.StatusNotFound, h.request(t, http.MethodGet, "/missing", "").Code)
}

func TestExpressMiddlewareAndNext(t *testing.T) {
	h := newHarness(t)
	h.run(t, `
		const express = require("express");
		const app = express();
		app.use((req, res, next) => { req.user = "ada"; res.set("X-Seen", "1"); next(); });
		app.use("/api", (req, res, next) => { res.locals.mounted = req.path; next(); });
		app.get("/api/me", (req, res) => res.json({ user: req.user, mounted: res.locals.mounted, url: req.originalUrl }));
	`)

	rec := h.request(t, http.MethodGet, "/api/me", "")
	assert.Equal(t, "1", rec.Header().Get("X-Seen"))
	assert.JSONEq(t, `{"user":"ada","mounted":"/me","url":"/api/me"}`, rec.Body.String())
}

func TestExpressRouter(t *testing.T) {
	h := newHarness(t)
	h.run(t, `
		const express = require("express");
		const app = express();
		const router = express.Router();
		router.get("/items/:id", (req, res) => res.send("item " + req.params.id));
		app.use("/v1", router);
	`)

	assert.Equal(t, "item 3", h.request(t, http.MethodGet, "/v1/items/3", "").Body.String())
	assert.Equal(t, http.StatusNotFound, h.request(t, http.MethodGet, "/items/3", "").Code)
}

func TestExpressJSONBody(t *testing.T) {
	h := newHarness(t)
	h.run(t, `
		const express = require("express");
		const app = express();
		app.use(express.json());
		app.post("/echo", (req, res) => res.json(req.body));
	`)

	rec := h.request(t, http.MethodPost, "/echo", `{"a":[1,2]}`)
	assert.JSONEq(t, `{"a":[1,2]}`, rec.Body.String())
}

func TestExpressErrors(t *testing.T) {
	h := newHarness(t)
	h.run(t, `
		const express = require("express");
		const app = express();
		app.get("/throw", () => { throw new Error("kaboom"); });
		app.get("/next", (req, res, next) => next(new Error("passed")));
		app.get("/handled", (req, res, next) => next(new Error("handled")));
		app.get("/status", () => {
			const e = new Error("unprocessable");
			e.status = 422;
			throw e;
		});
		app.get("/value", () => { throw "plain"; });
		app.use((err, req, res, next) => {
			if (err.message === "handled") return res.status(418).send(err.message);
			if (err.status) return res.status(err.status).send("msg=" + err.message);
			if (err === "plain") return res.status(400).send("thrown " + err);
			next(err);
		});
	`)

	rec := h.request(t, http.MethodGet, "/throw", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "kaboom")
	assert.NotContains(t, rec.Body.String(), "server.js")

	rec = h.request(t, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "msg=unprocessable", rec.Body.String())

	rec = h.request(t, http.MethodGet, "/value", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "thrown plain", rec.Body.String())

	rec = h.request(t, http.MethodGet, "/next", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "passed")

	rec = h.request(t, http.MethodGet, "/handled", "")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "handled", rec.Body.String())
}

func TestExpressSettings(t *testing.T) {
	h := newHarness(t)
	h.run(t, `
		const app = require("express")();
		app.set("title", "demo");
		app.enable("trust proxy");
		app.get("/", (req, res) => res.json({ title: app.get("title"), trust: app.enabled("trust proxy") }));
	`)

	assert.JSONEq(t, `{"title":"demo","trust":true}`, h.request(t, http.MethodGet, "/", "").Body.String())
}

func TestExpressListen(t *testing.T) {
	h := newHarness(t)
	h.run(t, `
		const app = require("express")();
		app.get("/", (req, res) => res.send("up"));
		const server = app.listen(0, "127.0.0.1", () => { module.exports.called = true; });
		module.exports.port = server.address().port;
	`)

	app := h.apps[0]
	require.NotNil(t, app.Addr())

	resp, err := http.Get("http://" + app.Addr().String() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "up", string(body))
}

func TestExpressRejectsBadArguments(t *testing.T) {
	h := newHarness(t)

	_, err := h.sandbox.Run(context.Background(), "bad.js", `require("express")().get("/x", 42)`, h.resolver.Require)
	assert.Error(t, err)

	_, err = h.sandbox.Run(context.Background(), "bad.js", `require("express")().get(() => {})`, h.resolver.Require)
	assert.Error(t, err)

	_, err = h.sandbox.Run(context.Background(), "bad.js", `require("express")().use("nope", () => {})`, h.resolver.Require)
	assert.Error(t, err)

	_, err = h.sandbox.Run(context.Background(), "bad.js", `require("left-pad")`, h.resolver.Require)
	assert.Error(t, err)
}

func TestRequireCachesPerRuntime(t *testing.T) {
	h := newHarness(t)
	result, err := h.sandbox.Run(context.Background(), "cache.js", `
		module.exports = require("path") === require("path");
	`, h.resolver.Require)
	require.NoError(t, err)
	assert.True(t, result.Exports.ToBoolean())
}

func TestNativeModules(t *testing.T) {
	h := newHarness(t)
	result, err := h.sandbox.Run(context.Background(), "mods.js", `
		const path = require("path");
		const util = require("util");
		module.exports = [
			path.join("a", "b", "../c"),
			path.basename("/x/y/file.ts", ".ts"),
			path.extname("index.html"),
			util.format("%s=%d %j", "n", 5, { k: 1 }, "tail"),
		].join("|");
	`, h.resolver.Require)
	require.NoError(t, err)
	assert.Equal(t, `a/c|file|.html|n=5 {"k":1} tail`, result.Exports.String())
}

func TestListenAddr(t *testing.T) {
	assert.Equal(t, ":3000", ListenAddr("3000", ""))
	assert.Equal(t, "127.0.0.1:8080", ListenAddr("8080", "127.0.0.1"))
	assert.Equal(t, ":0", ListenAddr("", ""))
	assert.Equal(t, "localhost:9000", ListenAddr("localhost:9000", ""))
}

func TestConvertPassesPlainValues(t *testing.T) {
	vm := goja.New()
	b := newBridge(vm, sandbox.NewLoop(), nil)
	v := b.convert(map[string]any{"answer": 42})
	assert.Equal(t, int64(42), v.ToObject(vm).Get("answer").ToInteger())
}
