package devassets

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/hotswap/internal/config"
	"github.com/conneroisu/hotswap/internal/webapp"
)

func TestHubPublish(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()
	assert.Equal(t, 1, hub.Clients())

	_, ok := hub.Sync()
	assert.False(t, ok)

	hub.Publish(Event{Action: ActionBuilt, Hash: "h1"})

	var evt Event
	require.NoError(t, json.Unmarshal(<-ch, &evt))
	assert.Equal(t, ActionBuilt, evt.Action)
	assert.Equal(t, "h1", evt.Hash)
	assert.NotEmpty(t, evt.ID)

	data, ok := hub.Sync()
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, ActionSync, evt.Action)
	assert.Equal(t, "h1", evt.Hash)

	hub.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, hub.Clients())
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()
	for i := 0; i < 100; i++ {
		hub.Publish(NewEvent(ActionBuilding))
	}
	assert.Len(t, ch, cap(ch))

	hub.Close()
	late := hub.Subscribe()
	_, open := <-late
	assert.False(t, open)
}

func TestEventStream(t *testing.T) {
	hub := NewHub()
	hub.Publish(Event{Action: ActionBuilt, Hash: "first"})

	srv := httptest.NewServer(NewEventStream(hub, time.Hour, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	reader := bufio.NewReader(resp.Body)
	readData := func() Event {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data: ") {
				var evt Event
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &evt))
				return evt
			}
		}
	}

	sync := readData()
	assert.Equal(t, ActionSync, sync.Action)
	assert.Equal(t, "first", sync.Hash)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish(Event{Action: ActionBuilt, Hash: "second"})
	next := readData()
	assert.Equal(t, ActionBuilt, next.Action)
	assert.Equal(t, "second", next.Hash)
}

func TestEventStreamHeartbeat(t *testing.T) {
	srv := httptest.NewServer(NewEventStream(NewHub(), 20*time.Millisecond, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			assert.Equal(t, "data: \U0001F493\n", line)
			return
		}
	}
}

func TestSocketStream(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewSocketStream(hub, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish(Event{Action: ActionBuilt, Hash: "abc", Errors: []string{"boom"}})

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)

	var evt Event
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, "abc", evt.Hash)
	assert.Equal(t, []string{"boom"}, evt.Errors)

	hub.Close()
	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestInjectScript(t *testing.T) {
	out, err := InjectScript([]byte(`<!doctype html><html><head><title>x</title></head><body><p>hi</p></body></html>`), "/__hotswap/client.js")
	require.NoError(t, err)
	assert.Contains(t, string(out), `<p>hi</p><script src="/__hotswap/client.js"></script></body>`)

	again, err := InjectScript(out, "/__hotswap/client.js")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(again), "client.js"))

	fragment, err := InjectScript([]byte(`<p>bare</p>`), "/c.js")
	require.NoError(t, err)
	assert.Contains(t, string(fragment), `<script src="/c.js"></script>`)
}

func TestClientScript(t *testing.T) {
	script := ClientScript("/__hotswap_hmr", "")
	assert.Contains(t, script, `var hotPath = "/__hotswap_hmr";`)
	assert.Contains(t, script, `var socketPath = "";`)
	assert.Contains(t, script, "window.__hotswapClient")
}

func writeClientProject(t *testing.T, app string) *config.BuildConfig {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "app.ts"), []byte(app), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "index.html"),
		[]byte(`<!doctype html><html><head></head><body><div id="root"></div></body></html>`), 0644))

	cfg := &config.BuildConfig{
		Name:      "client",
		Entry:     config.EntryList{"src/app.ts", "src/index.html"},
		Loader:    map[string]string{"html": "copy"},
		DevServer: &config.DevServerConfig{PublicPath: "/assets"},
	}
	config.ApplyPreferredSettings(&config.BuildConfigs{Client: cfg}, config.DefaultFrameworkModule, dir)
	return cfg
}

func devConfig() config.DevConfig {
	return config.DevConfig{
		HotPath:      "/__hotswap_hmr",
		WebSocket:    "/__hotswap_ws",
		ClientScript: "/__hotswap/client.js",
		Heartbeat:    time.Hour,
	}
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestDevAssetsServesBundle(t *testing.T) {
	cfg := writeClientProject(t, `const msg: string = "hello"; console.log(msg);`)

	assets, err := New(Options{Client: cfg, Dev: devConfig()})
	require.NoError(t, err)
	defer assets.Close()

	events := assets.Hub().Subscribe()
	assets.Bundle().Rebuild()
	require.Empty(t, assets.Bundle().Errors())
	assert.NotEmpty(t, assets.Bundle().Hash())
	assert.ElementsMatch(t, []string{"app.js", "index.html"}, assets.Bundle().Files())

	var evt Event
	require.NoError(t, json.Unmarshal(<-events, &evt))
	assert.Equal(t, ActionBuilding, evt.Action)
	require.NoError(t, json.Unmarshal(<-events, &evt))
	assert.Equal(t, ActionBuilt, evt.Action)
	assert.Equal(t, assets.Bundle().Hash(), evt.Hash)

	app := webapp.New(webapp.Options{})
	require.NoError(t, assets.Installer()(app))

	rec := get(t, app, "/assets/app.js")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello")
	assert.Contains(t, rec.Body.String(), "window.__hotswapClient")
	assert.Contains(t, rec.Header().Get("Content-Type"), "javascript")

	rec = get(t, app, "/assets/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `<script src="/__hotswap/client.js"></script>`)

	assert.Equal(t, http.StatusNotFound, get(t, app, "/assets/missing.js").Code)

	rec = get(t, app, "/__hotswap/client.js")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"/__hotswap_hmr"`)
}

func TestClientBundleKeepsOutputsOnError(t *testing.T) {
	cfg := writeClientProject(t, `export const v = 1;`)

	bundle, err := NewClientBundle(BundleOptions{Config: cfg})
	require.NoError(t, err)
	defer bundle.Close()

	bundle.Rebuild()
	require.Empty(t, bundle.Errors())
	hash := bundle.Hash()

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Context, "src", "app.ts"), []byte(`export const v = ;`), 0644))
	bundle.Rebuild()
	assert.NotEmpty(t, bundle.Errors())
	assert.Equal(t, hash, bundle.Hash())

	data, ok := bundle.File("app.js")
	require.True(t, ok)
	assert.NotContains(t, string(data), "window.__hotswapClient")
}

func TestClientBundleWaitsForFirstBuild(t *testing.T) {
	cfg := writeClientProject(t, `export const v = 2;`)

	bundle, err := NewClientBundle(BundleOptions{Config: cfg})
	require.NoError(t, err)
	defer bundle.Close()

	app := webapp.New(webapp.Options{})
	require.NoError(t, app.Use("/", bundle.Serve))
	srv := httptest.NewServer(app)
	defer srv.Close()

	done := make(chan int, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/app.js")
		if err != nil {
			done <- 0
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	select {
	case <-done:
		t.Fatal("request answered before the first build")
	case <-time.After(50 * time.Millisecond):
	}

	bundle.Rebuild()
	select {
	case code := <-done:
		assert.Equal(t, http.StatusOK, code)
	case <-time.After(5 * time.Second):
		t.Fatal("request never answered")
	}
}
