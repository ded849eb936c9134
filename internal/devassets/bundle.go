package devassets

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/conneroisu/hotswap/internal/build"
	"github.com/conneroisu/hotswap/internal/config"
	"github.com/conneroisu/hotswap/internal/errors"
	"github.com/conneroisu/hotswap/internal/logging"
	"github.com/conneroisu/hotswap/internal/webapp"
)

// BundleOptions configure a ClientBundle.
type BundleOptions struct {
	Config *config.BuildConfig
	// ScriptSrc is injected into HTML outputs as a script tag. Empty
	// disables injection.
	ScriptSrc string
	// Client is prepended to JavaScript outputs when the configuration asks
	// for the hot client.
	Client string
	Hub    *Hub
	Logger logging.Logger
}

// ClientBundle is an esbuild watch build whose outputs are held in memory
// and served over HTTP. Requests made while a build runs wait for it.
type ClientBundle struct {
	cfg       *config.BuildConfig
	name      string
	outdir    string
	scriptSrc string
	hub       *Hub
	logger    logging.Logger
	context   api.BuildContext

	mu       sync.RWMutex
	files    map[string][]byte
	hash     string
	errs     []errors.BuildError
	building bool
	ready    chan struct{}
	started  time.Time
}

// NewClientBundle prepares the build. Nothing is compiled until Start or
// Rebuild.
func NewClientBundle(opts BundleOptions) (*ClientBundle, error) {
	cfg := opts.Config
	esOpts, err := build.ESBuildOptions(cfg)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub()
	}

	outdir := esOpts.Outdir
	if !filepath.IsAbs(outdir) {
		base := cfg.Context
		if base == "" {
			if base, err = filepath.Abs("."); err != nil {
				return nil, errors.NewIOError(errors.ErrCodeConfigInvalid, "cannot determine working directory", err)
			}
		}
		outdir = filepath.Join(base, outdir)
	}

	name := cfg.Name
	if name == "" {
		name = "client"
	}

	b := &ClientBundle{
		cfg:       cfg,
		name:      name,
		outdir:    outdir,
		scriptSrc: opts.ScriptSrc,
		hub:       hub,
		logger:    logger.WithComponent("devassets"),
		files:     make(map[string][]byte),
		building:  true,
		ready:     make(chan struct{}),
	}

	if cfg.HotClient && opts.Client != "" {
		esOpts.Banner = map[string]string{"js": opts.Client}
	}
	esOpts.Plugins = append(esOpts.Plugins, api.Plugin{
		Name: "hotswap-dev-assets",
		Setup: func(pb api.PluginBuild) {
			pb.OnStart(func() (api.OnStartResult, error) {
				b.begin()
				return api.OnStartResult{}, nil
			})
			pb.OnEnd(func(result *api.BuildResult) (api.OnEndResult, error) {
				b.finish(result)
				return api.OnEndResult{}, nil
			})
		},
	})

	ctx, ctxErr := api.Context(esOpts)
	if ctxErr != nil {
		msgs := make([]string, 0, len(ctxErr.Errors))
		for _, m := range ctxErr.Errors {
			msgs = append(msgs, m.Text)
		}
		return nil, errors.NewBuildError(errors.ErrCodeBuildFailed, "cannot create client build context",
			fmt.Errorf("%s", strings.Join(msgs, "; "))).WithFile(cfg.Source)
	}
	b.context = ctx
	return b, nil
}

// Hub returns the hub build events are published on.
func (b *ClientBundle) Hub() *Hub {
	return b.hub
}

// Start begins watching. The first build runs immediately.
func (b *ClientBundle) Start() error {
	if err := b.context.Watch(api.WatchOptions{}); err != nil {
		return errors.NewBuildError(errors.ErrCodeWatcherFailed, "cannot watch client build", err).WithFile(b.cfg.Source)
	}
	return nil
}

// Rebuild builds once and waits for the outputs to be in place.
func (b *ClientBundle) Rebuild() {
	b.context.Rebuild()
}

// Close stops the build.
func (b *ClientBundle) Close() {
	b.context.Dispose()
}

// Hash returns the hash of the outputs being served.
func (b *ClientBundle) Hash() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hash
}

// Errors returns the errors of the last build.
func (b *ClientBundle) Errors() []errors.BuildError {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]errors.BuildError(nil), b.errs...)
}

// File returns an output by its path below the output directory.
func (b *ClientBundle) File(name string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.files[name]
	return data, ok
}

// Files lists the output paths being served.
func (b *ClientBundle) Files() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.files))
	for name := range b.files {
		names = append(names, name)
	}
	return names
}

func (b *ClientBundle) begin() {
	b.mu.Lock()
	if !b.building {
		b.building = true
		b.ready = make(chan struct{})
	}
	b.started = time.Now()
	b.mu.Unlock()

	b.hub.Publish(Event{Action: ActionBuilding, Name: b.name})
}

func (b *ClientBundle) finish(result *api.BuildResult) {
	b.mu.Lock()
	duration := time.Since(b.started)
	comp := build.NewCompilation(b.name, b.name, *result, duration)

	b.errs = comp.Errors
	if !comp.Failed() {
		files := make(map[string][]byte, len(comp.Assets))
		for _, asset := range comp.Assets {
			rel, err := filepath.Rel(b.outdir, asset.Path)
			if err != nil || strings.HasPrefix(rel, "..") {
				rel = filepath.Base(asset.Path)
			}
			rel = filepath.ToSlash(rel)
			data := asset.Source
			if b.scriptSrc != "" && strings.EqualFold(path.Ext(rel), ".html") {
				injected, err := InjectScript(data, b.scriptSrc)
				if err != nil {
					b.logger.Warn(context.Background(), err, "Cannot inject hot client", "file", rel)
				} else {
					data = injected
				}
			}
			files[rel] = data
		}
		b.files = files
		b.hash = comp.Hash
	}
	if b.building {
		b.building = false
		close(b.ready)
	}
	b.mu.Unlock()

	ctx := context.Background()
	evt := Event{Action: ActionBuilt, Name: b.name, Hash: comp.Hash, Time: duration.Milliseconds()}
	for i := range comp.Errors {
		b.logger.Error(ctx, &comp.Errors[i], "Client compile error")
		evt.Errors = append(evt.Errors, comp.Errors[i].Error())
	}
	for i := range comp.Warnings {
		evt.Warnings = append(evt.Warnings, comp.Warnings[i].Error())
	}
	if !comp.Failed() {
		b.logger.Debug(ctx, "Client bundle built", "hash", comp.Hash, "files", len(comp.Assets), "duration", duration)
	}
	b.hub.Publish(evt)
}

func (b *ClientBundle) wait() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// Serve is the middleware serving outputs. Paths are relative to where it
// is mounted; unknown paths fall through.
func (b *ClientBundle) Serve(w http.ResponseWriter, r *http.Request, next webapp.NextFunc) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		next()
		return
	}

	select {
	case <-b.wait():
	case <-r.Context().Done():
		return
	}

	name := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	data, ok := b.lookup(name)
	if !ok {
		next()
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	if hash := b.Hash(); hash != "" {
		w.Header().Set("ETag", `"`+hash+`"`)
	}
	if path.Ext(name) == "" {
		name = path.Join(name, "index.html")
	}
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
}

func (b *ClientBundle) lookup(name string) ([]byte, bool) {
	if name != "" {
		if data, ok := b.File(name); ok {
			return data, true
		}
	}
	if path.Ext(name) == "" {
		return b.File(path.Join(name, "index.html"))
	}
	return nil, false
}

// InjectScript adds a script tag loading src to the end of the document
// body. Documents already loading src are returned unchanged.
func InjectScript(doc []byte, src string) ([]byte, error) {
	root, err := html.Parse(bytes.NewReader(doc))
	if err != nil {
		return nil, err
	}

	var body, head *html.Node
	present := false
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Body:
				body = n
			case atom.Head:
				head = n
			case atom.Script:
				for _, attr := range n.Attr {
					if attr.Key == "src" && attr.Val == src {
						present = true
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)

	if present {
		return doc, nil
	}
	target := body
	if target == nil {
		target = head
	}
	if target == nil {
		return nil, fmt.Errorf("document has neither head nor body")
	}

	target.AppendChild(&html.Node{
		Type:     html.ElementNode,
		Data:     "script",
		DataAtom: atom.Script,
		Attr:     []html.Attribute{{Key: "src", Val: src}},
	})

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
