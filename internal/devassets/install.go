package devassets

import (
	"context"
	"net/http"

	"github.com/conneroisu/hotswap/internal/config"
	"github.com/conneroisu/hotswap/internal/intercept"
	"github.com/conneroisu/hotswap/internal/logging"
	"github.com/conneroisu/hotswap/internal/webapp"
)

// Options configure the development asset middleware.
type Options struct {
	// Client is the client build configuration.
	Client *config.BuildConfig
	// Dev holds the endpoint paths; empty paths are not mounted.
	Dev    config.DevConfig
	Logger logging.Logger
}

// DevAssets bundles the client build with the channels that announce it.
type DevAssets struct {
	dev    config.DevConfig
	hub    *Hub
	bundle *ClientBundle
	script string
	logger logging.Logger
}

// New prepares the client build and hot channels.
func New(opts Options) (*DevAssets, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	hub := NewHub()
	script := ClientScript(opts.Dev.HotPath, opts.Dev.WebSocket)
	bundle, err := NewClientBundle(BundleOptions{
		Config:    opts.Client,
		ScriptSrc: opts.Dev.ClientScript,
		Client:    script,
		Hub:       hub,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	return &DevAssets{
		dev:    opts.Dev,
		hub:    hub,
		bundle: bundle,
		script: script,
		logger: logger.WithComponent("devassets"),
	}, nil
}

// Bundle returns the client build.
func (d *DevAssets) Bundle() *ClientBundle {
	return d.bundle
}

// Hub returns the event hub.
func (d *DevAssets) Hub() *Hub {
	return d.hub
}

// Start begins the client watch build.
func (d *DevAssets) Start() error {
	return d.bundle.Start()
}

// Close stops the client build and disconnects hot clients.
func (d *DevAssets) Close() {
	d.bundle.Close()
	d.hub.Close()
}

// Installer mounts the hot channels, the client script and the bundle on
// the real application.
func (d *DevAssets) Installer() intercept.Installer {
	return func(app *webapp.App) error {
		routes := []struct {
			path    string
			handler http.Handler
		}{
			{d.dev.HotPath, NewEventStream(d.hub, d.dev.Heartbeat, d.logger)},
			{d.dev.WebSocket, NewSocketStream(d.hub, d.logger)},
			{d.dev.ClientScript, scriptHandler(d.script)},
		}
		for _, route := range routes {
			if route.path == "" {
				continue
			}
			if err := app.Handle(http.MethodGet, route.path, webapp.Handler(route.handler)); err != nil {
				return err
			}
		}

		publicPath := d.bundle.cfg.PublicPath()
		if err := app.Use(publicPath, d.bundle.Serve); err != nil {
			return err
		}

		d.logger.Info(context.Background(), "Development assets installed",
			"publicPath", publicPath, "hot", d.dev.HotPath, "ws", d.dev.WebSocket)
		return nil
	}
}
