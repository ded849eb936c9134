package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/a-h/templ"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conneroisu/hotswap/internal/build"
	"github.com/conneroisu/hotswap/internal/errors"
	"github.com/conneroisu/hotswap/internal/intercept"
	"github.com/conneroisu/hotswap/internal/version"
	"github.com/conneroisu/hotswap/internal/webapp"
)

// Status is what the status page shows.
type Status struct {
	Version     string
	Uptime      time.Duration
	Interceptor intercept.Snapshot
	Builds      build.MetricsSnapshot
	SuccessRate float64
	Errors      []errors.BuildError
}

// Status collects the current status.
func (s *DevServer) Status() Status {
	st := Status{
		Version:     version.GetShortVersion(),
		Interceptor: s.interceptor.State().Snapshot(),
		Builds:      s.metrics.GetSnapshot(),
		SuccessRate: s.metrics.GetSuccessRate(),
		Errors:      s.errs.GetErrors(),
	}
	if !s.started.IsZero() {
		st.Uptime = time.Since(s.started).Round(time.Second)
	}
	return st
}

func (s *DevServer) installStatus(app *webapp.App) error {
	if s.cfg.Dev.StatusPath == "" {
		return nil
	}
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		templ.Handler(StatusPage(s.Status())).ServeHTTP(w, r)
	})
	return app.Handle(http.MethodGet, s.cfg.Dev.StatusPath, webapp.Handler(h))
}

func (s *DevServer) installMetrics(app *webapp.App) error {
	if s.cfg.Dev.MetricsPath == "" {
		return nil
	}
	h := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	return app.Handle(http.MethodGet, s.cfg.Dev.MetricsPath, webapp.Handler(h))
}

// StatusPage renders the status as an HTML page.
func StatusPage(st Status) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		p := &printer{w: w}
		p.raw(`<!doctype html><html lang="en"><head><meta charset="utf-8"><title>hotswap status</title>`)
		p.raw(`<style>body{font-family:system-ui,sans-serif;margin:2rem}table{border-collapse:collapse}td,th{padding:.25rem .75rem;text-align:left}.error{color:#b00020}</style>`)
		p.raw(`</head><body><h1>hotswap</h1>`)

		p.raw(`<table>`)
		row := func(label, value string) {
			p.raw(`<tr><th>`)
			p.text(label)
			p.raw(`</th><td>`)
			p.text(value)
			p.raw(`</td></tr>`)
		}
		row("Version", st.Version)
		row("Uptime", st.Uptime.String())
		row("Rebuilds", fmt.Sprint(st.Interceptor.RebuildCount))
		row("Slots", fmt.Sprintf("%d (%d forwarded)", st.Interceptor.Slots, st.Interceptor.InstalledSlots))
		row("Builds", fmt.Sprintf("%d ok, %d failed", st.Builds.SuccessfulBuilds, st.Builds.FailedBuilds))
		row("Success rate", fmt.Sprintf("%.1f%%", st.SuccessRate))
		row("Last result", st.Builds.LastResult)
		row("Last hash", st.Builds.LastHash)
		row("Average build", st.Builds.AverageDuration.Round(time.Millisecond).String())
		p.raw(`</table>`)

		if len(st.Errors) > 0 {
			p.raw(`<h2 class="error">Compile errors</h2><ul>`)
			for i := range st.Errors {
				p.raw(`<li class="error"><code>`)
				p.text(st.Errors[i].Error())
				p.raw(`</code></li>`)
			}
			p.raw(`</ul>`)
		}

		p.raw(`</body></html>`)
		return p.err
	})
}

// printer writes until the first error.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) raw(s string) {
	if p.err == nil {
		_, p.err = io.WriteString(p.w, s)
	}
}

func (p *printer) text(s string) {
	p.raw(templ.EscapeString(s))
}
