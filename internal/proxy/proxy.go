// Copyright 2021 Juan Pablo Tosso
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proxy wires an *engine.Engine into a reverse proxy: every
// request runs phases 1-2 before being forwarded, and the backend's
// response headers run phase 3 after the response has been relayed to
// the client; phase 4 is not run.
package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/tossoengine/secengine/pkg/engine"
)

// Config holds the host-level settings a CLI wrapper collects from flags
// or a config file.
type Config struct {
	ListenAddr string
	Upstream   string
	DryRun     bool
	Timeout    time.Duration
}

// Proxy is a single-host reverse proxy guarded by an engine.Engine.
type Proxy struct {
	cfg    Config
	eng    *engine.Engine
	target *url.URL
	rp     *httputil.ReverseProxy
	server *http.Server
}

// New builds a Proxy forwarding to cfg.Upstream, guarded by eng.
func New(cfg Config, eng *engine.Engine) (*Proxy, error) {
	target, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("proxy: invalid upstream %q: %w", cfg.Upstream, err)
	}

	p := &Proxy{cfg: cfg, eng: eng, target: target}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		eng.Logger().WithError(err).Warn("proxy: upstream error")
		w.WriteHeader(http.StatusBadGateway)
	}
	p.rp = rp
	return p, nil
}

// Start blocks serving on cfg.ListenAddr until the listener errors or
// Stop is called.
func (p *Proxy) Start() error {
	ln, err := net.Listen("tcp", p.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", p.cfg.ListenAddr, err)
	}
	p.server = &http.Server{
		Handler:      http.HandlerFunc(p.handle),
		ReadTimeout:  p.cfg.Timeout,
		WriteTimeout: p.cfg.Timeout,
	}
	return p.server.Serve(ln)
}

// Stop gracefully closes the listener.
func (p *Proxy) Stop() error {
	if p.server == nil {
		return nil
	}
	return p.server.Close()
}

func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	if !p.eng.Enabled() {
		p.rp.ServeHTTP(w, r)
		return
	}

	tx := p.eng.MakeTransaction()
	logCb := p.eng.AuditLogCallback()
	defer p.eng.LogAndClose(tx)

	tx.ProcessURI(r.RequestURI, r.Method, r.Proto)
	if iv := tx.ProcessRequestHeaders(func(find func(k, v string)) {
		for k, vs := range r.Header {
			for _, v := range vs {
				find(k, v)
			}
		}
	}, logCb); iv != nil && !p.cfg.DryRun {
		p.respondIntervention(w, iv)
		return
	}

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	if iv := tx.ProcessRequestBody(func() []string { return []string{string(body)} }, logCb); iv != nil && !p.cfg.DryRun {
		p.respondIntervention(w, iv)
		return
	}

	rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK, body: &bytes.Buffer{}}
	p.rp.ServeHTTP(rec, r)

	if iv := tx.ProcessResponseHeaders(rec.status, r.Proto, func(find func(k, v string)) {
		for k, vs := range rec.Header() {
			for _, v := range vs {
				find(k, v)
			}
		}
	}, logCb); iv != nil && !p.cfg.DryRun {
		// Headers/body were already written through to the client by
		// ServeHTTP above; a reverse proxy can only veto a response
		// before forwarding it, so phase 3 interventions here are
		// logged but cannot retroactively block what was already sent.
		p.eng.Logger().WithField("status", iv.Status).Warn("proxy: response-phase intervention fired after response was already relayed")
	}
	tx.ProcessLogging(logCb)
}

func (p *Proxy) respondIntervention(w http.ResponseWriter, iv *engine.Intervention) {
	if iv.Disruptive == engine.DisruptiveRedirect && iv.RedirectTo != "" {
		w.Header().Set("Location", iv.RedirectTo)
	}
	w.WriteHeader(iv.Status)
	fmt.Fprintf(w, "blocked by rule %d: %s\n", iv.RuleID, iv.Msg)
}

type responseRecorder struct {
	http.ResponseWriter
	status  int
	body    *bytes.Buffer
	wrote   bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
		r.ResponseWriter.WriteHeader(status)
	}
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.WriteHeader(http.StatusOK)
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
