// Package gateway implements the egress gateway sitting between evaluation
// workers and defense containers, plus the client workers use to reach it.
//
// Defense containers live on internal (egress-blocked) Docker networks; the
// gateway is the only other endpoint attached to those networks. Workers
// send every classification request to the gateway with the real target in
// a header, and the gateway forwards it after checking a shared secret and
// a target allowlist. The defense therefore never sees the worker, and the
// worker never needs a route into the sandbox network.
package gateway

import (
	"crypto/subtle"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Headers understood by the proxy.
const (
	HeaderTargetURL = "X-Target-Url"
	HeaderAuth      = "X-Gateway-Auth"
)

// strippedResponseHeaders are never mirrored to the caller. The transport
// has already decoded the body, so forwarding the originals would describe
// bytes that no longer exist.
var strippedResponseHeaders = []string{
	"Content-Encoding",
	"Content-Length",
	"Transfer-Encoding",
	"Connection",
}

// Proxy forwards requests to the defense container named in the target
// header. It implements http.Handler for every method; routing and health
// endpoints live in the gateway binary.
type Proxy struct {
	authSecret string
	// targetPrefix restricts forwarding to hostnames with this prefix,
	// normally "mlsec-defense-". Empty allows any target, which only makes
	// sense in tests.
	targetPrefix string
	transport    http.RoundTripper
	logger       *zap.Logger
}

// NewProxy returns a Proxy. A nil transport uses http.DefaultTransport;
// tests inject one to reach stub defenses.
func NewProxy(authSecret, targetPrefix string, transport http.RoundTripper, logger *zap.Logger) *Proxy {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Proxy{
		authSecret:   authSecret,
		targetPrefix: targetPrefix,
		transport:    transport,
		logger:       logger,
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get(HeaderAuth)
	if subtle.ConstantTimeCompare([]byte(auth), []byte(p.authSecret)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	rawTarget := r.Header.Get(HeaderTargetURL)
	if rawTarget == "" {
		http.Error(w, "missing target url", http.StatusBadRequest)
		return
	}
	target, err := url.Parse(rawTarget)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		http.Error(w, "invalid target url", http.StatusBadRequest)
		return
	}
	if p.targetPrefix != "" && !strings.HasPrefix(target.Hostname(), p.targetPrefix) {
		p.logger.Warn("target not allowed", zap.String("target", rawTarget))
		http.Error(w, "target not allowed", http.StatusBadRequest)
		return
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, "invalid target url", http.StatusBadRequest)
		return
	}
	out.Header = r.Header.Clone()
	out.Header.Del(HeaderTargetURL)
	out.Header.Del(HeaderAuth)
	out.Header.Del("Connection")

	resp, err := p.transport.RoundTrip(out)
	if err != nil {
		p.logger.Warn("upstream request failed",
			zap.String("target", rawTarget),
			zap.Error(err))
		http.Error(w, "upstream error", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for name, values := range resp.Header {
		header[name] = values
	}
	for _, name := range strippedResponseHeaders {
		header.Del(name)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Warn("copying upstream body failed",
			zap.String("target", rawTarget),
			zap.Error(err))
	}
}
