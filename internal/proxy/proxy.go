// Package proxy implements the reverse proxy that admitted requests are
// forwarded to. Plain HTTP and SSE go through httputil.ReverseProxy with
// immediate flushing; WebSocket upgrades are relayed over a raw TCP pipe.
// Requests that arrived over HTTP/2 are forwarded over HTTP/2 so the
// protocol is preserved end-to-end.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gatewarden/gatewarden/internal/config"
	"golang.org/x/net/http2"
)

const defaultWSDialTimeout = 10 * time.Second

// Proxy forwards admitted requests to the configured backend.
type Proxy struct {
	backendURL         *url.URL
	httpProxy          *httputil.ReverseProxy
	logger             *slog.Logger
	backendTLSInsecure bool
	wsDialTimeout      time.Duration
}

// New creates a reverse proxy targeting the backend named in cfg.
func New(cfg config.BackendConfig, logger *slog.Logger) (*Proxy, error) {
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", cfg.URL, err)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("backend URL %q has no host", cfg.URL)
	}

	timeout, err := config.ParseDuration(cfg.Timeout, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid backend timeout: %w", err)
	}
	idleConnTimeout, err := config.ParseDuration(cfg.IdleConnTimeout, 90*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid backend idle_conn_timeout: %w", err)
	}

	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = 100
	}

	h1, h2 := buildTransports(timeout, maxIdleConns, idleConnTimeout)

	p := &Proxy{
		backendURL:         target,
		logger:             logger.With("component", "proxy"),
		backendTLSInsecure: cfg.TLSInsecureVerify,
		wsDialTimeout:      defaultWSDialTimeout,
	}
	p.httpProxy = buildReverseProxy(target, h1, h2, p.logger)
	return p, nil
}

func buildTransports(responseTimeout time.Duration, maxIdleConns int, idleConnTimeout time.Duration) (*http.Transport, *http2.Transport) {
	h1 := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConns,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: responseTimeout,
		ForceAttemptHTTP2:     false, // HTTP/2 goes through the h2 transport.
	}

	h2 := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     15 * time.Second,
	}

	return h1, h2
}

func buildReverseProxy(target *url.URL, h1, h2 http.RoundTripper, logger *slog.Logger) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			if target.Path != "" && target.Path != "/" {
				req.URL.Path = singleJoiningSlash(target.Path, req.URL.Path)
			}
			if req.Header.Get("X-Forwarded-Host") == "" {
				req.Header.Set("X-Forwarded-Host", req.Host)
			}
			if req.Header.Get("X-Forwarded-Proto") == "" {
				proto := "http"
				if req.TLS != nil {
					proto = "https"
				}
				req.Header.Set("X-Forwarded-Proto", proto)
			}
		},
		Transport: &protocolAwareTransport{
			http1: h1,
			http2: h2,
		},
		FlushInterval: -1, // Flush immediately for SSE and streaming.
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, proxyErr error) {
			logger.Error("proxy error", "error", proxyErr, "path", req.URL.Path)
			if !isClientDisconnect(proxyErr) {
				rw.WriteHeader(http.StatusBadGateway)
			}
		},
	}
}

// ServeHTTP forwards the request, relaying WebSocket upgrades separately.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		p.handleWebSocket(w, r)
		return
	}
	p.httpProxy.ServeHTTP(w, r)
}

// handleWebSocket performs a WebSocket upgrade and bidirectional relay.
func (p *Proxy) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	backendConn, dialErr := p.dialWebSocketBackend()
	if dialErr != nil {
		p.logger.Error("websocket: dial backend failed", "error", dialErr)
		http.Error(w, "backend unreachable", http.StatusBadGateway)
		return
	}
	defer func() { _ = backendConn.Close() }()

	if writeErr := r.Write(backendConn); writeErr != nil {
		p.logger.Error("websocket: write upgrade request failed", "error", writeErr)
		http.Error(w, "backend write error", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		p.logger.Error("websocket: hijack not supported")
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, hijackErr := hijacker.Hijack()
	if hijackErr != nil {
		p.logger.Error("websocket: hijack failed", "error", hijackErr)
		return
	}
	defer func() { _ = clientConn.Close() }()

	p.relayWebSocket(clientConn, backendConn)
}

// dialWebSocketBackend dials the backend for a WebSocket connection. The
// backend URL is expected to already contain an explicit port (normalized at
// config load time).
func (p *Proxy) dialWebSocketBackend() (net.Conn, error) {
	backendAddr := p.backendURL.Host

	if p.backendURL.Scheme == "https" {
		return tls.Dial("tcp", backendAddr, &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: p.backendTLSInsecure, //nolint:gosec // Configurable per-user choice.
		})
	}
	return net.DialTimeout("tcp", backendAddr, p.wsDialTimeout)
}

// relayWebSocket copies data bidirectionally between client and backend.
func (p *Proxy) relayWebSocket(clientConn, backendConn net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if _, cpErr := io.Copy(clientConn, backendConn); cpErr != nil {
			p.logger.Debug("websocket: backend→client copy ended", "error", cpErr)
		}
		if tc, tcOK := clientConn.(*net.TCPConn); tcOK {
			if cwErr := tc.CloseWrite(); cwErr != nil {
				p.logger.Debug("websocket: client CloseWrite", "error", cwErr)
			}
		}
	}()

	go func() {
		defer wg.Done()
		if _, cpErr := io.Copy(backendConn, clientConn); cpErr != nil {
			p.logger.Debug("websocket: client→backend copy ended", "error", cpErr)
		}
		if tc, tcOK := backendConn.(*net.TCPConn); tcOK {
			if cwErr := tc.CloseWrite(); cwErr != nil {
				p.logger.Debug("websocket: backend CloseWrite", "error", cwErr)
			}
		}
	}()

	wg.Wait()
}

// isWebSocketUpgrade returns true if the request is a WebSocket upgrade.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// protocolAwareTransport selects HTTP/1.1 or HTTP/2 transport based on the
// incoming request protocol version, so h2c traffic stays on HTTP/2 all the
// way to the backend.
type protocolAwareTransport struct {
	http1 http.RoundTripper
	http2 http.RoundTripper
}

func (t *protocolAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.ProtoMajor >= 2 {
		return t.http2.RoundTrip(req)
	}
	return t.http1.RoundTrip(req)
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")

	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "client disconnected") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}
