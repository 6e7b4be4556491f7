// Package main is a multi-protocol test backend for Gatewarden e2e tests.
// It serves HTTP, SSE, and WebSocket on port 8080 (cleartext, with h2c),
// and HTTPS + HTTP/3 (QUIC) on port 8443 with self-signed TLS certificates.
// It also exposes a fake login endpoint so lockout scenarios can drive
// failed-attempt tracking through the gateway.
package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/net/websocket"
)

// loginPassword is the only password /auth/login accepts. Everything else
// gets a 401, which the gateway records as a failed attempt.
const loginPassword = "letmein"

func main() {
	mux := http.NewServeMux()

	// HTTP: simple echo/health endpoints.
	mux.HandleFunc("/", handleHTTP)
	mux.HandleFunc("/health", handleHealth)

	// Auth: fake login for lockout scenarios.
	mux.HandleFunc("/auth/login", handleLogin)

	// Upload: accepts anything, for upload-category scenarios.
	mux.HandleFunc("/upload", handleUpload)

	// SSE: stream of events.
	mux.HandleFunc("/sse", handleSSE)

	// WebSocket: echo server.
	mux.Handle("/ws", websocket.Handler(handleWebSocket))

	// ---------------------------------------------------------------------------
	// Cleartext server (HTTP/1.1 + HTTP/2 h2c + SSE + WebSocket) on :8080
	// ---------------------------------------------------------------------------
	h2s := &http2.Server{}
	cleartextServer := &http.Server{
		Addr:    ":8080",
		Handler: h2c.NewHandler(mux, h2s),
	}

	// ---------------------------------------------------------------------------
	// TLS + HTTP/3 server on :8443
	// ---------------------------------------------------------------------------
	tlsCert, err := generateSelfSignedCert()
	if err != nil {
		log.Fatalf("generate TLS cert: %v", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h3", "h2", "http/1.1"},
	}

	tlsServer := &http.Server{
		Addr:      ":8443",
		Handler:   mux,
		TLSConfig: tlsCfg,
	}

	h3Server := &http3.Server{
		Addr:      ":8443",
		Handler:   mux,
		TLSConfig: http3.ConfigureTLSConfig(tlsCfg),
	}

	// Set Alt-Svc header on TLS responses so clients discover HTTP/3.
	origHandler := tlsServer.Handler
	tlsServer.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor < 3 {
			if setErr := h3Server.SetQUICHeaders(w.Header()); setErr != nil {
				log.Printf("set Alt-Svc: %v", setErr)
			}
		}
		origHandler.ServeHTTP(w, r)
	})

	// ---------------------------------------------------------------------------
	// Start all servers
	// ---------------------------------------------------------------------------
	log.Printf("testbackend: cleartext on :8080 (HTTP/1.1 + h2c + SSE + WS)")
	log.Printf("testbackend: TLS on :8443 (HTTPS + HTTP/2 + HTTP/3)")

	errCh := make(chan error, 3)

	go func() {
		if srvErr := cleartextServer.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
			errCh <- fmt.Errorf("cleartext: %w", srvErr)
		}
	}()

	go func() {
		ln, listenErr := tls.Listen("tcp", ":8443", tlsCfg)
		if listenErr != nil {
			errCh <- fmt.Errorf("tls listen: %w", listenErr)
			return
		}
		if srvErr := tlsServer.Serve(ln); srvErr != nil && srvErr != http.ErrServerClosed {
			errCh <- fmt.Errorf("tls: %w", srvErr)
		}
	}()

	go func() {
		if srvErr := h3Server.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
			errCh <- fmt.Errorf("http3: %w", srvErr)
		}
	}()

	log.Fatalf("server: %v", <-errCh)
}

// ---------------------------------------------------------------------------
// Self-signed certificate generation
// ---------------------------------------------------------------------------

func generateSelfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "testbackend"},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"testbackend", "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return tls.X509KeyPair(certPEM, keyPEM)
}

// ---------------------------------------------------------------------------
// HTTP handlers
// ---------------------------------------------------------------------------

func handleHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Backend", "testbackend")
	w.WriteHeader(http.StatusOK)
	resp := map[string]string{
		"protocol":          r.Proto,
		"method":            r.Method,
		"path":              r.URL.Path,
		"host":              r.Host,
		"remote":            r.RemoteAddr,
		"client_ip":         clientIP(r),
		"x-forwarded-host":  r.Header.Get("X-Forwarded-Host"),
		"x-forwarded-for":   r.Header.Get("X-Forwarded-For"),
		"x-forwarded-proto": r.Header.Get("X-Forwarded-Proto"),
	}
	json.NewEncoder(w).Encode(resp)
}

// clientIP returns the first X-Forwarded-For hop, which is the client IP the
// gateway resolved before proxying.
func clientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
	return strings.TrimSpace(strings.Split(xff, ",")[0])
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

func handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var creds struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Password != loginPassword {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend", "testbackend")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid credentials"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Backend", "testbackend")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"token": "e2e-session-token"})
}

func handleUpload(w http.ResponseWriter, r *http.Request) {
	n, _ := io.Copy(io.Discard, r.Body)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Backend", "testbackend")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"received_bytes": n})
}

// ---------------------------------------------------------------------------
// SSE handler
// ---------------------------------------------------------------------------

func handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Backend", "testbackend")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Send 5 events then close.
	for i := 1; i <= 5; i++ {
		select {
		case <-r.Context().Done():
			return
		default:
		}
		fmt.Fprintf(w, "id: %d\nevent: ping\ndata: {\"seq\":%d}\n\n", i, i)
		flusher.Flush()
		time.Sleep(100 * time.Millisecond)
	}
}

// ---------------------------------------------------------------------------
// WebSocket handler (echo)
// ---------------------------------------------------------------------------

func handleWebSocket(ws *websocket.Conn) {
	defer ws.Close()
	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			if err != io.EOF {
				log.Printf("ws recv: %v", err)
			}
			return
		}
		reply := "echo:" + msg
		if err := websocket.Message.Send(ws, reply); err != nil {
			log.Printf("ws send: %v", err)
			return
		}
	}
}
