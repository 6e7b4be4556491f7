// Package alerts implements an async, buffered security alert emitter that
// posts lockout and suspicious-activity events to an external webhook. Alerts
// are batched and flushed at configurable intervals. The emitter is entirely
// optional and fire-and-forget — it never blocks the request hot path.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/observability"
)

// Alert kinds emitted by the reputation tracker.
const (
	KindSuspicious = "suspicious_activity"
	KindLocked     = "identity_locked"
	KindUnlocked   = "identity_unlocked"
)

// Alert represents a single security event for an identity.
type Alert struct {
	Kind        string `json:"kind"`
	IP          string `json:"ip"`
	Fingerprint string `json:"fingerprint"`
	Failures    int64  `json:"failures,omitempty"`
	LockedUntil string `json:"locked_until,omitempty"` // RFC 3339
	Reason      string `json:"reason,omitempty"`
	Timestamp   string `json:"timestamp"` // RFC 3339
}

// Emitter is an async, buffered alert emitter that batches security alerts
// and flushes them to a webhook URL.
type Emitter struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	webhookURL string
	httpClient *http.Client

	batchSize     int
	flushInterval time.Duration
	bufferSize    int

	ring     []Alert
	ringMu   sync.Mutex
	ringHead int
	ringTail int
	ringLen  int

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEmitter creates a new security alert emitter. Returns nil if alerts are
// not enabled in the config; callers must treat a nil emitter as a no-op.
func NewEmitter(cfg config.AlertsConfig, logger *slog.Logger, metrics *observability.Metrics) *Emitter {
	if !cfg.Enabled {
		return nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	flushInterval := 5 * time.Second
	if cfg.FlushInterval != "" {
		if d, err := time.ParseDuration(cfg.FlushInterval); err == nil && d > 0 {
			flushInterval = d
		}
	}

	e := &Emitter{
		logger:        logger.With("component", "alerts"),
		metrics:       metrics,
		webhookURL:    cfg.WebhookURL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		ring:          make([]Alert, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// Emit enqueues an alert into the ring buffer. This is fire-and-forget and
// never blocks. When the buffer is full, the oldest alert is dropped. Safe to
// call on a nil emitter.
func (e *Emitter) Emit(a Alert) {
	if e == nil {
		return
	}

	e.ringMu.Lock()
	e.ring[e.ringTail] = a
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	if e.ringLen == e.bufferSize {
		// Buffer full — drop oldest by advancing head.
		e.ringHead = (e.ringHead + 1) % e.bufferSize
		e.metrics.IncAlertsDropped()
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close flushes remaining alerts and stops the flush loop. Safe to call on a
// nil emitter.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	close(e.done)
	e.wg.Wait()

	// Final drain.
	e.flush()
	return nil
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		e.send(batch)
	}
}

func (e *Emitter) drain() []Alert {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}

	n := e.ringLen
	if n > e.batchSize {
		n = e.batchSize
	}

	batch := make([]Alert, n)
	for i := range n {
		batch[i] = e.ring[(e.ringHead+i)%e.bufferSize]
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Emitter) send(batch []Alert) {
	payload := struct {
		Alerts []Alert `json:"alerts"`
	}{Alerts: batch}

	body, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal alerts batch", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.webhookURL, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("failed to create alerts HTTP request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("failed to send alerts batch", "error", err, "count", len(batch))
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		e.logger.Warn("alerts webhook returned error",
			"status", resp.StatusCode, "count", len(batch))
	}
}

// String implements fmt.Stringer for debug logging.
func (e *Emitter) String() string {
	return fmt.Sprintf("Emitter(webhook=%s, batch=%d, flush=%s, buf=%d)",
		e.webhookURL, e.batchSize, e.flushInterval, e.bufferSize)
}
