package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/websocket"
)

// ---------------------------------------------------------------------------
// Test framework
// ---------------------------------------------------------------------------

type testResult struct {
	name   string
	passed bool
	detail string
}

type testCase struct {
	name     string
	scenario string // Gatewarden deployment scenario name (for log collection)
	fn       func() testResult
}

// scenarioNodePorts maps scenario names to their gateway Kubernetes NodePort.
// With QEMU + socket_vmnet, the minikube VM has a routable IP, so we
// access services directly at <minikubeIP>:<nodePort>.
var scenarioNodePorts = map[string]int{
	"single-pt":      30101,
	"single-fc":      30102,
	"single-fb":      30103,
	"sentinel-basic": 30104,
	"cluster-basic":  30105,
	"categories":     30106,
	"lockout":        30107,
	"quota":          30108,
	"protocol":       30110,
	"protocol-h3":    30211, // TLS NodePort (TCP + UDP/QUIC)
	"config-reload":  30112,
}

// adminNodePorts maps scenarios whose admin API is exercised to the NodePort
// of their admin listener.
var adminNodePorts = map[string]int{
	"lockout": 30207,
	"quota":   30208,
}

// runAllTests resolves the minikube IP, builds base URLs for every scenario,
// runs all tests locally against the cluster, and writes a report file.
func runAllTests() bool {
	runStart := time.Now()
	minikubeIP := getMinikubeIP()
	info("Minikube IP: %s", minikubeIP)

	// Build base URL maps using the routable minikube IP + NodePort.
	baseURLs := make(map[string]string, len(scenarioNodePorts))
	for scenario, port := range scenarioNodePorts {
		scheme := "http"
		if scenario == "protocol-h3" {
			scheme = "https"
		}
		baseURLs[scenario] = fmt.Sprintf("%s://%s:%d", scheme, minikubeIP, port)
	}

	adminURLs := make(map[string]string, len(adminNodePorts))
	for scenario, port := range adminNodePorts {
		adminURLs[scenario] = fmt.Sprintf("http://%s:%d", minikubeIP, port)
	}

	// Wait for all Gatewarden instances to become reachable.
	info("Waiting for Gatewarden instances to become reachable...")
	for scenario, base := range baseURLs {
		if err := waitForGatewarden(base, 60*time.Second); err != nil {
			fatal("Gatewarden %q not reachable at %s: %v", scenario, base, err)
		}
		info("  ✓ %s reachable", scenario)
	}

	cases := allTestCases(baseURLs, adminURLs)
	entries := make([]TestEntry, 0, len(cases))
	passCount, failCount := 0, 0

	for i, tc := range cases {
		fmt.Printf("\n[%d/%d] %s\n", i+1, len(cases), tc.name)

		tStart := time.Now()
		r := tc.fn()
		elapsed := time.Since(tStart)

		entry := TestEntry{
			Index:         i + 1,
			Name:          tc.name,
			TestID:        r.name,
			Passed:        r.passed,
			Detail:        r.detail,
			Duration:      elapsed,
			DurationHuman: elapsed.Round(time.Millisecond).String(),
		}
		entries = append(entries, entry)

		if r.passed {
			passCount++
			fmt.Printf("  ✅ PASS: %s (%s)\n", r.detail, entry.DurationHuman)
		} else {
			failCount++
			fmt.Printf("  ❌ FAIL: %s (%s)\n", r.detail, entry.DurationHuman)
		}
	}

	allPassed := failCount == 0

	// Summary.
	fmt.Printf("\n%s\n", strings.Repeat("-", 60))
	fmt.Printf("Results: %d passed, %d failed, %d total\n", passCount, failCount, len(entries))
	fmt.Printf("%s\n", strings.Repeat("-", 60))

	for _, e := range entries {
		mark := "✅"
		if !e.Passed {
			mark = "❌"
		}
		fmt.Printf("  %s %s\n", mark, e.TestID)
	}

	// Collect pod logs when there are failures.
	var podLogs []PodLog
	if !allPassed {
		info("Collecting Gatewarden pod logs for failure diagnostics...")
		podLogs = collectGatewardenLogs()
	}

	// Build and write report.
	report := &Report{
		Timestamp:  runStart,
		Duration:   time.Since(runStart),
		MinikubeIP: minikubeIP,
		PassCount:  passCount,
		FailCount:  failCount,
		TotalCount: len(entries),
		AllPassed:  allPassed,
		Tests:      entries,
		PodLogs:    podLogs,
	}

	reportPath := writeReport(report)
	if reportPath != "" {
		fmt.Printf("\n📄 Report: %s\n", reportPath)
	}

	return allPassed
}

// ---------------------------------------------------------------------------
// Test definitions
// ---------------------------------------------------------------------------

func allTestCases(urls, admin map[string]string) []testCase {
	return []testCase{
		// Topology: single
		{"Single mode — passthrough (happy path)", "single-pt", func() testResult { return testSinglePassthrough(urls["single-pt"]) }},
		{"Single mode — rate-limit headers on allowed responses", "single-pt", func() testResult { return testRateLimitHeaders(urls["single-pt"]) }},
		{"Single mode — failclosed (Redis down)", "single-fc", func() testResult { return testSingleFailClosed(urls["single-fc"]) }},
		{"Single mode — inmemoryfallback (Redis down)", "single-fb", func() testResult { return testSingleFallback(urls["single-fb"]) }},

		// Topology: sentinel
		{"Sentinel mode — basic master discovery", "sentinel-basic", func() testResult { return testSentinelBasic(urls["sentinel-basic"]) }},

		// Topology: cluster
		{"Cluster mode — basic with MOVED redirects", "cluster-basic", func() testResult { return testClusterBasic(urls["cluster-basic"]) }},

		// Category windows
		{"Categories — API window trips independently of default", "categories", func() testResult { return testCategoryIsolation(urls["categories"]) }},
		{"Categories — Retry-After header present on 429", "categories", func() testResult { return testRetryAfterHeader(urls["categories"]) }},

		// Security lockouts
		{"Lockout — failed logins lock the client, admin unlock restores", "lockout", func() testResult { return testLockoutAndUnlock(urls["lockout"], admin["lockout"]) }},

		// Daily quotas
		{"Quota — daily limit exhausts with structured 429 body", "quota", func() testResult { return testQuotaExhaustion(urls["quota"]) }},
		{"Quota — admin grant raises the daily limit", "quota", func() testResult { return testQuotaGrant(urls["quota"], admin["quota"], urls["protocol"]) }},
		{"Quota — admin daily stats reflect traffic", "quota", func() testResult { return testAdminDailyStats(admin["quota"]) }},

		// Failure injection
		{"Failure injection — kill single Redis, passthrough", "single-pt", func() testResult { return testKillSinglePassthrough(urls["single-pt"]) }},
		{"Failure injection — kill single Redis, inmemoryfallback", "single-fb", func() testResult { return testKillSingleFallback(urls["single-fb"]) }},

		// Recovery
		{"Recovery — Redis killed then restarted, limiting resumes", "categories", func() testResult { return testRecoveryAfterRestart(urls["categories"]) }},

		// Concurrency
		{"Concurrent burst — no 500s under load", "single-pt", func() testResult { return testConcurrentBurst(urls["single-pt"]) }},

		// Protocol tests
		{"Protocol — HTTP/1.1 proxies correctly", "protocol", func() testResult { return testProtocolHTTP(urls["protocol"]) }},
		{"Protocol — HTTP/2 (h2c) proxies correctly", "protocol", func() testResult { return testProtocolHTTP2(urls["protocol"]) }},
		{"Protocol — SSE event stream", "protocol", func() testResult { return testProtocolSSE(urls["protocol"]) }},
		{"Protocol — WebSocket echo", "protocol", func() testResult { return testProtocolWebSocket(urls["protocol"]) }},

		// HTTP/3 (QUIC) — tested locally via the routable minikube IP + UDP NodePort
		{"Protocol — HTTP/3 (QUIC)", "protocol-h3", func() testResult { return testProtocolHTTP3(urls["protocol-h3"]) }},
		{"Protocol — HTTPS (HTTP/2 over TLS) with Alt-Svc", "protocol-h3", func() testResult { return testProtocolHTTPS(urls["protocol-h3"]) }},

		// Config hot-reload
		{"Config reload — category limits change via ConfigMap", "config-reload", func() testResult { return testConfigReload(urls["config-reload"]) }},
		{"Config reload — TLS cert rotation", "protocol-h3", func() testResult { return testCertReload(urls["protocol-h3"]) }},
	}
}

// ---------------------------------------------------------------------------
// Individual tests
// ---------------------------------------------------------------------------

func testSinglePassthrough(base string) testResult {
	ok200, ok429 := sendBurst(base, "/", 5)

	if ok200 >= 3 {
		return pass("single-pt", "%d/5 allowed (within window)", ok200)
	}

	return fail("single-pt", "expected ≥3 allowed, got %d (429s: %d)", ok200, ok429)
}

func testRateLimitHeaders(base string) testResult {
	resp, err := doHTTPRequest(base, "/")
	if err != nil {
		return fail("rl-headers", "request error: %v", err)
	}
	defer resp.Body.Close()

	limit := resp.Header.Get("X-RateLimit-Limit")
	remaining := resp.Header.Get("X-RateLimit-Remaining")
	reset := resp.Header.Get("X-RateLimit-Reset")

	if limit == "" || remaining == "" || reset == "" {
		return fail("rl-headers", "missing rate-limit headers: limit=%q remaining=%q reset=%q", limit, remaining, reset)
	}

	return pass("rl-headers", "limit=%s remaining=%s reset=%s", limit, remaining, reset)
}

func testSingleFailClosed(base string) testResult {
	// First verify it works normally.
	ok200, _ := sendBurst(base, "/", 3)
	if ok200 < 1 {
		return fail("single-fc", "expected ≥1 allowed before failure injection, got 0")
	}

	// Scale Redis deployment to 0 so that the Deployment controller does
	// not immediately restart the pod. Simply deleting the pod causes the
	// Deployment to schedule a replacement, which can become Ready before
	// the gateway detects the outage — defeating the test.
	info("  Scaling Redis single deployment to 0 replicas...")

	if _, err := kubectl("scale", "deployment", "redis-single", "-n", namespace, "--replicas=0"); err != nil {
		return fail("single-fc", "could not scale Redis to 0: %v", err)
	}

	// Wait for the pod to terminate and the gateway's pooled connections to
	// receive TCP RST / connection refused from the now-empty ClusterIP.
	info("  Waiting for Redis pod to terminate...")
	time.Sleep(8 * time.Second)

	// Send a priming burst so the gateway's Redis client discovers the
	// broken connection. With no backend behind the Service ClusterIP every
	// attempt gets "connection refused", which tears the store down and
	// switches the gate to its failure policy.
	sendBurst(base, "/", 5)
	time.Sleep(3 * time.Second)

	// Requests should now get 429 (failclosed).
	_, _, codes := sendBurstDetailed(base, "/", 5)
	has429 := false

	for _, c := range codes {
		if c == 429 {
			has429 = true
			break
		}
	}

	// Restore Redis: scale back to 1 and wait for it to become Ready.
	info("  Restoring Redis single deployment to 1 replica...")
	kubectl("scale", "deployment", "redis-single", "-n", namespace, "--replicas=1")
	waitForPods("app=redis-single", 60*time.Second)

	if has429 {
		return pass("single-fc", "got 429 after Redis killed (failclosed working)")
	}

	return fail("single-fc", "expected 429 after kill, got codes: %v", codes)
}

func testSingleFallback(base string) testResult {
	// Verify normal operation.
	ok200, _ := sendBurst(base, "/", 3)
	if ok200 < 1 {
		return fail("single-fb", "expected ≥1 allowed before kill, got 0")
	}

	// Kill Redis.
	info("  Killing Redis single pod for fallback test...")

	if err := deletePod("app=redis-single"); err != nil {
		return fail("single-fb", "could not kill Redis pod: %v", err)
	}

	time.Sleep(5 * time.Second)

	// Should fall back to in-memory limiting. The single-fb scenario runs
	// with a deliberately small default window so the fallback limiter is
	// observable within one burst.
	ok200, ok429 := sendBurst(base, "/", 15)

	// Restore Redis.
	waitForPods("app=redis-single", 60*time.Second)

	if ok200 > 0 && ok429 > 0 {
		return pass("single-fb", "fallback active: %d allowed, %d limited", ok200, ok429)
	}

	if ok200 > 0 {
		return pass("single-fb", "fallback allowed %d requests (window not exhausted)", ok200)
	}

	return fail("single-fb", "expected some allowed via fallback, got 200s=%d 429s=%d", ok200, ok429)
}

func testSentinelBasic(base string) testResult {
	ok200, _ := sendBurst(base, "/", 5)

	if ok200 >= 3 {
		return pass("sentinel-basic", "%d/5 allowed via sentinel-discovered master", ok200)
	}

	return fail("sentinel-basic", "expected ≥3 allowed, got %d", ok200)
}

func testClusterBasic(base string) testResult {
	ok200, _ := sendBurst(base, "/", 5)

	if ok200 >= 3 {
		return pass("cluster-basic", "%d/5 allowed via cluster mode", ok200)
	}

	return fail("cluster-basic", "expected ≥3 allowed, got %d", ok200)
}

// testCategoryIsolation exhausts the API category window (limit=3 in the
// categories scenario) and verifies the default category still has budget.
func testCategoryIsolation(base string) testResult {
	ok200, ok429 := sendBurst(base, "/api/widgets", 6)
	if ok429 == 0 {
		return fail("categories", "expected API window to trip, got 200s=%d 429s=%d", ok200, ok429)
	}

	// Same client, default category — should still be allowed.
	okDefault, limitedDefault := sendBurst(base, "/home", 3)
	if okDefault < 3 {
		return fail("categories", "default category affected by API limit: 200s=%d 429s=%d", okDefault, limitedDefault)
	}

	return pass("categories", "API: %d allowed %d limited; default unaffected: %d/3 allowed", ok200, ok429, okDefault)
}

func testRetryAfterHeader(base string) testResult {
	// Exhaust the API window (limit=3 in the categories scenario).
	sendBurst(base, "/api/widgets", 5)

	time.Sleep(100 * time.Millisecond)

	// Next request should be 429 with Retry-After.
	resp, err := doHTTPRequest(base, "/api/widgets")
	if err != nil {
		return fail("retry-after", "request error: %v", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		ra := resp.Header.Get("Retry-After")
		if ra == "" {
			return fail("retry-after", "429 but no Retry-After header")
		}

		var body struct {
			Message    string  `json:"message"`
			RetryAfter float64 `json:"retryAfter"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fail("retry-after", "cannot decode 429 body: %v", err)
		}

		return pass("retry-after", "429 with Retry-After: %s, body message: %q", ra, body.Message)
	}

	return fail("retry-after", "expected 429, got %d", resp.StatusCode)
}

// testLockoutAndUnlock drives failed logins through the gateway until the
// client is locked, verifies the lock applies to every path, then unlocks
// through the admin API and verifies traffic flows again.
func testLockoutAndUnlock(base, adminBase string) testResult {
	const name = "lockout"

	// The lockout scenario runs with max_failed_attempts=3. The test
	// backend rejects any /auth/login without the magic password, and the
	// gateway records a failure for each 401 it proxies back.
	for i := 0; i < 3; i++ {
		resp, err := doJSONPost(base+"/auth/login", map[string]string{"password": "wrong"})
		if err != nil {
			return fail(name, "login attempt %d failed: %v", i+1, err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
			return fail(name, "login attempt %d: expected 401, got %d", i+1, resp.StatusCode)
		}
	}

	// Failure recording is asynchronous; poll until the lock takes effect
	// on an unrelated path.
	var locked bool
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := doHTTPRequest(base, "/home")
		if err != nil {
			return fail(name, "post-login request failed: %v", err)
		}
		code := resp.StatusCode
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if code == http.StatusForbidden {
			locked = true
			break
		}
		time.Sleep(time.Second)
	}

	if !locked {
		return fail(name, "client never locked after 3 failed logins")
	}

	// Find our lock record through the admin API to learn the IP the
	// gateway resolved for us.
	resp, err := doHTTPRequest(adminBase, "/api/v1/locked")
	if err != nil {
		return fail(name, "admin locked listing failed: %v", err)
	}
	defer resp.Body.Close()

	var records []struct {
		IP          string `json:"ip"`
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return fail(name, "cannot decode locked listing: %v", err)
	}
	if len(records) == 0 {
		return fail(name, "locked but admin listing is empty")
	}

	// Unlock. The lockout scenario resolves identities by IP only, so an
	// empty user agent reproduces the fingerprint.
	unlockResp, err := doJSONPost(adminBase+"/api/v1/unlock", map[string]string{
		"ip":     records[0].IP,
		"reason": "e2e unlock",
	})
	if err != nil {
		return fail(name, "admin unlock failed: %v", err)
	}
	defer unlockResp.Body.Close()

	var unlock struct {
		Unlocked bool `json:"unlocked"`
	}
	if err := json.NewDecoder(unlockResp.Body).Decode(&unlock); err != nil {
		return fail(name, "cannot decode unlock response: %v", err)
	}
	if !unlock.Unlocked {
		return fail(name, "unlock returned unlocked=false for ip=%s", records[0].IP)
	}

	// Traffic should flow again.
	after, err := doHTTPRequest(base, "/home")
	if err != nil {
		return fail(name, "post-unlock request failed: %v", err)
	}
	io.Copy(io.Discard, after.Body)
	after.Body.Close()

	if after.StatusCode == http.StatusOK {
		return pass(name, "locked after 3 failed logins, unlocked ip=%s via admin API", records[0].IP)
	}

	return fail(name, "expected 200 after unlock, got %d", after.StatusCode)
}

// testQuotaExhaustion sends traffic until the daily quota (limit=5 in the
// quota scenario) is exhausted and checks the structured 429 body.
func testQuotaExhaustion(base string) testResult {
	const name = "quota"

	for i := 0; i < 10; i++ {
		resp, err := doHTTPRequest(base, "/")
		if err != nil {
			return fail(name, "request %d failed: %v", i+1, err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			defer resp.Body.Close()

			var body struct {
				Message      string `json:"message"`
				CurrentUsage int64  `json:"currentUsage"`
				TotalLimit   int64  `json:"totalLimit"`
				ResetTime    string `json:"resetTime"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fail(name, "cannot decode quota 429 body: %v", err)
			}

			if body.TotalLimit == 0 || body.CurrentUsage < body.TotalLimit {
				return fail(name, "quota body inconsistent: usage=%d limit=%d", body.CurrentUsage, body.TotalLimit)
			}
			if resp.Header.Get("Retry-After") == "" {
				return fail(name, "quota 429 missing Retry-After")
			}

			return pass(name, "quota exhausted after %d requests: usage=%d limit=%d reset=%s",
				i, body.CurrentUsage, body.TotalLimit, body.ResetTime)
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	return fail(name, "daily quota never exhausted in 10 requests")
}

// testQuotaGrant issues a bonus grant through the admin API and verifies the
// exhausted client can send again.
func testQuotaGrant(base, adminBase, echoBase string) testResult {
	const name = "quota-grant"

	// Learn the client IP the gateway resolved for us from the test
	// backend's echo (it reflects X-Forwarded-For). The quota instance may
	// already be exhausted, so ask through the unlimited protocol instance;
	// kube-proxy SNATs NodePort traffic identically for every service.
	ip, err := resolvedClientIP(echoBase)
	if err != nil {
		return fail(name, "could not resolve own client IP: %v", err)
	}

	// Make sure the quota is exhausted (the exhaustion test usually ran
	// first, but each test must stand alone).
	for i := 0; i < 10; i++ {
		resp, rErr := doHTTPRequest(base, "/")
		if rErr != nil {
			return fail(name, "priming request failed: %v", rErr)
		}
		code := resp.StatusCode
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if code == http.StatusTooManyRequests {
			break
		}
	}

	// Grant a payment bonus.
	grantResp, err := doJSONPost(adminBase+"/api/v1/grants", map[string]string{
		"ip":   ip,
		"kind": "payment",
	})
	if err != nil {
		return fail(name, "admin grant failed: %v", err)
	}
	defer grantResp.Body.Close()

	if grantResp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(grantResp.Body)
		return fail(name, "grant returned %d: %s", grantResp.StatusCode, b)
	}

	var usage struct {
		CurrentUsage int64 `json:"currentUsage"`
		TotalLimit   int64 `json:"totalLimit"`
		Remaining    int64 `json:"remaining"`
	}
	if err := json.NewDecoder(grantResp.Body).Decode(&usage); err != nil {
		return fail(name, "cannot decode grant response: %v", err)
	}
	if usage.Remaining <= 0 {
		return fail(name, "grant did not raise the limit: usage=%d limit=%d", usage.CurrentUsage, usage.TotalLimit)
	}

	// The exhausted client can send again.
	resp, err := doHTTPRequest(base, "/")
	if err != nil {
		return fail(name, "post-grant request failed: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return pass(name, "grant raised limit to %d, traffic flows again", usage.TotalLimit)
	}

	return fail(name, "expected 200 after grant, got %d", resp.StatusCode)
}

func testAdminDailyStats(adminBase string) testResult {
	const name = "admin-stats"

	resp, err := doHTTPRequest(adminBase, "/api/v1/stats/daily")
	if err != nil {
		return fail(name, "stats request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail(name, "expected 200, got %d", resp.StatusCode)
	}

	var stats struct {
		Date             string `json:"date"`
		UniqueIdentities int64  `json:"uniqueIdentities"`
		TotalRequests    int64  `json:"totalRequests"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fail(name, "cannot decode stats: %v", err)
	}

	// The quota tests ran traffic through this instance already.
	if stats.TotalRequests < 1 || stats.UniqueIdentities < 1 {
		return fail(name, "stats empty despite earlier traffic: %+v", stats)
	}

	return pass(name, "date=%s identities=%d requests=%d", stats.Date, stats.UniqueIdentities, stats.TotalRequests)
}

func testKillSinglePassthrough(base string) testResult {
	info("  Killing Redis single pod...")

	if err := deletePod("app=redis-single"); err != nil {
		return fail("kill-pt", "could not kill Redis: %v", err)
	}

	time.Sleep(5 * time.Second)

	// passthrough should allow all.
	ok200, ok429 := sendBurst(base, "/", 5)

	// Restore.
	waitForPods("app=redis-single", 60*time.Second)

	if ok200 >= 4 {
		return pass("kill-pt", "%d/5 passed through with Redis down", ok200)
	}

	return fail("kill-pt", "expected ≥4 passthrough, got 200s=%d 429s=%d", ok200, ok429)
}

func testKillSingleFallback(base string) testResult {
	info("  Killing Redis single pod...")

	if err := deletePod("app=redis-single"); err != nil {
		return fail("kill-fb", "could not kill Redis: %v", err)
	}

	time.Sleep(5 * time.Second)

	ok200, ok429 := sendBurst(base, "/", 15)

	// Restore.
	waitForPods("app=redis-single", 60*time.Second)

	if ok200 > 0 {
		return pass("kill-fb", "fallback: %d allowed, %d limited", ok200, ok429)
	}

	return fail("kill-fb", "expected some allowed via fallback, got 200s=%d 429s=%d", ok200, ok429)
}

func testRecoveryAfterRestart(base string) testResult {
	// Step 1: Verify Redis-backed limiting is active (categories scenario,
	// API limit=3 per minute).
	ok200, ok429 := sendBurst(base, "/api/widgets", 6)
	if ok429 == 0 {
		return fail("recovery", "step 1: expected some 429s to prove Redis limiting, got 200s=%d 429s=%d", ok200, ok429)
	}

	// Step 2: Kill Redis single pod.
	info("  Killing Redis single pod for recovery test...")

	if err := deletePod("app=redis-single"); err != nil {
		return fail("recovery", "could not kill Redis: %v", err)
	}

	time.Sleep(5 * time.Second)

	// Step 3: Verify passthrough mode (the categories scenario uses
	// passthrough, so no 429s while Redis is down).
	ok200pt, ok429pt := sendBurst(base, "/api/widgets", 5)
	if ok200pt < 4 {
		return fail("recovery", "step 3: expected passthrough after kill, got 200s=%d 429s=%d", ok200pt, ok429pt)
	}

	// Step 4: Wait for Redis to come back (Deployment auto-recreates the pod).
	info("  Waiting for Redis single pod to restart...")
	if err := waitForPods("app=redis-single", 90*time.Second); err != nil {
		return fail("recovery", "Redis pod did not restart: %v", err)
	}

	// Step 5: Wait for the recovery loop to reconnect.
	info("  Waiting for Gatewarden to recover its Redis connection...")
	time.Sleep(10 * time.Second)

	// Step 6: Verify Redis-backed limiting is active again.
	ok200r, ok429r := sendBurst(base, "/api/widgets", 6)
	if ok429r > 0 {
		return pass("recovery", "recovered: %d allowed, %d limited after Redis restart", ok200r, ok429r)
	}

	// Retry once more — the recovery loop may still be in backoff.
	time.Sleep(10 * time.Second)
	ok200r2, ok429r2 := sendBurst(base, "/api/widgets", 6)
	if ok429r2 > 0 {
		return pass("recovery", "recovered (2nd attempt): %d allowed, %d limited", ok200r2, ok429r2)
	}

	return fail("recovery", "step 6: expected 429s after recovery, got 200s=%d/%d 429s=%d/%d", ok200r, ok200r2, ok429r, ok429r2)
}

func testConcurrentBurst(base string) testResult {
	// Send 50 concurrent requests.
	var ok200, ok429, errors int64

	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			resp, err := doHTTPRequest(base, "/")
			if err != nil {
				atomic.AddInt64(&errors, 1)
				return
			}

			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			switch resp.StatusCode {
			case 200:
				atomic.AddInt64(&ok200, 1)
			case 429:
				atomic.AddInt64(&ok429, 1)
			default:
				atomic.AddInt64(&errors, 1)
			}
		}()
	}

	wg.Wait()

	if errors == 0 {
		return pass("concurrent", "50 concurrent: %d allowed, %d limited, 0 errors", ok200, ok429)
	}

	return fail("concurrent", "50 concurrent: %d allowed, %d limited, %d errors (500s)", ok200, ok429, errors)
}

// ---------------------------------------------------------------------------
// Protocol tests
// ---------------------------------------------------------------------------

func testProtocolHTTP(base string) testResult {
	resp, err := doHTTPRequest(base, "/")
	if err != nil {
		return fail("proto-http", "request error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return fail("proto-http", "expected 200, got %d", resp.StatusCode)
	}

	if resp.Header.Get("X-Backend") != "testbackend" {
		return fail("proto-http", "X-Backend header missing — not reaching testbackend")
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fail("proto-http", "cannot decode JSON body: %v", err)
	}

	return pass("proto-http", "HTTP/1.1 proxied: method=%s path=%s proto=%s", body["method"], body["path"], body["protocol"])
}

func testProtocolHTTP2(base string) testResult {
	resp, err := doHTTP2Request(base)
	if err != nil {
		return fail("proto-http2", "request error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return fail("proto-http2", "expected 200, got %d", resp.StatusCode)
	}

	if resp.Header.Get("X-Backend") != "testbackend" {
		return fail("proto-http2", "X-Backend header missing — not reaching testbackend")
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fail("proto-http2", "cannot decode JSON body: %v", err)
	}

	// Verify the backend saw HTTP/2 (h2c).
	proto := body["protocol"]
	if !strings.HasPrefix(proto, "HTTP/2") {
		return fail("proto-http2", "backend saw %s, expected HTTP/2.x", proto)
	}

	return pass("proto-http2", "HTTP/2 (h2c) proxied: method=%s path=%s proto=%s", body["method"], body["path"], proto)
}

func testProtocolHTTP3(base string) testResult {
	// HTTP/3 client using QUIC — connects directly to the minikube VM IP + NodePort (UDP).
	tlsCfg := &tls.Config{InsecureSkipVerify: true} //nolint:gosec // e2e self-signed certs
	h3Client := &http.Client{
		Transport: &http3.Transport{TLSClientConfig: tlsCfg},
		Timeout:   10 * time.Second,
	}

	resp, err := h3Client.Get(base + "/")
	if err != nil {
		return fail("proto-h3", "HTTP/3 request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fail("proto-h3", "expected 200, got %d, body: %s", resp.StatusCode, body)
	}

	var m map[string]string
	if err := json.Unmarshal(body, &m); err != nil {
		return fail("proto-h3", "cannot decode response: %v", err)
	}

	return pass("proto-h3", "HTTP/3 (QUIC) proxied: proto=%s, status=%d", m["protocol"], resp.StatusCode)
}

func testProtocolHTTPS(base string) testResult {
	// HTTPS (HTTP/2 over TLS) client — connects directly via TCP.
	tlsCfg := &tls.Config{InsecureSkipVerify: true} //nolint:gosec // e2e self-signed certs
	h2Client := &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
		Timeout:   10 * time.Second,
	}

	resp, err := h2Client.Get(base + "/")
	if err != nil {
		return fail("proto-https", "HTTPS request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail("proto-https", "expected 200, got %d", resp.StatusCode)
	}

	// Verify Alt-Svc header advertises HTTP/3.
	altSvc := resp.Header.Get("Alt-Svc")
	detail := fmt.Sprintf("HTTPS proxied: proto=%s, status=%d", resp.Proto, resp.StatusCode)
	if altSvc != "" {
		detail += fmt.Sprintf(", Alt-Svc=%s", altSvc)
	}

	return pass("proto-https", "%s", detail)
}

func testProtocolSSE(base string) testResult {
	events, err := doSSERequest(base+"/sse", 5*time.Second)
	if err != nil {
		return fail("proto-sse", "SSE request failed: %v", err)
	}

	if len(events) < 3 {
		return fail("proto-sse", "expected ≥3 SSE events, got %d", len(events))
	}

	return pass("proto-sse", "received %d SSE events", len(events))
}

func testProtocolWebSocket(base string) testResult {
	wsURL := strings.Replace(base, "http://", "ws://", 1) + "/ws"

	reply, err := doWebSocketEcho(wsURL, base, "hello-ws-e2e")
	if err != nil {
		return fail("proto-ws", "WebSocket failed: %v", err)
	}

	if reply != "echo:hello-ws-e2e" {
		return fail("proto-ws", "unexpected reply: %q", reply)
	}

	return pass("proto-ws", "WebSocket echo: sent 'hello-ws-e2e', got '%s'", reply)
}

// ---------------------------------------------------------------------------
// SSE helpers
// ---------------------------------------------------------------------------

func doSSERequest(url string, timeout time.Duration) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	client := &http.Client{Timeout: 0} // No client timeout — rely on ctx.
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("SSE returned %d", resp.StatusCode)
	}

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}

	return events, nil
}

// ---------------------------------------------------------------------------
// WebSocket helpers
// ---------------------------------------------------------------------------

func doWebSocketEcho(wsURL, origin, message string) (string, error) {
	ws, err := websocket.Dial(wsURL, "", origin)
	if err != nil {
		return "", fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	if err := websocket.Message.Send(ws, message); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}

	var reply string
	if err := websocket.Message.Receive(ws, &reply); err != nil {
		return "", fmt.Errorf("receive: %w", err)
	}

	return reply, nil
}

// ---------------------------------------------------------------------------
// HTTP/2 helpers (cleartext h2c)
// ---------------------------------------------------------------------------

func doHTTP2Request(base string) (*http.Response, error) {
	// Use h2c (HTTP/2 over cleartext) transport — this is exactly what the
	// gateway supports for non-TLS HTTP/2 connections.
	h2t := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			// Dial plain TCP (no TLS) for h2c.
			return net.DialTimeout(network, addr, 10*time.Second)
		},
	}
	client := &http.Client{
		Transport: h2t,
		Timeout:   10 * time.Second,
	}

	req, err := http.NewRequest(http.MethodGet, base+"/", nil)
	if err != nil {
		return nil, err
	}

	return client.Do(req)
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func doHTTPRequest(base, path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, base+path, nil)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 10 * time.Second}

	return client.Do(req)
}

func doJSONPost(url string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}

	return client.Do(req)
}

func sendBurst(base, path string, count int) (ok200, ok429 int) {
	for i := 0; i < count; i++ {
		resp, err := doHTTPRequest(base, path)
		if err != nil {
			continue
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch resp.StatusCode {
		case 200:
			ok200++
		case 429:
			ok429++
		}
	}

	return
}

func sendBurstDetailed(base, path string, count int) (ok200, ok429 int, codes []int) {
	codes = make([]int, 0, count)

	for i := 0; i < count; i++ {
		resp, err := doHTTPRequest(base, path)
		if err != nil {
			codes = append(codes, 0)
			continue
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		codes = append(codes, resp.StatusCode)

		switch resp.StatusCode {
		case 200:
			ok200++
		case 429:
			ok429++
		}
	}

	return
}

// resolvedClientIP asks the test backend (through the gateway) which client
// IP it saw in X-Forwarded-For. That is the IP the gateway resolved for us.
func resolvedClientIP(base string) (string, error) {
	resp, err := doHTTPRequest(base, "/")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}

	ip := body["client_ip"]
	if ip == "" {
		return "", fmt.Errorf("test backend did not report a client IP")
	}

	return ip, nil
}

func waitForGatewarden(base string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	// Use a TLS-insecure client for HTTPS endpoints with self-signed certs.
	client := &http.Client{
		Timeout: 3 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // e2e self-signed certs
		},
	}

	for time.Now().Before(deadline) {
		resp, err := client.Get(base + "/")
		if err == nil {
			resp.Body.Close()
			// Any HTTP response (including 4xx) means the server is up.
			// A 429 or 403 is an application decision, not a connectivity
			// failure.
			return nil
		}

		time.Sleep(2 * time.Second)
	}

	return fmt.Errorf("gateway not responding at %s after %s", base, timeout)
}

// ---------------------------------------------------------------------------
// Result helpers
// ---------------------------------------------------------------------------

func pass(name, format string, args ...any) testResult {
	return testResult{name: name, passed: true, detail: fmt.Sprintf(format, args...)}
}

func fail(name, format string, args ...any) testResult {
	return testResult{name: name, passed: false, detail: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Config hot-reload tests
// ---------------------------------------------------------------------------

// testConfigReload verifies that category limits change after the ConfigMap
// is patched and the file-watcher triggers a reload.
func testConfigReload(base string) testResult {
	const name = "config-reload"

	// 1. Verify initial limits are generous (default limit=100 — a burst of
	//    20 should all be allowed).
	ok200, _ := sendBurst(base, "/", 20)
	if ok200 < 18 {
		return fail(name, "pre-reload burst too low: %d/20 (expected ≥18 with limit=100)", ok200)
	}

	// 2. Patch the ConfigMap to lower the default category drastically.
	patchJSON := `{"data":{"config.yaml":"server:\n  address: \":8080\"\n  read_timeout: \"30s\"\n  write_timeout: \"30s\"\n  idle_timeout: \"120s\"\n  drain_timeout: \"5s\"\nadmin:\n  address: \":9090\"\nbackend:\n  url: \"http://testbackend.gatewarden-e2e.svc.cluster.local:8080\"\n  timeout: \"10s\"\n  max_idle_conns: 50\n  idle_conn_timeout: \"60s\"\nrate_limit:\n  categories:\n    default:\n      limit: 3\n      window: \"1m\"\n  failure_policy: \"passthrough\"\n  key_prefix: \"config-reload\"\nredis:\n  endpoints:\n    - \"redis-single.gatewarden-e2e.svc.cluster.local:6379\"\n  mode: \"single\"\n  pool_size: 5\n  dial_timeout: \"3s\"\n  read_timeout: \"2s\"\n  write_timeout: \"2s\"\nlogging:\n  level: \"debug\"\n  format: \"json\"\n"}}`

	_, err := kubectl("patch", "configmap", "gatewarden-config-reload", "-n", namespace,
		"--type=merge", "-p", patchJSON)
	if err != nil {
		return fail(name, "failed to patch ConfigMap: %v", err)
	}

	// 3. Poll until the new limits take effect. Kubernetes ConfigMap
	//    volume propagation can take up to ~60s (syncFrequency + cache TTL),
	//    plus the watcher poll interval and debounce.
	deadline := time.Now().Add(90 * time.Second)
	var ok200After, ok429After int
	for time.Now().Before(deadline) {
		time.Sleep(2 * time.Second)
		ok200After, ok429After = sendBurst(base, "/", 10)
		if ok429After > 0 {
			break
		}
	}

	if ok429After == 0 {
		return fail(name, "post-reload: expected 429s but got 0 (ok200=%d)", ok200After)
	}

	return pass(name, "pre-reload: %d/20 allowed; post-reload: %d/10 allowed, %d/10 limited", ok200, ok200After, ok429After)
}

// testCertReload verifies that TLS certificates can be rotated without restart.
func testCertReload(base string) testResult {
	const name = "cert-reload"

	// 1. Connect and capture the current certificate serial.
	serial1, err := getTLSSerial(base)
	if err != nil {
		return fail(name, "initial TLS connect failed: %v", err)
	}

	// 2. Generate a new self-signed cert and update the TLS Secret.
	// Uses a two-step openssl flow (ecparam + req) that works across
	// OpenSSL 1.x and 3.x — the single-command "-newkey ec -pkeyopt"
	// form produces invalid ECDSA parameters on OpenSSL 3.x.
	ip := strings.Split(strings.TrimPrefix(strings.TrimPrefix(base, "https://"), "http://"), ":")[0]
	_, genErr := run("bash", "-c", fmt.Sprintf(
		`openssl ecparam -name prime256v1 -genkey -noout -out /tmp/e2e-newkey.pem && `+
			`openssl req -new -x509 -key /tmp/e2e-newkey.pem `+
			`-out /tmp/e2e-newcert.pem -days 1 `+
			`-subj '/CN=gatewarden-e2e' -addext 'subjectAltName=DNS:localhost,IP:%s' 2>/dev/null`, ip,
	))
	if genErr != nil {
		return fail(name, "openssl cert generation failed: %v", genErr)
	}

	_, applyErr := run("bash", "-c",
		`kubectl create secret tls gatewarden-tls -n `+namespace+
			` --cert=/tmp/e2e-newcert.pem --key=/tmp/e2e-newkey.pem `+
			`--dry-run=client -o yaml | kubectl apply -f -`)
	if applyErr != nil {
		return fail(name, "failed to update TLS secret: %v", applyErr)
	}

	// 3. Wait for Kubelet to propagate the Secret update and the cert
	//    watcher to detect the change. Kubelet syncs projected volumes
	//    periodically (default ~60s); the cert watcher polls every 2s.
	//    Use a poll loop with a generous timeout to avoid flakes.
	deadline := time.Now().Add(90 * time.Second)
	var serial2 *big.Int
	for time.Now().Before(deadline) {
		time.Sleep(3 * time.Second)
		serial2, err = getTLSSerial(base)
		if err != nil {
			continue // TLS handshake may briefly fail during reload.
		}
		if serial1.Cmp(serial2) != 0 {
			break
		}
	}

	if serial2 == nil {
		return fail(name, "post-reload TLS connect never succeeded within timeout")
	}
	if serial1.Cmp(serial2) == 0 {
		return fail(name, "certificate serial unchanged after secret update (serial=%s)", serial1.String())
	}

	return pass(name, "serial changed: %s → %s", serial1.String(), serial2.String())
}

// getTLSSerial connects to the given HTTPS URL and returns the server
// certificate's serial number.
func getTLSSerial(base string) (*big.Int, error) {
	host := strings.TrimPrefix(strings.TrimPrefix(base, "https://"), "http://")
	// Separate host:port
	tlsHost := host
	if !strings.Contains(tlsHost, ":") {
		tlsHost = tlsHost + ":443"
	}

	conn, err := tls.DialWithDialer(
		&net.Dialer{Timeout: 5 * time.Second},
		"tcp", tlsHost,
		&tls.Config{InsecureSkipVerify: true}, //nolint:gosec // E2E test with self-signed certs.
	)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, fmt.Errorf("no peer certificates received")
	}
	return certs[0].SerialNumber, nil
}
