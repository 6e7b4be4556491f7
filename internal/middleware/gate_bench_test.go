package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func BenchmarkGenerateRequestID(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = generateRequestID()
	}
}

func BenchmarkGateAllowed(b *testing.B) {
	mr := miniredis.RunT(b)
	cfg := testConfig(mr.Addr())
	cfg.RateLimit.Categories.Default.Limit = int64(b.N) + 1

	gate, err := NewGate(context.Background(), okHandler(), cfg, testLogger(), testMetrics())
	if err != nil {
		b.Fatal(err)
	}
	defer gate.Close()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.2.3.4:5555"

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rr := httptest.NewRecorder()
		gate.ServeHTTP(rr, req)
	}
}
