package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestNewMetricsRegistersOnOwnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Terminations.WithLabelValues("idle").Inc()
	m.CaptionsAccepted.Add(3)

	out := scrape(t, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	for _, want := range []string{
		`tldv_terminations_total{reason="idle"} 1`,
		`tldv_captions_accepted_total 3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}

	// a second set on a fresh registry must not collide
	_ = NewMetrics(prometheus.NewRegistry())
}

func TestHandlerExposesDefaultMetrics(t *testing.T) {
	DefaultMetrics.SessionsTotal.Inc()

	out := scrape(t, Handler())
	if !strings.Contains(out, "tldv_sessions_total") {
		t.Fatalf("expected tldv_sessions_total in output:\n%s", out)
	}
	if !strings.Contains(out, "go_goroutines") {
		t.Fatal("expected go collector metrics")
	}
}
