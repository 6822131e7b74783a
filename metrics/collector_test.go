package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mtracking/authcore"
	"github.com/mtracking/authcore/mail"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEveryMetricIDHasACounter(t *testing.T) {
	for _, id := range authcore.MetricIDs() {
		if _, ok := counterDefs[id]; !ok {
			t.Fatalf("metric %d has no counter definition", id)
		}
	}
}

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.Inc(authcore.MetricLoginSuccess)
	c.Inc(authcore.MetricLoginSuccess)
	c.Add(authcore.MetricSessionsSwept, 5)
	c.Add(authcore.MetricSessionsSwept, 0)

	if got := testutil.ToFloat64(c.counters[authcore.MetricLoginSuccess]); got != 2 {
		t.Fatalf("login success = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.counters[authcore.MetricSessionsSwept]); got != 5 {
		t.Fatalf("sessions swept = %v, want 5", got)
	}
}

func TestMailAndLatencyLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.MailSent(mail.KindVerification, nil)
	c.MailSent(mail.KindVerification, errors.New("down"))
	c.ObserveLatency(authcore.OpRefresh, 3*time.Millisecond, nil)

	if got := testutil.ToFloat64(c.mailSent.WithLabelValues("verification", "error")); got != 1 {
		t.Fatalf("mail errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.mailSent.WithLabelValues("verification", "ok")); got != 1 {
		t.Fatalf("mail ok = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(c.latency, "authcore_operation_duration_seconds"); n != 1 {
		t.Fatalf("expected one latency series, got %d", n)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.ObserveHTTP(http.MethodPost, "/auth/login", http.StatusOK, time.Millisecond)
	c.ObserveHTTP(http.MethodGet, "", http.StatusNotFound, time.Millisecond)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`authcore_http_requests_total{method="POST",route="/auth/login",status="200"} 1`,
		`route="unmatched"`,
		"authcore_login_success_total 0",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("scrape output missing %q", want)
		}
	}
}

func TestTeeFansOut(t *testing.T) {
	a := NewCollector(prometheus.NewRegistry())
	b := NewCollector(prometheus.NewRegistry())
	rec := Tee(a, b)

	rec.Inc(authcore.MetricLogout)
	rec.Add(authcore.MetricSessionsSwept, 3)
	rec.ObserveLatency(authcore.OpLogout, time.Millisecond, nil)

	for _, c := range []*Collector{a, b} {
		if got := testutil.ToFloat64(c.counters[authcore.MetricLogout]); got != 1 {
			t.Fatalf("logout = %v", got)
		}
		if got := testutil.ToFloat64(c.counters[authcore.MetricSessionsSwept]); got != 3 {
			t.Fatalf("swept = %v", got)
		}
	}
}
