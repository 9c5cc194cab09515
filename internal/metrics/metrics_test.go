package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// counterValue reads the current value of a labelled counter.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.Counter.GetValue()
}

func TestMiddleware_RecordsRequests(t *testing.T) {
	HTTPRequestsTotal.Reset()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Middleware())
	r.GET("/orders/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, id := range []string{"ord_1", "ord_2"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/"+id, nil))
	}

	// both requests collapse onto the route pattern, not the raw path
	if got := counterValue(t, HTTPRequestsTotal, http.MethodGet, "/orders/:id", "2xx"); got != 2.0 {
		t.Fatalf("counter = %f, want 2", got)
	}
}

func TestMiddleware_StatusBuckets(t *testing.T) {
	HTTPRequestsTotal.Reset()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(Middleware())
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if got := counterValue(t, HTTPRequestsTotal, http.MethodGet, "/boom", "5xx"); got != 1.0 {
		t.Fatalf("5xx counter = %f, want 1", got)
	}
}

func TestHandler_ExposesRegisteredSeries(t *testing.T) {
	ConversionsTotal.WithLabelValues("usdt_to_sinr", "ok").Inc()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, series := range []string{
		"settlement_conversions_total",
		"settlement_active_websocket_clients",
		"settlement_goroutines",
	} {
		if !strings.Contains(body, series) {
			t.Errorf("missing series %s", series)
		}
	}
}

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{
		102: "1xx",
		200: "2xx",
		201: "2xx",
		301: "3xx",
		404: "4xx",
		409: "4xx",
		500: "5xx",
	}
	for code, want := range cases {
		if got := statusBucket(code); got != want {
			t.Errorf("statusBucket(%d) = %s, want %s", code, got, want)
		}
	}
}
