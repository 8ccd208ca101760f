package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(c interface{ Write(*dto.Metric) error }) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func TestSettlementCounters(t *testing.T) {
	before := counterValue(Settlements.WithLabelValues("resolved"))
	Settlements.WithLabelValues("resolved").Inc()
	Settlements.WithLabelValues("resolved").Inc()
	after := counterValue(Settlements.WithLabelValues("resolved"))
	if after-before != 2 {
		t.Errorf("settlements_total{outcome=resolved} delta = %v, want 2", after-before)
	}

	before = counterValue(Settlements.WithLabelValues("refunded"))
	Settlements.WithLabelValues("refunded").Inc()
	after = counterValue(Settlements.WithLabelValues("refunded"))
	if after-before != 1 {
		t.Errorf("settlements_total{outcome=refunded} delta = %v, want 1", after-before)
	}
}

func TestChainCallCounter(t *testing.T) {
	before := counterValue(ChainCalls.WithLabelValues("transfer", "error"))
	ChainCalls.WithLabelValues("transfer", "error").Inc()
	after := counterValue(ChainCalls.WithLabelValues("transfer", "error"))
	if after-before != 1 {
		t.Errorf("chain_calls_total delta = %v, want 1", after-before)
	}
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware())
	router.GET("/v1/wallets/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	before := counterValue(HTTPRequests.WithLabelValues("GET", "/v1/wallets/:id", "200"))

	req := httptest.NewRequest(http.MethodGet, "/v1/wallets/alice", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	after := counterValue(HTTPRequests.WithLabelValues("GET", "/v1/wallets/:id", "200"))
	if after-before != 1 {
		t.Errorf("http_requests_total delta = %v, want 1", after-before)
	}
}
