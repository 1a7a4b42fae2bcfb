package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHandler(t *testing.T) {
	Fetches.WithLabelValues(ResultOK).Inc()
	CurrentPower.Set(23)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `autarco_fetches_total{result="ok"}`)
	assert.Contains(t, body, "autarco_current_power_watts 23")
	assert.Contains(t, body, "# HELP autarco_fetches_total Statistics fetch cycles, by result.")
	assert.GreaterOrEqual(t, testutil.ToFloat64(Fetches.WithLabelValues(ResultOK)), 1.0)
}
