package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A single NewRegistry call is exercised across subtests: prometheus panics
// on a second MustRegister of the same metric names against the default
// registry, so the package-under-test is built once here.
func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r)

	t.Run("handler serves metrics", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rr := httptest.NewRecorder()
		r.Handler().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("recorders do not panic", func(t *testing.T) {
		r.RecordReconnect("binance")
		r.RecordOpportunity("BTCUSD")
		r.RecordCacheHit()
		r.RecordCacheMiss()
		r.SetConnectedVenues(3)
	})
}
