package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpotPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		assert.Equal(t, "BTCZAR", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbol":"BTCZAR","price":"1850000.50"}`))
	}))
	defer server.Close()

	client := NewClientWithBaseURL(server.URL)
	price, err := client.SpotPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1850000.50, price)
}

func TestSpotPriceErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"upstream error", `{"msg":"down"}`, http.StatusServiceUnavailable},
		{"malformed price", `{"symbol":"BTCZAR","price":"not-a-number"}`, http.StatusOK},
		{"zero price", `{"symbol":"BTCZAR","price":"0"}`, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				w.Write([]byte(tc.body))
			}))
			defer server.Close()

			client := NewClientWithBaseURL(server.URL)
			_, err := client.SpotPrice(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestWithinTolerance(t *testing.T) {
	assert.True(t, WithinTolerance(1000000, 1000000))
	assert.True(t, WithinTolerance(1050000, 1000000))
	assert.True(t, WithinTolerance(950000, 1000000))
	assert.True(t, WithinTolerance(1100000, 1000000))
	assert.False(t, WithinTolerance(1100001, 1000000))
	assert.False(t, WithinTolerance(899999, 1000000))
	assert.False(t, WithinTolerance(0, 1000000))
	assert.False(t, WithinTolerance(1000000, 0))
}
