package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/service"
)

func newTestServer(t *testing.T) (*httptest.Server, *testEnv) {
	env := newTestEnv(t)
	h := NewHTTPHandler(env.carts, env.reservations, env.checkout, env.sweeper, zap.NewNop())
	srv := httptest.NewServer(NewRouter(h, nil, zap.NewNop(), 0))
	t.Cleanup(srv.Close)
	return srv, env
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHTTP_HealthCheck(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestHTTP_ReserveFlow(t *testing.T) {
	srv, env := newTestServer(t)
	ctx := context.Background()
	for _, id := range []string{"A", "B"} {
		_, err := env.store.GetOrCreateCart(ctx, id, "user-"+id)
		require.NoError(t, err)
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/carts/A/reservations",
		ReserveHTTPRequest{ProductID: "p1", Quantity: 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 1, body["available_stock"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/carts/B/reservations",
		ReserveHTTPRequest{ProductID: "p1", Quantity: 2})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.EqualValues(t, 1, body["available_stock"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/products/p1/reserved", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["reserved"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/carts/A/reservations/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["active"])

	resp, body = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/carts/A/reservations/p1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "reservation released", body["message"])

	resp, body = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/carts/A/reservations/p1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no reservation found", body["message"])
}

func TestHTTP_ErrorMapping(t *testing.T) {
	srv, env := newTestServer(t)
	_, err := env.store.GetOrCreateCart(context.Background(), "A", "u")
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"missing cart", http.MethodGet, "/api/v1/carts/nope/reservations/validate", nil, http.StatusNotFound},
		{"missing product", http.MethodPost, "/api/v1/carts/A/reservations", ReserveHTTPRequest{ProductID: "ghost", Quantity: 1}, http.StatusNotFound},
		{"bad quantity", http.MethodPost, "/api/v1/carts/A/reservations", ReserveHTTPRequest{ProductID: "p1", Quantity: 0}, http.StatusBadRequest},
		{"extend unknown product", http.MethodPost, "/api/v1/carts/A/reservations/extend", ExtendHTTPRequest{ProductID: "ghost"}, http.StatusNotFound},
		{"empty checkout", http.MethodPost, "/api/v1/carts/A/checkout", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := doJSON(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestHTTP_CartToOrder(t *testing.T) {
	srv, env := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/carts/A/items",
		map[string]interface{}{"user_id": "user-1", "product_id": "p1", "quantity": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, body["warning"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/carts/A/checkout/prepare", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["valid"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/carts/A/checkout", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	require.Len(t, env.orders.orders, 1)
	assert.Equal(t, "user-1", env.orders.orders[0].UserID)

	total, err := env.reservations.TotalReserved(context.Background(), "p1", nil)
	require.NoError(t, err)
	assert.Zero(t, total, "holds are released once the order is placed")
}

func TestHTTP_CheckoutBlocked(t *testing.T) {
	srv, _ := newTestServer(t)

	// only 3 in stock, so the hold cannot cover the line
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/carts/A/items",
		map[string]interface{}{"user_id": "u", "product_id": "p1", "quantity": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["warning"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/carts/A/checkout", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.NotNil(t, body["validation"])
}

func TestHTTP_Sweeper(t *testing.T) {
	srv, env := newTestServer(t)
	defer env.sweeper.Stop()

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/sweeper/run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["released_count"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/sweeper/start", StartSweeperHTTPRequest{IntervalMinutes: 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["running"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/admin/sweeper/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["running"])
}

func TestHTTPStatus_SweepInProgress(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, httpStatus(service.ErrSweepInProgress))
}

func TestRateLimiter_RejectsBurst(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimiter_PrunesIdleClients(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(1, 1)
	limiter.now = func() time.Time { return now }
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	hit := func(ip string) int {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 100; i++ {
		hit(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
	}
	require.Equal(t, http.StatusTooManyRequests, hit("10.0.0.1"))

	now = now.Add(5 * time.Minute)
	hit("10.0.0.2")

	assert.Equal(t, 99, limiter.Prune(time.Minute))
	limiter.mu.Lock()
	assert.Len(t, limiter.ips, 1)
	limiter.mu.Unlock()

	// a pruned client comes back with a full bucket
	assert.Equal(t, http.StatusOK, hit("10.0.0.1"))
}

func TestRateLimiter_RunStopsWithContext(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	limiter.limiter("10.0.0.1")
	limiter.now = func() time.Time { return time.Now().Add(time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		limiter.Run(ctx, time.Millisecond, time.Minute)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		limiter.mu.Lock()
		defer limiter.mu.Unlock()
		return len(limiter.ips) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
