package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/snops/pkg/events"
	"github.com/cuemby/snops/pkg/registry"
	"github.com/cuemby/snops/pkg/storage"
)

func TestHealthHandler(t *testing.T) {
	hs := NewHealthServer(nil, nil, nil)

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{"GET succeeds", http.MethodGet, http.StatusOK},
		{"POST fails", http.MethodPost, http.StatusMethodNotAllowed},
		{"DELETE fails", http.MethodDelete, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/health", nil)
			w := httptest.NewRecorder()
			hs.healthHandler(w, req)
			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestReadyHandlerNoDeps(t *testing.T) {
	hs := NewHealthServer(nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	hs.readyHandler(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "not ready", resp.Status)
	assert.Equal(t, "not initialized", resp.Checks["storage"])
	assert.Equal(t, "not initialized", resp.Checks["registry"])
	assert.Equal(t, "not initialized", resp.Checks["events"])
}

func TestReadyHandlerAllDepsPresent(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	reg, err := registry.New(store, broker)
	require.NoError(t, err)

	hs := NewHealthServer(store, reg, broker)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	hs.readyHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ready", resp.Status)
}

func TestNewHealthServerRoutes(t *testing.T) {
	hs := NewHealthServer(nil, nil, nil)

	tests := []struct {
		path           string
		expectedStatus int
	}{
		{"/health", http.StatusOK},
		{"/ready", http.StatusServiceUnavailable},
		{"/metrics", http.StatusOK},
		{"/nonexistent", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			w := httptest.NewRecorder()
			hs.mux.ServeHTTP(w, req)
			assert.Equal(t, tt.expectedStatus, w.Code, "path: %s", tt.path)
		})
	}
}

func TestHealthServerConcurrency(t *testing.T) {
	hs := NewHealthServer(nil, nil, nil)
	done := make(chan bool, 20)

	for i := 0; i < 10; i++ {
		go func() {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()
			hs.healthHandler(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		go func() {
			req := httptest.NewRequest(http.MethodGet, "/ready", nil)
			w := httptest.NewRecorder()
			hs.readyHandler(w, req)
			assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, w.Code)
			done <- true
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
}
