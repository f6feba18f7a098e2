package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"Clawracle-Agent/internal/tracking"
)

func newTestServer(t *testing.T) (*Server, *tracking.FileStore) {
	t.Helper()
	store := tracking.NewFileStore(filepath.Join(t.TempDir(), "storage.json"))
	if err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return NewServer("127.0.0.1:0", store), store
}

func TestHandleRequests(t *testing.T) {
	s, store := newTestServer(t)
	for _, id := range []uint64{7, 3, 5} {
		if err := store.Put(&tracking.TrackedRequest{RequestID: id, Category: "sports", Status: tracking.StatusPending}); err != nil {
			t.Fatal(err)
		}
	}

	rec := httptest.NewRecorder()
	s.handleRequests(rec, httptest.NewRequest(http.MethodGet, "/api/v1/requests", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Count    int `json:"count"`
		Requests []struct {
			RequestID uint64 `json:"requestId"`
		} `json:"requests"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 3 || len(resp.Requests) != 3 {
		t.Fatalf("count = %d, requests = %d", resp.Count, len(resp.Requests))
	}
	// 列表按请求编号排序。
	want := []uint64{3, 5, 7}
	for i, req := range resp.Requests {
		if req.RequestID != want[i] {
			t.Fatalf("requests[%d] = %d, want %d", i, req.RequestID, want[i])
		}
	}
}

func TestHandleRequestsMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.handleRequests(rec, httptest.NewRequest(http.MethodPost, "/api/v1/requests", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	s, store := newTestServer(t)
	if err := store.Put(&tracking.TrackedRequest{RequestID: 1, Status: tracking.StatusPending}); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("status = %v", resp["status"])
	}
	if resp["tracked"].(float64) != 1 {
		t.Fatalf("tracked = %v", resp["tracked"])
	}
}
