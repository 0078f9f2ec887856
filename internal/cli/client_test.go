package cli

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAPIClientDecodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer tok-1")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"queue_id":"q-1"}`))
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, "tok-1")
	var out struct {
		QueueID string `json:"queue_id"`
	}
	status, err := client.do(context.Background(), http.MethodGet, "/api/v1/runs/q-1", nil, &out)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d", status, http.StatusOK)
	}
	if out.QueueID != "q-1" {
		t.Fatalf("queue_id = %q, want %q", out.QueueID, "q-1")
	}
}

func TestAPIClientSurfacesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"RUN_NOT_FOUND","message":"queue item missing not found"}`))
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, "")
	_, err := client.do(context.Background(), http.MethodGet, "/api/v1/runs/missing", nil, nil)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	apiErr, ok := err.(*apiError)
	if !ok {
		t.Fatalf("error type = %T, want *apiError", err)
	}
	if apiErr.Code != "RUN_NOT_FOUND" {
		t.Fatalf("code = %q, want RUN_NOT_FOUND", apiErr.Code)
	}
}

func TestAPIClientExtraOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"outcome":"DENIED","reason":"DAILY_LIMIT"}`))
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, "")
	var out struct {
		Reason string `json:"reason"`
	}
	status, err := client.do(context.Background(), http.MethodPost, "/api/v1/runs", map[string]string{}, &out,
		http.StatusTooManyRequests)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", status)
	}
	if out.Reason != "DAILY_LIMIT" {
		t.Fatalf("reason = %q, want DAILY_LIMIT", out.Reason)
	}
}
