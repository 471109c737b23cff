package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewAPIClient(t *testing.T) {
	// Test default values
	client := NewAPIClient("", 0)
	if client.baseURL != "http://127.0.0.1:8245/api" {
		t.Errorf("Expected default baseURL http://127.0.0.1:8245/api, got %s", client.baseURL)
	}
	if client.client.Timeout != 10*time.Second {
		t.Errorf("Expected default timeout 10s, got %v", client.client.Timeout)
	}

	// Test custom values
	client = NewAPIClient("http://example.com/api", 5*time.Second)
	if client.baseURL != "http://example.com/api" {
		t.Errorf("Expected baseURL http://example.com/api, got %s", client.baseURL)
	}
	if client.client.Timeout != 5*time.Second {
		t.Errorf("Expected timeout 5s, got %v", client.client.Timeout)
	}
}

func TestAPIClientIsReachable(t *testing.T) {
	// Test reachable daemon
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, time.Second)
	if !client.IsReachable() {
		t.Error("Expected daemon to be reachable")
	}

	// Test unreachable daemon
	client = NewAPIClient("http://localhost:99999", 100*time.Millisecond)
	if client.IsReachable() {
		t.Error("Expected daemon to be unreachable")
	}

	// Test 404 response
	server404 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server404.Close()

	client = NewAPIClient(server404.URL, time.Second)
	if client.IsReachable() {
		t.Error("Expected daemon returning 404 to be unreachable")
	}
}

func TestAPIClientStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status" && r.Method == "GET" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"name":"studio","state":"running","pid":4242}`))
		}
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, time.Second)
	result, err := client.Status()
	if err != nil {
		t.Fatalf("Expected successful status call, got error: %v", err)
	}
	if result["name"] != "studio" || result["state"] != "running" {
		t.Errorf("Unexpected snapshot: %v", result)
	}

	// Test API error response
	errorServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
	}))
	defer errorServer.Close()

	client = NewAPIClient(errorServer.URL, time.Second)
	if _, err = client.Status(); err == nil {
		t.Fatal("Expected error for API error response, but got nil")
	}
}

func TestAPIClientStart(t *testing.T) {
	// Test successful start
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" && r.Method == "POST" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, time.Second)
	if err := client.Start(); err != nil {
		t.Errorf("Expected successful start, got error: %v", err)
	}

	// Test API error response
	errorServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" && r.Method == "POST" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"backend studio is already running (pid 7)"}`))
		}
	}))
	defer errorServer.Close()

	client = NewAPIClient(errorServer.URL, time.Second)
	err := client.Start()
	if err == nil {
		t.Fatal("Expected error for API error response, but got nil")
	} else {
		expectedMsg := "API error: backend studio is already running (pid 7)"
		if err.Error() != expectedMsg {
			t.Errorf("Expected error message %q, got: %q", expectedMsg, err.Error())
		}
	}
}

func TestAPIClientStopCarriesWait(t *testing.T) {
	var gotWait string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/stop" && r.Method == "POST" {
			gotWait = r.URL.Query().Get("wait")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, time.Second)
	if err := client.Stop(2 * time.Second); err != nil {
		t.Fatalf("Expected successful stop, got error: %v", err)
	}
	if gotWait != "2s" {
		t.Errorf("Expected wait=2s in query, got %q", gotWait)
	}

	// Zero wait omits the query parameter
	gotWait = "unset"
	if err := client.Stop(0); err != nil {
		t.Fatalf("stop without wait: %v", err)
	}
	if gotWait != "" {
		t.Errorf("Expected no wait parameter, got %q", gotWait)
	}
}

func TestAPIClientUpdateCalls(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := NewAPIClient(server.URL, time.Second)
	if err := client.UpdateCheck(); err != nil {
		t.Fatalf("UpdateCheck: %v", err)
	}
	if err := client.UpdateDownload(); err != nil {
		t.Fatalf("UpdateDownload: %v", err)
	}
	if err := client.UpdateApply(); err != nil {
		t.Fatalf("UpdateApply: %v", err)
	}

	want := []string{"POST /update/check", "POST /update/download", "POST /update/apply"}
	if len(paths) != len(want) {
		t.Fatalf("Expected %d calls, got %v", len(want), paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("call %d: expected %q, got %q", i, want[i], paths[i])
		}
	}

	// Error responses surface as API errors
	errorServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"update: not configured"}`))
	}))
	defer errorServer.Close()

	client = NewAPIClient(errorServer.URL, time.Second)
	err := client.UpdateDownload()
	if err == nil {
		t.Fatal("Expected error for API error response, but got nil")
	}
	if err.Error() != "API error: update: not configured" {
		t.Errorf("Unexpected error message: %q", err.Error())
	}
}

func TestAPIClientNetworkErrors(t *testing.T) {
	client := NewAPIClient("http://localhost:99999", 100*time.Millisecond)

	if err := client.Start(); err == nil {
		t.Error("Expected network error for start")
	}
	if _, err := client.Status(); err == nil {
		t.Error("Expected network error for status")
	}
	if err := client.Stop(time.Second); err == nil {
		t.Error("Expected network error for stop")
	}
	if err := client.Restart(); err == nil {
		t.Error("Expected network error for restart")
	}
	if err := client.UpdateCheck(); err == nil {
		t.Error("Expected network error for update check")
	}
}
