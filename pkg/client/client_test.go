package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"validation", http.StatusBadRequest, ErrValidation},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"conflict", http.StatusConflict, ErrConflict},
		{"invalid state", http.StatusUnprocessableEntity, ErrInvalidState},
		{"unavailable", http.StatusServiceUnavailable, ErrUnavailable},
		{"server", http.StatusInternalServerError, ErrServer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":"boom"}`))
			}))
			defer srv.Close()

			cli, err := New(srv.URL)
			if err != nil {
				t.Fatalf("new client: %v", err)
			}
			_, err = cli.ListFiles(context.Background(), "p1")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Status != tc.status || apiErr.Message != "boom" {
				t.Fatalf("expected APIError with status %d, got %v", tc.status, err)
			}
		})
	}
}

func TestNetworkFailureWrapsErrNetwork(t *testing.T) {
	cli, err := New("http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = cli.ListFiles(context.Background(), "p1")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestRequestsCarryToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL, WithToken("tok-123"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := cli.ListFiles(context.Background(), "p1"); err != nil {
		t.Fatalf("list: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("expected bearer token header, got %q", gotAuth)
	}
}

func TestCreateEntryDecodesRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/files" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"project_id":"p1","path":"a/b.txt","content":"x","is_folder":false}`))
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	record, err := cli.CreateEntry(context.Background(), "p1", "a/b.txt", "x", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if record.Path != "a/b.txt" || record.Content != "x" {
		t.Fatalf("unexpected record: %+v", record)
	}
}
