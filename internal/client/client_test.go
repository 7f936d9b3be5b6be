package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNew_NormalizesAddr(t *testing.T) {
	c, err := New(Config{Addr: "localhost:8093/"})
	if err != nil {
		t.Fatal(err)
	}
	if c.baseURL != "http://localhost:8093" {
		t.Errorf("baseURL = %q", c.baseURL)
	}
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty Addr")
	}
}

func TestSnapshot_Decodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/v1/snapshot" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"snapshot":{"unread_messages":4,"valid":true},"group_id":253,"engaged":true}`))
	}))
	defer srv.Close()

	c, _ := New(Config{Addr: srv.URL})
	resp, err := c.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if resp.GroupID != 253 || !resp.Engaged || !resp.Snapshot.Valid {
		t.Errorf("resp = %+v", resp)
	}
}

func TestSetScope_SendsBody(t *testing.T) {
	var gotBody, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody, gotMethod = string(b), r.Method
		_, _ = w.Write([]byte(`{"group_id":77}`))
	}))
	defer srv.Close()

	c, _ := New(Config{Addr: srv.URL})
	id, err := c.SetScope(context.Background(), 77)
	if err != nil {
		t.Fatalf("SetScope: %v", err)
	}
	if id != 77 || gotMethod != http.MethodPut || !strings.Contains(gotBody, `"group_id":77`) {
		t.Errorf("id=%d method=%s body=%s", id, gotMethod, gotBody)
	}
}

func TestDoJSON_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
		_, _ = w.Write([]byte(`{"error":"engaged flag not configured"}`))
	}))
	defer srv.Close()

	c, _ := New(Config{Addr: srv.URL})
	err := c.SetEngaged(context.Background(), true)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotImplemented || apiErr.Message != "engaged flag not configured" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}
