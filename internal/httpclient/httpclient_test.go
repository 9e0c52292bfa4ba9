package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestGetDecodesJSONAndHeaders(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"ok": "yes"})
	}))
	t.Cleanup(server.Close)

	c := New(server.URL, 2*time.Second)
	resp, err := c.Get(context.Background(), "/x", map[string]string{"Authorization": "Bearer tok"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := resp.DecodeJSON(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != "yes" {
		t.Fatalf("body = %v", body)
	}
}

func TestPostFormEncodesBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("sid") != "1" || r.PostForm.Get("key") != "k" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	c := New(server.URL, 2*time.Second)
	resp, err := c.PostForm(context.Background(), "/info", url.Values{"sid": {"1"}, "key": {"k"}}, nil)
	if err != nil {
		t.Fatalf("PostForm: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRetryAfterHeaderParsed(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(server.Close)

	c := New(server.URL, 2*time.Second)
	resp, err := c.Get(context.Background(), "/", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != 429 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.RetryAfter != 3 {
		t.Fatalf("retry-after = %v, want 3", resp.RetryAfter)
	}
}

func TestPostJSONAndDelete(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["type"] != "stream.online" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		case http.MethodDelete:
			if r.URL.Query().Get("id") != "sub-1" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(server.Close)

	c := New(server.URL, 2*time.Second)
	resp, err := c.PostJSON(context.Background(), "/subs", map[string]string{"type": "stream.online"}, nil)
	if err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if resp.StatusCode != 202 {
		t.Fatalf("post status = %d", resp.StatusCode)
	}

	resp, err = c.Delete(context.Background(), "/subs", url.Values{"id": {"sub-1"}}, nil)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if resp.StatusCode != 204 {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
}
