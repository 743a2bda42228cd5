package missionlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientSendsCredentialsAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Api-Key"); got != "ml_key" {
			t.Errorf("api key header %q", got)
		}
		switch r.URL.Path {
		case "/v0/casefiles":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["name"] != "Mission A" || body["parent_id"] != "case-parent" {
				t.Errorf("body %v", body)
			}
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"case-1"}`))
		case "/v0/casefiles/case-1":
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":{"code":"permission_denied","message":"no access"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "ml_key"
	id, err := c.CreateCasefile(context.Background(), "Mission A", "", "case-parent")
	if err != nil || id != "case-1" {
		t.Fatalf("create: %q %v", id, err)
	}
	_, err = c.Casefile(context.Background(), "case-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "permission_denied" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestWaitTask(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-User-ID") != "user_1" {
			t.Errorf("missing user header")
		}
		polls++
		status := "running"
		if polls >= 3 {
			status = "succeeded"
		}
		json.NewEncoder(w).Encode(Task{ID: "task-1", Status: status})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.UserID = "user_1"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task, err := c.WaitTask(ctx, "task-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.Status != "succeeded" || polls != 3 {
		t.Fatalf("task %+v after %d polls", task, polls)
	}
}
