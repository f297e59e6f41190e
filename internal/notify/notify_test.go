package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWebhookPostsMessage(t *testing.T) {
	var got webhookPayload
	var auth, ctype string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		auth = r.Header.Get("Authorization")
		ctype = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
	}))
	defer srv.Close()

	n, err := New(Config{Type: "webhook", URL: srv.URL, Token: "s3cret"})
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(context.Background(), "@lab", "Session ended"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.Channel != "@lab" || got.Text != "Session ended" {
		t.Errorf("payload = %+v", got)
	}
	if auth != "Bearer s3cret" || ctype != "application/json" {
		t.Errorf("headers: auth %q, content type %q", auth, ctype)
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	n, _ := NewWebhook(Config{URL: srv.URL})
	err := n.Notify(context.Background(), "x", "y")
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("err = %v, want status 403", err)
	}
}

func TestWebhookCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	n, _ := NewWebhook(Config{URL: srv.URL})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := n.Notify(ctx, "x", "y"); err == nil {
		t.Error("Notify succeeded with a cancelled context")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		cfg     Config
		wantNil bool
		wantErr bool
	}{
		{Config{}, true, false},
		{Config{Type: "disabled"}, true, false},
		{Config{Type: "log"}, false, false},
		{Config{Type: "webhook"}, true, true},
		{Config{Type: "pager"}, true, true},
	}
	for _, tt := range tests {
		n, err := New(tt.cfg)
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%+v) err = %v", tt.cfg, err)
		}
		if (n == nil) != tt.wantNil {
			t.Errorf("New(%+v) = %v", tt.cfg, n)
		}
	}
}
