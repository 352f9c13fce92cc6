package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHistorySendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("Authorization = %q, want Bearer tok-123", got)
		}
		if r.URL.Path != "/messages/emp-42/hr-7" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`[{"_id":"m1","sender":"hr-7","receiver":"emp-42","content":"hi","status":"sent"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "emp-42", "tok-123")
	msgs, err := c.History(context.Background(), "hr-7")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestMarkReadPostsPeerPair(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/messages/mark-read" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "emp-42", "tok")
	if err := c.MarkRead(context.Background(), "hr-7"); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	if got["senderId"] != "hr-7" || got["receiverId"] != "emp-42" {
		t.Errorf("body = %v", got)
	}
}

func TestUnreadSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"counts":{"hr-7":3,"it-3":0}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "emp-42", "tok")
	counts, err := c.UnreadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("UnreadSnapshot() error = %v", err)
	}
	if counts["hr-7"] != 3 {
		t.Errorf("counts = %v", counts)
	}
}

func TestSendMessageFallbackReturnsConfirmed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"_id": "srv-9", "sender": body["senderId"], "receiver": body["receiverId"],
			"content": body["content"], "status": "sent",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "emp-42", "tok")
	msg, err := c.SendMessage(context.Background(), "hr-7", "hello")
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if msg.ID != "srv-9" || msg.Receiver != "hr-7" || msg.Content != "hello" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestErrorStatusSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "emp-42", "tok")
	if err := c.MarkRead(context.Background(), "hr-7"); err == nil {
		t.Error("MarkRead() expected error for 401")
	}
}
