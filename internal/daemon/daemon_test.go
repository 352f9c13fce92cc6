package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/onboardly/comms/internal/config"
	"github.com/onboardly/comms/internal/session"
	"github.com/onboardly/comms/internal/status"
	"go.uber.org/fx"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeSignaling accepts one connection, acknowledges the login and then
// holds the socket open until the client closes it.
func fakeSignaling(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.Close() }()

		_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		var login map[string]any
		if err := ws.ReadJSON(&login); err != nil || login["event"] != "login" {
			return
		}
		reply, _ := json.Marshal(map[string]string{"event": "login-success"})
		_ = ws.WriteMessage(websocket.TextMessage, reply)

		_ = ws.SetReadDeadline(time.Time{})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fakeAPI(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/messages/unread-count/"):
			_, _ = w.Write([]byte(`{"counts":{}}`))
		default:
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestDaemonLifecycle(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	sessionName := "test"
	if err := session.EnsureDir(sessionName); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(session.TokenPath(sessionName), []byte("test-token\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.SignalingURL = fakeSignaling(t)
	cfg.APIBaseURL = fakeAPI(t)
	cfg.Reconnect = config.Reconnect{DelayMillis: 10, MaxAttempts: 1}
	cfg.SyncIntervalSeconds = 0

	var machine *status.Machine
	app := fx.New(
		Module(Params{SessionName: sessionName, UserID: "emp-42", Config: cfg}),
		fx.Populate(&machine),
		fx.NopLogger,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for machine.Current() != status.Ready {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", machine.Current(), status.Ready)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := app.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
