package relay

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/n42/matrix-crypto-core/internal/event"
)

var testLog = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestHubRoutesToDeviceMessages(t *testing.T) {
	hub := NewHub(testLog)
	server := httptest.NewServer(hub)
	defer server.Close()

	alice, err := Dial(wsURL(server), "@alice:example.org", "ALICEDEV")
	if err != nil {
		t.Fatal(err)
	}
	defer alice.Close()
	bob, err := Dial(wsURL(server), "@bob:example.org", "BOBDEV")
	if err != nil {
		t.Fatal(err)
	}
	defer bob.Close()

	req := &event.ToDeviceRequest{Type: event.TypeDummy, TxnID: "txn1"}
	if err := req.AddMessage("@bob:example.org", "BOBDEV", map[string]string{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	if err := alice.Send(req); err != nil {
		t.Fatal(err)
	}

	received := make(chan *event.ToDevice, 1)
	go func() {
		ev, err := bob.Receive()
		if err == nil {
			received <- ev
		}
	}()

	select {
	case ev := <-received:
		if ev.Sender != "@alice:example.org" || ev.Type != event.TypeDummy {
			t.Errorf("received = %+v", ev)
		}
		var content map[string]string
		if err := json.Unmarshal(ev.Content, &content); err != nil || content["k"] != "v" {
			t.Errorf("content = %s", ev.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestHubDropsOfflineRecipients(t *testing.T) {
	hub := NewHub(testLog)
	server := httptest.NewServer(hub)
	defer server.Close()

	alice, err := Dial(wsURL(server), "@alice:example.org", "ALICEDEV")
	if err != nil {
		t.Fatal(err)
	}
	defer alice.Close()

	req := &event.ToDeviceRequest{Type: event.TypeDummy, TxnID: "txn2"}
	if err := req.AddMessage("@nobody:example.org", "GHOST", map[string]string{}); err != nil {
		t.Fatal(err)
	}
	// Sending to an offline device must not error or wedge the hub.
	if err := alice.Send(req); err != nil {
		t.Fatal(err)
	}
}

func TestHubRejectsAnonymousConnections(t *testing.T) {
	hub := NewHub(testLog)
	server := httptest.NewServer(hub)
	defer server.Close()

	if _, err := Dial(wsURL(server), "", ""); err == nil {
		t.Error("expected dial without identity to fail")
	}
}
