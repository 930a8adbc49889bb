package gossip

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/n42/matrix-crypto-core/internal/cryptoadapter"
	"github.com/n42/matrix-crypto-core/internal/event"
	"github.com/n42/matrix-crypto-core/internal/inbound"
	"github.com/n42/matrix-crypto-core/internal/session"
	"github.com/n42/matrix-crypto-core/internal/store"
	"github.com/n42/matrix-crypto-core/internal/types"
)

var testLog = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

const (
	testRoom    = "!room:example.org"
	senderKey   = "sender-curve-key"
	aliceUserID = "@alice:example.org"
	aliceDevice = "ALICEDEV"
	otherDevice = "ALICEDEV2"
)

type fakeEncrypter struct {
	missing map[string]bool
	sent    []string // user|device targets encrypted to
}

func (f *fakeEncrypter) EncryptToDevice(_ context.Context, d *types.Device, eventType string, content json.RawMessage) (*event.EncryptedToDeviceContent, *store.StoredSession, error) {
	key := types.DeviceKey(d.UserID, d.DeviceID)
	if f.missing[key] {
		return nil, nil, session.ErrMissingSession
	}
	f.sent = append(f.sent, key)
	return &event.EncryptedToDeviceContent{
		Algorithm: event.AlgorithmOlmV1,
		SenderKey: "our-curve-key",
		Ciphertext: map[string]cryptoadapter.Message{
			d.Curve25519Key: {Type: cryptoadapter.MessageTypeNormal, Body: "x"},
		},
	}, &store.StoredSession{SenderKey: d.Curve25519Key, SessionID: "s"}, nil
}

func newTestMachine(t *testing.T) (*Machine, *store.Memory, *fakeEncrypter) {
	t.Helper()
	s := store.NewMemory()
	inb := inbound.New(testLog, s, nil)
	enc := &fakeEncrypter{missing: make(map[string]bool)}
	m := New(testLog, s, inb, enc, aliceUserID, aliceDevice)
	return m, s, enc
}

// seedSession stores an inbound group session and returns the request body
// that asks for it.
func seedSession(t *testing.T, s *store.Memory) *event.RequestedKeyInfo {
	t.Helper()
	out, err := cryptoadapter.NewOutboundGroupSession(0)
	if err != nil {
		t.Fatal(err)
	}
	inb := inbound.New(testLog, s, nil)
	record, err := inb.ReceiveRoomKey(senderKey, "sender-ed-key", &event.RoomKeyContent{
		Algorithm:  types.AlgorithmMegolmV1,
		RoomID:     testRoom,
		SessionID:  out.ID(),
		SessionKey: out.SessionKey(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := inb.Save(context.Background(), record); err != nil {
		t.Fatal(err)
	}
	return &event.RequestedKeyInfo{
		Algorithm: types.AlgorithmMegolmV1,
		RoomID:    testRoom,
		SenderKey: senderKey,
		SessionID: out.ID(),
	}
}

func saveDevice(t *testing.T, s *store.Memory, userID, deviceID string, verified bool) {
	t.Helper()
	d := &types.Device{
		UserID:        userID,
		DeviceID:      deviceID,
		Curve25519Key: "curve-" + deviceID,
		Ed25519Key:    "ed-" + deviceID,
		Verified:      verified,
	}
	if err := s.SaveChanges(context.Background(), &store.Changes{Devices: []*types.Device{d}}); err != nil {
		t.Fatal(err)
	}
}

func request(body *event.RequestedKeyInfo, deviceID, requestID string) event.RoomKeyRequestContent {
	return event.RoomKeyRequestContent{
		Action:             event.ActionRequest,
		Body:               body,
		RequestingDeviceID: deviceID,
		RequestID:          requestID,
	}
}

func TestServeOwnVerifiedDevice(t *testing.T) {
	ctx := context.Background()
	m, s, _ := newTestMachine(t)
	body := seedSession(t, s)
	saveDevice(t, s, aliceUserID, otherDevice, true)

	m.ReceiveRoomKeyRequest(aliceUserID, request(body, otherDevice, "req1"))

	out, err := m.CollectIncomingKeyRequests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one forwarded key, got %d", len(out))
	}
	if _, ok := out[0].Messages[aliceUserID][otherDevice]; !ok {
		t.Error("forward not addressed to the requesting device")
	}
}

func TestRefuseUnverifiedForeignDevice(t *testing.T) {
	ctx := context.Background()
	m, s, _ := newTestMachine(t)
	body := seedSession(t, s)
	saveDevice(t, s, "@eve:example.org", "EVEDEV", false)

	m.ReceiveRoomKeyRequest("@eve:example.org", request(body, "EVEDEV", "req1"))

	out, err := m.CollectIncomingKeyRequests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Errorf("served a key to an unverified foreign device")
	}
}

func TestCancellationDropsPending(t *testing.T) {
	ctx := context.Background()
	m, s, _ := newTestMachine(t)
	body := seedSession(t, s)
	saveDevice(t, s, aliceUserID, otherDevice, true)

	m.ReceiveRoomKeyRequest(aliceUserID, request(body, otherDevice, "req1"))
	m.ReceiveRoomKeyRequest(aliceUserID, event.RoomKeyRequestContent{
		Action:             event.ActionRequestCancellation,
		RequestingDeviceID: otherDevice,
		RequestID:          "req1",
	})

	out, err := m.CollectIncomingKeyRequests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Error("cancelled request was still served")
	}
}

func TestBlockedShareRetriesAfterNewSession(t *testing.T) {
	ctx := context.Background()
	m, s, enc := newTestMachine(t)
	body := seedSession(t, s)
	saveDevice(t, s, aliceUserID, otherDevice, true)
	enc.missing[types.DeviceKey(aliceUserID, otherDevice)] = true

	m.ReceiveRoomKeyRequest(aliceUserID, request(body, otherDevice, "req1"))

	out, err := m.CollectIncomingKeyRequests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 || m.BlockedCount() != 1 {
		t.Fatalf("expected share to block, got %d served, %d blocked", len(out), m.BlockedCount())
	}

	// A fresh Olm session appears (announced by the session manager);
	// retry must serve it.
	enc.missing = map[string]bool{}
	m.RetryKeyshare(aliceUserID, otherDevice)

	out, err = m.CollectIncomingKeyRequests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("expected retried share to be served, got %d", len(out))
	}
	if m.BlockedCount() != 0 {
		t.Error("blocked set not drained")
	}
}

func TestUnknownSessionIsSilentlyIgnored(t *testing.T) {
	ctx := context.Background()
	m, s, _ := newTestMachine(t)
	saveDevice(t, s, aliceUserID, otherDevice, true)

	m.ReceiveRoomKeyRequest(aliceUserID, request(&event.RequestedKeyInfo{
		Algorithm: types.AlgorithmMegolmV1,
		RoomID:    testRoom,
		SenderKey: senderKey,
		SessionID: "no-such-session",
	}, otherDevice, "req1"))

	out, err := m.CollectIncomingKeyRequests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Error("served a session we do not hold")
	}
}
