package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/n42/matrix-crypto-core/internal/cryptoadapter"
	"github.com/n42/matrix-crypto-core/internal/event"
	"github.com/n42/matrix-crypto-core/internal/session"
	"github.com/n42/matrix-crypto-core/internal/store"
	"github.com/n42/matrix-crypto-core/internal/types"
)

var testLog = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

const (
	testRoom    = "!room:example.org"
	aliceUserID = "@alice:example.org"
	aliceDevice = "ALICEDEV"
	bobUserID   = "@bob:example.org"
	bobDevice   = "BOBDEV"
)

// fakeEncrypter stands in for the pairwise session manager: it records the
// payloads it was asked to wrap and fails for devices in missing.
type fakeEncrypter struct {
	encrypted map[string]json.RawMessage // user|device -> last plaintext
	missing   map[string]bool
}

func newFakeEncrypter() *fakeEncrypter {
	return &fakeEncrypter{
		encrypted: make(map[string]json.RawMessage),
		missing:   make(map[string]bool),
	}
}

func (f *fakeEncrypter) EncryptToDevice(_ context.Context, d *types.Device, eventType string, content json.RawMessage) (*event.EncryptedToDeviceContent, *store.StoredSession, error) {
	key := types.DeviceKey(d.UserID, d.DeviceID)
	if f.missing[key] {
		return nil, nil, session.ErrMissingSession
	}
	f.encrypted[key] = content
	return &event.EncryptedToDeviceContent{
			Algorithm: event.AlgorithmOlmV1,
			SenderKey: "fake-sender-key",
			Ciphertext: map[string]cryptoadapter.Message{
				d.Curve25519Key: {Type: cryptoadapter.MessageTypeNormal, Body: "ciphertext"},
			},
		}, &store.StoredSession{
			SenderKey: d.Curve25519Key,
			SessionID: "olm-" + d.DeviceID,
		}, nil
}

func newTestEngine(t *testing.T) (*Engine, *store.Memory, *fakeEncrypter) {
	t.Helper()
	s := store.NewMemory()
	enc := newFakeEncrypter()
	e := NewEngine(testLog, s, enc, aliceUserID, aliceDevice, "alice-curve-key", nil)
	return e, s, enc
}

func saveDevice(t *testing.T, s *store.Memory, userID, deviceID, curveKey string) *types.Device {
	t.Helper()
	d := &types.Device{
		UserID:        userID,
		DeviceID:      deviceID,
		Curve25519Key: curveKey,
		Ed25519Key:    "ed-" + deviceID,
	}
	if err := s.SaveChanges(context.Background(), &store.Changes{Devices: []*types.Device{d}}); err != nil {
		t.Fatal(err)
	}
	return d
}

func shareAndAck(t *testing.T, e *Engine, users []string) *GroupSession {
	t.Helper()
	ctx := context.Background()
	requests, err := e.ShareGroupSession(ctx, testRoom, users, types.DefaultEncryptionSettings(), "alice-ed-key")
	if err != nil {
		t.Fatal(err)
	}
	for _, req := range requests {
		if known, err := e.MarkRequestAsSent(ctx, req.TxnID); err != nil || !known {
			t.Fatalf("mark sent %s: known=%v err=%v", req.TxnID, known, err)
		}
	}
	gs, err := e.GetSession(ctx, testRoom)
	if err != nil {
		t.Fatal(err)
	}
	return gs
}

func TestShareCreatesSessionAndFlipsShared(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t)
	saveDevice(t, s, bobUserID, bobDevice, "bob-curve-key")

	requests, err := e.ShareGroupSession(ctx, testRoom, []string{bobUserID}, types.DefaultEncryptionSettings(), "alice-ed-key")
	if err != nil {
		t.Fatal(err)
	}
	if len(requests) != 1 {
		t.Fatalf("expected one share request, got %d", len(requests))
	}
	if requests[0].DeviceCount() != 1 {
		t.Errorf("device count = %d", requests[0].DeviceCount())
	}

	gs, err := e.GetSession(ctx, testRoom)
	if err != nil {
		t.Fatal(err)
	}
	// The session is shared only once the pending-request map drains.
	if gs.Shared() {
		t.Error("session shared before acknowledgement")
	}
	if _, err := e.Encrypt(ctx, testRoom, "m.room.message", json.RawMessage(`{}`)); !errors.Is(err, ErrNotShared) {
		t.Errorf("encrypt before share: %v", err)
	}

	if known, err := e.MarkRequestAsSent(ctx, requests[0].TxnID); err != nil || !known {
		t.Fatalf("mark sent: known=%v err=%v", known, err)
	}
	if !gs.Shared() {
		t.Error("session not shared after acknowledgement")
	}

	// Our own inbound copy of the key exists.
	if _, err := s.GetInboundGroupSession(ctx, testRoom, "alice-curve-key", gs.ID()); err != nil {
		t.Errorf("own inbound session missing: %v", err)
	}
}

func TestMarkRequestAsSentIdempotentAndUnknown(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t)
	saveDevice(t, s, bobUserID, bobDevice, "bob-curve-key")

	requests, err := e.ShareGroupSession(ctx, testRoom, []string{bobUserID}, types.DefaultEncryptionSettings(), "alice-ed-key")
	if err != nil {
		t.Fatal(err)
	}
	id := requests[0].TxnID
	if known, err := e.MarkRequestAsSent(ctx, id); err != nil || !known {
		t.Fatalf("first ack: known=%v err=%v", known, err)
	}
	// Repeat and unknown ids are absorbed, not failed.
	if known, err := e.MarkRequestAsSent(ctx, id); err != nil || known {
		t.Errorf("second ack: known=%v err=%v", known, err)
	}
	if known, err := e.MarkRequestAsSent(ctx, "never-issued"); err != nil || known {
		t.Errorf("unknown ack: known=%v err=%v", known, err)
	}
}

func TestEncryptMonotoneIndex(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t)
	saveDevice(t, s, bobUserID, bobDevice, "bob-curve-key")
	gs := shareAndAck(t, e, []string{bobUserID})

	// The message index increases by exactly one per successful encrypt.
	last := gs.MessageIndex()
	for i := 0; i < 5; i++ {
		encrypted, err := e.Encrypt(ctx, testRoom, "m.room.message", json.RawMessage(`{"body":"hi"}`))
		if err != nil {
			t.Fatal(err)
		}
		if encrypted.SessionID != gs.ID() || encrypted.SenderKey != "alice-curve-key" || encrypted.DeviceID != aliceDevice {
			t.Fatalf("envelope = %+v", encrypted)
		}
		if gs.MessageIndex() != last+1 {
			t.Fatalf("index %d after encrypt, want %d", gs.MessageIndex(), last+1)
		}
		last = gs.MessageIndex()
	}
}

func TestEncryptCopiesRelatesTo(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t)
	saveDevice(t, s, bobUserID, bobDevice, "bob-curve-key")
	shareAndAck(t, e, []string{bobUserID})

	content := json.RawMessage(`{"body":"reply","m.relates_to":{"rel_type":"m.thread","event_id":"$root"}}`)
	encrypted, err := e.Encrypt(ctx, testRoom, "m.room.message", content)
	if err != nil {
		t.Fatal(err)
	}
	var rel event.RelatesTo
	if err := json.Unmarshal(encrypted.RelatesTo, &rel); err != nil {
		t.Fatalf("relates_to not copied: %v", err)
	}
	if rel.EventID != "$root" {
		t.Errorf("relates_to = %+v", rel)
	}
}

func TestEncryptAfterInvalidation(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t)
	saveDevice(t, s, bobUserID, bobDevice, "bob-curve-key")
	shareAndAck(t, e, []string{bobUserID})

	found, err := e.InvalidateGroupSession(ctx, testRoom)
	if err != nil || !found {
		t.Fatalf("invalidate: found=%v err=%v", found, err)
	}
	if _, err := e.Encrypt(ctx, testRoom, "m.room.message", json.RawMessage(`{}`)); !errors.Is(err, ErrInvalidated) {
		t.Errorf("encrypt after invalidation: %v", err)
	}
}

func TestRotationOnExpiry(t *testing.T) {
	e, s, _ := newTestEngine(t)
	saveDevice(t, s, bobUserID, bobDevice, "bob-curve-key")
	first := shareAndAck(t, e, []string{bobUserID})

	// Age the session past the clamped floor but below the configured
	// 7-day period: no rotation yet.
	e.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	second := shareAndAck(t, e, []string{bobUserID})
	if second.ID() != first.ID() {
		t.Error("session rotated before its rotation period")
	}

	e.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	third := shareAndAck(t, e, []string{bobUserID})
	if third.ID() == first.ID() {
		t.Error("session not rotated after its rotation period")
	}
}

func TestRotationPeriodClampedToOneHour(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t)
	saveDevice(t, s, bobUserID, bobDevice, "bob-curve-key")

	// A malicious room state setting a tiny rotation period must not force
	// a rotation per message: the engine clamps to one hour.
	settings := types.DefaultEncryptionSettings()
	settings.RotationPeriod = time.Second

	requests, err := e.ShareGroupSession(ctx, testRoom, []string{bobUserID}, settings, "alice-ed-key")
	if err != nil {
		t.Fatal(err)
	}
	for _, req := range requests {
		if _, err := e.MarkRequestAsSent(ctx, req.TxnID); err != nil {
			t.Fatal(err)
		}
	}
	first, err := e.GetSession(ctx, testRoom)
	if err != nil {
		t.Fatal(err)
	}

	e.now = func() time.Time { return time.Now().Add(30 * time.Minute) }
	if _, err := e.ShareGroupSession(ctx, testRoom, []string{bobUserID}, settings, "alice-ed-key"); err != nil {
		t.Fatal(err)
	}
	second, err := e.GetSession(ctx, testRoom)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID() != first.ID() {
		t.Error("session rotated inside the one-hour floor")
	}
}

func TestRotationOnMessageCount(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t)
	saveDevice(t, s, bobUserID, bobDevice, "bob-curve-key")

	settings := types.DefaultEncryptionSettings()
	settings.RotationPeriodMsgs = 2

	requests, err := e.ShareGroupSession(ctx, testRoom, []string{bobUserID}, settings, "alice-ed-key")
	if err != nil {
		t.Fatal(err)
	}
	for _, req := range requests {
		if _, err := e.MarkRequestAsSent(ctx, req.TxnID); err != nil {
			t.Fatal(err)
		}
	}
	first, err := e.GetSession(ctx, testRoom)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := e.Encrypt(ctx, testRoom, "m.room.message", json.RawMessage(`{}`)); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := e.ShareGroupSession(ctx, testRoom, []string{bobUserID}, settings, "alice-ed-key"); err != nil {
		t.Fatal(err)
	}
	second, err := e.GetSession(ctx, testRoom)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID() == first.ID() {
		t.Error("session not rotated after hitting the message count")
	}
}

func TestRotationOnSenderKeyChange(t *testing.T) {
	e, s, _ := newTestEngine(t)
	saveDevice(t, s, bobUserID, bobDevice, "bob-curve-key")
	first := shareAndAck(t, e, []string{bobUserID})

	// Bob's device comes back with a different curve25519 key: the session
	// must rotate, not merely re-share.
	saveDevice(t, s, bobUserID, bobDevice, "bob-curve-key-2")
	second := shareAndAck(t, e, []string{bobUserID})
	if second.ID() == first.ID() {
		t.Error("session not rotated after sender key change")
	}
}

func TestRotationOnMemberLeave(t *testing.T) {
	e, s, _ := newTestEngine(t)
	saveDevice(t, s, bobUserID, bobDevice, "bob-curve-key")
	saveDevice(t, s, "@carol:example.org", "CAROLDEV", "carol-curve-key")
	first := shareAndAck(t, e, []string{bobUserID, "@carol:example.org"})

	// Carol leaves: the next share must not reuse the session she holds.
	second := shareAndAck(t, e, []string{bobUserID})
	if second.ID() == first.ID() {
		t.Error("session not rotated after member left")
	}
}

func TestShareSkipsDevicesWithoutOlmSession(t *testing.T) {
	ctx := context.Background()
	e, s, enc := newTestEngine(t)
	saveDevice(t, s, bobUserID, bobDevice, "bob-curve-key")
	carol := saveDevice(t, s, "@carol:example.org", "CAROLDEV", "carol-curve-key")
	enc.missing[types.DeviceKey(carol.UserID, carol.DeviceID)] = true

	requests, err := e.ShareGroupSession(ctx, testRoom, []string{bobUserID, carol.UserID}, types.DefaultEncryptionSettings(), "alice-ed-key")
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, req := range requests {
		total += req.DeviceCount()
	}
	if total != 1 {
		t.Errorf("share fan-out reached %d devices, want 1 (carol skipped)", total)
	}
}

func TestShareBatchesAt250Devices(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newTestEngine(t)
	users := []string{bobUserID}
	for i := 0; i < 300; i++ {
		saveDevice(t, s, bobUserID, bobDevice+string(rune('A'+i%26))+string(rune('0'+i/26)), "curve-"+bobDevice+string(rune('A'+i%26))+string(rune('0'+i/26)))
	}

	requests, err := e.ShareGroupSession(ctx, testRoom, users, types.DefaultEncryptionSettings(), "alice-ed-key")
	if err != nil {
		t.Fatal(err)
	}
	if len(requests) != 2 {
		t.Fatalf("expected 2 batches for 300 devices, got %d", len(requests))
	}
	if requests[0].DeviceCount() != 250 || requests[1].DeviceCount() != 50 {
		t.Errorf("batch sizes = %d, %d", requests[0].DeviceCount(), requests[1].DeviceCount())
	}
}
