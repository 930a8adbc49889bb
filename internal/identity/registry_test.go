package identity

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/n42/matrix-crypto-core/internal/cryptoadapter"
	"github.com/n42/matrix-crypto-core/internal/store"
	"github.com/n42/matrix-crypto-core/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func signedDevicePayload(t *testing.T, account *cryptoadapter.Account, userID, deviceID string) DeviceKeysPayload {
	t.Helper()
	ed25519Key, curveKey := account.IdentityKeys()
	payload := DeviceKeysPayload{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: []string{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"},
		Keys: map[string]string{
			"ed25519:" + deviceID:    ed25519Key,
			"curve25519:" + deviceID: curveKey,
		},
	}
	signed := struct {
		Algorithms []string          `json:"algorithms"`
		DeviceID   string            `json:"device_id"`
		Keys       map[string]string `json:"keys"`
		UserID     string            `json:"user_id"`
	}{payload.Algorithms, payload.DeviceID, payload.Keys, payload.UserID}
	sig, err := account.Sign(signed)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	payload.Signatures = map[string]map[string]string{userID: {"ed25519:" + deviceID: sig}}
	return payload
}

func TestProcessKeyQueryResponseAcceptsValidSignature(t *testing.T) {
	account, err := cryptoadapter.NewAccount()
	if err != nil {
		t.Fatalf("new account: %v", err)
	}
	reg := New(testLogger(), store.NewMemory())
	payload := signedDevicePayload(t, account, "@alice:example.org", "ALICEDEVICE")

	updates, err := reg.ProcessKeyQueryResponse(context.Background(), []DeviceKeysPayload{payload})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	if updates[0].KeyChanged {
		t.Fatalf("a brand-new device should not be flagged as key-changed")
	}
}

func TestProcessKeyQueryResponseRejectsBadSignature(t *testing.T) {
	account, err := cryptoadapter.NewAccount()
	if err != nil {
		t.Fatalf("new account: %v", err)
	}
	reg := New(testLogger(), store.NewMemory())
	payload := signedDevicePayload(t, account, "@alice:example.org", "ALICEDEVICE")
	payload.Signatures["@alice:example.org"]["ed25519:ALICEDEVICE"] = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

	updates, err := reg.ProcessKeyQueryResponse(context.Background(), []DeviceKeysPayload{payload})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(updates) != 0 {
		t.Fatalf("expected the bad-signature device to be rejected, got %d updates", len(updates))
	}
}

func TestProcessKeyQueryResponseDetectsKeyChange(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	reg := New(testLogger(), s)

	accountA, _ := cryptoadapter.NewAccount()
	payloadA := signedDevicePayload(t, accountA, "@bob:example.org", "BOBDEVICE")
	updates, err := reg.ProcessKeyQueryResponse(ctx, []DeviceKeysPayload{payloadA})
	if err != nil || len(updates) != 1 {
		t.Fatalf("first process: updates=%v err=%v", updates, err)
	}
	if err := s.SaveChanges(ctx, &store.Changes{Devices: []*types.Device{updates[0].Device}}); err != nil {
		t.Fatalf("persist device: %v", err)
	}

	accountB, _ := cryptoadapter.NewAccount() // a different key pair simulates a device key rotation
	payloadB := signedDevicePayload(t, accountB, "@bob:example.org", "BOBDEVICE")
	updates, err = reg.ProcessKeyQueryResponse(ctx, []DeviceKeysPayload{payloadB})
	if err != nil || len(updates) != 1 {
		t.Fatalf("second process: updates=%v err=%v", updates, err)
	}
	if !updates[0].KeyChanged {
		t.Fatalf("expected KeyChanged=true after the device's curve25519 key rotated")
	}
}
