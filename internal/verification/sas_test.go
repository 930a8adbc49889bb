package verification

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/n42/matrix-crypto-core/internal/event"
	"github.com/n42/matrix-crypto-core/internal/store"
	"github.com/n42/matrix-crypto-core/internal/types"
)

var testLog = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

const (
	aliceUserID = "@alice:example.org"
	aliceDevice = "ALICEDEV"
	aliceEd     = "alice-fingerprint-key"
	bobUserID   = "@bob:example.org"
	bobDevice   = "BOBDEV"
	bobEd       = "bob-fingerprint-key"
)

// party bundles one side's machine and store.
type party struct {
	machine *Machine
	store   *store.Memory
	userID  string
}

func newParty(t *testing.T, userID, deviceID, ed25519Key string, peer *types.Device) *party {
	t.Helper()
	s := store.NewMemory()
	if err := s.SaveChanges(context.Background(), &store.Changes{Devices: []*types.Device{peer}}); err != nil {
		t.Fatal(err)
	}
	return &party{
		machine: NewMachine(testLog, s, userID, deviceID, ed25519Key),
		store:   s,
		userID:  userID,
	}
}

func newParties(t *testing.T) (alice, bob *party) {
	t.Helper()
	bobDev := &types.Device{UserID: bobUserID, DeviceID: bobDevice, Ed25519Key: bobEd, Curve25519Key: "bob-curve"}
	aliceDev := &types.Device{UserID: aliceUserID, DeviceID: aliceDevice, Ed25519Key: aliceEd, Curve25519Key: "alice-curve"}
	alice = newParty(t, aliceUserID, aliceDevice, aliceEd, bobDev)
	bob = newParty(t, bobUserID, bobDevice, bobEd, aliceDev)
	return alice, bob
}

// deliver moves every queued outgoing event from sender's machine into
// receiver's.
func deliver(t *testing.T, from, to *party) {
	t.Helper()
	for _, req := range from.machine.OutgoingRequests() {
		for _, devices := range req.Messages {
			for _, content := range devices {
				if err := to.machine.ReceiveEvent(context.Background(), from.userID, req.Type, content); err != nil {
					t.Fatalf("deliver %s: %v", req.Type, err)
				}
			}
		}
	}
}

func mustState(t *testing.T, p *party, id types.FlowID, want State) {
	t.Helper()
	flow, ok := p.machine.GetFlow(id)
	if !ok {
		t.Fatalf("flow %s not found", id.String())
	}
	if flow.State != want {
		t.Fatalf("state = %s, want %s (cancel: %s %s)", flow.State, want, flow.CancelCode, flow.CancelReason)
	}
}

// runToKeyExchange drives a fresh pair of machines through request, ready,
// start, accept and key exchange, returning the shared flow id.
func runToKeyExchange(t *testing.T, alice, bob *party) types.FlowID {
	t.Helper()
	ctx := context.Background()

	flow, err := alice.machine.RequestVerification(ctx, bobUserID, bobDevice)
	if err != nil {
		t.Fatal(err)
	}
	id := flow.ID
	deliver(t, alice, bob)
	mustState(t, bob, id, StateRequested)

	if err := bob.machine.AcceptRequest(id); err != nil {
		t.Fatal(err)
	}
	deliver(t, bob, alice)
	mustState(t, alice, id, StateReady)

	if err := alice.machine.StartSAS(id); err != nil {
		t.Fatal(err)
	}
	deliver(t, alice, bob) // start -> bob answers accept
	mustState(t, bob, id, StateAccepted)

	deliver(t, bob, alice) // accept -> alice reveals key
	deliver(t, alice, bob) // key -> bob answers with his key
	mustState(t, bob, id, StateKeyReceived)
	deliver(t, bob, alice) // key -> alice checks commitment
	mustState(t, alice, id, StateKeyReceived)
	return id
}

func TestFullFlow(t *testing.T) {
	ctx := context.Background()
	alice, bob := newParties(t)
	id := runToKeyExchange(t, alice, bob)

	// Both sides must derive identical short strings.
	aliceEmoji, err := alice.machine.Emoji(id)
	if err != nil {
		t.Fatal(err)
	}
	bobEmoji, err := bob.machine.Emoji(id)
	if err != nil {
		t.Fatal(err)
	}
	if aliceEmoji != bobEmoji {
		t.Errorf("emoji differ:\n  %v\n  %v", aliceEmoji, bobEmoji)
	}
	aliceDecimal, err := alice.machine.Decimal(id)
	if err != nil {
		t.Fatal(err)
	}
	bobDecimal, err := bob.machine.Decimal(id)
	if err != nil {
		t.Fatal(err)
	}
	if aliceDecimal != bobDecimal {
		t.Errorf("decimals differ: %v vs %v", aliceDecimal, bobDecimal)
	}
	for _, n := range aliceDecimal {
		if n < 1000 || n > 9191 {
			t.Errorf("decimal %d out of range", n)
		}
	}

	// Both users confirm the strings match.
	if err := alice.machine.Confirm(ctx, id); err != nil {
		t.Fatal(err)
	}
	deliver(t, alice, bob)
	mustState(t, bob, id, StateMacReceived)

	if err := bob.machine.Confirm(ctx, id); err != nil {
		t.Fatal(err)
	}
	mustState(t, bob, id, StateDone)
	deliver(t, bob, alice) // bob's mac + done
	mustState(t, alice, id, StateDone)
	deliver(t, alice, bob) // alice's done

	// The counterparty device is now verified on both sides.
	bobView, err := bob.store.GetDevice(context.Background(), aliceUserID, aliceDevice)
	if err != nil || !bobView.Verified {
		t.Errorf("alice's device not verified on bob's side: %v", err)
	}
	aliceView, err := alice.store.GetDevice(context.Background(), bobUserID, bobDevice)
	if err != nil || !aliceView.Verified {
		t.Errorf("bob's device not verified on alice's side: %v", err)
	}
}

func TestMacMismatchCancels(t *testing.T) {
	ctx := context.Background()
	alice, bob := newParties(t)
	id := runToKeyExchange(t, alice, bob)

	// Bob's stored record of Alice's fingerprint is wrong: Alice's MAC
	// cannot verify and the flow must cancel with a key mismatch.
	corrupted, err := bob.store.GetDevice(ctx, aliceUserID, aliceDevice)
	if err != nil {
		t.Fatal(err)
	}
	corrupted.Ed25519Key = "tampered-key"
	if err := bob.store.SaveChanges(ctx, &store.Changes{Devices: []*types.Device{corrupted}}); err != nil {
		t.Fatal(err)
	}

	if err := alice.machine.Confirm(ctx, id); err != nil {
		t.Fatal(err)
	}
	deliver(t, alice, bob)

	flow, _ := bob.machine.GetFlow(id)
	if flow.State != StateCancelled || flow.CancelCode != CodeKeyMismatch {
		t.Errorf("state = %s code = %s, want cancelled/%s", flow.State, flow.CancelCode, CodeKeyMismatch)
	}
}

func TestUnknownMethodCancels(t *testing.T) {
	ctx := context.Background()
	_, bob := newParties(t)

	err := bob.machine.ReceiveEvent(ctx, aliceUserID, event.TypeVerificationStart,
		[]byte(`{"from_device":"ALICEDEV","transaction_id":"txn1","method":"m.reciprocate.v1"}`))
	if err != nil {
		t.Fatal(err)
	}
	flow, ok := bob.machine.GetFlow(types.FlowID{TransactionID: "txn1"})
	if !ok {
		t.Fatal("flow not recorded")
	}
	if flow.State != StateCancelled || flow.CancelCode != CodeUnknownMethod {
		t.Errorf("state = %s code = %s", flow.State, flow.CancelCode)
	}
	// The cancel went out to alice.
	reqs := bob.machine.OutgoingRequests()
	if len(reqs) != 1 || reqs[0].Type != event.TypeVerificationCancel {
		t.Errorf("outgoing = %+v", reqs)
	}
}

func TestUnknownTransactionAnswersCancel(t *testing.T) {
	ctx := context.Background()
	_, bob := newParties(t)

	err := bob.machine.ReceiveEvent(ctx, aliceUserID, event.TypeVerificationKey,
		[]byte(`{"transaction_id":"ghost","key":"xyz"}`))
	if err != nil {
		t.Fatal(err)
	}
	reqs := bob.machine.OutgoingRequests()
	if len(reqs) != 1 {
		t.Fatalf("expected one cancel, got %d", len(reqs))
	}
	if reqs[0].Type != event.TypeVerificationCancel {
		t.Errorf("outgoing type = %s", reqs[0].Type)
	}
}

func TestSweepTimesOutStaleFlows(t *testing.T) {
	ctx := context.Background()
	alice, bob := newParties(t)

	flow, err := alice.machine.RequestVerification(ctx, bobUserID, bobDevice)
	if err != nil {
		t.Fatal(err)
	}
	deliver(t, alice, bob)

	// Two minutes of silence trips the inactivity timeout.
	alice.machine.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	alice.machine.Sweep()
	mustState(t, alice, flow.ID, StateCancelled)
	got, _ := alice.machine.GetFlow(flow.ID)
	if got.CancelCode != CodeTimeout {
		t.Errorf("cancel code = %s, want %s", got.CancelCode, CodeTimeout)
	}

	// The ten-minute overall bound applies even with recent activity.
	bobFlow, _ := bob.machine.GetFlow(flow.ID)
	bobFlow.lastEvent = time.Now().Add(10 * time.Minute)
	bob.machine.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	bob.machine.Sweep()
	mustState(t, bob, flow.ID, StateCancelled)
}

func TestInRoomFlowID(t *testing.T) {
	a := types.FlowID{InRoom: true, RoomID: "!r:x", EventID: "$e"}
	b := types.FlowID{InRoom: true, RoomID: "!r:x", EventID: "$e"}
	if a.String() != b.String() {
		t.Error("equal in-room flow ids must compare equal")
	}
	c := types.FlowID{TransactionID: "$e"}
	if a.String() == c.String() {
		t.Error("in-room and to-device flow ids must not collide")
	}
}
