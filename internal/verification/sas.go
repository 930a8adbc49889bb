// Package verification implements the interactive SAS device verification
// state machine: request/ready/start/accept/key/mac/done flows over
// to-device or in-room transport, commitment checking, emoji and decimal
// short-authentication-string derivation, and MAC verification.
package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/n42/matrix-crypto-core/internal/cryptoadapter"
	"github.com/n42/matrix-crypto-core/internal/event"
	"github.com/n42/matrix-crypto-core/internal/store"
	"github.com/n42/matrix-crypto-core/internal/types"
)

// State is one flow's position in the verification lifecycle.
type State int

const (
	StateCreated State = iota
	StateRequested
	StateReady
	StateStarted
	StateAccepted
	StateKeyReceived
	StateConfirmed
	StateMacReceived
	StateDone
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRequested:
		return "requested"
	case StateReady:
		return "ready"
	case StateStarted:
		return "started"
	case StateAccepted:
		return "accepted"
	case StateKeyReceived:
		return "key_received"
	case StateConfirmed:
		return "confirmed"
	case StateMacReceived:
		return "mac_received"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Cancellation codes.
const (
	CodeUser                 = "m.user"
	CodeTimeout              = "m.timeout"
	CodeUnknownTransaction   = "m.unknown_transaction"
	CodeUnknownMethod        = "m.unknown_method"
	CodeUnexpectedMessage    = "m.unexpected_message"
	CodeKeyMismatch          = "m.key_mismatch"
	CodeUserMismatch         = "m.user_mismatch"
	CodeInvalidMessage       = "m.invalid_message"
	CodeAccepted             = "m.accepted"
	CodeMismatchedCommitment = "m.mismatched_commitment"
	CodeMismatchedSas        = "m.mismatched_sas"
)

const (
	methodSAS = "m.sas.v1"

	// flowTimeout bounds a whole flow; inactivityTimeout bounds the gap
	// between consecutive events. Either expiry cancels with CodeTimeout.
	flowTimeout       = 10 * time.Minute
	inactivityTimeout = 2 * time.Minute

	keyAgreementProtocol = "curve25519-hkdf-sha256"
	hashAlgorithm        = "sha256"
	macAlgorithm         = "hkdf-hmac-sha256"
)

var (
	// ErrUnknownFlow means no flow matches the given id.
	ErrUnknownFlow = errors.New("verification: unknown flow")

	// ErrNotReady means the flow hasn't progressed far enough for the
	// requested operation (e.g. asking for emoji before key exchange).
	ErrNotReady = errors.New("verification: flow not ready")
)

// Flow is one verification conversation with one remote device.
type Flow struct {
	ID    types.FlowID
	State State

	OtherUserID   string
	OtherDeviceID string

	// weStarted records who sent m.key.verification.start; it decides SAS
	// info-string ordering and who verifies the commitment.
	weStarted     bool
	initiatedByUs bool

	sas          *cryptoadapter.SAS
	theirPubKey  string
	commitment   string
	startContent json.RawMessage

	// macReceived and confirmed must both be true before done is sent.
	macReceived bool
	confirmed   bool

	CancelCode   string
	CancelReason string

	createdAt time.Time
	lastEvent time.Time
}

// Machine owns every in-flight verification flow.
type Machine struct {
	log   *slog.Logger
	store store.Store

	ownUserID   string
	ownDeviceID string
	ownEd25519  string

	mu    sync.Mutex
	flows map[string]*Flow

	outgoing []*event.ToDeviceRequest

	now func() time.Time
}

// NewMachine constructs the verification machine. ownEd25519 is our
// device's fingerprint key, the thing the MAC stage actually attests.
func NewMachine(log *slog.Logger, s store.Store, ownUserID, ownDeviceID, ownEd25519 string) *Machine {
	return &Machine{
		log:         log,
		store:       s,
		ownUserID:   ownUserID,
		ownDeviceID: ownDeviceID,
		ownEd25519:  ownEd25519,
		flows:       make(map[string]*Flow),
		now:         time.Now,
	}
}

// GetFlow returns the flow for id, if any.
func (m *Machine) GetFlow(id types.FlowID) (*Flow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[id.String()]
	return f, ok
}

// OutgoingRequests drains the queued to-device sends.
func (m *Machine) OutgoingRequests() []*event.ToDeviceRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.outgoing
	m.outgoing = nil
	return out
}

func (m *Machine) queueLocked(userID, deviceID, eventType string, content any) {
	req := &event.ToDeviceRequest{Type: eventType, TxnID: uuid.New().String()}
	if err := req.AddMessage(userID, deviceID, content); err != nil {
		m.log.Error("queue verification event", "type", eventType, "error", err)
		return
	}
	m.outgoing = append(m.outgoing, req)
}

// RequestVerification starts a new to-device flow towards one device of
// otherUserID and returns it in StateRequested.
func (m *Machine) RequestVerification(ctx context.Context, otherUserID, otherDeviceID string) (*Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	flow := &Flow{
		ID:            types.FlowID{TransactionID: uuid.New().String()},
		State:         StateRequested,
		OtherUserID:   otherUserID,
		OtherDeviceID: otherDeviceID,
		initiatedByUs: true,
		createdAt:     now,
		lastEvent:     now,
	}
	m.flows[flow.ID.String()] = flow

	m.queueLocked(otherUserID, otherDeviceID, event.TypeVerificationRequest, event.VerificationRequestContent{
		FromDevice:    m.ownDeviceID,
		TransactionID: flow.ID.TransactionID,
		Methods:       []string{methodSAS},
		Timestamp:     now.UnixMilli(),
	})
	return flow, nil
}

// AcceptRequest answers an incoming request with ready, moving the flow to
// StateReady.
func (m *Machine) AcceptRequest(id types.FlowID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	flow, ok := m.flows[id.String()]
	if !ok {
		return ErrUnknownFlow
	}
	if flow.State != StateRequested {
		return fmt.Errorf("%w: state %s", ErrNotReady, flow.State)
	}
	flow.State = StateReady
	flow.lastEvent = m.now()

	m.queueLocked(flow.OtherUserID, flow.OtherDeviceID, event.TypeVerificationReady, event.VerificationReadyContent{
		FromDevice:    m.ownDeviceID,
		TransactionID: flow.ID.TransactionID,
		Methods:       []string{methodSAS},
		RelatesTo:     flow.relatesTo(),
	})
	return nil
}

// StartSAS sends m.key.verification.start for a flow in StateReady (or
// directly for a fresh device-to-device flow), making us the starting
// party.
func (m *Machine) StartSAS(id types.FlowID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	flow, ok := m.flows[id.String()]
	if !ok {
		return ErrUnknownFlow
	}
	if flow.State != StateReady && flow.State != StateRequested {
		return fmt.Errorf("%w: state %s", ErrNotReady, flow.State)
	}

	sas, err := cryptoadapter.NewSAS()
	if err != nil {
		return err
	}
	content := event.VerificationStartContent{
		FromDevice:                 m.ownDeviceID,
		TransactionID:              flow.ID.TransactionID,
		Method:                     methodSAS,
		KeyAgreementProtocols:      []string{keyAgreementProtocol},
		Hashes:                     []string{hashAlgorithm},
		MessageAuthenticationCodes: []string{macAlgorithm},
		ShortAuthenticationString:  []string{"decimal", "emoji"},
		RelatesTo:                  flow.relatesTo(),
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}

	flow.sas = sas
	flow.weStarted = true
	flow.startContent = raw
	flow.State = StateStarted
	flow.lastEvent = m.now()

	m.queueLocked(flow.OtherUserID, flow.OtherDeviceID, event.TypeVerificationStart, content)
	return nil
}

// ReceiveEvent feeds one incoming verification to-device event into the
// machine. sender is the server-attested sender of the event.
func (m *Machine) ReceiveEvent(ctx context.Context, sender, eventType string, content json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch eventType {
	case event.TypeVerificationRequest:
		return m.receiveRequest(sender, content)
	case event.TypeVerificationReady:
		return m.receiveReady(sender, content)
	case event.TypeVerificationStart:
		return m.receiveStart(sender, content)
	case event.TypeVerificationAccept:
		return m.receiveAccept(sender, content)
	case event.TypeVerificationKey:
		return m.receiveKey(sender, content)
	case event.TypeVerificationMac:
		return m.receiveMac(ctx, sender, content)
	case event.TypeVerificationDone:
		return m.receiveDone(ctx, sender, content)
	case event.TypeVerificationCancel:
		return m.receiveCancel(sender, content)
	default:
		return fmt.Errorf("verification: unhandled event type %s", eventType)
	}
}

func (m *Machine) receiveRequest(sender string, raw json.RawMessage) error {
	var content event.VerificationRequestContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return err
	}
	now := m.now()
	flow := &Flow{
		ID:            types.FlowID{TransactionID: content.TransactionID},
		State:         StateRequested,
		OtherUserID:   sender,
		OtherDeviceID: content.FromDevice,
		createdAt:     now,
		lastEvent:     now,
	}
	m.flows[flow.ID.String()] = flow
	return nil
}

func (m *Machine) receiveReady(sender string, raw json.RawMessage) error {
	var content event.VerificationReadyContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return err
	}
	flow, ok := m.flows[flowIDFrom(content.TransactionID, content.RelatesTo).String()]
	if !ok {
		return m.cancelUnknown(sender, content.TransactionID, content.RelatesTo)
	}
	if flow.State != StateRequested {
		return m.cancelLocked(flow, CodeUnexpectedMessage, "ready out of order")
	}
	flow.OtherDeviceID = content.FromDevice
	flow.State = StateReady
	flow.lastEvent = m.now()
	return nil
}

// receiveStart makes us the accepting party: validate the method, compute
// the commitment over our yet-unrevealed public key and the start content,
// and answer with accept.
func (m *Machine) receiveStart(sender string, raw json.RawMessage) error {
	var content event.VerificationStartContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return err
	}
	id := flowIDFrom(content.TransactionID, content.RelatesTo)
	flow, ok := m.flows[id.String()]
	if !ok {
		// Device-to-device flows may open directly with start.
		now := m.now()
		flow = &Flow{
			ID:            id,
			State:         StateReady,
			OtherUserID:   sender,
			OtherDeviceID: content.FromDevice,
			createdAt:     now,
			lastEvent:     now,
		}
		m.flows[id.String()] = flow
	}
	if flow.State != StateReady && flow.State != StateRequested {
		return m.cancelLocked(flow, CodeUnexpectedMessage, "start out of order")
	}
	if content.Method != methodSAS {
		return m.cancelLocked(flow, CodeUnknownMethod, "unsupported verification method "+content.Method)
	}
	if !contains(content.KeyAgreementProtocols, keyAgreementProtocol) ||
		!contains(content.MessageAuthenticationCodes, macAlgorithm) {
		return m.cancelLocked(flow, CodeUnknownMethod, "no shared key agreement or MAC method")
	}

	sas, err := cryptoadapter.NewSAS()
	if err != nil {
		return err
	}
	commitment, err := cryptoadapter.Commitment(sas.PublicKeyBase64(), json.RawMessage(raw))
	if err != nil {
		return err
	}

	flow.sas = sas
	flow.weStarted = false
	flow.startContent = raw
	flow.State = StateAccepted
	flow.lastEvent = m.now()

	m.queueLocked(flow.OtherUserID, flow.OtherDeviceID, event.TypeVerificationAccept, event.VerificationAcceptContent{
		TransactionID:             flow.ID.TransactionID,
		Method:                    methodSAS,
		KeyAgreementProtocol:      keyAgreementProtocol,
		Hash:                      hashAlgorithm,
		MessageAuthenticationCode: macAlgorithm,
		ShortAuthenticationString: []string{"decimal", "emoji"},
		Commitment:                commitment,
		RelatesTo:                 flow.relatesTo(),
	})
	return nil
}

// receiveAccept (we started): record the peer's commitment and reveal our
// public key first.
func (m *Machine) receiveAccept(sender string, raw json.RawMessage) error {
	var content event.VerificationAcceptContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return err
	}
	flow, ok := m.flows[flowIDFrom(content.TransactionID, content.RelatesTo).String()]
	if !ok {
		return m.cancelUnknown(sender, content.TransactionID, content.RelatesTo)
	}
	if flow.State != StateStarted || !flow.weStarted {
		return m.cancelLocked(flow, CodeUnexpectedMessage, "accept out of order")
	}
	flow.commitment = content.Commitment
	flow.State = StateAccepted
	flow.lastEvent = m.now()

	m.queueLocked(flow.OtherUserID, flow.OtherDeviceID, event.TypeVerificationKey, event.VerificationKeyContent{
		TransactionID: flow.ID.TransactionID,
		Key:           flow.sas.PublicKeyBase64(),
		RelatesTo:     flow.relatesTo(),
	})
	return nil
}

// receiveKey: the accepting party answers with its own key; the starting
// party verifies the commitment made before either key was revealed.
func (m *Machine) receiveKey(sender string, raw json.RawMessage) error {
	var content event.VerificationKeyContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return err
	}
	flow, ok := m.flows[flowIDFrom(content.TransactionID, content.RelatesTo).String()]
	if !ok {
		return m.cancelUnknown(sender, content.TransactionID, content.RelatesTo)
	}
	if flow.State != StateAccepted {
		return m.cancelLocked(flow, CodeUnexpectedMessage, "key out of order")
	}

	if flow.weStarted {
		expected, err := cryptoadapter.Commitment(content.Key, flow.startContent)
		if err != nil {
			return err
		}
		if expected != flow.commitment {
			return m.cancelLocked(flow, CodeMismatchedCommitment, "commitment does not match revealed key")
		}
	}

	if err := flow.sas.SetTheirPublicKey(content.Key); err != nil {
		return m.cancelLocked(flow, CodeInvalidMessage, "undecodable public key")
	}
	flow.theirPubKey = content.Key
	flow.State = StateKeyReceived
	flow.lastEvent = m.now()

	if !flow.weStarted {
		m.queueLocked(flow.OtherUserID, flow.OtherDeviceID, event.TypeVerificationKey, event.VerificationKeyContent{
			TransactionID: flow.ID.TransactionID,
			Key:           flow.sas.PublicKeyBase64(),
			RelatesTo:     flow.relatesTo(),
		})
	}
	return nil
}

// Emoji returns the 7-symbol SAS for a flow whose key exchange completed.
func (m *Machine) Emoji(id types.FlowID) ([7]cryptoadapter.Emoji, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero [7]cryptoadapter.Emoji
	flow, ok := m.flows[id.String()]
	if !ok {
		return zero, ErrUnknownFlow
	}
	if flow.State != StateKeyReceived && flow.State != StateConfirmed && flow.State != StateMacReceived {
		return zero, ErrNotReady
	}
	return flow.sas.Emoji(m.sasInfo(flow))
}

// Decimal returns the three-number SAS for a flow whose key exchange
// completed.
func (m *Machine) Decimal(id types.FlowID) ([3]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero [3]int
	flow, ok := m.flows[id.String()]
	if !ok {
		return zero, ErrUnknownFlow
	}
	if flow.State != StateKeyReceived && flow.State != StateConfirmed && flow.State != StateMacReceived {
		return zero, ErrNotReady
	}
	return flow.sas.Decimal(m.sasInfo(flow))
}

func (m *Machine) sasInfo(flow *Flow) string {
	return cryptoadapter.ExtraInfoSAS(m.sasIDs(flow),
		flow.sas.PublicKeyBase64(), flow.theirPubKey, flow.wireID(), flow.weStarted)
}

func (m *Machine) sasIDs(flow *Flow) cryptoadapter.SasIDs {
	return cryptoadapter.SasIDs{
		AccountUserID:   m.ownUserID,
		AccountDeviceID: m.ownDeviceID,
		OtherUserID:     flow.OtherUserID,
		OtherDeviceID:   flow.OtherDeviceID,
	}
}

// Confirm is the user asserting the short strings match: MACs over our
// fingerprint key go out, and if the peer's MAC already arrived and
// verified, the flow completes with done.
func (m *Machine) Confirm(ctx context.Context, id types.FlowID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	flow, ok := m.flows[id.String()]
	if !ok {
		return ErrUnknownFlow
	}
	if flow.State != StateKeyReceived && flow.State != StateMacReceived {
		return fmt.Errorf("%w: state %s", ErrNotReady, flow.State)
	}

	info := cryptoadapter.ExtraMacInfoSend(m.sasIDs(flow), flow.wireID())
	keyID := "ed25519:" + m.ownDeviceID
	keyMac, err := flow.sas.CalculateMAC([]byte(m.ownEd25519), info+keyID)
	if err != nil {
		return err
	}
	idsMac, err := flow.sas.CalculateMAC([]byte(keyID), info+"KEY_IDS")
	if err != nil {
		return err
	}

	m.queueLocked(flow.OtherUserID, flow.OtherDeviceID, event.TypeVerificationMac, event.VerificationMacContent{
		TransactionID: flow.ID.TransactionID,
		Mac:           map[string]string{keyID: keyMac},
		Keys:          idsMac,
		RelatesTo:     flow.relatesTo(),
	})

	flow.confirmed = true
	flow.lastEvent = m.now()
	if flow.macReceived {
		return m.completeLocked(ctx, flow)
	}
	flow.State = StateConfirmed
	return nil
}

func (m *Machine) receiveMac(ctx context.Context, sender string, raw json.RawMessage) error {
	var content event.VerificationMacContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return err
	}
	flow, ok := m.flows[flowIDFrom(content.TransactionID, content.RelatesTo).String()]
	if !ok {
		return m.cancelUnknown(sender, content.TransactionID, content.RelatesTo)
	}
	if flow.State != StateKeyReceived && flow.State != StateConfirmed {
		return m.cancelLocked(flow, CodeUnexpectedMessage, "mac out of order")
	}

	info := cryptoadapter.ExtraMacInfoReceive(m.sasIDs(flow), flow.wireID())

	keyIDs := make([]string, 0, len(content.Mac))
	for keyID := range content.Mac {
		keyIDs = append(keyIDs, keyID)
	}
	sort.Strings(keyIDs)
	expectedKeys, err := flow.sas.CalculateMAC([]byte(strings.Join(keyIDs, ",")), info+"KEY_IDS")
	if err != nil {
		return err
	}
	if expectedKeys != content.Keys {
		return m.cancelLocked(flow, CodeKeyMismatch, "MAC of key list does not match")
	}

	device, err := m.store.GetDevice(ctx, flow.OtherUserID, flow.OtherDeviceID)
	if err != nil {
		return m.cancelLocked(flow, CodeKeyMismatch, "unknown device in MAC stage")
	}
	for keyID, mac := range content.Mac {
		if keyID != "ed25519:"+flow.OtherDeviceID {
			// MACs over any other key id (such as cross-signing keys) are
			// not checked; an unknown id is not a mismatch.
			continue
		}
		expected, err := flow.sas.CalculateMAC([]byte(device.Ed25519Key), info+keyID)
		if err != nil {
			return err
		}
		if expected != mac {
			return m.cancelLocked(flow, CodeKeyMismatch, "MAC of device key does not match")
		}
	}

	flow.macReceived = true
	flow.lastEvent = m.now()
	if flow.confirmed {
		return m.completeLocked(ctx, flow)
	}
	flow.State = StateMacReceived
	return nil
}

// completeLocked marks the peer device verified, persists it, and sends
// done.
func (m *Machine) completeLocked(ctx context.Context, flow *Flow) error {
	device, err := m.store.GetDevice(ctx, flow.OtherUserID, flow.OtherDeviceID)
	if err == nil {
		device.Verified = true
		if err := m.store.SaveChanges(ctx, &store.Changes{Devices: []*types.Device{device}}); err != nil {
			return err
		}
	}

	flow.State = StateDone
	m.queueLocked(flow.OtherUserID, flow.OtherDeviceID, event.TypeVerificationDone, event.VerificationDoneContent{
		TransactionID: flow.ID.TransactionID,
		RelatesTo:     flow.relatesTo(),
	})
	m.log.Info("verification complete",
		"user_id", flow.OtherUserID, "device_id", flow.OtherDeviceID, "flow_id", flow.ID.String())
	return nil
}

func (m *Machine) receiveDone(ctx context.Context, sender string, raw json.RawMessage) error {
	var content event.VerificationDoneContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return err
	}
	flow, ok := m.flows[flowIDFrom(content.TransactionID, content.RelatesTo).String()]
	if !ok {
		return m.cancelUnknown(sender, content.TransactionID, content.RelatesTo)
	}
	// The peer finishing first needs no action here: our own done goes out
	// once Confirm and the MAC check both land.
	flow.lastEvent = m.now()
	return nil
}

func (m *Machine) receiveCancel(sender string, raw json.RawMessage) error {
	var content event.VerificationCancelContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return err
	}
	flow, ok := m.flows[flowIDFrom(content.TransactionID, content.RelatesTo).String()]
	if !ok {
		return nil
	}
	flow.State = StateCancelled
	flow.CancelCode = content.Code
	flow.CancelReason = content.Reason
	flow.lastEvent = m.now()
	m.log.Info("verification cancelled by peer",
		"flow_id", flow.ID.String(), "code", content.Code, "reason", content.Reason)
	return nil
}

// Cancel ends a flow from our side with the given code.
func (m *Machine) Cancel(id types.FlowID, code, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	flow, ok := m.flows[id.String()]
	if !ok {
		return ErrUnknownFlow
	}
	return m.cancelLocked(flow, code, reason)
}

func (m *Machine) cancelLocked(flow *Flow, code, reason string) error {
	if flow.State == StateCancelled || flow.State == StateDone {
		return nil
	}
	flow.State = StateCancelled
	flow.CancelCode = code
	flow.CancelReason = reason
	flow.lastEvent = m.now()

	m.queueLocked(flow.OtherUserID, flow.OtherDeviceID, event.TypeVerificationCancel, event.VerificationCancelContent{
		TransactionID: flow.ID.TransactionID,
		Code:          code,
		Reason:        reason,
		RelatesTo:     flow.relatesTo(),
	})
	m.log.Info("verification cancelled",
		"flow_id", flow.ID.String(), "code", code, "reason", reason)
	return nil
}

// cancelUnknown answers an event for a flow we don't know with a
// cancellation addressed straight back at the sender's claimed transaction.
func (m *Machine) cancelUnknown(sender, transactionID string, rel *event.RelatesTo) error {
	content := event.VerificationCancelContent{
		TransactionID: transactionID,
		Code:          CodeUnknownTransaction,
		Reason:        "unknown verification transaction",
		RelatesTo:     rel,
	}
	req := &event.ToDeviceRequest{Type: event.TypeVerificationCancel, TxnID: uuid.New().String()}
	if err := req.AddMessage(sender, "*", content); err != nil {
		return err
	}
	m.outgoing = append(m.outgoing, req)
	return nil
}

// Sweep cancels every flow that exceeded the overall timeout or went
// inactive too long. The host calls it periodically from its poll loop.
func (m *Machine) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, flow := range m.flows {
		if flow.State == StateDone || flow.State == StateCancelled {
			continue
		}
		if now.Sub(flow.createdAt) >= flowTimeout || now.Sub(flow.lastEvent) >= inactivityTimeout {
			if err := m.cancelLocked(flow, CodeTimeout, "verification timed out"); err != nil {
				m.log.Error("cancel timed out flow", "flow_id", flow.ID.String(), "error", err)
			}
		}
	}
}

// wireID is the flow identifier baked into SAS and MAC info strings: the
// transaction id for to-device flows, the anchoring event id in-room.
func (f *Flow) wireID() string {
	if f.ID.InRoom {
		return f.ID.EventID
	}
	return f.ID.TransactionID
}

func (f *Flow) relatesTo() *event.RelatesTo {
	if !f.ID.InRoom {
		return nil
	}
	return &event.RelatesTo{RelType: "m.reference", EventID: f.ID.EventID}
}

func flowIDFrom(transactionID string, rel *event.RelatesTo) types.FlowID {
	if transactionID == "" && rel != nil {
		return types.FlowID{InRoom: true, EventID: rel.EventID}
	}
	return types.FlowID{TransactionID: transactionID}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
