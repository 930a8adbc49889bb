// Package engine assembles the crypto core: one Machine owns the Olm
// account and wires the identity registry, pairwise session manager,
// outbound group engine, inbound session store, gossip machine and
// verification machine behind the handful of calls a host sync driver
// makes — feed to-device events in, poll outgoing requests out, encrypt
// and decrypt room events.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/n42/matrix-crypto-core/internal/cryptoadapter"
	"github.com/n42/matrix-crypto-core/internal/event"
	"github.com/n42/matrix-crypto-core/internal/gossip"
	"github.com/n42/matrix-crypto-core/internal/identity"
	"github.com/n42/matrix-crypto-core/internal/inbound"
	"github.com/n42/matrix-crypto-core/internal/outbound"
	"github.com/n42/matrix-crypto-core/internal/session"
	"github.com/n42/matrix-crypto-core/internal/store"
	"github.com/n42/matrix-crypto-core/internal/types"
	"github.com/n42/matrix-crypto-core/internal/verification"
)

// Machine is the crypto engine's single entry point for a host.
type Machine struct {
	log   *slog.Logger
	store store.Store

	ownUserID   string
	ownDeviceID string
	ownEd25519  string
	ownCurve    string

	account   *cryptoadapter.Account
	accountMu sync.Mutex

	Identity     *identity.Registry
	Sessions     *session.Manager
	Outbound     *outbound.Engine
	Inbound      *inbound.Store
	Gossip       *gossip.Machine
	Verification *verification.Machine

	mu       sync.Mutex
	outgoing []*event.ToDeviceRequest
	// fireAndForget holds txn ids of outgoing requests that need no
	// bookkeeping on acknowledgement (dummies, key forwards, verification
	// messages), so their acks don't read as unknown share requests.
	fireAndForget map[string]bool

	pickleKey []byte
}

// NewMachine loads the device's account from the store, creating and
// persisting a fresh one on first run, and wires every component.
func NewMachine(ctx context.Context, log *slog.Logger, s store.Store, ownUserID, ownDeviceID, pickleKey string) (*Machine, error) {
	key := []byte(pickleKey)

	account, _, err := s.LoadAccount(ctx)
	if errors.Is(err, store.ErrNotFound) {
		account, err = cryptoadapter.NewAccount()
		if err != nil {
			return nil, fmt.Errorf("create account: %w", err)
		}
		if err := s.SaveAccount(ctx, account, pickleKey); err != nil {
			return nil, fmt.Errorf("persist new account: %w", err)
		}
		log.Info("created new olm account", "user_id", ownUserID, "device_id", ownDeviceID)
	} else if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	ed25519Key, curveKey := account.IdentityKeys()

	m := &Machine{
		log:           log,
		store:         s,
		ownUserID:     ownUserID,
		ownDeviceID:   ownDeviceID,
		ownEd25519:    ed25519Key,
		ownCurve:      curveKey,
		account:       account,
		fireAndForget: make(map[string]bool),
		pickleKey:     key,
	}
	m.Identity = identity.New(log, s)
	m.Sessions = session.NewManager(log, s, account, &m.accountMu, ownUserID, ownDeviceID, key)
	m.Outbound = outbound.NewEngine(log, s, m.Sessions, ownUserID, ownDeviceID, curveKey, key)
	m.Inbound = inbound.New(log, s, key)
	m.Gossip = gossip.New(log, s, m.Inbound, m.Sessions, ownUserID, ownDeviceID)
	m.Verification = verification.NewMachine(log, s, ownUserID, ownDeviceID, ed25519Key)
	return m, nil
}

// IdentityKeys returns this device's public Ed25519 and Curve25519 keys.
func (m *Machine) IdentityKeys() (ed25519Key, curve25519Key string) {
	return m.ownEd25519, m.ownCurve
}

// OwnDeviceKeys builds the signed device_keys payload the host uploads on
// first run.
func (m *Machine) OwnDeviceKeys() (map[string]any, error) {
	keys := map[string]any{
		"user_id":    m.ownUserID,
		"device_id":  m.ownDeviceID,
		"algorithms": []string{event.AlgorithmOlmV1, types.AlgorithmMegolmV1},
		"keys": map[string]string{
			"curve25519:" + m.ownDeviceID: m.ownCurve,
			"ed25519:" + m.ownDeviceID:    m.ownEd25519,
		},
	}
	m.accountMu.Lock()
	sig, err := m.account.Sign(keys)
	m.accountMu.Unlock()
	if err != nil {
		return nil, err
	}
	keys["signatures"] = map[string]map[string]string{
		m.ownUserID: {"ed25519:" + m.ownDeviceID: sig},
	}
	return keys, nil
}

// GenerateOneTimeKeys mints count signed one-time keys for upload,
// persisting the mutated account before the payload is handed out.
func (m *Machine) GenerateOneTimeKeys(ctx context.Context, count int) (map[string]any, error) {
	m.accountMu.Lock()
	keys, err := m.account.GenerateOneTimeKeys(count)
	if err != nil {
		m.accountMu.Unlock()
		return nil, err
	}
	signed := make(map[string]any, len(keys))
	for id, key := range keys {
		entry := map[string]any{"key": key}
		sig, err := m.account.Sign(map[string]string{"key": key})
		if err != nil {
			m.accountMu.Unlock()
			return nil, err
		}
		entry["signatures"] = map[string]map[string]string{
			m.ownUserID: {"ed25519:" + m.ownDeviceID: sig},
		}
		signed["signed_curve25519:"+string(id)] = entry
	}
	m.account.MarkKeysAsPublished()
	m.accountMu.Unlock()

	if err := m.store.SaveAccount(ctx, m.account, string(m.pickleKey)); err != nil {
		return nil, fmt.Errorf("persist account after key generation: %w", err)
	}
	return signed, nil
}

// HandleToDeviceEvent feeds one to-device event from the host's sync loop
// into the right component. Per-event failures are contained: they are
// logged and returned for observability, but the caller is free to carry
// on with the next event.
func (m *Machine) HandleToDeviceEvent(ctx context.Context, ev *event.ToDevice) error {
	toDeviceEvents.WithLabelValues(ev.Type).Inc()

	switch ev.Type {
	case event.TypeRoomEncrypted:
		return m.handleEncryptedToDevice(ctx, ev)
	case event.TypeRoomKeyRequest:
		var content event.RoomKeyRequestContent
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			return fmt.Errorf("parse room key request: %w", err)
		}
		m.Gossip.ReceiveRoomKeyRequest(ev.Sender, content)
		return nil
	case event.TypeVerificationRequest, event.TypeVerificationReady,
		event.TypeVerificationStart, event.TypeVerificationAccept,
		event.TypeVerificationKey, event.TypeVerificationMac,
		event.TypeVerificationDone, event.TypeVerificationCancel:
		return m.Verification.ReceiveEvent(ctx, ev.Sender, ev.Type, ev.Content)
	default:
		m.log.Debug("ignoring to-device event", "type", ev.Type)
		return nil
	}
}

func (m *Machine) handleEncryptedToDevice(ctx context.Context, ev *event.ToDevice) error {
	var content event.EncryptedToDeviceContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return fmt.Errorf("parse encrypted to-device: %w", err)
	}

	payload, err := m.Sessions.DecryptToDevice(ctx, ev.Sender, &content)
	if err != nil {
		if errors.Is(err, session.ErrSessionWedged) {
			devicesWedged.Inc()
			if wedgeErr := m.Sessions.MarkDeviceAsWedged(ctx, ev.Sender, content.SenderKey); wedgeErr != nil {
				m.log.Error("mark device as wedged", "sender", ev.Sender, "error", wedgeErr)
			}
		}
		return err
	}

	// The account may have consumed a one-time key creating an inbound
	// session; persist it before acting on the plaintext.
	if err := m.store.SaveAccount(ctx, m.account, string(m.pickleKey)); err != nil {
		return err
	}

	senderKey := content.SenderKey
	claimedEd25519 := payload.Keys["ed25519"]

	switch payload.Type {
	case event.TypeRoomKey:
		var keyContent event.RoomKeyContent
		if err := json.Unmarshal(payload.Content, &keyContent); err != nil {
			return fmt.Errorf("parse room key: %w", err)
		}
		record, err := m.Inbound.ReceiveRoomKey(senderKey, claimedEd25519, &keyContent)
		if err != nil {
			return err
		}
		return m.Inbound.Save(ctx, record)
	case event.TypeForwardedRoomKey:
		var fwdContent event.ForwardedRoomKeyContent
		if err := json.Unmarshal(payload.Content, &fwdContent); err != nil {
			return fmt.Errorf("parse forwarded room key: %w", err)
		}
		record, err := m.Inbound.ReceiveForwardedRoomKey(senderKey, &fwdContent)
		if err != nil {
			return err
		}
		return m.Inbound.Save(ctx, record)
	case event.TypeDummy:
		// Its work — forcing the inbound session into existence — is
		// already done.
		return nil
	case event.TypeVerificationRequest, event.TypeVerificationReady,
		event.TypeVerificationStart, event.TypeVerificationAccept,
		event.TypeVerificationKey, event.TypeVerificationMac,
		event.TypeVerificationDone, event.TypeVerificationCancel:
		return m.Verification.ReceiveEvent(ctx, payload.Sender, payload.Type, payload.Content)
	default:
		m.log.Debug("ignoring decrypted to-device event", "type", payload.Type)
		return nil
	}
}

// GetMissingSessions returns the key-claim request covering every device of
// users lacking an Olm session, or nil.
func (m *Machine) GetMissingSessions(ctx context.Context, users []string) (*event.KeysClaimRequest, error) {
	req, err := m.Sessions.GetMissingSessions(ctx, users)
	if err == nil && req != nil {
		keyClaimRequests.Inc()
	}
	return req, err
}

// ReceiveKeysClaimResponse builds sessions from the claimed keys; dummy
// requests for unwedged devices join the outgoing queue.
func (m *Machine) ReceiveKeysClaimResponse(ctx context.Context, resp *event.KeysClaimResponse) error {
	dummies, err := m.Sessions.ReceiveKeysClaimResponse(ctx, resp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.outgoing = append(m.outgoing, dummies...)
	m.mu.Unlock()
	return nil
}

// ShareGroupSession creates/rotates the room's outbound session as needed
// and returns the key fan-out requests the host must send, one batch per
// call to sendToDevice.
func (m *Machine) ShareGroupSession(ctx context.Context, roomID string, users []string, settings types.EncryptionSettings) ([]*event.ToDeviceRequest, error) {
	groupSessionsShared.Inc()
	return m.Outbound.ShareGroupSession(ctx, roomID, users, settings, m.ownEd25519)
}

// MarkRequestAsSent acknowledges an outgoing to-device request. Share
// requests merge their tentative recipients; fire-and-forget requests
// (dummies, key forwards, verification messages) need no bookkeeping.
func (m *Machine) MarkRequestAsSent(ctx context.Context, requestID string) error {
	m.mu.Lock()
	if m.fireAndForget[requestID] {
		delete(m.fireAndForget, requestID)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	known, err := m.Outbound.MarkRequestAsSent(ctx, requestID)
	if !known {
		unknownRequestAcks.Inc()
	}
	return err
}

// EncryptRoomEvent encrypts one room event with the room's shared session.
func (m *Machine) EncryptRoomEvent(ctx context.Context, roomID, eventType string, content json.RawMessage) (*event.EncryptedEventContent, error) {
	return m.Outbound.Encrypt(ctx, roomID, eventType, content)
}

// DecryptRoomEvent decrypts one m.room.encrypted room event, surfacing the
// message index for the caller's replay set.
func (m *Machine) DecryptRoomEvent(ctx context.Context, ev *event.MegolmEvent) (*inbound.DecryptedEvent, error) {
	decrypted, err := m.Inbound.DecryptRoomEvent(ctx, ev)
	if err != nil {
		decryptResults.WithLabelValues(decryptFailureKind(err)).Inc()
		return nil, err
	}
	decryptResults.WithLabelValues("ok").Inc()
	return decrypted, nil
}

func decryptFailureKind(err error) string {
	var missing *inbound.MissingSessionError
	var mismatched *inbound.MismatchedRoomError
	switch {
	case errors.As(err, &missing):
		return "missing_session"
	case errors.As(err, &mismatched):
		return "mismatched_room"
	case errors.Is(err, inbound.ErrNotAnObject):
		return "not_an_object"
	case errors.Is(err, cryptoadapter.ErrUnsupportedAlgorithm):
		return "unsupported_algorithm"
	default:
		return "error"
	}
}

// ProcessKeyQueryResponse verifies a /keys/query response, persists the
// accepted devices, and invalidates every outbound session that shared to
// a device whose sender key changed.
func (m *Machine) ProcessKeyQueryResponse(ctx context.Context, payloads []identity.DeviceKeysPayload) error {
	updates, err := m.Identity.ProcessKeyQueryResponse(ctx, payloads)
	if err != nil {
		return err
	}
	changes := &store.Changes{}
	for _, update := range updates {
		changes.Devices = append(changes.Devices, update.Device)
	}
	if err := m.store.SaveChanges(ctx, changes); err != nil {
		return err
	}
	for _, update := range updates {
		if update.KeyChanged {
			rooms := m.Outbound.InvalidateSessionsSharedWith(ctx, update.Device.UserID, update.Device.DeviceID)
			if len(rooms) > 0 {
				m.log.Info("invalidated sessions after device key change",
					"user_id", update.Device.UserID, "device_id", update.Device.DeviceID, "rooms", rooms)
			}
		}
	}
	return nil
}

// UpdateTrackedUsers records users whose device lists must stay fresh,
// typically every member of a newly encrypted room.
func (m *Machine) UpdateTrackedUsers(ctx context.Context, users []string) error {
	return m.store.MarkTracked(ctx, users)
}

// OutgoingRequests drains every pending outgoing to-device request: queued
// dummies, served key requests, and verification messages. New-session
// events from the claim path are folded into the gossip machine first so
// blocked shares get retried in the same poll.
func (m *Machine) OutgoingRequests(ctx context.Context) ([]*event.ToDeviceRequest, error) {
	for {
		select {
		case evt := <-m.Sessions.NewSessionEvents():
			m.Gossip.RetryKeyshare(evt.UserID, evt.DeviceID)
			continue
		default:
		}
		break
	}

	served, err := m.Gossip.CollectIncomingKeyRequests(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	queued := m.outgoing
	m.outgoing = nil
	m.mu.Unlock()

	out := append(queued, served...)
	out = append(out, m.Verification.OutgoingRequests()...)

	m.mu.Lock()
	for _, req := range out {
		m.fireAndForget[req.TxnID] = true
	}
	m.mu.Unlock()
	return out, nil
}

// Sweep runs periodic housekeeping: verification timeouts.
func (m *Machine) Sweep() {
	m.Verification.Sweep()
}
