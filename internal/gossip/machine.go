// Package gossip implements the key-request machine: it receives
// m.room_key_request to-device events, serves the ones policy allows by
// exporting the requested inbound session as an Olm-encrypted
// m.forwarded_room_key, and re-evaluates shares that were blocked on a
// missing Olm session once the session manager reports a new one.
package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/n42/matrix-crypto-core/internal/event"
	"github.com/n42/matrix-crypto-core/internal/inbound"
	"github.com/n42/matrix-crypto-core/internal/session"
	"github.com/n42/matrix-crypto-core/internal/store"
	"github.com/n42/matrix-crypto-core/internal/types"
)

// Encrypter is the slice of the session manager the forwarder needs.
type Encrypter interface {
	EncryptToDevice(ctx context.Context, device *types.Device, eventType string, content json.RawMessage) (*event.EncryptedToDeviceContent, *store.StoredSession, error)
}

// incomingRequest is one queued m.room_key_request.
type incomingRequest struct {
	senderUserID string
	content      event.RoomKeyRequestContent
}

// Machine queues incoming key requests and serves them on collection.
type Machine struct {
	log      *slog.Logger
	store    store.Store
	sessions *inbound.Store
	enc      Encrypter

	ownUserID   string
	ownDeviceID string

	mu sync.Mutex
	// incoming is keyed by (requester, request id) so a cancellation can
	// drop exactly the request it names.
	incoming map[string]incomingRequest
	// blocked holds requests that could not be served because no Olm
	// session exists for the requesting device yet, keyed by user|device.
	blocked map[string][]incomingRequest
}

// New constructs the gossip machine.
func New(log *slog.Logger, s store.Store, sessions *inbound.Store, enc Encrypter, ownUserID, ownDeviceID string) *Machine {
	return &Machine{
		log:         log,
		store:       s,
		sessions:    sessions,
		enc:         enc,
		ownUserID:   ownUserID,
		ownDeviceID: ownDeviceID,
		incoming:    make(map[string]incomingRequest),
		blocked:     make(map[string][]incomingRequest),
	}
}

func requestKey(sender, requestID string) string { return sender + "|" + requestID }

// ReceiveRoomKeyRequest queues a request or, for a cancellation, drops the
// pending request it names.
func (m *Machine) ReceiveRoomKeyRequest(senderUserID string, content event.RoomKeyRequestContent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch content.Action {
	case event.ActionRequest:
		if content.Body == nil {
			m.log.Warn("room key request without body", "sender", senderUserID)
			return
		}
		m.incoming[requestKey(senderUserID, content.RequestID)] = incomingRequest{
			senderUserID: senderUserID,
			content:      content,
		}
	case event.ActionRequestCancellation:
		delete(m.incoming, requestKey(senderUserID, content.RequestID))
		deviceKey := types.DeviceKey(senderUserID, content.RequestingDeviceID)
		pending := m.blocked[deviceKey]
		kept := pending[:0]
		for _, req := range pending {
			if req.content.RequestID != content.RequestID {
				kept = append(kept, req)
			}
		}
		if len(kept) == 0 {
			delete(m.blocked, deviceKey)
		} else {
			m.blocked[deviceKey] = kept
		}
	default:
		m.log.Warn("unknown room key request action", "action", content.Action)
	}
}

// RetryKeyshare re-queues every share previously blocked on the given
// device; called when the session manager announces a new Olm session for
// it.
func (m *Machine) RetryKeyshare(userID, deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deviceKey := types.DeviceKey(userID, deviceID)
	for _, req := range m.blocked[deviceKey] {
		m.incoming[requestKey(req.senderUserID, req.content.RequestID)] = req
	}
	delete(m.blocked, deviceKey)
}

// CollectIncomingKeyRequests drains the queue and serves every allowed
// request, returning the outgoing forwarded-key to-device requests; the Olm
// sessions those forwards advanced are persisted here through SaveChanges.
// Requests whose device has no Olm session yet move to the blocked set for
// a later retry.
func (m *Machine) CollectIncomingKeyRequests(ctx context.Context) ([]*event.ToDeviceRequest, error) {
	m.mu.Lock()
	queued := make([]incomingRequest, 0, len(m.incoming))
	for _, req := range m.incoming {
		queued = append(queued, req)
	}
	m.incoming = make(map[string]incomingRequest)
	m.mu.Unlock()

	changes := &store.Changes{}
	var requests []*event.ToDeviceRequest
	for _, req := range queued {
		out, err := m.serve(ctx, req, changes)
		if err != nil {
			if errors.Is(err, session.ErrMissingSession) {
				m.mu.Lock()
				deviceKey := types.DeviceKey(req.senderUserID, req.content.RequestingDeviceID)
				m.blocked[deviceKey] = append(m.blocked[deviceKey], req)
				m.mu.Unlock()
				continue
			}
			m.log.Warn("cannot serve key request",
				"sender", req.senderUserID, "device_id", req.content.RequestingDeviceID, "error", err)
			continue
		}
		if out != nil {
			requests = append(requests, out)
		}
	}

	if err := m.store.SaveChanges(ctx, changes); err != nil {
		return nil, fmt.Errorf("collect key requests: %w", err)
	}
	return requests, nil
}

func (m *Machine) serve(ctx context.Context, req incomingRequest, changes *store.Changes) (*event.ToDeviceRequest, error) {
	device, err := m.store.GetDevice(ctx, req.senderUserID, req.content.RequestingDeviceID)
	if err != nil {
		return nil, fmt.Errorf("requesting device unknown: %w", err)
	}
	if !m.shouldShare(req.senderUserID, device) {
		m.log.Info("refusing key request from untrusted device",
			"user_id", req.senderUserID, "device_id", device.DeviceID)
		return nil, nil
	}

	body := req.content.Body
	forwarded, err := m.sessions.ExportSession(ctx, body.RoomID, body.SenderKey, body.SessionID)
	if err != nil {
		var missing *inbound.MissingSessionError
		if errors.As(err, &missing) {
			// We don't have the session either; nothing to serve.
			return nil, nil
		}
		return nil, err
	}

	content, err := json.Marshal(forwarded)
	if err != nil {
		return nil, err
	}
	encrypted, updated, err := m.enc.EncryptToDevice(ctx, device, event.TypeForwardedRoomKey, content)
	if err != nil {
		return nil, err
	}
	changes.Sessions = append(changes.Sessions, updated)

	out := &event.ToDeviceRequest{Type: event.TypeRoomEncrypted, TxnID: uuid.New().String()}
	if err := out.AddMessage(device.UserID, device.DeviceID, encrypted); err != nil {
		return nil, err
	}
	m.log.Info("serving room key request",
		"user_id", device.UserID, "device_id", device.DeviceID,
		"room_id", body.RoomID, "session_id", body.SessionID)
	return out, nil
}

// shouldShare is the key-sharing policy: blocked or deleted devices are
// refused; among our own user's devices only this device itself or a
// verified device is served, and other users only through a verified
// device.
func (m *Machine) shouldShare(requester string, device *types.Device) bool {
	if device.Blocked || device.Deleted {
		return false
	}
	if requester == m.ownUserID {
		return device.DeviceID == m.ownDeviceID || device.Verified
	}
	return device.Verified
}

// BlockedCount reports how many shares are waiting on a new Olm session,
// used by tests.
func (m *Machine) BlockedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, reqs := range m.blocked {
		n += len(reqs)
	}
	return n
}
