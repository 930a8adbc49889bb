// Package session implements the pairwise session manager: it tracks which
// (user, device) pairs lack an Olm session, issues the key-claim requests
// a host forwards to the server, turns claim responses into new outbound
// sessions, and recovers wedged sessions by claiming a fresh key and
// pushing a dummy message through it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/n42/matrix-crypto-core/internal/cryptoadapter"
	"github.com/n42/matrix-crypto-core/internal/event"
	"github.com/n42/matrix-crypto-core/internal/store"
	"github.com/n42/matrix-crypto-core/internal/types"
)

const (
	// keyClaimTimeout is the server-side timeout attached to every
	// /keys/claim request.
	keyClaimTimeout = 10 * time.Second

	// unwedgingInterval throttles session re-creation for a wedged device:
	// a new session is only claimed if the existing one is older than this,
	// so a confused counterparty can't force a claim storm.
	unwedgingInterval = time.Hour

	algorithmSignedCurve25519 = "signed_curve25519"
)

// Errors surfaced by to-device decryption.
var (
	// ErrSessionWedged means every stored session for the sender failed to
	// decrypt a non-pre-key message: our ratchet and theirs have diverged
	// and only a fresh session can recover.
	ErrSessionWedged = errors.New("session: olm session wedged")

	// ErrMissingSession means no session exists for the sender at all.
	ErrMissingSession = errors.New("session: no olm session for sender")

	// ErrMismatchedSender means the decrypted payload's sender bindings
	// don't match the envelope it arrived in.
	ErrMismatchedSender = errors.New("session: payload sender mismatch")

	errNotOurMessage = errors.New("session: no ciphertext addressed to us")
)

// NewSessionEvent announces that a fresh outbound Olm session exists for a
// device. The gossip machine consumes these to retry key-shares that were
// blocked on the device — published over a channel so the session manager
// needs no handle back to the gossip machine, keeping the dependency
// one-directional.
type NewSessionEvent struct {
	UserID   string
	DeviceID string
}

// Manager owns the users_for_key_claim and wedged_devices maps and every
// claim/unwedge decision built on them.
type Manager struct {
	log   *slog.Logger
	store store.Store

	account   *cryptoadapter.Account
	accountMu *sync.Mutex

	ownUserID   string
	ownDeviceID string

	mu               sync.Mutex
	usersForKeyClaim map[string]map[string]bool
	wedgedDevices    map[string]map[string]bool

	newSessions chan NewSessionEvent

	pickleKey []byte
	now       func() time.Time
}

// NewManager constructs a Manager. The account mutex is shared with every
// other component that signs or generates keys through the same account.
func NewManager(log *slog.Logger, s store.Store, account *cryptoadapter.Account, accountMu *sync.Mutex, ownUserID, ownDeviceID string, pickleKey []byte) *Manager {
	return &Manager{
		log:              log,
		store:            s,
		account:          account,
		accountMu:        accountMu,
		ownUserID:        ownUserID,
		ownDeviceID:      ownDeviceID,
		usersForKeyClaim: make(map[string]map[string]bool),
		wedgedDevices:    make(map[string]map[string]bool),
		newSessions:      make(chan NewSessionEvent, 64),
		pickleKey:        pickleKey,
		now:              time.Now,
	}
}

// NewSessionEvents returns the channel new-session announcements are
// published on. The engine drains it into the gossip machine's
// RetryKeyshare.
func (m *Manager) NewSessionEvents() <-chan NewSessionEvent { return m.newSessions }

// GetMissingSessions builds a key-claim request covering every device of
// every given user that has a Curve25519 key but no stored Olm session,
// merged with the explicit users_for_key_claim set. Returns nil if there is
// nothing to claim.
func (m *Manager) GetMissingSessions(ctx context.Context, users []string) (*event.KeysClaimRequest, error) {
	missing := make(map[string]map[string]string)

	for _, userID := range users {
		devices, err := m.store.GetDevicesForUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("get missing sessions: %w", err)
		}
		for _, device := range devices {
			if device.Curve25519Key == "" || device.Deleted || device.DeviceID == m.ownDeviceID && device.UserID == m.ownUserID {
				continue
			}
			list, err := m.store.GetSessions(ctx, device.Curve25519Key)
			if err != nil {
				return nil, fmt.Errorf("get missing sessions: %w", err)
			}
			list.Mu.Lock()
			empty := len(list.Sessions) == 0
			list.Mu.Unlock()
			if empty {
				if missing[userID] == nil {
					missing[userID] = make(map[string]string)
				}
				missing[userID][device.DeviceID] = algorithmSignedCurve25519
			}
		}
	}

	m.mu.Lock()
	for userID, devices := range m.usersForKeyClaim {
		for deviceID := range devices {
			if missing[userID] == nil {
				missing[userID] = make(map[string]string)
			}
			missing[userID][deviceID] = algorithmSignedCurve25519
		}
	}
	m.mu.Unlock()

	if len(missing) == 0 {
		return nil, nil
	}
	return &event.KeysClaimRequest{
		RequestID:   uuid.New().String(),
		OneTimeKeys: missing,
		Timeout:     keyClaimTimeout,
	}, nil
}

// MarkDeviceAsWedged queues a device for session re-creation, but only if
// its oldest stored session has been alive for longer than the unwedging
// interval — a no-op otherwise.
func (m *Manager) MarkDeviceAsWedged(ctx context.Context, sender, curveKey string) error {
	device, err := m.store.GetDeviceFromCurveKey(ctx, sender, curveKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.log.Warn("cannot unwedge unknown device", "user_id", sender, "sender_key", curveKey)
			return nil
		}
		return fmt.Errorf("mark wedged: %w", err)
	}

	list, err := m.store.GetSessions(ctx, curveKey)
	if err != nil {
		return fmt.Errorf("mark wedged: %w", err)
	}
	list.Mu.Lock()
	oldest := list.Oldest()
	list.Mu.Unlock()
	if oldest == nil || m.now().Sub(oldest.CreatedAt) <= unwedgingInterval {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usersForKeyClaim[device.UserID] == nil {
		m.usersForKeyClaim[device.UserID] = make(map[string]bool)
	}
	m.usersForKeyClaim[device.UserID][device.DeviceID] = true
	if m.wedgedDevices[device.UserID] == nil {
		m.wedgedDevices[device.UserID] = make(map[string]bool)
	}
	m.wedgedDevices[device.UserID][device.DeviceID] = true
	m.log.Info("device marked as wedged", "user_id", device.UserID, "device_id", device.DeviceID)
	return nil
}

// IsDeviceWedged reports whether the device is awaiting unwedge recovery.
func (m *Manager) IsDeviceWedged(userID, deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wedgedDevices[userID][deviceID]
}

// ReceiveKeysClaimResponse turns each claimed one-time key into a new
// outbound Olm session. Per-device failures are logged and skipped; the
// whole batch persists through one SaveChanges. For every device that was
// wedged, a dummy to-device request is returned so the counterparty builds
// its inbound session immediately.
func (m *Manager) ReceiveKeysClaimResponse(ctx context.Context, resp *event.KeysClaimResponse) ([]*event.ToDeviceRequest, error) {
	changes := &store.Changes{}
	var dummies []*event.ToDeviceRequest

	for userID, userDevices := range resp.OneTimeKeys {
		for deviceID, keys := range userDevices {
			device, err := m.store.GetDevice(ctx, userID, deviceID)
			if err != nil {
				m.log.Warn("claimed key for unknown device",
					"user_id", userID, "device_id", deviceID, "error", err)
				continue
			}

			stored, err := m.createOutboundSession(device, keys)
			if err != nil {
				m.log.Warn("error creating outbound olm session",
					"user_id", userID, "device_id", deviceID, "error", err)
				continue
			}
			changes.Sessions = append(changes.Sessions, stored)

			select {
			case m.newSessions <- NewSessionEvent{UserID: userID, DeviceID: deviceID}:
			default:
				m.log.Warn("new session event dropped, channel full",
					"user_id", userID, "device_id", deviceID)
			}

			m.mu.Lock()
			delete(m.usersForKeyClaim[userID], deviceID)
			wasWedged := m.wedgedDevices[userID][deviceID]
			delete(m.wedgedDevices[userID], deviceID)
			m.mu.Unlock()

			if wasWedged {
				req, err := m.buildDummyRequest(ctx, device, stored, changes)
				if err != nil {
					m.log.Error("error unwedging device",
						"user_id", userID, "device_id", deviceID, "error", err)
					continue
				}
				dummies = append(dummies, req)
			}
		}
	}

	if err := m.store.SaveChanges(ctx, changes); err != nil {
		return nil, fmt.Errorf("receive keys claim response: %w", err)
	}
	return dummies, nil
}

// createOutboundSession validates the claimed key's signature against the
// device's Ed25519 key and builds the session: an unsigned key, a missing
// curve key, or a bad signature each reject this device only.
func (m *Manager) createOutboundSession(device *types.Device, keys map[string]event.SignedOneTimeKey) (*store.StoredSession, error) {
	if device.Curve25519Key == "" {
		return nil, fmt.Errorf("device %s/%s has no curve25519 key", device.UserID, device.DeviceID)
	}

	var oneTimeKey event.SignedOneTimeKey
	found := false
	for _, key := range keys {
		oneTimeKey, found = key, true
		break
	}
	if !found {
		return nil, errors.New("no one-time key in claim response")
	}

	sigs, ok := oneTimeKey.Signatures[device.UserID]
	if !ok {
		return nil, errors.New("one-time key not signed")
	}
	sig, ok := sigs["ed25519:"+device.DeviceID]
	if !ok {
		return nil, errors.New("one-time key not signed by device")
	}
	signed := struct {
		Key string `json:"key"`
	}{oneTimeKey.Key}
	if err := cryptoadapter.VerifySignature(device.Ed25519Key, signed, sig); err != nil {
		return nil, fmt.Errorf("one-time key signature: %w", err)
	}

	m.accountMu.Lock()
	sess, err := m.account.CreateOutbound(device.Curve25519Key, oneTimeKey.Key)
	m.accountMu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.pickleSession(sess, device.Curve25519Key, m.now())
}

func (m *Manager) pickleSession(sess *cryptoadapter.Session, senderKey string, createdAt time.Time) (*store.StoredSession, error) {
	pickle, err := sess.Pickle(m.pickleKey)
	if err != nil {
		return nil, err
	}
	return &store.StoredSession{
		SenderKey: senderKey,
		SessionID: sess.ID(),
		Pickle:    pickle,
		CreatedAt: createdAt,
		LastUsed:  createdAt,
	}, nil
}

func (m *Manager) buildDummyRequest(ctx context.Context, device *types.Device, fresh *store.StoredSession, changes *store.Changes) (*event.ToDeviceRequest, error) {
	content, updated, err := m.encryptWithSession(device, fresh, event.TypeDummy, json.RawMessage("{}"))
	if err != nil {
		return nil, err
	}
	changes.Sessions = append(changes.Sessions, updated)

	req := &event.ToDeviceRequest{Type: event.TypeRoomEncrypted, TxnID: uuid.New().String()}
	if err := req.AddMessage(device.UserID, device.DeviceID, content); err != nil {
		return nil, err
	}
	return req, nil
}

// EncryptToDevice Olm-encrypts an event for one device using its best
// stored session, returning the m.room.encrypted to-device content and the
// re-pickled session the caller must persist.
func (m *Manager) EncryptToDevice(ctx context.Context, device *types.Device, eventType string, content json.RawMessage) (*event.EncryptedToDeviceContent, *store.StoredSession, error) {
	if device.Curve25519Key == "" {
		return nil, nil, fmt.Errorf("encrypt to device %s/%s: no curve25519 key", device.UserID, device.DeviceID)
	}
	list, err := m.store.GetSessions(ctx, device.Curve25519Key)
	if err != nil {
		return nil, nil, err
	}
	list.Mu.Lock()
	best := list.Best()
	list.Mu.Unlock()
	if best == nil {
		return nil, nil, fmt.Errorf("%w: %s/%s", ErrMissingSession, device.UserID, device.DeviceID)
	}
	encrypted, updated, err := m.encryptWithSession(device, best, eventType, content)
	if err != nil {
		return nil, nil, err
	}
	list.Mu.Lock()
	list.Touch(updated.SessionID)
	list.Mu.Unlock()
	return encrypted, updated, nil
}

func (m *Manager) encryptWithSession(device *types.Device, stored *store.StoredSession, eventType string, content json.RawMessage) (*event.EncryptedToDeviceContent, *store.StoredSession, error) {
	sess, err := cryptoadapter.UnpickleSession(stored.Pickle, m.pickleKey)
	if err != nil {
		return nil, nil, fmt.Errorf("unpickle session %s: %w", stored.SessionID, err)
	}

	m.accountMu.Lock()
	ownEd25519, ownCurve25519 := m.account.IdentityKeys()
	m.accountMu.Unlock()

	payload, err := json.Marshal(event.OlmPayload{
		Type:          eventType,
		Content:       content,
		Sender:        m.ownUserID,
		Recipient:     device.UserID,
		RecipientKeys: map[string]string{"ed25519": device.Ed25519Key},
		Keys:          map[string]string{"ed25519": ownEd25519},
	})
	if err != nil {
		return nil, nil, err
	}

	msg, err := sess.Encrypt(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("olm encrypt for %s/%s: %w", device.UserID, device.DeviceID, err)
	}
	pickle, err := sess.Pickle(m.pickleKey)
	if err != nil {
		return nil, nil, err
	}
	updated := &store.StoredSession{
		SenderKey: stored.SenderKey,
		SessionID: stored.SessionID,
		Pickle:    pickle,
		CreatedAt: stored.CreatedAt,
		LastUsed:  m.now(),
	}
	return &event.EncryptedToDeviceContent{
		Algorithm:  event.AlgorithmOlmV1,
		SenderKey:  ownCurve25519,
		Ciphertext: map[string]cryptoadapter.Message{device.Curve25519Key: msg},
	}, updated, nil
}

// DecryptToDevice decrypts an Olm-encrypted to-device envelope from
// senderUserID, trying every stored session for the sender key and, for a
// pre-key message none of them accepts, creating a new inbound session. A
// normal message no session can decrypt means the sender's view and ours
// have diverged: ErrSessionWedged is returned and the caller is expected to
// run MarkDeviceAsWedged.
func (m *Manager) DecryptToDevice(ctx context.Context, senderUserID string, content *event.EncryptedToDeviceContent) (*event.OlmPayload, error) {
	if content.Algorithm != event.AlgorithmOlmV1 {
		return nil, fmt.Errorf("decrypt to-device: %w: %s", cryptoadapter.ErrUnsupportedAlgorithm, content.Algorithm)
	}

	m.accountMu.Lock()
	ownEd25519, ownCurve25519 := m.account.IdentityKeys()
	m.accountMu.Unlock()

	msg, ok := content.Ciphertext[ownCurve25519]
	if !ok {
		return nil, errNotOurMessage
	}

	list, err := m.store.GetSessions(ctx, content.SenderKey)
	if err != nil {
		return nil, err
	}

	changes := &store.Changes{}
	plaintext, err := m.tryStoredSessions(list, msg, changes)
	if err != nil && msg.Type == cryptoadapter.MessageTypePreKey {
		plaintext, err = m.createInboundAndDecrypt(content.SenderKey, msg, changes)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: sender %s key %s", ErrSessionWedged, senderUserID, content.SenderKey)
	}

	var payload event.OlmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("decrypt to-device: payload not an object: %w", err)
	}
	if payload.Sender != senderUserID || payload.Recipient != m.ownUserID {
		return nil, ErrMismatchedSender
	}
	if keys := payload.RecipientKeys; keys != nil && keys["ed25519"] != ownEd25519 {
		return nil, fmt.Errorf("%w: recipient key mismatch", ErrMismatchedSender)
	}

	if err := m.store.SaveChanges(ctx, changes); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (m *Manager) tryStoredSessions(list *store.SessionList, msg cryptoadapter.Message, changes *store.Changes) ([]byte, error) {
	list.Mu.Lock()
	stored := append([]*store.StoredSession{}, list.Sessions...)
	list.Mu.Unlock()

	var lastErr error = ErrMissingSession
	for _, candidate := range stored {
		sess, err := cryptoadapter.UnpickleSession(candidate.Pickle, m.pickleKey)
		if err != nil {
			lastErr = err
			continue
		}
		plaintext, err := sess.Decrypt(msg)
		if err != nil {
			lastErr = err
			continue
		}
		pickle, err := sess.Pickle(m.pickleKey)
		if err != nil {
			return nil, err
		}
		changes.Sessions = append(changes.Sessions, &store.StoredSession{
			SenderKey: candidate.SenderKey,
			SessionID: candidate.SessionID,
			Pickle:    pickle,
			CreatedAt: candidate.CreatedAt,
			LastUsed:  m.now(),
		})
		list.Mu.Lock()
		list.Touch(candidate.SessionID)
		list.Mu.Unlock()
		return plaintext, nil
	}
	return nil, lastErr
}

func (m *Manager) createInboundAndDecrypt(senderKey string, msg cryptoadapter.Message, changes *store.Changes) ([]byte, error) {
	m.accountMu.Lock()
	sess, err := m.account.CreateInbound(senderKey, msg)
	m.accountMu.Unlock()
	if err != nil {
		return nil, err
	}
	plaintext, err := sess.Decrypt(msg)
	if err != nil {
		return nil, err
	}
	stored, err := m.pickleSession(sess, senderKey, m.now())
	if err != nil {
		return nil, err
	}
	changes.Sessions = append(changes.Sessions, stored)
	return plaintext, nil
}
