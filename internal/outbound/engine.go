// Package outbound implements the outbound group session engine: per-room
// Megolm session lifecycle — create, share, rotate, invalidate — and the
// to-device fan-out that delivers a new session key to every recipient
// device.
package outbound

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

// shareBatchSize is the target number of recipient devices per to-device
// request.
const shareBatchSize = 250

var (
	// ErrNotShared is returned by Encrypt before the session's key has been
	// fully fanned out.
	ErrNotShared = errors.New("outbound: session not yet shared")

	// ErrInvalidated is returned by Encrypt once a session has been
	// invalidated; the next share decision replaces it.
	ErrInvalidated = errors.New("outbound: session invalidated")
)

// Encrypter is the slice of the pairwise session manager the fan-out needs:
// Olm-encrypt one payload to one device.
type Encrypter interface {
	EncryptToDevice(ctx context.Context, device *types.Device, eventType string, content json.RawMessage) (*event.EncryptedToDeviceContent, *store.StoredSession, error)
}

// GroupSession pairs a live Megolm ratchet with its persisted bookkeeping
// record. All mutation happens under mu; the registry hands out the same
// *GroupSession to every caller for a room.
type GroupSession struct {
	mu     sync.Mutex
	inner  *cryptoadapter.OutboundGroupSession
	record *store.StoredOutboundGroupSession
}

// ID returns the Megolm session id.
func (g *GroupSession) ID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.ID()
}

// Shared reports whether every pending share request has been acknowledged.
func (g *GroupSession) Shared() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.record.Shared
}

// MessageIndex returns the ratchet's current message index.
func (g *GroupSession) MessageIndex() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inner.MessageIndex()
}

// Invalidate marks the session unusable for further encryption. The next
// share decision creates a replacement.
func (g *GroupSession) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record.Invalidated = true
}

// expiredLocked reports the rotation-by-use triggers: message count
// reached, or age past the clamped rotation period. Callers hold g.mu.
func (g *GroupSession) expiredLocked(now time.Time) bool {
	if g.inner.MessageIndex() >= g.record.Settings.RotationPeriodMsgs {
		return true
	}
	return now.Sub(g.record.CreatedAt) >= g.record.Settings.EffectiveRotationPeriod()
}

// Engine is the room → outbound session registry plus every lifecycle
// decision over it.
type Engine struct {
	log       *slog.Logger
	store     store.Store
	encrypter Encrypter

	ownUserID   string
	ownDeviceID string
	ownCurveKey string

	// sessions is the concurrent room → session registry; creationMu
	// serialises only the miss path (get, else lock, else check again,
	// else create).
	sessions   sync.Map
	creationMu sync.Mutex

	// requestRooms maps an in-flight share request id to its room so
	// MarkRequestAsSent can find the session without a room argument.
	requestMu    sync.Mutex
	requestRooms map[string]string

	pickleKey []byte
	now       func() time.Time
}

// NewEngine constructs the outbound engine.
func NewEngine(log *slog.Logger, s store.Store, enc Encrypter, ownUserID, ownDeviceID, ownCurveKey string, pickleKey []byte) *Engine {
	return &Engine{
		log:          log,
		store:        s,
		encrypter:    enc,
		ownUserID:    ownUserID,
		ownDeviceID:  ownDeviceID,
		ownCurveKey:  ownCurveKey,
		requestRooms: make(map[string]string),
		pickleKey:    pickleKey,
		now:          time.Now,
	}
}

// GetSession returns the room's live session, loading it from the store on
// first access, or nil if none exists yet.
func (e *Engine) GetSession(ctx context.Context, roomID string) (*GroupSession, error) {
	if cached, ok := e.sessions.Load(roomID); ok {
		return cached.(*GroupSession), nil
	}

	e.creationMu.Lock()
	defer e.creationMu.Unlock()
	if cached, ok := e.sessions.Load(roomID); ok {
		return cached.(*GroupSession), nil
	}

	record, err := e.store.GetOutboundGroupSession(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load outbound session: %w", err)
	}
	inner, err := cryptoadapter.UnpickleOutboundGroupSession(record.Pickle, e.pickleKey)
	if err != nil {
		return nil, fmt.Errorf("unpickle outbound session for %s: %w", roomID, err)
	}
	gs := &GroupSession{inner: inner, record: record}
	e.sessions.Store(roomID, gs)
	e.rememberRequestIDs(record)
	return gs, nil
}

func (e *Engine) rememberRequestIDs(record *store.StoredOutboundGroupSession) {
	e.requestMu.Lock()
	for id := range record.PendingRequests {
		e.requestRooms[id] = record.RoomID
	}
	e.requestMu.Unlock()
}

// createSession replaces (or first creates) the room's session and returns
// it together with our own inbound copy of the key — the sender decrypts
// its own messages through the normal inbound path.
func (e *Engine) createSession(ctx context.Context, roomID string, settings types.EncryptionSettings, ownEd25519 string) (*GroupSession, *store.StoredInboundGroupSession, error) {
	now := e.now()
	inner, err := cryptoadapter.NewOutboundGroupSession(now.UnixMilli())
	if err != nil {
		return nil, nil, err
	}
	pickle, err := inner.Pickle(e.pickleKey)
	if err != nil {
		return nil, nil, err
	}
	record := &store.StoredOutboundGroupSession{
		RoomID:          roomID,
		Pickle:          pickle,
		CreatedAt:       now,
		Settings:        settings,
		SharedWith:      make(map[string]map[string]types.ShareInfo),
		PendingRequests: make(map[string][]store.PendingShare),
	}
	gs := &GroupSession{inner: inner, record: record}
	e.sessions.Store(roomID, gs)

	ownInbound, err := cryptoadapter.NewInboundGroupSessionFromKey(inner.SessionKey())
	if err != nil {
		return nil, nil, err
	}
	inboundPickle, err := ownInbound.Pickle(e.pickleKey)
	if err != nil {
		return nil, nil, err
	}
	inboundRecord := &store.StoredInboundGroupSession{
		RoomID:            roomID,
		SenderKey:         e.ownCurveKey,
		SessionID:         ownInbound.ID(),
		Pickle:            inboundPickle,
		FirstKnownIndex:   ownInbound.FirstKnownIndex(),
		ClaimedEd25519Key: ownEd25519,
		HistoryVisibility: settings.HistoryVisibility,
	}

	e.log.Info("created outbound group session", "room_id", roomID, "session_id", inner.ID())
	return gs, inboundRecord, nil
}

// ShareGroupSession decides whether the room needs a fresh session (none,
// expired, invalidated, membership shrank, history visibility changed, or
// any recipient's sender key rotated), then builds the to-device fan-out
// for every device that still needs the key. Devices without a live Olm
// session are skipped — the caller runs a key-claim cycle first.
//
// users is the caller-supplied joined membership; ownEd25519 is stamped
// into our own inbound copy of a freshly created key.
func (e *Engine) ShareGroupSession(ctx context.Context, roomID string, users []string, settings types.EncryptionSettings, ownEd25519 string) ([]*event.ToDeviceRequest, error) {
	if settings.Algorithm != types.AlgorithmMegolmV1 {
		return nil, fmt.Errorf("share group session: %w: %s", cryptoadapter.ErrUnsupportedAlgorithm, settings.Algorithm)
	}

	gs, err := e.GetSession(ctx, roomID)
	if err != nil {
		return nil, err
	}

	devices, err := e.collectDevices(ctx, users)
	if err != nil {
		return nil, err
	}

	changes := &store.Changes{}
	if e.needsRotation(gs, users, devices, settings) {
		var ownInbound *store.StoredInboundGroupSession
		e.creationMu.Lock()
		gs, ownInbound, err = e.createSession(ctx, roomID, settings, ownEd25519)
		e.creationMu.Unlock()
		if err != nil {
			return nil, err
		}
		changes.InboundGroupSessions = append(changes.InboundGroupSessions, ownInbound)
	}

	requests, err := e.buildShareRequests(ctx, gs, devices, changes)
	if err != nil {
		return nil, err
	}

	gs.mu.Lock()
	if len(gs.record.PendingRequests) == 0 {
		// Nothing outstanding: every recipient already has the key.
		gs.record.Shared = true
	}
	changes.OutboundGroupSessions = append(changes.OutboundGroupSessions, gs.record)
	gs.mu.Unlock()

	if err := e.store.SaveChanges(ctx, changes); err != nil {
		return nil, fmt.Errorf("share group session: %w", err)
	}
	return requests, nil
}

func (e *Engine) collectDevices(ctx context.Context, users []string) ([]*types.Device, error) {
	var out []*types.Device
	for _, userID := range users {
		devices, err := e.store.GetDevicesForUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("collect devices for %s: %w", userID, err)
		}
		for _, d := range devices {
			if d.Deleted || d.Blocked {
				continue
			}
			if d.UserID == e.ownUserID && d.DeviceID == e.ownDeviceID {
				continue
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// needsRotation evaluates every rotation trigger against the current
// session. A nil session always rotates (first creation).
func (e *Engine) needsRotation(gs *GroupSession, users []string, devices []*types.Device, settings types.EncryptionSettings) bool {
	if gs == nil {
		return true
	}
	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.record.Invalidated || gs.expiredLocked(e.now()) {
		return true
	}
	if gs.record.Settings.HistoryVisibility != settings.HistoryVisibility {
		return true
	}

	// A user the session previously shared to who is no longer joined means
	// a member left or was kicked: the departed devices must not be able to
	// read new messages.
	joined := make(map[string]bool, len(users))
	for _, u := range users {
		joined[u] = true
	}
	for userID := range gs.record.SharedWith {
		if !joined[userID] && userID != e.ownUserID {
			e.log.Info("rotating group session, member left",
				"room_id", gs.record.RoomID, "user_id", userID)
			return true
		}
	}

	// A recipient whose sender key changed may still hold the old device's
	// copy of this key; re-sharing is not enough, the session must rotate.
	for _, d := range devices {
		state := gs.record.IsSharedWith(d.UserID, d.DeviceID, d.Curve25519Key)
		if state.Kind == types.SharedButChangedSenderKey {
			e.log.Info("rotating group session, device sender key changed",
				"room_id", gs.record.RoomID, "user_id", d.UserID, "device_id", d.DeviceID)
			return true
		}
	}
	return false
}

func (e *Engine) buildShareRequests(ctx context.Context, gs *GroupSession, devices []*types.Device, changes *store.Changes) ([]*event.ToDeviceRequest, error) {
	gs.mu.Lock()
	sessionKey := gs.inner.SessionKey()
	sessionID := gs.inner.ID()
	roomID := gs.record.RoomID
	index := gs.inner.MessageIndex()
	gs.mu.Unlock()

	keyContent, err := json.Marshal(event.RoomKeyContent{
		Algorithm:  types.AlgorithmMegolmV1,
		RoomID:     roomID,
		SessionID:  sessionID,
		SessionKey: sessionKey,
	})
	if err != nil {
		return nil, err
	}

	var needKey []*types.Device
	gs.mu.Lock()
	for _, d := range devices {
		state := gs.record.IsSharedWith(d.UserID, d.DeviceID, d.Curve25519Key)
		if state.Kind == types.NotShared {
			needKey = append(needKey, d)
		}
	}
	gs.mu.Unlock()

	var requests []*event.ToDeviceRequest
	for start := 0; start < len(needKey); start += shareBatchSize {
		end := start + shareBatchSize
		if end > len(needKey) {
			end = len(needKey)
		}

		req := &event.ToDeviceRequest{Type: event.TypeRoomEncrypted, TxnID: uuid.New().String()}
		var tentative []store.PendingShare
		for _, d := range needKey[start:end] {
			encrypted, updated, err := e.encrypter.EncryptToDevice(ctx, d, event.TypeRoomKey, keyContent)
			if err != nil {
				e.log.Warn("skipping device without olm session",
					"user_id", d.UserID, "device_id", d.DeviceID, "error", err)
				continue
			}
			if err := req.AddMessage(d.UserID, d.DeviceID, encrypted); err != nil {
				return nil, err
			}
			changes.Sessions = append(changes.Sessions, updated)
			tentative = append(tentative, store.PendingShare{
				UserID:       d.UserID,
				DeviceID:     d.DeviceID,
				SenderKey:    d.Curve25519Key,
				MessageIndex: index,
			})
		}
		if len(tentative) == 0 {
			continue
		}

		gs.mu.Lock()
		gs.record.PendingRequests[req.TxnID] = tentative
		gs.record.Shared = false
		gs.mu.Unlock()

		e.requestMu.Lock()
		e.requestRooms[req.TxnID] = roomID
		e.requestMu.Unlock()

		requests = append(requests, req)
	}
	return requests, nil
}

// MarkRequestAsSent merges an acknowledged request's tentative shares into
// the session's shared-with set; when the last pending request drains the
// session flips to shared. Idempotent: repeating an id, or presenting one
// the engine has never seen, logs and reports known=false without failing —
// a duplicate server acknowledgement must not poison the session.
func (e *Engine) MarkRequestAsSent(ctx context.Context, requestID string) (known bool, err error) {
	e.requestMu.Lock()
	roomID, ok := e.requestRooms[requestID]
	if ok {
		delete(e.requestRooms, requestID)
	}
	e.requestMu.Unlock()
	if !ok {
		e.log.Error("mark request as sent: unknown request id", "request_id", requestID)
		return false, nil
	}

	gs, err := e.GetSession(ctx, roomID)
	if err != nil || gs == nil {
		return true, err
	}

	gs.mu.Lock()
	shares, ok := gs.record.PendingRequests[requestID]
	if ok {
		for _, share := range shares {
			if gs.record.SharedWith[share.UserID] == nil {
				gs.record.SharedWith[share.UserID] = make(map[string]types.ShareInfo)
			}
			gs.record.SharedWith[share.UserID][share.DeviceID] = types.ShareInfo{
				SenderKey:    share.SenderKey,
				MessageIndex: share.MessageIndex,
			}
		}
		delete(gs.record.PendingRequests, requestID)
	}
	if len(gs.record.PendingRequests) == 0 {
		gs.record.Shared = true
	}
	record := gs.record
	gs.mu.Unlock()

	return true, e.store.SaveOutboundGroupSession(ctx, record)
}

// Encrypt wraps content as {content, room_id, type}, advances the Megolm
// ratchet, and returns the m.room.encrypted content. An m.relates_to field
// found in content is mirrored into the (unencrypted) envelope so servers
// can thread replies.
func (e *Engine) Encrypt(ctx context.Context, roomID, eventType string, content json.RawMessage) (*event.EncryptedEventContent, error) {
	gs, err := e.GetSession(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if gs == nil {
		return nil, fmt.Errorf("encrypt for %s: %w", roomID, ErrNotShared)
	}

	gs.mu.Lock()
	defer gs.mu.Unlock()

	if gs.record.Invalidated {
		return nil, fmt.Errorf("encrypt for %s: %w", roomID, ErrInvalidated)
	}
	if !gs.record.Shared {
		return nil, fmt.Errorf("encrypt for %s: %w", roomID, ErrNotShared)
	}

	plaintext, err := json.Marshal(struct {
		Content json.RawMessage `json:"content"`
		RoomID  string          `json:"room_id"`
		Type    string          `json:"type"`
	}{content, roomID, eventType})
	if err != nil {
		return nil, err
	}

	ciphertext, err := gs.inner.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt for %s: %w", roomID, err)
	}

	// The advanced ratchet must be persisted before the caller can observe
	// the ciphertext, so a crash never replays a message index.
	pickle, err := gs.inner.Pickle(e.pickleKey)
	if err != nil {
		return nil, err
	}
	gs.record.Pickle = pickle
	if err := e.store.SaveOutboundGroupSession(ctx, gs.record); err != nil {
		return nil, fmt.Errorf("persist after encrypt: %w", err)
	}

	encrypted := &event.EncryptedEventContent{
		Algorithm:  types.AlgorithmMegolmV1,
		Ciphertext: ciphertext,
		SenderKey:  e.ownCurveKey,
		SessionID:  gs.inner.ID(),
		DeviceID:   e.ownDeviceID,
	}
	var relatable struct {
		RelatesTo json.RawMessage `json:"m.relates_to"`
	}
	if err := json.Unmarshal(content, &relatable); err == nil && len(relatable.RelatesTo) > 0 {
		encrypted.RelatesTo = relatable.RelatesTo
	}
	return encrypted, nil
}

// InvalidateGroupSession marks the room's current session unusable,
// reporting whether one existed.
func (e *Engine) InvalidateGroupSession(ctx context.Context, roomID string) (bool, error) {
	gs, err := e.GetSession(ctx, roomID)
	if err != nil || gs == nil {
		return false, err
	}
	gs.Invalidate()
	gs.mu.Lock()
	record := gs.record
	gs.mu.Unlock()
	return true, e.store.SaveOutboundGroupSession(ctx, record)
}

// InvalidateSessionsSharedWith invalidates every cached session that has
// shared (or is about to share) its key with the given device — the
// registry's reaction to a sender-key change reported by the identity
// registry.
func (e *Engine) InvalidateSessionsSharedWith(ctx context.Context, userID, deviceID string) []string {
	var rooms []string
	e.sessions.Range(func(_, value any) bool {
		gs := value.(*GroupSession)
		gs.mu.Lock()
		_, shared := gs.record.SharedWith[userID][deviceID]
		if !shared {
			for _, pending := range gs.record.PendingRequests {
				for _, p := range pending {
					if p.UserID == userID && p.DeviceID == deviceID {
						shared = true
						break
					}
				}
			}
		}
		if shared && !gs.record.Invalidated {
			gs.record.Invalidated = true
			rooms = append(rooms, gs.record.RoomID)
			if err := e.store.SaveOutboundGroupSession(ctx, gs.record); err != nil {
				e.log.Error("persist invalidation", "room_id", gs.record.RoomID, "error", err)
			}
		}
		gs.mu.Unlock()
		return true
	})
	return rooms
}
