// Package inbound implements the inbound group session store: accepting
// Megolm keys delivered directly or via a forwarder, decrypting room
// events against them under the provenance invariants, and exporting
// sessions for the gossip machine and server-side key backup.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/n42/matrix-crypto-core/internal/cryptoadapter"
	"github.com/n42/matrix-crypto-core/internal/event"
	"github.com/n42/matrix-crypto-core/internal/store"
	"github.com/n42/matrix-crypto-core/internal/types"
)

// Per-event decryption failures.
var (
	// ErrNotAnObject means the decrypted plaintext is not a JSON object.
	ErrNotAnObject = errors.New("inbound: decrypted payload is not an object")

	// ErrMissingCiphertext means the encrypted content carries no ciphertext.
	ErrMissingCiphertext = errors.New("inbound: missing ciphertext")
)

// MissingSessionError means no stored session can decrypt the event; the
// caller should trigger a key request through the gossip machine.
type MissingSessionError struct {
	RoomID    string
	SenderKey string
	SessionID string
}

func (e *MissingSessionError) Error() string {
	return fmt.Sprintf("inbound: no session %s for room %s sender %s", e.SessionID, e.RoomID, e.SenderKey)
}

// MismatchedRoomError means the plaintext claims a different room than the
// session was created for — an attacker replaying a key across rooms.
type MismatchedRoomError struct {
	Expected string
	Got      string
}

func (e *MismatchedRoomError) Error() string {
	return fmt.Sprintf("inbound: event claims room %q, session belongs to %q", e.Got, e.Expected)
}

// DecryptedEvent is the result of a successful room event decryption: the
// reconstructed event JSON plus the message index the caller needs for
// replay detection.
type DecryptedEvent struct {
	Raw          json.RawMessage
	Type         string
	Sender       string
	EventID      string
	RoomID       string
	MessageIndex uint32
}

// Store accepts and serves inbound Megolm sessions through the store
// capability.
type Store struct {
	log       *slog.Logger
	store     store.Store
	pickleKey []byte
}

// New constructs the inbound session store.
func New(log *slog.Logger, s store.Store, pickleKey []byte) *Store {
	return &Store{log: log, store: s, pickleKey: pickleKey}
}

// ReceiveRoomKey accepts a direct m.room_key delivery. senderKey and
// claimedEd25519 come from the Olm envelope the key arrived in, never from
// the plaintext itself. The built session is returned for inclusion in the
// caller's change batch.
func (s *Store) ReceiveRoomKey(senderKey, claimedEd25519 string, content *event.RoomKeyContent) (*store.StoredInboundGroupSession, error) {
	if content.Algorithm != types.AlgorithmMegolmV1 {
		return nil, fmt.Errorf("receive room key: %w: %s", cryptoadapter.ErrUnsupportedAlgorithm, content.Algorithm)
	}
	sess, err := cryptoadapter.NewInboundGroupSessionFromKey(content.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("receive room key: %w", err)
	}
	if content.SessionID != "" && sess.ID() != content.SessionID {
		return nil, fmt.Errorf("receive room key: session id mismatch: got %s, key yields %s", content.SessionID, sess.ID())
	}
	pickle, err := sess.Pickle(s.pickleKey)
	if err != nil {
		return nil, err
	}
	return &store.StoredInboundGroupSession{
		RoomID:            content.RoomID,
		SenderKey:         senderKey,
		SessionID:         sess.ID(),
		Pickle:            pickle,
		FirstKnownIndex:   sess.FirstKnownIndex(),
		ClaimedEd25519Key: claimedEd25519,
	}, nil
}

// ReceiveForwardedRoomKey accepts an m.forwarded_room_key re-delivery,
// extending the forwarding chain with the forwarder's curve key so the
// provenance of every hop stays on record.
func (s *Store) ReceiveForwardedRoomKey(forwarderCurveKey string, content *event.ForwardedRoomKeyContent) (*store.StoredInboundGroupSession, error) {
	if content.Algorithm != types.AlgorithmMegolmV1 {
		return nil, fmt.Errorf("receive forwarded room key: %w: %s", cryptoadapter.ErrUnsupportedAlgorithm, content.Algorithm)
	}
	sess, err := cryptoadapter.ImportInboundGroupSession(content.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("receive forwarded room key: %w", err)
	}
	if content.SessionID != "" && sess.ID() != content.SessionID {
		return nil, fmt.Errorf("receive forwarded room key: session id mismatch")
	}
	pickle, err := sess.Pickle(s.pickleKey)
	if err != nil {
		return nil, err
	}
	chain := append(append([]string{}, content.ForwardingCurve25519KeyChain...), forwarderCurveKey)
	return &store.StoredInboundGroupSession{
		RoomID:            content.RoomID,
		SenderKey:         content.SenderKey,
		SessionID:         sess.ID(),
		Pickle:            pickle,
		FirstKnownIndex:   sess.FirstKnownIndex(),
		ClaimedEd25519Key: content.SenderClaimedEd25519Key,
		ForwardingChain:   chain,
		Imported:          true,
	}, nil
}

// Save persists a batch of accepted sessions. The store's upsert keeps the
// record with the lower first-known index on conflict, so a later, narrower
// re-delivery can never shrink an existing decryption window.
func (s *Store) Save(ctx context.Context, sessions ...*store.StoredInboundGroupSession) error {
	return s.store.SaveInboundGroupSessions(ctx, sessions)
}

// ImportFromBackup imports a session key recovered from server-side key
// backup, recording the backup version it came from. Trust of the backup
// itself is the identity registry's concern; this only validates that the
// key yields the session id the backup claimed.
func (s *Store) ImportFromBackup(ctx context.Context, version, roomID, senderKey, sessionID, sessionKey, claimedEd25519 string) (*store.StoredInboundGroupSession, error) {
	sess, err := cryptoadapter.ImportInboundGroupSession(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("import from backup: %w", err)
	}
	if sess.ID() != sessionID {
		return nil, fmt.Errorf("import from backup: key yields session %s, backup claims %s", sess.ID(), sessionID)
	}
	pickle, err := sess.Pickle(s.pickleKey)
	if err != nil {
		return nil, err
	}
	record := &store.StoredInboundGroupSession{
		RoomID:            roomID,
		SenderKey:         senderKey,
		SessionID:         sessionID,
		Pickle:            pickle,
		FirstKnownIndex:   sess.FirstKnownIndex(),
		ClaimedEd25519Key: claimedEd25519,
		Imported:          true,
		BackedUp:          true,
		KeyBackupVersion:  version,
	}
	if err := s.store.SaveInboundGroupSessions(ctx, []*store.StoredInboundGroupSession{record}); err != nil {
		return nil, err
	}
	return record, nil
}

// ExportSession exports the stored session at its first-known index,
// wrapped as forwarded-room-key content ready for Olm encryption to the
// requesting device.
func (s *Store) ExportSession(ctx context.Context, roomID, senderKey, sessionID string) (*event.ForwardedRoomKeyContent, error) {
	record, err := s.store.GetInboundGroupSession(ctx, roomID, senderKey, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &MissingSessionError{RoomID: roomID, SenderKey: senderKey, SessionID: sessionID}
		}
		return nil, err
	}
	sess, err := cryptoadapter.UnpickleInboundGroupSession(record.Pickle, s.pickleKey)
	if err != nil {
		return nil, fmt.Errorf("export session: %w", err)
	}
	exported, err := sess.Export(record.FirstKnownIndex)
	if err != nil {
		return nil, err
	}
	return &event.ForwardedRoomKeyContent{
		Algorithm:                    types.AlgorithmMegolmV1,
		RoomID:                       roomID,
		SenderKey:                    senderKey,
		SessionID:                    sessionID,
		SessionKey:                   exported,
		SenderClaimedEd25519Key:      record.ClaimedEd25519Key,
		ForwardingCurve25519KeyChain: record.ForwardingChain,
	}, nil
}

// DecryptRoomEvent decrypts an m.room.encrypted room event: find the
// session, decrypt, inject the server-attested envelope fields, enforce
// the room binding, and surface the message index for replay detection.
func (s *Store) DecryptRoomEvent(ctx context.Context, ev *event.MegolmEvent) (*DecryptedEvent, error) {
	content := &ev.Content
	if content.Algorithm != types.AlgorithmMegolmV1 {
		return nil, fmt.Errorf("decrypt room event: %w: %s", cryptoadapter.ErrUnsupportedAlgorithm, content.Algorithm)
	}
	if content.Ciphertext == "" {
		return nil, ErrMissingCiphertext
	}

	record, err := s.store.GetInboundGroupSession(ctx, ev.RoomID, content.SenderKey, content.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &MissingSessionError{RoomID: ev.RoomID, SenderKey: content.SenderKey, SessionID: content.SessionID}
		}
		return nil, err
	}
	sess, err := cryptoadapter.UnpickleInboundGroupSession(record.Pickle, s.pickleKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt room event: %w", err)
	}

	plaintext, messageIndex, err := sess.Decrypt(content.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt room event in %s: %w", ev.RoomID, err)
	}

	// The advanced ratchet position persists even if a later check rejects
	// the event.
	pickle, err := sess.Pickle(s.pickleKey)
	if err != nil {
		return nil, err
	}
	record.Pickle = pickle
	if err := s.store.SaveInboundGroupSessions(ctx, []*store.StoredInboundGroupSession{record}); err != nil {
		return nil, err
	}

	var decrypted map[string]json.RawMessage
	if err := json.Unmarshal(plaintext, &decrypted); err != nil {
		return nil, ErrNotAnObject
	}

	// Identity fields come from the server-attested outer envelope; a
	// plaintext self-declaration of sender or event id is never trusted.
	setString := func(key, value string) {
		raw, _ := json.Marshal(value)
		decrypted[key] = raw
	}
	setString("sender", ev.Sender)
	setString("event_id", ev.EventID)
	rawTS, _ := json.Marshal(ev.OriginServerTS)
	decrypted["origin_server_ts"] = rawTS

	var claimedRoom string
	if raw, ok := decrypted["room_id"]; ok {
		_ = json.Unmarshal(raw, &claimedRoom)
	}
	if claimedRoom == "" || claimedRoom != record.RoomID {
		return nil, &MismatchedRoomError{Expected: record.RoomID, Got: claimedRoom}
	}

	if len(ev.Unsigned) > 0 {
		decrypted["unsigned"] = ev.Unsigned
	}

	// Thread anchors survive encryption: if the plaintext content lacks
	// m.relates_to but the envelope carries one, copy it in.
	if len(content.RelatesTo) > 0 {
		var inner map[string]json.RawMessage
		if raw, ok := decrypted["content"]; ok && json.Unmarshal(raw, &inner) == nil && inner != nil {
			if _, has := inner["m.relates_to"]; !has {
				inner["m.relates_to"] = content.RelatesTo
				merged, err := json.Marshal(inner)
				if err == nil {
					decrypted["content"] = merged
				}
			}
		}
	}

	var eventType string
	if raw, ok := decrypted["type"]; ok {
		_ = json.Unmarshal(raw, &eventType)
	}

	raw, err := json.Marshal(decrypted)
	if err != nil {
		return nil, err
	}
	return &DecryptedEvent{
		Raw:          raw,
		Type:         eventType,
		Sender:       ev.Sender,
		EventID:      ev.EventID,
		RoomID:       record.RoomID,
		MessageIndex: messageIndex,
	}, nil
}
