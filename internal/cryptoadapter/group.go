package cryptoadapter

import (
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/crypto/olm"
)

// OutboundGroupSession wraps the library's Megolm sending ratchet: a
// device's half of a room key, advanced by one for every message it
// encrypts. The creation instant travels with the pickle so rotation-by-age
// survives a restart.
type OutboundGroupSession struct {
	inner     olm.OutboundGroupSession
	createdAt int64 // unix millis, set by caller at construction
}

// NewOutboundGroupSession creates a fresh Megolm session with a random
// starting ratchet.
func NewOutboundGroupSession(createdAtUnixMillis int64) (*OutboundGroupSession, error) {
	inner := olm.NewOutboundGroupSession()
	return &OutboundGroupSession{inner: inner, createdAt: createdAtUnixMillis}, nil
}

func (s *OutboundGroupSession) ID() string            { return s.inner.ID().String() }
func (s *OutboundGroupSession) MessageIndex() uint32  { return uint32(s.inner.MessageIndex()) }
func (s *OutboundGroupSession) CreatedAt() int64      { return s.createdAt }

// SessionKey exports the current ratchet position so recipients can build
// a matching InboundGroupSession able to decrypt from this index forward.
func (s *OutboundGroupSession) SessionKey() string {
	return s.inner.Key()
}

// Encrypt authenticates and signs plaintext under the current ratchet
// position, then advances the ratchet.
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (string, error) {
	ciphertext, err := s.inner.Encrypt(plaintext)
	if err != nil {
		return "", fmt.Errorf("group encrypt: %w", err)
	}
	return string(ciphertext), nil
}

// outboundGroupSessionPickle is the stored shape: the library's opaque
// pickle plus this wrapper's metadata.
type outboundGroupSessionPickle struct {
	Pickle    string `json:"pickle"`
	CreatedAt int64  `json:"created_at"`
}

// Pickle serializes the session, encrypted with key (or the fixed
// unencrypted-mode key when empty).
func (s *OutboundGroupSession) Pickle(key []byte) (string, error) {
	pickled, err := s.inner.Pickle(pickleKeyOrDefault(key))
	if err != nil {
		return "", fmt.Errorf("pickle outbound group session: %w", err)
	}
	raw, err := json.Marshal(outboundGroupSessionPickle{
		Pickle:    string(pickled),
		CreatedAt: s.createdAt,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// UnpickleOutboundGroupSession restores a session previously serialized
// with Pickle.
func UnpickleOutboundGroupSession(serialized string, key []byte) (*OutboundGroupSession, error) {
	var p outboundGroupSessionPickle
	if err := json.Unmarshal([]byte(serialized), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPickleKey, err)
	}
	inner, err := olm.OutboundGroupSessionFromPickled([]byte(p.Pickle), pickleKeyOrDefault(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPickleKey, err)
	}
	return &OutboundGroupSession{inner: inner, createdAt: p.CreatedAt}, nil
}

// InboundGroupSession wraps the recipient's half of a Megolm room key: it
// can decrypt any message at or after FirstKnownIndex but, being a one-way
// ratchet, can never recover an earlier one.
type InboundGroupSession struct {
	inner olm.InboundGroupSession
}

// NewInboundGroupSessionFromKey builds an InboundGroupSession from a
// session key freshly exported by SessionKey, as delivered in an
// m.room_key event.
func NewInboundGroupSessionFromKey(sessionKey string) (*InboundGroupSession, error) {
	inner, err := olm.NewInboundGroupSession([]byte(sessionKey))
	if err != nil {
		return nil, fmt.Errorf("new inbound group session: %w", err)
	}
	return &InboundGroupSession{inner: inner}, nil
}

// ImportInboundGroupSession builds an InboundGroupSession from an exported
// session key, as carried by m.forwarded_room_key events and key backups.
func ImportInboundGroupSession(exportedKey string) (*InboundGroupSession, error) {
	inner, err := olm.InboundGroupSessionImport([]byte(exportedKey))
	if err != nil {
		return nil, fmt.Errorf("import inbound group session: %w", err)
	}
	return &InboundGroupSession{inner: inner}, nil
}

func (s *InboundGroupSession) ID() string              { return s.inner.ID().String() }
func (s *InboundGroupSession) FirstKnownIndex() uint32 { return s.inner.FirstKnownIndex() }

// Decrypt verifies the signature and MAC on an encrypted Megolm message
// and decrypts it, returning the message index alongside the plaintext. It
// cannot decrypt a message whose index is before FirstKnownIndex.
func (s *InboundGroupSession) Decrypt(ciphertextB64 string) (plaintext []byte, messageIndex uint32, err error) {
	plaintext, index, err := s.inner.Decrypt([]byte(ciphertextB64))
	if err != nil {
		return nil, 0, fmt.Errorf("group decrypt: %w", err)
	}
	return plaintext, uint32(index), nil
}

// Export hands out the ratchet state at idx, clamped up to
// FirstKnownIndex — it can never export a wider window than the session
// itself remembers.
func (s *InboundGroupSession) Export(idx uint32) (string, error) {
	if first := s.inner.FirstKnownIndex(); idx < first {
		idx = first
	}
	exported, err := s.inner.Export(idx)
	if err != nil {
		return "", fmt.Errorf("export inbound group session: %w", err)
	}
	return string(exported), nil
}

// Pickle serializes the session, encrypted with key (or the fixed
// unencrypted-mode key when empty).
func (s *InboundGroupSession) Pickle(key []byte) (string, error) {
	pickled, err := s.inner.Pickle(pickleKeyOrDefault(key))
	if err != nil {
		return "", fmt.Errorf("pickle inbound group session: %w", err)
	}
	return string(pickled), nil
}

// UnpickleInboundGroupSession restores a session previously serialized with
// Pickle.
func UnpickleInboundGroupSession(serialized string, key []byte) (*InboundGroupSession, error) {
	inner, err := olm.InboundGroupSessionFromPickled([]byte(serialized), pickleKeyOrDefault(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPickleKey, err)
	}
	return &InboundGroupSession{inner: inner}, nil
}
