package cryptoadapter

import (
	"fmt"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"
)

// MessageType distinguishes an Olm pre-key message (carries the handshake
// material needed to bootstrap a new session) from a normal ratcheted
// message. The values are the wire values of m.olm.v1 ciphertext entries.
type MessageType int

const (
	MessageTypePreKey MessageType = 0
	MessageTypeNormal MessageType = 1
)

// Message is the wire shape of one Olm-encrypted payload.
type Message struct {
	Type MessageType `json:"type"`
	Body string      `json:"body"`
}

// Session wraps one pairwise Olm double-ratchet session between this
// account and one remote device.
type Session struct {
	inner olm.Session
}

// ID returns the session's stable identifier; both sides derive the same
// one from the session's initial ratchet state.
func (s *Session) ID() string { return s.inner.ID().String() }

// CreateOutbound starts a new session from our account to a device whose
// identity key and claimed one-time key were obtained via a key claim. The
// session's first message is a pre-key message carrying the handshake the
// recipient needs to build its inbound half.
func (a *Account) CreateOutbound(theirIdentityKeyB64, theirOneTimeKeyB64 string) (*Session, error) {
	inner, err := a.inner.NewOutboundSession(id.Curve25519(theirIdentityKeyB64), id.Curve25519(theirOneTimeKeyB64))
	if err != nil {
		return nil, fmt.Errorf("create outbound session: %w", err)
	}
	return &Session{inner: inner}, nil
}

// CreateInbound consumes the one-time key referenced by an Olm pre-key
// message from senderKey and establishes the other side of the session.
func (a *Account) CreateInbound(senderKeyB64 string, msg Message) (*Session, error) {
	if msg.Type != MessageTypePreKey {
		return nil, fmt.Errorf("create inbound session: not a pre-key message")
	}
	senderKey := id.Curve25519(senderKeyB64)
	inner, err := a.inner.NewInboundSessionFrom(&senderKey, msg.Body)
	if err != nil {
		return nil, fmt.Errorf("create inbound session: %w", err)
	}
	// The consumed one-time key must not bootstrap a second session.
	a.inner.RemoveOneTimeKeys(inner)
	return &Session{inner: inner}, nil
}

// Encrypt ratchets the sending chain forward by one message and returns the
// resulting wire message.
func (s *Session) Encrypt(plaintext []byte) (Message, error) {
	msgType, ciphertext, err := s.inner.Encrypt(plaintext)
	if err != nil {
		return Message{}, fmt.Errorf("olm encrypt: %w", err)
	}
	return Message{Type: MessageType(msgType), Body: string(ciphertext)}, nil
}

// Decrypt verifies and decrypts a wire message against the receiving
// chain, advancing it.
func (s *Session) Decrypt(msg Message) ([]byte, error) {
	plaintext, err := s.inner.Decrypt(msg.Body, id.OlmMsgType(msg.Type))
	if err != nil {
		return nil, fmt.Errorf("olm decrypt: %w", err)
	}
	return plaintext, nil
}

// Pickle serializes the session, encrypted with key (or the fixed
// unencrypted-mode key when empty).
func (s *Session) Pickle(key []byte) (string, error) {
	pickled, err := s.inner.Pickle(pickleKeyOrDefault(key))
	if err != nil {
		return "", fmt.Errorf("pickle session: %w", err)
	}
	return string(pickled), nil
}

// UnpickleSession restores a session previously serialized with Pickle.
func UnpickleSession(serialized string, key []byte) (*Session, error) {
	inner, err := olm.SessionFromPickled([]byte(serialized), pickleKeyOrDefault(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPickleKey, err)
	}
	return &Session{inner: inner}, nil
}
