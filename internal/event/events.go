// Package event defines the Matrix wire shapes the engine consumes and
// produces: to-device event contents (room keys, key requests, verification
// messages, Olm-encrypted envelopes), the m.room.encrypted room event, and
// the outgoing request envelopes a host sync driver forwards to the
// homeserver on the engine's behalf.
package event

import (
	"encoding/json"
	"time"

	"github.com/n42/matrix-crypto-core/internal/cryptoadapter"
)

// To-device event types the engine consumes and produces.
const (
	TypeRoomKey          = "m.room_key"
	TypeForwardedRoomKey = "m.forwarded_room_key"
	TypeRoomKeyRequest   = "m.room_key_request"
	TypeRoomEncrypted    = "m.room.encrypted"
	TypeDummy            = "m.dummy"

	TypeVerificationRequest = "m.key.verification.request"
	TypeVerificationReady   = "m.key.verification.ready"
	TypeVerificationStart   = "m.key.verification.start"
	TypeVerificationAccept  = "m.key.verification.accept"
	TypeVerificationKey     = "m.key.verification.key"
	TypeVerificationMac     = "m.key.verification.mac"
	TypeVerificationDone    = "m.key.verification.done"
	TypeVerificationCancel  = "m.key.verification.cancel"
)

// AlgorithmOlmV1 is the pairwise to-device encryption algorithm.
const AlgorithmOlmV1 = "m.olm.v1.curve25519-aes-sha2"

// ToDevice is one to-device event as handed to the engine by the host's
// sync loop: the server-attested sender plus the (possibly encrypted)
// content.
type ToDevice struct {
	Sender  string          `json:"sender"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// EncryptedToDeviceContent is an m.olm.v1 to-device envelope: one Olm
// ciphertext per recipient identity key.
type EncryptedToDeviceContent struct {
	Algorithm  string                          `json:"algorithm"`
	SenderKey  string                          `json:"sender_key"`
	Ciphertext map[string]cryptoadapter.Message `json:"ciphertext"`
}

// OlmPayload is the plaintext carried inside an Olm-encrypted to-device
// message. The sender/recipient bindings exist so a decrypting device can
// detect a ciphertext that was re-addressed to it.
type OlmPayload struct {
	Type           string            `json:"type"`
	Content        json.RawMessage   `json:"content"`
	Sender         string            `json:"sender"`
	Recipient      string            `json:"recipient"`
	RecipientKeys  map[string]string `json:"recipient_keys"`
	Keys           map[string]string `json:"keys"`
}

// RoomKeyContent is the m.room_key payload delivered (Olm-encrypted) to
// each recipient of a Megolm session share.
type RoomKeyContent struct {
	Algorithm  string `json:"algorithm"`
	RoomID     string `json:"room_id"`
	SessionID  string `json:"session_id"`
	SessionKey string `json:"session_key"`
}

// ForwardedRoomKeyContent is the m.forwarded_room_key payload used when a
// third party re-delivers a session key it holds.
type ForwardedRoomKeyContent struct {
	Algorithm                     string   `json:"algorithm"`
	RoomID                        string   `json:"room_id"`
	SenderKey                     string   `json:"sender_key"`
	SessionID                     string   `json:"session_id"`
	SessionKey                    string   `json:"session_key"`
	SenderClaimedEd25519Key       string   `json:"sender_claimed_ed25519_key"`
	ForwardingCurve25519KeyChain  []string `json:"forwarding_curve25519_key_chain"`
}

// Room-key-request actions.
const (
	ActionRequest             = "request"
	ActionRequestCancellation = "request_cancellation"
)

// RequestedKeyInfo names the session an m.room_key_request asks for.
type RequestedKeyInfo struct {
	Algorithm string `json:"algorithm"`
	RoomID    string `json:"room_id"`
	SenderKey string `json:"sender_key"`
	SessionID string `json:"session_id"`
}

// RoomKeyRequestContent is the m.room_key_request payload.
type RoomKeyRequestContent struct {
	Action             string            `json:"action"`
	Body               *RequestedKeyInfo `json:"body,omitempty"`
	RequestingDeviceID string            `json:"requesting_device_id"`
	RequestID          string            `json:"request_id"`
}

// EncryptedEventContent is the content of an m.room.encrypted room event
// produced by a Megolm session. RelatesTo is copied out of the plaintext so
// servers can thread replies without decrypting.
type EncryptedEventContent struct {
	Algorithm  string          `json:"algorithm"`
	Ciphertext string          `json:"ciphertext"`
	SenderKey  string          `json:"sender_key"`
	SessionID  string          `json:"session_id"`
	DeviceID   string          `json:"device_id"`
	RelatesTo  json.RawMessage `json:"m.relates_to,omitempty"`
}

// MegolmEvent is the outer, server-attested envelope of an encrypted room
// event as handed to DecryptRoomEvent.
type MegolmEvent struct {
	Sender         string                `json:"sender"`
	Type           string                `json:"type"`
	EventID        string                `json:"event_id"`
	OriginServerTS int64                 `json:"origin_server_ts"`
	RoomID         string                `json:"room_id"`
	Content        EncryptedEventContent `json:"content"`
	Unsigned       json.RawMessage       `json:"unsigned,omitempty"`
}

// RelatesTo is the m.relates_to anchor verification events use in-room.
type RelatesTo struct {
	RelType string `json:"rel_type,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// Verification event contents. To-device flows carry TransactionID; in-room
// flows carry RelatesTo instead, anchored on the request event.
type VerificationRequestContent struct {
	FromDevice    string     `json:"from_device"`
	TransactionID string     `json:"transaction_id,omitempty"`
	Methods       []string   `json:"methods"`
	Timestamp     int64      `json:"timestamp,omitempty"`
	RelatesTo     *RelatesTo `json:"m.relates_to,omitempty"`
}

type VerificationReadyContent struct {
	FromDevice    string     `json:"from_device"`
	TransactionID string     `json:"transaction_id,omitempty"`
	Methods       []string   `json:"methods"`
	RelatesTo     *RelatesTo `json:"m.relates_to,omitempty"`
}

type VerificationStartContent struct {
	FromDevice                 string     `json:"from_device"`
	TransactionID              string     `json:"transaction_id,omitempty"`
	Method                     string     `json:"method"`
	KeyAgreementProtocols      []string   `json:"key_agreement_protocols,omitempty"`
	Hashes                     []string   `json:"hashes,omitempty"`
	MessageAuthenticationCodes []string   `json:"message_authentication_codes,omitempty"`
	ShortAuthenticationString  []string   `json:"short_authentication_string,omitempty"`
	RelatesTo                  *RelatesTo `json:"m.relates_to,omitempty"`
}

type VerificationAcceptContent struct {
	TransactionID             string     `json:"transaction_id,omitempty"`
	Method                    string     `json:"method"`
	KeyAgreementProtocol      string     `json:"key_agreement_protocol"`
	Hash                      string     `json:"hash"`
	MessageAuthenticationCode string     `json:"message_authentication_code"`
	ShortAuthenticationString []string   `json:"short_authentication_string"`
	Commitment                string     `json:"commitment"`
	RelatesTo                 *RelatesTo `json:"m.relates_to,omitempty"`
}

type VerificationKeyContent struct {
	TransactionID string     `json:"transaction_id,omitempty"`
	Key           string     `json:"key"`
	RelatesTo     *RelatesTo `json:"m.relates_to,omitempty"`
}

type VerificationMacContent struct {
	TransactionID string            `json:"transaction_id,omitempty"`
	Mac           map[string]string `json:"mac"`
	Keys          string            `json:"keys"`
	RelatesTo     *RelatesTo        `json:"m.relates_to,omitempty"`
}

type VerificationDoneContent struct {
	TransactionID string     `json:"transaction_id,omitempty"`
	RelatesTo     *RelatesTo `json:"m.relates_to,omitempty"`
}

type VerificationCancelContent struct {
	TransactionID string     `json:"transaction_id,omitempty"`
	Code          string     `json:"code"`
	Reason        string     `json:"reason"`
	RelatesTo     *RelatesTo `json:"m.relates_to,omitempty"`
}

// ToDeviceRequest is one outgoing /sendToDevice call the host must forward:
// messages maps user id -> device id -> event content. The host echoes
// TxnID back through MarkRequestAsSent once the server acknowledges it.
type ToDeviceRequest struct {
	Type     string                                `json:"event_type"`
	TxnID    string                                `json:"txn_id"`
	Messages map[string]map[string]json.RawMessage `json:"messages"`
}

// AddMessage records one recipient's content, allocating nested maps as
// needed.
func (r *ToDeviceRequest) AddMessage(userID, deviceID string, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	if r.Messages == nil {
		r.Messages = make(map[string]map[string]json.RawMessage)
	}
	if r.Messages[userID] == nil {
		r.Messages[userID] = make(map[string]json.RawMessage)
	}
	r.Messages[userID][deviceID] = raw
	return nil
}

// DeviceCount returns how many recipient devices the request addresses.
func (r *ToDeviceRequest) DeviceCount() int {
	n := 0
	for _, devices := range r.Messages {
		n += len(devices)
	}
	return n
}

// KeysClaimRequest is an outgoing /keys/claim call: user id -> device id ->
// key algorithm. The request id is ephemeral until the response comes back.
type KeysClaimRequest struct {
	RequestID   string                       `json:"request_id"`
	OneTimeKeys map[string]map[string]string `json:"one_time_keys"`
	Timeout     time.Duration                `json:"timeout"`
}

// SignedOneTimeKey is one claimed key with the owning device's signature.
type SignedOneTimeKey struct {
	Key        string                       `json:"key"`
	Signatures map[string]map[string]string `json:"signatures"`
}

// KeysClaimResponse is the homeserver's answer to a KeysClaimRequest.
type KeysClaimResponse struct {
	OneTimeKeys map[string]map[string]map[string]SignedOneTimeKey `json:"one_time_keys"`
}
