// Package types holds the shared domain records the rest of the engine
// passes between components: device and identity records, encryption
// settings, share state, and flow identifiers. Keeping these here (rather
// than in store, identity, or outbound) avoids an import cycle between the
// packages that all need to describe the same rows.
package types

import "time"

// Device is a remote (user_id, device_id) pair's public key material, as
// last seen in a /keys/query response.
type Device struct {
	UserID        string
	DeviceID      string
	Curve25519Key string
	Ed25519Key    string
	Algorithms    []string
	DisplayName   string
	// Signatures maps signing user ID -> key ID ("ed25519:<device_id>") -> signature.
	Signatures map[string]map[string]string
	Deleted    bool
	// Blocked devices are excluded from every key share.
	Blocked bool
	// Verified is set once the device has passed interactive verification
	// or is signed by a trusted cross-signing identity.
	Verified bool
}

// SenderKeyChanged reports whether this device's Curve25519 identity key no
// longer matches a previously recorded one, used by the outbound engine to
// decide a session must rotate rather than merely re-share.
func (d Device) SenderKeyChanged(previousCurve25519Key string) bool {
	return previousCurve25519Key != "" && previousCurve25519Key != d.Curve25519Key
}

// UserIdentity is a user's cross-signing key triple. SelfSigningKey signs
// that user's own devices; UserSigningKey (only populated for our own user)
// signs other users' master keys to assert trust.
type UserIdentity struct {
	UserID              string
	MasterKey           string
	SelfSigningKey      string
	UserSigningKey      string
	MasterKeySignatures map[string]map[string]string
}

// HistoryVisibility mirrors the m.room.history_visibility values relevant to
// key-sharing decisions.
type HistoryVisibility string

const (
	HistoryVisibilityJoined        HistoryVisibility = "joined"
	HistoryVisibilityShared        HistoryVisibility = "shared"
	HistoryVisibilityInvited       HistoryVisibility = "invited"
	HistoryVisibilityWorldReadable HistoryVisibility = "world_readable"
)

// AlgorithmMegolmV1 is the only group-encryption algorithm this engine
// recognises.
const AlgorithmMegolmV1 = "m.megolm.v1.aes-sha2"

// MinRotationPeriod is the floor a room's (untrusted, server-state-derived)
// rotation_period is clamped to, so a malicious room-state edit can't force
// a new outbound session on every message.
const MinRotationPeriod = time.Hour

// EncryptionSettings is the per-room Megolm configuration an outbound
// session is created with.
type EncryptionSettings struct {
	Algorithm          string
	RotationPeriod     time.Duration
	RotationPeriodMsgs uint32
	HistoryVisibility  HistoryVisibility
}

// DefaultEncryptionSettings returns the protocol defaults: 7 day rotation,
// 100 message rotation, Shared history visibility.
func DefaultEncryptionSettings() EncryptionSettings {
	return EncryptionSettings{
		Algorithm:          AlgorithmMegolmV1,
		RotationPeriod:     7 * 24 * time.Hour,
		RotationPeriodMsgs: 100,
		HistoryVisibility:  HistoryVisibilityShared,
	}
}

// EffectiveRotationPeriod clamps RotationPeriod to MinRotationPeriod.
func (s EncryptionSettings) EffectiveRotationPeriod() time.Duration {
	if s.RotationPeriod < MinRotationPeriod {
		return MinRotationPeriod
	}
	return s.RotationPeriod
}

// ShareStateKind discriminates the three cases a recipient device can be in
// relative to an outbound session, a closed enum so a caller can't
// represent an invalid state with a looser bool/index pair.
type ShareStateKind int

const (
	// NotShared means the device has never received this session's key.
	NotShared ShareStateKind = iota
	// Shared means the device already knows the key, from Index onward.
	Shared
	// SharedButChangedSenderKey means the device once knew the key under a
	// sender-key that has since changed; the whole session must rotate
	// before it can be used again, since the stale sender-key device could
	// replay.
	SharedButChangedSenderKey
)

// ShareState is the result of asking whether a device needs to (re)receive
// an outbound group session's key.
type ShareState struct {
	Kind  ShareStateKind
	Index uint32
}

// ShareInfo is what the outbound engine records per recipient device once a
// key-share request for it has been acknowledged: the sender-key the device
// was sharing with at that time, and the message index sharing happened at.
type ShareInfo struct {
	SenderKey    string
	MessageIndex uint32
}

// FlowID identifies one SAS verification conversation, either a bare
// to-device transaction id or an in-room (room, anchoring event) pair.
// Equality is by variant and content.
type FlowID struct {
	TransactionID string
	RoomID        string
	EventID       string
	InRoom        bool
}

// String renders a FlowID for logging and map keys.
func (f FlowID) String() string {
	if f.InRoom {
		return "room:" + f.RoomID + ":" + f.EventID
	}
	return "txn:" + f.TransactionID
}

// DeviceKey returns the canonical map key for a (user, device) pair.
func DeviceKey(userID, deviceID string) string {
	return userID + "|" + deviceID
}
