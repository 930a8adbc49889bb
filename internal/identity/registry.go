// Package identity is the device and user-identity registry: remote
// device records, signature verification on key-query responses, and key
// lookup by Curve25519.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/n42/matrix-crypto-core/internal/cryptoadapter"
	"github.com/n42/matrix-crypto-core/internal/store"
	"github.com/n42/matrix-crypto-core/internal/types"
)

// Registry failure modes.
var (
	ErrInvalidSignature = errors.New("identity: invalid signature")
	ErrUnknownDevice     = errors.New("identity: unknown device")
	// ErrKeyChanged is not itself fatal: it's surfaced so any outbound
	// group session that previously shared to this device rotates.
	ErrKeyChanged = errors.New("identity: device key changed")
)

// DeviceKeysPayload is the subset of a /keys/query response device entry
// this registry needs: the claimed keys and the self-signature over them.
type DeviceKeysPayload struct {
	UserID     string
	DeviceID   string
	Algorithms []string
	Keys       map[string]string // "curve25519:<device_id>" / "ed25519:<device_id>" -> base64 key
	Signatures map[string]map[string]string
	DisplayName string
}

// Registry owns remote device and cross-signing identity records, verifying
// every signature before a record is trusted.
type Registry struct {
	log   *slog.Logger
	store store.Store
}

// New constructs a Registry over the given store capability.
func New(log *slog.Logger, s store.Store) *Registry {
	return &Registry{log: log, store: s}
}

// GetDevice looks up a device by (user, device) id.
func (r *Registry) GetDevice(ctx context.Context, userID, deviceID string) (*types.Device, error) {
	return r.store.GetDevice(ctx, userID, deviceID)
}

// GetDevicesForUser lists every known device of a user.
func (r *Registry) GetDevicesForUser(ctx context.Context, userID string) ([]*types.Device, error) {
	return r.store.GetDevicesForUser(ctx, userID)
}

// GetDeviceFromCurveKey finds the device whose Curve25519 identity key
// ("sender key") matches, used to resolve an incoming Olm/Megolm message's
// origin.
func (r *Registry) GetDeviceFromCurveKey(ctx context.Context, userID, curveKey string) (*types.Device, error) {
	return r.store.GetDeviceFromCurveKey(ctx, userID, curveKey)
}

// ProcessKeyQueryResponse verifies and records every device in payloads. For
// each device whose self-signature fails to verify, the device is rejected
// (logged, not added to updated); for an existing device whose keys have
// changed, KeyChanged is set on the returned DeviceUpdate so callers (the
// engine machine, which invalidates the outbound sessions shared with that
// device) know to rotate any session that previously shared to it.
func (r *Registry) ProcessKeyQueryResponse(ctx context.Context, payloads []DeviceKeysPayload) ([]DeviceUpdate, error) {
	var updates []DeviceUpdate
	for _, payload := range payloads {
		device, err := r.verifyAndBuildDevice(payload)
		if err != nil {
			r.log.Warn("rejecting device from key query",
				"user_id", payload.UserID, "device_id", payload.DeviceID, "error", err)
			continue
		}

		existing, err := r.store.GetDevice(ctx, payload.UserID, payload.DeviceID)
		keyChanged := err == nil && existing != nil && device.SenderKeyChanged(existing.Curve25519Key)

		updates = append(updates, DeviceUpdate{Device: device, KeyChanged: keyChanged})
	}
	return updates, nil
}

// DeviceUpdate is one verified device record from a key-query response,
// annotated with whether it represents a sender-key change for a
// previously-known device.
type DeviceUpdate struct {
	Device     *types.Device
	KeyChanged bool
}

func (r *Registry) verifyAndBuildDevice(payload DeviceKeysPayload) (*types.Device, error) {
	ed25519Key, ok := payload.Keys[fmt.Sprintf("ed25519:%s", payload.DeviceID)]
	if !ok {
		return nil, fmt.Errorf("%w: missing ed25519 key", ErrInvalidSignature)
	}
	curveKey, ok := payload.Keys[fmt.Sprintf("curve25519:%s", payload.DeviceID)]
	if !ok {
		return nil, fmt.Errorf("%w: missing curve25519 key", ErrInvalidSignature)
	}

	userSigs, ok := payload.Signatures[payload.UserID]
	if !ok {
		return nil, fmt.Errorf("%w: no signature from %s", ErrInvalidSignature, payload.UserID)
	}
	sig, ok := userSigs[fmt.Sprintf("ed25519:%s", payload.DeviceID)]
	if !ok {
		return nil, fmt.Errorf("%w: no self-signature found", ErrInvalidSignature)
	}

	signed := struct {
		Algorithms []string          `json:"algorithms"`
		DeviceID   string            `json:"device_id"`
		Keys       map[string]string `json:"keys"`
		UserID     string            `json:"user_id"`
	}{payload.Algorithms, payload.DeviceID, payload.Keys, payload.UserID}

	if err := cryptoadapter.VerifySignature(ed25519Key, signed, sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return &types.Device{
		UserID:        payload.UserID,
		DeviceID:      payload.DeviceID,
		Curve25519Key: curveKey,
		Ed25519Key:    ed25519Key,
		Algorithms:    payload.Algorithms,
		DisplayName:   payload.DisplayName,
		Signatures:    payload.Signatures,
	}, nil
}

// UserIdentityPayload is a cross-signing key-query response entry.
type UserIdentityPayload struct {
	UserID              string
	MasterKey           string
	SelfSigningKey      string
	UserSigningKey      string
	MasterKeySignatures map[string]map[string]string
}

// ProcessUserIdentity verifies and returns a UserIdentity, or an error if
// any carried signature fails verification — an identity with one bad
// signature is rejected in whole, not partially trusted. Every master-key
// signature under the identity's own user ID is checked against
// trustedSigningKey; when trustedSigningKey is empty, no signature is
// checked.
func (r *Registry) ProcessUserIdentity(payload UserIdentityPayload, trustedSigningKey string) (*types.UserIdentity, error) {
	if trustedSigningKey != "" {
		sigs, ok := payload.MasterKeySignatures[payload.UserID]
		if !ok || len(sigs) == 0 {
			return nil, fmt.Errorf("%w: no master key signature from %s", ErrInvalidSignature, payload.UserID)
		}
		for keyID, sig := range sigs {
			if err := cryptoadapter.VerifySignature(trustedSigningKey, payload.MasterKey, sig); err != nil {
				return nil, fmt.Errorf("%w: master key signature %s: %v", ErrInvalidSignature, keyID, err)
			}
		}
	}
	return &types.UserIdentity{
		UserID:              payload.UserID,
		MasterKey:           payload.MasterKey,
		SelfSigningKey:      payload.SelfSigningKey,
		UserSigningKey:      payload.UserSigningKey,
		MasterKeySignatures: payload.MasterKeySignatures,
	}, nil
}

// GetIdentity returns a previously-stored cross-signing identity.
func (r *Registry) GetIdentity(ctx context.Context, userID string) (*types.UserIdentity, error) {
	return r.store.GetIdentity(ctx, userID)
}
