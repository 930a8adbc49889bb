// Package e2ee is the public surface of the encryption engine: it
// re-exports the machine, the store capability and the wire types a host
// application needs to drive end-to-end encryption, keeping the
// implementation packages internal.
package e2ee

import (
	"context"
	"log/slog"

	"github.com/n42/matrix-crypto-core/internal/engine"
	"github.com/n42/matrix-crypto-core/internal/event"
	"github.com/n42/matrix-crypto-core/internal/inbound"
	"github.com/n42/matrix-crypto-core/internal/store"
	"github.com/n42/matrix-crypto-core/internal/types"
)

// Machine is the engine's single entry point: feed to-device events in,
// poll outgoing requests out, encrypt and decrypt room events.
type Machine = engine.Machine

// Store is the persistence capability a Machine reads and writes through.
type Store = store.Store

// Wire and domain types a host passes across the boundary.
type (
	ToDevice           = event.ToDevice
	ToDeviceRequest    = event.ToDeviceRequest
	KeysClaimRequest   = event.KeysClaimRequest
	KeysClaimResponse  = event.KeysClaimResponse
	MegolmEvent        = event.MegolmEvent
	DecryptedEvent     = inbound.DecryptedEvent
	EncryptionSettings = types.EncryptionSettings
	Device             = types.Device
	FlowID             = types.FlowID
)

// ErrStoreNotFound is returned by single-row store lookups with no match.
var ErrStoreNotFound = store.ErrNotFound

// NewMachine loads (or creates) the device's account in s and wires the
// full engine for the given user and device.
func NewMachine(ctx context.Context, log *slog.Logger, s Store, userID, deviceID, pickleKey string) (*Machine, error) {
	return engine.NewMachine(ctx, log, s, userID, deviceID, pickleKey)
}

// NewMemoryStore returns the in-memory store backend.
func NewMemoryStore() Store { return store.NewMemory() }

// OpenSQLiteStore opens (creating if necessary) the embedded on-disk
// backend at path.
func OpenSQLiteStore(path string) (Store, error) { return store.OpenSQLite(path) }

// OpenPostgresStore opens the shared/networked backend.
func OpenPostgresStore(dsn string, maxOpen, maxIdle int) (Store, error) {
	return store.OpenPostgres(dsn, maxOpen, maxIdle)
}

// DefaultEncryptionSettings returns the protocol-default per-room
// settings: 7 day rotation, 100 message rotation, shared visibility.
func DefaultEncryptionSettings() EncryptionSettings { return types.DefaultEncryptionSettings() }
