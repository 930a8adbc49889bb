// Package store defines the single persistence capability the rest of the
// engine calls through: accounts, pairwise Olm sessions, Megolm
// inbound/outbound group sessions, devices, cross-signing identities, and
// the tracked-user set. Three concrete backends are provided: an in-memory
// one (memory.go, also the test double template), an on-disk one
// (sqlite.go, modernc.org/sqlite) and an optional networked one
// (postgres.go, lib/pq) for a shared deployment.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/n42/matrix-crypto-core/internal/cryptoadapter"
	"github.com/n42/matrix-crypto-core/internal/types"
)

// ErrNotFound is returned by single-row lookups (account, device, inbound
// group session) when nothing matches. Batch lookups return an empty slice
// instead.
var ErrNotFound = errors.New("store: not found")

// StoredSession is one pickled pairwise Olm session plus the metadata the
// engine needs without unpickling it.
type StoredSession struct {
	SenderKey string
	SessionID string
	Pickle    string
	CreatedAt time.Time
	LastUsed  time.Time
}

// SessionList is a shared, lockable session container: every caller that
// asks for a sender key's sessions gets the same backing slice and the
// same *sync.Mutex, ordered most-recently-used first. The most
// recently used valid session is always Sessions[0] once a caller has
// called Touch.
type SessionList struct {
	Mu       *sync.Mutex
	Sessions []*StoredSession
}

// Best returns the most-recently-used session, or nil if the list is empty.
func (l *SessionList) Best() *StoredSession {
	if len(l.Sessions) == 0 {
		return nil
	}
	return l.Sessions[0]
}

// Oldest returns the session with the earliest CreatedAt, used by the
// pairwise session manager to decide whether a device's only session is old
// enough to be considered for un-wedging.
func (l *SessionList) Oldest() *StoredSession {
	if len(l.Sessions) == 0 {
		return nil
	}
	oldest := l.Sessions[0]
	for _, s := range l.Sessions[1:] {
		if s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	return oldest
}

// Touch moves the session with the given id to the front of the list,
// marking it the "best" session for future encryption, and is a no-op if
// the id isn't present.
func (l *SessionList) Touch(sessionID string) {
	for i, s := range l.Sessions {
		if s.SessionID == sessionID {
			if i != 0 {
				l.Sessions = append([]*StoredSession{s}, append(l.Sessions[:i], l.Sessions[i+1:]...)...)
			}
			l.Sessions[0].LastUsed = time.Now()
			return
		}
	}
}

// StoredInboundGroupSession is one persisted Megolm decryption session.
type StoredInboundGroupSession struct {
	RoomID            string
	SenderKey         string
	SessionID         string
	Pickle            string
	FirstKnownIndex   uint32
	ClaimedEd25519Key string
	// ForwardingChain lists, oldest first, the Ed25519 key of each device
	// that re-forwarded this session key before it reached us.
	ForwardingChain   []string
	Imported          bool
	BackedUp          bool
	HistoryVisibility types.HistoryVisibility
	KeyBackupVersion  string
}

// PendingShare is a recipient device the outbound engine has tentatively
// included in an unacknowledged to-device request.
type PendingShare struct {
	UserID       string
	DeviceID     string
	SenderKey    string
	MessageIndex uint32
}

// StoredOutboundGroupSession is one persisted Megolm encryption session
// along with its share bookkeeping.
type StoredOutboundGroupSession struct {
	RoomID      string
	Pickle      string
	CreatedAt   time.Time
	Shared      bool
	Invalidated bool
	Settings    types.EncryptionSettings
	// SharedWith maps user id -> device id -> share info, for devices the
	// session is known to have shared its key with.
	SharedWith map[string]map[string]types.ShareInfo
	// PendingRequests maps an outstanding to-device request id to the
	// tentative set of shares it will commit once acknowledged.
	PendingRequests map[string][]PendingShare
}

// IsSharedWith reports whether device (userID, deviceID) already has this
// session's key, and if so whether it's still valid for the device's
// current sender key.
func (s *StoredOutboundGroupSession) IsSharedWith(userID, deviceID, currentSenderKey string) types.ShareState {
	byUser, ok := s.SharedWith[userID]
	if !ok {
		return types.ShareState{Kind: types.NotShared}
	}
	info, ok := byUser[deviceID]
	if !ok {
		return types.ShareState{Kind: types.NotShared}
	}
	if info.SenderKey != currentSenderKey {
		return types.ShareState{Kind: types.SharedButChangedSenderKey}
	}
	return types.ShareState{Kind: types.Shared, Index: info.MessageIndex}
}

// BackupProgress records how far inbound-group-session export to a server
// key backup has progressed.
type BackupProgress struct {
	Version                string
	LastBackedUpSessionID  string
}

// Changes is the unit `SaveChanges` persists atomically: everything a
// single key-claim response, room-key share, or decrypt cycle can produce.
// A key-claim response alone may create sessions, new devices, retried
// key-share requests, and dummy to-device messages, and these must land
// together or not at all.
type Changes struct {
	Sessions              []*StoredSession
	InboundGroupSessions  []*StoredInboundGroupSession
	OutboundGroupSessions []*StoredOutboundGroupSession
	Devices               []*types.Device
	Identities            []*types.UserIdentity
	TrackedUsers          []string
	BackupProgress        *BackupProgress
}

// Empty reports whether there is nothing to persist.
func (c *Changes) Empty() bool {
	return c == nil ||
		(len(c.Sessions) == 0 && len(c.InboundGroupSessions) == 0 &&
			len(c.OutboundGroupSessions) == 0 && len(c.Devices) == 0 &&
			len(c.Identities) == 0 && len(c.TrackedUsers) == 0 &&
			c.BackupProgress == nil)
}

// Store is the single behavioural interface every other component reads
// and writes through.
type Store interface {
	LoadAccount(ctx context.Context) (*cryptoadapter.Account, string, error)
	SaveAccount(ctx context.Context, account *cryptoadapter.Account, pickleKey string) error

	GetSessions(ctx context.Context, senderKey string) (*SessionList, error)
	SaveSessions(ctx context.Context, senderKey string, sessions []*StoredSession) error

	GetInboundGroupSession(ctx context.Context, roomID, senderKey, sessionID string) (*StoredInboundGroupSession, error)
	SaveInboundGroupSessions(ctx context.Context, sessions []*StoredInboundGroupSession) error

	GetOutboundGroupSession(ctx context.Context, roomID string) (*StoredOutboundGroupSession, error)
	SaveOutboundGroupSession(ctx context.Context, session *StoredOutboundGroupSession) error

	GetDevice(ctx context.Context, userID, deviceID string) (*types.Device, error)
	GetDevicesForUser(ctx context.Context, userID string) ([]*types.Device, error)
	GetDeviceFromCurveKey(ctx context.Context, userID, curveKey string) (*types.Device, error)

	GetIdentity(ctx context.Context, userID string) (*types.UserIdentity, error)

	SaveChanges(ctx context.Context, changes *Changes) error

	MarkTracked(ctx context.Context, users []string) error
	UsersToQuery(ctx context.Context) ([]string, error)

	Close() error
}
