package store

import (
	"context"
	"sync"

	"github.com/n42/matrix-crypto-core/internal/cryptoadapter"
	"github.com/n42/matrix-crypto-core/internal/types"
)

// Memory is an in-memory Store, used by tests and by the host-driver demo
// when no on-disk backend is configured. It's also the template the
// sqlite/postgres backends' tests build their expectations from.
type Memory struct {
	mu sync.Mutex

	account     *cryptoadapter.Account
	pickleKey   string

	sessionLists map[string]*SessionList // sender key -> sessions

	inbound map[string]*StoredInboundGroupSession // room|sender|session -> record

	outbound map[string]*StoredOutboundGroupSession // room -> record

	devices map[string]*types.Device // "user|device" -> record

	identities map[string]*types.UserIdentity // user -> record

	tracked map[string]bool

	backup *BackupProgress
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessionLists: make(map[string]*SessionList),
		inbound:      make(map[string]*StoredInboundGroupSession),
		outbound:     make(map[string]*StoredOutboundGroupSession),
		devices:      make(map[string]*types.Device),
		identities:   make(map[string]*types.UserIdentity),
		tracked:      make(map[string]bool),
	}
}

func inboundKey(room, sender, session string) string { return room + "|" + sender + "|" + session }

func (m *Memory) LoadAccount(ctx context.Context) (*cryptoadapter.Account, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.account == nil {
		return nil, "", ErrNotFound
	}
	return m.account, m.pickleKey, nil
}

func (m *Memory) SaveAccount(ctx context.Context, account *cryptoadapter.Account, pickleKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = account
	m.pickleKey = pickleKey
	return nil
}

// GetSessions returns the shared SessionList for senderKey, creating an
// empty one (with its own mutex) on first access; sessionLists itself is
// guarded by m.mu for the brief window needed to find-or-insert.
func (m *Memory) GetSessions(ctx context.Context, senderKey string) (*SessionList, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list, ok := m.sessionLists[senderKey]
	if !ok {
		list = &SessionList{Mu: &sync.Mutex{}}
		m.sessionLists[senderKey] = list
	}
	return list, nil
}

func (m *Memory) SaveSessions(ctx context.Context, senderKey string, sessions []*StoredSession) error {
	list, err := m.GetSessions(ctx, senderKey)
	if err != nil {
		return err
	}
	list.Mu.Lock()
	defer list.Mu.Unlock()
	for _, s := range sessions {
		replaced := false
		for i, existing := range list.Sessions {
			if existing.SessionID == s.SessionID {
				list.Sessions[i] = s
				replaced = true
				break
			}
		}
		if !replaced {
			list.Sessions = append(list.Sessions, s)
		}
	}
	return nil
}

// GetInboundGroupSession returns an exact (room, sender, session) match.
func (m *Memory) GetInboundGroupSession(ctx context.Context, roomID, senderKey, sessionID string) (*StoredInboundGroupSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.inbound[inboundKey(roomID, senderKey, sessionID)]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// SaveInboundGroupSessions upserts, keeping on conflict the session with
// the lower FirstKnownIndex (the wider decryption window).
func (m *Memory) SaveInboundGroupSessions(ctx context.Context, sessions []*StoredInboundGroupSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		key := inboundKey(s.RoomID, s.SenderKey, s.SessionID)
		if existing, ok := m.inbound[key]; ok && existing.FirstKnownIndex < s.FirstKnownIndex {
			continue
		}
		m.inbound[key] = s
	}
	return nil
}

func (m *Memory) GetOutboundGroupSession(ctx context.Context, roomID string) (*StoredOutboundGroupSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.outbound[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *Memory) SaveOutboundGroupSession(ctx context.Context, session *StoredOutboundGroupSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbound[session.RoomID] = session
	return nil
}

func (m *Memory) GetDevice(ctx context.Context, userID, deviceID string) (*types.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[types.DeviceKey(userID, deviceID)]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

func (m *Memory) GetDevicesForUser(ctx context.Context, userID string) ([]*types.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Device
	for _, d := range m.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) GetDeviceFromCurveKey(ctx context.Context, userID, curveKey string) (*types.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.UserID == userID && d.Curve25519Key == curveKey {
			return d, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetIdentity(ctx context.Context, userID string) (*types.UserIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identities[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return id, nil
}

// SaveChanges applies every part of changes. No part can fail, so a call
// that returns has applied all of them; the parts are applied under
// separate lock acquisitions, so a concurrent reader can observe some parts
// of a batch before the rest.
func (m *Memory) SaveChanges(ctx context.Context, changes *Changes) error {
	if changes.Empty() {
		return nil
	}
	bySender := make(map[string][]*StoredSession)
	for _, s := range changes.Sessions {
		bySender[s.SenderKey] = append(bySender[s.SenderKey], s)
	}
	for senderKey, sessions := range bySender {
		if err := m.SaveSessions(ctx, senderKey, sessions); err != nil {
			return err
		}
	}
	if len(changes.InboundGroupSessions) > 0 {
		if err := m.SaveInboundGroupSessions(ctx, changes.InboundGroupSessions); err != nil {
			return err
		}
	}
	for _, s := range changes.OutboundGroupSessions {
		if err := m.SaveOutboundGroupSession(ctx, s); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range changes.Devices {
		m.devices[types.DeviceKey(d.UserID, d.DeviceID)] = d
	}
	for _, id := range changes.Identities {
		m.identities[id.UserID] = id
	}
	for _, u := range changes.TrackedUsers {
		m.tracked[u] = true
	}
	if changes.BackupProgress != nil {
		m.backup = changes.BackupProgress
	}
	return nil
}

func (m *Memory) MarkTracked(ctx context.Context, users []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range users {
		m.tracked[u] = true
	}
	return nil
}

func (m *Memory) UsersToQuery(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tracked))
	for u := range m.tracked {
		out = append(out, u)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
