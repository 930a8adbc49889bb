package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/n42/matrix-crypto-core/internal/cryptoadapter"
	"github.com/n42/matrix-crypto-core/internal/types"
)

// sqliteSchema creates every table the engine needs if it doesn't already
// exist. The schema is small and stable enough that a single idempotent
// DDL batch, run once at Open, stands in for versioned migrations — there
// is no second schema version to migrate between yet.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS account (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	pickle TEXT NOT NULL,
	pickle_key TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS olm_session (
	sender_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	pickle TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_used TIMESTAMP NOT NULL,
	PRIMARY KEY (sender_key, session_id)
);
CREATE TABLE IF NOT EXISTS inbound_group_session (
	room_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	pickle TEXT NOT NULL,
	first_known_index INTEGER NOT NULL,
	claimed_ed25519_key TEXT NOT NULL,
	forwarding_chain TEXT NOT NULL,
	imported BOOLEAN NOT NULL,
	backed_up BOOLEAN NOT NULL,
	history_visibility TEXT NOT NULL,
	key_backup_version TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (room_id, sender_key, session_id)
);
CREATE TABLE IF NOT EXISTS outbound_group_session (
	room_id TEXT PRIMARY KEY,
	pickle TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	shared BOOLEAN NOT NULL,
	invalidated BOOLEAN NOT NULL,
	settings TEXT NOT NULL,
	shared_with TEXT NOT NULL,
	pending_requests TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS device (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	curve25519_key TEXT NOT NULL,
	ed25519_key TEXT NOT NULL,
	algorithms TEXT NOT NULL,
	display_name TEXT NOT NULL,
	signatures TEXT NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT 0,
	blocked BOOLEAN NOT NULL DEFAULT 0,
	verified BOOLEAN NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, device_id)
);
CREATE TABLE IF NOT EXISTS user_identity (
	user_id TEXT PRIMARY KEY,
	master_key TEXT NOT NULL,
	self_signing_key TEXT NOT NULL,
	user_signing_key TEXT NOT NULL,
	master_key_signatures TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tracked_user (
	user_id TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS backup_progress (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version TEXT NOT NULL,
	last_backed_up_session_id TEXT NOT NULL
);
`

// SQLite is the on-disk embedded Store backend, backed by
// modernc.org/sqlite — pure Go, no cgo.
type SQLite struct {
	db *sql.DB

	mu           sync.Mutex
	sessionLists map[string]*SessionList
}

// OpenSQLite opens (creating if necessary) a SQLite-backed store at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serialises writers; avoid SQLITE_BUSY churn
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLite{db: db, sessionLists: make(map[string]*SessionList)}, nil
}

// newSQLiteForTesting wraps an already-open *sql.DB (typically a
// go-sqlmock connection) without issuing DDL, for unit tests that want to
// assert on the exact queries this backend issues.
func newSQLiteForTesting(db *sql.DB) *SQLite {
	return &SQLite{db: db, sessionLists: make(map[string]*SessionList)}
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) LoadAccount(ctx context.Context) (*cryptoadapter.Account, string, error) {
	var pickle, key string
	err := s.db.QueryRowContext(ctx, `SELECT pickle, pickle_key FROM account WHERE id = 1`).Scan(&pickle, &key)
	if err == sql.ErrNoRows {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("load account: %w", err)
	}
	var keyBytes []byte
	if key != "" {
		keyBytes = []byte(key)
	}
	account, err := cryptoadapter.UnpickleAccount(pickle, keyBytes)
	if err != nil {
		return nil, "", fmt.Errorf("unpickle account: %w", err)
	}
	return account, key, nil
}

func (s *SQLite) SaveAccount(ctx context.Context, account *cryptoadapter.Account, pickleKey string) error {
	pickle, err := account.Pickle([]byte(pickleKey))
	if err != nil {
		return fmt.Errorf("pickle account: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO account (id, pickle, pickle_key) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET pickle = excluded.pickle, pickle_key = excluded.pickle_key
	`, pickle, pickleKey)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

func (s *SQLite) GetSessions(ctx context.Context, senderKey string) (*SessionList, error) {
	s.mu.Lock()
	if list, ok := s.sessionLists[senderKey]; ok {
		s.mu.Unlock()
		return list, nil
	}
	s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, pickle, created_at, last_used FROM olm_session
		WHERE sender_key = ? ORDER BY last_used DESC
	`, senderKey)
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}
	defer rows.Close()

	list := &SessionList{Mu: &sync.Mutex{}}
	for rows.Next() {
		var rec StoredSession
		rec.SenderKey = senderKey
		if err := rows.Scan(&rec.SessionID, &rec.Pickle, &rec.CreatedAt, &rec.LastUsed); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		list.Sessions = append(list.Sessions, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.sessionLists[senderKey]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.sessionLists[senderKey] = list
	s.mu.Unlock()
	return list, nil
}

func (s *SQLite) SaveSessions(ctx context.Context, senderKey string, sessions []*StoredSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save sessions: %w", err)
	}
	for _, sess := range sessions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO olm_session (sender_key, session_id, pickle, created_at, last_used)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (sender_key, session_id) DO UPDATE SET
				pickle = excluded.pickle, last_used = excluded.last_used
		`, senderKey, sess.SessionID, sess.Pickle, sess.CreatedAt, sess.LastUsed); err != nil {
			tx.Rollback()
			return fmt.Errorf("save session %s: %w", sess.SessionID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save sessions: commit: %w", err)
	}

	s.mu.Lock()
	delete(s.sessionLists, senderKey) // force a reload on next GetSessions
	s.mu.Unlock()
	return nil
}

func (s *SQLite) GetInboundGroupSession(ctx context.Context, roomID, senderKey, sessionID string) (*StoredInboundGroupSession, error) {
	var rec StoredInboundGroupSession
	var chain string
	rec.RoomID, rec.SenderKey, rec.SessionID = roomID, senderKey, sessionID
	err := s.db.QueryRowContext(ctx, `
		SELECT pickle, first_known_index, claimed_ed25519_key, forwarding_chain, imported, backed_up,
			history_visibility, key_backup_version
		FROM inbound_group_session WHERE room_id = ? AND sender_key = ? AND session_id = ?
	`, roomID, senderKey, sessionID).Scan(&rec.Pickle, &rec.FirstKnownIndex, &rec.ClaimedEd25519Key, &chain,
		&rec.Imported, &rec.BackedUp, &rec.HistoryVisibility, &rec.KeyBackupVersion)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get inbound group session: %w", err)
	}
	if chain != "" {
		if err := json.Unmarshal([]byte(chain), &rec.ForwardingChain); err != nil {
			return nil, fmt.Errorf("decode forwarding chain: %w", err)
		}
	}
	return &rec, nil
}

// sqlConn is the slice of *sql.DB and *sql.Tx the save helpers need, so
// the same statement code runs standalone or inside SaveChanges' single
// transaction.
type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) SaveInboundGroupSessions(ctx context.Context, sessions []*StoredInboundGroupSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save inbound group sessions: %w", err)
	}
	if err := s.saveInboundGroupSessionsOn(ctx, tx, sessions); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save inbound group sessions: commit: %w", err)
	}
	return nil
}

func (s *SQLite) saveInboundGroupSessionsOn(ctx context.Context, c sqlConn, sessions []*StoredInboundGroupSession) error {
	for _, rec := range sessions {
		var existingIndex uint32
		err := c.QueryRowContext(ctx, `
			SELECT first_known_index FROM inbound_group_session
			WHERE room_id = ? AND sender_key = ? AND session_id = ?
		`, rec.RoomID, rec.SenderKey, rec.SessionID).Scan(&existingIndex)
		if err == nil && existingIndex < rec.FirstKnownIndex {
			continue // keep the wider window already stored
		}
		chain, err := json.Marshal(rec.ForwardingChain)
		if err != nil {
			return fmt.Errorf("encode forwarding chain: %w", err)
		}
		if _, err := c.ExecContext(ctx, `
			INSERT INTO inbound_group_session (room_id, sender_key, session_id, pickle, first_known_index,
				claimed_ed25519_key, forwarding_chain, imported, backed_up, history_visibility, key_backup_version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (room_id, sender_key, session_id) DO UPDATE SET
				pickle = excluded.pickle, first_known_index = excluded.first_known_index,
				claimed_ed25519_key = excluded.claimed_ed25519_key, forwarding_chain = excluded.forwarding_chain,
				imported = excluded.imported, backed_up = excluded.backed_up,
				history_visibility = excluded.history_visibility, key_backup_version = excluded.key_backup_version
		`, rec.RoomID, rec.SenderKey, rec.SessionID, rec.Pickle, rec.FirstKnownIndex,
			rec.ClaimedEd25519Key, string(chain), rec.Imported, rec.BackedUp, rec.HistoryVisibility, rec.KeyBackupVersion); err != nil {
			return fmt.Errorf("save inbound group session %s: %w", rec.SessionID, err)
		}
	}
	return nil
}

func (s *SQLite) GetOutboundGroupSession(ctx context.Context, roomID string) (*StoredOutboundGroupSession, error) {
	rec := &StoredOutboundGroupSession{RoomID: roomID}
	var settingsJSON, sharedWithJSON, pendingJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT pickle, created_at, shared, invalidated, settings, shared_with, pending_requests
		FROM outbound_group_session WHERE room_id = ?
	`, roomID).Scan(&rec.Pickle, &rec.CreatedAt, &rec.Shared, &rec.Invalidated, &settingsJSON, &sharedWithJSON, &pendingJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbound group session: %w", err)
	}
	type settingsWire struct {
		Algorithm          string
		RotationPeriodNS   int64
		RotationPeriodMsgs uint32
		HistoryVisibility  types.HistoryVisibility
	}
	var sw settingsWire
	if err := json.Unmarshal([]byte(settingsJSON), &sw); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	rec.Settings = types.EncryptionSettings{
		Algorithm:          sw.Algorithm,
		RotationPeriod:     time.Duration(sw.RotationPeriodNS),
		RotationPeriodMsgs: sw.RotationPeriodMsgs,
		HistoryVisibility:  sw.HistoryVisibility,
	}
	if err := json.Unmarshal([]byte(sharedWithJSON), &rec.SharedWith); err != nil {
		return nil, fmt.Errorf("decode shared_with: %w", err)
	}
	if err := json.Unmarshal([]byte(pendingJSON), &rec.PendingRequests); err != nil {
		return nil, fmt.Errorf("decode pending_requests: %w", err)
	}
	return rec, nil
}

func (s *SQLite) SaveOutboundGroupSession(ctx context.Context, rec *StoredOutboundGroupSession) error {
	return s.saveOutboundGroupSessionOn(ctx, s.db, rec)
}

func (s *SQLite) saveOutboundGroupSessionOn(ctx context.Context, c sqlConn, rec *StoredOutboundGroupSession) error {
	settingsJSON, err := json.Marshal(struct {
		Algorithm          string
		RotationPeriodNS   int64
		RotationPeriodMsgs uint32
		HistoryVisibility  types.HistoryVisibility
	}{rec.Settings.Algorithm, int64(rec.Settings.RotationPeriod), rec.Settings.RotationPeriodMsgs, rec.Settings.HistoryVisibility})
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if rec.SharedWith == nil {
		rec.SharedWith = map[string]map[string]types.ShareInfo{}
	}
	if rec.PendingRequests == nil {
		rec.PendingRequests = map[string][]PendingShare{}
	}
	sharedWithJSON, err := json.Marshal(rec.SharedWith)
	if err != nil {
		return fmt.Errorf("encode shared_with: %w", err)
	}
	pendingJSON, err := json.Marshal(rec.PendingRequests)
	if err != nil {
		return fmt.Errorf("encode pending_requests: %w", err)
	}
	_, err = c.ExecContext(ctx, `
		INSERT INTO outbound_group_session (room_id, pickle, created_at, shared, invalidated, settings, shared_with, pending_requests)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (room_id) DO UPDATE SET
			pickle = excluded.pickle, created_at = excluded.created_at, shared = excluded.shared,
			invalidated = excluded.invalidated, settings = excluded.settings,
			shared_with = excluded.shared_with, pending_requests = excluded.pending_requests
	`, rec.RoomID, rec.Pickle, rec.CreatedAt, rec.Shared, rec.Invalidated, string(settingsJSON), string(sharedWithJSON), string(pendingJSON))
	if err != nil {
		return fmt.Errorf("save outbound group session: %w", err)
	}
	return nil
}

func (s *SQLite) GetDevice(ctx context.Context, userID, deviceID string) (*types.Device, error) {
	return scanDevice(s.db.QueryRowContext(ctx, `
		SELECT user_id, device_id, curve25519_key, ed25519_key, algorithms, display_name, signatures, deleted, blocked, verified
		FROM device WHERE user_id = ? AND device_id = ?
	`, userID, deviceID))
}

func (s *SQLite) GetDeviceFromCurveKey(ctx context.Context, userID, curveKey string) (*types.Device, error) {
	return scanDevice(s.db.QueryRowContext(ctx, `
		SELECT user_id, device_id, curve25519_key, ed25519_key, algorithms, display_name, signatures, deleted, blocked, verified
		FROM device WHERE user_id = ? AND curve25519_key = ?
	`, userID, curveKey))
}

func scanDevice(row *sql.Row) (*types.Device, error) {
	var d types.Device
	var algorithmsJSON, signaturesJSON string
	err := row.Scan(&d.UserID, &d.DeviceID, &d.Curve25519Key, &d.Ed25519Key, &algorithmsJSON, &d.DisplayName, &signaturesJSON, &d.Deleted, &d.Blocked, &d.Verified)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	if err := json.Unmarshal([]byte(algorithmsJSON), &d.Algorithms); err != nil {
		return nil, fmt.Errorf("decode algorithms: %w", err)
	}
	if err := json.Unmarshal([]byte(signaturesJSON), &d.Signatures); err != nil {
		return nil, fmt.Errorf("decode signatures: %w", err)
	}
	return &d, nil
}

func (s *SQLite) GetDevicesForUser(ctx context.Context, userID string) ([]*types.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, device_id, curve25519_key, ed25519_key, algorithms, display_name, signatures, deleted, blocked, verified
		FROM device WHERE user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("get devices for user: %w", err)
	}
	defer rows.Close()
	var out []*types.Device
	for rows.Next() {
		var d types.Device
		var algorithmsJSON, signaturesJSON string
		if err := rows.Scan(&d.UserID, &d.DeviceID, &d.Curve25519Key, &d.Ed25519Key, &algorithmsJSON, &d.DisplayName, &signaturesJSON, &d.Deleted, &d.Blocked, &d.Verified); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if err := json.Unmarshal([]byte(algorithmsJSON), &d.Algorithms); err != nil {
			return nil, fmt.Errorf("decode algorithms: %w", err)
		}
		if err := json.Unmarshal([]byte(signaturesJSON), &d.Signatures); err != nil {
			return nil, fmt.Errorf("decode signatures: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *SQLite) GetIdentity(ctx context.Context, userID string) (*types.UserIdentity, error) {
	var id types.UserIdentity
	var sigJSON string
	id.UserID = userID
	err := s.db.QueryRowContext(ctx, `
		SELECT master_key, self_signing_key, user_signing_key, master_key_signatures
		FROM user_identity WHERE user_id = ?
	`, userID).Scan(&id.MasterKey, &id.SelfSigningKey, &id.UserSigningKey, &sigJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	if err := json.Unmarshal([]byte(sigJSON), &id.MasterKeySignatures); err != nil {
		return nil, fmt.Errorf("decode master key signatures: %w", err)
	}
	return &id, nil
}

// SaveChanges persists every field of changes inside one transaction, so
// observers either see all of it or none of it.
func (s *SQLite) SaveChanges(ctx context.Context, changes *Changes) error {
	if changes.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save changes: %w", err)
	}
	defer func() {
		if tx != nil {
			tx.Rollback()
		}
	}()

	bySender := make(map[string][]*StoredSession)
	for _, sess := range changes.Sessions {
		bySender[sess.SenderKey] = append(bySender[sess.SenderKey], sess)
	}
	for senderKey, sessions := range bySender {
		for _, sess := range sessions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO olm_session (sender_key, session_id, pickle, created_at, last_used)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (sender_key, session_id) DO UPDATE SET pickle = excluded.pickle, last_used = excluded.last_used
			`, senderKey, sess.SessionID, sess.Pickle, sess.CreatedAt, sess.LastUsed); err != nil {
				return fmt.Errorf("save session: %w", err)
			}
		}
	}
	if err := s.saveInboundGroupSessionsOn(ctx, tx, changes.InboundGroupSessions); err != nil {
		return err
	}
	for _, o := range changes.OutboundGroupSessions {
		if err := s.saveOutboundGroupSessionOn(ctx, tx, o); err != nil {
			return err
		}
	}
	for _, d := range changes.Devices {
		algorithmsJSON, _ := json.Marshal(d.Algorithms)
		signaturesJSON, _ := json.Marshal(d.Signatures)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO device (user_id, device_id, curve25519_key, ed25519_key, algorithms, display_name, signatures, deleted, blocked, verified)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, device_id) DO UPDATE SET
				curve25519_key = excluded.curve25519_key, ed25519_key = excluded.ed25519_key,
				algorithms = excluded.algorithms, display_name = excluded.display_name,
				signatures = excluded.signatures, deleted = excluded.deleted,
				blocked = excluded.blocked, verified = excluded.verified
		`, d.UserID, d.DeviceID, d.Curve25519Key, d.Ed25519Key, string(algorithmsJSON), d.DisplayName, string(signaturesJSON), d.Deleted, d.Blocked, d.Verified); err != nil {
			return fmt.Errorf("save device: %w", err)
		}
	}
	for _, id := range changes.Identities {
		sigJSON, _ := json.Marshal(id.MasterKeySignatures)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_identity (user_id, master_key, self_signing_key, user_signing_key, master_key_signatures)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				master_key = excluded.master_key, self_signing_key = excluded.self_signing_key,
				user_signing_key = excluded.user_signing_key, master_key_signatures = excluded.master_key_signatures
		`, id.UserID, id.MasterKey, id.SelfSigningKey, id.UserSigningKey, string(sigJSON)); err != nil {
			return fmt.Errorf("save identity: %w", err)
		}
	}
	for _, u := range changes.TrackedUsers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tracked_user (user_id) VALUES (?) ON CONFLICT DO NOTHING`, u); err != nil {
			return fmt.Errorf("save tracked user: %w", err)
		}
	}
	if changes.BackupProgress != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backup_progress (id, version, last_backed_up_session_id) VALUES (1, ?, ?)
			ON CONFLICT (id) DO UPDATE SET version = excluded.version, last_backed_up_session_id = excluded.last_backed_up_session_id
		`, changes.BackupProgress.Version, changes.BackupProgress.LastBackedUpSessionID); err != nil {
			return fmt.Errorf("save backup progress: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save changes: commit: %w", err)
	}
	tx = nil

	s.mu.Lock()
	for senderKey := range bySender {
		delete(s.sessionLists, senderKey)
	}
	s.mu.Unlock()
	return nil
}

func (s *SQLite) MarkTracked(ctx context.Context, users []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark tracked: %w", err)
	}
	for _, u := range users {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tracked_user (user_id) VALUES (?) ON CONFLICT DO NOTHING`, u); err != nil {
			tx.Rollback()
			return fmt.Errorf("mark tracked %s: %w", u, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) UsersToQuery(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM tracked_user`)
	if err != nil {
		return nil, fmt.Errorf("users to query: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

var _ Store = (*SQLite)(nil)
