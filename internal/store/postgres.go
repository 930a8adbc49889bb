package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/n42/matrix-crypto-core/internal/cryptoadapter"
	"github.com/n42/matrix-crypto-core/internal/types"
)

// postgresSchema mirrors sqliteSchema's tables with Postgres-native types
// (TIMESTAMPTZ, JSONB, $N upserts), for a shared/networked deployment where
// multiple engine instances need a common store.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS account (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	pickle TEXT NOT NULL,
	pickle_key TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS olm_session (
	sender_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	pickle TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	last_used TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (sender_key, session_id)
);
CREATE TABLE IF NOT EXISTS inbound_group_session (
	room_id TEXT NOT NULL,
	sender_key TEXT NOT NULL,
	session_id TEXT NOT NULL,
	pickle TEXT NOT NULL,
	first_known_index BIGINT NOT NULL,
	claimed_ed25519_key TEXT NOT NULL,
	forwarding_chain JSONB NOT NULL,
	imported BOOLEAN NOT NULL,
	backed_up BOOLEAN NOT NULL,
	history_visibility TEXT NOT NULL,
	key_backup_version TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (room_id, sender_key, session_id)
);
CREATE TABLE IF NOT EXISTS outbound_group_session (
	room_id TEXT PRIMARY KEY,
	pickle TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	shared BOOLEAN NOT NULL,
	invalidated BOOLEAN NOT NULL,
	settings JSONB NOT NULL,
	shared_with JSONB NOT NULL,
	pending_requests JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS device (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	curve25519_key TEXT NOT NULL,
	ed25519_key TEXT NOT NULL,
	algorithms JSONB NOT NULL,
	display_name TEXT NOT NULL,
	signatures JSONB NOT NULL,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	blocked BOOLEAN NOT NULL DEFAULT FALSE,
	verified BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (user_id, device_id)
);
CREATE TABLE IF NOT EXISTS user_identity (
	user_id TEXT PRIMARY KEY,
	master_key TEXT NOT NULL,
	self_signing_key TEXT NOT NULL,
	user_signing_key TEXT NOT NULL,
	master_key_signatures JSONB NOT NULL
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

// Postgres is the optional shared/networked Store backend for deployments
// running more than one engine instance against common state.
type Postgres struct {
	db *sql.DB

	mu           sync.Mutex
	sessionLists map[string]*SessionList
}

// OpenPostgres opens a connection pool and ensures the schema exists.
func OpenPostgres(dataSourceName string, maxOpen, maxIdle int) (*Postgres, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres store: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create postgres schema: %w", err)
	}
	return &Postgres{db: db, sessionLists: make(map[string]*SessionList)}, nil
}

// newPostgresForTesting wraps an already-open *sql.DB (typically a
// go-sqlmock connection) without pinging or issuing DDL, for unit tests
// that want to assert on the exact queries this backend issues.
func newPostgresForTesting(db *sql.DB) *Postgres {
	return &Postgres{db: db, sessionLists: make(map[string]*SessionList)}
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) LoadAccount(ctx context.Context) (*cryptoadapter.Account, string, error) {
	var pickle, key string
	err := p.db.QueryRowContext(ctx, `SELECT pickle, pickle_key FROM account WHERE id = 1`).Scan(&pickle, &key)
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

func (p *Postgres) SaveAccount(ctx context.Context, account *cryptoadapter.Account, pickleKey string) error {
	pickle, err := account.Pickle([]byte(pickleKey))
	if err != nil {
		return fmt.Errorf("pickle account: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO account (id, pickle, pickle_key) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET pickle = excluded.pickle, pickle_key = excluded.pickle_key
	`, pickle, pickleKey)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

func (p *Postgres) GetSessions(ctx context.Context, senderKey string) (*SessionList, error) {
	p.mu.Lock()
	if list, ok := p.sessionLists[senderKey]; ok {
		p.mu.Unlock()
		return list, nil
	}
	p.mu.Unlock()

	rows, err := p.db.QueryContext(ctx, `
		SELECT session_id, pickle, created_at, last_used FROM olm_session
		WHERE sender_key = $1 ORDER BY last_used DESC
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

	p.mu.Lock()
	if existing, ok := p.sessionLists[senderKey]; ok {
		p.mu.Unlock()
		return existing, nil
	}
	p.sessionLists[senderKey] = list
	p.mu.Unlock()
	return list, nil
}

func (p *Postgres) SaveSessions(ctx context.Context, senderKey string, sessions []*StoredSession) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save sessions: %w", err)
	}
	for _, sess := range sessions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO olm_session (sender_key, session_id, pickle, created_at, last_used)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (sender_key, session_id) DO UPDATE SET pickle = excluded.pickle, last_used = excluded.last_used
		`, senderKey, sess.SessionID, sess.Pickle, sess.CreatedAt, sess.LastUsed); err != nil {
			tx.Rollback()
			return fmt.Errorf("save session %s: %w", sess.SessionID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save sessions: commit: %w", err)
	}
	p.mu.Lock()
	delete(p.sessionLists, senderKey)
	p.mu.Unlock()
	return nil
}

func (p *Postgres) GetInboundGroupSession(ctx context.Context, roomID, senderKey, sessionID string) (*StoredInboundGroupSession, error) {
	var rec StoredInboundGroupSession
	var chain []byte
	rec.RoomID, rec.SenderKey, rec.SessionID = roomID, senderKey, sessionID
	err := p.db.QueryRowContext(ctx, `
		SELECT pickle, first_known_index, claimed_ed25519_key, forwarding_chain, imported, backed_up,
			history_visibility, key_backup_version
		FROM inbound_group_session WHERE room_id = $1 AND sender_key = $2 AND session_id = $3
	`, roomID, senderKey, sessionID).Scan(&rec.Pickle, &rec.FirstKnownIndex, &rec.ClaimedEd25519Key, &chain,
		&rec.Imported, &rec.BackedUp, &rec.HistoryVisibility, &rec.KeyBackupVersion)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get inbound group session: %w", err)
	}
	if len(chain) > 0 {
		if err := json.Unmarshal(chain, &rec.ForwardingChain); err != nil {
			return nil, fmt.Errorf("decode forwarding chain: %w", err)
		}
	}
	return &rec, nil
}

func (p *Postgres) SaveInboundGroupSessions(ctx context.Context, sessions []*StoredInboundGroupSession) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save inbound group sessions: %w", err)
	}
	if err := p.saveInboundGroupSessionsOn(ctx, tx, sessions); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save inbound group sessions: commit: %w", err)
	}
	return nil
}

func (p *Postgres) saveInboundGroupSessionsOn(ctx context.Context, c sqlConn, sessions []*StoredInboundGroupSession) error {
	for _, rec := range sessions {
		var existingIndex uint32
		err := c.QueryRowContext(ctx, `
			SELECT first_known_index FROM inbound_group_session
			WHERE room_id = $1 AND sender_key = $2 AND session_id = $3
		`, rec.RoomID, rec.SenderKey, rec.SessionID).Scan(&existingIndex)
		if err == nil && existingIndex < rec.FirstKnownIndex {
			continue
		}
		chain, err := json.Marshal(rec.ForwardingChain)
		if err != nil {
			return fmt.Errorf("encode forwarding chain: %w", err)
		}
		if _, err := c.ExecContext(ctx, `
			INSERT INTO inbound_group_session (room_id, sender_key, session_id, pickle, first_known_index,
				claimed_ed25519_key, forwarding_chain, imported, backed_up, history_visibility, key_backup_version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (room_id, sender_key, session_id) DO UPDATE SET
				pickle = excluded.pickle, first_known_index = excluded.first_known_index,
				claimed_ed25519_key = excluded.claimed_ed25519_key, forwarding_chain = excluded.forwarding_chain,
				imported = excluded.imported, backed_up = excluded.backed_up,
				history_visibility = excluded.history_visibility, key_backup_version = excluded.key_backup_version
		`, rec.RoomID, rec.SenderKey, rec.SessionID, rec.Pickle, rec.FirstKnownIndex,
			rec.ClaimedEd25519Key, chain, rec.Imported, rec.BackedUp, rec.HistoryVisibility, rec.KeyBackupVersion); err != nil {
			return fmt.Errorf("save inbound group session %s: %w", rec.SessionID, err)
		}
	}
	return nil
}

func (p *Postgres) GetOutboundGroupSession(ctx context.Context, roomID string) (*StoredOutboundGroupSession, error) {
	rec := &StoredOutboundGroupSession{RoomID: roomID}
	var settingsJSON, sharedWithJSON, pendingJSON []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT pickle, created_at, shared, invalidated, settings, shared_with, pending_requests
		FROM outbound_group_session WHERE room_id = $1
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
	if err := json.Unmarshal(settingsJSON, &sw); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	rec.Settings = types.EncryptionSettings{
		Algorithm:          sw.Algorithm,
		RotationPeriod:     time.Duration(sw.RotationPeriodNS),
		RotationPeriodMsgs: sw.RotationPeriodMsgs,
		HistoryVisibility:  sw.HistoryVisibility,
	}
	if err := json.Unmarshal(sharedWithJSON, &rec.SharedWith); err != nil {
		return nil, fmt.Errorf("decode shared_with: %w", err)
	}
	if err := json.Unmarshal(pendingJSON, &rec.PendingRequests); err != nil {
		return nil, fmt.Errorf("decode pending_requests: %w", err)
	}
	return rec, nil
}

func (p *Postgres) SaveOutboundGroupSession(ctx context.Context, rec *StoredOutboundGroupSession) error {
	return p.saveOutboundGroupSessionOn(ctx, p.db, rec)
}

func (p *Postgres) saveOutboundGroupSessionOn(ctx context.Context, c sqlConn, rec *StoredOutboundGroupSession) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (room_id) DO UPDATE SET
			pickle = excluded.pickle, created_at = excluded.created_at, shared = excluded.shared,
			invalidated = excluded.invalidated, settings = excluded.settings,
			shared_with = excluded.shared_with, pending_requests = excluded.pending_requests
	`, rec.RoomID, rec.Pickle, rec.CreatedAt, rec.Shared, rec.Invalidated, settingsJSON, sharedWithJSON, pendingJSON)
	if err != nil {
		return fmt.Errorf("save outbound group session: %w", err)
	}
	return nil
}

func (p *Postgres) GetDevice(ctx context.Context, userID, deviceID string) (*types.Device, error) {
	return scanDevicePG(p.db.QueryRowContext(ctx, `
		SELECT user_id, device_id, curve25519_key, ed25519_key, algorithms, display_name, signatures, deleted, blocked, verified
		FROM device WHERE user_id = $1 AND device_id = $2
	`, userID, deviceID))
}

func (p *Postgres) GetDeviceFromCurveKey(ctx context.Context, userID, curveKey string) (*types.Device, error) {
	return scanDevicePG(p.db.QueryRowContext(ctx, `
		SELECT user_id, device_id, curve25519_key, ed25519_key, algorithms, display_name, signatures, deleted, blocked, verified
		FROM device WHERE user_id = $1 AND curve25519_key = $2
	`, userID, curveKey))
}

func scanDevicePG(row *sql.Row) (*types.Device, error) {
	var d types.Device
	var algorithmsJSON, signaturesJSON []byte
	err := row.Scan(&d.UserID, &d.DeviceID, &d.Curve25519Key, &d.Ed25519Key, &algorithmsJSON, &d.DisplayName, &signaturesJSON, &d.Deleted, &d.Blocked, &d.Verified)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	if err := json.Unmarshal(algorithmsJSON, &d.Algorithms); err != nil {
		return nil, fmt.Errorf("decode algorithms: %w", err)
	}
	if err := json.Unmarshal(signaturesJSON, &d.Signatures); err != nil {
		return nil, fmt.Errorf("decode signatures: %w", err)
	}
	return &d, nil
}

func (p *Postgres) GetDevicesForUser(ctx context.Context, userID string) ([]*types.Device, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, device_id, curve25519_key, ed25519_key, algorithms, display_name, signatures, deleted, blocked, verified
		FROM device WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("get devices for user: %w", err)
	}
	defer rows.Close()
	var out []*types.Device
	for rows.Next() {
		var d types.Device
		var algorithmsJSON, signaturesJSON []byte
		if err := rows.Scan(&d.UserID, &d.DeviceID, &d.Curve25519Key, &d.Ed25519Key, &algorithmsJSON, &d.DisplayName, &signaturesJSON, &d.Deleted, &d.Blocked, &d.Verified); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if err := json.Unmarshal(algorithmsJSON, &d.Algorithms); err != nil {
			return nil, fmt.Errorf("decode algorithms: %w", err)
		}
		if err := json.Unmarshal(signaturesJSON, &d.Signatures); err != nil {
			return nil, fmt.Errorf("decode signatures: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (p *Postgres) GetIdentity(ctx context.Context, userID string) (*types.UserIdentity, error) {
	var id types.UserIdentity
	var sigJSON []byte
	id.UserID = userID
	err := p.db.QueryRowContext(ctx, `
		SELECT master_key, self_signing_key, user_signing_key, master_key_signatures
		FROM user_identity WHERE user_id = $1
	`, userID).Scan(&id.MasterKey, &id.SelfSigningKey, &id.UserSigningKey, &sigJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	if err := json.Unmarshal(sigJSON, &id.MasterKeySignatures); err != nil {
		return nil, fmt.Errorf("decode master key signatures: %w", err)
	}
	return &id, nil
}

// SaveChanges persists every field of changes inside one transaction, so
// observers either see all of it or none of it.
func (p *Postgres) SaveChanges(ctx context.Context, changes *Changes) error {
	if changes.Empty() {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
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
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (sender_key, session_id) DO UPDATE SET pickle = excluded.pickle, last_used = excluded.last_used
			`, senderKey, sess.SessionID, sess.Pickle, sess.CreatedAt, sess.LastUsed); err != nil {
				return fmt.Errorf("save session: %w", err)
			}
		}
	}
	if err := p.saveInboundGroupSessionsOn(ctx, tx, changes.InboundGroupSessions); err != nil {
		return err
	}
	for _, o := range changes.OutboundGroupSessions {
		if err := p.saveOutboundGroupSessionOn(ctx, tx, o); err != nil {
			return err
		}
	}
	for _, d := range changes.Devices {
		algorithmsJSON, _ := json.Marshal(d.Algorithms)
		signaturesJSON, _ := json.Marshal(d.Signatures)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO device (user_id, device_id, curve25519_key, ed25519_key, algorithms, display_name, signatures, deleted, blocked, verified)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (user_id, device_id) DO UPDATE SET
				curve25519_key = excluded.curve25519_key, ed25519_key = excluded.ed25519_key,
				algorithms = excluded.algorithms, display_name = excluded.display_name,
				signatures = excluded.signatures, deleted = excluded.deleted,
				blocked = excluded.blocked, verified = excluded.verified
		`, d.UserID, d.DeviceID, d.Curve25519Key, d.Ed25519Key, algorithmsJSON, d.DisplayName, signaturesJSON, d.Deleted, d.Blocked, d.Verified); err != nil {
			return fmt.Errorf("save device: %w", err)
		}
	}
	for _, id := range changes.Identities {
		sigJSON, _ := json.Marshal(id.MasterKeySignatures)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO user_identity (user_id, master_key, self_signing_key, user_signing_key, master_key_signatures)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id) DO UPDATE SET
				master_key = excluded.master_key, self_signing_key = excluded.self_signing_key,
				user_signing_key = excluded.user_signing_key, master_key_signatures = excluded.master_key_signatures
		`, id.UserID, id.MasterKey, id.SelfSigningKey, id.UserSigningKey, sigJSON); err != nil {
			return fmt.Errorf("save identity: %w", err)
		}
	}
	for _, u := range changes.TrackedUsers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tracked_user (user_id) VALUES ($1) ON CONFLICT DO NOTHING`, u); err != nil {
			return fmt.Errorf("save tracked user: %w", err)
		}
	}
	if changes.BackupProgress != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backup_progress (id, version, last_backed_up_session_id) VALUES (1, $1, $2)
			ON CONFLICT (id) DO UPDATE SET version = excluded.version, last_backed_up_session_id = excluded.last_backed_up_session_id
		`, changes.BackupProgress.Version, changes.BackupProgress.LastBackedUpSessionID); err != nil {
			return fmt.Errorf("save backup progress: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save changes: commit: %w", err)
	}
	tx = nil

	p.mu.Lock()
	for senderKey := range bySender {
		delete(p.sessionLists, senderKey)
	}
	p.mu.Unlock()
	return nil
}

func (p *Postgres) MarkTracked(ctx context.Context, users []string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark tracked: %w", err)
	}
	for _, u := range users {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tracked_user (user_id) VALUES ($1) ON CONFLICT DO NOTHING`, u); err != nil {
			tx.Rollback()
			return fmt.Errorf("mark tracked %s: %w", u, err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) UsersToQuery(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT user_id FROM tracked_user`)
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

var _ Store = (*Postgres)(nil)
