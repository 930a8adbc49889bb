package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/n42/matrix-crypto-core/internal/cryptoadapter"
	"github.com/n42/matrix-crypto-core/internal/types"
)

func newTestAccount(t *testing.T) (*cryptoadapter.Account, error) {
	t.Helper()
	return cryptoadapter.NewAccount()
}

func TestPostgresSaveAccountUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	p := newPostgresForTesting(db)

	account, err := newTestAccount(t)
	if err != nil {
		t.Fatalf("new account: %v", err)
	}

	mock.ExpectExec("INSERT INTO account").
		WithArgs(sqlmock.AnyArg(), "passphrase").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := p.SaveAccount(context.Background(), account, "passphrase"); err != nil {
		t.Fatalf("save account: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresLoadAccountNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	p := newPostgresForTesting(db)

	mock.ExpectQuery("SELECT pickle, pickle_key FROM account").
		WillReturnError(sql.ErrNoRows)

	_, _, err = p.LoadAccount(context.Background())
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresGetInboundGroupSessionQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	p := newPostgresForTesting(db)

	rows := sqlmock.NewRows([]string{
		"pickle", "first_known_index", "claimed_ed25519_key", "forwarding_chain",
		"imported", "backed_up", "history_visibility", "key_backup_version",
	}).AddRow("pickledata", 42, "ed25519key", []byte(`["fwd1"]`), false, false, "shared", "")

	mock.ExpectQuery("SELECT pickle, first_known_index").
		WithArgs("!room:x", "sender", "session1").
		WillReturnRows(rows)

	rec, err := p.GetInboundGroupSession(context.Background(), "!room:x", "sender", "session1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.FirstKnownIndex != 42 || len(rec.ForwardingChain) != 1 || rec.ForwardingChain[0] != "fwd1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresSaveSessionsInvalidatesCachedList(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	p := newPostgresForTesting(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO olm_session").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = p.SaveSessions(context.Background(), "sender", []*StoredSession{
		{SenderKey: "sender", SessionID: "s1", Pickle: "p", CreatedAt: time.Now(), LastUsed: time.Now()},
	})
	if err != nil {
		t.Fatalf("save sessions: %v", err)
	}
	if _, cached := p.sessionLists["sender"]; cached {
		t.Fatalf("expected cached session list to be invalidated after save")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

// TestPostgresSaveChangesRollsBackOnFailure proves the whole Changes batch
// is one transaction: a failure after the group-session writes must leave
// nothing committed.
func TestPostgresSaveChangesRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	p := newPostgresForTesting(db)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT first_known_index").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO inbound_group_session").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbound_group_session").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO device").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	changes := &Changes{
		InboundGroupSessions: []*StoredInboundGroupSession{
			{RoomID: "!r:x", SenderKey: "sk", SessionID: "in1", Pickle: "p"},
		},
		OutboundGroupSessions: []*StoredOutboundGroupSession{
			{RoomID: "!r:x", Pickle: "p", CreatedAt: time.Now()},
		},
		Devices: []*types.Device{
			{UserID: "@bob:x", DeviceID: "BOBDEV"},
		},
	}
	if err := p.SaveChanges(context.Background(), changes); err == nil {
		t.Fatal("expected save changes to fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresSaveChangesCommitsOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	p := newPostgresForTesting(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO olm_session").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT first_known_index").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO inbound_group_session").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO outbound_group_session").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO device").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO tracked_user").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	changes := &Changes{
		Sessions: []*StoredSession{
			{SenderKey: "sk", SessionID: "olm1", Pickle: "p", CreatedAt: time.Now(), LastUsed: time.Now()},
		},
		InboundGroupSessions: []*StoredInboundGroupSession{
			{RoomID: "!r:x", SenderKey: "sk", SessionID: "in1", Pickle: "p"},
		},
		OutboundGroupSessions: []*StoredOutboundGroupSession{
			{RoomID: "!r:x", Pickle: "p", CreatedAt: time.Now()},
		},
		Devices: []*types.Device{
			{UserID: "@bob:x", DeviceID: "BOBDEV"},
		},
		TrackedUsers: []string{"@bob:x"},
	}
	if err := p.SaveChanges(context.Background(), changes); err != nil {
		t.Fatalf("save changes: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
