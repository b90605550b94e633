package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/tessera-id/tessera"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetPrincipalByIdentifier(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "tenant_id", "identifier", "password_hash", "status", "verified", "mfa_enabled"}).
		AddRow("p1", "t1", "alice@example.com", "$argon2id$v=19$m=8192,t=1,p=1$c2FsdA$aGFzaA", "disabled", true, true)
	mock.ExpectQuery("select id, tenant_id, identifier").
		WithArgs("t1", "alice@example.com").
		WillReturnRows(rows)

	p, err := store.GetPrincipalByIdentifier(context.Background(), "t1", "alice@example.com")
	if err != nil {
		t.Fatalf("GetPrincipalByIdentifier: %v", err)
	}
	if p.PrincipalID != "p1" || p.TenantID != "t1" {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if p.Status != tessera.PrincipalDisabled {
		t.Fatalf("status not mapped: %v", p.Status)
	}
	if !p.Verified || !p.MFAEnabled {
		t.Fatalf("flags not mapped: %+v", p)
	}
	expectationsMet(t, mock)
}

func TestGetPrincipalMissingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select id, tenant_id, identifier").
		WithArgs("t1", "p-missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetPrincipalByID(context.Background(), "t1", "p-missing")
	if !errors.Is(err, tessera.ErrPrincipalNotFound) {
		t.Fatalf("expected ErrPrincipalNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestGetPrincipalUnknownStatus(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "tenant_id", "identifier", "password_hash", "status", "verified", "mfa_enabled"}).
		AddRow("p1", "t1", "alice@example.com", "hash", "frozen", false, false)
	mock.ExpectQuery("select id, tenant_id, identifier").
		WithArgs("t1", "p1").
		WillReturnRows(rows)

	_, err := store.GetPrincipalByID(context.Background(), "t1", "p1")
	if err == nil {
		t.Fatal("expected an error for an unmappable status")
	}
	if errors.Is(err, tessera.ErrPrincipalNotFound) {
		t.Fatalf("bad data must not masquerade as a missing row: %v", err)
	}
	expectationsMet(t, mock)
}

func TestUpdatePasswordHashMissingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("update principals set password_hash").
		WithArgs("t1", "p-missing", "newhash").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdatePasswordHash(context.Background(), "t1", "p-missing", "newhash")
	if !errors.Is(err, tessera.ErrPrincipalNotFound) {
		t.Fatalf("expected ErrPrincipalNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestSetPrincipalStatusWritesText(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("update principals set status").
		WithArgs("t1", "p1", "disabled").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.SetPrincipalStatus(context.Background(), "t1", "p1", tessera.PrincipalDisabled); err != nil {
		t.Fatalf("SetPrincipalStatus: %v", err)
	}
	expectationsMet(t, mock)
}

func TestGetMFASecretAbsenceIsNotAnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select sealed_seed, enabled, last_used_step from mfa_secrets").
		WithArgs("t1", "p1").
		WillReturnError(sql.ErrNoRows)

	rec, err := store.GetMFASecret(context.Background(), "t1", "p1")
	if err != nil {
		t.Fatalf("GetMFASecret: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record for no enrollment, got %+v", rec)
	}
	expectationsMet(t, mock)
}

func TestGetMFASecretMapsRow(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"sealed_seed", "enabled", "last_used_step"}).
		AddRow([]byte("sealed"), true, int64(55337766))
	mock.ExpectQuery("select sealed_seed, enabled, last_used_step from mfa_secrets").
		WithArgs("t1", "p1").
		WillReturnRows(rows)

	rec, err := store.GetMFASecret(context.Background(), "t1", "p1")
	if err != nil {
		t.Fatalf("GetMFASecret: %v", err)
	}
	if string(rec.SealedSeed) != "sealed" || !rec.Enabled || rec.LastUsedStep != 55337766 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	expectationsMet(t, mock)
}

func TestEnableMFAUpdatesBothRows(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update mfa_secrets set enabled = true").
		WithArgs("t1", "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update principals set mfa_enabled = true").
		WithArgs("t1", "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.EnableMFA(context.Background(), "t1", "p1"); err != nil {
		t.Fatalf("EnableMFA: %v", err)
	}
	expectationsMet(t, mock)
}

func TestEnableMFAWithoutSecretRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update mfa_secrets set enabled = true").
		WithArgs("t1", "p1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.EnableMFA(context.Background(), "t1", "p1")
	if !errors.Is(err, tessera.ErrPrincipalNotFound) {
		t.Fatalf("expected ErrPrincipalNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestDisableMFADropsSealedMaterial(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("delete from mfa_secrets").
		WithArgs("t1", "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from mfa_recovery_codes").
		WithArgs("t1", "p1").
		WillReturnResult(sqlmock.NewResult(0, 10))
	mock.ExpectExec("update principals set mfa_enabled = false").
		WithArgs("t1", "p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.DisableMFA(context.Background(), "t1", "p1"); err != nil {
		t.Fatalf("DisableMFA: %v", err)
	}
	expectationsMet(t, mock)
}

func TestAdvanceMFATimeStepIsConditional(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("update mfa_secrets set last_used_step").
		WithArgs("t1", "p1", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update mfa_secrets set last_used_step").
		WithArgs("t1", "p1", int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	advanced, err := store.AdvanceMFATimeStep(context.Background(), "t1", "p1", 100)
	if err != nil || !advanced {
		t.Fatalf("expected advance, got advanced=%v err=%v", advanced, err)
	}
	advanced, err = store.AdvanceMFATimeStep(context.Background(), "t1", "p1", 99)
	if err != nil {
		t.Fatalf("AdvanceMFATimeStep: %v", err)
	}
	if advanced {
		t.Fatal("stale step must not advance")
	}
	expectationsMet(t, mock)
}

func TestReplaceRecoveryCodesRewritesSet(t *testing.T) {
	store, mock := newMockStore(t)

	hashes := [][32]byte{
		sha256.Sum256([]byte("code-one")),
		sha256.Sum256([]byte("code-two")),
	}

	mock.ExpectBegin()
	mock.ExpectExec("delete from mfa_recovery_codes").
		WithArgs("t1", "p1").
		WillReturnResult(sqlmock.NewResult(0, 10))
	mock.ExpectExec("insert into mfa_recovery_codes").
		WithArgs(sqlmock.AnyArg(), "t1", "p1", hashes[0][:]).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into mfa_recovery_codes").
		WithArgs(sqlmock.AnyArg(), "t1", "p1", hashes[1][:]).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.ReplaceRecoveryCodes(context.Background(), "t1", "p1", hashes); err != nil {
		t.Fatalf("ReplaceRecoveryCodes: %v", err)
	}
	expectationsMet(t, mock)
}

func TestConsumeRecoveryCodeReportsWinner(t *testing.T) {
	store, mock := newMockStore(t)

	hash := sha256.Sum256([]byte("recovery"))
	mock.ExpectExec("update mfa_recovery_codes set used_at").
		WithArgs("t1", "p1", hash[:]).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update mfa_recovery_codes set used_at").
		WithArgs("t1", "p1", hash[:]).
		WillReturnResult(sqlmock.NewResult(0, 0))

	consumed, err := store.ConsumeRecoveryCode(context.Background(), "t1", "p1", hash)
	if err != nil || !consumed {
		t.Fatalf("expected consume, got consumed=%v err=%v", consumed, err)
	}
	consumed, err = store.ConsumeRecoveryCode(context.Background(), "t1", "p1", hash)
	if err != nil {
		t.Fatalf("ConsumeRecoveryCode: %v", err)
	}
	if consumed {
		t.Fatal("second consume must lose")
	}
	expectationsMet(t, mock)
}

func TestGetRolesForPrincipal(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"role"}).AddRow("editor").AddRow("member")
	mock.ExpectQuery("select role from principal_roles").
		WithArgs("t1", "p1").
		WillReturnRows(rows)

	roles, err := store.GetRolesForPrincipal(context.Background(), "t1", "p1")
	if err != nil {
		t.Fatalf("GetRolesForPrincipal: %v", err)
	}
	if len(roles) != 2 || roles[0] != "editor" || roles[1] != "member" {
		t.Fatalf("unexpected roles: %v", roles)
	}
	expectationsMet(t, mock)
}

func TestRecordLoginAttemptMintsIdentifiers(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into login_attempts").
		WithArgs(sqlmock.AnyArg(), "t1", "alice@example.com", "203.0.113.9", "failure", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.RecordLoginAttempt(context.Background(), tessera.LoginAttemptRecord{
		TenantID:   "t1",
		Identifier: "alice@example.com",
		Origin:     "203.0.113.9",
		Outcome:    "failure",
	})
	if err != nil {
		t.Fatalf("RecordLoginAttempt: %v", err)
	}
	expectationsMet(t, mock)
}

func TestPruneLoginAttemptsBefore(t *testing.T) {
	store, mock := newMockStore(t)

	cutoff := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("delete from login_attempts where occurred_at").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))

	pruned, err := store.PruneLoginAttemptsBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("PruneLoginAttemptsBefore: %v", err)
	}
	if pruned != 42 {
		t.Fatalf("expected 42 pruned rows, got %d", pruned)
	}
	expectationsMet(t, mock)
}
