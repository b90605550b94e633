// Package sqlite implements tessera.Directory over an embedded SQLite
// database via modernc.org/sqlite (no cgo). The schema is created on
// Open, which makes it the zero-setup choice for examples, tests, and
// single-node deployments. Timestamps are stored as unix nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tessera-id/tessera"
	"github.com/tessera-id/tessera/internal/ids"
)

// Store is a tessera.Directory backed by a single SQLite database.
type Store struct {
	db *sql.DB
}

var _ tessera.Directory = (*Store)(nil)

var schema = []string{
	`pragma foreign_keys = on`,
	`create table if not exists tenants (
		id         text primary key,
		name       text not null,
		created_at integer not null
	)`,
	`create table if not exists principals (
		id            text primary key,
		tenant_id     text not null references tenants (id),
		identifier    text not null,
		password_hash text not null,
		status        text not null default 'active' check (status in ('active', 'disabled')),
		verified      integer not null default 0,
		mfa_enabled   integer not null default 0,
		created_at    integer not null,
		updated_at    integer not null,
		unique (tenant_id, identifier)
	)`,
	`create table if not exists principal_roles (
		tenant_id    text not null,
		principal_id text not null references principals (id) on delete cascade,
		role         text not null,
		primary key (tenant_id, principal_id, role)
	)`,
	`create table if not exists mfa_secrets (
		principal_id   text primary key references principals (id) on delete cascade,
		tenant_id      text not null,
		sealed_seed    blob not null,
		enabled        integer not null default 0,
		last_used_step integer not null default 0,
		updated_at     integer not null
	)`,
	`create table if not exists mfa_recovery_codes (
		id           text primary key,
		tenant_id    text not null,
		principal_id text not null references principals (id) on delete cascade,
		code_hash    blob not null,
		used_at      integer,
		unique (principal_id, code_hash)
	)`,
	`create table if not exists login_attempts (
		id          text primary key,
		tenant_id   text not null,
		identifier  text not null,
		origin      text not null,
		outcome     text not null,
		occurred_at integer not null
	)`,
	`create index if not exists login_attempts_occurred_at_idx
		on login_attempts (occurred_at)`,
}

// Open creates or opens the database at path (":memory:" works) and
// applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const principalColumns = `id, tenant_id, identifier, password_hash, status, verified, mfa_enabled`

func scanPrincipal(row *sql.Row) (*tessera.PrincipalRecord, error) {
	var (
		p      tessera.PrincipalRecord
		status string
	)
	err := row.Scan(&p.PrincipalID, &p.TenantID, &p.Identifier, &p.PasswordHash, &status, &p.Verified, &p.MFAEnabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tessera.ErrPrincipalNotFound
		}
		return nil, err
	}
	switch status {
	case "active":
		p.Status = tessera.PrincipalActive
	case "disabled":
		p.Status = tessera.PrincipalDisabled
	default:
		return nil, fmt.Errorf("unknown principal status %q", status)
	}
	return &p, nil
}

func (s *Store) GetPrincipalByIdentifier(ctx context.Context, tenantID, identifier string) (*tessera.PrincipalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where tenant_id = ? and identifier = ?`,
		tenantID, identifier,
	)
	return scanPrincipal(row)
}

func (s *Store) GetPrincipalByID(ctx context.Context, tenantID, principalID string) (*tessera.PrincipalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where tenant_id = ? and id = ?`,
		tenantID, principalID,
	)
	return scanPrincipal(row)
}

func (s *Store) UpdatePasswordHash(ctx context.Context, tenantID, principalID, newHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update principals set password_hash = ?, updated_at = ? where tenant_id = ? and id = ?`,
		newHash, time.Now().UnixNano(), tenantID, principalID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) SetPrincipalStatus(ctx context.Context, tenantID, principalID string, status tessera.PrincipalStatus) error {
	res, err := s.db.ExecContext(ctx,
		`update principals set status = ?, updated_at = ? where tenant_id = ? and id = ?`,
		status.String(), time.Now().UnixNano(), tenantID, principalID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) GetMFASecret(ctx context.Context, tenantID, principalID string) (*tessera.MFASecretRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select sealed_seed, enabled, last_used_step from mfa_secrets where tenant_id = ? and principal_id = ?`,
		tenantID, principalID,
	)
	var rec tessera.MFASecretRecord
	if err := row.Scan(&rec.SealedSeed, &rec.Enabled, &rec.LastUsedStep); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) SaveMFASecret(ctx context.Context, tenantID, principalID string, sealedSeed []byte) error {
	_, err := s.db.ExecContext(ctx,
		`insert into mfa_secrets (principal_id, tenant_id, sealed_seed, enabled, last_used_step, updated_at)
		 values (?, ?, ?, 0, 0, ?)
		 on conflict (principal_id) do update
		 set sealed_seed = excluded.sealed_seed, enabled = 0, last_used_step = 0, updated_at = excluded.updated_at`,
		principalID, tenantID, sealedSeed, time.Now().UnixNano(),
	)
	return err
}

func (s *Store) EnableMFA(ctx context.Context, tenantID, principalID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	res, err := tx.ExecContext(ctx,
		`update mfa_secrets set enabled = 1, updated_at = ? where tenant_id = ? and principal_id = ?`,
		now, tenantID, principalID,
	)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}

	res, err = tx.ExecContext(ctx,
		`update principals set mfa_enabled = 1, updated_at = ? where tenant_id = ? and id = ?`,
		now, tenantID, principalID,
	)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) DisableMFA(ctx context.Context, tenantID, principalID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`delete from mfa_secrets where tenant_id = ? and principal_id = ?`,
		tenantID, principalID,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`delete from mfa_recovery_codes where tenant_id = ? and principal_id = ?`,
		tenantID, principalID,
	); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`update principals set mfa_enabled = 0, updated_at = ? where tenant_id = ? and id = ?`,
		time.Now().UnixNano(), tenantID, principalID,
	)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) AdvanceMFATimeStep(ctx context.Context, tenantID, principalID string, step int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update mfa_secrets set last_used_step = ?, updated_at = ?
		 where tenant_id = ? and principal_id = ? and last_used_step < ?`,
		step, time.Now().UnixNano(), tenantID, principalID, step,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ReplaceRecoveryCodes(ctx context.Context, tenantID, principalID string, hashes [][32]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`delete from mfa_recovery_codes where tenant_id = ? and principal_id = ?`,
		tenantID, principalID,
	); err != nil {
		return err
	}
	for _, hash := range hashes {
		if _, err := tx.ExecContext(ctx,
			`insert into mfa_recovery_codes (id, tenant_id, principal_id, code_hash) values (?, ?, ?, ?)`,
			ids.New(), tenantID, principalID, hash[:],
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) ConsumeRecoveryCode(ctx context.Context, tenantID, principalID string, hash [32]byte) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`update mfa_recovery_codes set used_at = ?
		 where tenant_id = ? and principal_id = ? and code_hash = ? and used_at is null`,
		time.Now().UnixNano(), tenantID, principalID, hash[:],
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) GetRolesForPrincipal(ctx context.Context, tenantID, principalID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select role from principal_roles where tenant_id = ? and principal_id = ? order by role`,
		tenantID, principalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *Store) RecordLoginAttempt(ctx context.Context, attempt tessera.LoginAttemptRecord) error {
	if attempt.AttemptID == "" {
		attempt.AttemptID = ids.New()
	}
	if attempt.OccurredAt.IsZero() {
		attempt.OccurredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into login_attempts (id, tenant_id, identifier, origin, outcome, occurred_at)
		 values (?, ?, ?, ?, ?, ?)`,
		attempt.AttemptID, attempt.TenantID, attempt.Identifier, attempt.Origin, attempt.Outcome, attempt.OccurredAt.UnixNano(),
	)
	return err
}

func (s *Store) PruneLoginAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from login_attempts where occurred_at < ?`, cutoff.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateTenant registers an isolation boundary.
func (s *Store) CreateTenant(ctx context.Context, tenantID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`insert into tenants (id, name, created_at) values (?, ?, ?)`,
		tenantID, name, time.Now().UnixNano(),
	)
	return err
}

// CreatePrincipal inserts a new principal and returns its ID, minting a
// ULID when the record carries none.
func (s *Store) CreatePrincipal(ctx context.Context, p tessera.PrincipalRecord) (string, error) {
	if p.PrincipalID == "" {
		p.PrincipalID = ids.New()
	}
	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`insert into principals (id, tenant_id, identifier, password_hash, status, verified, mfa_enabled, created_at, updated_at)
		 values (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PrincipalID, p.TenantID, p.Identifier, p.PasswordHash, p.Status.String(), p.Verified, p.MFAEnabled, now, now,
	)
	if err != nil {
		return "", err
	}
	return p.PrincipalID, nil
}

// AssignRole grants a role to a principal within a tenant. Repeat grants
// are no-ops.
func (s *Store) AssignRole(ctx context.Context, tenantID, principalID, role string) error {
	_, err := s.db.ExecContext(ctx,
		`insert into principal_roles (tenant_id, principal_id, role) values (?, ?, ?)
		 on conflict do nothing`,
		tenantID, principalID, role,
	)
	return err
}

// RevokeRole removes a role grant.
func (s *Store) RevokeRole(ctx context.Context, tenantID, principalID, role string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from principal_roles where tenant_id = ? and principal_id = ? and role = ?`,
		tenantID, principalID, role,
	)
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return tessera.ErrPrincipalNotFound
	}
	return nil
}
