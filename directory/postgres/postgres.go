// Package postgres implements tessera.Directory over PostgreSQL via the
// pgx stdlib driver. Schema management lives in migrate.go; the embedded
// migrations under migrations/ are the single source of truth for the
// table shapes the queries below assume.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tessera-id/tessera"
	"github.com/tessera-id/tessera/internal/ids"
)

// Store is a tessera.Directory backed by a PostgreSQL pool. Missing rows
// surface as tessera.ErrPrincipalNotFound; every other error is passed
// through untouched so the engine can classify it as infrastructure.
type Store struct {
	db *sql.DB
}

var _ tessera.Directory = (*Store)(nil)

// New wraps an existing pool. The caller keeps ownership of its lifecycle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects with the pgx stdlib driver and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying pool for migration tooling.
func (s *Store) DB() *sql.DB {
	return s.db
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
	p.Status, err = statusFromString(status)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func statusFromString(s string) (tessera.PrincipalStatus, error) {
	switch s {
	case "active":
		return tessera.PrincipalActive, nil
	case "disabled":
		return tessera.PrincipalDisabled, nil
	default:
		return 0, fmt.Errorf("unknown principal status %q", s)
	}
}

func (s *Store) GetPrincipalByIdentifier(ctx context.Context, tenantID, identifier string) (*tessera.PrincipalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where tenant_id = $1 and identifier = $2`,
		tenantID, identifier,
	)
	return scanPrincipal(row)
}

func (s *Store) GetPrincipalByID(ctx context.Context, tenantID, principalID string) (*tessera.PrincipalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+principalColumns+` from principals where tenant_id = $1 and id = $2`,
		tenantID, principalID,
	)
	return scanPrincipal(row)
}

func (s *Store) UpdatePasswordHash(ctx context.Context, tenantID, principalID, newHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update principals set password_hash = $3, updated_at = now() where tenant_id = $1 and id = $2`,
		tenantID, principalID, newHash,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) SetPrincipalStatus(ctx context.Context, tenantID, principalID string, status tessera.PrincipalStatus) error {
	res, err := s.db.ExecContext(ctx,
		`update principals set status = $3, updated_at = now() where tenant_id = $1 and id = $2`,
		tenantID, principalID, status.String(),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) GetMFASecret(ctx context.Context, tenantID, principalID string) (*tessera.MFASecretRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select sealed_seed, enabled, last_used_step from mfa_secrets where tenant_id = $1 and principal_id = $2`,
		tenantID, principalID,
	)
	var rec tessera.MFASecretRecord
	if err := row.Scan(&rec.SealedSeed, &rec.Enabled, &rec.LastUsedStep); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// No enrollment yet. Absence is a state, not an error.
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) SaveMFASecret(ctx context.Context, tenantID, principalID string, sealedSeed []byte) error {
	// Re-enrollment replaces any pending seed and resets the replay marker.
	_, err := s.db.ExecContext(ctx,
		`insert into mfa_secrets (principal_id, tenant_id, sealed_seed, enabled, last_used_step, updated_at)
		 values ($1, $2, $3, false, 0, now())
		 on conflict (principal_id) do update
		 set sealed_seed = excluded.sealed_seed, enabled = false, last_used_step = 0, updated_at = now()`,
		principalID, tenantID, sealedSeed,
	)
	return err
}

func (s *Store) EnableMFA(ctx context.Context, tenantID, principalID string) error {
	// The tagged state on the principal row and the secret's enabled flag
	// must move together or first-factor resolution disagrees with step-up.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`update mfa_secrets set enabled = true, updated_at = now() where tenant_id = $1 and principal_id = $2`,
		tenantID, principalID,
	)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}

	res, err = tx.ExecContext(ctx,
		`update principals set mfa_enabled = true, updated_at = now() where tenant_id = $1 and id = $2`,
		tenantID, principalID,
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
	// Disabling drops the sealed seed and every recovery code outright;
	// a later enrollment starts from nothing.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`delete from mfa_secrets where tenant_id = $1 and principal_id = $2`,
		tenantID, principalID,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`delete from mfa_recovery_codes where tenant_id = $1 and principal_id = $2`,
		tenantID, principalID,
	); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`update principals set mfa_enabled = false, updated_at = now() where tenant_id = $1 and id = $2`,
		tenantID, principalID,
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
		`update mfa_secrets set last_used_step = $3, updated_at = now()
		 where tenant_id = $1 and principal_id = $2 and last_used_step < $3`,
		tenantID, principalID, step,
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
		`delete from mfa_recovery_codes where tenant_id = $1 and principal_id = $2`,
		tenantID, principalID,
	); err != nil {
		return err
	}
	for _, hash := range hashes {
		if _, err := tx.ExecContext(ctx,
			`insert into mfa_recovery_codes (id, tenant_id, principal_id, code_hash) values ($1, $2, $3, $4)`,
			ids.New(), tenantID, principalID, hash[:],
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) ConsumeRecoveryCode(ctx context.Context, tenantID, principalID string, hash [32]byte) (bool, error) {
	// The null guard makes consumption single-winner under concurrency.
	res, err := s.db.ExecContext(ctx,
		`update mfa_recovery_codes set used_at = now()
		 where tenant_id = $1 and principal_id = $2 and code_hash = $3 and used_at is null`,
		tenantID, principalID, hash[:],
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
		`select role from principal_roles where tenant_id = $1 and principal_id = $2 order by role`,
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
		attempt.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into login_attempts (id, tenant_id, identifier, origin, outcome, occurred_at)
		 values ($1, $2, $3, $4, $5, $6)`,
		attempt.AttemptID, attempt.TenantID, attempt.Identifier, attempt.Origin, attempt.Outcome, attempt.OccurredAt,
	)
	return err
}

func (s *Store) PruneLoginAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from login_attempts where occurred_at < $1`, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateTenant registers an isolation boundary. Provisioning is the
// operator's concern; the engine never creates tenants.
func (s *Store) CreateTenant(ctx context.Context, tenantID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`insert into tenants (id, name) values ($1, $2)`,
		tenantID, name,
	)
	return err
}

// CreatePrincipal inserts a new principal and returns its ID, minting a
// ULID when the record carries none.
func (s *Store) CreatePrincipal(ctx context.Context, p tessera.PrincipalRecord) (string, error) {
	if p.PrincipalID == "" {
		p.PrincipalID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into principals (id, tenant_id, identifier, password_hash, status, verified, mfa_enabled)
		 values ($1, $2, $3, $4, $5, $6, $7)`,
		p.PrincipalID, p.TenantID, p.Identifier, p.PasswordHash, p.Status.String(), p.Verified, p.MFAEnabled,
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
		`insert into principal_roles (tenant_id, principal_id, role) values ($1, $2, $3)
		 on conflict do nothing`,
		tenantID, principalID, role,
	)
	return err
}

// RevokeRole removes a role grant.
func (s *Store) RevokeRole(ctx context.Context, tenantID, principalID, role string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from principal_roles where tenant_id = $1 and principal_id = $2 and role = $3`,
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
