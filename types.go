package tessera

import (
	"context"
	"time"
)

// PrincipalStatus is the lifecycle state of a principal. Principals are
// soft-disabled, never deleted while referenced.
type PrincipalStatus uint8

const (
	PrincipalActive PrincipalStatus = iota
	PrincipalDisabled
)

func (s PrincipalStatus) String() string {
	switch s {
	case PrincipalActive:
		return "active"
	case PrincipalDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// PrincipalRecord is the directory's view of a principal, resolved once at
// first-factor time. MFAEnabled is the tagged MFA state; when true the
// engine withholds the token pair until step-up completes.
type PrincipalRecord struct {
	PrincipalID  string
	TenantID     string
	Identifier   string
	PasswordHash string
	Status       PrincipalStatus
	Verified     bool
	MFAEnabled   bool
}

// MFASecretRecord carries the sealed TOTP seed and the last-used time-step
// marker. The seed is only ever stored sealed; LastUsedStep strictly
// increases so a code can never verify twice.
type MFASecretRecord struct {
	SealedSeed   []byte
	Enabled      bool
	LastUsedStep int64
}

// LoginAttemptRecord is an append-only forensic row. It is written on
// every first-factor outcome and never updated.
type LoginAttemptRecord struct {
	AttemptID  string
	TenantID   string
	Identifier string
	Origin     string
	Outcome    string
	OccurredAt time.Time
}

// Directory is the SQL-backed integration surface callers implement (or
// take from directory/postgres, directory/sqlite). All lookups are scoped
// by tenant; implementations return ErrPrincipalNotFound for missing rows
// and plain errors for infrastructure failures, which the engine reports
// as ErrStoreUnavailable rather than an authentication outcome.
type Directory interface {
	GetPrincipalByIdentifier(ctx context.Context, tenantID, identifier string) (*PrincipalRecord, error)
	GetPrincipalByID(ctx context.Context, tenantID, principalID string) (*PrincipalRecord, error)
	UpdatePasswordHash(ctx context.Context, tenantID, principalID, newHash string) error
	SetPrincipalStatus(ctx context.Context, tenantID, principalID string, status PrincipalStatus) error

	GetMFASecret(ctx context.Context, tenantID, principalID string) (*MFASecretRecord, error)
	SaveMFASecret(ctx context.Context, tenantID, principalID string, sealedSeed []byte) error
	EnableMFA(ctx context.Context, tenantID, principalID string) error
	DisableMFA(ctx context.Context, tenantID, principalID string) error
	// AdvanceMFATimeStep persists step as the last-used marker only when it
	// is strictly newer than the stored one, reporting whether it advanced.
	AdvanceMFATimeStep(ctx context.Context, tenantID, principalID string, step int64) (bool, error)

	ReplaceRecoveryCodes(ctx context.Context, tenantID, principalID string, hashes [][32]byte) error
	// ConsumeRecoveryCode marks the code used where used_at is still null,
	// reporting whether this call won the consume.
	ConsumeRecoveryCode(ctx context.Context, tenantID, principalID string, hash [32]byte) (bool, error)

	GetRolesForPrincipal(ctx context.Context, tenantID, principalID string) ([]string, error)

	RecordLoginAttempt(ctx context.Context, attempt LoginAttemptRecord) error
	// PruneLoginAttemptsBefore is the hook for the external maintenance
	// collaborator; the engine never calls it.
	PruneLoginAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// LoginRequest is the first-factor input. ChallengeToken carries the
// caller's proof that an out-of-band challenge (captcha) was passed; the
// engine only checks presence, verification happens upstream.
type LoginRequest struct {
	Identifier     string
	Password       string
	ChallengeToken string
}

// LoginResult is returned by Login and CompleteStepUp. When the principal
// has MFA enabled, Login sets StepUpRequired and StepUpToken and withholds
// the token pair; CompleteStepUp delivers it.
type LoginResult struct {
	AccessToken  string
	RefreshToken string
	SessionID    string

	StepUpRequired bool
	StepUpToken    string
}

// StepUpRequest carries the second factor. Exactly one of Code (TOTP) or
// RecoveryCode must be set.
type StepUpRequest struct {
	StepUpToken  string
	Code         string
	RecoveryCode string
}

// TokenPair is returned by Refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Identity is the verified result of ValidateAccess, suitable for
// middleware and for building an Authorizer.
type Identity struct {
	PrincipalID string
	TenantID    string
	SessionID   string
	TokenID     string
	ExpiresAt   time.Time
}

// SessionInfo is one row of ListSessions. Current marks the session the
// presented access token is bound to.
type SessionInfo struct {
	SessionID  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastSeenAt time.Time
	Current    bool
}

// TOTPEnrollment is returned by StartTOTPEnrollment: the base32 seed and
// the otpauth:// provisioning URI. The seed is shown exactly once.
type TOTPEnrollment struct {
	Secret string
	URI    string
}
