package tessera

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/tessera-id/tessera/internal"
)

const recoveryCodeLength = 10

// StartTOTPEnrollment generates a fresh TOTP seed for the caller and
// stores it sealed but not yet enabled. The base32 secret and the
// otpauth URI are returned exactly once; nothing that leaves this call
// can be read back later. Restarting enrollment overwrites any earlier
// pending seed.
func (e *Engine) StartTOTPEnrollment(ctx context.Context, identity *Identity) (*TOTPEnrollment, error) {
	tenantID, principalID, err := e.requireIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}

	record, err := e.directory.GetMFASecret(ctx, tenantID, principalID)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	if record != nil && record.Enabled {
		return nil, ErrMFAAlreadyEnrolled
	}

	principal, err := e.directory.GetPrincipalByID(ctx, tenantID, principalID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, storeUnavailable(err)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.config.MFA.Issuer,
		AccountName: principal.Identifier,
		Period:      uint(e.config.MFA.Period),
		Digits:      otp.Digits(e.config.MFA.Digits),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}

	sealed, err := e.sealer.Seal(principalID, []byte(key.Secret()))
	if err != nil {
		return nil, err
	}
	if err := e.directory.SaveMFASecret(ctx, tenantID, principalID, sealed); err != nil {
		return nil, storeUnavailable(err)
	}

	e.emitAudit(ctx, auditEventMFAEnrollmentStarted, true, principalID, tenantID, identity.SessionID, nil, nil)

	return &TOTPEnrollment{
		Secret: key.Secret(),
		URI:    key.URL(),
	}, nil
}

// ActivateTOTP proves possession of the enrolled authenticator with a
// live code, enables MFA, and issues the initial recovery code set. The
// returned codes are plaintext exactly once; only their hashes are
// stored. The proving code's time step is marked used so it cannot be
// replayed at the first step-up.
func (e *Engine) ActivateTOTP(ctx context.Context, identity *Identity, code string) ([]string, error) {
	tenantID, principalID, err := e.requireIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}

	record, err := e.directory.GetMFASecret(ctx, tenantID, principalID)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	if record == nil || len(record.SealedSeed) == 0 {
		return nil, ErrMFANotEnrolled
	}
	if record.Enabled {
		return nil, ErrMFAAlreadyEnrolled
	}

	seed, err := e.sealer.Open(principalID, record.SealedSeed)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	matchedStep, ok := e.verifyTOTPCode(string(seed), code, time.Now())
	if !ok {
		e.emitAudit(ctx, auditEventMFAEnabled, false, principalID, tenantID, identity.SessionID, ErrInvalidMFACode, func() map[string]string {
			return map[string]string{
				"reason": "activation_code_mismatch",
			}
		})
		return nil, ErrInvalidMFACode
	}
	advanced, err := e.directory.AdvanceMFATimeStep(ctx, tenantID, principalID, matchedStep)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	if !advanced {
		e.emitAudit(ctx, auditEventMFAEnabled, false, principalID, tenantID, identity.SessionID, ErrInvalidMFACode, func() map[string]string {
			return map[string]string{
				"reason": "activation_step_replayed",
			}
		})
		return nil, ErrInvalidMFACode
	}

	if err := e.directory.EnableMFA(ctx, tenantID, principalID); err != nil {
		return nil, storeUnavailable(err)
	}

	display, hashes, err := e.generateRecoveryCodes(principalID)
	if err != nil {
		return nil, err
	}
	if err := e.directory.ReplaceRecoveryCodes(ctx, tenantID, principalID, hashes); err != nil {
		return nil, storeUnavailable(err)
	}

	e.metricInc(MetricMFAEnabled)
	e.emitAudit(ctx, auditEventMFAEnabled, true, principalID, tenantID, identity.SessionID, nil, func() map[string]string {
		return map[string]string{
			"recovery_codes": strconv.Itoa(len(display)),
		}
	})

	return display, nil
}

// DisableTOTP turns MFA off after a fresh password proof. The seed and
// all recovery codes are discarded; re-enabling requires a full
// re-enrollment with a new seed.
func (e *Engine) DisableTOTP(ctx context.Context, identity *Identity, password string) error {
	tenantID, principalID, err := e.requireIdentity(ctx, identity)
	if err != nil {
		return err
	}

	principal, err := e.directory.GetPrincipalByID(ctx, tenantID, principalID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return ErrSessionNotFound
		}
		return storeUnavailable(err)
	}
	ok, err := e.hasher.Verify(password, principal.PasswordHash)
	password = ""
	if err != nil || !ok {
		e.emitAudit(ctx, auditEventMFADisabled, false, principalID, tenantID, identity.SessionID, ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"reason": "password_mismatch",
			}
		})
		return ErrInvalidCredentials
	}

	record, err := e.directory.GetMFASecret(ctx, tenantID, principalID)
	if err != nil {
		return storeUnavailable(err)
	}
	if record == nil || !record.Enabled {
		return ErrMFANotEnrolled
	}

	if err := e.directory.DisableMFA(ctx, tenantID, principalID); err != nil {
		return storeUnavailable(err)
	}

	e.metricInc(MetricMFADisabled)
	e.emitAudit(ctx, auditEventMFADisabled, true, principalID, tenantID, identity.SessionID, nil, nil)

	return nil
}

// RegenerateRecoveryCodes replaces the whole recovery set atomically
// after a live TOTP proof; every previously issued code dies with the
// replacement. Calling without a code reports ErrStepUpRequired so the
// client knows to prompt for the authenticator rather than retry.
func (e *Engine) RegenerateRecoveryCodes(ctx context.Context, identity *Identity, code string) ([]string, error) {
	tenantID, principalID, err := e.requireIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, ErrStepUpRequired
	}

	record, err := e.directory.GetMFASecret(ctx, tenantID, principalID)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	if record == nil || !record.Enabled || len(record.SealedSeed) == 0 {
		return nil, ErrMFANotEnrolled
	}

	seed, err := e.sealer.Open(principalID, record.SealedSeed)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	matchedStep, ok := e.verifyTOTPCode(string(seed), code, time.Now())
	if !ok {
		e.emitAudit(ctx, auditEventRecoveryCodesReplaced, false, principalID, tenantID, identity.SessionID, ErrInvalidMFACode, func() map[string]string {
			return map[string]string{
				"reason": "code_mismatch",
			}
		})
		return nil, ErrInvalidMFACode
	}
	advanced, err := e.directory.AdvanceMFATimeStep(ctx, tenantID, principalID, matchedStep)
	if err != nil {
		return nil, storeUnavailable(err)
	}
	if !advanced {
		e.emitAudit(ctx, auditEventRecoveryCodesReplaced, false, principalID, tenantID, identity.SessionID, ErrInvalidMFACode, func() map[string]string {
			return map[string]string{
				"reason": "step_replayed",
			}
		})
		return nil, ErrInvalidMFACode
	}

	display, hashes, err := e.generateRecoveryCodes(principalID)
	if err != nil {
		return nil, err
	}
	if err := e.directory.ReplaceRecoveryCodes(ctx, tenantID, principalID, hashes); err != nil {
		return nil, storeUnavailable(err)
	}

	e.metricInc(MetricRecoveryCodesReplaced)
	e.emitAudit(ctx, auditEventRecoveryCodesReplaced, true, principalID, tenantID, identity.SessionID, nil, func() map[string]string {
		return map[string]string{
			"recovery_codes": strconv.Itoa(len(display)),
		}
	})

	return display, nil
}

// verifyTOTPCode checks code against the seed at the current step and
// one step either side, and returns the matched step. Offsets are probed
// individually so the caller learns which step matched; the step, not
// the code, is what the replay marker records.
func (e *Engine) verifyTOTPCode(seed, code string, at time.Time) (int64, bool) {
	period := int64(e.config.MFA.Period)
	opts := totp.ValidateOpts{
		Period:    uint(e.config.MFA.Period),
		Skew:      0,
		Digits:    otp.Digits(e.config.MFA.Digits),
		Algorithm: otp.AlgorithmSHA1,
	}

	for _, offset := range []int64{0, -1, 1} {
		ts := at.Add(time.Duration(offset*period) * time.Second)
		ok, err := totp.ValidateCustom(code, seed, ts, opts)
		if err == nil && ok {
			return at.Unix()/period + offset, true
		}
	}
	return 0, false
}

// requireIdentity is the shared precondition of the self-service MFA and
// session operations: a validated identity whose tenant matches ctx.
func (e *Engine) requireIdentity(ctx context.Context, identity *Identity) (tenantID, principalID string, err error) {
	if identity == nil {
		return "", "", ErrTokenInvalid
	}
	tenantID, err = e.requireTenant(ctx)
	if err != nil {
		return "", "", err
	}
	if identity.TenantID != tenantID {
		e.metricInc(MetricTenantMismatch)
		return "", "", ErrTenantMismatch
	}
	return tenantID, identity.PrincipalID, nil
}

func (e *Engine) generateRecoveryCodes(principalID string) ([]string, [][32]byte, error) {
	count := e.config.MFA.RecoveryCodeCount
	display := make([]string, 0, count)
	hashes := make([][32]byte, 0, count)
	for i := 0; i < count; i++ {
		code, err := internal.NewRecoveryCode(recoveryCodeLength)
		if err != nil {
			return nil, nil, err
		}
		display = append(display, internal.FormatRecoveryCode(code))
		hashes = append(hashes, internal.RecoveryCodeHash(principalID, code))
	}
	return display, hashes, nil
}
