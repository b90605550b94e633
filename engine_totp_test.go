package tessera

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTOTPEnrollmentLifecycle(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	seedAlice(t, dir)
	engine := newTestEngine(t, rdb, dir)
	ctx := tenantCtx("t1", "")

	login := loginAlice(t, engine, ctx)
	if login.StepUpRequired {
		t.Fatal("alice has no second factor yet")
	}
	identity := validatedIdentity(t, engine, ctx, login.AccessToken)

	enrollment, err := engine.StartTOTPEnrollment(ctx, identity)
	if err != nil {
		t.Fatalf("StartTOTPEnrollment failed: %v", err)
	}
	if enrollment.Secret == "" {
		t.Fatal("expected a seed")
	}
	if !strings.HasPrefix(enrollment.URI, "otpauth://totp/") {
		t.Fatalf("unexpected provisioning URI: %q", enrollment.URI)
	}
	if !strings.Contains(enrollment.URI, "tessera-test") {
		t.Fatalf("issuer missing from URI: %q", enrollment.URI)
	}

	// Enrollment alone changes nothing; a fresh login is still single
	// factor until the seed is proven.
	probe := loginAlice(t, engine, ctx)
	if probe.StepUpRequired {
		t.Fatal("pending enrollment must not demand step-up")
	}

	codes, err := engine.ActivateTOTP(ctx, identity, totpCode(t, enrollment.Secret, time.Now()))
	if err != nil {
		t.Fatalf("ActivateTOTP failed: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("expected 10 recovery codes, got %d", len(codes))
	}
	seen := make(map[string]bool, len(codes))
	for _, code := range codes {
		if len(code) != 11 || strings.Count(code, "-") != 1 {
			t.Fatalf("unexpected recovery code shape: %q", code)
		}
		if seen[code] {
			t.Fatalf("duplicate recovery code issued: %q", code)
		}
		seen[code] = true
	}

	// From now on the password alone only buys a challenge.
	result := loginAlice(t, engine, ctx)
	if !result.StepUpRequired || result.StepUpToken == "" {
		t.Fatalf("expected step-up demand after activation, got %+v", result)
	}
	if result.AccessToken != "" || result.RefreshToken != "" {
		t.Fatal("tokens must be withheld until the second factor verifies")
	}

	snap := engine.MetricsSnapshot()
	if snap.Counters[MetricMFAEnabled] != 1 {
		t.Fatalf("expected MFA enabled counter 1, got %d", snap.Counters[MetricMFAEnabled])
	}
}

func TestTOTPEnrollBlockedWhenActive(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	seedAlice(t, dir)
	engine := newTestEngine(t, rdb, dir)
	ctx := tenantCtx("t1", "")

	login := loginAlice(t, engine, ctx)
	identity := validatedIdentity(t, engine, ctx, login.AccessToken)

	enrollment, err := engine.StartTOTPEnrollment(ctx, identity)
	if err != nil {
		t.Fatalf("StartTOTPEnrollment failed: %v", err)
	}
	if _, err := engine.ActivateTOTP(ctx, identity, totpCode(t, enrollment.Secret, time.Now())); err != nil {
		t.Fatalf("ActivateTOTP failed: %v", err)
	}

	if _, err := engine.StartTOTPEnrollment(ctx, identity); !errors.Is(err, ErrMFAAlreadyEnrolled) {
		t.Fatalf("expected ErrMFAAlreadyEnrolled, got %v", err)
	}
	if _, err := engine.ActivateTOTP(ctx, identity, "000000"); !errors.Is(err, ErrMFAAlreadyEnrolled) {
		t.Fatalf("expected ErrMFAAlreadyEnrolled on re-activation, got %v", err)
	}
}

func TestTOTPActivateWithoutEnrollment(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	seedAlice(t, dir)
	engine := newTestEngine(t, rdb, dir)
	ctx := tenantCtx("t1", "")

	login := loginAlice(t, engine, ctx)
	identity := validatedIdentity(t, engine, ctx, login.AccessToken)

	if _, err := engine.ActivateTOTP(ctx, identity, "123456"); !errors.Is(err, ErrMFANotEnrolled) {
		t.Fatalf("expected ErrMFANotEnrolled, got %v", err)
	}
}

func TestTOTPActivateWrongCodeLeavesEnrollmentPending(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	seedAlice(t, dir)
	engine := newTestEngine(t, rdb, dir)
	ctx := tenantCtx("t1", "")

	login := loginAlice(t, engine, ctx)
	identity := validatedIdentity(t, engine, ctx, login.AccessToken)

	enrollment, err := engine.StartTOTPEnrollment(ctx, identity)
	if err != nil {
		t.Fatalf("StartTOTPEnrollment failed: %v", err)
	}

	if _, err := engine.ActivateTOTP(ctx, identity, "000000"); !errors.Is(err, ErrInvalidMFACode) {
		t.Fatalf("expected ErrInvalidMFACode, got %v", err)
	}

	// A typo must not burn the enrollment; the right code still works.
	if _, err := engine.ActivateTOTP(ctx, identity, totpCode(t, enrollment.Secret, time.Now())); err != nil {
		t.Fatalf("activation after a wrong code failed: %v", err)
	}
}

func TestTOTPReEnrollReplacesPendingSeed(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	seedAlice(t, dir)
	engine := newTestEngine(t, rdb, dir)
	ctx := tenantCtx("t1", "")

	login := loginAlice(t, engine, ctx)
	identity := validatedIdentity(t, engine, ctx, login.AccessToken)

	first, err := engine.StartTOTPEnrollment(ctx, identity)
	if err != nil {
		t.Fatalf("first enrollment failed: %v", err)
	}
	second, err := engine.StartTOTPEnrollment(ctx, identity)
	if err != nil {
		t.Fatalf("second enrollment failed: %v", err)
	}
	if first.Secret == second.Secret {
		t.Fatal("re-enrollment must mint a fresh seed")
	}

	// Only the latest seed activates.
	if _, err := engine.ActivateTOTP(ctx, identity, totpCode(t, first.Secret, time.Now())); !errors.Is(err, ErrInvalidMFACode) {
		t.Fatalf("stale seed must not activate, got %v", err)
	}
	if _, err := engine.ActivateTOTP(ctx, identity, totpCode(t, second.Secret, time.Now())); err != nil {
		t.Fatalf("activation with current seed failed: %v", err)
	}
}

func TestTOTPDisableRequiresPassword(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	seedAlice(t, dir)
	engine := newTestEngine(t, rdb, dir)
	ctx := tenantCtx("t1", "")

	login := loginAlice(t, engine, ctx)
	identity := validatedIdentity(t, engine, ctx, login.AccessToken)
	enrollment, err := engine.StartTOTPEnrollment(ctx, identity)
	if err != nil {
		t.Fatalf("StartTOTPEnrollment failed: %v", err)
	}
	if _, err := engine.ActivateTOTP(ctx, identity, totpCode(t, enrollment.Secret, time.Now())); err != nil {
		t.Fatalf("ActivateTOTP failed: %v", err)
	}

	if err := engine.DisableTOTP(ctx, identity, "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := engine.DisableTOTP(ctx, identity, "correct-horse-battery"); err != nil {
		t.Fatalf("DisableTOTP failed: %v", err)
	}

	// Logins drop back to single factor.
	result := loginAlice(t, engine, ctx)
	if result.StepUpRequired {
		t.Fatal("step-up still demanded after disable")
	}

	snap := engine.MetricsSnapshot()
	if snap.Counters[MetricMFADisabled] != 1 {
		t.Fatalf("expected MFA disabled counter 1, got %d", snap.Counters[MetricMFADisabled])
	}
}

func TestTOTPDisableWithoutEnrollment(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	seedAlice(t, dir)
	engine := newTestEngine(t, rdb, dir)
	ctx := tenantCtx("t1", "")

	login := loginAlice(t, engine, ctx)
	identity := validatedIdentity(t, engine, ctx, login.AccessToken)

	if err := engine.DisableTOTP(ctx, identity, "correct-horse-battery"); !errors.Is(err, ErrMFANotEnrolled) {
		t.Fatalf("expected ErrMFANotEnrolled, got %v", err)
	}
}

func TestRegenerateRecoveryCodesInvalidatesOldSet(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	engine := newTestEngine(t, rdb, dir)
	secret, oldCodes := seedMFAPrincipal(t, engine, dir)
	ctx := tenantCtx("t1", "")

	// Step up to get a working identity for the regeneration call.
	stepToken := loginForStepUp(t, engine, ctx)
	dir.setLastUsedStep("t1", "p3", 0)
	result, err := engine.CompleteStepUp(ctx, StepUpRequest{StepUpToken: stepToken, Code: totpCode(t, secret, time.Now())})
	if err != nil {
		t.Fatalf("CompleteStepUp failed: %v", err)
	}
	identity := validatedIdentity(t, engine, ctx, result.AccessToken)

	dir.setLastUsedStep("t1", "p3", 0)
	newCodes, err := engine.RegenerateRecoveryCodes(ctx, identity, totpCode(t, secret, time.Now()))
	if err != nil {
		t.Fatalf("RegenerateRecoveryCodes failed: %v", err)
	}
	if len(newCodes) != 10 {
		t.Fatalf("expected 10 codes, got %d", len(newCodes))
	}

	// The old set is dead; the new set works.
	stepToken = loginForStepUp(t, engine, ctx)
	if _, err := engine.CompleteStepUp(ctx, StepUpRequest{StepUpToken: stepToken, RecoveryCode: oldCodes[0]}); !errors.Is(err, ErrInvalidMFACode) {
		t.Fatalf("expected old recovery code to be rejected, got %v", err)
	}
	if _, err := engine.CompleteStepUp(ctx, StepUpRequest{StepUpToken: stepToken, RecoveryCode: newCodes[0]}); err != nil {
		t.Fatalf("new recovery code failed: %v", err)
	}
}

func TestRegenerateRecoveryCodesDemandsFreshCode(t *testing.T) {
	_, rdb := newTestRedis(t)
	dir := newMockDirectory()
	engine := newTestEngine(t, rdb, dir)
	secret, _ := seedMFAPrincipal(t, engine, dir)
	ctx := tenantCtx("t1", "")

	code := totpCode(t, secret, time.Now())

	stepToken := loginForStepUp(t, engine, ctx)
	dir.setLastUsedStep("t1", "p3", 0)
	result, err := engine.CompleteStepUp(ctx, StepUpRequest{StepUpToken: stepToken, Code: code})
	if err != nil {
		t.Fatalf("CompleteStepUp failed: %v", err)
	}
	identity := validatedIdentity(t, engine, ctx, result.AccessToken)

	if _, err := engine.RegenerateRecoveryCodes(ctx, identity, ""); !errors.Is(err, ErrStepUpRequired) {
		t.Fatalf("expected ErrStepUpRequired for empty code, got %v", err)
	}

	// Reusing the code that completed the step-up is a replay.
	if _, err := engine.RegenerateRecoveryCodes(ctx, identity, code); !errors.Is(err, ErrInvalidMFACode) {
		t.Fatalf("expected ErrInvalidMFACode for replayed code, got %v", err)
	}
}
