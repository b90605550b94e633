package internaldefs

import (
	"github.com/tessera-id/tessera"
)

// CounterDef binds a core counter to its stable exposition name.
type CounterDef struct {
	ID   tessera.MetricID
	Name string
	Help string
}

// HistogramDef binds a core histogram to its stable exposition name.
type HistogramDef struct {
	ID   tessera.MetricID
	Name string
	Help string
}

// CounterDefs lists every core counter in exposition order.
var CounterDefs = []CounterDef{
	{ID: tessera.MetricLoginSuccess, Name: "tessera_login_success_total", Help: "Successful first-factor logins."},
	{ID: tessera.MetricLoginFailure, Name: "tessera_login_failure_total", Help: "Failed first-factor logins."},
	{ID: tessera.MetricLoginLocked, Name: "tessera_login_locked_total", Help: "Logins refused by an active lockout."},
	{ID: tessera.MetricLoginRateLimited, Name: "tessera_login_rate_limited_total", Help: "Logins delayed or denied by the guard ladder."},
	{ID: tessera.MetricChallengeRequired, Name: "tessera_challenge_required_total", Help: "Logins that demanded an out-of-band challenge."},
	{ID: tessera.MetricStepUpRequired, Name: "tessera_stepup_required_total", Help: "Logins held pending MFA step-up."},
	{ID: tessera.MetricStepUpSuccess, Name: "tessera_stepup_success_total", Help: "Completed MFA step-ups."},
	{ID: tessera.MetricStepUpFailure, Name: "tessera_stepup_failure_total", Help: "Failed MFA step-up attempts."},
	{ID: tessera.MetricStepUpAttemptsExceeded, Name: "tessera_stepup_attempts_exceeded_total", Help: "Step-up challenges invalidated by the attempt budget."},
	{ID: tessera.MetricRecoveryCodeUsed, Name: "tessera_recovery_code_used_total", Help: "Recovery codes consumed."},
	{ID: tessera.MetricRecoveryCodesReplaced, Name: "tessera_recovery_codes_replaced_total", Help: "Recovery code set regenerations."},
	{ID: tessera.MetricRefreshSuccess, Name: "tessera_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: tessera.MetricRefreshFailure, Name: "tessera_refresh_failure_total", Help: "Failed refresh operations."},
	{ID: tessera.MetricTokenReplayDetected, Name: "tessera_token_replay_detected_total", Help: "Refresh replays detected; each triggers principal-wide revocation."},
	{ID: tessera.MetricLogout, Name: "tessera_logout_total", Help: "Single-session logouts."},
	{ID: tessera.MetricLogoutAll, Name: "tessera_logout_all_total", Help: "Principal-wide logouts."},
	{ID: tessera.MetricSessionCreated, Name: "tessera_session_created_total", Help: "Sessions created."},
	{ID: tessera.MetricSessionRevoked, Name: "tessera_session_revoked_total", Help: "Sessions revoked."},
	{ID: tessera.MetricTenantMismatch, Name: "tessera_tenant_mismatch_total", Help: "Operations refused for crossing a tenant boundary."},
	{ID: tessera.MetricPermissionDenied, Name: "tessera_permission_denied_total", Help: "Authorization checks that denied."},
	{ID: tessera.MetricGuardAlert, Name: "tessera_guard_alert_total", Help: "Identifiers or addresses that crossed the alert rung."},
	{ID: tessera.MetricGuardDegraded, Name: "tessera_guard_degraded_total", Help: "Guard decisions taken on the degraded local limiter."},
	{ID: tessera.MetricMFAEnabled, Name: "tessera_mfa_enabled_total", Help: "TOTP activations."},
	{ID: tessera.MetricMFADisabled, Name: "tessera_mfa_disabled_total", Help: "TOTP deactivations."},
	{ID: tessera.MetricPasswordChanged, Name: "tessera_password_changed_total", Help: "Password changes."},
	{ID: tessera.MetricPrincipalDisabled, Name: "tessera_principal_disabled_total", Help: "Principals soft-disabled."},
	{ID: tessera.MetricValidateSuccess, Name: "tessera_validate_success_total", Help: "Access tokens that validated."},
	{ID: tessera.MetricValidateFailure, Name: "tessera_validate_failure_total", Help: "Access tokens that failed validation."},
}

// HistogramDefs lists every core histogram in exposition order.
var HistogramDefs = []HistogramDef{
	{ID: tessera.MetricValidateLatency, Name: "tessera_validate_latency_seconds", Help: "ValidateAccess latency."},
}

// HistogramBounds are the upper bounds of the core latency buckets, in
// seconds, matching the millisecond boundaries the engine records.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundValues are the finite bounds from HistogramBounds as
// float64, for exporters that take numeric bucket boundaries. The +Inf
// bucket is implied by the total count.
var HistogramBoundValues = []float64{
	0.005,
	0.01,
	0.025,
	0.05,
	0.1,
	0.25,
	0.5,
}

// HistogramBoundSuffix mirrors HistogramBounds with characters legal in
// OTel instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets fixes a raw snapshot slice to the exposition width.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to the cumulative form
// Prometheus histograms expose.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
