package tessera

import "time"

// SecurityReport is a read-only summary of the engine's effective
// security posture, for operator dashboards and startup logs. It never
// carries key material, only whether and how protections are engaged.
type SecurityReport struct {
	ProductionMode  bool
	RequireVerified bool

	SigningMethod  string
	VerifyKeyCount int
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	StepUpTTL      time.Duration

	Argon2 PasswordCostReport

	SessionLifetime   time.Duration
	RetentionWindow   time.Duration
	SessionCapsActive bool

	IdentifierLadderActive bool
	AddressLadderActive    bool
	StepUpLadderActive     bool
	DegradedFallbackActive bool

	MFAChallengeTTL      time.Duration
	MFAChallengeAttempts int
	RecoveryCodeCount    int

	AuditEnabled   bool
	MetricsEnabled bool
}

// PasswordCostReport mirrors the Argon2id cost parameters in effect.
type PasswordCostReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Engaged reports whether any rung of the ladder is configured.
func (l GuardLadder) Engaged() bool {
	return l.Challenge > 0 || l.Delay > 0 || l.Lock > 0 || l.Alert > 0
}

// SecurityReport summarizes the running configuration.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	cfg := e.config
	return SecurityReport{
		ProductionMode:  cfg.Security.ProductionMode,
		RequireVerified: cfg.Security.RequireVerified,

		SigningMethod:  cfg.JWT.SigningMethod,
		VerifyKeyCount: len(cfg.JWT.VerifyKeys),
		AccessTTL:      cfg.JWT.AccessTTL,
		RefreshTTL:     cfg.JWT.RefreshTTL,
		StepUpTTL:      cfg.JWT.StepUpTTL,

		Argon2: PasswordCostReport{
			Memory:      cfg.Password.Memory,
			Time:        cfg.Password.Time,
			Parallelism: cfg.Password.Parallelism,
			SaltLength:  cfg.Password.SaltLength,
			KeyLength:   cfg.Password.KeyLength,
		},

		SessionLifetime:   cfg.Session.Lifetime,
		RetentionWindow:   cfg.Session.RetentionWindow,
		SessionCapsActive: cfg.Session.MaxSessionsPerPrincipal > 0,

		IdentifierLadderActive: cfg.Guard.Identifier.Engaged(),
		AddressLadderActive:    cfg.Guard.Address.Engaged(),
		StepUpLadderActive:     cfg.Guard.StepUp.Engaged(),
		DegradedFallbackActive: cfg.Guard.FallbackRate > 0,

		MFAChallengeTTL:      cfg.MFA.ChallengeTTL,
		MFAChallengeAttempts: cfg.MFA.ChallengeMaxAttempts,
		RecoveryCodeCount:    cfg.MFA.RecoveryCodeCount,

		AuditEnabled:   cfg.Audit.Enabled,
		MetricsEnabled: cfg.Metrics.Enabled,
	}
}
