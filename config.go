package tessera

import (
	"bytes"
	"errors"
	"time"
)

// Config is the full engine configuration, split into one section per
// concern. Zero values are not usable; start from DefaultConfig and
// override, or load a TOML file with LoadConfigFile.
type Config struct {
	JWT         JWTConfig
	Session     SessionConfig
	Password    PasswordConfig
	MFA         MFAConfig
	Guard       GuardConfig
	Security    SecurityConfig
	MultiTenant MultiTenantConfig
	Audit       AuditConfig
	Metrics     MetricsConfig
	Authz       AuthzConfig
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig controls the three token kinds. VerifyKeys is the rotation
// ring: key-id to Ed25519 public key, so tokens signed under a retired
// key verify until natural expiry.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	StepUpTTL     time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	PrivateKey    []byte
	PublicKey     []byte
	KeyID         string
	VerifyKeys    map[string][]byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls session records. Lifetime is the absolute bound
// fixed at creation; RetentionWindow keeps revoked and expired blobs
// readable for forensics before Redis expels them.
type SessionConfig struct {
	RedisPrefix             string
	Lifetime                time.Duration
	RetentionWindow         time.Duration
	MaxSessionsPerPrincipal int
}

/*
====================================
PASSWORD CONFIG
====================================
*/

type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	MinLength      int
	UpgradeOnLogin bool
}

/*
====================================
MFA CONFIG
====================================
*/

// MFAConfig controls TOTP step-up. SealKey is the 32-byte
// XChaCha20-Poly1305 key sealing stored seeds; placeholder keys are
// rejected at build time.
type MFAConfig struct {
	Issuer               string
	Digits               int
	Period               int
	ChallengeTTL         time.Duration
	ChallengeMaxAttempts int
	RecoveryCodeCount    int
	SealKey              []byte
}

/*
====================================
GUARD CONFIG
====================================
*/

// GuardLadder holds the failure counts at which each escalation state
// engages within the sliding window. Zero disables a rung.
type GuardLadder struct {
	Challenge int
	Delay     int
	Lock      int
	Alert     int
}

// GuardConfig controls the brute-force ladders. Identifier and Address
// ladders guard the first factor; StepUp is the tighter ladder for
// 6-digit codes. Fallback* bound the per-process limiter used when Redis
// is unreachable.
type GuardConfig struct {
	Window       time.Duration
	LockDuration time.Duration
	DelayStep    time.Duration
	MaxDelay     time.Duration
	Identifier   GuardLadder
	Address      GuardLadder

	StepUpWindow       time.Duration
	StepUpLockDuration time.Duration
	StepUp             GuardLadder

	FallbackRate  float64
	FallbackBurst int
}

/*
====================================
SECURITY CONFIG
====================================
*/

type SecurityConfig struct {
	ProductionMode  bool
	RequireVerified bool
}

/*
====================================
MULTI TENANT CONFIG
====================================
*/

// MultiTenantConfig names the transport header middleware reads the
// tenant from. The engine itself only ever sees the context carrier.
type MultiTenantConfig struct {
	TenantHeader string
}

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// AuthzConfig marks roles that short-circuit to all permissions. The
// role and permission sets themselves are registered on the Builder.
type AuthzConfig struct {
	SuperuserRoles []string
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the development baseline. Key material is absent
// on purpose; Build fails until the caller supplies it.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     5 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			StepUpTTL:     5 * time.Minute,
			SigningMethod: "ed25519",
			Leeway:        30 * time.Second,
		},
		Session: SessionConfig{
			RedisPrefix:             "ts",
			Lifetime:                7 * 24 * time.Hour,
			RetentionWindow:         24 * time.Hour,
			MaxSessionsPerPrincipal: 0,
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			MinLength:      10,
			UpgradeOnLogin: true,
		},
		MFA: MFAConfig{
			Issuer:               "",
			Digits:               6,
			Period:               30,
			ChallengeTTL:         5 * time.Minute,
			ChallengeMaxAttempts: 5,
			RecoveryCodeCount:    10,
		},
		Guard: GuardConfig{
			Window:       15 * time.Minute,
			LockDuration: 15 * time.Minute,
			DelayStep:    2 * time.Second,
			MaxDelay:     30 * time.Second,
			Identifier:   GuardLadder{Challenge: 3, Delay: 6, Lock: 10, Alert: 20},
			Address:      GuardLadder{Challenge: 10, Delay: 20, Lock: 50, Alert: 200},

			StepUpWindow:       5 * time.Minute,
			StepUpLockDuration: 15 * time.Minute,
			StepUp:             GuardLadder{Challenge: 0, Delay: 3, Lock: 5, Alert: 10},

			FallbackRate:  1,
			FallbackBurst: 3,
		},
		Security: SecurityConfig{
			ProductionMode:  false,
			RequireVerified: false,
		},
		MultiTenant: MultiTenantConfig{
			TenantHeader: "X-Tenant-ID",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Authz: AuthzConfig{},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	out.MFA.SealKey = cloneBytes(cfg.MFA.SealKey)
	if cfg.JWT.VerifyKeys != nil {
		out.JWT.VerifyKeys = make(map[string][]byte, len(cfg.JWT.VerifyKeys))
		for kid, key := range cfg.JWT.VerifyKeys {
			out.JWT.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	if cfg.Authz.SuperuserRoles != nil {
		out.Authz.SuperuserRoles = append([]string(nil), cfg.Authz.SuperuserRoles...)
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= 0 {
		return errors.New("JWT RefreshTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must exceed AccessTTL")
	}
	if c.JWT.StepUpTTL <= 0 || c.JWT.StepUpTTL > 15*time.Minute {
		return errors.New("JWT StepUpTTL must be in (0, 15m]")
	}
	if c.JWT.SigningMethod != "ed25519" && c.JWT.SigningMethod != "hs256" {
		return errors.New("unsupported JWT signing method")
	}
	if len(c.JWT.PrivateKey) == 0 {
		return errors.New("JWT PrivateKey is required")
	}
	if c.JWT.SigningMethod == "ed25519" && len(c.JWT.PublicKey) == 0 && len(c.JWT.VerifyKeys) == 0 {
		return errors.New("ed25519 requires PublicKey or VerifyKeys")
	}
	if c.JWT.KeyID != "" && len(c.JWT.VerifyKeys) > 0 {
		if _, ok := c.JWT.VerifyKeys[c.JWT.KeyID]; !ok {
			return errors.New("JWT KeyID missing from VerifyKeys ring")
		}
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be in [0, 2m]")
	}

	// Session
	if c.Session.RedisPrefix == "" {
		return errors.New("Session RedisPrefix is required")
	}
	if c.Session.Lifetime <= 0 {
		return errors.New("Session Lifetime must be > 0")
	}
	if c.Session.RetentionWindow < 0 {
		return errors.New("Session RetentionWindow must be >= 0")
	}
	if c.Session.MaxSessionsPerPrincipal < 0 {
		return errors.New("Session MaxSessionsPerPrincipal must be >= 0")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MinLength < 8 {
		return errors.New("Password MinLength must be >= 8")
	}

	// MFA
	if c.MFA.Issuer == "" {
		return errors.New("MFA Issuer is required")
	}
	if c.MFA.Digits != 6 && c.MFA.Digits != 8 {
		return errors.New("MFA Digits must be 6 or 8")
	}
	if c.MFA.Period < 15 {
		return errors.New("MFA Period must be >= 15 seconds")
	}
	if c.MFA.ChallengeTTL <= 0 {
		return errors.New("MFA ChallengeTTL must be > 0")
	}
	if c.MFA.ChallengeMaxAttempts <= 0 {
		return errors.New("MFA ChallengeMaxAttempts must be > 0")
	}
	if c.MFA.RecoveryCodeCount < 8 {
		return errors.New("MFA RecoveryCodeCount must be >= 8")
	}
	if err := validateSealKey(c.MFA.SealKey); err != nil {
		return err
	}

	// Guard
	if c.Guard.Window <= 0 {
		return errors.New("Guard Window must be > 0")
	}
	if c.Guard.LockDuration <= 0 {
		return errors.New("Guard LockDuration must be > 0")
	}
	if c.Guard.DelayStep < 0 || c.Guard.MaxDelay < 0 {
		return errors.New("Guard delay durations must be >= 0")
	}
	if c.Guard.Identifier.Lock <= 0 {
		return errors.New("Guard Identifier ladder must define a Lock threshold")
	}
	if c.Guard.Address.Lock <= 0 {
		return errors.New("Guard Address ladder must define a Lock threshold")
	}
	if c.Guard.StepUpWindow <= 0 || c.Guard.StepUpLockDuration <= 0 {
		return errors.New("Guard step-up window and lock duration must be > 0")
	}
	if c.Guard.StepUp.Lock <= 0 {
		return errors.New("Guard StepUp ladder must define a Lock threshold")
	}
	if c.Guard.StepUp.Lock >= c.Guard.Identifier.Lock {
		return errors.New("Guard StepUp ladder must lock earlier than the Identifier ladder")
	}
	if err := validateLadder("Identifier", c.Guard.Identifier); err != nil {
		return err
	}
	if err := validateLadder("Address", c.Guard.Address); err != nil {
		return err
	}
	if err := validateLadder("StepUp", c.Guard.StepUp); err != nil {
		return err
	}

	// Multi-tenant
	if c.MultiTenant.TenantHeader == "" {
		return errors.New("MultiTenant TenantHeader is required")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	if c.Security.ProductionMode {
		if c.JWT.AccessTTL > 15*time.Minute {
			return errors.New("ProductionMode requires JWT AccessTTL <= 15m")
		}
		if c.JWT.RefreshTTL > 30*24*time.Hour {
			return errors.New("ProductionMode requires JWT RefreshTTL <= 30d")
		}
		if c.JWT.StepUpTTL > 5*time.Minute {
			return errors.New("ProductionMode requires JWT StepUpTTL <= 5m")
		}
		if c.JWT.SigningMethod == "hs256" && len(c.JWT.PrivateKey) < 32 {
			return errors.New("ProductionMode requires hs256 key length >= 256 bits")
		}
		if c.Password.Memory < 64*1024 {
			return errors.New("ProductionMode requires Password Memory >= 65536 KB")
		}
		if c.Password.Time < 2 {
			return errors.New("ProductionMode requires Password Time >= 2")
		}
		if c.Password.KeyLength < 32 {
			return errors.New("ProductionMode requires Password KeyLength >= 32")
		}
		if c.MFA.ChallengeMaxAttempts > 5 {
			return errors.New("ProductionMode requires MFA ChallengeMaxAttempts <= 5")
		}
		if !c.Audit.Enabled {
			return errors.New("ProductionMode requires the audit stream enabled")
		}
	}

	return nil
}

func validateLadder(name string, l GuardLadder) error {
	// Enabled rungs must escalate in order.
	prev := 0
	for _, step := range []int{l.Challenge, l.Delay, l.Lock, l.Alert} {
		if step == 0 {
			continue
		}
		if step <= prev {
			return errors.New("Guard " + name + " ladder thresholds must strictly increase")
		}
		prev = step
	}
	return nil
}

// validateSealKey rejects absent, short, zero, and single-byte-fill keys.
// A repeated-byte key is a placeholder that slipped out of an example.
func validateSealKey(key []byte) error {
	if len(key) != 32 {
		return errors.New("MFA SealKey must be exactly 32 bytes")
	}
	if bytes.Count(key, key[:1]) == len(key) {
		return errors.New("MFA SealKey looks like a placeholder (single repeated byte)")
	}
	return nil
}
