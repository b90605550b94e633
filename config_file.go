package tessera

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// duration lets TOML carry Go duration strings ("15m", "72h").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

type fileJWT struct {
	AccessTTL      duration          `toml:"access_ttl"`
	RefreshTTL     duration          `toml:"refresh_ttl"`
	StepUpTTL      duration          `toml:"step_up_ttl"`
	SigningMethod  string            `toml:"signing_method"`
	PrivateKeyFile string            `toml:"private_key_file"`
	PublicKeyFile  string            `toml:"public_key_file"`
	KeyID          string            `toml:"key_id"`
	VerifyKeyFiles map[string]string `toml:"verify_key_files"`
	Issuer         string            `toml:"issuer"`
	Audience       string            `toml:"audience"`
	Leeway         duration          `toml:"leeway"`
}

type fileSession struct {
	RedisPrefix             string   `toml:"redis_prefix"`
	Lifetime                duration `toml:"lifetime"`
	RetentionWindow         duration `toml:"retention_window"`
	MaxSessionsPerPrincipal int      `toml:"max_sessions_per_principal"`
}

type filePassword struct {
	Memory         uint32 `toml:"memory_kb"`
	Time           uint32 `toml:"time"`
	Parallelism    uint8  `toml:"parallelism"`
	SaltLength     uint32 `toml:"salt_length"`
	KeyLength      uint32 `toml:"key_length"`
	MinLength      int    `toml:"min_length"`
	UpgradeOnLogin bool   `toml:"upgrade_on_login"`
}

type fileMFA struct {
	Issuer               string   `toml:"issuer"`
	Digits               int      `toml:"digits"`
	Period               int      `toml:"period"`
	ChallengeTTL         duration `toml:"challenge_ttl"`
	ChallengeMaxAttempts int      `toml:"challenge_max_attempts"`
	RecoveryCodeCount    int      `toml:"recovery_code_count"`
	SealKeyFile          string   `toml:"seal_key_file"`
}

type fileLadder struct {
	Challenge int `toml:"challenge"`
	Delay     int `toml:"delay"`
	Lock      int `toml:"lock"`
	Alert     int `toml:"alert"`
}

type fileGuard struct {
	Window             duration   `toml:"window"`
	LockDuration       duration   `toml:"lock_duration"`
	DelayStep          duration   `toml:"delay_step"`
	MaxDelay           duration   `toml:"max_delay"`
	Identifier         fileLadder `toml:"identifier"`
	Address            fileLadder `toml:"address"`
	StepUpWindow       duration   `toml:"step_up_window"`
	StepUpLockDuration duration   `toml:"step_up_lock_duration"`
	StepUp             fileLadder `toml:"step_up"`
	FallbackRate       float64    `toml:"fallback_rate"`
	FallbackBurst      int        `toml:"fallback_burst"`
}

type fileConfig struct {
	JWT      fileJWT      `toml:"jwt"`
	Session  fileSession  `toml:"session"`
	Password filePassword `toml:"password"`
	MFA      fileMFA      `toml:"mfa"`
	Guard    fileGuard    `toml:"guard"`

	Security struct {
		ProductionMode  bool `toml:"production_mode"`
		RequireVerified bool `toml:"require_verified"`
	} `toml:"security"`

	MultiTenant struct {
		TenantHeader string `toml:"tenant_header"`
	} `toml:"multi_tenant"`

	Audit struct {
		Enabled    bool `toml:"enabled"`
		BufferSize int  `toml:"buffer_size"`
		DropIfFull bool `toml:"drop_if_full"`
	} `toml:"audit"`

	Metrics struct {
		Enabled                 bool `toml:"enabled"`
		EnableLatencyHistograms bool `toml:"enable_latency_histograms"`
	} `toml:"metrics"`

	Authz struct {
		SuperuserRoles []string `toml:"superuser_roles"`
	} `toml:"authz"`
}

// LoadConfigFile reads a TOML file and returns the merged configuration:
// defaults first, file values over them. Key material is referenced by
// path and loaded relative to the config file's directory, so secrets
// never sit inline in the config.
func LoadConfigFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return parseConfigTOML(raw, filepath.Dir(path))
}

func parseConfigTOML(raw []byte, baseDir string) (Config, error) {
	fc := fileConfigDefaults()
	meta, err := toml.Decode(string(raw), &fc)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	cfg := fc.toConfig()

	if fc.JWT.PrivateKeyFile != "" {
		cfg.JWT.PrivateKey, err = readKeyFile(baseDir, fc.JWT.PrivateKeyFile)
		if err != nil {
			return Config{}, err
		}
	}
	if fc.JWT.PublicKeyFile != "" {
		cfg.JWT.PublicKey, err = readKeyFile(baseDir, fc.JWT.PublicKeyFile)
		if err != nil {
			return Config{}, err
		}
	}
	if len(fc.JWT.VerifyKeyFiles) > 0 {
		cfg.JWT.VerifyKeys = make(map[string][]byte, len(fc.JWT.VerifyKeyFiles))
		for kid, keyPath := range fc.JWT.VerifyKeyFiles {
			cfg.JWT.VerifyKeys[kid], err = readKeyFile(baseDir, keyPath)
			if err != nil {
				return Config{}, err
			}
		}
	}
	if fc.MFA.SealKeyFile != "" {
		cfg.MFA.SealKey, err = readSealKeyFile(baseDir, fc.MFA.SealKeyFile)
		if err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func fileConfigDefaults() fileConfig {
	def := defaultConfig()
	var fc fileConfig

	fc.JWT.AccessTTL = duration{def.JWT.AccessTTL}
	fc.JWT.RefreshTTL = duration{def.JWT.RefreshTTL}
	fc.JWT.StepUpTTL = duration{def.JWT.StepUpTTL}
	fc.JWT.SigningMethod = def.JWT.SigningMethod
	fc.JWT.Leeway = duration{def.JWT.Leeway}

	fc.Session.RedisPrefix = def.Session.RedisPrefix
	fc.Session.Lifetime = duration{def.Session.Lifetime}
	fc.Session.RetentionWindow = duration{def.Session.RetentionWindow}
	fc.Session.MaxSessionsPerPrincipal = def.Session.MaxSessionsPerPrincipal

	fc.Password.Memory = def.Password.Memory
	fc.Password.Time = def.Password.Time
	fc.Password.Parallelism = def.Password.Parallelism
	fc.Password.SaltLength = def.Password.SaltLength
	fc.Password.KeyLength = def.Password.KeyLength
	fc.Password.MinLength = def.Password.MinLength
	fc.Password.UpgradeOnLogin = def.Password.UpgradeOnLogin

	fc.MFA.Issuer = def.MFA.Issuer
	fc.MFA.Digits = def.MFA.Digits
	fc.MFA.Period = def.MFA.Period
	fc.MFA.ChallengeTTL = duration{def.MFA.ChallengeTTL}
	fc.MFA.ChallengeMaxAttempts = def.MFA.ChallengeMaxAttempts
	fc.MFA.RecoveryCodeCount = def.MFA.RecoveryCodeCount

	fc.Guard.Window = duration{def.Guard.Window}
	fc.Guard.LockDuration = duration{def.Guard.LockDuration}
	fc.Guard.DelayStep = duration{def.Guard.DelayStep}
	fc.Guard.MaxDelay = duration{def.Guard.MaxDelay}
	fc.Guard.Identifier = fileLadder(def.Guard.Identifier)
	fc.Guard.Address = fileLadder(def.Guard.Address)
	fc.Guard.StepUpWindow = duration{def.Guard.StepUpWindow}
	fc.Guard.StepUpLockDuration = duration{def.Guard.StepUpLockDuration}
	fc.Guard.StepUp = fileLadder(def.Guard.StepUp)
	fc.Guard.FallbackRate = def.Guard.FallbackRate
	fc.Guard.FallbackBurst = def.Guard.FallbackBurst

	fc.Security.ProductionMode = def.Security.ProductionMode
	fc.Security.RequireVerified = def.Security.RequireVerified
	fc.MultiTenant.TenantHeader = def.MultiTenant.TenantHeader
	fc.Audit.Enabled = def.Audit.Enabled
	fc.Audit.BufferSize = def.Audit.BufferSize
	fc.Audit.DropIfFull = def.Audit.DropIfFull
	fc.Metrics.Enabled = def.Metrics.Enabled
	fc.Metrics.EnableLatencyHistograms = def.Metrics.EnableLatencyHistograms
	fc.Authz.SuperuserRoles = def.Authz.SuperuserRoles

	return fc
}

func (fc fileConfig) toConfig() Config {
	cfg := defaultConfig()

	cfg.JWT.AccessTTL = fc.JWT.AccessTTL.Duration
	cfg.JWT.RefreshTTL = fc.JWT.RefreshTTL.Duration
	cfg.JWT.StepUpTTL = fc.JWT.StepUpTTL.Duration
	cfg.JWT.SigningMethod = fc.JWT.SigningMethod
	cfg.JWT.KeyID = fc.JWT.KeyID
	cfg.JWT.Issuer = fc.JWT.Issuer
	cfg.JWT.Audience = fc.JWT.Audience
	cfg.JWT.Leeway = fc.JWT.Leeway.Duration

	cfg.Session.RedisPrefix = fc.Session.RedisPrefix
	cfg.Session.Lifetime = fc.Session.Lifetime.Duration
	cfg.Session.RetentionWindow = fc.Session.RetentionWindow.Duration
	cfg.Session.MaxSessionsPerPrincipal = fc.Session.MaxSessionsPerPrincipal

	cfg.Password.Memory = fc.Password.Memory
	cfg.Password.Time = fc.Password.Time
	cfg.Password.Parallelism = fc.Password.Parallelism
	cfg.Password.SaltLength = fc.Password.SaltLength
	cfg.Password.KeyLength = fc.Password.KeyLength
	cfg.Password.MinLength = fc.Password.MinLength
	cfg.Password.UpgradeOnLogin = fc.Password.UpgradeOnLogin

	cfg.MFA.Issuer = fc.MFA.Issuer
	cfg.MFA.Digits = fc.MFA.Digits
	cfg.MFA.Period = fc.MFA.Period
	cfg.MFA.ChallengeTTL = fc.MFA.ChallengeTTL.Duration
	cfg.MFA.ChallengeMaxAttempts = fc.MFA.ChallengeMaxAttempts
	cfg.MFA.RecoveryCodeCount = fc.MFA.RecoveryCodeCount

	cfg.Guard.Window = fc.Guard.Window.Duration
	cfg.Guard.LockDuration = fc.Guard.LockDuration.Duration
	cfg.Guard.DelayStep = fc.Guard.DelayStep.Duration
	cfg.Guard.MaxDelay = fc.Guard.MaxDelay.Duration
	cfg.Guard.Identifier = GuardLadder(fc.Guard.Identifier)
	cfg.Guard.Address = GuardLadder(fc.Guard.Address)
	cfg.Guard.StepUpWindow = fc.Guard.StepUpWindow.Duration
	cfg.Guard.StepUpLockDuration = fc.Guard.StepUpLockDuration.Duration
	cfg.Guard.StepUp = GuardLadder(fc.Guard.StepUp)
	cfg.Guard.FallbackRate = fc.Guard.FallbackRate
	cfg.Guard.FallbackBurst = fc.Guard.FallbackBurst

	cfg.Security.ProductionMode = fc.Security.ProductionMode
	cfg.Security.RequireVerified = fc.Security.RequireVerified
	cfg.MultiTenant.TenantHeader = fc.MultiTenant.TenantHeader
	cfg.Audit.Enabled = fc.Audit.Enabled
	cfg.Audit.BufferSize = fc.Audit.BufferSize
	cfg.Audit.DropIfFull = fc.Audit.DropIfFull
	cfg.Metrics.Enabled = fc.Metrics.Enabled
	cfg.Metrics.EnableLatencyHistograms = fc.Metrics.EnableLatencyHistograms
	cfg.Authz.SuperuserRoles = fc.Authz.SuperuserRoles

	return cfg
}

func readKeyFile(baseDir, path string) ([]byte, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return data, nil
}

// readSealKeyFile accepts either 32 raw bytes or a 64-char hex string
// (trailing newline tolerated).
func readSealKeyFile(baseDir, path string) ([]byte, error) {
	data, err := readKeyFile(baseDir, path)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if len(trimmed) == 64 {
		if decoded, err := hex.DecodeString(trimmed); err == nil {
			return decoded, nil
		}
	}
	if len(data) == 32 {
		return data, nil
	}
	return nil, fmt.Errorf("seal key file %s: want 32 raw bytes or 64 hex chars, got %d bytes", filepath.Base(path), len(data))
}
