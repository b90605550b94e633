package tessera

import (
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/tessera-id/tessera/internal/guard"
	"github.com/tessera-id/tessera/internal/seal"
	"github.com/tessera-id/tessera/password"
	"github.com/tessera-id/tessera/rbac"
	"github.com/tessera-id/tessera/session"
	"github.com/tessera-id/tessera/token"
)

// Builder assembles an Engine from its configuration, shared
// infrastructure, and the build-time role model. It is single-use: Build
// consumes the builder, and the Engine it returns is immutable
// afterwards. Role and permission registration happens here and only
// here; there is no runtime mutation surface for the authorization model.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	directory Directory
	auditSink AuditSink

	permissions []string
	roles       map[string][]string
	inheritance map[string][]string

	built bool
}

// New returns a Builder seeded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the whole configuration. The value is deep-copied;
// later mutation of cfg by the caller does not reach the engine.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing sessions, guards, refresh
// rotation state, step-up challenges, and the revocation list.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithDirectory sets the SQL-backed principal directory.
func (b *Builder) WithDirectory(d Directory) *Builder {
	b.directory = d
	return b
}

// WithAuditSink sets the destination for audit events. Leaving it unset
// with auditing enabled fails Build; an explicit NoOpSink is how a caller
// states that discarding events is intentional.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithPermissions declares the global permission strings.
func (b *Builder) WithPermissions(perms []string) *Builder {
	b.permissions = perms
	return b
}

// WithRoles declares roles and their direct permission grants.
func (b *Builder) WithRoles(r map[string][]string) *Builder {
	b.roles = r
	return b
}

// WithRoleInheritance declares role-to-role inheritance edges: each role
// in the map additionally grants everything its listed parents grant. An
// edge set containing a cycle fails Build.
func (b *Builder) WithRoleInheritance(edges map[string][]string) *Builder {
	b.inheritance = edges
	return b
}

// WithMetricsEnabled toggles counter collection.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles validation latency observation.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the assembled configuration, constructs every
// collaborator, and returns the ready Engine. Any error leaves nothing
// half-started: no goroutines, no Redis writes.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.directory == nil {
		return nil, errors.New("directory required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(b.permissions) == 0 {
		return nil, errors.New("permissions must be provided")
	}
	if len(b.roles) == 0 {
		return nil, errors.New("roles must be provided")
	}
	if cfg.Audit.Enabled && b.auditSink == nil {
		return nil, errors.New("audit enabled but no sink provided; use NoOpSink to discard explicitly")
	}

	// -------- ROLE REGISTRY --------
	registry := rbac.NewRegistry()
	for _, p := range b.permissions {
		if err := registry.RegisterPermission(p); err != nil {
			return nil, err
		}
	}
	for roleName, grants := range b.roles {
		if err := registry.RegisterRole(roleName, grants...); err != nil {
			return nil, err
		}
	}
	for roleName, parents := range b.inheritance {
		for _, parent := range parents {
			if err := registry.AddParent(roleName, parent); err != nil {
				return nil, err
			}
		}
	}
	for _, roleName := range cfg.Authz.SuperuserRoles {
		if err := registry.SetSuperuser(roleName); err != nil {
			return nil, err
		}
	}
	registry.Freeze()

	// -------- CREDENTIAL PRIMITIVES --------
	hasher, err := password.New(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	sealer, err := seal.New(cloneBytes(cfg.MFA.SealKey))
	if err != nil {
		return nil, err
	}

	tokens, err := token.NewManager(token.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		StepUpTTL:     cfg.JWT.StepUpTTL,
		SigningMethod: token.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		VerifyKeys:    cfg.JWT.VerifyKeys,
	})
	if err != nil {
		return nil, err
	}

	// -------- REDIS-BACKED STATE --------
	sessions := session.NewStore(b.redis, cfg.Session.RedisPrefix, cfg.Session.RetentionWindow)

	loginGuard := guard.New(b.redis, guard.Config{
		Scope:         "login",
		Window:        cfg.Guard.Window,
		LockDuration:  cfg.Guard.LockDuration,
		DelayStep:     cfg.Guard.DelayStep,
		MaxDelay:      cfg.Guard.MaxDelay,
		Identifier:    guardLadder(cfg.Guard.Identifier),
		Address:       guardLadder(cfg.Guard.Address),
		FallbackRate:  cfg.Guard.FallbackRate,
		FallbackBurst: cfg.Guard.FallbackBurst,
	})
	stepupGuard := guard.New(b.redis, guard.Config{
		Scope:         "stepup",
		Window:        cfg.Guard.StepUpWindow,
		LockDuration:  cfg.Guard.StepUpLockDuration,
		DelayStep:     cfg.Guard.DelayStep,
		MaxDelay:      cfg.Guard.MaxDelay,
		Identifier:    guardLadder(cfg.Guard.StepUp),
		Address:       guardLadder(cfg.Guard.Address),
		FallbackRate:  cfg.Guard.FallbackRate,
		FallbackBurst: cfg.Guard.FallbackBurst,
	})

	engine := &Engine{
		config:      cfg,
		directory:   b.directory,
		tokens:      tokens,
		hasher:      hasher,
		sealer:      sealer,
		registry:    registry,
		sessions:    sessions,
		loginGuard:  loginGuard,
		stepupGuard: stepupGuard,
		stepups:     newStepupStore(b.redis, cfg.Session.RedisPrefix),
		refreshes:   newRefreshStore(b.redis, cfg.Session.RedisPrefix, cfg.Session.RetentionWindow),
		revocations: newRevocationStore(b.redis, cfg.Session.RedisPrefix),
		audit:       newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:     NewMetrics(cfg.Metrics),
	}

	b.built = true

	return engine, nil
}

func guardLadder(l GuardLadder) guard.Ladder {
	return guard.Ladder{
		Challenge: l.Challenge,
		Delay:     l.Delay,
		Lock:      l.Lock,
		Alert:     l.Alert,
	}
}
