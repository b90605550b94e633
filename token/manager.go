package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod selects the JWT signature algorithm. Ed25519 is the
// production default; HS256 is supported for single-service deployments
// and tests.
type SigningMethod string

const (
	MethodEd25519 SigningMethod = "ed25519"
	MethodHS256   SigningMethod = "hs256"
)

// Kind discriminates the three token types the authority issues. The kind
// is carried in the signed claims and enforced at parse time, so a stepup
// token is structurally unusable as an access token even if presented to
// the wrong endpoint.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
	KindStepUp  Kind = "stepup"
)

var (
	ErrKindMismatch = errors.New("token kind mismatch")
)

// Config carries signing material and per-kind lifetimes. VerifyKeys maps
// key ids to verification keys so tokens signed under a retired key stay
// verifiable until natural expiry during a rotation window.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	StepUpTTL  time.Duration

	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	RequireIAT    bool
	MaxFutureIAT  time.Duration
	KeyID         string
	VerifyKeys    map[string][]byte
}

// Manager issues and verifies the three token kinds.
type Manager struct {
	config Config
}

// Claims is the signed payload shared by all three kinds. Access tokens
// carry principal, tenant, and session; refresh tokens carry session and
// tenant; stepup tokens carry principal and tenant only. The jti lives in
// RegisteredClaims.ID.
type Claims struct {
	Kind        Kind   `json:"knd"`
	PrincipalID string `json:"uid,omitempty"`
	TenantID    string `json:"tid,omitempty"`
	SessionID   string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 || cfg.StepUpTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.RefreshTTL <= cfg.AccessTTL {
		return nil, errors.New("refresh TTL must exceed access TTL")
	}
	if cfg.StepUpTTL > 15*time.Minute {
		return nil, errors.New("stepup TTL must not exceed 15 minutes")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, errors.New("invalid MaxFutureIAT configuration")
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)
	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires private key")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.PublicKey) > 0 {
			if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.VerifyKeys) == 0 && len(cfg.PublicKey) == 0 {
			return nil, errors.New("ed25519 requires public key or verify key set")
		}
		for kid, key := range cfg.VerifyKeys {
			if strings.TrimSpace(kid) == "" {
				return nil, errors.New("verify key map contains empty kid")
			}
			if _, err := parseEdPublicKey(key); err != nil {
				return nil, fmt.Errorf("invalid ed25519 verify key for kid %q: %w", kid, err)
			}
		}
	default:
		return nil, errors.New("unsupported signing method")
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, errors.New("KeyID is not present in VerifyKeys")
		}
	}

	return &Manager{config: cfg}, nil
}

// CreateAccess mints a short-lived access token bound to a session.
func (m *Manager) CreateAccess(principalID, tenantID, sessionID string) (string, *Claims, error) {
	claims := m.newClaims(KindAccess, m.config.AccessTTL)
	claims.PrincipalID = principalID
	claims.TenantID = tenantID
	claims.SessionID = sessionID
	signed, err := m.sign(claims)
	return signed, claims, err
}

// CreateRefresh mints a refresh token bound to a session. The owning
// principal is tracked by the refresh record store, not the claims.
func (m *Manager) CreateRefresh(tenantID, sessionID string) (string, *Claims, error) {
	claims := m.newClaims(KindRefresh, m.config.RefreshTTL)
	claims.TenantID = tenantID
	claims.SessionID = sessionID
	signed, err := m.sign(claims)
	return signed, claims, err
}

// CreateStepUp mints the intermediate second-factor token. It carries no
// session reference: it is not a capability and authorizes only the
// step-up verification call.
func (m *Manager) CreateStepUp(principalID, tenantID string) (string, *Claims, error) {
	claims := m.newClaims(KindStepUp, m.config.StepUpTTL)
	claims.PrincipalID = principalID
	claims.TenantID = tenantID
	signed, err := m.sign(claims)
	return signed, claims, err
}

// Parse verifies signature, expiry, issuer/audience, and the kind
// discriminator. A structurally valid token of the wrong kind fails with
// ErrKindMismatch.
func (m *Manager) Parse(tokenStr string, want Kind) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.getMethod().Alg()}),
	}
	if m.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(m.config.Leeway))
	}
	if m.config.RequireIAT {
		options = append(options, jwt.WithIssuedAt())
	}
	if m.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		options = append(options, jwt.WithAudience(m.config.Audience))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != m.getMethod().Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}

		if len(m.config.VerifyKeys) > 0 {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("missing kid")
			}
			key, ok := m.config.VerifyKeys[kid]
			if !ok {
				return nil, errors.New("unknown kid")
			}
			return m.keyBytesToVerifyKey(key)
		}

		if m.config.KeyID != "" {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("missing kid")
			}
			if kid != m.config.KeyID {
				return nil, errors.New("unknown kid")
			}
		}

		return m.getVerifyKey()
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Kind != want {
		return nil, ErrKindMismatch
	}
	if claims.ID == "" {
		return nil, errors.New("token missing jti")
	}
	if claims.IssuedAt != nil && m.config.MaxFutureIAT > 0 {
		maxAllowed := time.Now().Add(m.config.MaxFutureIAT)
		if claims.IssuedAt.Time.After(maxAllowed) {
			return nil, errors.New("token iat too far in the future")
		}
	}

	return claims, nil
}

func (m *Manager) newClaims(kind Kind, ttl time.Duration) *Claims {
	now := time.Now()
	claims := &Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}
	return claims
}

func (m *Manager) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(m.getMethod(), claims)
	if m.config.KeyID != "" {
		token.Header["kid"] = m.config.KeyID
	}

	signKey, err := m.getSignKey()
	if err != nil {
		return "", err
	}

	return token.SignedString(signKey)
}

func (m *Manager) getMethod() jwt.SigningMethod {
	switch m.config.SigningMethod {
	case MethodHS256:
		return jwt.SigningMethodHS256
	default:
		return jwt.SigningMethodEdDSA
	}
}

func (m *Manager) getSignKey() (interface{}, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return m.config.PrivateKey, nil
	default:
		return parseEdPrivateKey(m.config.PrivateKey)
	}
}

func (m *Manager) getVerifyKey() (interface{}, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return m.config.PrivateKey, nil
	default:
		return parseEdPublicKey(m.config.PublicKey)
	}
}

func (m *Manager) keyBytesToVerifyKey(key []byte) (interface{}, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return key, nil
	default:
		return parseEdPublicKey(key)
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
