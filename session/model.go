package session

// Session is the server-side record every token pair is bound to.
//
// ExpiresAt is the absolute lifetime bound fixed at creation; no activity
// extends it. LastSeenAt moves on refresh only. RevokedAt of zero means
// the session has not been revoked.
type Session struct {
	SessionID   string
	PrincipalID string
	TenantID    string

	IPHash [32]byte
	UAHash [32]byte

	CreatedAt  int64
	ExpiresAt  int64
	LastSeenAt int64
	RevokedAt  int64

	SchemaVersion uint8
}

// Alive reports whether the session may still authorize anything at the
// given time. Revoked and absolute-expired sessions are equally dead.
func (s *Session) Alive(nowUnix int64) bool {
	return s != nil && s.RevokedAt == 0 && s.ExpiresAt > nowUnix
}
