package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
)

type SessionID [16]byte

func NewSessionID() (SessionID, error) {
	var sid SessionID
	_, err := rand.Read(sid[:])
	return sid, err
}

func (s SessionID) Bytes() []byte {
	return s[:]
}

func (s SessionID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(s[:])
}

func ParseSessionID(sessionID string) (SessionID, error) {
	var sid SessionID

	raw, err := base64.RawURLEncoding.DecodeString(sessionID)
	if err != nil {
		return sid, err
	}
	if len(raw) != len(sid) {
		return sid, errors.New("invalid session id size")
	}

	copy(sid[:], raw)
	return sid, nil
}

// HashToken binds a presented token string to its stored record without
// retaining the token itself.
func HashToken(token string) [32]byte {
	return sha256.Sum256([]byte(token))
}

// HashBindingValue digests transport metadata (client IP, user agent) for
// storage inside session records. Raw values are never persisted.
func HashBindingValue(value string) [32]byte {
	return sha256.Sum256([]byte(value))
}

// RecoveryCodeAlphabet omits 0/O/1/I to survive transcription by hand.
const RecoveryCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func NewRecoveryCode(length int) (string, error) {
	if length < 8 {
		return "", errors.New("recovery code length too small")
	}

	var b strings.Builder
	b.Grow(length)

	max := big.NewInt(int64(len(RecoveryCodeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(RecoveryCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func FormatRecoveryCode(code string) string {
	n := len(code)
	if n < 8 {
		return code
	}
	mid := n / 2
	return code[:mid] + "-" + code[mid:]
}

func CanonicalizeRecoveryCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// RecoveryCodeHash includes the principal id so identical codes issued to
// different principals never collide in storage.
func RecoveryCodeHash(principalID, canonicalCode string) [32]byte {
	data := make([]byte, 0, len(principalID)+1+len(canonicalCode))
	data = append(data, principalID...)
	data = append(data, 0)
	data = append(data, canonicalCode...)
	return sha256.Sum256(data)
}
