package session

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func sampleSession() *Session {
	now := time.Now().Unix()
	s := &Session{
		SessionID:   "sid-1",
		PrincipalID: "p-1",
		TenantID:    "t-1",
		CreatedAt:   now,
		ExpiresAt:   now + 3600,
		LastSeenAt:  now,
	}
	s.IPHash[0] = 0xAB
	s.UAHash[31] = 0xCD
	return s
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	orig := sampleSession()
	orig.RevokedAt = orig.CreatedAt + 10

	data, err := Encode(orig)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.PrincipalID != orig.PrincipalID || got.TenantID != orig.TenantID {
		t.Fatalf("identity fields mismatch: %+v", got)
	}
	if got.CreatedAt != orig.CreatedAt || got.ExpiresAt != orig.ExpiresAt ||
		got.LastSeenAt != orig.LastSeenAt || got.RevokedAt != orig.RevokedAt {
		t.Fatalf("timestamp trailer mismatch: %+v", got)
	}
	if !bytes.Equal(got.IPHash[:], orig.IPHash[:]) || !bytes.Equal(got.UAHash[:], orig.UAHash[:]) {
		t.Fatal("origin hashes mismatch")
	}
	if got.SchemaVersion != CurrentSchemaVersion {
		t.Fatalf("schema version = %d, want %d", got.SchemaVersion, CurrentSchemaVersion)
	}
}

func TestEncodeRejectsBadFieldLengths(t *testing.T) {
	s := sampleSession()
	s.PrincipalID = ""
	if _, err := Encode(s); err == nil {
		t.Fatal("expected rejection of empty principal")
	}

	s = sampleSession()
	s.PrincipalID = strings.Repeat("x", 256)
	if _, err := Encode(s); err == nil {
		t.Fatal("expected rejection of oversized principal")
	}

	s = sampleSession()
	s.TenantID = ""
	if _, err := Encode(s); err == nil {
		t.Fatal("expected rejection of empty tenant")
	}
}

func TestDecodeRejectsUnknownVersionAndTruncation(t *testing.T) {
	data, err := Encode(sampleSession())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	bad := append([]byte{}, data...)
	bad[0] = 99
	if _, err := Decode(bad); err == nil {
		t.Fatal("expected rejection of unknown version")
	}

	for _, cut := range []int{0, 1, 5, len(data) / 2, len(data) - 1} {
		if _, err := Decode(data[:cut]); err == nil {
			t.Fatalf("expected rejection of truncation at %d", cut)
		}
	}

	long := append(append([]byte{}, data...), 0x00)
	if _, err := Decode(long); err == nil {
		t.Fatal("expected rejection of trailing bytes")
	}
}

func TestAlive(t *testing.T) {
	now := time.Now().Unix()
	s := sampleSession()

	if !s.Alive(now) {
		t.Fatal("fresh session should be alive")
	}

	s.RevokedAt = now
	if s.Alive(now) {
		t.Fatal("revoked session must be dead")
	}

	s = sampleSession()
	s.ExpiresAt = now - 1
	if s.Alive(now) {
		t.Fatal("expired session must be dead")
	}
}
