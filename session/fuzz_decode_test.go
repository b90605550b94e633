package session

import (
	"testing"
)

// FuzzSessionDecode exercises the binary session decoder with arbitrary
// inputs. Goal: no panics, graceful errors for malformed blobs.
func FuzzSessionDecode(f *testing.F) {
	sess := &Session{
		SessionID:   "sid-fuzz",
		PrincipalID: "p1",
		TenantID:    "t1",
		CreatedAt:   1700000000,
		ExpiresAt:   1700003600,
		LastSeenAt:  1700000000,
	}
	encoded, err := Encode(sess)
	if err == nil {
		f.Add(encoded)
	}

	f.Add([]byte{})
	f.Add([]byte{0})
	f.Add([]byte{1})
	f.Add([]byte{255, 255, 255})

	if len(encoded) > 10 {
		f.Add(encoded[:10])
	}
	if len(encoded) > 40 {
		f.Add(encoded[:40])
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		s, err := Decode(data)
		if err != nil {
			return
		}

		// A successful decode must survive re-encoding.
		if _, err := Encode(s); err != nil {
			t.Fatalf("re-encode of decoded session failed: %v", err)
		}
	})
}
