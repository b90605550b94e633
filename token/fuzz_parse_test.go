package token

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"
)

func FuzzParseAccess(f *testing.F) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		f.Fatalf("generate ed25519 keys: %v", err)
	}

	m, err := NewManager(Config{
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
		StepUpTTL:     5 * time.Minute,
		SigningMethod: MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "tessera-fuzz",
	})
	if err != nil {
		f.Fatalf("NewManager: %v", err)
	}

	valid, _, err := m.CreateAccess("p1", "t1", "s1")
	if err != nil {
		f.Fatalf("CreateAccess: %v", err)
	}

	f.Add(valid)
	f.Add("")
	f.Add("not-a-token")
	f.Add("a.b")
	f.Add("a.b.c")
	f.Add("eyJhbGciOiJub25lIn0..")

	f.Fuzz(func(t *testing.T, tokenStr string) {
		claims, err := m.Parse(tokenStr, KindAccess)
		if err != nil {
			return
		}
		if claims == nil {
			t.Fatal("nil claims without error")
		}
		if claims.Kind != KindAccess {
			t.Fatalf("accepted kind %q as access", claims.Kind)
		}
	})
}
