package middleware

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

type proofSigner struct {
	t    *testing.T
	priv jwk.Key
	pub  jwk.Key
}

func newProofSigner(t *testing.T) *proofSigner {
	t.Helper()
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	priv, err := jwk.FromRaw(raw)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := priv.PublicKey()
	if err != nil {
		t.Fatal(err)
	}
	return &proofSigner{t: t, priv: priv, pub: pub}
}

func (s *proofSigner) jkt() string {
	thumb, err := s.pub.Thumbprint(crypto.SHA256)
	if err != nil {
		s.t.Fatal(err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb)
}

// sign builds a DPoP proof; an empty ath leaves the claim out.
func (s *proofSigner) sign(method, htu, jti, ath string, iat time.Time) string {
	s.t.Helper()
	b := jwt.NewBuilder().JwtID(jti).IssuedAt(iat).Claim("htm", method).Claim("htu", htu)
	if ath != "" {
		b = b.Claim("ath", ath)
	}
	tok, err := b.Build()
	if err != nil {
		s.t.Fatal(err)
	}
	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.TypeKey, dpopType); err != nil {
		s.t.Fatal(err)
	}
	if err := hdrs.Set(jws.JWKKey, s.pub); err != nil {
		s.t.Fatal(err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.ES256, s.priv, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		s.t.Fatal(err)
	}
	return string(signed)
}

func athOf(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func accessFor(t *testing.T, jkt string) jwt.Token {
	t.Helper()
	tok := jwt.New()
	if jkt != "" {
		if err := tok.Set("cnf", map[string]any{"jkt": jkt}); err != nil {
			t.Fatal(err)
		}
	}
	return tok
}

func proofRequest(method, target, proof string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	if proof != "" {
		req.Header.Set("DPoP", proof)
	}
	return req
}

func fixedVerifier(now time.Time) *dpopVerifier {
	v := newDPoPVerifier(nil, time.Minute)
	v.now = func() time.Time { return now }
	return v
}

func TestDPoPVerify(t *testing.T) {
	const rawAccess = "access-token-value"
	now := time.Now().Truncate(time.Second)
	s := newProofSigner(t)
	other := newProofSigner(t)
	target := "https://api.local/api/people"

	tests := []struct {
		name    string
		method  string
		proof   string
		access  jwt.Token
		wantErr string
	}{
		{"accepted", http.MethodPost, s.sign(http.MethodPost, target, "j-ok", athOf(rawAccess), now), accessFor(t, s.jkt()), ""},
		{"accepted without cnf or ath", http.MethodPost, s.sign(http.MethodPost, target, "j-plain", "", now), accessFor(t, ""), ""},
		{"missing header", http.MethodPost, "", accessFor(t, ""), "missing DPoP proof"},
		{"garbage", http.MethodPost, "not-a-jws", accessFor(t, ""), "malformed"},
		{"ath mismatch", http.MethodPost, s.sign(http.MethodPost, target, "j-ath", athOf("some-other-token"), now), accessFor(t, s.jkt()), "ath mismatch"},
		{"htm mismatch", http.MethodPost, s.sign(http.MethodPut, target, "j-htm", "", now), accessFor(t, ""), "htm mismatch"},
		{"htu mismatch", http.MethodPost, s.sign(http.MethodPost, "https://api.local/api/other", "j-htu", "", now), accessFor(t, ""), "htu path mismatch"},
		{"stale", http.MethodPost, s.sign(http.MethodPost, target, "j-old", "", now.Add(-10*time.Minute)), accessFor(t, ""), "stale"},
		{"key not bound", http.MethodPost, other.sign(http.MethodPost, target, "j-key", "", now), accessFor(t, s.jkt()), "does not match token cnf"},
		{"no jti", http.MethodPost, s.sign(http.MethodPost, target, "", "", now), accessFor(t, ""), "without jti"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fixedVerifier(now).verify(proofRequest(tt.method, target, tt.proof), tt.access, rawAccess)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestDPoPRejectsWrongType(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	s := newProofSigner(t)
	tok, err := jwt.NewBuilder().JwtID("j-typ").IssuedAt(now).Claim("htm", "POST").Claim("htu", "https://api.local/api/people").Build()
	if err != nil {
		t.Fatal(err)
	}
	hdrs := jws.NewHeaders()
	_ = hdrs.Set(jws.JWKKey, s.pub)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.ES256, s.priv, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		t.Fatal(err)
	}
	err = fixedVerifier(now).verify(proofRequest(http.MethodPost, "https://api.local/api/people", string(signed)), accessFor(t, ""), "tok")
	if err == nil || !strings.Contains(err.Error(), "typ must be") {
		t.Fatalf("err = %v", err)
	}
}

func TestDPoPReplay(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	s := newProofSigner(t)
	v := fixedVerifier(now)
	access := accessFor(t, s.jkt())

	people := s.sign(http.MethodPost, "https://api.local/api/people", "j-1", athOf("tok"), now)
	if err := v.verify(proofRequest(http.MethodPost, "https://api.local/api/people", people), access, "tok"); err != nil {
		t.Fatalf("first use: %v", err)
	}
	err := v.verify(proofRequest(http.MethodPost, "https://api.local/api/people", people), access, "tok")
	if err == nil || !strings.Contains(err.Error(), "replayed") {
		t.Fatalf("replay err = %v", err)
	}

	// The same jti on another route is tracked separately.
	orders := s.sign(http.MethodPost, "https://api.local/api/orders", "j-1", athOf("tok"), now)
	if err := v.verify(proofRequest(http.MethodPost, "https://api.local/api/orders", orders), access, "tok"); err != nil {
		t.Fatalf("other route: %v", err)
	}
}

func TestMemoryGuardExpires(t *testing.T) {
	now := time.Now()
	g := newMemoryGuard()
	g.now = func() time.Time { return now }

	if used, _ := g.seen(context.Background(), "k", time.Minute); used {
		t.Fatal("fresh key reported as used")
	}
	if used, _ := g.seen(context.Background(), "k", time.Minute); !used {
		t.Fatal("second use not detected")
	}
	now = now.Add(2 * time.Minute)
	if used, _ := g.seen(context.Background(), "k", time.Minute); used {
		t.Fatal("expired key still reported as used")
	}
	if len(g.keys) != 1 {
		t.Errorf("keys = %d, want 1", len(g.keys))
	}
}
