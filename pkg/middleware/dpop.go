// pkg/middleware/dpop.go
package middleware

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/redis/go-redis/v9"
)

const (
	dpopMaxAge    = 2 * time.Minute
	dpopReplayTTL = 5 * time.Minute
	dpopType      = "dpop+jwt"
)

// replayGuard reports whether key was already used within ttl and marks it used.
type replayGuard interface {
	seen(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type redisGuard struct{ rdb *redis.Client }

func (g redisGuard) seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	fresh, err := g.rdb.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return !fresh, nil
}

// memoryGuard keeps used keys in process; used when no Redis is configured.
type memoryGuard struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

func newMemoryGuard() *memoryGuard {
	return &memoryGuard{keys: map[string]time.Time{}, now: time.Now}
}

func (g *memoryGuard) seen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for k, exp := range g.keys {
		if now.After(exp) {
			delete(g.keys, k)
		}
	}
	if _, ok := g.keys[key]; ok {
		return true, nil
	}
	g.keys[key] = now.Add(ttl)
	return false, nil
}

// dpopVerifier checks DPoP proofs sent alongside an access token. Replayed
// proof ids are rejected per route.
type dpopVerifier struct {
	guard replayGuard
	skew  time.Duration
	now   func() time.Time
}

func newDPoPVerifier(rdb *redis.Client, skew time.Duration) *dpopVerifier {
	v := &dpopVerifier{skew: skew, now: time.Now}
	if rdb != nil {
		v.guard = redisGuard{rdb: rdb}
	} else {
		v.guard = newMemoryGuard()
	}
	return v
}

// verify validates the DPoP header of r against access and the raw access token.
func (v *dpopVerifier) verify(r *http.Request, access jwt.Token, rawAccess string) error {
	proof := r.Header.Get("DPoP")
	if proof == "" {
		return errors.New("missing DPoP proof")
	}
	msg, err := jws.Parse([]byte(proof))
	if err != nil || len(msg.Signatures()) != 1 {
		return errors.New("malformed DPoP proof")
	}
	h := msg.Signatures()[0].ProtectedHeaders()
	if h.Type() != dpopType {
		return fmt.Errorf("DPoP typ must be %s", dpopType)
	}
	if h.Algorithm() == jwa.NoSignature {
		return errors.New("unsigned DPoP proof")
	}
	key := h.JWK()
	if key == nil {
		return errors.New("DPoP proof without jwk header")
	}
	pt, err := jwt.Parse([]byte(proof),
		jwt.WithKey(h.Algorithm(), key),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(v.now)),
		jwt.WithAcceptableSkew(v.skew),
	)
	if err != nil {
		return fmt.Errorf("DPoP signature: %w", err)
	}

	if htm, _ := pt.Get("htm"); htm != r.Method {
		return errors.New("DPoP htm mismatch")
	}
	htu, _ := pt.Get("htu")
	if err := matchHTU(fmt.Sprint(htu), r.URL); err != nil {
		return err
	}
	iat := pt.IssuedAt()
	if iat.IsZero() || v.now().Sub(iat) > dpopMaxAge+v.skew {
		return errors.New("stale DPoP proof")
	}

	// Proof must belong to the key the access token was issued for.
	thumb, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return errors.New("DPoP jwk thumbprint")
	}
	if cnf, ok := access.Get("cnf"); ok {
		m, _ := cnf.(map[string]any)
		if jkt, _ := m["jkt"].(string); jkt != base64.RawURLEncoding.EncodeToString(thumb) {
			return errors.New("DPoP key does not match token cnf")
		}
	}
	if ath, ok := pt.Get("ath"); ok {
		sum := sha256.Sum256([]byte(rawAccess))
		if fmt.Sprint(ath) != base64.RawURLEncoding.EncodeToString(sum[:]) {
			return errors.New("DPoP ath mismatch")
		}
	}

	jti := pt.JwtID()
	if jti == "" {
		return errors.New("DPoP proof without jti")
	}
	replayKey := fmt.Sprintf("switchboard:dpop:%s %s:%s", r.Method, r.URL.Path, jti)
	used, err := v.guard.seen(r.Context(), replayKey, dpopReplayTTL)
	if err != nil {
		return fmt.Errorf("DPoP replay check: %w", err)
	}
	if used {
		return errors.New("DPoP proof replayed")
	}
	return nil
}

func matchHTU(htu string, u *url.URL) error {
	v, err := url.Parse(htu)
	if err != nil {
		return errors.New("bad htu")
	}
	if v.Path != u.Path {
		return fmt.Errorf("htu path mismatch")
	}
	return nil
}
