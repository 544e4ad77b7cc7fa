package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Request signing headers. The signature covers "<unix_ts>.<nonce>.<body>"
// with HMAC-SHA256 under the shared secret.
const (
	HeaderTimestamp = "X-Veritas-Timestamp"
	HeaderNonce     = "X-Veritas-Nonce"
	HeaderSignature = "X-Veritas-Signature"
)

// MaxClockSkew bounds how far a signed timestamp may drift from server
// time in either direction.
const MaxClockSkew = 5 * time.Minute

var (
	ErrBadSignature   = errors.New("auth: signature mismatch")
	ErrStaleTimestamp = errors.New("auth: timestamp outside allowed skew")
	ErrReplayedNonce  = errors.New("auth: nonce already used")
)

// SignRequest computes the hex signature for a request. Shared with the
// client SDK so both sides derive the same bytes.
func SignRequest(secret string, ts time.Time, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s.", ts.Unix(), nonce)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureVerifier validates signed requests. A verifier with an empty
// secret is disabled and accepts everything.
type SignatureVerifier struct {
	secret string
	nonces *NonceStore
	now    func() time.Time
}

// NewSignatureVerifier builds a verifier whose nonce store retains nonces
// for ttl. The ttl must cover at least the clock skew window, or a
// replayed request could outlive its nonce.
func NewSignatureVerifier(secret string, ttl time.Duration) *SignatureVerifier {
	if ttl < MaxClockSkew {
		ttl = MaxClockSkew
	}
	return &SignatureVerifier{
		secret: secret,
		nonces: NewNonceStore(ttl),
		now:    time.Now,
	}
}

// Enabled reports whether signing is enforced. Safe on a nil verifier.
func (v *SignatureVerifier) Enabled() bool {
	return v != nil && v.secret != ""
}

// Verify checks timestamp freshness, signature validity, and nonce
// uniqueness, in that order. The nonce is only burned by a valid
// signature, so unauthenticated traffic cannot poison the store.
func (v *SignatureVerifier) Verify(tsHeader, nonce, sigHex string, body []byte) error {
	if !v.Enabled() {
		return nil
	}
	if tsHeader == "" || nonce == "" || sigHex == "" {
		return ErrBadSignature
	}

	unix, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	ts := time.Unix(unix, 0)
	if d := v.now().Sub(ts); d > MaxClockSkew || d < -MaxClockSkew {
		return ErrStaleTimestamp
	}

	expected := SignRequest(v.secret, ts, nonce, body)
	if !hmac.Equal([]byte(expected), []byte(sigHex)) {
		return ErrBadSignature
	}

	if !v.nonces.Remember(nonce, v.now()) {
		return ErrReplayedNonce
	}
	return nil
}

// NonceStore tracks recently seen nonces. Entries age out after the TTL;
// sweeps run inline and are amortized by a sweep interval, so the store
// needs no background goroutine.
type NonceStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	seen      map[string]time.Time
	lastSweep time.Time
}

// NewNonceStore creates a store retaining nonces for ttl.
func NewNonceStore(ttl time.Duration) *NonceStore {
	return &NonceStore{
		ttl:  ttl,
		seen: make(map[string]time.Time),
	}
}

// Remember records a nonce, returning false if it was already seen within
// the TTL.
func (s *NonceStore) Remember(nonce string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) >= s.ttl/2 {
		s.sweepLocked(now)
	}

	if seenAt, dup := s.seen[nonce]; dup && now.Sub(seenAt) < s.ttl {
		return false
	}
	s.seen[nonce] = now
	return true
}

func (s *NonceStore) sweepLocked(now time.Time) {
	for n, at := range s.seen {
		if now.Sub(at) >= s.ttl {
			delete(s.seen, n)
		}
	}
	s.lastSweep = now
}

// Len returns the number of retained nonces.
func (s *NonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
