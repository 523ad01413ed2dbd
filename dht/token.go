package dht

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"net"
	"sync"
	"time"
)

// tokenLength is the issued token size in bytes.
const tokenLength = 8

// defaultTokenRotation is how often the signing secret rotates. Tokens
// remain valid for one rotation after issuance because the previous secret
// is still accepted.
const defaultTokenRotation = 5 * time.Minute

// TokenStore issues and validates announce tokens without keeping
// per-requester state. A token is an HMAC over the requester endpoint and
// info-hash, keyed by a rotating secret; the current and previous secrets
// both validate.
type TokenStore struct {
	mu         sync.Mutex
	current    [20]byte
	previous   [20]byte
	rotatedAt  time.Time
	rotateFreq time.Duration
}

// NewTokenStore creates a token store with a fresh random secret.
func NewTokenStore(rotation time.Duration) (*TokenStore, error) {
	if rotation <= 0 {
		rotation = defaultTokenRotation
	}
	ts := &TokenStore{rotateFreq: rotation, rotatedAt: time.Now()}
	if _, err := rand.Read(ts.current[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(ts.previous[:]); err != nil {
		return nil, err
	}
	return ts, nil
}

// Generate issues a token for the requester at addr asking about infoHash.
func (ts *TokenStore) Generate(addr net.Addr, infoHash InfoHash) string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.rotateLocked()
	return computeToken(ts.current, addr, infoHash)
}

// Validate checks a token previously issued to addr for infoHash. Tokens
// signed by the current or the previous secret are accepted.
func (ts *TokenStore) Validate(token string, addr net.Addr, infoHash InfoHash) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.rotateLocked()

	if hmac.Equal([]byte(token), []byte(computeToken(ts.current, addr, infoHash))) {
		return true
	}
	return hmac.Equal([]byte(token), []byte(computeToken(ts.previous, addr, infoHash)))
}

// rotateLocked advances the secret when the rotation interval has elapsed.
// Rotation happens lazily on access so no timer goroutine is needed.
func (ts *TokenStore) rotateLocked() {
	now := time.Now()
	elapsed := now.Sub(ts.rotatedAt)
	if elapsed < ts.rotateFreq {
		return
	}

	ts.previous = ts.current
	if elapsed >= 2*ts.rotateFreq {
		// More than one interval elapsed: tokens signed by the old
		// secret are expired too.
		if _, err := rand.Read(ts.previous[:]); err != nil {
			return
		}
	}
	if _, err := rand.Read(ts.current[:]); err != nil {
		// Keep the old secret; issued tokens stay valid.
		ts.current = ts.previous
		return
	}
	ts.rotatedAt = now
}

func computeToken(secret [20]byte, addr net.Addr, infoHash InfoHash) string {
	mac := hmac.New(sha1.New, secret[:])
	mac.Write([]byte(addr.String()))
	mac.Write(infoHash[:])
	return string(mac.Sum(nil)[:tokenLength])
}
