package dht

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssueAndValidate(t *testing.T) {
	ts, err := NewTokenStore(time.Minute)
	require.NoError(t, err)

	addr := &net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 6881}
	other := &net.UDPAddr{IP: net.IPv4(10, 1, 2, 4), Port: 6881}
	hash, _ := NewRandomID()
	otherHash, _ := NewRandomID()

	token := ts.Generate(addr, hash)
	assert.Len(t, token, tokenLength)

	assert.True(t, ts.Validate(token, addr, hash))
	assert.False(t, ts.Validate(token, other, hash), "token is bound to the requester address")
	assert.False(t, ts.Validate(token, addr, otherHash), "token is bound to the info hash")
	assert.False(t, ts.Validate("bogus!!", addr, hash))
}

func TestTokenSurvivesOneRotation(t *testing.T) {
	ts, err := NewTokenStore(10 * time.Millisecond)
	require.NoError(t, err)

	addr := &net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 6881}
	hash, _ := NewRandomID()

	token := ts.Generate(addr, hash)

	// One rotation: the previous secret still validates the token.
	time.Sleep(12 * time.Millisecond)
	assert.True(t, ts.Validate(token, addr, hash))

	// Two rotations: both secrets have moved on.
	time.Sleep(25 * time.Millisecond)
	assert.False(t, ts.Validate(token, addr, hash))
}

func TestTokenDeterministicWithinWindow(t *testing.T) {
	ts, err := NewTokenStore(time.Minute)
	require.NoError(t, err)

	addr := &net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 6881}
	hash, _ := NewRandomID()

	// Stateless issuance: the same requester gets the same token while
	// the secret is unchanged.
	assert.Equal(t, ts.Generate(addr, hash), ts.Generate(addr, hash))
}
