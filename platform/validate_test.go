package platform

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidIPv4(t *testing.T) {
	assert.True(t, IsValidIPv4("127.0.0.1"))
	assert.True(t, IsValidIPv4("192.168.1.254"))
	assert.False(t, IsValidIPv4("::1"))
	assert.False(t, IsValidIPv4("256.0.0.1"))
	assert.False(t, IsValidIPv4("example.com"))
	assert.False(t, IsValidIPv4(""))
}

func TestIsValidIPv6(t *testing.T) {
	assert.True(t, IsValidIPv6("::1"))
	assert.True(t, IsValidIPv6("fe80::1"))
	assert.True(t, IsValidIPv6("2001:db8::dead:beef"))
	assert.False(t, IsValidIPv6("127.0.0.1"))
	assert.False(t, IsValidIPv6("not-an-address"))
}

func TestIsHostname(t *testing.T) {
	valid := []string{
		"localhost",
		"example.com",
		"a.b.c.d.e",
		"xn--nxasmq6b.example",
		"host-1.internal",
	}
	for _, h := range valid {
		assert.True(t, IsHostname(h), "expected %q to be a valid hostname", h)
	}

	invalid := []string{
		"",
		".example.com",
		"example.com.",
		"-example.com",
		"example.com-",
		"exa mple.com",
		"a..b",
		"host_name",
		"127.0.0.1", // IP literals are not hostnames
		strings.Repeat("a", 254),
	}
	for _, h := range invalid {
		assert.False(t, IsHostname(h), "expected %q to be rejected", h)
	}
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Addr: "127.0.0.1", Port: 8080}, ep)

	ep, err = ParseEndpoint("[::1]:9000")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{Addr: "::1", Port: 9000}, ep)
	assert.Equal(t, "[::1]:9000", ep.String())

	_, err = ParseEndpoint("127.0.0.1")
	assert.Error(t, err)

	_, err = ParseEndpoint("127.0.0.1:0")
	assert.Error(t, err)

	_, err = ParseEndpoint("127.0.0.1:70000")
	assert.Error(t, err)
}

func TestResolveDualOrdersV6First(t *testing.T) {
	sn := NewSystemNetwork()

	// Literal addresses bypass the resolver, so this stays hermetic.
	ips, err := sn.ResolveDual(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.NotNil(t, ips[0].To4())

	ips, err = sn.ResolveDual(context.Background(), "::1")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Nil(t, ips[0].To4())
}

func TestResolveFamilyMismatch(t *testing.T) {
	sn := NewSystemNetwork()

	_, err := sn.ResolveV4(context.Background(), "::1")
	assert.ErrorIs(t, err, ErrResolutionFailed)

	_, err = sn.ResolveV6(context.Background(), "127.0.0.1")
	assert.ErrorIs(t, err, ErrResolutionFailed)
}
