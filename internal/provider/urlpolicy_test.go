package provider

import (
	"net"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platefinder/placegw/internal/config"
)

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func boolPtr(b bool) *bool { return &b }

func TestValidateMediaURL(t *testing.T) {
	t.Run("https to a public host is allowed by default", func(t *testing.T) {
		u := mustParseURL(t, "https://media.example.com/photo.jpg")
		assert.NoError(t, ValidateMediaURL(u, config.URLPolicyConfig{}))
	})

	t.Run("http is rejected by default", func(t *testing.T) {
		u := mustParseURL(t, "http://media.example.com/photo.jpg")
		err := ValidateMediaURL(u, config.URLPolicyConfig{})
		assert.ErrorContains(t, err, "scheme")
	})

	t.Run("http is allowed when explicitly configured", func(t *testing.T) {
		u := mustParseURL(t, "http://media.example.com/photo.jpg")
		policy := config.URLPolicyConfig{AllowedSchemes: []string{"http", "https"}}
		assert.NoError(t, ValidateMediaURL(u, policy))
	})

	t.Run("scheme comparison is case insensitive", func(t *testing.T) {
		u := mustParseURL(t, "HTTPS://media.example.com/photo.jpg")
		assert.NoError(t, ValidateMediaURL(u, config.URLPolicyConfig{}))
	})

	t.Run("empty host is rejected", func(t *testing.T) {
		u := mustParseURL(t, "https:///photo.jpg")
		err := ValidateMediaURL(u, config.URLPolicyConfig{})
		assert.ErrorContains(t, err, "empty host")
	})

	t.Run("private and reserved IPs are rejected", func(t *testing.T) {
		for _, host := range []string{
			"127.0.0.1",
			"10.1.2.3",
			"172.16.0.1",
			"192.168.1.1",
			"169.254.169.254",
			"[::1]",
			"[fd00::1]",
		} {
			u := mustParseURL(t, "https://"+host+"/photo.jpg")
			err := ValidateMediaURL(u, config.URLPolicyConfig{})
			assert.Error(t, err, host)
		}
	})

	t.Run("public IPs pass the private-network check", func(t *testing.T) {
		u := mustParseURL(t, "https://93.184.216.34/photo.jpg")
		assert.NoError(t, ValidateMediaURL(u, config.URLPolicyConfig{}))
	})

	t.Run("host allowlist restricts everything else", func(t *testing.T) {
		policy := config.URLPolicyConfig{AllowedHosts: []string{"cdn.example.com"}}

		ok := mustParseURL(t, "https://cdn.example.com/photo.jpg")
		assert.NoError(t, ValidateMediaURL(ok, policy))

		other := mustParseURL(t, "https://other.example.com/photo.jpg")
		assert.ErrorContains(t, ValidateMediaURL(other, policy), "not in the allowed list")
	})

	t.Run("allowlisted hosts bypass the private-network check", func(t *testing.T) {
		policy := config.URLPolicyConfig{AllowedHosts: []string{"10.1.2.3"}}
		u := mustParseURL(t, "https://10.1.2.3/photo.jpg")
		assert.NoError(t, ValidateMediaURL(u, policy))
	})

	t.Run("private-network check can be disabled", func(t *testing.T) {
		policy := config.URLPolicyConfig{DenyPrivateNetworks: boolPtr(false)}
		u := mustParseURL(t, "https://127.0.0.1/photo.jpg")
		assert.NoError(t, ValidateMediaURL(u, policy))
	})
}

func TestIsPrivateIP(t *testing.T) {
	private := []string{"10.0.0.1", "172.31.255.255", "192.168.0.1", "127.0.0.1", "169.254.169.254", "::1", "fc00::1", "fe80::1"}
	for _, s := range private {
		assert.True(t, IsPrivateIP(net.ParseIP(s)), s)
	}

	public := []string{"8.8.8.8", "93.184.216.34", "2606:4700::1111"}
	for _, s := range public {
		assert.False(t, IsPrivateIP(net.ParseIP(s)), s)
	}
}
