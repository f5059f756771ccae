package provider

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/platefinder/placegw/internal/config"
)

// privateNetworks contains CIDR ranges that are considered private/internal.
var privateNetworks = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local + cloud metadata (169.254.169.254)
		"::1/128",
		"fc00::/7",  // unique local
		"fe80::/10", // link-local v6
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, _ := net.ParseCIDR(c)
		nets = append(nets, n)
	}
	return nets
}()

// ValidateMediaURL checks that a provider-supplied binary URI is safe to
// fetch. The URI comes from an external response body, so it gets the same
// treatment as any untrusted redirect target.
func ValidateMediaURL(u *url.URL, policy config.URLPolicyConfig) error {
	schemes := policy.AllowedSchemes
	if len(schemes) == 0 {
		schemes = []string{"https"}
	}
	schemeOK := false
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			schemeOK = true
			break
		}
	}
	if !schemeOK {
		return fmt.Errorf("scheme %q is not allowed", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("empty host")
	}

	if len(policy.AllowedHosts) > 0 {
		for _, h := range policy.AllowedHosts {
			if strings.EqualFold(host, h) {
				// Allowlisted hosts are operator-trusted; skip the
				// private-network checks.
				return nil
			}
		}
		return fmt.Errorf("host %q is not in the allowed list", host)
	}

	if policy.DenyPrivateNetworksEnabled() {
		return checkNotPrivate(host)
	}

	return nil
}

// checkNotPrivate resolves the host to IPs and rejects any that fall within
// private or reserved ranges. This prevents SSRF via DNS rebinding or direct
// IP specification.
func checkNotPrivate(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return fmt.Errorf("IP %s is in a private/reserved range", ip)
		}
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Resolution failure is treated as blocked to prevent bypass via
		// hostnames that resolve differently at fetch time.
		return fmt.Errorf("cannot resolve host %q: %w", host, err)
	}

	for _, ip := range ips {
		if IsPrivateIP(ip) {
			return fmt.Errorf("host %q resolves to private IP %s", host, ip)
		}
	}

	return nil
}

// IsPrivateIP reports whether the IP falls within any private/reserved range.
func IsPrivateIP(ip net.IP) bool {
	for _, n := range privateNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
