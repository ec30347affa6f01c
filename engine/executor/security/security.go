package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validator rejects URLs that would let a workflow node reach internal
// infrastructure. Integration nodes run user-authored specs, so every
// outbound call is screened before the request is built.
type Validator struct {
	allowedSchemes map[string]bool
	blockedHosts   map[string]bool
	blockedPaths   []string

	// overridable for tests
	lookupIP func(host string) ([]net.IP, error)
}

func NewValidator() *Validator {
	return &Validator{
		allowedSchemes: map[string]bool{
			"http":  true,
			"https": true,
		},
		blockedHosts: map[string]bool{
			"localhost":          true,
			"127.0.0.1":          true,
			"::1":                true,
			"0.0.0.0":            true,
			"::":                 true,
			"::ffff:127.0.0.1":   true,
			"[::1]":              true,
			"[::ffff:127.0.0.1]": true,
		},
		blockedPaths: []string{
			"file://",
			"../",
			"..\\",
			"/etc/",
			"/proc/",
			"/sys/",
			"%2e%2e%2f",
			"%2e%2e/",
			"..%2f",
			"%2e%2e%5c",
		},
		lookupIP: net.LookupIP,
	}
}

// ValidateURL screens scheme, host, path, and query of an outbound URL
func (v *Validator) ValidateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "" {
		return fmt.Errorf("url scheme is required")
	}
	if !v.allowedSchemes[scheme] {
		return fmt.Errorf("scheme %q is not allowed, only http and https are permitted", parsed.Scheme)
	}

	if err := v.validateHost(parsed.Hostname()); err != nil {
		return err
	}

	if err := v.validatePath(parsed.Path); err != nil {
		return err
	}
	for key, values := range parsed.Query() {
		for _, value := range values {
			if err := v.validatePath(value); err != nil {
				return fmt.Errorf("query parameter %q: %w", key, err)
			}
		}
	}
	return nil
}

func (v *Validator) validateHost(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("url host is required")
	}

	normalized := strings.ToLower(strings.TrimSpace(hostname))
	if v.blockedHosts[normalized] {
		return fmt.Errorf("host %q is blocked", hostname)
	}

	if ip := net.ParseIP(normalized); ip != nil {
		return v.validateIP(ip)
	}

	ips, err := v.lookupIP(hostname)
	if err != nil {
		// Unresolvable hosts pass; the request itself will fail
		return nil
	}
	for _, ip := range ips {
		if err := v.validateIP(ip); err != nil {
			return err
		}
	}
	return nil
}

// validateIP blocks loopback, private, link-local, multicast, and
// unspecified ranges. Link-local covers cloud metadata endpoints.
func (v *Validator) validateIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("ip %s is blocked: loopback address", ip)
	case ip.IsPrivate():
		return fmt.Errorf("ip %s is blocked: private network", ip)
	case ip.IsLinkLocalUnicast():
		return fmt.Errorf("ip %s is blocked: link-local address", ip)
	case ip.IsMulticast():
		return fmt.Errorf("ip %s is blocked: multicast address", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("ip %s is blocked: unspecified address", ip)
	}
	return nil
}

func (v *Validator) validatePath(p string) error {
	if p == "" {
		return nil
	}
	normalized := strings.ToLower(p)
	for _, pattern := range v.blockedPaths {
		if strings.Contains(normalized, pattern) {
			return fmt.Errorf("path contains blocked pattern %q", pattern)
		}
	}
	return nil
}
