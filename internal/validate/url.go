// Package validate checks caller-supplied input before it reaches Stripe
// or the database.
package validate

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

var (
	ErrEmptyURL         = errors.New("URL cannot be empty")
	ErrURLTooLong       = errors.New("URL exceeds maximum length")
	ErrInvalidURL       = errors.New("invalid URL format")
	ErrDisallowedScheme = errors.New("URL scheme not allowed")
	ErrDisallowedDomain = errors.New("URL domain not allowed")
	ErrSSRFRisk         = errors.New("URL poses SSRF risk")
)

// URLConstraints bounds what an onboarding redirect URL may look like.
type URLConstraints struct {
	AllowedSchemes []string
	AllowedDomains []string // empty allows any public domain
	BlockPrivate   bool     // reject hosts that resolve to private or loopback addresses
	MaxLength      int      // 0 means unbounded
}

// DefaultURLConstraints is what production redirect URLs are held to:
// HTTPS only, public hosts only.
var DefaultURLConstraints = URLConstraints{
	AllowedSchemes: []string{"https"},
	BlockPrivate:   true,
	MaxLength:      2048,
}

// LocalDevURLConstraints relaxes the defaults for development, where
// redirect URLs typically point at localhost over plain HTTP.
var LocalDevURLConstraints = URLConstraints{
	AllowedSchemes: []string{"https", "http"},
	MaxLength:      2048,
}

// URL validates urlStr against the constraints and returns the trimmed
// URL on success.
func URL(urlStr string, constraints URLConstraints) (string, error) {
	urlStr = strings.TrimSpace(urlStr)
	if urlStr == "" {
		return "", ErrEmptyURL
	}
	if constraints.MaxLength > 0 && len(urlStr) > constraints.MaxLength {
		return "", fmt.Errorf("%w: URL exceeds %d characters", ErrURLTooLong, constraints.MaxLength)
	}

	parsed, err := url.Parse(urlStr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if len(constraints.AllowedSchemes) > 0 && !slices.Contains(constraints.AllowedSchemes, parsed.Scheme) {
		return "", fmt.Errorf("%w: got %q, allowed: %v", ErrDisallowedScheme, parsed.Scheme, constraints.AllowedSchemes)
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return "", fmt.Errorf("%w: missing hostname", ErrInvalidURL)
	}

	if len(constraints.AllowedDomains) > 0 && !domainAllowed(hostname, constraints.AllowedDomains) {
		return "", fmt.Errorf("%w: %q not in allowlist", ErrDisallowedDomain, hostname)
	}

	if constraints.BlockPrivate {
		if err := checkSSRF(hostname); err != nil {
			return "", err
		}
	}

	return urlStr, nil
}

// domainAllowed accepts exact matches and subdomains of an allowlisted
// domain.
func domainAllowed(hostname string, allowed []string) bool {
	for _, domain := range allowed {
		if hostname == domain || strings.HasSuffix(hostname, "."+domain) {
			return true
		}
	}
	return false
}

// checkSSRF rejects hostnames that resolve to private address space.
// Redirect URLs flow back from Stripe onboarding, so a private target
// would let a connected account point the service at internal hosts.
func checkSSRF(hostname string) error {
	lower := strings.ToLower(hostname)
	if lower == "localhost" || lower == "localhost.localdomain" {
		return fmt.Errorf("%w: localhost not allowed", ErrSSRFRisk)
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		// Unresolvable hosts pass here. A transient DNS failure should
		// not reject a legitimate domain; the eventual redirect will
		// fail on its own if the host never resolves.
		return nil
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return fmt.Errorf("%w: private IP address %s", ErrSSRFRisk, ip.String())
		}
	}
	return nil
}

// isPrivateIP reports whether ip belongs to loopback, RFC 1918 / ULA
// private space, or link-local ranges.
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// OnboardingURL validates a connected-account onboarding redirect URL.
// Outside development the URL must be HTTPS on a public host; onboarding
// redirects carry account state and must not land on attacker-controlled
// or internal targets.
func OnboardingURL(urlStr, env string) (string, error) {
	if env == "development" {
		return URL(urlStr, LocalDevURLConstraints)
	}
	return URL(urlStr, DefaultURLConstraints)
}
