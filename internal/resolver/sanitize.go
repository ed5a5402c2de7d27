package resolver

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsafeDomain is returned for domain names that cannot safely name a
// manifest file.
var ErrUnsafeDomain = errors.New("unsafe domain name")

// maxDomainLength is the DNS limit plus room for a port.
const maxDomainLength = 253 + 6

// SanitizeDomain normalizes domain to lower case and rejects anything that
// could escape the manifests directory when used as a file name.
func SanitizeDomain(domain string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(domain))

	switch {
	case d == "":
		return "", fmt.Errorf("%w: empty", ErrUnsafeDomain)
	case len(d) > maxDomainLength:
		return "", fmt.Errorf("%w: longer than %d characters", ErrUnsafeDomain, maxDomainLength)
	case filepath.IsAbs(d) || strings.ContainsAny(d, `/\`):
		return "", fmt.Errorf("%w: %q contains a path separator", ErrUnsafeDomain, domain)
	case d == "." || strings.HasPrefix(d, "."):
		return "", fmt.Errorf("%w: %q starts with a dot", ErrUnsafeDomain, domain)
	case strings.Contains(d, ".."):
		return "", fmt.Errorf("%w: %q contains an empty label", ErrUnsafeDomain, domain)
	}

	for _, r := range d {
		if !isDomainRune(r) {
			return "", fmt.Errorf("%w: %q contains %q", ErrUnsafeDomain, domain, r)
		}
	}
	return d, nil
}

func isDomainRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '-', r == '_', r == ':':
		return true
	}
	return false
}
