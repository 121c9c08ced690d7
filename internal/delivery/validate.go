package delivery

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidDestination marks a webhook URL that must never be attempted.
// Outcomes caused by it classify as ClassInvalidURL and dead-letter
// immediately.
var ErrInvalidDestination = errors.New("delivery: invalid webhook destination")

// ValidateIngressURL performs the cheap shape checks done synchronously at
// claim submission: absolute http(s) URL with a host. Policy checks
// (private ranges, allow-list) run at delivery time instead, so a claim is
// accepted quickly and a policy rejection still produces a dead-lettered
// record an operator can see.
func ValidateIngressURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidDestination)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidDestination)
	}
	return nil
}

// Validator applies the full destination policy at delivery time.
type Validator struct {
	allowPrivate bool
	allowlist    *regexp.Regexp
}

// NewValidator compiles the optional allow-list regex. An empty pattern
// disables the allow-list.
func NewValidator(allowlistPattern string, allowPrivate bool) (*Validator, error) {
	v := &Validator{allowPrivate: allowPrivate}
	if allowlistPattern != "" {
		re, err := regexp.Compile(allowlistPattern)
		if err != nil {
			return nil, fmt.Errorf("delivery: compile allowlist: %w", err)
		}
		v.allowlist = re
	}
	return v, nil
}

// Validate rejects destinations the delivery client must not contact.
// All rejections wrap ErrInvalidDestination.
func (v *Validator) Validate(raw string) error {
	if err := ValidateIngressURL(raw); err != nil {
		return err
	}
	u, _ := url.Parse(raw)
	host := strings.ToLower(u.Hostname())

	if !v.allowPrivate {
		if host == "localhost" || strings.HasSuffix(host, ".localhost") {
			return fmt.Errorf("%w: loopback destination %q", ErrInvalidDestination, host)
		}
		if ip := net.ParseIP(host); ip != nil {
			if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
				return fmt.Errorf("%w: private destination %q", ErrInvalidDestination, host)
			}
		}
	}

	if v.allowlist != nil && !v.allowlist.MatchString(raw) {
		return fmt.Errorf("%w: destination not on allow-list", ErrInvalidDestination)
	}
	return nil
}

// DestinationHost returns the scheme plus authority used as the breaker
// and metrics key. Plain and TLS endpoints, or two ports on one host, are
// separate destinations and fail independently. Returns "" for
// unparseable URLs.
func DestinationHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
