// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package webhook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

var (
	// ErrSchemeNotAllowed indicates a webhook URL with a scheme other
	// than http or https.
	ErrSchemeNotAllowed = errors.New("webhook url scheme not allowed")
	// ErrHostBlocked indicates the webhook host resolves to an address
	// the egress policy refuses to reach.
	ErrHostBlocked = errors.New("webhook host blocked by egress policy")
)

// URLPolicy validates tenant-supplied webhook URLs before they are
// accepted at create or update time. Tenant endpoints live on the
// public internet; loopback, link-local and private ranges are refused
// unless AllowPrivateHosts is set (local development, tests).
type URLPolicy struct {
	AllowPrivateHosts bool
}

// Validate checks raw against the policy and returns the URL in
// normalized form (lowercased IDNA host, trailing dot stripped).
func (p URLPolicy) Validate(ctx context.Context, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("webhook url empty")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("webhook url missing scheme")
	}
	if u.Host == "" {
		return "", fmt.Errorf("webhook url missing host")
	}
	if u.User != nil {
		return "", fmt.Errorf("webhook url must not include userinfo")
	}
	if u.Fragment != "" {
		return "", fmt.Errorf("webhook url must not include a fragment")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: %q", ErrSchemeNotAllowed, scheme)
	}

	host, err := normalizeHost(u.Hostname())
	if err != nil {
		return "", err
	}

	if !p.AllowPrivateHosts {
		ips, err := resolveHostIPs(ctx, host)
		if err != nil {
			return "", err
		}
		for _, ip := range ips {
			if isBlockedIP(ip) {
				return "", fmt.Errorf("%w: %s resolves to %s", ErrHostBlocked, host, ip)
			}
		}
	}

	u.Scheme = scheme
	u.Host = joinHostPort(host, u.Port())
	return u.String(), nil
}

// normalizeHost lowercases the host and converts IDNA names to ASCII form,
// so the block checks and the DNS lookup see a single spelling.
func normalizeHost(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if strings.Contains(host, "%") {
		return "", fmt.Errorf("host must not include zone: %s", raw)
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if ip := net.ParseIP(host); ip != nil {
		return strings.ToLower(ip.String()), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", raw, err)
	}
	return strings.ToLower(ascii), nil
}

func resolveHostIPs(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve host %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve host %q: no addresses", host)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if addr.IP != nil {
			ips = append(ips, addr.IP)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve host %q: no valid addresses", host)
	}
	return ips, nil
}

func isBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	return ip.IsLoopback() ||
		ip.IsUnspecified() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast()
}

func joinHostPort(host, port string) string {
	if port == "" {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}
