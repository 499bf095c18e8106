package httpx

import (
	"net"
	"net/http"
	"time"
)

const (
	defaultTimeout        = 10 * time.Second
	dialCeiling           = 3 * time.Second
	idleConnTimeout       = 30 * time.Second
	expectContinueTimeout = 1 * time.Second
	maxIdleConns          = 16
	maxIdleConnsPerHost   = 4
	maxConnsPerHost       = 8
)

// NewClient returns the outbound HTTP client used for webhook delivery.
// Dial and TLS handshake get a tighter cap than the overall budget, while
// response headers may use all of it because tenant endpoints often do real
// work before answering. Redirects are never followed: the delivery policy
// vets the URL it was given, and a redirect would move the request to a
// host nobody checked.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	dial := capped(timeout, dialCeiling)

	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: dial, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          maxIdleConns,
			MaxIdleConnsPerHost:   maxIdleConnsPerHost,
			MaxConnsPerHost:       maxConnsPerHost,
			IdleConnTimeout:       idleConnTimeout,
			TLSHandshakeTimeout:   dial,
			ResponseHeaderTimeout: timeout,
			ExpectContinueTimeout: expectContinueTimeout,
		},
	}
}

func capped(d, ceiling time.Duration) time.Duration {
	if d > ceiling {
		return ceiling
	}
	return d
}
