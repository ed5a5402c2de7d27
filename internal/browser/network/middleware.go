// browser/network/middleware.go
package network

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware paces outbound requests so a site sees a human-ish cadence.
type RateLimitMiddleware struct {
	Transport http.RoundTripper
	limiter   *rate.Limiter
}

// NewRateLimitMiddleware allows limit requests per second with the given burst.
func NewRateLimitMiddleware(next http.RoundTripper, limit rate.Limit, burst int) *RateLimitMiddleware {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitMiddleware{Transport: next, limiter: rate.NewLimiter(limit, burst)}
}

func (m *RateLimitMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := m.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return m.Transport.RoundTrip(req)
}

// HeaderMiddleware fills in the User-Agent and static headers on requests
// that have not set them.
type HeaderMiddleware struct {
	Transport http.RoundTripper
	userAgent string
	headers   map[string]string
}

func NewHeaderMiddleware(next http.RoundTripper, userAgent string, headers map[string]string) *HeaderMiddleware {
	return &HeaderMiddleware{Transport: next, userAgent: userAgent, headers: headers}
}

func (m *HeaderMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	needsUA := m.userAgent != "" && req.Header.Get("User-Agent") == ""
	var missing []string
	for k := range m.headers {
		if req.Header.Get(k) == "" {
			missing = append(missing, k)
		}
	}
	if !needsUA && len(missing) == 0 {
		return m.Transport.RoundTrip(req)
	}

	req = req.Clone(req.Context())
	if needsUA {
		req.Header.Set("User-Agent", m.userAgent)
	}
	for _, k := range missing {
		req.Header.Set(k, m.headers[k])
	}
	return m.Transport.RoundTrip(req)
}
