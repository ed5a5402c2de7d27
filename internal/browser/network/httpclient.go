// browser/network/httpclient.go
package network

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/celobox/internal/config"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

// Defaults tuned for a single interactive session against one site.
const (
	DefaultDialTimeout           = 15 * time.Second
	DefaultKeepAliveInterval     = 30 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second
	DefaultRequestTimeout        = 60 * time.Second
	DefaultMaxIdleConnsPerHost   = 4
	DefaultIdleConnTimeout       = 90 * time.Second
)

// SecureMinTLSVersion defines the lowest TLS version considered secure by default.
const SecureMinTLSVersion = tls.VersionTLS12

// ClientConfig holds the configuration for the session's HTTP client.
type ClientConfig struct {
	InsecureSkipVerify bool
	TLSConfig          *tls.Config
	RequestTimeout     time.Duration

	ProxyURL  *url.URL
	CookieJar http.CookieJar

	// UserAgent and Headers are applied to requests that do not set them.
	UserAgent string
	Headers   map[string]string

	// RateLimit of zero disables pacing.
	RateLimit rate.Limit
	RateBurst int

	// FollowRedirects lets the client chase redirects itself. Sessions that
	// track navigation leave it off and walk the chain manually.
	FollowRedirects bool

	Logger *zap.Logger
}

// NewClientConfig returns defaults with a fresh cookie jar.
func NewClientConfig() *ClientConfig {
	return &ClientConfig{
		RequestTimeout: DefaultRequestTimeout,
		CookieJar:      NewCookieJar(),
		UserAgent:      config.DefaultUserAgent,
		RateBurst:      1,
		Logger:         zap.NewNop(),
	}
}

// ClientConfigFrom maps the application's network settings onto a ClientConfig.
func ClientConfigFrom(cfg config.NetworkConfig, userAgent string, logger *zap.Logger) (*ClientConfig, error) {
	cc := NewClientConfig()
	cc.InsecureSkipVerify = cfg.IgnoreTLSErrors
	if cfg.Timeout > 0 {
		cc.RequestTimeout = cfg.Timeout
	}
	if userAgent != "" {
		cc.UserAgent = userAgent
	}
	if len(cfg.Headers) > 0 {
		cc.Headers = make(map[string]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			cc.Headers[k] = v
		}
	}
	if cfg.RateLimit > 0 {
		cc.RateLimit = rate.Limit(cfg.RateLimit)
		cc.RateBurst = cfg.RateBurst
	}
	if cfg.Proxy.Enabled {
		u, err := ParseProxyAddress(cfg.Proxy.Address)
		if err != nil {
			return nil, err
		}
		cc.ProxyURL = u
	}
	if logger != nil {
		cc.Logger = logger
	}
	return cc, nil
}

// ParseProxyAddress accepts either a bare host:port or a full proxy URL.
func ParseProxyAddress(addr string) (*url.URL, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("proxy address is empty")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy address: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid proxy address %q: missing host", addr)
	}
	return u, nil
}

// Jar is an in-memory cookie jar honoring public suffix boundaries that can
// be emptied in place, so clients holding it keep working after a reset.
type Jar struct {
	mu    sync.RWMutex
	inner *cookiejar.Jar
}

// NewCookieJar returns an empty Jar.
func NewCookieJar() *Jar {
	j := &Jar{}
	j.Reset()
	return j
}

func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	j.inner.SetCookies(u, cookies)
}

func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.inner.Cookies(u)
}

// Reset drops every cookie.
func (j *Jar) Reset() {
	// cookiejar.New only fails on invalid options.
	inner, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	j.mu.Lock()
	j.inner = inner
	j.mu.Unlock()
}

// NewHTTPTransport creates the base transport with HTTP/2 enabled.
func NewHTTPTransport(cfg *ClientConfig) *http.Transport {
	if cfg == nil {
		cfg = NewClientConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	dialer := &net.Dialer{
		Timeout:   DefaultDialTimeout,
		KeepAlive: DefaultKeepAliveInterval,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       configureTLS(cfg),
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		// CompressionMiddleware owns Accept-Encoding and decoding.
		DisableCompression: true,
	}
	if cfg.ProxyURL != nil {
		transport.Proxy = http.ProxyURL(cfg.ProxyURL)
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		cfg.Logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
	}
	return transport
}

// NewClient assembles the middleware chain: default headers, pacing,
// decompression, then the transport.
func NewClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = NewClientConfig()
	}

	var rt http.RoundTripper = NewCompressionMiddleware(NewHTTPTransport(cfg))
	if cfg.RateLimit > 0 {
		rt = NewRateLimitMiddleware(rt, cfg.RateLimit, cfg.RateBurst)
	}
	rt = NewHeaderMiddleware(rt, cfg.UserAgent, cfg.Headers)

	client := &http.Client{
		Transport: rt,
		Timeout:   cfg.RequestTimeout,
		Jar:       cfg.CookieJar,
	}
	if !cfg.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return client
}

func configureTLS(cfg *ClientConfig) *tls.Config {
	var tlsConfig *tls.Config
	if cfg.TLSConfig != nil {
		tlsConfig = cfg.TLSConfig.Clone()
	} else {
		tlsConfig = &tls.Config{ClientSessionCache: tls.NewLRUClientSessionCache(64)}
	}

	if tlsConfig.MinVersion == 0 {
		tlsConfig.MinVersion = SecureMinTLSVersion
	}
	if tlsConfig.MinVersion < SecureMinTLSVersion {
		cfg.Logger.Warn("Minimum TLS version is set below TLS 1.2",
			zap.Uint16("configured_version", tlsConfig.MinVersion))
	}

	tlsConfig.InsecureSkipVerify = cfg.InsecureSkipVerify
	return tlsConfig
}
