// internal/browser/session/session.go
package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/antchfx/htmlquery"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/celobox/internal/browser"
	"github.com/xkilldash9x/celobox/internal/browser/network"
	"github.com/xkilldash9x/celobox/internal/config"
)

const (
	maxRedirects = 10
	// maxBodySize bounds what a single page may make us buffer.
	maxBodySize = 10 << 20
)

// Session is a browsing session backed by a plain HTTP client and a parsed
// DOM. It has no script engine; forms and links behave as they would with
// scripting disabled.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	client  *http.Client
	jar     *network.Jar
	headers map[string]string

	mu         sync.RWMutex
	currentURL *url.URL
	currentDOM *html.Node
	lastHeader http.Header

	closeOnce sync.Once
}

var (
	_ browser.Page        = (*Session)(nil)
	_ browser.Poster      = (*Session)(nil)
	_ browser.Snapshotter = (*Session)(nil)
)

// NewSession creates a session over a client built from cfg. Headers are
// set on every navigation and override the client defaults.
func NewSession(parentCtx context.Context, cfg *network.ClientConfig, headers map[string]string, logger *zap.Logger) *Session {
	if cfg == nil {
		cfg = network.NewClientConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	jar, ok := cfg.CookieJar.(*network.Jar)
	if !ok {
		jar = network.NewCookieJar()
		cfg.CookieJar = jar
	}
	cfg.FollowRedirects = false

	id := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)
	return &Session{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.Named("http_session").With(zap.String("session_id", id)),
		client:  network.NewClient(cfg),
		jar:     jar,
		headers: headers,
	}
}

// NewFactory returns a browser.Factory producing HTTP sessions configured
// from the application's network settings.
func NewFactory(netCfg config.NetworkConfig, logger *zap.Logger) browser.Factory {
	return func(ctx context.Context, opts browser.Options) (browser.Page, error) {
		cc, err := network.ClientConfigFrom(netCfg, opts.UserAgent, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to configure HTTP client: %w", err)
		}
		if opts.IgnoreTLSErrors {
			cc.InsecureSkipVerify = true
		}
		return NewSession(ctx, cc, opts.Headers, logger), nil
	}
}

func (s *Session) ID() string { return s.id }

// Close releases idle connections. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.client.CloseIdleConnections()
		s.logger.Debug("Session closed")
	})
	return nil
}

// Navigate loads rawURL, following redirects, and replaces the current document.
func (s *Session) Navigate(ctx context.Context, rawURL string) error {
	navCtx, cancel := browser.CombineContext(s.ctx, ctx)
	defer cancel()

	target, err := s.resolveURL(rawURL)
	if err != nil {
		return fmt.Errorf("failed to resolve URL '%s': %w", rawURL, err)
	}
	s.logger.Debug("Navigating", zap.String("url", target.String()))

	req, err := http.NewRequestWithContext(navCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request for '%s': %w", target, err)
	}
	s.prepareRequestHeaders(req)
	return s.load(req)
}

// Post submits fields to rawURL as a urlencoded form and loads the response.
// The Referer is the current page, which is the form the fields came from.
func (s *Session) Post(ctx context.Context, rawURL string, fields url.Values) error {
	postCtx, cancel := browser.CombineContext(s.ctx, ctx)
	defer cancel()

	target, err := s.resolveURL(rawURL)
	if err != nil {
		return fmt.Errorf("failed to resolve URL '%s': %w", rawURL, err)
	}
	req, err := newFormRequest(postCtx, http.MethodPost, target, fields)
	if err != nil {
		return err
	}
	s.prepareRequestHeaders(req)
	return s.load(req)
}

// Get fetches rawURL with the session's cookies without touching the
// current document.
func (s *Session) Get(ctx context.Context, rawURL string) (*browser.Response, error) {
	getCtx, cancel := browser.CombineContext(s.ctx, ctx)
	defer cancel()

	target, err := s.resolveURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve URL '%s': %w", rawURL, err)
	}
	req, err := http.NewRequestWithContext(getCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	s.prepareRequestHeaders(req)

	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from '%s': %w", target, err)
	}
	return &browser.Response{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

// load performs req and makes its final response the current document.
func (s *Session) load(req *http.Request) error {
	resp, err := s.do(req)
	if err != nil {
		return err
	}
	return s.processResponse(resp)
}

// do sends req and walks the redirect chain manually, so the final URL and
// headers are the ones the user agent would end up on.
func (s *Session) do(req *http.Request) (*http.Response, error) {
	current := req
	for i := 0; i < maxRedirects; i++ {
		s.logger.Debug("Executing request", zap.String("method", current.Method), zap.String("url", current.URL.String()))

		resp, err := s.client.Do(current)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		if resp.StatusCode < 300 || resp.StatusCode >= 400 || resp.Header.Get("Location") == "" {
			return resp, nil
		}

		next, err := s.redirectRequest(resp, current)
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to handle redirect: %w", err)
		}
		current = next
	}
	return nil, fmt.Errorf("maximum number of redirects (%d) exceeded", maxRedirects)
}

func (s *Session) redirectRequest(resp *http.Response, prev *http.Request) (*http.Request, error) {
	location := resp.Header.Get("Location")
	next, err := prev.URL.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redirect Location '%s': %w", location, err)
	}

	method := prev.Method
	var body io.ReadCloser
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
		if method != http.MethodHead {
			method = http.MethodGet
		}
	default:
		if prev.GetBody != nil {
			if body, err = prev.GetBody(); err != nil {
				return nil, fmt.Errorf("failed to replay body for redirect: %w", err)
			}
		}
	}

	req, err := http.NewRequestWithContext(prev.Context(), method, next.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", prev.Header.Get("Content-Type"))
	}
	s.prepareRequestHeaders(req)
	req.Header.Set("Referer", prev.URL.String())
	return req, nil
}

// processResponse parses HTML bodies and updates the session state.
func (s *Session) processResponse(resp *http.Response) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		s.logger.Debug("Request resulted in error status code",
			zap.Int("status", resp.StatusCode), zap.String("url", resp.Request.URL.String()))
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if contentType != "" && !strings.Contains(contentType, "html") {
		s.logger.Debug("Response is not HTML, skipping DOM parsing.", zap.String("content_type", contentType))
		s.updateState(resp.Request.URL, nil, resp.Header)
		return nil
	}

	doc, err := htmlquery.Parse(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		s.updateState(resp.Request.URL, nil, resp.Header)
		return fmt.Errorf("failed to parse HTML response from '%s': %w", resp.Request.URL, err)
	}
	s.updateState(resp.Request.URL, doc, resp.Header)
	return nil
}

func (s *Session) updateState(newURL *url.URL, doc *html.Node, header http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentURL = newURL
	s.currentDOM = doc
	s.lastHeader = header.Clone()

	title := ""
	if doc != nil {
		if titleNode := htmlquery.FindOne(doc, "//title"); titleNode != nil {
			title = strings.TrimSpace(htmlquery.InnerText(titleNode))
		}
	}
	s.logger.Debug("Session state updated", zap.String("url", newURL.String()), zap.String("title", title))
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.currentURL == nil {
		return "", nil
	}
	return s.currentURL.String(), nil
}

func (s *Session) ResponseHeaders(ctx context.Context) (http.Header, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastHeader == nil {
		return nil, browser.ErrNoDocument
	}
	return s.lastHeader.Clone(), nil
}

// DeleteAllCookies empties the jar in place.
func (s *Session) DeleteAllCookies(ctx context.Context) error {
	s.jar.Reset()
	s.logger.Debug("Cookies cleared")
	return nil
}

// Snapshot renders the current DOM, including values typed so far.
func (s *Session) Snapshot(ctx context.Context) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.currentDOM == nil {
		return []byte("<html><head></head><body></body></html>"), "html", nil
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, s.currentDOM); err != nil {
		return nil, "", fmt.Errorf("failed to render DOM snapshot: %w", err)
	}
	return buf.Bytes(), "html", nil
}

// FindAll matches selector against the whole current document.
func (s *Session) FindAll(ctx context.Context, selector string) ([]browser.Element, error) {
	s.mu.RLock()
	doc := s.currentDOM
	s.mu.RUnlock()

	if doc == nil {
		return nil, nil
	}
	return s.findIn(doc, selector)
}

// resolveURL resolves a possibly relative URL against the current page.
func (s *Session) resolveURL(target string) (*url.URL, error) {
	s.mu.RLock()
	current := s.currentURL
	s.mu.RUnlock()

	parsed, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if parsed.IsAbs() {
		return parsed, nil
	}
	if current == nil {
		return nil, fmt.Errorf("initial navigation target must be an absolute URL: '%s'", target)
	}
	return current.ResolveReference(parsed), nil
}

func (s *Session) prepareRequestHeaders(req *http.Request) {
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	s.mu.RLock()
	current := s.currentURL
	s.mu.RUnlock()
	if current != nil && req.Header.Get("Referer") == "" {
		req.Header.Set("Referer", current.String())
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
}

func newFormRequest(ctx context.Context, method string, target *url.URL, fields url.Values) (*http.Request, error) {
	if method == http.MethodPost {
		req, err := http.NewRequestWithContext(ctx, method, target.String(), strings.NewReader(fields.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}

	withQuery := *target
	if encoded := fields.Encode(); encoded != "" {
		if withQuery.RawQuery == "" {
			withQuery.RawQuery = encoded
		} else {
			withQuery.RawQuery += "&" + encoded
		}
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, withQuery.String(), nil)
}
